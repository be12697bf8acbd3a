package cmd

import (
	"bytes"
	"flag"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/achilleasa/gsplat/log"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
)

func loggingContext(t *testing.T, args ...string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range LoggingFlags() {
		f.Apply(set)
	}
	require.NoError(t, set.Parse(args))
	return cli.NewContext(nil, set, nil)
}

func TestSetupLogging(t *testing.T) {
	type spec struct {
		args      []string
		expErr    bool
		visible   []string
		invisible []string
	}

	specs := []spec{
		{args: nil, visible: []string{"notice"}, invisible: []string{"info"}},
		{args: []string{"-v"}, visible: []string{"info"}, invisible: []string{"debug"}},
		{args: []string{"-vv"}, visible: []string{"debug"}},
		{args: []string{"-log-level", "warning"}, visible: []string{"warning"}, invisible: []string{"notice"}},
		{args: []string{"-log-level", "error", "-log-module", "gsplat=debug"}, visible: []string{"debug"}},
		{args: []string{"-log-level", "loud"}, expErr: true},
		{args: []string{"-log-module", "gsplat"}, expErr: true},
	}

	defer log.SetSink(os.Stdout)
	for index, s := range specs {
		var buf bytes.Buffer
		log.SetSink(&buf)

		err := setupLogging(loggingContext(t, s.args...))
		if s.expErr {
			require.Error(t, err, "[spec %d]", index)
			continue
		}
		require.NoError(t, err, "[spec %d]", index)

		logger.Debug("debug")
		logger.Info("info")
		logger.Notice("notice")
		logger.Warning("warning")
		for _, msg := range s.visible {
			require.Contains(t, buf.String(), msg, "[spec %d]", index)
		}
		for _, msg := range s.invisible {
			require.NotContains(t, buf.String(), msg, "[spec %d]", index)
		}
	}
}

func TestWritePNG(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(1, 0, color.NRGBA{R: 255, A: 255})

	path := filepath.Join(t.TempDir(), "frames", "frame_00.png")
	require.NoError(t, writePNG(path, img))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	decoded, err := png.Decode(f)
	require.NoError(t, err)
	require.Equal(t, img.Bounds(), decoded.Bounds())
	r, _, _, _ := decoded.At(1, 0).RGBA()
	require.Equal(t, uint32(0xffff), r)

	// A regular file cannot be used as the output directory.
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	require.Error(t, writePNG(filepath.Join(blocker, "frame.png"), img))
}

func TestSrgb8(t *testing.T) {
	type spec struct {
		in  float32
		exp uint8
	}

	specs := []spec{
		{-1, 0},
		{0, 0},
		{0.0031308, 10},
		{0.5, 188},
		{1, 255},
		{2, 255},
	}
	for index, s := range specs {
		require.Equal(t, s.exp, srgb8(s.in), "[spec %d]", index)
	}
}
