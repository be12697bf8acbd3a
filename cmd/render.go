package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/achilleasa/gsplat/device"
	"github.com/achilleasa/gsplat/renderer"
	"github.com/achilleasa/gsplat/scene"
	"github.com/chewxy/math32"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// RenderFrames renders a synthetic Gaussian cloud from a ring of cameras and
// writes one PNG per camera.
func RenderFrames(ctx *cli.Context) error {
	if err := setupLogging(ctx); err != nil {
		return err
	}

	opts, err := loadOptions(ctx)
	if err != nil {
		return err
	}
	model, err := scene.ParseCameraModel(ctx.String("camera"))
	if err != nil {
		return err
	}

	g, err := scene.RandomGaussians(scene.SyntheticOptions{
		Count:      ctx.Int("count"),
		Channels:   3,
		Extent:     1,
		MinScale:   0.02,
		MaxScale:   0.15,
		MinOpacity: 0.2,
		MaxOpacity: 0.9,
		Seed:       uint64(ctx.Int64("seed")),
	})
	if err != nil {
		return err
	}
	cams, err := scene.NewCameras(ctx.Int("width"), ctx.Int("height"), model,
		scene.OrbitCameras(ctx.Int("cameras"), float32(ctx.Float64("radius")), math32.Pi/3)...)
	if err != nil {
		return err
	}

	r, err := newRenderer(opts)
	if err != nil {
		return err
	}
	logger.Noticef("rendering %d gaussians from %d cameras (%s mode)", g.Len(), cams.Len(), opts.Mode)
	frame, _, err := r.Render(context.Background(), g, cams)
	if err != nil {
		return err
	}

	out := ctx.String("out")
	for c := 0; c < cams.Len(); c++ {
		path := fmt.Sprintf(out, c)
		if err = writePNG(path, frameImage(frame, c)); err != nil {
			return err
		}
		logger.Infof("wrote camera %d to %s", c, path)
	}

	displayFrameStats(frame.Stats)
	return nil
}

// frameImage converts the linear colors of camera c, composited over the
// background, into an opaque sRGB image. Single channel frames are rendered
// as grayscale.
func frameImage(frame *renderer.Frame, c int) *image.NRGBA {
	h, w, d := frame.Colors.Dim(1), frame.Colors.Dim(2), frame.Colors.Dim(3)
	colors := device.Data[float32](frame.Colors)[c*h*w*d : (c+1)*h*w*d]

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pix := y*w + x
			var rgb [3]float32
			for k := range rgb {
				rgb[k] = colors[pix*d+min(k, d-1)]
			}
			img.SetNRGBA(x, y, color.NRGBA{
				R: srgb8(rgb[0]),
				G: srgb8(rgb[1]),
				B: srgb8(rgb[2]),
				A: 255,
			})
		}
	}
	return img
}

// srgb8 applies the sRGB transfer function to a linear value in [0, 1].
func srgb8(v float32) uint8 {
	v = math32.Max(0, math32.Min(1, v))
	if v <= 0.0031308 {
		v *= 12.92
	} else {
		v = 1.055*math32.Pow(v, 1/2.4) - 0.055
	}
	return uint8(255*v + 0.5)
}

func writePNG(path string, img image.Image) (err error) {
	if dir := filepath.Dir(path); dir != "." {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	return png.Encode(f, img)
}

func displayFrameStats(stats renderer.FrameStats) {
	p := message.NewPrinter(language.English)

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Stage", "Render time"})
	for _, stage := range stats.Stages {
		table.Append([]string{stage.Name, stage.Time.String()})
	}
	table.SetFooter([]string{"TOTAL", stats.RenderTime.String()})
	table.Render()

	buf.WriteString(p.Sprintf("\nvisible rows: %d, intersections: %d\n\n", stats.Visible, stats.Intersections))

	kernels := tablewriter.NewWriter(&buf)
	kernels.SetAutoFormatHeaders(false)
	kernels.SetAutoWrapText(false)
	kernels.SetHeader([]string{"Kernel", "Launches", "Time"})
	for _, k := range stats.Kernels {
		kernels.Append([]string{k.Name, p.Sprintf("%d", k.Launches), k.Time.String()})
	}
	kernels.Render()

	logger.Noticef("frame statistics\n%s", buf.String())
}
