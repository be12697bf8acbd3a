package log

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	SetSink(&buf)
	defer SetSink(os.Stdout)

	logger := New("test")
	logger.Info("hidden info")
	logger.Notice("visible notice")
	require.NotContains(t, buf.String(), "hidden info")
	require.Contains(t, buf.String(), "visible notice")
	require.Contains(t, buf.String(), "[test]")

	buf.Reset()
	SetLevel(Debug)
	logger.Debugf("debug %d", 42)
	require.Contains(t, buf.String(), "debug 42")

	buf.Reset()
	SetLevel(Error)
	SetModuleLevel("chatty", Info)
	New("chatty").Infof("from %s", "chatty")
	logger.Warning("suppressed warning")
	require.Contains(t, buf.String(), "from chatty")
	require.NotContains(t, buf.String(), "suppressed warning")
}

func TestParseLevel(t *testing.T) {
	type spec struct {
		name string
		exp  Level
		err  bool
	}

	specs := []spec{
		{"debug", Debug, false},
		{" INFO ", Info, false},
		{"Notice", Notice, false},
		{"warning", Warning, false},
		{"error", Error, false},
		{"trace", Notice, true},
	}

	for specIndex, s := range specs {
		level, err := ParseLevel(s.name)
		if s.err {
			require.Errorf(t, err, "[spec %d]", specIndex)
			continue
		}
		require.NoErrorf(t, err, "[spec %d]", specIndex)
		require.Equalf(t, s.exp, level, "[spec %d]", specIndex)
	}
}
