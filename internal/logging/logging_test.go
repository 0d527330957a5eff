package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestSetupJSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	closer, err := Setup(Options{Level: "warn", Format: "json", Writer: &buf})
	require.NoError(t, err)
	defer closer.Close()

	Infof("hidden %d", 1)
	Warnf("shown %d", 2)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown 2", rec["msg"])
	assert.Equal(t, "WARN", rec["level"])

	require.NoError(t, SetLevel("debug"))
	assert.Equal(t, slog.LevelDebug, Level())
	Debugf("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestSetupTruncatesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay-server.log")
	require.NoError(t, os.WriteFile(path, []byte("stale contents\n"), 0o644))

	closer, err := Setup(Options{Level: "info", File: path})
	require.NoError(t, err)
	Info("fresh start")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "stale contents")
	assert.Contains(t, string(data), "fresh start")

	// Restore a writer that outlives the temp dir.
	_, err = Setup(Options{Writer: &bytes.Buffer{}})
	require.NoError(t, err)
}

func TestSetupRejectsUnknownFormat(t *testing.T) {
	_, err := Setup(Options{Format: "xml", Writer: &bytes.Buffer{}})
	assert.Error(t, err)
}

func TestDisableSilencesHelpers(t *testing.T) {
	var buf bytes.Buffer
	_, err := Setup(Options{Writer: &buf})
	require.NoError(t, err)

	Disable()
	Error("quiet")
	Enable()
	Error("loud")

	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")
}

func TestSlogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(slog.New(slog.NewTextHandler(&buf, nil)))

	sink.Log("extension", "ext_level", "info", "args", "hello")
	sink.Error("extension", "args", "boom")

	out := buf.String()
	assert.Contains(t, out, "level=INFO")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "boom")
}
