package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(Config{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("model loaded", zap.String("backend", "onnx"))
	require.NoError(t, log.Sync())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "model loaded", entry["message"])
	assert.Equal(t, "onnx", entry["backend"])
	assert.Contains(t, entry, "timestamp")
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := NewWithWriter(Config{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestPrintfAdapter(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(Config{Level: "debug", Format: "console"}, &buf)
	require.NoError(t, err)

	Printf(log)("download retry %d/%d", 2, 5)
	require.NoError(t, log.Sync())
	assert.Contains(t, buf.String(), "download retry 2/5")
}
