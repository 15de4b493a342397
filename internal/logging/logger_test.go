package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestJSONLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, slog.LevelInfo).WithRun("r1")

	l.LogEpoch(context.Background(), EpochSummary{Epoch: 2, TrainLoss: 0.5, Hit1: 0.25, Hit5: 0.75, EpochTime: time.Second})
	l.LogBestCheckpoint(context.Background(), math.Inf(-1), 0.25, "model.pel", nil)
	l.LogMirror(context.Background(), "s3://b/k", nil) // debug: filtered out

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "r1", lines[0]["run"])
	assert.Equal(t, 0.25, lines[0]["recall@1"])
	assert.Equal(t, "-inf", lines[1]["previous"])
}

func TestErrorPaths(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, slog.LevelDebug)
	l.LogBestCheckpoint(context.Background(), 0.1, 0.2, "m", errors.New("disk full"))
	l.LogMirror(context.Background(), "minio://h/b", errors.New("timeout"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "ERROR", lines[0]["level"])
	assert.Equal(t, "WARN", lines[1]["level"])
}

func TestNewAndParseLevel(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "yaml", slog.LevelInfo)
	require.Error(t, err)

	l, err := New(&bytes.Buffer{}, "json", slog.LevelInfo)
	require.NoError(t, err)
	assert.NotNil(t, l)

	level, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = ParseLevel("loud")
	require.Error(t, err)

	NoopLogger().Info("discarded")
}
