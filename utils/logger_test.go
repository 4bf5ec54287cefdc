package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerDefaultArgs(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSONLogger(&buf, slog.LevelInfo).With("peer", "a")
	ctx := WithDefaultArgs(context.Background(), "session", "s1")
	log.WarnCtx(ctx, "hello", "n", 1)
	log.Debug("dropped")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "[fabric] hello", rec["msg"])
	assert.Equal(t, "a", rec["peer"])
	assert.Equal(t, "s1", rec["session"])
	assert.Equal(t, float64(1), rec["n"])

	inner := WithDefaultArgs(ctx, "req", 2)
	assert.Len(t, getDefaultArgs(inner), 4)
	assert.Len(t, getDefaultArgs(ctx), 2)
}
