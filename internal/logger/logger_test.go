package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "info", "json")
	l.Debug("hidden")
	l.Info("shown", "tool", "execute_sql")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"tool":"execute_sql"`)
}

func TestContextIDs(t *testing.T) {
	ctx := WithSessionID(context.Background(), "s1")
	ctx = WithRequestID(ctx, "7")
	assert.Equal(t, "s1", GetSessionID(ctx))
	assert.Equal(t, "7", GetRequestID(ctx))
	assert.Equal(t, "", GetRequestID(context.Background()))
}
