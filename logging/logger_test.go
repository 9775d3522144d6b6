package logging

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newBufferedLogger(level Level) (*StdLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := NewStdLogger("[test]").WithLevel(level).WithOutput(log.New(&buf, "", 0))
	return l, &buf
}

// TestStdLogger_LevelFilter 测试级别过滤
func TestStdLogger_LevelFilter(t *testing.T) {
	ctx := context.Background()
	l, buf := newBufferedLogger(WarnLevel)

	l.Debug(ctx, "debug message")
	l.Info(ctx, "info message")
	assert.Empty(t, buf.String())

	l.Warn(ctx, "warn message")
	l.Error(ctx, "error message", Error(errors.New("boom")))

	out := buf.String()
	assert.Contains(t, out, "[WARN] [test] warn message")
	assert.Contains(t, out, "[ERROR] [test] error message error=boom")
}

// TestStdLogger_WithFields 测试字段附加不影响原Logger
func TestStdLogger_WithFields(t *testing.T) {
	ctx := context.Background()
	l, buf := newBufferedLogger(DebugLevel)

	child := l.WithFields(String("component", "session"), Int("size", 3))
	child.Debug(ctx, "flush", Bool("ok", true))
	l.Debug(ctx, "plain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "component=session size=3 ok=true")
	assert.NotContains(t, lines[1], "component=")
}

// TestParseLevel 测试级别解析
func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, WarnLevel, ParseLevel("warning"))
	assert.Equal(t, ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, InfoLevel, ParseLevel("whatever"))
}

// TestGlobalLogger 测试全局Logger替换
func TestGlobalLogger(t *testing.T) {
	old := GetLogger()
	defer SetLogger(old)

	SetLogger(nil)
	_, ok := GetLogger().(*NoopLogger)
	assert.True(t, ok)

	// Noop 的 WithFields 返回自身
	assert.Equal(t, GetLogger(), Component("x"))
}
