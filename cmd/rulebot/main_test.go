package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalnet/rulebot/internal/config"
)

func TestBackoffGrowsAndResets(t *testing.T) {
	b := newBackoff(time.Second, 10*time.Second)
	b.jitter = func(n int64) int64 { return n - 1 }

	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.next().Round(time.Second))
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}, got)

	b.reset()
	assert.Equal(t, time.Second, b.next().Round(time.Second))
}

func TestBackoffLowerBound(t *testing.T) {
	b := newBackoff(4*time.Second, time.Minute)
	b.jitter = func(int64) int64 { return 0 }
	assert.Equal(t, 2*time.Second, b.next())
	assert.Equal(t, 4*time.Second, b.next())
}

type fakeRunner struct {
	runs       int
	quitAfter  int
	registered *atomic.Bool
}

func (r *fakeRunner) Run(context.Context) error {
	r.runs++
	if r.runs == 2 {
		r.registered.Store(true)
	}
	return errors.New("connection reset")
}

func (r *fakeRunner) QuitRequested() bool { return r.runs >= r.quitAfter }

func TestReconnectStopsOnQuit(t *testing.T) {
	var registered atomic.Bool
	r := &fakeRunner{quitAfter: 3, registered: &registered}
	b := newBackoff(time.Millisecond, 10*time.Millisecond)
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	require.NoError(t, reconnect(context.Background(), r, &registered, b, logger))
	assert.Equal(t, 3, r.runs)
	// the second run registered, so the delay started over
	assert.Equal(t, 1, b.attempt)
}

func TestReconnectStopsOnCancel(t *testing.T) {
	var registered atomic.Bool
	r := &fakeRunner{quitAfter: 1 << 30, registered: &registered}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	require.NoError(t, reconnect(ctx, r, &registered, newBackoff(time.Hour, time.Hour), logger))
	assert.Equal(t, 1, r.runs)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Default()
	cfg.LogLevel = "warn"
	cfg.LogFormat = "json"

	logger := newLogger(cfg, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

func TestCheckConfigCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nick: bot\nserver: irc.example.net\nchannels: ['#a', '#b']\n"), 0o644))

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"check-config", "-c", path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "OK (irc.example.net:6667 as bot, 2 channels)")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "rulebot version dev")
}
