// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newHolder(t *testing.T, body string) (*Holder, string) {
	t.Helper()
	t.Setenv("SGR_DATA_DIR", t.TempDir())
	path := writeConfig(t, body)
	l := NewLoader(path, "dev")
	cfg, err := l.Load()
	require.NoError(t, err)
	return NewHolder(cfg, l), path
}

func TestHolderReload(t *testing.T) {
	h, path := newHolder(t, "recording:\n  max_recording_seconds: 60\n")
	ch := make(chan Config, 1)
	h.RegisterListener(ch)

	require.NoError(t, os.WriteFile(path, []byte("recording:\n  max_recording_seconds: 90\n"), 0o600))
	require.NoError(t, h.Reload(context.Background()))

	assert.Equal(t, 90, h.Get().Recording.MaxRecordingSeconds)
	select {
	case got := <-ch:
		assert.Equal(t, 90, got.Recording.MaxRecordingSeconds)
	default:
		t.Fatal("listener not notified")
	}
}

func TestHolderReloadKeepsPreviousOnError(t *testing.T) {
	h, path := newHolder(t, "log_level: debug\n")

	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\nbogus: 1\n"), 0o600))
	require.Error(t, h.Reload(context.Background()))
	assert.Equal(t, "debug", h.Get().LogLevel)
}

func TestHolderListenerNeverBlocks(t *testing.T) {
	h, _ := newHolder(t, "log_level: info\n")
	full := make(chan Config)
	h.RegisterListener(full)

	require.NoError(t, h.Reload(context.Background()))
}

func TestHolderWatcherReloadsOnWrite(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h, path := newHolder(t, "log_level: info\n")
	ch := make(chan Config, 1)
	h.RegisterListener(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.StartWatcher(ctx))

	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\n"), 0o600))

	select {
	case got := <-ch:
		assert.Equal(t, "warn", got.LogLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}
	h.Stop()
}

func TestHolderWatcherDisabledWithoutFile(t *testing.T) {
	t.Setenv("SGR_DATA_DIR", t.TempDir())
	l := NewLoader("", "dev")
	cfg, err := l.Load()
	require.NoError(t, err)

	h := NewHolder(cfg, l)
	require.NoError(t, h.StartWatcher(context.Background()))
	h.Stop()
}

func TestMaskURL(t *testing.T) {
	assert.Equal(t, "https://api.example.com/v1", maskURL("https://user:pw@api.example.com/v1?token=x"))
	assert.Equal(t, "", maskURL(""))
}
