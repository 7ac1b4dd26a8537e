// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
}

func noKeepAliveClient() *http.Client {
	return &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
}

func startManager(t *testing.T, m *Manager) (context.CancelFunc, <-chan error, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Start(ctx) }()

	addrCtx, addrCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer addrCancel()
	addr, err := m.Addr(addrCtx)
	require.NoError(t, err)
	return cancel, errCh, "http://" + addr.String()
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
		return nil
	}
}

func TestNewManager_RequiresHandler(t *testing.T) {
	_, err := NewManager(ServerConfig{ListenAddr: "127.0.0.1:0"}, nil)
	assert.ErrorIs(t, err, ErrMissingHandler)
}

func TestShutdown_BeforeStart(t *testing.T) {
	m, err := NewManager(ServerConfig{ListenAddr: "127.0.0.1:0"}, okHandler())
	require.NoError(t, err)
	assert.ErrorIs(t, m.Shutdown(context.Background()), ErrManagerNotStarted)
}

func TestStart_ServesAndShutsDownInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, err := NewManager(ServerConfig{ListenAddr: "127.0.0.1:0", MaxConnections: 4}, okHandler())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	record := func(name string) ShutdownHook {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	m.RegisterShutdownHook("first", record("first"))
	m.RegisterShutdownHook("second", record("second"))

	serverDown := make(chan struct{})
	m.OnServerShutdown(func() { close(serverDown) })

	workerDone := make(chan struct{})
	m.RegisterWorker("idle", func(ctx context.Context) error {
		defer close(workerDone)
		<-ctx.Done()
		return ctx.Err()
	})

	cancel, errCh, base := startManager(t, m)

	resp, err := noKeepAliveClient().Get(base + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)

	cancel()
	require.NoError(t, waitErr(t, errCh))
	<-workerDone
	<-serverDown

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"second", "first"}, order)

	assert.NoError(t, m.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestStart_WorkerFailureStopsDaemon(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, err := NewManager(ServerConfig{ListenAddr: "127.0.0.1:0"}, okHandler())
	require.NoError(t, err)

	boom := errors.New("boom")
	m.RegisterWorker("broken", func(context.Context) error { return boom })
	hookRan := false
	m.RegisterShutdownHook("cleanup", func(context.Context) error {
		hookRan = true
		return nil
	})

	err = m.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, hookRan)
}

func TestStart_ListenFailureStillRunsHooks(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	m, err := NewManager(ServerConfig{ListenAddr: ln.Addr().String()}, okHandler())
	require.NoError(t, err)
	hookRan := false
	m.RegisterShutdownHook("cleanup", func(context.Context) error {
		hookRan = true
		return nil
	})

	err = m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
	assert.True(t, hookRan)
}

func TestShutdown_CollectsHookErrors(t *testing.T) {
	m, err := NewManager(ServerConfig{ListenAddr: "127.0.0.1:0"}, okHandler())
	require.NoError(t, err)

	failing := errors.New("close failed")
	m.RegisterShutdownHook("bad", func(context.Context) error { return failing })
	laterRan := false
	m.RegisterShutdownHook("good", func(context.Context) error {
		laterRan = true
		return nil
	})

	cancel, errCh, _ := startManager(t, m)
	cancel()
	err = waitErr(t, errCh)
	require.Error(t, err)
	assert.ErrorIs(t, err, failing)
	assert.True(t, laterRan)
}
