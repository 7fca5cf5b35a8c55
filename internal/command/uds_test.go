package command

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/cilab/internal/core"
)

// startServer runs a UDS server in a short temp dir; t.TempDir paths can
// exceed the sun_path limit.
func startServer(t *testing.T, h *CommandHandler) (*UDSServer, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "cilab")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	sock := filepath.Join(dir, "ctl.sock")
	srv := NewUDSServer(sock, h)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("uds server did not stop")
		}
	})
	return srv, sock
}

func TestUDS_Roundtrip(t *testing.T) {
	h, up, _ := newTestHandler()
	_, sock := startServer(t, h)
	client := NewUDSClient(sock, time.Second)

	snap, err := client.Noop(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), snap.CommandCounter)

	up.counters.IngestPackets.Store(8)
	snap, err = client.ResetCounters(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, core.CounterSnapshot{}, snap)

	rep, err := client.Housekeeping(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "gs-01", rep.Node)

	st, err := client.Status(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "udp", st.Source)
	assert.Equal(t, 12, st.BufferedBytes)
}

func TestUDS_RemoteError(t *testing.T) {
	h, _, _ := newTestHandler()
	_, sock := startServer(t, h)
	client := NewUDSClient(sock, time.Second)

	_, err := client.Call(testContext(t), "bogus", nil)
	require.Error(t, err)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrCodeMethodNotFound, remote.Info.Code)
	assert.Equal(t, "bogus", remote.Method)
}

func TestUDS_Shutdown(t *testing.T) {
	h, _, _ := newTestHandler()
	called := make(chan struct{})
	h.SetShutdownFunc(func() { close(called) })
	_, sock := startServer(t, h)

	require.NoError(t, NewUDSClient(sock, time.Second).Shutdown(testContext(t)))
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown func not called")
	}
}

func TestUDSServer_Dispatch(t *testing.T) {
	h, _, _ := newTestHandler()
	srv := NewUDSServer("unused", h)

	resp := srv.dispatch(testContext(t), []byte("{not json"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeParseError, resp.Error.Code)

	resp = srv.dispatch(testContext(t), []byte(`{"jsonrpc":"2.0","id":"a"}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)
	assert.Equal(t, "a", resp.ID)
}

func TestUDSServer_StopIsIdempotent(t *testing.T) {
	h, _, _ := newTestHandler()
	srv, sock := startServer(t, h)

	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())
	_, err := os.Stat(sock)
	assert.True(t, os.IsNotExist(err))
}

func TestUDSClient_NoServer(t *testing.T) {
	client := NewUDSClient(filepath.Join(os.TempDir(), "cilab-missing.sock"), 200*time.Millisecond)
	_, err := client.Noop(testContext(t))
	assert.Error(t, err)
}
