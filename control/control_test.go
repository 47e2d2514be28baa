package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chatd/db"
	"chatd/logging"
	"chatd/models"
	"chatd/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeServer) Stats() server.Stats {
	return server.Stats{Connections: 3, Online: []string{"alice", "bob"}, Uptime: 90 * time.Second}
}

func (f *fakeServer) Shutdown(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
}

func (f *fakeServer) shutdowns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reasons...)
}

type fakeHistory struct{}

func (fakeHistory) ConnectionHistory(ctx context.Context, login string, limit int) ([]models.ConnectionRecord, error) {
	if login != "alice" {
		return nil, fmt.Errorf("%w: user %q", db.ErrNotExists, login)
	}
	records := []models.ConnectionRecord{
		{Login: "alice", Address: "10.0.0.2:6000", ConnectedAt: time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)},
		{Login: "alice", Address: "127.0.0.1:5000", ConnectedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
	}
	if limit < len(records) {
		records = records[:limit]
	}
	return records, nil
}

// flakyListener fails Accept a fixed number of times, then reports closed.
type flakyListener struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls <= l.failures {
		return nil, errors.New("accept: too many open files")
	}
	return nil, net.ErrClosed
}

func (l *flakyListener) Close() error   { return nil }
func (l *flakyListener) Addr() net.Addr { return &net.UnixAddr{Name: "flaky", Net: "unix"} }

func startSocket(t *testing.T) (*Socket, *fakeServer, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "ctl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "c.sock")

	srv := &fakeServer{}
	sock := New(path, srv, fakeHistory{}, logging.Discard())
	require.NoError(t, sock.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sock.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("control socket did not stop")
		}
	})
	return sock, srv, path
}

func command(t *testing.T, path, line string) string {
	t.Helper()
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Write([]byte(line + "\n"))
	require.NoError(t, err)

	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSuffix(reply, "\n")
}

func TestStats(t *testing.T) {
	_, _, path := startSocket(t)
	assert.Equal(t, "OK|connections=3,online=alice;bob,uptime=1m30s", command(t, path, "stats"))
}

func TestHistory(t *testing.T) {
	_, _, path := startSocket(t)

	assert.Equal(t, "OK|10.0.0.2:6000@2024-05-01T11:00:00Z;127.0.0.1:5000@2024-05-01T10:00:00Z",
		command(t, path, "history|alice"))
	assert.Equal(t, "OK|10.0.0.2:6000@2024-05-01T11:00:00Z", command(t, path, "history|alice|1"))
	assert.Equal(t, "ERROR|Invalid limit", command(t, path, "history|alice|zero"))
	assert.Equal(t, "ERROR|Usage: history|login[|limit]", command(t, path, "history"))
	assert.True(t, strings.HasPrefix(command(t, path, "history|ghost"), "ERROR|does not exist"))
}

func TestShutdown(t *testing.T) {
	_, srv, path := startSocket(t)

	assert.Equal(t, "OK|Shutting down", command(t, path, "shutdown|upgrade"))
	assert.Equal(t, "OK|Shutting down", command(t, path, "shutdown"))
	require.Eventually(t, func() bool { return len(srv.shutdowns()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"upgrade", "maintenance"}, srv.shutdowns())
}

func TestUnknownCommand(t *testing.T) {
	_, _, path := startSocket(t)
	assert.Equal(t, "ERROR|Unknown command", command(t, path, "reboot"))
}

func TestClose_RemovesSocketFile(t *testing.T) {
	sock, _, path := startSocket(t)
	require.NoError(t, sock.Close())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestServe_BacksOffOnAcceptErrors(t *testing.T) {
	ln := &flakyListener{failures: 3}
	sock := New(filepath.Join(t.TempDir(), "unused.sock"), &fakeServer{}, fakeHistory{}, logging.Discard())
	sock.ln = ln

	start := time.Now()
	require.NoError(t, sock.Serve(context.Background()))

	assert.Equal(t, 4, ln.calls)
	assert.GreaterOrEqual(t, time.Since(start), 3*acceptRetryDelay)
}
