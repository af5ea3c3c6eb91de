// Package testutil provides a stub Docker daemon listening on a Unix socket.
package testutil

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// NewUnixServer starts h on a Unix socket and returns the socket path. The
// socket lives under a short os.MkdirTemp directory because sun_path is
// limited to about 108 bytes and t.TempDir paths embed the test name.
func NewUnixServer(t testing.TB, h http.Handler) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "dsp")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	path := filepath.Join(dir, "docker.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen unix %s: %v", path, err)
	}

	srv := httptest.NewUnstartedServer(h)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)

	return path
}

// MissingSocket returns a socket path in a fresh directory where nothing listens.
func MissingSocket(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "dsp")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "docker.sock")
}
