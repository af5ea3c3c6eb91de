package testutil

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
)

// StdinClosed is written by AttachHandler once the client half-closes.
const StdinClosed = "[stdin closed]"

// AttachHandler imitates the daemon's attach endpoint. A request carrying
// Connection: Upgrade is switched to a raw stream that echoes the client's
// bytes, writes StdinClosed after the client half-closes and hangs up.
// switchTo overrides the protocol named in the 101; empty echoes the
// requested one. Other requests get a plain 200 JSON reply.
func AttachHandler(t testing.TB, switchTo string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(r.Header.Get("Connection"), "Upgrade") || r.Header.Get("Upgrade") == "" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"upgraded":false}`))
			return
		}

		proto := switchTo
		if proto == "" {
			proto = r.Header.Get("Upgrade")
		}

		conn, brw, err := http.NewResponseController(w).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		defer func() { _ = conn.Close() }()

		_, _ = fmt.Fprintf(brw, "HTTP/1.1 101 UPGRADED\r\n"+
			"Content-Type: application/vnd.docker.raw-stream\r\n"+
			"Connection: Upgrade\r\n"+
			"Upgrade: %s\r\n\r\n", proto)
		if err := brw.Flush(); err != nil {
			return
		}

		_, _ = io.Copy(conn, brw.Reader)
		_, _ = io.WriteString(conn, StdinClosed)
	})
}
