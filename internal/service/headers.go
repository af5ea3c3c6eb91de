package service

import (
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// hopByHopHeaders apply to a single connection and are never relayed as-is.
// Connection and Upgrade are re-added for protocol upgrades.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// endToEndHeaders returns a copy of h without hop-by-hop headers, including
// any named in its Connection header. Everything else is relayed verbatim.
func endToEndHeaders(h http.Header) http.Header {
	dst := h.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		dst.Del(name)
	}
	return dst
}

// upgradeType returns the protocol h asks to switch to (attach and exec
// use "tcp", BuildKit sessions "h2c"), or "" when h is not an upgrade.
func upgradeType(h http.Header) string {
	if !httpguts.HeaderValuesContainsToken(h["Connection"], "Upgrade") {
		return ""
	}
	return h.Get("Upgrade")
}

// withUpgrade restores the upgrade handshake headers stripped by
// endToEndHeaders.
func withUpgrade(h http.Header, proto string) {
	if proto == "" {
		return
	}
	h.Set("Connection", "Upgrade")
	h.Set("Upgrade", proto)
}
