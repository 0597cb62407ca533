// Package netutil provides shared HTTP/network normalization helpers used by
// both the live forwarding path and the replay engine.
package netutil

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
)

var hopByHopHeaderNames = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// replayStripHeaderNames are removed from a recorded request before it is
// resubmitted. The list covers hop-by-hop and connection-identifying headers;
// keeping it in one place prevents drift between forwarding and replay.
var replayStripHeaderNames = []string{
	"Host",
	"Connection",
	"Transfer-Encoding",
	"Content-Length",
	"X-Real-Ip",
}

const replayStripHeaderPrefix = "x-forwarded-"

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// SubdomainFromHost returns the left-most label of host when host is a
// direct subdomain of baseDomain, or "" otherwise.
func SubdomainFromHost(host, baseDomain string) string {
	host = NormalizeHost(host)
	baseDomain = NormalizeHost(baseDomain)
	if host == "" || baseDomain == "" || host == baseDomain {
		return ""
	}
	suffix := "." + baseDomain
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	label := strings.TrimSuffix(host, suffix)
	if strings.Contains(label, ".") {
		return ""
	}
	return label
}

// RemoveHopByHopHeaders strips hop-by-hop headers that must not be proxied.
func RemoveHopByHopHeaders(h http.Header) {
	if len(h) == 0 {
		return
	}

	for _, connectionValue := range h.Values("Connection") {
		for _, token := range strings.Split(connectionValue, ",") {
			key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(token))
			if key != "" {
				h.Del(key)
			}
		}
	}

	for _, key := range hopByHopHeaderNames {
		h.Del(key)
	}
}

// StripReplayHeaders returns a copy of headers with the replay strip list
// removed. Matching is case-insensitive: recorded headers may be denormalized
// (lower-case or original casing) depending on the client that produced them.
func StripReplayHeaders(headers map[string][]string) map[string][]string {
	out := make(map[string][]string, len(headers))
	for k, v := range headers {
		if isReplayStripHeader(k) {
			continue
		}
		c := make([]string, len(v))
		copy(c, v)
		out[k] = c
	}
	return out
}

func isReplayStripHeader(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	if strings.HasPrefix(lower, replayStripHeaderPrefix) {
		return true
	}
	for _, strip := range replayStripHeaderNames {
		if strings.EqualFold(name, strip) {
			return true
		}
	}
	return false
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
