package xhttp

import (
	"net"
	"net/http"
	"strings"

	"github.com/garrettladley/payhook/internal/xcontext"
)

// DefaultTrustedProxies is one load balancer in front of the server.
const DefaultTrustedProxies = 1

// GetRequestIP returns the address resolved by the ClientIP middleware, or
// ClientIP with DefaultTrustedProxies for requests that bypassed it.
func GetRequestIP(r *http.Request) string {
	if ip, ok := xcontext.GetClientIP(r.Context()); ok {
		return ip
	}
	return ClientIP(r, DefaultTrustedProxies)
}

// ClientIP reads X-Forwarded-For from the right. Every trusted proxy appends
// the peer it saw, so the hop trustedProxies from the end is the left-most
// one a client cannot forge. Zero trusted proxies ignores the header.
func ClientIP(r *http.Request, trustedProxies int) string {
	if trustedProxies > 0 {
		var hops []string
		for _, line := range r.Header.Values(XForwardedFor) {
			for hop := range strings.SplitSeq(line, ",") {
				if hop = strings.TrimSpace(hop); hop != "" {
					hops = append(hops, hop)
				}
			}
		}
		if len(hops) > 0 {
			return stripPort(hops[max(len(hops)-trustedProxies, 0)])
		}
	}
	return stripPort(r.RemoteAddr)
}

func stripPort(addr string) string {
	if ip, _, err := net.SplitHostPort(addr); err == nil {
		return ip
	}
	return addr
}

// GetRequestSignature returns the first signature header present and its
// name.
func GetRequestSignature(r *http.Request) (name, value string) {
	for _, h := range SignatureHeaders {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return h, v
		}
	}
	return "", ""
}

// snapshotHeaders are kept with a queued delivery.
var snapshotHeaders = append([]string{ContentType, UserAgent, XEventType, XRequestID}, SignatureHeaders...)

// HeaderSnapshot copies the headers worth keeping with a delivery.
func HeaderSnapshot(r *http.Request) map[string]string {
	out := make(map[string]string, len(snapshotHeaders))
	for _, h := range snapshotHeaders {
		if v := r.Header.Get(h); v != "" {
			out[h] = v
		}
	}
	return out
}

// GetRequestBearerToken returns the token of an "Authorization: Bearer"
// header.
func GetRequestBearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get(Authorization)
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
