// Package clientip resolves the originating client address of a request and
// attaches it to the request context and log records.
package clientip

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// DefaultHeaders are consulted in order before RemoteAddr.
var DefaultHeaders = []string{"CF-Connecting-IP", "X-Forwarded-For", "X-Real-IP"}

// Resolver extracts client addresses from a fixed list of proxy headers.
type Resolver struct {
	headers []string
}

// New returns a Resolver trusting headers in order. No headers means
// RemoteAddr only, for services exposed without a proxy.
func New(headers ...string) *Resolver {
	return &Resolver{headers: headers}
}

// IP returns the normalized client address or "" when none parses.
func (res *Resolver) IP(r *http.Request) string {
	for _, h := range res.headers {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		// X-Forwarded-For lists the client first.
		for candidate := range strings.SplitSeq(v, ",") {
			if ip := parse(candidate); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return parse(r.RemoteAddr)
	}
	return parse(host)
}

// Middleware stores the client address in the request context.
func (res *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), res.IP(r))))
	})
}

func parse(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

type contextKey struct{}

// WithContext stores ip in ctx.
func WithContext(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, contextKey{}, ip)
}

// FromContext returns the stored client address or "".
func FromContext(ctx context.Context) string {
	ip, _ := ctx.Value(contextKey{}).(string)
	return ip
}

// LogExtractor adds client_ip to log records written with a request context.
func LogExtractor(ctx context.Context) (slog.Attr, bool) {
	if ip := FromContext(ctx); ip != "" {
		return slog.String("client_ip", ip), true
	}
	return slog.Attr{}, false
}
