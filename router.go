package portalworker

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	cachestatus "github.com/always-cache/portal-worker/pkg/cache-status"
)

// Route is the way a fetch is handled.
type Route string

const (
	// Not handled; left to the host's default handling.
	RoutePassthrough  Route = "passthrough"
	RouteNetworkFirst Route = "network-first"
	RouteCacheFirst   Route = "cache-first"
	// Sent to the network without any caching.
	RouteNetworkOnly Route = "network-only"
)

func isWebScheme(u *url.URL) bool {
	return u.Scheme == "http" || u.Scheme == "https"
}

// sameOrigin compares scheme, host and port of two URLs.
// Hosts are case-insensitive and a scheme's default port equals no port.
func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && originHost(a) == originHost(b)
}

func originHost(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	switch {
	case port == "":
		return host
	case port == "80" && strings.EqualFold(u.Scheme, "http"):
		return host
	case port == "443" && strings.EqualFold(u.Scheme, "https"):
		return host
	}
	return net.JoinHostPort(host, port)
}

// RouteFor classifies a request by scheme, origin and method.
func RouteFor(r *http.Request, apiOrigin *url.URL) Route {
	if !isWebScheme(r.URL) {
		return RoutePassthrough
	}
	if sameOrigin(r.URL, apiOrigin) {
		return RouteNetworkFirst
	}
	if r.Method == http.MethodGet {
		return RouteCacheFirst
	}
	return RouteNetworkOnly
}

// Fetch handles an intercepted request.
// It returns false if the request is not handled, in which case it must be
// processed without the worker. A handled request always gets a response.
func (w *Worker) Fetch(ctx context.Context, r *http.Request) (*http.Response, bool) {
	route := RouteFor(r, w.apiOrigin)
	if route == RoutePassthrough {
		w.log.Trace().Str("url", r.URL.String()).Msg("Skipping unsupported scheme")
		return nil, false
	}
	start := time.Now()
	var res *http.Response
	switch route {
	case RouteNetworkFirst:
		res = w.networkFirst(ctx, r)
	case RouteCacheFirst:
		res = w.cacheFirst(ctx, r)
	default:
		res = w.networkOnly(ctx, r)
	}
	w.logRequest(r, route, res, time.Since(start))
	return res, true
}

func (w *Worker) logRequest(r *http.Request, route Route, res *http.Response, took time.Duration) {
	w.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("route", string(route)).
		Int("status", res.StatusCode).
		Str("cacheStatus", res.Header.Get(cachestatus.HeaderName)).
		Dur("took", took).
		Msg("Sending response to client")
}
