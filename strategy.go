package portalworker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	cachekey "github.com/always-cache/portal-worker/pkg/cache-key"
	cachestatus "github.com/always-cache/portal-worker/pkg/cache-status"
	serializer "github.com/always-cache/portal-worker/pkg/response-serializer"
)

const (
	offlineMessage = "Offline - Please check your connection"
	// detail values of the Cache-Status header
	detailOffline = "offline"
)

type networkError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var networkUnavailable = networkError{
	Error:   "Network unavailable",
	Message: "Please check your internet connection",
}

// cacheFirst serves static assets.
// A stored copy is returned without touching the network;
// on a miss the network response is stored if it is a 200.
// A network or read failure yields the offline response.
func (w *Worker) cacheFirst(ctx context.Context, r *http.Request) *http.Response {
	if !isWebScheme(r.URL) {
		return w.networkOnly(ctx, r)
	}
	key := cachekey.Key(r)
	if res, ok := w.match(r, key); ok {
		cs := cachestatus.CacheStatus{}
		cs.Hit()
		cs.Set(res)
		return res
	}

	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdUriMiss)
	res, err := w.fetchNetwork(ctx, r)
	if err != nil {
		w.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Cache first strategy failed")
		cs.Detail(detailOffline)
		return offlineResponse(r, cs)
	}
	if res.StatusCode == http.StatusOK {
		stored, err := serializer.Duplicate(res)
		if err != nil {
			w.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Could not read network response")
			cs.Detail(detailOffline)
			return offlineResponse(r, cs)
		}
		if err := w.cache.Put(w.staticName, key, stored); err != nil {
			w.log.Warn().Err(err).Str("key", key).Msg("Failed to cache response")
		}
	}
	return res
}

// networkFirst serves API calls.
// The network response is returned as is; successful GETs are also stored.
// When the network fails, a stored copy is returned if there is one.
func (w *Worker) networkFirst(ctx context.Context, r *http.Request) *http.Response {
	key := cachekey.Key(r)
	res, err := w.fetchNetwork(ctx, r)
	if err == nil {
		if res.StatusCode != http.StatusOK || r.Method != http.MethodGet {
			return res
		}
		stored, derr := serializer.Duplicate(res)
		if derr == nil {
			if err := w.cache.Put(w.dynamicName, key, stored); err != nil {
				w.log.Warn().Err(err).Str("key", key).Msg("Failed to cache response")
			}
			return res
		}
		err = derr
	}

	w.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Network request failed, trying cache")
	if cached, ok := w.match(r, key); ok {
		cs := cachestatus.CacheStatus{}
		cs.Hit()
		cs.Detail(detailOffline)
		cs.Set(cached)
		return cached
	}
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdUriMiss)
	cs.Detail(detailOffline)
	return networkErrorResponse(r, cs)
}

// networkOnly sends requests that must not be cached.
func (w *Worker) networkOnly(ctx context.Context, r *http.Request) *http.Response {
	res, err := w.fetchNetwork(ctx, r)
	if err != nil {
		w.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Network request failed")
		cs := cachestatus.CacheStatus{}
		cs.Forward(cachestatus.FwdMethod)
		cs.Detail(detailOffline)
		return offlineResponse(r, cs)
	}
	return res
}

func (w *Worker) fetchNetwork(ctx context.Context, r *http.Request) (*http.Response, error) {
	req := r.Clone(ctx)
	// client requests must not have a RequestURI
	req.RequestURI = ""
	return w.client.Do(req)
}

// match looks up the key in all cache generations.
// Storage errors are logged and count as a miss.
func (w *Worker) match(r *http.Request, key string) (*http.Response, bool) {
	stored, ok, err := w.cache.Match(key)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	res, err := serializer.BytesToResponse(stored, r)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not create response from cache")
		return nil, false
	}
	return res, true
}

func offlineResponse(r *http.Request, cs cachestatus.CacheStatus) *http.Response {
	return syntheticResponse(r, "text/plain; charset=utf-8", []byte(offlineMessage), cs)
}

func networkErrorResponse(r *http.Request, cs cachestatus.CacheStatus) *http.Response {
	body, _ := json.Marshal(networkUnavailable)
	return syntheticResponse(r, "application/json", body, cs)
}

// syntheticResponse signals that neither network nor cache could serve the request.
func syntheticResponse(r *http.Request, contentType string, body []byte, cs cachestatus.CacheStatus) *http.Response {
	res := &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
	res.Header.Set("Content-Type", contentType)
	cs.Set(res)
	return res
}
