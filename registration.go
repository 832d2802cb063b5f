package portalworker

import (
	"context"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

// Registration keeps track of the active worker.
// A new worker is installed while the active one keeps serving,
// and replaces it once its activation completes.
type Registration struct {
	mu     sync.RWMutex
	active *Worker
	// serializes Register calls
	updateMu sync.Mutex
	log      zerolog.Logger
}

func NewRegistration(logger *zerolog.Logger) *Registration {
	r := &Registration{}
	if logger == nil {
		r.log = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		r.log = *logger
	}
	return r
}

// Register installs and activates the worker and makes it the active one.
// The previous worker becomes redundant. If install or activation fails,
// the previous worker stays active and the error is returned.
// Activation reaps before it claims: when the claim fails, the previous worker's
// generations are already deleted and it serves from the network until they refill.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	if _, err := w.Dispatch(ctx, Event{Kind: EventInstall}); err != nil {
		r.log.Error().Err(err).Str("worker", w.ID()).Msg("Worker install failed, keeping the active worker")
		return err
	}
	if _, err := w.Dispatch(ctx, Event{Kind: EventActivate}); err != nil {
		r.log.Error().Err(err).Str("worker", w.ID()).Msg("Worker activation failed, keeping the active worker")
		return err
	}

	r.mu.Lock()
	prev := r.active
	r.active = w
	r.mu.Unlock()

	if prev != nil && prev != w {
		prev.setState(StateRedundant)
		r.log.Info().Str("worker", w.ID()).Str("replaced", prev.ID()).Msg("Worker replaced")
	} else {
		r.log.Info().Str("worker", w.ID()).Msg("Worker registered")
	}
	return nil
}

// Active returns the active worker, or nil if there is none.
func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Fetch lets the active worker handle the request.
// It returns false when there is no active worker or the worker does not handle it.
func (r *Registration) Fetch(ctx context.Context, req *http.Request) (*http.Response, bool) {
	w := r.Active()
	if w == nil {
		return nil, false
	}
	res, err := w.Dispatch(ctx, Event{Kind: EventFetch, Request: req})
	if err != nil || res == nil {
		return nil, false
	}
	return res, true
}

// Transport is an http.RoundTripper that sends requests through the registration.
// Requests that are not handled go to Fallback.
// The workers must not use this transport for their own network fetches.
type Transport struct {
	Registration *Registration
	// Fallback is http.DefaultTransport if nil.
	Fallback http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if res, ok := t.Registration.Fetch(req.Context(), req); ok {
		return res, nil
	}
	fallback := t.Fallback
	if fallback == nil {
		fallback = http.DefaultTransport
	}
	return fallback.RoundTrip(req)
}
