package portalworker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// maximum accepted size of a push payload
const maxPushBytes = 4096

// BuildFunc creates a new worker, e.g. from a reloaded config file.
type BuildFunc func(ctx context.Context) (*Worker, error)

// Server is a caching proxy in front of the portal.
// Requests are resolved to the portal scope or the API origin and fetched through the
// registration; host events are accepted on the /_worker control routes.
type Server struct {
	registration *Registration
	build        BuildFunc
	client       *http.Client
	scope        *url.URL
	apiOrigin    *url.URL
	apiMount     string
	log          zerolog.Logger
	router       chi.Router
}

// NewServer creates the proxy server. The scope, API origin and mount, network
// and logger are taken from the config. Build is used by the update route
// and may be nil.
func NewServer(registration *Registration, config Config, build BuildFunc) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	scope, _ := url.Parse(config.Scope)
	apiOrigin, _ := url.Parse(config.APIOrigin)
	transport := config.Network
	if transport == nil {
		transport = http.DefaultTransport
	}
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}

	s := &Server{
		registration: registration,
		build:        build,
		client:       &http.Client{Transport: transport},
		scope:        scope,
		apiOrigin:    apiOrigin,
		apiMount:     config.APIMount,
		log:          logger,
	}

	r := chi.NewRouter()
	r.Route("/_worker", func(r chi.Router) {
		r.Get("/state", s.state)
		r.Post("/update", s.update)
		r.Post("/sync/{tag}", s.sync)
		r.Post("/push", s.push)
		r.Post("/notificationclick/{action}", s.notificationClick)
	})
	r.Handle("/*", http.HandlerFunc(s.fetch))
	s.router = r
	return s, nil
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// resolve returns the URL the proxied request is meant for.
// Absolute-form requests are taken as is.
func (s *Server) resolve(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		return r.URL
	}
	base := s.scope
	if s.apiMount != "" && strings.HasPrefix(r.URL.Path, s.apiMount) {
		base = s.apiOrigin
	}
	return base.ResolveReference(&url.URL{
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	})
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	target := s.resolve(r)
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	copyHeader(req.Header, r.Header)
	req.ContentLength = r.ContentLength

	res, handled := s.registration.Fetch(r.Context(), req)
	if !handled {
		if !isWebScheme(req.URL) {
			http.Error(w, "unsupported scheme", http.StatusBadGateway)
			return
		}
		// no active worker: plain proxy
		res, err = s.client.Do(req)
		if err != nil {
			s.log.Warn().Err(err).Str("url", req.URL.String()).Msg("Could not reach upstream")
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
	}
	s.sendResponse(w, res)
}

func (s *Server) sendResponse(w http.ResponseWriter, res *http.Response) {
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		s.log.Error().Err(err).Msg("Could not write response body to client")
	}
	s.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	worker := s.activeWorker(w)
	if worker == nil {
		return
	}
	writeJSON(w, http.StatusOK, worker.Status())
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	if s.build == nil {
		writeError(w, http.StatusNotImplemented, "updates are not configured")
		return
	}
	worker, err := s.build(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.registration.Register(r.Context(), worker); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, worker.Status())
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, Event{Kind: EventSync, Tag: chi.URLParam(r, "tag")})
}

func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPushBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(data) > maxPushBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "push payload too large")
		return
	}
	s.dispatch(w, r, Event{Kind: EventPush, Data: data})
}

func (s *Server) notificationClick(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, Event{
		Kind:           EventNotificationClick,
		Action:         chi.URLParam(r, "action"),
		NotificationID: r.URL.Query().Get("id"),
	})
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, ev Event) {
	worker := s.activeWorker(w)
	if worker == nil {
		return
	}
	if _, err := worker.Dispatch(r.Context(), ev); err != nil {
		s.log.Error().Err(err).Str("event", string(ev.Kind)).Msg("Event failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) activeWorker(w http.ResponseWriter) *Worker {
	worker := s.registration.Active()
	if worker == nil {
		writeError(w, http.StatusServiceUnavailable, "no active worker")
	}
	return worker
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// drop forwarding headers added by an upstream proxy,
		// the origin does not expect them
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
