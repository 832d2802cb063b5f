package portalworker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/always-cache/portal-worker/cache"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotInstalled   = errors.New("worker is not installed")
	ErrInvalidState   = errors.New("invalid worker state")
	ErrUnknownEvent   = errors.New("unknown event kind")
	ErrMissingRequest = errors.New("fetch event without request")
)

// State is the lifecycle state of a worker.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	// Installed workers are waiting for activation.
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	// Redundant workers have been replaced by a newer version.
	StateRedundant State = "redundant"
)

type Worker struct {
	id           string
	version      *semver.Version
	cache        cache.CacheProvider
	client       *http.Client
	host         Host
	sync         SyncHandler
	log          zerolog.Logger
	staticName   string
	dynamicName  string
	scope        *url.URL
	apiOrigin    *url.URL
	staticAssets []*url.URL
	dashboardURL *url.URL
	notification NotificationConfig

	mu    sync.Mutex
	state State
}

// NewWorker validates the config and creates a worker in the parsed state.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Cache == nil {
		return nil, fmt.Errorf("cache provider is required")
	}
	staticName, dynamicName, _ := GenerationNames(config.CachePrefix, config.Version)
	version, _ := semver.NewVersion(config.Version)
	scope, _ := url.Parse(config.Scope)
	apiOrigin, _ := url.Parse(config.APIOrigin)

	assets := make([]*url.URL, 0, len(config.StaticAssets))
	for _, asset := range config.StaticAssets {
		u, err := scope.Parse(asset)
		if err != nil {
			return nil, fmt.Errorf("staticAssets: %w", err)
		}
		assets = append(assets, u)
	}
	dashboardURL, err := scope.Parse(config.DashboardPage)
	if err != nil {
		return nil, fmt.Errorf("dashboardPage: %w", err)
	}
	notification := config.Notification
	for _, ref := range []*string{&notification.Icon, &notification.Badge} {
		if *ref == "" {
			continue
		}
		u, err := scope.Parse(*ref)
		if err != nil {
			return nil, fmt.Errorf("notification: %w", err)
		}
		*ref = u.String()
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}

	w := &Worker{
		id:           uuid.NewString(),
		version:      version,
		cache:        config.Cache,
		host:         config.Host,
		sync:         config.Sync,
		staticName:   staticName,
		dynamicName:  dynamicName,
		scope:        scope,
		apiOrigin:    apiOrigin,
		staticAssets: assets,
		dashboardURL: dashboardURL,
		notification: notification,
		state:        StateParsed,
	}
	// create a child logger and add defaults
	w.log = logger.With().
		Str("worker", w.id).
		Str("version", version.String()).
		Logger()

	transport := config.Network
	if transport == nil {
		transport = http.DefaultTransport
	}
	// no timeout: cancellation comes from the request context
	w.client = &http.Client{Transport: transport}
	if w.host == nil {
		w.host = NewLogHost(w.log)
	}
	if w.sync == nil {
		w.sync = nopSync{log: w.log}
	}
	return w, nil
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.log.Debug().Str("from", string(w.state)).Str("to", string(state)).Msg("Worker state change")
	w.state = state
}

// transition moves the worker from one of the given states to the next one.
func (w *Worker) transition(next State, from ...State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range from {
		if w.state == s {
			w.log.Debug().Str("from", string(w.state)).Str("to", string(next)).Msg("Worker state change")
			w.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: cannot go from %s to %s", ErrInvalidState, w.state, next)
}

// StaticCacheName returns the name of the static cache generation.
func (w *Worker) StaticCacheName() string {
	return w.staticName
}

// DynamicCacheName returns the name of the dynamic cache generation.
func (w *Worker) DynamicCacheName() string {
	return w.dynamicName
}

// Status is a snapshot of the worker for reporting.
type Status struct {
	ID           string `json:"id"`
	Version      string `json:"version"`
	State        State  `json:"state"`
	StaticCache  string `json:"staticCache"`
	DynamicCache string `json:"dynamicCache"`
}

func (w *Worker) Status() Status {
	return Status{
		ID:           w.id,
		Version:      w.version.String(),
		State:        w.State(),
		StaticCache:  w.staticName,
		DynamicCache: w.dynamicName,
	}
}

// EventKind names the events a worker handles.
type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventFetch             EventKind = "fetch"
	EventSync              EventKind = "sync"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
)

// Event is a message from the host runtime.
// Only the fields of its kind are used.
type Event struct {
	Kind EventKind
	// fetch
	Request *http.Request
	// sync
	Tag string
	// push
	Data []byte
	// notificationclick
	Action         string
	NotificationID string
}

// Dispatch handles an event with the matching handler.
// For fetch events a nil response means the request was not handled
// and the host should process it normally.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (*http.Response, error) {
	switch ev.Kind {
	case EventInstall:
		return nil, w.Install(ctx)
	case EventActivate:
		return nil, w.Activate(ctx)
	case EventFetch:
		if ev.Request == nil {
			return nil, ErrMissingRequest
		}
		if res, handled := w.Fetch(ctx, ev.Request); handled {
			return res, nil
		}
		return nil, nil
	case EventSync:
		w.Sync(ctx, ev.Tag)
		return nil, nil
	case EventPush:
		return nil, w.Push(ctx, ev.Data)
	case EventNotificationClick:
		return nil, w.NotificationClick(ctx, ev.NotificationID, ev.Action)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}
}
