package portalworker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BackgroundSyncTag is the only sync tag the worker reacts to.
const BackgroundSyncTag = "background-sync"

const (
	ActionExplore = "explore"
	ActionClose   = "close"
)

// Host is the runtime the worker runs in.
// It controls client pages and displays notifications.
type Host interface {
	// Claim makes the worker the controller of all open client pages.
	Claim(ctx context.Context, workerID string) error
	ShowNotification(ctx context.Context, n Notification) error
	CloseNotification(ctx context.Context, id string) error
	// OpenWindow opens the URL in a new or existing client window.
	OpenWindow(ctx context.Context, url string) error
}

type Notification struct {
	ID      string               `json:"id"`
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon"`
	Badge   string               `json:"badge"`
	Vibrate []int                `json:"vibrate"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions"`
}

type NotificationData struct {
	DateOfArrival time.Time `json:"dateOfArrival"`
	PrimaryKey    int       `json:"primaryKey"`
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon"`
}

// SyncHandler replays actions that were queued while offline.
type SyncHandler interface {
	Replay(ctx context.Context) error
}

// SyncFunc adapts a function to a SyncHandler.
type SyncFunc func(ctx context.Context) error

func (f SyncFunc) Replay(ctx context.Context) error {
	return f(ctx)
}

// nopSync is used when no sync handler is configured.
// Nothing gets queued, so there is nothing to replay.
type nopSync struct {
	log zerolog.Logger
}

func (n nopSync) Replay(ctx context.Context) error {
	n.log.Debug().Msg("No queued actions to replay")
	return nil
}

// Push shows a notification with the pushed text.
// An empty push shows nothing.
func (w *Worker) Push(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		w.log.Debug().Msg("Ignoring push without data")
		return nil
	}
	n := Notification{
		ID:      uuid.NewString(),
		Title:   w.notification.Title,
		Body:    string(data),
		Icon:    w.notification.Icon,
		Badge:   w.notification.Badge,
		Vibrate: []int{100, 50, 100},
		Data: NotificationData{
			DateOfArrival: time.Now(),
			PrimaryKey:    1,
		},
		Actions: []NotificationAction{
			{Action: ActionExplore, Title: "View Details", Icon: w.notification.Icon},
			{Action: ActionClose, Title: "Close", Icon: w.notification.Icon},
		},
	}
	w.log.Debug().Str("notification", n.ID).Msg("Showing notification")
	return w.host.ShowNotification(ctx, n)
}

// NotificationClick closes the clicked notification.
// The explore action also opens the dashboard.
func (w *Worker) NotificationClick(ctx context.Context, notificationID, action string) error {
	if err := w.host.CloseNotification(ctx, notificationID); err != nil {
		return err
	}
	if action != ActionExplore {
		return nil
	}
	return w.host.OpenWindow(ctx, w.dashboardURL.String())
}

// Sync runs the replay hook for the background sync tag.
// Replay failures are logged only; the next sync gets another chance.
func (w *Worker) Sync(ctx context.Context, tag string) {
	w.log.Debug().Str("tag", tag).Msg("Background sync triggered")
	if tag != BackgroundSyncTag {
		return
	}
	if err := w.sync.Replay(ctx); err != nil {
		w.log.Error().Err(err).Msg("Background sync failed")
	}
}

// LogHost is a Host that has no client pages and only logs what it is asked to do.
type LogHost struct {
	log zerolog.Logger
}

func NewLogHost(logger zerolog.Logger) *LogHost {
	return &LogHost{log: logger}
}

func (h *LogHost) Claim(ctx context.Context, workerID string) error {
	h.log.Info().Str("claimedBy", workerID).Msg("Claiming clients")
	return nil
}

func (h *LogHost) ShowNotification(ctx context.Context, n Notification) error {
	h.log.Info().
		Str("id", n.ID).
		Str("title", n.Title).
		Str("body", n.Body).
		Msg("Notification")
	return nil
}

func (h *LogHost) CloseNotification(ctx context.Context, id string) error {
	h.log.Debug().Str("id", id).Msg("Closing notification")
	return nil
}

func (h *LogHost) OpenWindow(ctx context.Context, url string) error {
	h.log.Info().Str("url", url).Msg("Opening window")
	return nil
}
