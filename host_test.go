package portalworker

import (
	"context"
	"errors"
	"testing"

	"github.com/always-cache/portal-worker/cache"
)

func TestPushShowsNotification(t *testing.T) {
	host := &recordingHost{}
	w := newTestWorker(t, "1.0.0", cache.NewMemCache(), newFakeNetwork(), host)

	if _, err := w.Dispatch(context.Background(), Event{Kind: EventPush, Data: []byte("Exam results are out")}); err != nil {
		t.Fatal(err)
	}
	if len(host.notifications) != 1 {
		t.Fatalf("%d notifications shown", len(host.notifications))
	}
	n := host.notifications[0]
	if n.Title != "Portal" || n.Body != "Exam results are out" {
		t.Fatalf("Notification is %+v", n)
	}
	if n.Icon != "http://portal.test/logo.png" || n.Badge != "http://portal.test/logo.png" {
		t.Fatalf("Icon %s, badge %s", n.Icon, n.Badge)
	}
	if n.ID == "" || n.Data.PrimaryKey != 1 || n.Data.DateOfArrival.IsZero() {
		t.Fatalf("Notification data is %+v", n.Data)
	}
	if len(n.Vibrate) != 3 {
		t.Fatalf("Vibrate pattern is %v", n.Vibrate)
	}
	if len(n.Actions) != 2 || n.Actions[0].Action != ActionExplore || n.Actions[1].Action != ActionClose {
		t.Fatalf("Actions are %+v", n.Actions)
	}
	if n.Actions[0].Title != "View Details" {
		t.Fatalf("Explore action title is %s", n.Actions[0].Title)
	}
}

func TestEmptyPushIsIgnored(t *testing.T) {
	host := &recordingHost{}
	w := newTestWorker(t, "1.0.0", cache.NewMemCache(), newFakeNetwork(), host)

	if err := w.Push(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if len(host.notifications) != 0 {
		t.Fatalf("%d notifications shown", len(host.notifications))
	}
}

func TestNotificationClick(t *testing.T) {
	tests := []struct {
		action string
		opened []string
	}{
		{ActionExplore, []string{"http://portal.test/dashboard.html"}},
		{ActionClose, nil},
		{"", nil},
	}
	for _, tt := range tests {
		host := &recordingHost{}
		w := newTestWorker(t, "1.0.0", cache.NewMemCache(), newFakeNetwork(), host)
		ev := Event{Kind: EventNotificationClick, Action: tt.action, NotificationID: "n1"}
		if _, err := w.Dispatch(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
		if len(host.closed) != 1 || host.closed[0] != "n1" {
			t.Errorf("Action %q closed %v", tt.action, host.closed)
		}
		if len(host.opened) != len(tt.opened) || (len(tt.opened) > 0 && host.opened[0] != tt.opened[0]) {
			t.Errorf("Action %q opened %v", tt.action, host.opened)
		}
	}
}

func TestSyncReplaysOnlyBackgroundSync(t *testing.T) {
	replays := 0
	config := testConfig("1.0.0", cache.NewMemCache(), newFakeNetwork(), &recordingHost{})
	config.Sync = SyncFunc(func(ctx context.Context) error {
		replays++
		return nil
	})
	w, err := NewWorker(config)
	if err != nil {
		t.Fatal(err)
	}

	w.Dispatch(context.Background(), Event{Kind: EventSync, Tag: "other-tag"})
	if replays != 0 {
		t.Fatalf("Replayed %d times for other tag", replays)
	}
	w.Dispatch(context.Background(), Event{Kind: EventSync, Tag: BackgroundSyncTag})
	if replays != 1 {
		t.Fatalf("Replayed %d times", replays)
	}
}

func TestSyncFailureIsNotReturned(t *testing.T) {
	config := testConfig("1.0.0", cache.NewMemCache(), newFakeNetwork(), &recordingHost{})
	config.Sync = SyncFunc(func(ctx context.Context) error {
		return errors.New("replay failed")
	})
	w, err := NewWorker(config)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Dispatch(context.Background(), Event{Kind: EventSync, Tag: BackgroundSyncTag}); err != nil {
		t.Fatalf("Sync returned %v", err)
	}
}

func TestDefaultSyncDoesNothing(t *testing.T) {
	w := newTestWorker(t, "1.0.0", cache.NewMemCache(), newFakeNetwork(), nil)
	if _, err := w.Dispatch(context.Background(), Event{Kind: EventSync, Tag: BackgroundSyncTag}); err != nil {
		t.Fatal(err)
	}
}
