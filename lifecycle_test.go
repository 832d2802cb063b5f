package portalworker

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"testing"

	"github.com/always-cache/portal-worker/cache"
	serializer "github.com/always-cache/portal-worker/pkg/response-serializer"
)

func TestInstallStoresAllAssets(t *testing.T) {
	provider := cache.NewMemCache()
	network := newFakeNetwork()
	w := newTestWorker(t, "1.0.0", provider, network, nil)

	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if w.State() != StateInstalled {
		t.Fatalf("State is %s", w.State())
	}
	keys, err := provider.Keys(w.StaticCacheName())
	if err != nil {
		t.Fatal(err)
	}
	expected := []string{
		"GET http://portal.test/",
		"GET http://portal.test/app.js",
		"GET http://portal.test/style.css",
	}
	if !reflect.DeepEqual(keys, expected) {
		t.Fatalf("Keys are %v", keys)
	}
	for _, key := range keys {
		stored, ok, err := provider.Get(w.StaticCacheName(), key)
		if err != nil || !ok {
			t.Fatalf("Could not get %s: %v", key, err)
		}
		req, _ := http.NewRequest(http.MethodGet, key[len("GET "):], nil)
		res, err := serializer.BytesToResponse(stored, req)
		if err != nil {
			t.Fatal(err)
		}
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s stored with status %d", key, res.StatusCode)
		}
	}
}

func TestInstallFailsOnErrorStatus(t *testing.T) {
	provider := cache.NewMemCache()
	config := testConfig("1.0.0", provider, newFakeNetwork(), nil)
	config.StaticAssets = append(config.StaticAssets, "./missing.js")
	w, err := NewWorker(config)
	if err != nil {
		t.Fatal(err)
	}

	err = w.Install(context.Background())
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Install returned %v", err)
	}
	if statusErr.StatusCode != http.StatusNotFound || statusErr.URL != "http://portal.test/missing.js" {
		t.Fatalf("Status error is %+v", statusErr)
	}
	if w.State() != StateParsed {
		t.Fatalf("State is %s", w.State())
	}
	if keys, _ := provider.Keys(w.StaticCacheName()); len(keys) != 0 {
		t.Fatalf("Failed install stored %v", keys)
	}
	if err := w.Activate(context.Background()); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("Activate returned %v", err)
	}
}

func TestInstallFailsOffline(t *testing.T) {
	provider := cache.NewMemCache()
	network := newFakeNetwork()
	network.setOffline(true)
	w := newTestWorker(t, "1.0.0", provider, network, nil)

	if err := w.Install(context.Background()); !errors.Is(err, errOffline) {
		t.Fatalf("Install returned %v", err)
	}
	if keys, _ := provider.Keys(w.StaticCacheName()); len(keys) != 0 {
		t.Fatalf("Failed install stored %v", keys)
	}

	// a failed install can be retried
	network.setOffline(false)
	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if w.State() != StateInstalled {
		t.Fatalf("State is %s", w.State())
	}
}

func TestInstallFailureKeepsOldGenerations(t *testing.T) {
	provider := cache.NewMemCache()
	network := newFakeNetwork()
	old := newActiveWorker(t, provider, network)

	network.setOffline(true)
	next := newTestWorker(t, "1.1.0", provider, network, nil)
	if err := next.Install(context.Background()); err == nil {
		t.Fatal("Expected install to fail")
	}
	keys, err := provider.Keys(old.StaticCacheName())
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 3 {
		t.Fatalf("Old generation has keys %v", keys)
	}
}

func TestActivateDeletesOldGenerations(t *testing.T) {
	provider := cache.NewMemCache()
	for _, name := range []string{"portal-static-v0.9.0", "portal-dynamic-v0.9.0"} {
		if err := provider.Put(name, "GET http://portal.test/old.js", []byte("old")); err != nil {
			t.Fatal(err)
		}
	}
	host := &recordingHost{}
	w := newTestWorker(t, "1.0.0", provider, newFakeNetwork(), host)
	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	// the new worker is only installed, old generations are still in use
	if ok, _ := provider.Has("portal-static-v0.9.0"); !ok {
		t.Fatal("Old generation deleted before activation")
	}

	if err := w.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	names, err := provider.Names()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"portal-static-v1.0.0"}) {
		t.Fatalf("Generations are %v", names)
	}
	if _, ok, _ := provider.Match("GET http://portal.test/old.js"); ok {
		t.Fatal("Old entry still matches")
	}
	if !reflect.DeepEqual(host.claims, []string{w.ID()}) {
		t.Fatalf("Claims are %v", host.claims)
	}
	if w.State() != StateActivated {
		t.Fatalf("State is %s", w.State())
	}
}

func TestActivateKeepsOwnDynamicGeneration(t *testing.T) {
	provider := cache.NewMemCache()
	if err := provider.Put("portal-dynamic-v1.0.0", "GET http://api.test/api/students", []byte("kept")); err != nil {
		t.Fatal(err)
	}
	w := newActiveWorker(t, provider, newFakeNetwork())

	if _, ok, _ := provider.Get(w.DynamicCacheName(), "GET http://api.test/api/students"); !ok {
		t.Fatal("Own dynamic generation was deleted")
	}
}

func TestActivateFailsWhenClaimFails(t *testing.T) {
	host := &recordingHost{claimErr: errors.New("no clients")}
	w := newTestWorker(t, "1.0.0", cache.NewMemCache(), newFakeNetwork(), host)
	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := w.Activate(context.Background()); err == nil {
		t.Fatal("Expected activation to fail")
	}
	if w.State() != StateInstalled {
		t.Fatalf("State is %s", w.State())
	}
}

func TestActivateWithClosedCache(t *testing.T) {
	provider := cache.NewMemCache()
	w := newTestWorker(t, "1.0.0", provider, newFakeNetwork(), nil)
	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	provider.Close()

	if err := w.Activate(context.Background()); !errors.Is(err, cache.ErrClosed) {
		t.Fatalf("Activate returned %v", err)
	}
	if w.State() != StateInstalled {
		t.Fatalf("State is %s", w.State())
	}
}

func TestActivateContinuesAfterFailedDelete(t *testing.T) {
	mem := cache.NewMemCache()
	for _, name := range []string{"portal-static-v0.8.0", "portal-static-v0.9.0", "portal-dynamic-v0.9.0"} {
		if err := mem.Put(name, "GET http://portal.test/old.js", []byte("old")); err != nil {
			t.Fatal(err)
		}
	}
	provider := &faultyCache{
		CacheProvider: mem,
		deleteErr:     map[string]error{"portal-static-v0.8.0": errors.New("locked")},
	}
	w := newTestWorker(t, "1.0.0", provider, newFakeNetwork(), &recordingHost{})
	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := w.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if w.State() != StateActivated {
		t.Fatalf("State is %s", w.State())
	}
	names, err := mem.Names()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"portal-static-v0.8.0", "portal-static-v1.0.0"}) {
		t.Fatalf("Generations are %v", names)
	}
}
