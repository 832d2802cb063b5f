package cachestatus

import (
	"net/http"
	"testing"
)

func TestCacheStatusString(t *testing.T) {
	tests := []struct {
		build func(*CacheStatus)
		want  string
	}{
		{func(cs *CacheStatus) { cs.Hit() }, "PortalWorker; hit"},
		{func(cs *CacheStatus) { cs.Forward(FwdUriMiss) }, "PortalWorker; fwd=uri-miss"},
		{func(cs *CacheStatus) { cs.Forward(FwdUriMiss); cs.Detail("offline") }, "PortalWorker; fwd=uri-miss; detail=offline"},
		{func(cs *CacheStatus) { cs.Hit(); cs.Detail("stale") }, "PortalWorker; hit; detail=stale"},
	}
	for _, tt := range tests {
		cs := CacheStatus{}
		tt.build(&cs)
		if got := cs.String(); got != tt.want {
			t.Errorf("got %q, want %q", got, tt.want)
		}
	}
}

func TestSetHeader(t *testing.T) {
	res := &http.Response{}
	cs := CacheStatus{}
	cs.Hit()
	cs.Set(res)
	if got := res.Header.Get(HeaderName); got != "PortalWorker; hit" {
		t.Fatalf("header is %q", got)
	}
}
