package cachekey

import "net/http"

const methodSeparator = " "

// Key returns the cache key for a request: the method and the absolute URL
// without fragment. The query string is part of the key, headers are not.
func Key(r *http.Request) string {
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return r.Method + methodSeparator + u.String()
}
