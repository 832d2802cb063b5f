package tee

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

func TestResponseSaverRecords(t *testing.T) {
	rs := NewResponseSaver()
	rs.Header().Set("Content-Type", "text/plain")
	rs.WriteHeader(http.StatusTeapot)
	rs.WriteHeader(http.StatusOK)
	rs.Write([]byte("short and stout"))

	if rs.StatusCode() != http.StatusTeapot {
		t.Fatalf("status is %d", rs.StatusCode())
	}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(rs.Response())), nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusTeapot || string(body) != "short and stout" {
		t.Fatalf("recorded %d %q", res.StatusCode, body)
	}
	if res.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("headers are %v", res.Header)
	}
}

func TestResponseSaverDefaultsToOK(t *testing.T) {
	rs := NewResponseSaver()
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(rs.Response())), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status is %d", res.StatusCode)
	}
}

func TestHandlerTransport(t *testing.T) {
	var gotPath string
	client := &http.Client{Transport: HandlerTransport{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			w.Header().Set("X-Test", "yes")
			w.Write([]byte("Hello world"))
		}),
	}}
	res, err := client.Get("http://portal.local/login.html")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK || string(body) != "Hello world" {
		t.Fatalf("got %d %q", res.StatusCode, body)
	}
	if res.Header.Get("X-Test") != "yes" {
		t.Fatalf("headers are %v", res.Header)
	}
	if gotPath != "/login.html" {
		t.Fatalf("handler saw path %s", gotPath)
	}
}

func TestHandlerTransportFileServer(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "student.css"), []byte("body{}"), 0o644)
	client := &http.Client{Transport: HandlerTransport{Handler: http.FileServer(http.Dir(dir))}}

	res, err := client.Get("http://portal.local/student.css")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK || string(body) != "body{}" {
		t.Fatalf("got %d %q", res.StatusCode, body)
	}

	res, err = client.Get("http://portal.local/missing.js")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status is %d", res.StatusCode)
	}
}
