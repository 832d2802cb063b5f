package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
)

// Duplicate captures a response so it can both be stored and handed on.
// The body of a live response can be read only once, so it is read here in full:
// the returned bytes are the HTTP/1.1 representation of the response
// and res.Body is replaced with an independent reader over the same body.
// If reading the body fails, the error is returned and res must not be used.
func Duplicate(res *http.Response) ([]byte, error) {
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return nil, err
		}
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil
	return responseToBytes(res, body)
}

// BytesToResponse converts stored bytes back to a readable http.Response.
// Each call returns a response with its own body reader.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}

// responseToBytes returns the HTTP/1.1 representation of the response with the given body.
// It writes a copy, so the original response is left alone.
func responseToBytes(res *http.Response, body []byte) ([]byte, error) {
	header := res.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	stored := &http.Response{
		Status:        res.Status,
		StatusCode:    res.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	if len(body) == 0 {
		stored.Body = http.NoBody
	}
	buf := &bytes.Buffer{}
	if err := stored.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
