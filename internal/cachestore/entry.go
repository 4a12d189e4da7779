// Package cachestore implements named, versioned response stores on top of a pluggable backend.
package cachestore

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"hash/crc32"
	"net/http"
)

var (
	// ErrFetchFailed is returned by AddAll when an asset answered with a non-ok status.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrEntryTooLarge is returned when an entry or a batch exceeds the backend size cap.
	ErrEntryTooLarge = errors.New("entry exceeds store capacity")
	// ErrClosed is returned after the storage has been closed.
	ErrClosed = errors.New("storage closed")
)

// Entry is a stored response snapshot.
type Entry struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// OK reports whether the status is in the 2xx class.
func (e Entry) OK() bool {
	return e.Status >= 200 && e.Status < 300
}

// Clone returns a deep copy so a stored snapshot never aliases a response being served.
func (e Entry) Clone() Entry {
	out := e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

// Checksum fills Hash32 from the body.
func (e *Entry) Checksum() {
	e.Hash32 = crc32.ChecksumIEEE(e.Body)
}

func (e Entry) size() int64 {
	n := len(e.URL) + len(e.Body)
	for k, vs := range e.Header {
		n += len(k)
		for _, v := range vs {
			n += len(v)
		}
	}
	return int64(n)
}

// Key builds the request identity used inside a store.
func Key(method, requestURI string) string {
	return method + " " + requestURI
}

// RequestKey builds the request identity for r.
func RequestKey(r *http.Request) string {
	return Key(r.Method, r.URL.RequestURI())
}

// Fetcher performs a network fetch and returns the full response snapshot.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (Entry, error)
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
