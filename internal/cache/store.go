package cache

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("cache object not found")
	// ErrDeleted is returned by Put once the store's cache has been deleted
	// from its Storage, possibly by another process sharing it.
	ErrDeleted = errors.New("cache deleted")
)

// Key identifies a stored response by the request that produced it.
type Key struct {
	Method string
	URL    string
}

func RequestKey(method, url string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, URL: url}
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

type Entry struct {
	Status    int
	Header    http.Header
	Body      []byte
	UpdatedAt time.Time
}

// Clone returns a deep copy, so the body can be handed to a caller and
// persisted independently.
func (e Entry) Clone() Entry {
	out := e
	if e.Header != nil {
		out.Header = e.Header.Clone()
	}
	if e.Body != nil {
		out.Body = bytes.Clone(e.Body)
	}
	return out
}

// Store is a single named cache.
type Store interface {
	Get(ctx context.Context, key Key) (Entry, error)
	Put(ctx context.Context, key Key, entry Entry) error
	Delete(ctx context.Context, key Key) error
	Keys(ctx context.Context) ([]Key, error)
	Count(ctx context.Context) (int, error)
}

// Storage holds every named cache. Open creates the cache when it does not
// exist yet.
type Storage interface {
	Open(ctx context.Context, name string) (Store, error)
	Has(ctx context.Context, name string) (bool, error)
	Names(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
}

// hopHeaders are never persisted with an entry.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
	"Set-Cookie",
	"Set-Cookie2",
}

// StorableHeader strips headers that must not be replayed from a cache.
func StorableHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, name := range hopHeaders {
		out.Del(name)
	}
	return out
}
