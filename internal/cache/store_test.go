package cache

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestKey(t *testing.T) {
	assert.Equal(t, Key{Method: "GET", URL: "/index.html"}, RequestKey("get", "/index.html"))
	assert.Equal(t, Key{Method: "GET", URL: "/"}, RequestKey("", "/"))
	assert.Equal(t, "POST /api/contact", RequestKey("POST", "/api/contact").String())
}

func TestEntryCloneIsIndependent(t *testing.T) {
	orig := Entry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/html"}},
		Body:   []byte("<h1>home</h1>"),
	}
	dup := orig.Clone()
	dup.Body[0] = 'X'
	dup.Header.Set("Content-Type", "text/plain")

	assert.Equal(t, "<h1>home</h1>", string(orig.Body))
	assert.Equal(t, "text/html", orig.Header.Get("Content-Type"))
}

func TestStorableHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "text/css")
	h.Set("Content-Length", "12")
	h.Set("Set-Cookie", "sid=1")
	h.Set("Connection", "keep-alive")
	h.Set("ETag", `"abc"`)

	out := StorableHeader(h)
	assert.Equal(t, "text/css", out.Get("Content-Type"))
	assert.Equal(t, `"abc"`, out.Get("ETag"))
	assert.Empty(t, out.Get("Content-Length"))
	assert.Empty(t, out.Get("Set-Cookie"))
	assert.Empty(t, out.Get("Connection"))
	assert.Equal(t, "12", h.Get("Content-Length"), "input must not be modified")

	assert.NotNil(t, StorableHeader(nil))
}

func TestMemoryStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage {
		return NewMemoryStorage()
	})
}

func TestSQLiteStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := OpenSQLite("  ")
	require.Error(t, err)
}

func TestSQLiteStoragePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	c, err := s.Open(ctx, "wanderly-v1")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, RequestKey("GET", "/index.html"), Entry{Status: 200, Body: []byte("home")}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wanderly-v1"}, names)

	c, err = s.Open(ctx, "wanderly-v1")
	require.NoError(t, err)
	got, err := c.Get(ctx, RequestKey("GET", "/index.html"))
	require.NoError(t, err)
	assert.Equal(t, "home", string(got.Body))
}

func runStorageSuite(t *testing.T, newStorage func(t *testing.T) Storage) {
	t.Run("open creates and lists names", func(t *testing.T) {
		ctx := context.Background()
		s := newStorage(t)

		ok, err := s.Has(ctx, "wanderly-v1")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Open(ctx, "wanderly-v1")
		require.NoError(t, err)
		_, err = s.Open(ctx, "wanderly-v1")
		require.NoError(t, err)

		ok, err = s.Has(ctx, "wanderly-v1")
		require.NoError(t, err)
		assert.True(t, ok)

		names, err := s.Names(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"wanderly-v1"}, names)
	})

	t.Run("put get delete", func(t *testing.T) {
		ctx := context.Background()
		s := newStorage(t)
		c, err := s.Open(ctx, "wanderly-v1")
		require.NoError(t, err)

		key := RequestKey("GET", "/assets/css/style.css")
		_, err = c.Get(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)

		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		entry := Entry{
			Status:    http.StatusOK,
			Header:    http.Header{"Content-Type": []string{"text/css"}, "Etag": []string{`"v1"`}},
			Body:      []byte("body{}"),
			UpdatedAt: at,
		}
		require.NoError(t, c.Put(ctx, key, entry))

		got, err := c.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, got.Status)
		assert.Equal(t, "text/css", got.Header.Get("Content-Type"))
		assert.Equal(t, `"v1"`, got.Header.Get("Etag"))
		assert.Equal(t, "body{}", string(got.Body))
		assert.True(t, got.UpdatedAt.Equal(at), "updated at %v", got.UpdatedAt)

		require.NoError(t, c.Delete(ctx, key))
		_, err = c.Get(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("same key is last writer wins", func(t *testing.T) {
		ctx := context.Background()
		s := newStorage(t)
		c, err := s.Open(ctx, "wanderly-v1")
		require.NoError(t, err)

		key := RequestKey("GET", "/missing.js")
		require.NoError(t, c.Put(ctx, key, Entry{Status: 200, Body: []byte("one")}))
		require.NoError(t, c.Put(ctx, key, Entry{Status: 200, Body: []byte("two")}))

		got, err := c.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "two", string(got.Body))

		keys, err := c.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []Key{key}, keys)
	})

	t.Run("keys are sorted and scoped by cache", func(t *testing.T) {
		ctx := context.Background()
		s := newStorage(t)
		a, err := s.Open(ctx, "wanderly-v1")
		require.NoError(t, err)
		b, err := s.Open(ctx, "wanderly-v2")
		require.NoError(t, err)

		require.NoError(t, a.Put(ctx, RequestKey("GET", "/style.css"), Entry{Status: 200}))
		require.NoError(t, a.Put(ctx, RequestKey("GET", "/index.html"), Entry{Status: 200}))
		require.NoError(t, b.Put(ctx, RequestKey("GET", "/other.html"), Entry{Status: 200}))

		keys, err := a.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []Key{RequestKey("GET", "/index.html"), RequestKey("GET", "/style.css")}, keys)
	})

	t.Run("delete removes a cache and its entries", func(t *testing.T) {
		ctx := context.Background()
		s := newStorage(t)
		old, err := s.Open(ctx, "wanderly-v1")
		require.NoError(t, err)
		require.NoError(t, old.Put(ctx, RequestKey("GET", "/index.html"), Entry{Status: 200, Body: []byte("old")}))
		_, err = s.Open(ctx, "wanderly-v2")
		require.NoError(t, err)

		ok, err := s.Delete(ctx, "wanderly-v1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Delete(ctx, "wanderly-v1")
		require.NoError(t, err)
		assert.False(t, ok)

		names, err := s.Names(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"wanderly-v2"}, names)

		reopened, err := s.Open(ctx, "wanderly-v1")
		require.NoError(t, err)
		keys, err := reopened.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("writes to a deleted cache are refused", func(t *testing.T) {
		ctx := context.Background()
		s := newStorage(t)
		stale, err := s.Open(ctx, "wanderly-v1")
		require.NoError(t, err)
		_, err = s.Open(ctx, "wanderly-v2")
		require.NoError(t, err)

		_, err = s.Delete(ctx, "wanderly-v1")
		require.NoError(t, err)

		err = stale.Put(ctx, RequestKey("GET", "/x.js"), Entry{Status: 200, Body: []byte("x")})
		require.ErrorIs(t, err, ErrDeleted)

		names, err := s.Names(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"wanderly-v2"}, names)
		ok, err := s.Has(ctx, "wanderly-v1")
		require.NoError(t, err)
		assert.False(t, ok)

		reopened, err := s.Open(ctx, "wanderly-v1")
		require.NoError(t, err)
		n, err := reopened.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "no orphaned entries survive under the deleted name")
	})

	t.Run("count", func(t *testing.T) {
		ctx := context.Background()
		s := newStorage(t)
		a, err := s.Open(ctx, "wanderly-v1")
		require.NoError(t, err)
		b, err := s.Open(ctx, "wanderly-v2")
		require.NoError(t, err)

		n, err := a.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		require.NoError(t, a.Put(ctx, RequestKey("GET", "/index.html"), Entry{Status: 200}))
		require.NoError(t, a.Put(ctx, RequestKey("GET", "/index.html"), Entry{Status: 200}))
		require.NoError(t, a.Put(ctx, RequestKey("GET", "/about.html"), Entry{Status: 200}))
		require.NoError(t, b.Put(ctx, RequestKey("GET", "/blog.html"), Entry{Status: 200}))

		n, err = a.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}
