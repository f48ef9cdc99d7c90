package update

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/52poke/wanderly/internal/lock"
	"github.com/52poke/wanderly/internal/worker"
	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = &log.Logger{Handler: discard.New(), Level: log.ErrorLevel}

type recordingUpdater struct {
	versions []string
	err      error
}

func (u *recordingUpdater) Update(ctx context.Context, version string) error {
	u.versions = append(u.versions, version)
	return u.err
}

func newHandler(u Updater) *Handler {
	return &Handler{
		Manager: u,
		Locker:  lock.NewLocalLocker(),
		LockTTL: time.Minute,
		Token:   "s3cret",
		Log:     testLogger,
	}
}

func post(h http.Handler, target, token string, header map[string]string, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestReadVersionSources(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header map[string]string
		body   string
		want   string
	}{
		{name: "query", target: "/_worker/update?version=wanderly-v2", want: "wanderly-v2"},
		{name: "header", target: "/_worker/update", header: map[string]string{versionHeader: "wanderly-v3"}, want: "wanderly-v3"},
		{name: "json", target: "/_worker/update", body: `{"version":"wanderly-v4"}`, want: "wanderly-v4"},
		{
			name:   "query wins",
			target: "/_worker/update?version=q",
			header: map[string]string{versionHeader: "h"},
			body:   `{"version":"b"}`,
			want:   "q",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &recordingUpdater{}
			rec := post(newHandler(u), tt.target, "s3cret", tt.header, tt.body)
			assert.Equal(t, http.StatusNoContent, rec.Code)
			assert.Equal(t, []string{tt.want}, u.versions)
		})
	}
}

func TestHandlerRejects(t *testing.T) {
	u := &recordingUpdater{}
	h := newHandler(u)

	rec := post(h, "/_worker/update?version=v2", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(h, "/_worker/update?version=v2", "wrong", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(h, "/_worker/update", "s3cret", nil, "not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(h, "/_worker/update?version=%20", "s3cret", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	r := httptest.NewRequest(http.MethodGet, "/_worker/update?version=v2", nil)
	r.Header.Set("Authorization", "Bearer s3cret")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	assert.Empty(t, u.versions)
}

func TestHandlerDisabledWithoutToken(t *testing.T) {
	u := &recordingUpdater{}
	h := newHandler(u)
	h.Token = ""

	rec := post(h, "/_worker/update?version=v2", "anything", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, u.versions)
}

func TestHandlerLockHeld(t *testing.T) {
	u := &recordingUpdater{}
	h := newHandler(u)
	_, ok, err := h.Locker.TryLock(context.Background(), updateLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	rec := post(h, "/_worker/update?version=v2", "s3cret", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, u.versions)
}

func TestHandlerReleasesLock(t *testing.T) {
	u := &recordingUpdater{}
	h := newHandler(u)

	require.Equal(t, http.StatusNoContent, post(h, "/_worker/update?version=v2", "s3cret", nil, "").Code)
	require.Equal(t, http.StatusNoContent, post(h, "/_worker/update?version=v3", "s3cret", nil, "").Code)
	assert.Equal(t, []string{"v2", "v3"}, u.versions)
}

func TestHandlerMapsUpdateErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: fmt.Errorf("%w: update from installing", worker.ErrState), want: http.StatusConflict},
		{err: fmt.Errorf("%w: fetch /index.html: status 500", worker.ErrInstall), want: http.StatusBadGateway},
		{err: errors.New("disk full"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			rec := post(newHandler(&recordingUpdater{err: tt.err}), "/_worker/update?version=v2", "s3cret", nil, "")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
