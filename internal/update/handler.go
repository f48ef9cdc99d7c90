// Package update serves the admin endpoint that rolls the cache to a new
// version.
package update

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/52poke/wanderly/internal/lock"
	"github.com/52poke/wanderly/internal/worker"
	"github.com/apex/log"
)

const (
	versionHeader = "X-Cache-Version"
	updateLockKey = "update"
)

// Updater is satisfied by worker.Manager.
type Updater interface {
	Update(ctx context.Context, version string) error
}

type Handler struct {
	Manager Updater
	Locker  lock.Locker
	LockTTL time.Duration
	Token   string
	Log     log.Interface
}

type updatePayload struct {
	Version string `json:"version"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.Token) == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if !authorized(r, h.Token) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	version, err := readVersion(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	version = strings.TrimSpace(version)
	if version == "" {
		http.Error(w, "version required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	ttl := h.LockTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	l, ok, err := h.Locker.TryLock(ctx, updateLockKey, ttl)
	if err != nil {
		h.logger().WithError(err).Error("acquire update lock")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "update already in progress", http.StatusConflict)
		return
	}
	defer func() { _ = l.Unlock(context.WithoutCancel(ctx)) }()

	if err := h.Manager.Update(ctx, version); err != nil {
		switch {
		case errors.Is(err, worker.ErrState):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, worker.ErrInstall):
			h.logger().WithError(err).WithField("version", version).Warn("update failed")
			http.Error(w, err.Error(), http.StatusBadGateway)
		default:
			h.logger().WithError(err).WithField("version", version).Error("update failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	h.logger().WithField("version", version).Info("cache updated")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) logger() log.Interface {
	if h.Log == nil {
		return log.Log
	}
	return h.Log
}

func authorized(r *http.Request, token string) bool {
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) == 1
}

func readVersion(r *http.Request) (string, error) {
	if v := r.URL.Query().Get("version"); v != "" {
		return v, nil
	}
	if v := r.Header.Get(versionHeader); v != "" {
		return v, nil
	}
	if r.Body == nil {
		return "", errors.New("version not found")
	}
	defer r.Body.Close()
	var payload updatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err == nil && payload.Version != "" {
		return payload.Version, nil
	}
	return "", errors.New("version not found")
}
