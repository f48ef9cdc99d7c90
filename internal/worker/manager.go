// Package worker implements the offline cache manager: a versioned cache
// seeded from the asset manifest at install, swept of older versions at
// activation, and consulted cache-first for every GET request.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/52poke/wanderly/internal/cache"
	"github.com/52poke/wanderly/internal/lock"
	"github.com/52poke/wanderly/internal/manifest"
	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInstall     = errors.New("install failed")
	ErrUnavailable = errors.New("no response available")
	ErrState       = errors.New("invalid lifecycle transition")
)

const (
	DefaultHomePath = "/index.html"

	activateLockKey    = "activate"
	defaultLockTTL     = 45 * time.Second
	defaultInstallJobs = 4
)

// Fetcher is the network boundary. An error means no response was received.
type Fetcher interface {
	Fetch(ctx context.Context, method, path, rawQuery string, headers http.Header, body io.Reader) (*http.Response, []byte, error)
}

type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     io.Reader
}

// URL is the request identity used as the cache key.
func (r Request) URL() string {
	if r.RawQuery == "" {
		return r.Path
	}
	return r.Path + "?" + r.RawQuery
}

type Result struct {
	Entry  cache.Entry
	Source Source
}

type Options struct {
	Version         string
	Manifest        []string
	HomePath        string
	FallbackExclude []string
	Storage         cache.Storage
	Network         Fetcher
	Locker          lock.Locker
	LockTTL         time.Duration
	InstallJobs     int
	RetryDelay      time.Duration
	Logger          log.Interface
}

type generation struct {
	version string
	store   cache.Store
}

type Manager struct {
	manifest    []string
	homePath    string
	exclude     []string
	storage     cache.Storage
	network     Fetcher
	locker      lock.Locker
	lockTTL     time.Duration
	installJobs int
	retryDelay  time.Duration
	log         log.Interface
	tracer      trace.Tracer

	mu      sync.RWMutex
	state   State
	version string
	active  *generation
	waiting *generation

	writes sync.WaitGroup
}

func New(opts Options) (*Manager, error) {
	if strings.TrimSpace(opts.Version) == "" {
		return nil, errors.New("cache version is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network fetcher is required")
	}
	if err := manifest.Validate(opts.Manifest); err != nil {
		return nil, err
	}

	m := &Manager{
		manifest:    append([]string(nil), opts.Manifest...),
		homePath:    opts.HomePath,
		exclude:     opts.FallbackExclude,
		storage:     opts.Storage,
		network:     opts.Network,
		locker:      opts.Locker,
		lockTTL:     opts.LockTTL,
		installJobs: opts.InstallJobs,
		retryDelay:  opts.RetryDelay,
		log:         opts.Logger,
		tracer:      otel.Tracer("github.com/52poke/wanderly/internal/worker"),
		state:       StateParsed,
		version:     opts.Version,
	}
	if m.homePath == "" {
		m.homePath = DefaultHomePath
	}
	if m.locker == nil {
		m.locker = lock.NewLocalLocker()
	}
	if m.lockTTL <= 0 {
		m.lockTTL = defaultLockTTL
	}
	if m.installJobs <= 0 {
		m.installJobs = defaultInstallJobs
	}
	if m.retryDelay <= 0 {
		m.retryDelay = time.Second
	}
	if m.log == nil {
		m.log = log.Log
	}
	if !manifest.Contains(m.manifest, m.homePath) {
		m.log.WithField("home", m.homePath).Warn("home page is not in the asset manifest, offline fallback depends on it being fetched once")
	}
	return m, nil
}

// Install seeds a fresh cache for the configured version with every
// manifest asset. Nothing is written unless every asset was fetched with a
// 2xx status.
func (m *Manager) Install(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateParsed {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: install from %s", ErrState, state)
	}
	m.state = StateInstalling
	version := m.version
	m.mu.Unlock()

	gen, err := m.install(ctx, version)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = StateParsed
		return err
	}
	m.waiting = gen
	m.state = StateInstalled
	return nil
}

// Activate deletes every cache but the installed one and starts serving
// from it.
func (m *Manager) Activate(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateInstalled || m.waiting == nil {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: activate from %s", ErrState, state)
	}
	m.state = StateActivating
	gen := m.waiting
	m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "worker.Activate", trace.WithAttributes(attribute.String("cache.version", gen.version)))
	defer span.End()

	if err := m.sweep(ctx, gen.version); err != nil {
		span.RecordError(err)
		m.log.WithError(err).WithField("version", gen.version).Warn("failed to delete old caches")
	}

	m.mu.Lock()
	prev := m.active
	m.active = gen
	m.waiting = nil
	m.version = gen.version
	m.state = StateActivated
	m.mu.Unlock()

	entry := m.log.WithField("version", gen.version)
	if prev != nil {
		entry = entry.WithField("previous", prev.version)
	}
	entry.Info("cache activated")
	return nil
}

// Update installs version alongside the active cache, which keeps serving
// until the new one is activated. A failed install leaves the active cache
// in place.
func (m *Manager) Update(ctx context.Context, version string) error {
	version = strings.TrimSpace(version)
	if version == "" {
		return errors.New("cache version is required")
	}

	m.mu.Lock()
	if m.state != StateActivated {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: update from %s", ErrState, state)
	}
	if m.active != nil && m.active.version == version {
		m.mu.Unlock()
		return nil
	}
	m.state = StateInstalling
	m.mu.Unlock()

	gen, err := m.install(ctx, version)

	m.mu.Lock()
	if err != nil {
		m.state = StateActivated
		m.mu.Unlock()
		return err
	}
	m.waiting = gen
	m.state = StateInstalled
	m.mu.Unlock()

	return m.Activate(ctx)
}

func (m *Manager) install(ctx context.Context, version string) (*generation, error) {
	ctx, span := m.tracer.Start(ctx, "worker.Install", trace.WithAttributes(
		attribute.String("cache.version", version),
		attribute.Int("manifest.size", len(m.manifest)),
	))
	defer span.End()

	fail := func(err error) (*generation, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "install failed")
		return nil, fmt.Errorf("%w: %w", ErrInstall, err)
	}

	if gen, ok, err := m.adopt(ctx, version); err != nil {
		return fail(err)
	} else if ok {
		span.SetAttributes(attribute.Bool("cache.reused", true))
		m.log.WithField("version", version).Info("reusing stored cache")
		return gen, nil
	}

	entries := make([]cache.Entry, len(m.manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.installJobs)
	for i, asset := range m.manifest {
		g.Go(func() error {
			path, rawQuery, _ := strings.Cut(asset, "?")
			resp, body, err := m.network.Fetch(gctx, http.MethodGet, path, rawQuery, nil, nil)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", asset, err)
			}
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return fmt.Errorf("fetch %s: status %d", asset, resp.StatusCode)
			}
			entries[i] = storable(entryFromResponse(resp, body))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}

	exists, err := m.storage.Has(ctx, version)
	if err != nil {
		return fail(err)
	}
	if exists {
		if _, err := m.storage.Delete(ctx, version); err != nil {
			return fail(err)
		}
	}
	store, err := m.storage.Open(ctx, version)
	if err != nil {
		return fail(err)
	}

	var total int
	for i, asset := range m.manifest {
		if err := store.Put(ctx, cache.RequestKey(http.MethodGet, asset), entries[i]); err != nil {
			return fail(fmt.Errorf("store %s: %w", asset, err))
		}
		total += len(entries[i].Body)
	}

	m.log.WithFields(log.Fields{
		"version": version,
		"assets":  len(m.manifest),
		"size":    humanize.Bytes(uint64(total)),
	}).Info("cache installed")
	return &generation{version: version, store: store}, nil
}

// adopt returns the stored cache for version when it already holds every
// manifest asset. A restarted process, or another replica sharing the
// storage, reuses it without touching the network or the entries cached
// at runtime.
func (m *Manager) adopt(ctx context.Context, version string) (*generation, bool, error) {
	exists, err := m.storage.Has(ctx, version)
	if err != nil || !exists {
		return nil, false, err
	}
	store, err := m.storage.Open(ctx, version)
	if err != nil {
		return nil, false, err
	}
	for _, asset := range m.manifest {
		if _, err := store.Get(ctx, cache.RequestKey(http.MethodGet, asset)); err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				return nil, false, nil
			}
			return nil, false, err
		}
	}
	return &generation{version: version, store: store}, true, nil
}

// Sync follows a version change made by another instance sharing the
// storage. Once the active cache has been deleted and exactly one complete
// cache remains, that cache becomes the active one. It reports whether the
// active version changed.
func (m *Manager) Sync(ctx context.Context) (bool, error) {
	gen := m.current()
	if gen == nil {
		return false, nil
	}
	ok, err := m.storage.Has(ctx, gen.version)
	if err != nil || ok {
		return false, err
	}

	names, err := m.storage.Names(ctx)
	if err != nil {
		return false, err
	}
	var live []string
	for _, name := range names {
		has, err := m.storage.Has(ctx, name)
		if err != nil {
			return false, err
		}
		if has {
			live = append(live, name)
		}
	}
	if len(live) != 1 {
		m.log.WithField("version", gen.version).WithField("caches", len(live)).Debug("active cache deleted, waiting for a single successor")
		return false, nil
	}

	next, ok, err := m.adopt(ctx, live[0])
	if err != nil || !ok {
		return false, err
	}

	m.mu.Lock()
	if m.active != gen || m.state != StateActivated {
		m.mu.Unlock()
		return false, nil
	}
	m.active = next
	m.version = next.version
	m.mu.Unlock()

	m.log.WithField("version", next.version).WithField("previous", gen.version).Info("followed cache version")
	return true, nil
}

func (m *Manager) sweep(ctx context.Context, keep string) error {
	l, ok, err := m.locker.TryLock(ctx, activateLockKey, m.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire activate lock: %w", err)
	}
	if !ok {
		m.log.WithField("version", keep).Debug("activate lock held elsewhere, skipping cache sweep")
		return nil
	}
	defer func() { _ = l.Unlock(context.WithoutCancel(ctx)) }()

	names, err := m.storage.Names(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range names {
		if name == keep {
			continue
		}
		if _, err := m.storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		m.log.WithField("cache", name).Info("deleted old cache")
	}
	return errors.Join(errs...)
}

// Respond answers req cache-first. Non-GET requests, and every request
// before the first activation, go straight to the network.
func (m *Manager) Respond(ctx context.Context, req Request) (Result, error) {
	ctx, span := m.tracer.Start(ctx, "worker.Respond", trace.WithAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.path", req.Path),
	))
	defer span.End()

	res, err := m.respond(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unavailable")
		return res, err
	}
	span.SetAttributes(attribute.String("cache.source", string(res.Source)))
	return res, nil
}

func (m *Manager) respond(ctx context.Context, req Request) (Result, error) {
	if req.Method != http.MethodGet {
		return m.passThrough(ctx, req)
	}
	gen := m.current()
	if gen == nil {
		return m.passThrough(ctx, req)
	}

	key := cache.RequestKey(http.MethodGet, req.URL())
	entry, err := gen.store.Get(ctx, key)
	if err == nil {
		return Result{Entry: entry, Source: SourceCache}, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		m.log.WithError(err).WithField("url", key.URL).Debug("cache read failed")
	}

	resp, body, err := m.network.Fetch(ctx, http.MethodGet, req.Path, req.RawQuery, unconditional(req.Header), nil)
	if err != nil {
		return m.fallback(ctx, gen, req, err)
	}
	entry = entryFromResponse(resp, body)
	m.storeAsync(ctx, gen, key, storable(entry))
	return Result{Entry: entry, Source: SourceNetwork}, nil
}

func (m *Manager) passThrough(ctx context.Context, req Request) (Result, error) {
	resp, body, err := m.network.Fetch(ctx, req.Method, req.Path, req.RawQuery, req.Header, req.Body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return Result{Entry: entryFromResponse(resp, body), Source: SourceBypass}, nil
}

func (m *Manager) fallback(ctx context.Context, gen *generation, req Request, netErr error) (Result, error) {
	entry := m.log.WithError(netErr).WithField("url", req.URL())
	if m.excluded(req.Path) {
		entry.Debug("network failed, path excluded from fallback")
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, netErr)
	}
	homeKey := cache.RequestKey(http.MethodGet, m.homePath)
	home, err := gen.store.Get(ctx, homeKey)
	if err != nil {
		if switched, _ := m.Sync(ctx); switched {
			home, err = m.current().store.Get(ctx, homeKey)
		}
	}
	if err != nil {
		entry.Warn("network failed and home page is not cached")
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, netErr)
	}
	entry.Debug("network failed, serving home page")
	return Result{Entry: home, Source: SourceFallback}, nil
}

func (m *Manager) excluded(path string) bool {
	for _, prefix := range m.exclude {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// storeAsync persists entry without holding up the response. Failures only
// cost offline coverage for that URL.
func (m *Manager) storeAsync(ctx context.Context, gen *generation, key cache.Key, entry cache.Entry) {
	if entry.Status == http.StatusPartialContent {
		return
	}
	ctx = context.WithoutCancel(ctx)
	m.writes.Go(func() {
		if m.current() != gen {
			return
		}
		err := gen.store.Put(ctx, key, entry)
		if err == nil {
			return
		}
		m.log.WithError(err).WithField("url", key.URL).Debug("cache put failed")
		if errors.Is(err, cache.ErrDeleted) {
			if _, err := m.Sync(ctx); err != nil {
				m.log.WithError(err).Warn("cache sync failed")
			}
		}
	})
}

// Wait blocks until pending background cache writes finish.
func (m *Manager) Wait() {
	m.writes.Wait()
}

func (m *Manager) current() *generation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

type Status struct {
	Version string `json:"version"`
	State   State  `json:"state"`
	Waiting string `json:"waiting,omitempty"`
	Active  bool   `json:"active"`
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{Version: m.version, State: m.state, Active: m.active != nil}
	if m.active != nil {
		st.Version = m.active.version
	}
	if m.waiting != nil {
		st.Waiting = m.waiting.version
	}
	return st
}

// Keys lists the entries of the active cache.
func (m *Manager) Keys(ctx context.Context) ([]cache.Key, error) {
	gen := m.current()
	if gen == nil {
		return nil, nil
	}
	return gen.store.Keys(ctx)
}

// Count is the number of entries in the active cache.
func (m *Manager) Count(ctx context.Context) (int, error) {
	gen := m.current()
	if gen == nil {
		return 0, nil
	}
	return gen.store.Count(ctx)
}

func (m *Manager) Manifest() []string {
	return append([]string(nil), m.manifest...)
}

// conditionalHeaders would let the origin answer with 304 or 206, neither
// of which is a complete response to store under the request's key.
var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

func unconditional(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := h.Clone()
	for _, name := range conditionalHeaders {
		out.Del(name)
	}
	return out
}

var dropResponseHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

func entryFromResponse(resp *http.Response, body []byte) cache.Entry {
	h := resp.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	for _, name := range dropResponseHeaders {
		h.Del(name)
	}
	return cache.Entry{
		Status:    resp.StatusCode,
		Header:    h,
		Body:      body,
		UpdatedAt: time.Now().UTC(),
	}
}

// storable is the copy that goes to the cache; the caller keeps the
// original.
func storable(e cache.Entry) cache.Entry {
	out := e.Clone()
	out.Header = cache.StorableHeader(e.Header)
	return out
}
