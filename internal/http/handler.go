package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/52poke/wanderly/internal/cache"
	"github.com/52poke/wanderly/internal/worker"
	"github.com/apex/log"
)

const cacheStatusHeader = "X-Wanderly-Cache"

// Manager is the part of worker.Manager the handler needs.
type Manager interface {
	Respond(ctx context.Context, req worker.Request) (worker.Result, error)
	Status() worker.Status
	Count(ctx context.Context) (int, error)
}

type Handler struct {
	Manager Manager
	Proxy   *httputil.ReverseProxy
	Log     log.Interface
}

func NewHandler(originBaseURL string, manager Manager, logger log.Interface) (*Handler, error) {
	u, err := url.Parse(originBaseURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Log
	}
	proxy := httputil.NewSingleHostReverseProxy(u)
	proxy.ModifyResponse = func(resp *http.Response) error {
		resp.Header.Set(cacheStatusHeader, string(worker.SourceBypass))
		return nil
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.WithError(err).WithField("url", r.URL.RequestURI()).Warn("origin unreachable")
		w.WriteHeader(http.StatusBadGateway)
	}
	return &Handler{Manager: manager, Proxy: proxy, Log: logger}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	info := ClassifyRequest(r)
	if !info.Cacheable {
		h.Proxy.ServeHTTP(w, r)
		return
	}

	res, err := h.Manager.Respond(r.Context(), worker.Request{
		Method:   r.Method,
		Path:     r.URL.EscapedPath(),
		RawQuery: r.URL.RawQuery,
		Header:   r.Header,
	})
	if err != nil {
		if !errors.Is(err, worker.ErrUnavailable) {
			h.Log.WithError(err).WithField("url", r.URL.RequestURI()).Error("respond failed")
		}
		w.Header().Set(cacheStatusHeader, "MISS")
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	writeEntry(w, res.Entry, string(res.Source))
}

func writeEntry(w http.ResponseWriter, entry cache.Entry, cacheStatus string) {
	for k, vv := range entry.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(entry.Body)))
	w.Header().Set(cacheStatusHeader, cacheStatus)
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(entry.Body)
}
