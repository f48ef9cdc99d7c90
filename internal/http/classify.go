package httpx

import (
	"net/http"
	"strings"
)

type RequestInfo struct {
	Cacheable bool
	Reason    string
}

// ClassifyRequest decides whether a request goes through the cache manager
// or straight to the origin.
func ClassifyRequest(r *http.Request) RequestInfo {
	if r.Method != http.MethodGet {
		return RequestInfo{Cacheable: false, Reason: "method-not-get"}
	}
	if isUpgrade(r) {
		return RequestInfo{Cacheable: false, Reason: "upgrade"}
	}
	return RequestInfo{Cacheable: true}
}

func isUpgrade(r *http.Request) bool {
	for _, v := range r.Header.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
				return true
			}
		}
	}
	return false
}
