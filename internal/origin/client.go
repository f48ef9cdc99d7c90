package origin

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the site's origin server. A returned error means the
// request never produced a response (offline, DNS, transport timeout); any
// HTTP status, 5xx included, is a response.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// NewClientWith uses the given http.Client as is.
func NewClientWith(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Fetch requests path, given in its escaped form, from the origin. Escapes
// such as %2F reach the origin as sent by the client.
func (c *Client) Fetch(ctx context.Context, method, path, rawQuery string, headers http.Header, body io.Reader) (*http.Response, []byte, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, nil, err
	}
	escaped := strings.TrimRight(u.EscapedPath(), "/") + path
	decoded, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, nil, err
	}
	u.Path = decoded
	u.RawPath = escaped
	u.RawQuery = rawQuery

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, nil, err
	}
	copyHeaders(req.Header, headers)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, data, nil
}

// skipHeaders are not forwarded upstream. Accept-Encoding is left to the
// transport so stored bodies are always decoded.
var skipHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Host":                {},
	"Accept-Encoding":     {},
	"Content-Length":      {},
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if len(vv) == 0 {
			continue
		}
		if _, skip := skipHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
