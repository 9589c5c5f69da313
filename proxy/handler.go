package proxy

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/inconshreveable/log15"
)

// ProxyHostHeader names the forwarding target of a request. It is consumed
// by the proxy and stripped before forwarding.
const ProxyHostHeader = "Proxy-Host"

// Handler relays requests to the target named by their Proxy-Host header:
// method, remaining headers, body and query string pass through unchanged,
// and the upstream's status, headers and body are copied back.
type Handler struct {
	client *http.Client
	l      log15.Logger
}

// NewHandler returns a relay handler whose upstream requests are bounded by
// upstreamTimeout.
func NewHandler(l log15.Logger, upstreamTimeout time.Duration) *Handler {
	return &Handler{
		client: &http.Client{Timeout: upstreamTimeout},
		l:      l,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := r.Header.Get(ProxyHostHeader)
	if target == "" {
		http.Error(w, "Proxy-Host header is missing", http.StatusBadRequest)
		return
	}
	r.Header.Del(ProxyHostHeader)

	uri := target + r.URL.Path
	if q := r.URL.RawQuery; q != "" {
		uri += "?" + q
	}

	h.l.Debug("proxying request", "method", r.Method, "uri", uri)

	req, err := http.NewRequestWithContext(r.Context(), r.Method, uri, r.Body)
	if err != nil {
		http.Error(w, "Proxy-Host header is not a valid target", http.StatusBadRequest)
		return
	}
	req.Header = r.Header.Clone()

	resp, err := h.client.Do(req)
	if err != nil {
		h.l.Warn("upstream request failed", "uri", uri, "err", err)
		http.Error(w, fmt.Sprintf("Failed to send request: %v", err), http.StatusInternalServerError)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.l.Warn("error copying upstream response", "uri", uri, "err", err)
	}
}
