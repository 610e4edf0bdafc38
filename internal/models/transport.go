package models

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// guardTransport turns transport failures, HTTP errors and non-JSON bodies
// (proxies, captive portals, load balancers) into ErrModelUnavailable.
type guardTransport struct {
	inner    http.RoundTripper
	provider string
}

// guardedClient returns an HTTP client whose responses pass through a guardTransport.
func guardedClient(provider string, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &guardTransport{inner: http.DefaultTransport, provider: provider},
	}
}

func (t *guardTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.inner.RoundTrip(req)
	if err != nil {
		return nil, &ErrModelUnavailable{Provider: t.provider, Cause: err}
	}

	if resp.StatusCode >= 400 {
		return nil, t.reject(resp, fmt.Sprintf("status %d", resp.StatusCode))
	}

	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "json") && !strings.Contains(ct, "event-stream") {
		return nil, t.reject(resp, "")
	}
	return resp, nil
}

func (t *guardTransport) reject(resp *http.Response, status string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	text := strings.TrimSpace(string(body))
	if status != "" {
		text = strings.TrimSpace(status + ": " + text)
	}
	return &ErrModelUnavailable{Provider: t.provider, Body: text}
}
