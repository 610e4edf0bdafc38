// Package browser provides executors for the "playwright" tool: a client for
// an external automation service and a static HTML driver.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dohr-michael/agentrunner/internal/tools"
)

// Remote sends steps to an automation service over HTTP.
//
//	POST {endpoint}/steps            body: tools.Request
//	GET  {endpoint}/runs/{id}/context
//	DELETE {endpoint}/runs/{id}
type Remote struct {
	endpoint string
	client   *http.Client
}

// NewRemote creates a remote driver. timeout bounds each HTTP exchange.
func NewRemote(endpoint string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Remote{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

type remoteResponse struct {
	OK          bool               `json:"ok"`
	Observation *tools.Observation `json:"observation"`
	Error       *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// Execute runs one step remotely. Service-reported failures become typed
// tool errors; transport failures are returned wrapped.
func (r *Remote) Execute(ctx context.Context, req tools.Request) (*tools.Observation, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode step: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/steps", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, &tools.ToolError{Kind: tools.Timeout, Message: "browser service did not answer", Cause: err}
		}
		return nil, fmt.Errorf("browser service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read browser response: %w", err)
	}

	var out remoteResponse
	if err := json.Unmarshal(data, &out); err != nil {
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("browser service: status %d: %s", resp.StatusCode, truncate(string(data), 200))
		}
		return nil, fmt.Errorf("decode browser response: %w", err)
	}
	if out.Error != nil || !out.OK {
		kind, msg := tools.BadSelectors, "step failed"
		if out.Error != nil {
			if k := tools.ParseFailureKind(out.Error.Kind); k != "" {
				kind = k
			}
			if out.Error.Message != "" {
				msg = out.Error.Message
			}
		}
		return nil, tools.Fail(kind, "%s", msg)
	}
	if out.Observation == nil {
		return &tools.Observation{Summary: "ok"}, nil
	}
	if out.Observation.Fingerprint == "" {
		out.Observation.Fingerprint = tools.Fingerprint(out.Observation.URL, out.Observation.Title, out.Observation.Summary)
	}
	return out.Observation, nil
}

// Snapshot fetches the service's description of the run's current page.
func (r *Remote) Snapshot(ctx context.Context, runID string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"/runs/"+url.PathEscape(runID)+"/context", nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("browser context: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("browser context: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read browser context: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Release closes the run's browser session on a best-effort basis.
func (r *Remote) Release(runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.endpoint+"/runs/"+url.PathEscape(runID), nil)
	if err != nil {
		return
	}
	if resp, err := r.client.Do(httpReq); err == nil {
		resp.Body.Close()
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
