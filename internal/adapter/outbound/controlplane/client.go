// Package controlplane is the typed client for the upstream state API, the
// external service of record for application instances. The proxy consults
// it on every request and never caches its answers.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/datalab-hq/labgate/internal/domain/instance"
)

// maxResponseBodySize bounds control-plane response bodies. Instance records
// are tiny; anything larger indicates a misrouted or misbehaving endpoint.
const maxResponseBodySize = 1 * 1024 * 1024 // 1MB

// instanceRecord is the wire form of an application instance.
type instanceRecord struct {
	LifecycleState string `json:"lifecycle_state"`
	BackendAddress string `json:"backend_address,omitempty"`
	OwnerIdentity  string `json:"owner_identity"`
	ErrorFlag      bool   `json:"error_flag,omitempty"`
}

// Client calls the control plane's application-instance API. Implements
// lifecycle.StateClient.
type Client struct {
	baseURL    string
	apiToken   string
	timeout    time.Duration
	httpClient *http.Client
}

// Option is a functional option for configuring Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a control-plane client. timeout bounds every call so a
// stalled control plane fails the single request instead of hanging it.
func NewClient(baseURL, apiToken string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		apiToken: apiToken,
		timeout:  timeout,
		httpClient: &http.Client{
			// The per-call context carries the deadline; redirects from the
			// control plane would hide errors, so they are not followed.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get fetches the instance snapshot for a host key. A 404 is returned as an
// error matching instance.ErrNotFound; any other non-200 is a control-plane
// failure.
func (c *Client) Get(ctx context.Context, hostKey string) (instance.Instance, error) {
	status, payload, err := c.do(ctx, http.MethodGet, hostKey, nil)
	if err != nil {
		return instance.Instance{}, err
	}

	switch status {
	case http.StatusOK:
		// Fall through to decode.
	case http.StatusNotFound:
		return instance.Instance{}, fmt.Errorf("GET %s: %w", hostKey, instance.ErrNotFound)
	default:
		return instance.Instance{}, fmt.Errorf("GET %s: control plane returned %d", hostKey, status)
	}

	var rec instanceRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return instance.Instance{}, fmt.Errorf("GET %s: decode response: %w", hostKey, err)
	}

	state := instance.State(rec.LifecycleState)
	if !state.IsValid() {
		return instance.Instance{}, fmt.Errorf("GET %s: unknown lifecycle state %q", hostKey, rec.LifecycleState)
	}

	return instance.Instance{
		HostKey:        hostKey,
		State:          state,
		BackendAddress: rec.BackendAddress,
		OwnerSuffix:    rec.OwnerIdentity,
		ErrorFlag:      rec.ErrorFlag,
	}, nil
}

// Spawn requests an ABSENT -> SPAWNING transition. The control plane treats
// the PUT as idempotent: 200 and 201 both mean a spawn is in progress,
// whether or not this call started it.
func (c *Client) Spawn(ctx context.Context, hostKey string) error {
	status, _, err := c.do(ctx, http.MethodPut, hostKey, strings.NewReader("{}"))
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("PUT %s: control plane returned %d", hostKey, status)
	}
	return nil
}

// Delete removes a stopped instance record so the next request can start
// fresh. 200 and 204 both count as removed.
func (c *Client) Delete(ctx context.Context, hostKey string) error {
	status, _, err := c.do(ctx, http.MethodDelete, hostKey, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("DELETE %s: control plane returned %d", hostKey, status)
	}
	return nil
}

// do performs one bounded call and returns the status and the full (size
// limited) body. Reading the body inside the deadline keeps the timeout
// covering the whole exchange, not just the response headers.
func (c *Client) do(ctx context.Context, method, hostKey string, body io.Reader) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + "/applications/" + url.PathEscape(hostKey)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: build request: %w", method, hostKey, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, hostKey, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: read response: %w", method, hostKey, err)
	}
	return resp.StatusCode, payload, nil
}
