package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/marcus/tally/internal/models"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
)

// TransportError is any failure talking to the sync server. The reconciler
// treats every TransportError as retryable.
type TransportError struct {
	Op     string
	Status int // HTTP status, 0 when the request never completed
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client talks to the tally-sync server. It holds no sync state: every call
// is independent, and the same mutation may be pushed any number of times.
type Client struct {
	BaseURL  string
	Tenant   string
	APIKey   string
	DeviceID string
	HTTP     *http.Client
}

// New creates a new sync client. An empty tenant scopes the client to the
// device's own tenant.
func New(baseURL, tenant, apiKey, deviceID string) *Client {
	if tenant == "" {
		tenant = deviceID
	}
	return &Client{
		BaseURL:  baseURL,
		Tenant:   tenant,
		APIKey:   apiKey,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// --- Wire types (mirrors internal/api, independently defined) ---

// MutationRequest is the body for POST /v1/tenants/{tenant}/mutations.
type MutationRequest struct {
	MutationID      string          `json:"mutation_id"`
	Op              string          `json:"op"`
	Collection      string          `json:"collection"`
	EntityID        string          `json:"entity_id"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	DeviceID        string          `json:"device_id"`
	ClientTimestamp string          `json:"client_timestamp"`
}

// MutationResponse reports how the server applied a mutation. Duplicate and
// stale mutations are successes: the server already holds an equal or newer
// state.
type MutationResponse struct {
	Status    string `json:"status"` // "applied", "duplicate", "stale"
	ServerSeq int64  `json:"server_seq"`
}

// EntitiesResponse is the response from GET .../collections/{c}/entities.
type EntitiesResponse struct {
	Collection string             `json:"collection"`
	Entities   []models.Entity    `json:"entities"`
	Deleted    []models.Tombstone `json:"deleted,omitempty"`
}

// WipeResponse is the response from DELETE .../collections/{c}.
type WipeResponse struct {
	Deleted int64 `json:"deleted"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheck hits the /healthz endpoint to verify server reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, "health", http.MethodGet, "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckConnectivity reports whether the server answered its health check
// within a few seconds.
func (c *Client) CheckConnectivity(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := c.HealthCheck(ctx)
	return err == nil && resp.Status == "ok"
}

// Push delivers one mutation. The server upserts by entity id and dedupes by
// mutation id, so replays are harmless.
func (c *Client) Push(ctx context.Context, m models.Mutation) error {
	_, err := c.PushMutation(ctx, m)
	return err
}

// PushMutation is Push with the server's verdict.
func (c *Client) PushMutation(ctx context.Context, m models.Mutation) (*MutationResponse, error) {
	req := MutationRequest{
		MutationID:      m.ID,
		Op:              string(m.Op),
		Collection:      m.Collection,
		EntityID:        m.EntityID,
		DeviceID:        m.DeviceID,
		ClientTimestamp: models.FormatTimestamp(m.CreatedAt),
	}
	if m.Payload != nil {
		data, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, &TransportError{Op: "push", Err: fmt.Errorf("marshal payload: %w", err)}
		}
		req.Payload = data
	}
	var resp MutationResponse
	if err := c.do(ctx, "push", http.MethodPost, c.tenantPath("/mutations"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PullAll fetches every live entity in a collection.
func (c *Client) PullAll(ctx context.Context, collection string) ([]models.Entity, error) {
	ch, err := c.Pull(ctx, collection)
	if err != nil {
		return nil, err
	}
	return ch.Entities, nil
}

// Pull fetches the full state of a collection, tombstones included.
func (c *Client) Pull(ctx context.Context, collection string) (models.Change, error) {
	var resp EntitiesResponse
	path := c.tenantPath("/collections/" + url.PathEscape(collection) + "/entities")
	if err := c.do(ctx, "pull", http.MethodGet, path, nil, &resp); err != nil {
		return models.Change{}, err
	}
	return models.Change{
		Collection: collection,
		Full:       true,
		Entities:   resp.Entities,
		Deleted:    resp.Deleted,
	}, nil
}

// Wipe deletes a whole collection on the server, tombstones included.
func (c *Client) Wipe(ctx context.Context, collection string) error {
	var resp WipeResponse
	path := c.tenantPath("/collections/" + url.PathEscape(collection))
	return c.do(ctx, "wipe", http.MethodDelete, path, nil, &resp)
}

func (c *Client) tenantPath(suffix string) string {
	return "/v1/tenants/" + url.PathEscape(c.Tenant) + suffix
}

// --- HTTP helpers ---

// apiError is the standard error body from the server.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.APIKey != "" {
		h.Set("Authorization", "Bearer "+c.APIKey)
	}
	if c.DeviceID != "" {
		h.Set("X-Device-ID", c.DeviceID)
	}
	return h
}

func (c *Client) do(ctx context.Context, op, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &TransportError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header = c.header()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 400 {
		msg := string(bytes.TrimSpace(respBody))
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Code != "" {
			msg = apiErr.Error.Code + ": " + apiErr.Error.Message
		}
		var cause error
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			cause = fmt.Errorf("%w: %s", ErrUnauthorized, msg)
		case http.StatusNotFound:
			cause = fmt.Errorf("%w: %s", ErrNotFound, msg)
		case http.StatusTooManyRequests:
			cause = fmt.Errorf("%w: %s", ErrRateLimited, msg)
		default:
			cause = errors.New(msg)
		}
		return &TransportError{Op: op, Status: resp.StatusCode, Err: cause}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return &TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("unmarshal response: %w", err)}
		}
	}
	return nil
}
