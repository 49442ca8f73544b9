// Package remote is the thin HTTP client for the server's per-entity REST
// endpoints. Retry, backoff, and timeouts belong to the injected
// http.Client; this package only shapes requests, unwraps response
// envelopes, and classifies failures into the apperror taxonomy so callers
// can decide between cache fallback and queue-for-retry.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sakif/repsync/internal/apperror"
	"github.com/sakif/repsync/internal/model"
)

// Client talks to one server. Paths passed to its methods are
// collection-relative, e.g. "/templates".
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sets the opaque bearer token attached to every request.
// Obtaining and refreshing the token is the session layer's problem.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a Client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// List fetches the full collection at path.
func (c *Client) List(ctx context.Context, path string) ([]model.Record, error) {
	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var recs []model.Record
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, apperror.Transient("remote: listing "+path,
			fmt.Errorf("response is not an array: %w", err))
	}
	return recs, nil
}

// Get fetches the single record at path/id.
func (c *Client) Get(ctx context.Context, path, id string) (model.Record, error) {
	return c.GetPath(ctx, path+"/"+id)
}

// GetPath fetches the single record at path - used for singleton resources
// addressed without an id segment.
func (c *Client) GetPath(ctx context.Context, path string) (model.Record, error) {
	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord(path, raw)
}

// Create POSTs payload to the collection at path and returns the created
// record (carrying the server-assigned id).
func (c *Client) Create(ctx context.Context, path string, payload model.Record) (model.Record, error) {
	raw, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	return decodeRecord(path, raw)
}

// Update PUTs payload to path/id and returns the updated record.
func (c *Client) Update(ctx context.Context, path, id string, payload model.Record) (model.Record, error) {
	return c.UpdatePath(ctx, path+"/"+id, payload)
}

// UpdatePath PUTs payload to path directly (singleton resources).
func (c *Client) UpdatePath(ctx context.Context, path string, payload model.Record) (model.Record, error) {
	raw, err := c.do(ctx, http.MethodPut, path, payload)
	if err != nil {
		return nil, err
	}
	return decodeRecord(path, raw)
}

// Delete issues DELETE path/id.
func (c *Client) Delete(ctx context.Context, path, id string) error {
	_, err := c.do(ctx, http.MethodDelete, path+"/"+id, nil)
	return err
}

// do performs one request and returns the unwrapped response body.
func (c *Client) do(ctx context.Context, method, path string, payload any) (json.RawMessage, error) {
	opName := fmt.Sprintf("remote: %s %s", method, path)

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: encoding payload: %w", opName, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: building request: %w", opName, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Connection refused, DNS failure, timeout - all transient from
		// the engine's point of view.
		return nil, apperror.Transient(opName, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperror.Transient(opName, err)
	}

	if resp.StatusCode >= 400 {
		return nil, apperror.HTTPStatus(opName, resp.StatusCode, serverMessage(data))
	}

	c.logger.Debug("remote call",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
	)
	return unwrap(data), nil
}

// unwrap extracts the payload from a {data: ...} envelope, falling back to
// the bare body - the server uses both shapes.
func unwrap(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err == nil && len(envelope.Data) > 0 {
		return envelope.Data
	}
	return trimmed
}

// serverMessage pulls the human-readable message out of an error body.
func serverMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(body))
}

func decodeRecord(path string, raw json.RawMessage) (model.Record, error) {
	var rec model.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, apperror.Transient("remote: decoding "+path,
			fmt.Errorf("response is not an object: %w", err))
	}
	return rec, nil
}
