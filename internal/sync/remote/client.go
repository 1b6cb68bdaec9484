// Package remote is the REST client for the central record authority.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Record is the server's representation of a syncable entity.
type Record struct {
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	ScopeID   string          `json:"scope_id"`
	// LocalID echoes the idempotency key of the create that made the record.
	LocalID   string          `json:"local_id,omitempty"`
	Fields    json.RawMessage `json:"fields"`
	UpdatedAt int64           `json:"updated_at"`
}

// API is the remote port used by the push and pull paths.
type API interface {
	// Create stores a new record. Re-sending the same idempotency key returns
	// the record created by the first call.
	Create(ctx context.Context, collection, idempotencyKey, scopeID string, fields json.RawMessage) (*Record, error)
	// Update replaces a record's fields if its current version equals version.
	Update(ctx context.Context, collection, id string, version int64, fields json.RawMessage) (*Record, error)
	// Delete removes a record if its current version equals version.
	Delete(ctx context.Context, collection, id string, version int64) error
	Get(ctx context.Context, collection, id string) (*Record, error)
	List(ctx context.Context, collection, scope string) ([]*Record, error)
	// Reference fetches a reference-data document such as the insurer list.
	Reference(ctx context.Context, kind string) (json.RawMessage, error)
	Health(ctx context.Context) error
}

// IdempotencyHeader carries the client's key on creates.
const IdempotencyHeader = "Idempotency-Key"

var (
	// ErrConflict matches HTTP 409 responses.
	ErrConflict = stderrors.New("version conflict")
	// ErrNotFound matches HTTP 404 responses.
	ErrNotFound = stderrors.New("remote record not found")
)

// HTTPError is a non-2xx response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Is matches ErrConflict and ErrNotFound by status code.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// Retryable reports whether the status is transient: 5xx, 429 and 408.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode >= 500 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout
}

// Config holds client configuration.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HealthPath string
}

// Client implements API over HTTP/JSON.
type Client struct {
	config     Config
	httpClient *http.Client
}

var _ API = (*Client)(nil)

// NewClient creates a new Client. A zero Timeout defaults to 10s.
func NewClient(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.HealthPath == "" {
		config.HealthPath = "/health"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// WithHTTPClient replaces the underlying http.Client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

type createBody struct {
	ScopeID string          `json:"scope_id"`
	Fields  json.RawMessage `json:"fields"`
}

type updateBody struct {
	Version int64           `json:"version"`
	Fields  json.RawMessage `json:"fields"`
}

type listBody struct {
	Items []*Record `json:"items"`
}

// Create posts a new record.
func (c *Client) Create(ctx context.Context, collection, idempotencyKey, scopeID string, fields json.RawMessage) (*Record, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/"+collection, nil, createBody{ScopeID: scopeID, Fields: fields})
	if err != nil {
		return nil, err
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, idempotencyKey)
	}
	var rec Record
	if err := c.do(req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Update puts new fields on top of the given server version.
func (c *Client) Update(ctx context.Context, collection, id string, version int64, fields json.RawMessage) (*Record, error) {
	req, err := c.newRequest(ctx, http.MethodPut, recordPath(collection, id), nil, updateBody{Version: version, Fields: fields})
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := c.do(req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Delete removes a record at the given server version.
func (c *Client) Delete(ctx context.Context, collection, id string, version int64) error {
	q := url.Values{"version": {strconv.FormatInt(version, 10)}}
	req, err := c.newRequest(ctx, http.MethodDelete, recordPath(collection, id), q, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// Get fetches one record.
func (c *Client) Get(ctx context.Context, collection, id string) (*Record, error) {
	req, err := c.newRequest(ctx, http.MethodGet, recordPath(collection, id), nil, nil)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := c.do(req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// List fetches every record of a collection in scope.
func (c *Client) List(ctx context.Context, collection, scope string) ([]*Record, error) {
	var q url.Values
	if scope != "" {
		q = url.Values{"scope": {scope}}
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/"+collection, q, nil)
	if err != nil {
		return nil, err
	}
	var body listBody
	if err := c.do(req, &body); err != nil {
		return nil, err
	}
	return body.Items, nil
}

// Reference fetches a reference-data document.
func (c *Client) Reference(ctx context.Context, kind string) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/reference/"+url.PathEscape(kind), nil, nil)
	if err != nil {
		return nil, err
	}
	var doc json.RawMessage
	if err := c.do(req, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Health checks the server's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.config.HealthPath, nil, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func recordPath(collection, id string) string {
	return "/" + collection + "/" + url.PathEscape(id)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Request, error) {
	urlStr := c.config.BaseURL + path
	if len(query) > 0 {
		urlStr += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do executes req and decodes a 2xx JSON body into out when out is non-nil.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{
			Method:     req.Method,
			Path:       req.URL.Path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}
