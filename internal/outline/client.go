// Package outline is the HTTP client for a node's management API: the
// surface used to mint and delete per-device access keys and, via the key
// listing, to probe node liveness.
package outline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// API is the subset of the management surface the control plane consumes.
type API interface {
	CreateKey(ctx context.Context, name string) (KeyData, error)
	DeleteKey(ctx context.Context, keyID string) error
	ListKeys(ctx context.Context) error
}

// Factory builds a client for one node's management endpoint. Injected so
// tests can point nodes at httptest servers.
type Factory func(apiURL, apiKey string) API

// KeyData is the credential returned by the management API for a new key.
// Method and AccessURL are optional; callers fall back to the node's static
// values when they are absent.
type KeyData struct {
	ID        string
	Password  string
	Port      int
	Method    *string
	AccessURL *string
}

// APIError is a non-2xx response or malformed payload from the management
// API. Transport-level failures are returned as-is from net/http.
type APIError struct {
	Op         string
	StatusCode int
	Reason     string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("outline %s failed: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("outline %s failed: status %d", e.Op, e.StatusCode)
}

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// NewClient returns a client for the management API at apiURL. A zero timeout
// falls back to 10s; transport may be nil for the default.
func NewClient(apiURL, apiKey string, timeout time.Duration, transport http.RoundTripper) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(apiURL, "/"),
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

type createKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type createKeyResponse struct {
	ID        string  `json:"id"`
	Password  string  `json:"password"`
	Port      int     `json:"port"`
	Method    *string `json:"method"`
	AccessURL *string `json:"accessUrl"`
}

// CreateKey provisions a new access key, optionally named after the device it
// is for. Any status other than 200/201 or a response without an id is an
// *APIError.
func (c *Client) CreateKey(ctx context.Context, name string) (KeyData, error) {
	body, err := json.Marshal(createKeyRequest{Name: name})
	if err != nil {
		return KeyData{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/access-keys", bytes.NewReader(body))
	if err != nil {
		return KeyData{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return KeyData{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return KeyData{}, &APIError{Op: "create_key", StatusCode: resp.StatusCode}
	}
	var decoded createKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return KeyData{}, &APIError{Op: "create_key", StatusCode: resp.StatusCode, Reason: "invalid_json"}
	}
	if decoded.ID == "" {
		return KeyData{}, &APIError{Op: "create_key", StatusCode: resp.StatusCode, Reason: "empty_key_id"}
	}
	return KeyData{
		ID:        decoded.ID,
		Password:  decoded.Password,
		Port:      decoded.Port,
		Method:    decoded.Method,
		AccessURL: decoded.AccessURL,
	}, nil
}

// DeleteKey removes an access key. 404 is treated as success so revocation
// stays idempotent against a node that already dropped the key.
func (c *Client) DeleteKey(ctx context.Context, keyID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/access-keys/"+keyID, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return &APIError{Op: "delete_key", StatusCode: resp.StatusCode}
	}
}

// ListKeys issues the key listing used as the liveness probe. Only the status
// matters; the body is discarded.
func (c *Client) ListKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/access-keys", nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &APIError{Op: "list_keys", StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}
