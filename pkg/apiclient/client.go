// Package apiclient provides a Go client for the blockd HTTP API.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrNotFound is returned when the requested object or route does not
	// exist.
	ErrNotFound = errors.New("apiclient: not found")

	// ErrQuotaReached is returned when the server denies the operation on
	// quota grounds (HTTP 402).
	ErrQuotaReached = errors.New("apiclient: quota reached")

	// ErrNoSuchPrefix is returned when writing to a prefix the server does
	// not know.
	ErrNoSuchPrefix = errors.New("apiclient: no such prefix")

	// ErrNotAuthorized is returned when the token is missing, unknown, or
	// does not own the prefix.
	ErrNotAuthorized = errors.New("apiclient: not authorized")
)

// PreconditionError is returned when an If-Match upload loses the race.
// CurrentETag carries the winning validator when the object exists.
type PreconditionError struct {
	CurrentETag string
}

func (e *PreconditionError) Error() string {
	if e.CurrentETag == "" {
		return "apiclient: precondition failed (object does not exist)"
	}
	return fmt.Sprintf("apiclient: precondition failed (current etag %s)", e.CurrentETag)
}

// APIError is returned for server responses that map to no sentinel.
type APIError struct {
	StatusCode int
	Reason     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("apiclient: status %d: %s", e.StatusCode, e.Reason)
}

// Client talks to a blockd gateway. The token, when set, is sent verbatim as
// the Authorization header ("Token <secret>" for accounting tokens).
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the gateway at baseURL. An empty token leaves
// requests unauthenticated, which suffices for downloads.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("apiclient: build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}
	return req, nil
}

// errorFromResponse maps an error response to a sentinel where one applies.
// It consumes the body.
func errorFromResponse(resp *http.Response) error {
	reason := decodeReason(resp.Body)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusPaymentRequired:
		return ErrQuotaReached
	case http.StatusForbidden:
		return ErrNotAuthorized
	case http.StatusPreconditionFailed:
		return &PreconditionError{CurrentETag: resp.Header.Get("ETag")}
	case http.StatusBadRequest:
		if reason == "no such prefix" {
			return ErrNoSuchPrefix
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Reason: reason}
}

func decodeReason(body io.Reader) string {
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&parsed); err != nil {
		return ""
	}
	return parsed.Error
}

func decodeJSON(resp *http.Response, result any) error {
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("apiclient: decode response: %w", err)
	}
	return nil
}

// getJSON performs an authorized GET and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, path string, result any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("apiclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp)
	}
	return decodeJSON(resp, result)
}
