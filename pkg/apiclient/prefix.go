package apiclient

import (
	"context"
	"fmt"
	"net/http"
)

// CreatePrefix allocates a fresh prefix for the authenticated user.
func (c *Client) CreatePrefix(ctx context.Context) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v0/prefix/", nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("apiclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", errorFromResponse(resp)
	}

	var parsed struct {
		Prefix string `json:"prefix"`
	}
	if err := decodeJSON(resp, &parsed); err != nil {
		return "", err
	}
	return parsed.Prefix, nil
}

// ListPrefixes returns the prefixes owned by the authenticated user.
func (c *Client) ListPrefixes(ctx context.Context) ([]string, error) {
	var parsed struct {
		Prefixes []string `json:"prefixes"`
	}
	if err := c.getJSON(ctx, "/api/v0/prefix/", &parsed); err != nil {
		return nil, err
	}
	return parsed.Prefixes, nil
}

// QuotaInfo is the authenticated user's storage allowance and usage, both in
// bytes. A zero Quota means unlimited.
type QuotaInfo struct {
	Quota int64 `json:"quota"`
	Size  int64 `json:"size"`
}

// Quota returns the authenticated user's storage allowance and usage.
func (c *Client) Quota(ctx context.Context) (QuotaInfo, error) {
	var parsed QuotaInfo
	if err := c.getJSON(ctx, "/api/v0/quota/", &parsed); err != nil {
		return QuotaInfo{}, err
	}
	return parsed, nil
}
