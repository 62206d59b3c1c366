package apiclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

func filePath(prefix, name string) string {
	return fmt.Sprintf("/api/v0/files/%s/%s", prefix, name)
}

// UploadOptions tune a single upload.
type UploadOptions struct {
	// IfMatch makes the upload conditional on the server-side ETag. Uploads
	// losing the race return a *PreconditionError.
	IfMatch string
}

// Upload streams body to prefix/name and returns the new ETag.
func (c *Client) Upload(ctx context.Context, prefix, name string, body io.Reader, opts *UploadOptions) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, filePath(prefix, name), body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if opts != nil && opts.IfMatch != "" {
		req.Header.Set("If-Match", opts.IfMatch)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("apiclient: upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return "", errorFromResponse(resp)
	}
	return resp.Header.Get("ETag"), nil
}

// Object is a downloaded object. Body is nil when the server answered 304
// Not Modified; otherwise the caller owns it and must close it.
type Object struct {
	ETag string
	Size int64
	Body io.ReadCloser
}

// Download fetches prefix/name. A non-empty ifNoneMatch turns the request
// conditional; an unchanged object comes back with a nil Body.
func (c *Client) Download(ctx context.Context, prefix, name, ifNoneMatch string) (*Object, error) {
	req, err := c.newRequest(ctx, http.MethodGet, filePath(prefix, name), nil)
	if err != nil {
		return nil, err
	}
	if ifNoneMatch != "" {
		req.Header.Set("If-None-Match", ifNoneMatch)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("apiclient: download failed: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return &Object{
			ETag: resp.Header.Get("ETag"),
			Size: resp.ContentLength,
			Body: resp.Body,
		}, nil
	case http.StatusNotModified:
		resp.Body.Close()
		return &Object{ETag: resp.Header.Get("ETag")}, nil
	default:
		defer resp.Body.Close()
		return nil, errorFromResponse(resp)
	}
}

// Delete removes prefix/name. Deleting an absent object succeeds.
func (c *Client) Delete(ctx context.Context, prefix, name string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, filePath(prefix, name), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("apiclient: delete failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return errorFromResponse(resp)
	}
	return nil
}
