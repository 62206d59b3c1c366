// Package accounting resolves Authorization headers and user ids against the
// remote accounting service. Results are replicated into the metadata cache
// for 60 seconds, so quota and deactivation changes propagate within a
// minute without a round trip per request.
package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/qabelwerk/blockd/internal/logger"
	"github.com/qabelwerk/blockd/pkg/cache"
	"github.com/qabelwerk/blockd/pkg/metrics"
	"github.com/qabelwerk/blockd/pkg/models"
)

// userEndpoint is the internal resolver endpoint of the accounting service.
const userEndpoint = "/api/v0/internal/user/"

var (
	// ErrUserNotFound is returned when the accounting service does not know
	// the token or user id.
	ErrUserNotFound = errors.New("accounting: user not found")

	// ErrAuthFailed is returned when the accounting service misbehaves
	// (non-2xx, non-404 responses, malformed bodies).
	ErrAuthFailed = errors.New("accounting: auth request failed")
)

// Grant is the outcome of a successful authorization. Bypass grants skip
// prefix ownership checks; they exist for development setups without a real
// accounting service.
type Grant struct {
	User   models.User
	Bypass bool
}

// Resolver turns Authorization headers and user ids into users.
type Resolver interface {
	Auth(ctx context.Context, header string) (Grant, error)
	GetUser(ctx context.Context, userID int64) (models.User, error)
}

// Client is the HTTP resolver against the accounting service.
type Client struct {
	host      string
	apiSecret string
	http      *http.Client
	cache     cache.Cache
	metrics   *metrics.Gateway
}

// NewClient creates a resolver for the accounting service at host.
func NewClient(host, apiSecret string, c cache.Cache, m *metrics.Gateway) *Client {
	return &Client{
		host:      host,
		apiSecret: apiSecret,
		http:      &http.Client{Timeout: 10 * time.Second},
		cache:     c,
		metrics:   m,
	}
}

// userResponse is the accounting service's wire format.
type userResponse struct {
	UserID              int64 `json:"user_id"`
	Active              bool  `json:"active"`
	BlockQuota          int64 `json:"block_quota"`
	MonthlyTrafficQuota int64 `json:"monthly_traffic_quota"`
}

func (u userResponse) toUser() models.User {
	return models.User{
		UserID:       u.UserID,
		IsActive:     u.Active,
		Quota:        u.BlockQuota,
		TrafficQuota: u.MonthlyTrafficQuota,
	}
}

func (c *Client) query(ctx context.Context, payload any) (models.User, error) {
	start := time.Now()
	defer func() {
		c.metrics.ObserveAuthWait(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return models.User{}, fmt.Errorf("%w: encode payload: %v", ErrAuthFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+userEndpoint, bytes.NewReader(body))
	if err != nil {
		return models.User{}, fmt.Errorf("%w: build request: %v", ErrAuthFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("APISECRET", c.apiSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return models.User{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.User{}, ErrUserNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		// Drain for connection reuse; the body is not part of the contract.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return models.User{}, fmt.Errorf("%w: unexpected status %d", ErrAuthFailed, resp.StatusCode)
	}

	var parsed userResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return models.User{}, fmt.Errorf("%w: decode response: %v", ErrAuthFailed, err)
	}
	return parsed.toUser(), nil
}

// Auth resolves an Authorization header to a user, consulting the cache
// first.
func (c *Client) Auth(ctx context.Context, header string) (Grant, error) {
	if user, err := c.cache.GetAuth(header); err == nil {
		c.metrics.AuthCacheHit()
		return Grant{User: user}, nil
	}

	user, err := c.query(ctx, map[string]string{"auth": header})
	if err != nil {
		return Grant{}, err
	}

	if err := c.cache.SetAuth(header, user); err != nil {
		logger.Warn("failed to cache auth result", "user_id", user.UserID, "error", err)
	} else {
		c.metrics.AuthCacheSet()
	}
	return Grant{User: user}, nil
}

// GetUser resolves a user id to a user, consulting the cache first.
func (c *Client) GetUser(ctx context.Context, userID int64) (models.User, error) {
	if user, err := c.cache.GetUser(userID); err == nil {
		c.metrics.AuthCacheHit()
		return user, nil
	}

	user, err := c.query(ctx, map[string]int64{"user_id": userID})
	if err != nil {
		return models.User{}, err
	}

	if err := c.cache.SetUser(user); err != nil {
		logger.Warn("failed to cache user", "user_id", user.UserID, "error", err)
	} else {
		c.metrics.AuthCacheSet()
	}
	return user, nil
}

var _ Resolver = (*Client)(nil)

// BypassResolver wraps a resolver with a configured development token. A
// matching Authorization header yields a bypass grant without contacting the
// accounting service; everything else is delegated.
type BypassResolver struct {
	inner Resolver
	token string
}

// NewBypassResolver wraps inner. An empty token disables the bypass.
func NewBypassResolver(inner Resolver, token string) *BypassResolver {
	return &BypassResolver{inner: inner, token: token}
}

func (b *BypassResolver) Auth(ctx context.Context, header string) (Grant, error) {
	if b.token != "" && header == "Token "+b.token {
		return Grant{
			User:   models.User{UserID: 0, IsActive: true},
			Bypass: true,
		}, nil
	}
	return b.inner.Auth(ctx, header)
}

func (b *BypassResolver) GetUser(ctx context.Context, userID int64) (models.User, error) {
	return b.inner.GetUser(ctx, userID)
}

var _ Resolver = (*BypassResolver)(nil)
