package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qabelwerk/blockd/pkg/accounting"
	"github.com/qabelwerk/blockd/pkg/api"
	"github.com/qabelwerk/blockd/pkg/api/handlers"
	"github.com/qabelwerk/blockd/pkg/blob"
	localstore "github.com/qabelwerk/blockd/pkg/blob/local"
	"github.com/qabelwerk/blockd/pkg/cache"
	"github.com/qabelwerk/blockd/pkg/models"
	"github.com/qabelwerk/blockd/pkg/pubsub"
	"github.com/qabelwerk/blockd/pkg/quota"
	"github.com/qabelwerk/blockd/pkg/userdb"
)

const (
	aliceToken = "Token alice-secret"
	bobToken   = "Token bob-secret"
	devToken   = "dev-bypass"
)

// env wires the full gateway against a fake accounting service, a sqlite
// ledger, and a local object store.
type env struct {
	t      *testing.T
	server *httptest.Server
	db     *userdb.Store
	users  map[string]models.User // Authorization header -> user
}

func newEnv(t *testing.T, maxBodySize int64) *env {
	t.Helper()

	e := &env{
		t: t,
		users: map[string]models.User{
			aliceToken: {UserID: 1, IsActive: true, Quota: 1 << 20},
			bobToken:   {UserID: 2, IsActive: true, Quota: 1 << 20},
		},
	}

	acct := httptest.NewServer(http.HandlerFunc(e.serveAccounting))
	t.Cleanup(acct.Close)

	db, err := userdb.New(&userdb.Config{
		Type:   userdb.DatabaseTypeSQLite,
		SQLite: userdb.SQLiteConfig{Path: filepath.Join(t.TempDir(), "blockd.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	e.db = db

	metaCache := cache.NewMemory()
	store, err := localstore.New(t.TempDir(), metaCache)
	require.NoError(t, err)

	var resolver accounting.Resolver = accounting.NewClient(acct.URL, "apisecret", metaCache, nil)
	resolver = accounting.NewBypassResolver(resolver, devToken)

	router := api.NewRouter(handlers.Deps{
		Driver:      blob.NewPool(store, 4),
		DB:          db,
		Resolver:    resolver,
		Bus:         pubsub.NewMemoryBus(nil),
		MaxBodySize: maxBodySize,
	})

	e.server = httptest.NewServer(router)
	t.Cleanup(e.server.Close)
	return e
}

func (e *env) serveAccounting(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/v0/internal/user/" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var payload struct {
		Auth   string `json:"auth"`
		UserID *int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var (
		user  models.User
		found bool
	)
	if payload.UserID != nil {
		for _, u := range e.users {
			if u.UserID == *payload.UserID {
				user, found = u, true
				break
			}
		}
	} else {
		user, found = e.users[payload.Auth]
	}
	if !found {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"user_id":               user.UserID,
		"active":                user.IsActive,
		"block_quota":           user.Quota,
		"monthly_traffic_quota": user.TrafficQuota,
	})
}

// createPrefix registers a prefix for userID directly in the ledger.
func (e *env) createPrefix(userID int64) string {
	e.t.Helper()
	name, err := e.db.CreatePrefix(context.Background(), userID)
	require.NoError(e.t, err)
	return name
}

func (e *env) request(method, path, token string, body []byte, header http.Header) *http.Response {
	e.t.Helper()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(e.t, err)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := e.server.Client().Do(req)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *env) upload(prefix, filePath, token string, body []byte, header http.Header) *http.Response {
	return e.request(http.MethodPost, "/api/v0/files/"+prefix+"/"+filePath, token, body, header)
}

func (e *env) download(prefix, filePath string, header http.Header) *http.Response {
	return e.request(http.MethodGet, "/api/v0/files/"+prefix+"/"+filePath, "", nil, header)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	e := newEnv(t, 0)
	prefix := e.createPrefix(1)
	content := []byte("hello block world")

	resp := e.upload(prefix, "meta-file", aliceToken, content, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	resp = e.download(prefix, "meta-file", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, etag, resp.Header.Get("ETag"))
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, content, body)
}

func TestDownloadNotModified(t *testing.T) {
	e := newEnv(t, 0)
	prefix := e.createPrefix(1)

	resp := e.upload(prefix, "doc", aliceToken, []byte("v1"), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	etag := resp.Header.Get("ETag")

	resp = e.download(prefix, "doc", http.Header{"If-None-Match": {etag}})
	require.Equal(t, http.StatusNotModified, resp.StatusCode)
	assert.Equal(t, etag, resp.Header.Get("ETag"))

	// Quoted validators are accepted too.
	resp = e.download(prefix, "doc", http.Header{"If-None-Match": {`"` + etag + `"`}})
	require.Equal(t, http.StatusNotModified, resp.StatusCode)

	// A stale validator yields the full body.
	resp = e.download(prefix, "doc", http.Header{"If-None-Match": {"0"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDownloadMissingObject(t *testing.T) {
	e := newEnv(t, 0)
	prefix := e.createPrefix(1)

	resp := e.download(prefix, "never-written", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Unknown prefixes 404 the same way instead of leaking their absence.
	resp = e.download("no-such-prefix", "x", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUploadIfMatch(t *testing.T) {
	e := newEnv(t, 0)
	prefix := e.createPrefix(1)

	// Precondition on an absent object fails without a current validator.
	resp := e.upload(prefix, "doc", aliceToken, []byte("v1"), http.Header{"If-Match": {"123"}})
	require.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("ETag"))

	resp = e.upload(prefix, "doc", aliceToken, []byte("v1"), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	etag := resp.Header.Get("ETag")

	// Mismatch reports the winning validator so the client can rebase.
	resp = e.upload(prefix, "doc", aliceToken, []byte("v2"), http.Header{"If-Match": {"stale"}})
	require.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	assert.Equal(t, etag, resp.Header.Get("ETag"))

	// A matching validator admits the overwrite and rotates the ETag.
	resp = e.upload(prefix, "doc", aliceToken, []byte("v2"), http.Header{"If-Match": {`"` + etag + `"`}})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("ETag"))
}

func TestUploadQuota(t *testing.T) {
	e := newEnv(t, 0)
	e.users[aliceToken] = models.User{UserID: 1, IsActive: true, Quota: 100}
	prefix := e.createPrefix(1)

	// Under quota.
	resp := e.upload(prefix, "index", aliceToken, bytes.Repeat([]byte("a"), 50), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Over quota, but a small meta-file overwrite is still admitted so the
	// account can reorganize itself.
	resp = e.upload(prefix, "index", aliceToken, bytes.Repeat([]byte("b"), 120), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Blocks get no such grace.
	resp = e.upload(prefix, "block/abc", aliceToken, bytes.Repeat([]byte("c"), 120), nil)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	var parsed map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Equal(t, "Quota reached", parsed["error"])

	// Neither do new non-block objects.
	resp = e.upload(prefix, "another-file", aliceToken, bytes.Repeat([]byte("d"), 120), nil)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestUploadQuotaZero(t *testing.T) {
	e := newEnv(t, 0)
	e.users[aliceToken] = models.User{UserID: 1, IsActive: true, Quota: 0}
	prefix := e.createPrefix(1)

	// A zero quota means zero bytes, not unlimited.
	resp := e.upload(prefix, "block/abc", aliceToken, []byte("x"), nil)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	var parsed map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Equal(t, "Quota reached", parsed["error"])

	// New meta-files get no grace either; only overwrites do.
	resp = e.upload(prefix, "doc", aliceToken, []byte("x"), nil)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestUploadQuotaBypass(t *testing.T) {
	e := newEnv(t, 0)
	e.users[aliceToken] = models.User{UserID: 1, IsActive: true, Quota: 10}
	prefix := e.createPrefix(1)

	// The development token skips ownership and quota checks entirely.
	resp := e.upload(prefix, "block/huge", "Token "+devToken, bytes.Repeat([]byte("x"), 5000), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestDownloadTrafficQuota(t *testing.T) {
	e := newEnv(t, 0)
	e.users[aliceToken] = models.User{UserID: 1, IsActive: true, TrafficQuota: 100}
	prefix := e.createPrefix(1)

	resp := e.upload(prefix, "doc", aliceToken, []byte("payload"), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.NoError(t, e.db.UpdateTraffic(context.Background(), prefix, 101))

	resp = e.download(prefix, "doc", nil)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	var parsed map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Equal(t, "Quota reached", parsed["error"])
}

func TestDownloadTrafficFixedCap(t *testing.T) {
	e := newEnv(t, 0)
	prefix := e.createPrefix(1)

	resp := e.upload(prefix, "doc", aliceToken, []byte("payload"), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// No per-user traffic quota configured: the fixed monthly cap gates the
	// prefix once the ledger passes it.
	require.NoError(t, e.db.UpdateTraffic(context.Background(), prefix, quota.TrafficThreshold+1))

	resp = e.download(prefix, "doc", nil)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	var parsed map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Equal(t, "Quota reached", parsed["error"])
}

func TestDownloadUnknownOwnerFallsBackToFixedCap(t *testing.T) {
	e := newEnv(t, 0)
	// The prefix owner is unknown to the accounting service; downloads fall
	// back to the fixed monthly cap.
	prefix := e.createPrefix(99)

	resp := e.upload(prefix, "doc", "Token "+devToken, []byte("payload"), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.download(prefix, "doc", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	io.Copy(io.Discard, resp.Body)

	require.NoError(t, e.db.UpdateTraffic(context.Background(), prefix, quota.TrafficThreshold+1))
	resp = e.download(prefix, "doc", nil)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestDownloadRecordsTraffic(t *testing.T) {
	e := newEnv(t, 0)
	prefix := e.createPrefix(1)
	content := []byte("seventeen bytes!!")

	resp := e.upload(prefix, "doc", aliceToken, content, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.download(prefix, "doc", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	io.Copy(io.Discard, resp.Body)

	traffic, err := e.db.GetTrafficByPrefix(context.Background(), prefix)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), traffic)
}

func TestUploadBodyTooLarge(t *testing.T) {
	e := newEnv(t, 1024)
	prefix := e.createPrefix(1)

	resp := e.upload(prefix, "doc", aliceToken, bytes.Repeat([]byte("x"), 2048), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var parsed map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Equal(t, "Content-Length too large", parsed["error"])
}

func TestUploadUnknownPrefix(t *testing.T) {
	e := newEnv(t, 0)

	resp := e.upload("nobody-owns-this", "doc", aliceToken, []byte("x"), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var parsed map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Equal(t, "no such prefix", parsed["error"])
}

func TestUploadAuthorization(t *testing.T) {
	e := newEnv(t, 0)
	prefix := e.createPrefix(1)

	// Missing header.
	resp := e.upload(prefix, "doc", "", []byte("x"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Unknown token.
	resp = e.upload(prefix, "doc", "Token nobody", []byte("x"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Valid token, foreign prefix.
	resp = e.upload(prefix, "doc", bobToken, []byte("x"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Disabled account.
	e.users["Token sleeper"] = models.User{UserID: 3, IsActive: false}
	resp = e.upload(prefix, "doc", "Token sleeper", []byte("x"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDeleteIdempotent(t *testing.T) {
	e := newEnv(t, 0)
	prefix := e.createPrefix(1)

	resp := e.upload(prefix, "doc", aliceToken, []byte("payload"), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	del := func() int {
		resp := e.request(http.MethodDelete, "/api/v0/files/"+prefix+"/doc", aliceToken, nil, nil)
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusNoContent, del())
	assert.Equal(t, http.StatusNoContent, del())

	resp = e.download(prefix, "doc", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The size ledger returned to zero after the delete.
	size, err := e.db.GetSize(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestPrefixLifecycle(t *testing.T) {
	e := newEnv(t, 0)

	resp := e.request(http.MethodPost, "/api/v0/prefix/", aliceToken, nil, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created["prefix"])

	resp = e.request(http.MethodGet, "/api/v0/prefix/", aliceToken, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	assert.Contains(t, listed["prefixes"], created["prefix"])

	// Other users do not see it.
	resp = e.request(http.MethodGet, "/api/v0/prefix/", bobToken, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var other map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&other))
	assert.Empty(t, other["prefixes"])

	resp = e.request(http.MethodGet, "/api/v0/prefix/", "", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestQuotaEndpoint(t *testing.T) {
	e := newEnv(t, 0)
	e.users[aliceToken] = models.User{UserID: 1, IsActive: true, Quota: 4096}
	prefix := e.createPrefix(1)

	resp := e.upload(prefix, "doc", aliceToken, bytes.Repeat([]byte("x"), 64), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.request(http.MethodGet, "/api/v0/quota/", aliceToken, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var parsed map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Equal(t, int64(4096), parsed["quota"])
	assert.Equal(t, int64(64), parsed["size"])
}

func TestFileRouteShapeValidation(t *testing.T) {
	e := newEnv(t, 0)

	resp := e.request(http.MethodGet, "/api/v0/files/bad.dot/x", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.request(http.MethodGet, "/api/v0/files/ok-prefix/sp%20ace", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func TestWebsocketPrefixNotifications(t *testing.T) {
	e := newEnv(t, 0)
	prefix := e.createPrefix(1)

	dialer := websocket.Dialer{Subprotocols: []string{handlers.Subprotocol}}
	conn, resp, err := dialer.Dial(
		wsURL(e.server.URL, "/api/v0/websocket/"+prefix),
		http.Header{"Authorization": {aliceToken}},
	)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, handlers.Subprotocol, resp.Header.Get("Sec-Websocket-Protocol"))

	up := e.upload(prefix, "sub/doc", aliceToken, []byte("payload"), nil)
	require.Equal(t, http.StatusNoContent, up.StatusCode)
	etag := up.Header.Get("ETag")

	var event pubsub.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, pubsub.OperationPost, event.Operation)
	assert.Equal(t, prefix, event.Prefix)
	assert.Equal(t, prefix+"/sub/doc", event.Path)
	assert.Equal(t, etag, event.ETag)

	del := e.request(http.MethodDelete, "/api/v0/files/"+prefix+"/sub/doc", aliceToken, nil, nil)
	require.Equal(t, http.StatusNoContent, del.StatusCode)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, pubsub.OperationDelete, event.Operation)
	assert.Equal(t, prefix+"/sub/doc", event.Path)
	assert.Empty(t, event.ETag)
}

func TestWebsocketFileNotifications(t *testing.T) {
	e := newEnv(t, 0)
	prefix := e.createPrefix(1)

	// Exact-path subscriptions need no token, like downloads.
	dialer := websocket.Dialer{Subprotocols: []string{handlers.Subprotocol}}
	conn, _, err := dialer.Dial(wsURL(e.server.URL, "/api/v0/websocket/"+prefix+"/doc"), nil)
	require.NoError(t, err)
	defer conn.Close()

	up := e.upload(prefix, "other", aliceToken, []byte("not subscribed"), nil)
	require.Equal(t, http.StatusNoContent, up.StatusCode)
	up = e.upload(prefix, "doc", aliceToken, []byte("subscribed"), nil)
	require.Equal(t, http.StatusNoContent, up.StatusCode)

	// Only the exact path comes through.
	var event pubsub.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, prefix+"/doc", event.Path)
}

func TestWebsocketRefusesBlockPaths(t *testing.T) {
	e := newEnv(t, 0)
	prefix := e.createPrefix(1)

	resp := e.request(http.MethodGet, "/api/v0/websocket/"+prefix+"/block/abc", "", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebsocketPrefixRequiresOwnership(t *testing.T) {
	e := newEnv(t, 0)
	prefix := e.createPrefix(1)

	dialer := websocket.Dialer{Subprotocols: []string{handlers.Subprotocol}}
	_, resp, err := dialer.Dial(
		wsURL(e.server.URL, "/api/v0/websocket/"+prefix),
		http.Header{"Authorization": {bobToken}},
	)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	e := newEnv(t, 0)

	resp, err := e.server.Client().Get(e.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var parsed map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Equal(t, "ok", parsed["status"])
}

func TestConcurrentUploadsSeparatePaths(t *testing.T) {
	e := newEnv(t, 0)
	prefix := e.createPrefix(1)

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			resp := e.upload(prefix, fmt.Sprintf("block/%04d", i), aliceToken, bytes.Repeat([]byte("x"), 100), nil)
			if resp.StatusCode != http.StatusNoContent {
				errs <- fmt.Errorf("upload %d: status %d", i, resp.StatusCode)
				return
			}
			errs <- nil
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	size, err := e.db.GetSize(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(n*100), size)
}
