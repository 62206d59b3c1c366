// Package handlers implements the request engine behind the gateway routes.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/qabelwerk/blockd/internal/logger"
	"github.com/qabelwerk/blockd/pkg/accounting"
	"github.com/qabelwerk/blockd/pkg/blob"
	"github.com/qabelwerk/blockd/pkg/metrics"
	"github.com/qabelwerk/blockd/pkg/pubsub"
	"github.com/qabelwerk/blockd/pkg/userdb"
)

// DefaultMaxBodySize caps uploads at 100 MiB unless configured otherwise.
const DefaultMaxBodySize = 100 * 1024 * 1024

var (
	prefixPattern   = regexp.MustCompile(`^[\d\w-]+$`)
	filePathPattern = regexp.MustCompile(`^[/\d\w-]+$`)
)

// Deps are the collaborators of the request engine.
type Deps struct {
	Driver      blob.Transfer
	DB          *userdb.Store
	Resolver    accounting.Resolver
	Bus         pubsub.Bus
	Metrics     *metrics.Gateway
	MaxBodySize int64
}

// Handler carries the wired dependencies for all routes.
type Handler struct {
	Deps
}

// New creates the request engine.
func New(deps Deps) *Handler {
	if deps.MaxBodySize == 0 {
		deps.MaxBodySize = DefaultMaxBodySize
	}
	return &Handler{Deps: deps}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}

// fileParams extracts and validates the {prefix} and wildcard path of a file
// route. A shape mismatch is a 404, the same as an unrouted path.
func (h *Handler) fileParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	prefix := chi.URLParam(r, "prefix")
	filePath := chi.URLParam(r, "*")
	if !prefixPattern.MatchString(prefix) || !filePathPattern.MatchString(filePath) {
		writeError(w, http.StatusNotFound, "not found")
		return "", "", false
	}
	return prefix, filePath, true
}

// authorize resolves the Authorization header to a grant. With
// requireOwnership set, non-bypass grants must own the prefix. On failure the
// response has been written and ok is false.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, prefix string, requireOwnership bool) (accounting.Grant, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		writeError(w, http.StatusForbidden, "missing authorization")
		return accounting.Grant{}, false
	}

	grant, err := h.Resolver.Auth(r.Context(), header)
	if err != nil {
		if errors.Is(err, accounting.ErrUserNotFound) {
			writeError(w, http.StatusForbidden, "not authorized")
		} else {
			logger.Error("auth resolution failed", "error", err)
			writeError(w, http.StatusInternalServerError, "auth failed")
		}
		return accounting.Grant{}, false
	}

	if !grant.Bypass && !grant.User.IsActive {
		writeError(w, http.StatusForbidden, "account disabled")
		return accounting.Grant{}, false
	}

	if requireOwnership && !grant.Bypass {
		owned, err := h.DB.HasPrefix(r.Context(), grant.User.UserID, prefix)
		if err != nil {
			logger.Error("prefix ownership check failed", "prefix", prefix, "error", err)
			writeError(w, http.StatusInternalServerError, "database error")
			return accounting.Grant{}, false
		}
		if !owned {
			writeError(w, http.StatusForbidden, "not authorized for prefix")
			return accounting.Grant{}, false
		}
	}
	return grant, true
}

// publish broadcasts a mutation. The write is already durable, so a failed
// publish is logged and swallowed.
func (h *Handler) publish(r *http.Request, event pubsub.Event) {
	if err := h.Bus.Publish(r.Context(), event.Path, event); err != nil {
		logger.Warn("failed to publish event",
			"operation", event.Operation,
			"path", event.Path,
			"error", err,
		)
		return
	}
	h.Metrics.Published()
}
