package handlers

import (
	"net/http"

	"github.com/qabelwerk/blockd/internal/logger"
)

// ListPrefixes implements GET /api/v0/prefix/.
func (h *Handler) ListPrefixes(w http.ResponseWriter, r *http.Request) {
	grant, ok := h.authorize(w, r, "", false)
	if !ok {
		return
	}

	names, err := h.DB.GetPrefixes(r.Context(), grant.User.UserID)
	if err != nil {
		logger.Error("prefix listing failed", "user_id", grant.User.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"prefixes": names})
}

// CreatePrefix implements POST /api/v0/prefix/.
func (h *Handler) CreatePrefix(w http.ResponseWriter, r *http.Request) {
	grant, ok := h.authorize(w, r, "", false)
	if !ok {
		return
	}

	name, err := h.DB.CreatePrefix(r.Context(), grant.User.UserID)
	if err != nil {
		logger.Error("prefix creation failed", "user_id", grant.User.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"prefix": name})
}

// Quota implements GET /api/v0/quota/.
func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	grant, ok := h.authorize(w, r, "", false)
	if !ok {
		return
	}

	size, err := h.DB.GetSize(r.Context(), grant.User.UserID)
	if err != nil {
		logger.Error("size lookup failed", "user_id", grant.User.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"quota": grant.User.Quota,
		"size":  size,
	})
}
