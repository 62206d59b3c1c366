package handlers

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/qabelwerk/blockd/internal/logger"
	"github.com/qabelwerk/blockd/pkg/accounting"
	"github.com/qabelwerk/blockd/pkg/blob"
	"github.com/qabelwerk/blockd/pkg/bufpool"
	"github.com/qabelwerk/blockd/pkg/pubsub"
	"github.com/qabelwerk/blockd/pkg/quota"
	"github.com/qabelwerk/blockd/pkg/userdb"
)

func trimETag(header string) string {
	return strings.Trim(header, `"`)
}

// Upload implements POST /api/v0/files/{prefix}/{file_path}.
//
// The body is spooled to a temp file while enforcing the byte cap, then the
// If-Match precondition, the quota policy, the store, the size ledger, and
// the broadcast run in that order. The 204 is written as soon as the store
// has committed; ledger and broadcast failures no longer reach the client.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	prefix, filePath, ok := h.fileParams(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if _, err := h.DB.GetPrefixOwner(ctx, prefix); err != nil {
		if errors.Is(err, userdb.ErrPrefixNotFound) {
			writeError(w, http.StatusBadRequest, "no such prefix")
		} else {
			logger.Error("prefix lookup failed", "prefix", prefix, "error", err)
			writeError(w, http.StatusInternalServerError, "database error")
		}
		return
	}

	grant, ok := h.authorize(w, r, prefix, true)
	if !ok {
		return
	}

	so := blob.StorageObject{Prefix: prefix, FilePath: filePath}

	spool, err := os.CreateTemp("", "blockd-spool-*")
	if err != nil {
		logger.Error("failed to create spool file", "error", err)
		writeError(w, http.StatusInternalServerError, "spool failed")
		return
	}
	defer func() {
		spool.Close()
		if err := os.Remove(spool.Name()); err != nil {
			logger.Warn("failed to remove spool file", "path", spool.Name(), "error", err)
		}
	}()

	buf := bufpool.GetCopyBuffer()
	fileSize, err := io.CopyBuffer(spool, io.LimitReader(r.Body, h.MaxBodySize+1), buf)
	bufpool.PutCopyBuffer(buf)
	if err != nil {
		logger.Debug("upload aborted while streaming", "key", so.Key(), "error", err)
		writeError(w, http.StatusInternalServerError, "upload aborted")
		return
	}
	if fileSize > h.MaxBodySize {
		writeError(w, http.StatusBadRequest, "Content-Length too large")
		return
	}
	so.LocalFile = spool.Name()

	meta, metaErr := h.Driver.Meta(ctx, so)
	if metaErr != nil && !errors.Is(metaErr, blob.ErrNotFound) {
		logger.Error("meta lookup failed", "key", so.Key(), "error", metaErr)
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}
	isOverwrite := metaErr == nil

	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" {
		if !isOverwrite {
			writeError(w, http.StatusPreconditionFailed, "precondition failed")
			return
		}
		if meta.ETag != trimETag(ifMatch) {
			w.Header().Set("ETag", meta.ETag)
			writeError(w, http.StatusPreconditionFailed, "precondition failed")
			return
		}
	}

	if !grant.Bypass {
		used, err := h.DB.GetSize(ctx, grant.User.UserID)
		if err != nil {
			logger.Error("size lookup failed", "user_id", grant.User.UserID, "error", err)
			writeError(w, http.StatusInternalServerError, "database error")
			return
		}

		quotaReached := used+fileSize > grant.User.Quota
		oldSize := int64(0)
		if isOverwrite {
			oldSize = meta.Size
		}
		if !quota.Upload(quotaReached, fileSize-oldSize, so.IsBlock(), isOverwrite) {
			writeError(w, http.StatusPaymentRequired, "Quota reached")
			return
		}
	}

	start := time.Now()
	stored, delta, err := h.Driver.Store(ctx, so)
	h.Metrics.ObserveStore(time.Since(start).Seconds())
	if err != nil {
		logger.Error("store failed", "key", so.Key(), "error", err)
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}

	w.Header().Set("ETag", stored.ETag)
	w.WriteHeader(http.StatusNoContent)
	h.Metrics.AddUploadTraffic(fileSize)

	if err := h.DB.UpdateSize(ctx, prefix, delta); err != nil {
		logger.Error("size ledger update failed", "prefix", prefix, "delta", delta, "error", err)
	}
	h.publish(r, pubsub.Event{
		Operation: pubsub.OperationPost,
		Prefix:    prefix,
		Path:      so.Key(),
		ETag:      stored.ETag,
	})
}

// Download implements GET /api/v0/files/{prefix}/{file_path}.
//
// Downloads are unauthenticated; possession of the prefix is the capability.
// The owner's traffic budget is checked before the driver call, and the
// traffic ledger is updated after the body has been streamed.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	prefix, filePath, ok := h.fileParams(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	so := blob.StorageObject{Prefix: prefix, FilePath: filePath}

	owner, err := h.DB.GetPrefixOwner(ctx, prefix)
	switch {
	case err == nil:
		if !h.checkTraffic(w, r, prefix, owner) {
			return
		}
	case errors.Is(err, userdb.ErrPrefixNotFound):
		// Unknown prefix: no budget to check, the retrieve below 404s.
	default:
		logger.Error("prefix lookup failed", "prefix", prefix, "error", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}

	if inm := r.Header.Get("If-None-Match"); inm != "" {
		so.ETag = trimETag(inm)
	}

	start := time.Now()
	result, err := h.Driver.Retrieve(ctx, so)
	h.Metrics.ObserveRetrieve(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
		} else {
			logger.Error("retrieve failed", "key", so.Key(), "error", err)
			writeError(w, http.StatusInternalServerError, "store failed")
		}
		return
	}

	w.Header().Set("ETag", result.ETag)
	if result.Body == nil {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	defer result.Body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(result.Size, 10))
	w.WriteHeader(http.StatusOK)

	buf := bufpool.GetCopyBuffer()
	_, err = io.CopyBuffer(w, result.Body, buf)
	bufpool.PutCopyBuffer(buf)
	if err != nil {
		logger.Debug("download aborted while streaming", "key", so.Key(), "error", err)
		return
	}

	h.Metrics.AddDownloadTraffic(result.Size)
	if err := h.DB.UpdateTraffic(ctx, prefix, result.Size); err != nil {
		logger.Error("traffic ledger update failed", "prefix", prefix, "error", err)
	}
}

// checkTraffic enforces the owner's monthly download budget. Reports false
// after writing the response.
func (h *Handler) checkTraffic(w http.ResponseWriter, r *http.Request, prefix string, owner int64) bool {
	ctx := r.Context()

	traffic, err := h.DB.GetTraffic(ctx, owner)
	if err != nil {
		logger.Error("traffic lookup failed", "user_id", owner, "error", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return false
	}

	user, err := h.Resolver.GetUser(ctx, owner)
	if err != nil {
		if errors.Is(err, accounting.ErrUserNotFound) {
			// Owner unknown to accounting; fall back to the fixed budget.
			if quota.Download(traffic) {
				return true
			}
			writeError(w, http.StatusPaymentRequired, "Quota reached")
			return false
		}
		logger.Error("owner resolution failed", "user_id", owner, "error", err)
		writeError(w, http.StatusInternalServerError, "auth failed")
		return false
	}

	limit := user.TrafficQuota
	if limit <= 0 {
		limit = quota.TrafficThreshold
	}
	if traffic > limit {
		writeError(w, http.StatusPaymentRequired, "Quota reached")
		return false
	}
	return true
}

// Delete implements DELETE /api/v0/files/{prefix}/{file_path}.
// Deleting an absent key is a 204 with no quota delta.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	prefix, filePath, ok := h.fileParams(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if _, err := h.DB.GetPrefixOwner(ctx, prefix); err != nil {
		if errors.Is(err, userdb.ErrPrefixNotFound) {
			writeError(w, http.StatusBadRequest, "no such prefix")
		} else {
			logger.Error("prefix lookup failed", "prefix", prefix, "error", err)
			writeError(w, http.StatusInternalServerError, "database error")
		}
		return
	}

	if _, ok := h.authorize(w, r, prefix, true); !ok {
		return
	}

	so := blob.StorageObject{Prefix: prefix, FilePath: filePath}

	start := time.Now()
	size, err := h.Driver.Delete(ctx, so)
	h.Metrics.ObserveDelete(time.Since(start).Seconds())
	if err != nil {
		logger.Error("delete failed", "key", so.Key(), "error", err)
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)

	if size != 0 {
		if err := h.DB.UpdateSize(ctx, prefix, -size); err != nil {
			logger.Error("size ledger update failed", "prefix", prefix, "delta", -size, "error", err)
		}
	}
	h.publish(r, pubsub.Event{
		Operation: pubsub.OperationDelete,
		Prefix:    prefix,
		Path:      so.Key(),
	})
}
