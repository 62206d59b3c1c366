package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/qabelwerk/blockd/internal/logger"
	"github.com/qabelwerk/blockd/pkg/api/handlers"
	"github.com/qabelwerk/blockd/pkg/metrics"
)

// NewRouter wires the chi router. No global timeout middleware: downloads
// stream and websockets are long-lived.
func NewRouter(deps handlers.Deps) http.Handler {
	h := handlers.New(deps)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v0", func(r chi.Router) {
		r.Use(requestMetrics(deps.Metrics))

		r.Route("/files/{prefix}", func(r chi.Router) {
			r.Get("/*", h.Download)
			r.Post("/*", h.Upload)
			r.Delete("/*", h.Delete)
		})

		r.Get("/prefix/", h.ListPrefixes)
		r.Post("/prefix/", h.CreatePrefix)
		r.Get("/quota/", h.Quota)

		r.Get("/websocket/{prefix}", h.SubscribePrefix)
		r.Get("/websocket/{prefix}/*", h.SubscribeFile)
	})

	return r
}

// requestLogger logs request start at debug and completion at info.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Info("request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}

// requestMetrics tracks the in-progress gauge, response time, and per-status
// error counters for the API routes.
func requestMetrics(m *metrics.Gateway) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.RequestStarted()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			m.RequestFinished(time.Since(start).Seconds())
			m.ErrorResponse(ww.Status())
			if ww.Status() == http.StatusForbidden {
				m.AccessDenied()
			}
		})
	}
}
