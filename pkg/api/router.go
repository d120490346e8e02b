// Package api wires the gateway's REST surface: upload lifecycle, asset
// reads, health and Prometheus metrics, served by a chi router with
// graceful shutdown.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/floelabs/floe/internal/logger"
	"github.com/floelabs/floe/pkg/api/handlers"
	"github.com/floelabs/floe/pkg/kv"
	"github.com/floelabs/floe/pkg/metrics"
	"github.com/floelabs/floe/pkg/stream"
	"github.com/floelabs/floe/pkg/upload"
	"github.com/floelabs/floe/pkg/upload/chunkstore"
	"github.com/floelabs/floe/pkg/upload/finalize"
)

// Deps carries everything the routes need. Metrics may be nil.
type Deps struct {
	Store    kv.Store
	Sessions *upload.Service
	Chunks   *chunkstore.Store
	Engine   *finalize.Engine
	Resolver *stream.Resolver
	Stitcher *stream.Stitcher
	Metrics  *metrics.GatewayMetrics

	ExposeBlobID bool
}

// NewRouter creates the chi router with all middleware and routes.
//
// There is deliberately no global timeout middleware: the stream endpoint
// serves arbitrarily large bodies and chunk uploads read arbitrarily slow
// ones. Timeouts live where the duration is known, on the upstream
// clients and the per-segment fetches.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	uploads := handlers.NewUploadHandler(deps.Sessions, deps.Chunks, deps.Engine, deps.Metrics, deps.ExposeBlobID)
	files := handlers.NewFileHandler(deps.Resolver, deps.Stitcher, deps.ExposeBlobID)
	health := handlers.NewHealthHandler(deps.Store)

	r.Get("/health", health.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/uploads", func(r chi.Router) {
			r.Post("/create", uploads.Create)
			r.Route("/{uploadId}", func(r chi.Router) {
				r.Put("/chunk/{index}", uploads.Chunk)
				r.Get("/status", uploads.Status)
				r.Post("/complete", uploads.Complete)
				r.Delete("/", uploads.Cancel)
			})
		})

		r.Route("/files/{fileId}", func(r chi.Router) {
			r.Get("/metadata", files.Metadata)
			r.Get("/manifest", files.Manifest)
			r.Get("/stream", files.Stream)
			r.Head("/stream", files.Stream)
		})
	})

	return r
}

// requestLogger logs requests through the internal logger. Health and
// metrics scrapes log at DEBUG so steady-state probes do not drown the
// request log.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logFn := logger.Info
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			logFn = logger.Debug
		}
		logFn("request completed",
			logger.KeyRequestID, requestID,
			logger.KeyMethod, r.Method,
			logger.KeyRoute, r.URL.Path,
			logger.KeyHTTPCode, ww.Status(),
			logger.KeySizeBytes, ww.BytesWritten(),
			logger.KeyDurationMs, float64(time.Since(start).Milliseconds()),
		)
	})
}
