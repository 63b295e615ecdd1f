// Package router wires the API routes and applies the middleware chain.
package router

import (
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/api/handler"
	apimw "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/api/middleware"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/api/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/middleware"
)

type Options struct {
	Limiter        *ratelimit.Limiter
	Health         *health.Checker
	Metrics        *metrics.Metrics
	AdminKey       string
	RequestTimeout time.Duration
	AllowOrigins   []string
}

// New builds the API handler.
//
// Routes:
//
//	GET    /api/v1/accommodations               paginated documents from the index
//	POST   /api/v1/accommodations               create in the primary store
//	GET    /api/v1/accommodations/{id}          cached document
//	PUT    /api/v1/accommodations/{id}          replace in the primary store
//	DELETE /api/v1/accommodations/{id}          delete from the primary store
//	POST   /api/v1/accommodations/{id}/reviews  add a review
//	POST   /api/v1/reservations                 lock-guarded booking
//	POST   /api/v1/admin/reindex                start a full rebuild
//	GET    /api/v1/admin/reindex                rebuild status
//	GET    /api/v1/admin/verify/{id}            compare index with the store
//	GET    /health/live, /health/ready
//
// Middleware, outermost first:
//
//	RequestID → CORS → RateLimit → Timeout → Metrics → mux
func New(h *handler.Handler, opts Options) http.Handler {
	mux := http.NewServeMux()

	if opts.Health != nil {
		mux.HandleFunc("GET /health/live", opts.Health.LiveHandler())
		mux.HandleFunc("GET /health/ready", opts.Health.ReadyHandler())
	}

	mux.HandleFunc("GET /api/v1/accommodations", h.ListAccommodations)
	mux.HandleFunc("POST /api/v1/accommodations", h.CreateAccommodation)
	mux.HandleFunc("GET /api/v1/accommodations/{id}", h.GetAccommodation)
	mux.HandleFunc("PUT /api/v1/accommodations/{id}", h.UpdateAccommodation)
	mux.HandleFunc("DELETE /api/v1/accommodations/{id}", h.DeleteAccommodation)
	mux.HandleFunc("POST /api/v1/accommodations/{id}/reviews", h.AddReview)
	mux.HandleFunc("POST /api/v1/reservations", h.CreateReservation)

	admin := apimw.AdminKey(opts.AdminKey)
	mux.Handle("POST /api/v1/admin/reindex", admin(http.HandlerFunc(h.StartReindex)))
	mux.Handle("GET /api/v1/admin/reindex", admin(http.HandlerFunc(h.ReindexStatus)))
	mux.Handle("GET /api/v1/admin/verify/{id}", admin(http.HandlerFunc(h.Verify)))

	var chain http.Handler = mux
	chain = pkgmw.Metrics(opts.Metrics)(chain)
	chain = pkgmw.Timeout(opts.RequestTimeout)(chain)
	if opts.Limiter != nil {
		chain = apimw.RateLimit(opts.Limiter)(chain)
	}
	if len(opts.AllowOrigins) > 0 {
		chain = apimw.CORS(opts.AllowOrigins)(chain)
	}
	chain = pkgmw.RequestID(chain)
	return chain
}
