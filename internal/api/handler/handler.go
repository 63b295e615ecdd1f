// Package handler implements the accommodation API's HTTP endpoints.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/booking"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/indexsync"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/paginator"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Accommodations is the writable primary store.
type Accommodations interface {
	CreateAccommodation(ctx context.Context, a store.Accommodation) (int64, error)
	UpdateAccommodation(ctx context.Context, id int64, a store.Accommodation) error
	DeleteAccommodation(ctx context.Context, id int64) error
	AddReview(ctx context.Context, r store.Review) (store.Review, error)
}

type Reserver interface {
	Reserve(ctx context.Context, req booking.Request) (store.Reservation, error)
}

// Synchronizer runs index maintenance.
type Synchronizer interface {
	Rebuild(ctx context.Context, concurrency int) (indexsync.RebuildStats, error)
	Verify(ctx context.Context, id int64) (bool, error)
}

type Deps struct {
	Documents      index.Reader
	Accommodations Accommodations
	Bookings       Reserver
	Sync           Synchronizer
	Pager          *paginator.Paginator
	// Background outlives requests; admin rebuilds run under it.
	Background         context.Context
	RebuildConcurrency int
}

type Handler struct {
	deps   Deps
	logger *slog.Logger

	rebuildMu sync.Mutex
	rebuild   rebuildStatus
}

type rebuildStatus struct {
	Running    bool                    `json:"running"`
	StartedAt  *time.Time              `json:"started_at,omitempty"`
	FinishedAt *time.Time              `json:"finished_at,omitempty"`
	Stats      *indexsync.RebuildStats `json:"stats,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

func New(deps Deps) *Handler {
	if deps.Background == nil {
		deps.Background = context.Background()
	}
	return &Handler{
		deps:   deps,
		logger: slog.Default().With("component", "api-handler"),
	}
}

type listResponse struct {
	Items      []index.Document `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// ListAccommodations pages through the index in id order.
func (h *Handler) ListAccommodations(w http.ResponseWriter, r *http.Request) {
	req, err := h.deps.Pager.ParseRequest(r.URL.Query())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	page, err := paginator.NextPage(r.Context(), h.deps.Pager, req, h.deps.Documents.ListAfter,
		func(d index.Document) int64 { return d.ID })
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	items := page.Items
	if items == nil {
		items = []index.Document{}
	}
	h.writeJSON(w, http.StatusOK, listResponse{Items: items, NextCursor: page.Next})
}

func (h *Handler) GetAccommodation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	doc, err := h.deps.Documents.Get(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) CreateAccommodation(w http.ResponseWriter, r *http.Request) {
	var body store.Accommodation
	if !h.decode(w, r, &body) {
		return
	}
	id, err := h.deps.Accommodations.CreateAccommodation(r.Context(), body)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (h *Handler) UpdateAccommodation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var body store.Accommodation
	if !h.decode(w, r, &body) {
		return
	}
	if err := h.deps.Accommodations.UpdateAccommodation(r.Context(), id, body); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteAccommodation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.deps.Accommodations.DeleteAccommodation(r.Context(), id); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) AddReview(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var body store.Review
	if !h.decode(w, r, &body) {
		return
	}
	body.AccommodationID = id
	review, err := h.deps.Accommodations.AddReview(r.Context(), body)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, review)
}

// CreateReservation answers 409 both when the dates are taken and when
// another request is booking the same range right now.
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var body booking.Request
	if !h.decode(w, r, &body) {
		return
	}
	res, err := h.deps.Bookings.Reserve(r.Context(), body)
	if errors.Is(err, apperrors.ErrLockBusy) {
		err = apperrors.New(apperrors.ErrDatesUnavailable, http.StatusConflict, "dates unavailable")
	}
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, res)
}

// StartReindex launches a full rebuild in the background. Only one runs at
// a time per instance.
func (h *Handler) StartReindex(w http.ResponseWriter, r *http.Request) {
	h.rebuildMu.Lock()
	if h.rebuild.Running {
		status := h.rebuild
		h.rebuildMu.Unlock()
		h.writeJSON(w, http.StatusConflict, status)
		return
	}
	now := time.Now().UTC()
	h.rebuild = rebuildStatus{Running: true, StartedAt: &now}
	status := h.rebuild
	h.rebuildMu.Unlock()

	ctx := logger.WithRequestID(h.deps.Background, logger.RequestID(r.Context()))
	go h.runRebuild(ctx)
	h.writeJSON(w, http.StatusAccepted, status)
}

func (h *Handler) runRebuild(ctx context.Context) {
	stats, err := h.deps.Sync.Rebuild(ctx, h.deps.RebuildConcurrency)
	done := time.Now().UTC()

	h.rebuildMu.Lock()
	defer h.rebuildMu.Unlock()
	h.rebuild.Running = false
	h.rebuild.FinishedAt = &done
	h.rebuild.Stats = &stats
	if err != nil {
		h.rebuild.Error = err.Error()
		logger.FromContext(ctx).Error("admin rebuild failed", "error", err)
	}
}

func (h *Handler) ReindexStatus(w http.ResponseWriter, r *http.Request) {
	h.rebuildMu.Lock()
	status := h.rebuild
	h.rebuildMu.Unlock()
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	inSync, err := h.deps.Sync.Verify(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"id": id, "in_sync": inSync})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeErr(w, r, fmt.Errorf("%w: id must be a positive integer", apperrors.ErrInvalidInput))
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeErr(w, r, fmt.Errorf("%w: invalid JSON body: %v", apperrors.ErrInvalidInput, err))
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeErr maps err onto its status. Server-side failures are logged and
// their details withheld from the client.
func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	message := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "status", status, "error", err)
		message = http.StatusText(status)
	}
	h.writeJSON(w, status, map[string]string{"error": message})
}
