// Package rest exposes the download lifecycle over a JSON HTTP API.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/isoforge/isoforge/internal/catalog"
	"github.com/isoforge/isoforge/internal/download"
	"github.com/isoforge/isoforge/internal/logctx"
	"github.com/isoforge/isoforge/internal/telemetry"
)

// DownloadService is the lifecycle surface the handlers drive.
type DownloadService interface {
	Start(ctx context.Context, src download.Source) (*download.Record, error)
	Pause(ctx context.Context, id int64) error
	Resume(ctx context.Context, id int64) error
	Cancel(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*download.Record, error)
	List(ctx context.Context, state *download.State) ([]*download.Record, error)
	ClearCompleted(ctx context.Context) (int, error)
	Dismiss(ctx context.Context, id int64) error
}

type startRequest struct {
	OSID       string `json:"os_id"`
	OutputName string `json:"output_name,omitempty"`
}

type downloadResponse struct {
	download.Snapshot

	ID                  int64  `json:"id"`
	OSName              string `json:"os_name,omitempty"`
	OSVersion           string `json:"os_version,omitempty"`
	Category            string `json:"category,omitempty"`
	Architecture        string `json:"architecture,omitempty"`
	Icon                string `json:"icon,omitempty"`
	DownloadedFormatted string `json:"downloaded_formatted"`
	TotalFormatted      string `json:"total_formatted,omitempty"`
	SpeedFormatted      string `json:"speed_formatted"`
	ETAFormatted        string `json:"eta_formatted,omitempty"`
	CreatedAt           string `json:"created_at"`
}

type statsResponse struct {
	Total                    int            `json:"total"`
	ByState                  map[string]int `json:"by_state"`
	Active                   int            `json:"active"`
	TotalDownloadedBytes     int64          `json:"total_downloaded_bytes"`
	TotalDownloadedFormatted string         `json:"total_downloaded_formatted"`
	AggregateSpeed           float64        `json:"aggregate_speed"`
	AggregateSpeedFormatted  string         `json:"aggregate_speed_formatted"`
}

// DownloadsHandler serves the /api/downloads routes.
type DownloadsHandler struct {
	service   DownloadService
	images    catalog.Finder
	telemetry *telemetry.Telemetry
}

// NewDownloadsHandler creates a new downloads handler.
func NewDownloadsHandler(service DownloadService, images catalog.Finder, tel *telemetry.Telemetry) *DownloadsHandler {
	return &DownloadsHandler{service: service, images: images, telemetry: tel}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/start", h.HandleStart)
	r.Get("/", h.HandleList)
	r.Get("/stats", h.HandleStats)
	r.Delete("/completed", h.HandleClearCompleted)
	r.Get("/{id}", h.HandleGet)
	r.Post("/{id}/pause", h.command("pause", func(ctx context.Context, id int64) error {
		return h.service.Pause(ctx, id)
	}))
	r.Post("/{id}/resume", h.command("resume", func(ctx context.Context, id int64) error {
		return h.service.Resume(ctx, id)
	}))
	r.Post("/{id}/cancel", h.command("cancel", func(ctx context.Context, id int64) error {
		return h.service.Cancel(ctx, id)
	}))
	r.Delete("/{id}", h.command("dismiss", func(ctx context.Context, id int64) error {
		return h.service.Dismiss(ctx, id)
	}))

	return r
}

func (h *DownloadsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.OSID == "" {
		http.Error(w, "os_id is required", http.StatusBadRequest)

		return
	}

	img, err := h.images.Lookup(r.Context(), req.OSID)
	if err != nil {
		logger.Warn("image lookup failed", "os_id", req.OSID, "err", err)
		writeError(w, err)

		return
	}

	src := download.Source{
		OSName:            img.Name,
		OSVersion:         img.Version,
		Category:          img.Category,
		Architecture:      img.Architecture,
		Icon:              img.Icon,
		URL:               img.URL,
		Checksum:          img.Checksum,
		ChecksumAlgo:      img.ChecksumAlgo,
		SuggestedFilename: img.SuggestedFilename(),
	}
	if req.OutputName != "" {
		src.SuggestedFilename = req.OutputName
	}

	rec, err := h.service.Start(r.Context(), src)
	if err != nil {
		logger.Error("failed to start download", "os_id", req.OSID, "err", err)
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, toResponse(rec))
}

func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var filter *download.State

	if raw := r.URL.Query().Get("state"); raw != "" {
		state, err := download.ParseState(raw)
		if err != nil {
			writeError(w, err)

			return
		}

		filter = &state
	}

	records, err := h.service.List(r.Context(), filter)
	if err != nil {
		logger.Error("failed to list downloads", "err", err)
		writeError(w, err)

		return
	}

	responses := make([]*downloadResponse, 0, len(records))
	for _, rec := range records {
		responses = append(responses, toResponse(rec))
	}

	writeJSON(w, http.StatusOK, responses)
}

func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		http.Error(w, "invalid download id", http.StatusBadRequest)

		return
	}

	rec, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, toResponse(rec))
}

func (h *DownloadsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	records, err := h.service.List(r.Context(), nil)
	if err != nil {
		logger.Error("failed to list downloads", "err", err)
		writeError(w, err)

		return
	}

	stats := statsResponse{
		Total:   len(records),
		ByState: make(map[string]int),
	}

	for _, rec := range records {
		stats.ByState[string(rec.State)]++
		stats.TotalDownloadedBytes += rec.DownloadedBytes

		if !rec.State.Terminal() {
			stats.Active++
		}

		if rec.State == download.StateDownloading {
			stats.AggregateSpeed += rec.Speed
		}
	}

	stats.TotalDownloadedFormatted = humanize.IBytes(uint64(stats.TotalDownloadedBytes))
	stats.AggregateSpeedFormatted = humanize.IBytes(uint64(stats.AggregateSpeed)) + "/s"

	writeJSON(w, http.StatusOK, stats)
}

func (h *DownloadsHandler) HandleClearCompleted(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	cleared, err := h.service.ClearCompleted(r.Context())
	if err != nil {
		logger.Error("failed to clear completed downloads", "err", err)
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

// command builds a handler for the id-addressed lifecycle verbs, which
// differ only in the service call they make.
func (h *DownloadsHandler) command(name string, fn func(ctx context.Context, id int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := logctx.LoggerFromContext(r.Context())

		id, err := parseID(r)
		if err != nil {
			http.Error(w, "invalid download id", http.StatusBadRequest)

			return
		}

		if err := fn(r.Context(), id); err != nil {
			logger.Warn("command rejected", "command", name, "download_id", id, "err", err)
			writeError(w, err)

			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func parseID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func toResponse(rec *download.Record) *downloadResponse {
	resp := &downloadResponse{
		Snapshot:            rec.Snapshot(),
		ID:                  rec.ID,
		OSName:              rec.Source.OSName,
		OSVersion:           rec.Source.OSVersion,
		Category:            rec.Source.Category,
		Architecture:        rec.Source.Architecture,
		Icon:                rec.Source.Icon,
		DownloadedFormatted: humanize.IBytes(uint64(rec.DownloadedBytes)),
		SpeedFormatted:      humanize.IBytes(uint64(rec.Speed)) + "/s",
		CreatedAt:           rec.CreatedAt.Format(time.RFC3339),
	}

	if rec.TotalBytes != nil {
		resp.TotalFormatted = humanize.IBytes(uint64(*rec.TotalBytes))
	}

	if rec.ETA != nil {
		resp.ETAFormatted = (time.Duration(*rec.ETA) * time.Second).String()
	}

	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var (
		invalidTransition *download.InvalidTransitionError
		notFound          *download.NotFoundError
		imageNotFound     *catalog.NotFoundError
		invalidState      *download.InvalidStateError
	)

	switch {
	case errors.As(err, &invalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &notFound), errors.As(err, &imageNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &invalidState):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("internal error: %s", err)})
	}
}
