/*
handlers.go - HTTP API handlers for the country service

PURPOSE:
  Exposes the country store, the refresh engine and the summary image
  via REST API. Handles HTTP request/response and JSON serialization,
  and delegates to domain logic.

ENDPOINTS:
  Countries:
    GET    /api/countries              List (region, currency, sort filters)
    GET    /api/countries/{name}       Get one country (case-insensitive)
    DELETE /api/countries/{name}       Delete one country
    POST   /api/countries/refresh      Run a refresh
    GET    /api/countries/image        Cached summary image (PNG)

  Status:
    GET    /api/status                 Total countries and last refresh
    GET    /api/refresh/logs           Refresh audit trail, newest first

  Operations:
    GET    /health                     Database ping

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input
  - 404: Country or image not found
  - 503: Upstream data source unavailable
  - 500: Internal errors (generic message, cause only in logs)

CONCURRENT REFRESHES:
  Simultaneous POST /api/countries/refresh calls share one run through
  singleflight. Every caller gets the same result.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/warp/country-engine/country"
)

const (
	defaultLogLimit = 20
	maxLogLimit     = 500
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Refresher runs one refresh.
type Refresher interface {
	Refresh(ctx context.Context) (*country.RefreshResult, error)
}

// ImageSource serves the cached summary image.
type ImageSource interface {
	Image() ([]byte, error)
	GeneratedAt() time.Time
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     country.Store
	Refresher Refresher
	Images    ImageSource

	log       *zap.Logger
	refreshes singleflight.Group
}

// NewHandler creates a new handler. log may be nil.
func NewHandler(store country.Store, refresher Refresher, images ImageSource, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Store:     store,
		Refresher: refresher,
		Images:    images,
		log:       log.Named("api"),
	}
}

// =============================================================================
// COUNTRY HANDLERS
// =============================================================================

// ListCountries returns countries matching the query filters.
func (h *Handler) ListCountries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := country.Filter{
		Region:   q.Get("region"),
		Currency: q.Get("currency"),
		Sort:     country.ParseSort(q.Get("sort")),
	}

	countries, err := h.Store.ListCountries(r.Context(), filter)
	if err != nil {
		h.internalError(w, "list countries", err)
		return
	}

	writeJSON(w, http.StatusOK, toCountryDTOs(countries))
}

// GetCountry returns one country by case-insensitive name.
func (h *Handler) GetCountry(w http.ResponseWriter, r *http.Request) {
	name, ok := countryName(w, r)
	if !ok {
		return
	}

	c, err := h.Store.GetCountry(r.Context(), name)
	if errors.Is(err, country.ErrCountryNotFound) {
		writeError(w, http.StatusNotFound, "Country not found", nil)
		return
	}
	if err != nil {
		h.internalError(w, "get country", err, zap.String("country", name))
		return
	}

	writeJSON(w, http.StatusOK, toCountryDTO(*c))
}

// DeleteCountry removes one country by case-insensitive name.
func (h *Handler) DeleteCountry(w http.ResponseWriter, r *http.Request) {
	name, ok := countryName(w, r)
	if !ok {
		return
	}

	err := h.Store.DeleteCountry(r.Context(), name)
	if errors.Is(err, country.ErrCountryNotFound) {
		writeError(w, http.StatusNotFound, "Country not found", nil)
		return
	}
	if err != nil {
		h.internalError(w, "delete country", err, zap.String("country", name))
		return
	}

	h.log.Info("country deleted", zap.String("country", name))
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Country deleted successfully"})
}

// countryName extracts the {name} path parameter, writing 400 if blank.
func countryName(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "name")
	name, err := url.PathUnescape(raw)
	if err != nil {
		name = raw
	}
	if strings.TrimSpace(name) == "" {
		writeError(w, http.StatusBadRequest, "Country name is required", nil)
		return "", false
	}
	return name, true
}

// =============================================================================
// REFRESH HANDLERS
// =============================================================================

// RefreshCountries runs a refresh, or joins the one already running.
func (h *Handler) RefreshCountries(w http.ResponseWriter, r *http.Request) {
	// The shared run must outlive any single caller's connection.
	ctx := context.WithoutCancel(r.Context())

	v, err, shared := h.refreshes.Do("refresh", func() (any, error) {
		return h.Refresher.Refresh(ctx)
	})
	result, _ := v.(*country.RefreshResult)

	switch {
	case err == nil && result != nil:
		h.log.Info("refresh request served",
			zap.Bool("shared", shared),
			zap.Int("processed", result.CountriesProcessed),
		)
		writeJSON(w, http.StatusOK, RefreshResponse{
			Message:   "Countries refreshed successfully",
			Processed: result.CountriesProcessed,
			Updated:   result.CountriesUpdated,
			Created:   result.CountriesCreated,
			Warnings:  nonNil(result.Warnings),
		})
	case errors.Is(err, country.ErrUpstreamUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error(), nil)
	default:
		h.internalError(w, "refresh", err)
	}
}

// ListRefreshLogs returns the newest audit rows.
func (h *Handler) ListRefreshLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = min(n, maxLogLimit)
	}

	logs, err := h.Store.ListRefreshLogs(r.Context(), limit)
	if err != nil {
		h.internalError(w, "list refresh logs", err)
		return
	}

	writeJSON(w, http.StatusOK, toRefreshLogDTOs(logs))
}

// =============================================================================
// SUMMARY HANDLERS
// =============================================================================

// GetSummaryImage serves the cached PNG.
func (h *Handler) GetSummaryImage(w http.ResponseWriter, r *http.Request) {
	img, err := h.Images.Image()
	if errors.Is(err, country.ErrImageNotFound) {
		writeError(w, http.StatusNotFound, "Summary image not found", nil)
		return
	}
	if err != nil {
		h.internalError(w, "get summary image", err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", `inline; filename="summary.png"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(img)))
	if at := h.Images.GeneratedAt(); !at.IsZero() {
		w.Header().Set("Last-Modified", at.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(img)
}

// GetStatus reports the country count and the last successful refresh.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	total, err := h.Store.CountCountries(ctx)
	if err != nil {
		h.internalError(w, "count countries", err)
		return
	}
	last, err := h.Store.LastSuccessfulRefresh(ctx)
	if err != nil {
		h.internalError(w, "last successful refresh", err)
		return
	}

	resp := StatusDTO{TotalCountries: total}
	if last != nil {
		s := formatTime(*last)
		resp.LastRefreshedAt = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health pings the database.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		h.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, HealthDTO{Status: "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, HealthDTO{Status: "healthy"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an ErrorResponse. err is only echoed for client errors.
func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil && status < http.StatusInternalServerError {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// internalError logs the cause and writes a generic 500.
func (h *Handler) internalError(w http.ResponseWriter, op string, err error, fields ...zap.Field) {
	h.log.Error(op+" failed", append(fields, zap.Error(err))...)
	msg := "Internal server error"
	if errors.Is(err, country.ErrRefreshFailed) {
		msg = "Internal server error during refresh"
	}
	writeError(w, http.StatusInternalServerError, msg, nil)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
