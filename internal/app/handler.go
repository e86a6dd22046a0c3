package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/docker/go-units"
	"github.com/fxnlabs/rdna/internal/gpu"
	"github.com/fxnlabs/rdna/internal/memory"
	"github.com/fxnlabs/rdna/internal/metrics"
	"github.com/fxnlabs/rdna/internal/report"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler serves device and allocator state over HTTP.
type Handler struct {
	devices *gpu.Manager
	mem     *memory.Manager
	reg     *prometheus.Registry
	logger  *zap.Logger
}

func NewHandler(devices *gpu.Manager, mem *memory.Manager, reg *prometheus.Registry, logger *zap.Logger) *Handler {
	return &Handler{
		devices: devices,
		mem:     mem,
		reg:     reg,
		logger:  logger.Named("http"),
	}
}

// Routes returns the mux with every endpoint registered.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, metrics.Middleware(fn, pattern, h.logger))
	}

	handle("GET /healthz", h.healthz)
	handle("GET /v1/devices", h.listDevices)
	handle("GET /v1/memory/{device}", h.memoryStats)
	handle("GET /v1/memory/{device}/summary", h.memorySummary)
	handle("POST /v1/memory/{device}/empty_cache", h.emptyCache)
	handle("PUT /v1/memory/{device}/cache_limit", h.setCacheLimit)

	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer, h.reg}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))
	return mux
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"backend": h.devices.GetBackendType(),
		"devices": h.devices.DeviceInfos(),
	})
}

// allocator resolves the {device} path value, writing the error response
// itself when it fails.
func (h *Handler) allocator(w http.ResponseWriter, r *http.Request) (*memory.Allocator, bool) {
	device, err := strconv.Atoi(r.PathValue("device"))
	if err != nil || device < 0 {
		h.writeError(w, http.StatusBadRequest, "device must be a non-negative integer")
		return nil, false
	}
	if device >= h.devices.DeviceCount() {
		h.writeError(w, http.StatusNotFound, "no such device")
		return nil, false
	}
	a, err := h.mem.Allocator(device)
	if err != nil {
		h.logger.Error("failed to open allocator", zap.Int("device", device), zap.Error(err))
		h.writeError(w, statusFor(err), err.Error())
		return nil, false
	}
	return a, true
}

func (h *Handler) buildSummary(w http.ResponseWriter, r *http.Request) (report.Summary, bool) {
	a, ok := h.allocator(w, r)
	if !ok {
		return report.Summary{}, false
	}
	total, err := a.TotalMemory()
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return report.Summary{}, false
	}
	free, err := a.FreeMemory()
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return report.Summary{}, false
	}
	return report.Build(a.Snapshot(), total, free), true
}

func (h *Handler) memoryStats(w http.ResponseWriter, r *http.Request) {
	summary, ok := h.buildSummary(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) memorySummary(w http.ResponseWriter, r *http.Request) {
	summary, ok := h.buildSummary(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(summary.String()))
}

func (h *Handler) emptyCache(w http.ResponseWriter, r *http.Request) {
	a, ok := h.allocator(w, r)
	if !ok {
		return
	}
	before := a.Stats().CachedBytes
	if err := a.EmptyCache(); err != nil {
		h.logger.Error("failed to empty cache", zap.Int("device", a.Device()), zap.Error(err))
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	after := a.Stats()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"device":        a.Device(),
		"releasedBytes": before - after.CachedBytes,
		"stats":         after,
	})
}

type cacheLimitRequest struct {
	// Limit is a size in human units, e.g. "512MiB".
	Limit string `json:"limit"`
}

func (h *Handler) setCacheLimit(w http.ResponseWriter, r *http.Request) {
	a, ok := h.allocator(w, r)
	if !ok {
		return
	}
	var req cacheLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	limit, err := units.RAMInBytes(req.Limit)
	if err != nil || limit < 0 {
		h.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if err := a.SetCacheSizeLimit(uint64(limit)); err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	h.logger.Info("cache limit changed", zap.Int("device", a.Device()), zap.Int64("limit", limit))
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"device":         a.Device(),
		"cacheSizeLimit": a.CacheSizeLimit(),
		"stats":          a.Stats(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gpu.ErrNoDevice):
		return http.StatusNotFound
	case errors.Is(err, memory.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
