package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Capstone-E1/aquasmart_edge/internal/control"
	"github.com/Capstone-E1/aquasmart_edge/internal/export"
	"github.com/Capstone-E1/aquasmart_edge/internal/models"
	"github.com/Capstone-E1/aquasmart_edge/internal/optimizer"
	"github.com/Capstone-E1/aquasmart_edge/internal/services"
	"github.com/Capstone-E1/aquasmart_edge/internal/store"
	"github.com/Capstone-E1/aquasmart_edge/internal/thresholds"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	maxSampleBody    = 1 << 20
	// OptimizerJob is the scheduler job name of the parameter optimizer
	OptimizerJob = "optimizer"
)

// Dependencies are the components served over HTTP
type Dependencies struct {
	Store     store.Backend
	Ingestor  *services.Ingestor
	Features  control.FeatureSource
	Registry  *thresholds.Registry
	Loop      *control.Loop
	Optimizer *optimizer.Optimizer
	Scheduler *services.Scheduler
	// Alerts serves recent alerts while the journal is unavailable
	Alerts    RecentAlerts
	SiteName  string
	Logger    zerolog.Logger
}

// RecentAlerts is the in-memory alert history of the dispatcher
type RecentAlerts interface {
	Recent(limit int) []models.AlertEvent
}

// Handlers contains all HTTP request handlers
type Handlers struct {
	deps          Dependencies
	parser        *services.SensorParser
	exportService *export.ExportService
	now           func() time.Time
	logger        zerolog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(deps Dependencies) *Handlers {
	return &Handlers{
		deps:          deps,
		parser:        services.NewSensorParser(),
		exportService: export.NewExportService(),
		now:           time.Now,
		logger:        deps.Logger.With().Str("component", "http").Logger(),
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *Handlers) sendResponse(w http.ResponseWriter, statusCode int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(APIResponse{Success: true, Message: message, Data: data}); err != nil {
		h.logger.Warn().Err(err).Msg("failed to write response")
	}
}

func (h *Handlers) sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{Success: false, Error: message})
}

// sendStoreError maps store failures onto HTTP status codes
func (h *Handlers) sendStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrStoreUnavailable) || errors.Is(err, store.ErrClosed) {
		h.sendErrorResponse(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	h.logger.Error().Err(err).Msg("store query failed")
	h.sendErrorResponse(w, "Internal error", http.StatusInternalServerError)
}

// parseLimit reads the limit query parameter
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return min(limit, maxListLimit), nil
}

// parseRange reads the from/to query parameters in RFC3339, defaulting to
// the window ending now
func (h *Handlers) parseRange(r *http.Request, window time.Duration) (time.Time, time.Time, error) {
	to := h.now()
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("Invalid to date format. Use RFC3339 format")
		}
		to = t
	}
	from := to.Add(-window)
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("Invalid from date format. Use RFC3339 format")
		}
		from = t
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, errors.New("from must not be after to")
	}
	return from, to, nil
}

// IngestSamples handles POST requests carrying sensor samples in any of the
// formats accepted on the MQTT sensor topic
func (h *Handlers) IngestSamples(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSampleBody))
	if err != nil {
		h.sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sensorID := r.URL.Query().Get("sensor_id")
	if sensorID == "" {
		sensorID = "http"
	}
	samples, err := h.parser.Parse(body, sensorID)
	if err != nil {
		h.sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	results := h.deps.Ingestor.IngestBatch(r.Context(), samples)
	accepted := 0
	for _, res := range results {
		if err := res.Err(); err != nil {
			var rejected *services.RejectedSample
			if !errors.As(err, &rejected) {
				h.sendStoreError(w, err)
				return
			}
			continue
		}
		accepted++
	}

	h.sendResponse(w, http.StatusAccepted, fmt.Sprintf("%d of %d samples recorded", accepted, len(results)), results)
}

// GetLatestReadings returns the most recent reading of every channel
func (h *Handlers) GetLatestReadings(w http.ResponseWriter, r *http.Request) {
	latest := make(map[models.Channel]models.Reading)
	for _, ch := range models.Channels {
		reading, ok, err := h.deps.Store.Latest(r.Context(), ch)
		if err != nil {
			h.sendStoreError(w, err)
			return
		}
		if ok {
			latest[ch] = reading
		}
	}
	h.sendResponse(w, http.StatusOK, "", latest)
}

// GetChannelReadings returns the readings of one channel in a time range
func (h *Handlers) GetChannelReadings(w http.ResponseWriter, r *http.Request) {
	ch, err := models.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		h.sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	from, to, err := h.parseRange(r, time.Hour)
	if err != nil {
		h.sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	seq, err := h.deps.Store.Query(r.Context(), ch, from, to)
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	readings, err := store.Collect(seq)
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	h.sendResponse(w, http.StatusOK, "", readings)
}

// GetLatestFeatures builds the feature vector as of now
func (h *Handlers) GetLatestFeatures(w http.ResponseWriter, r *http.Request) {
	fv, err := h.deps.Features.Build(r.Context(), h.now())
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	h.sendResponse(w, http.StatusOK, "", fv)
}

// GetLatestRisk returns the assessment of the most recent control cycle
func (h *Handlers) GetLatestRisk(w http.ResponseWriter, r *http.Request) {
	report, ok := h.deps.Loop.LastCycle()
	if !ok || report.Assessment == nil {
		h.sendErrorResponse(w, "No risk assessment available yet", http.StatusNotFound)
		return
	}
	h.sendResponse(w, http.StatusOK, "", report.Assessment)
}

// GetActiveThresholds returns the active thresholds snapshot
func (h *Handlers) GetActiveThresholds(w http.ResponseWriter, r *http.Request) {
	h.sendResponse(w, http.StatusOK, "", h.deps.Registry.Active())
}

// GetThresholdHistory returns every thresholds generation, oldest first
func (h *Handlers) GetThresholdHistory(w http.ResponseWriter, r *http.Request) {
	h.sendResponse(w, http.StatusOK, "", h.deps.Registry.History())
}

// RollbackThresholds reactivates a previous thresholds generation
func (h *Handlers) RollbackThresholds(w http.ResponseWriter, r *http.Request) {
	generation, err := strconv.ParseUint(chi.URLParam(r, "generation"), 10, 64)
	if err != nil {
		h.sendErrorResponse(w, "Invalid generation", http.StatusBadRequest)
		return
	}

	snap, err := h.deps.Registry.Rollback(r.Context(), generation)
	switch {
	case errors.Is(err, thresholds.ErrUnknownGeneration):
		h.sendErrorResponse(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		h.sendStoreError(w, err)
		return
	}
	h.sendResponse(w, http.StatusOK, fmt.Sprintf("Rolled back to generation %d", generation), snap)
}

// GetActuatorCommands returns the most recent actuator commands, newest first
func (h *Handlers) GetActuatorCommands(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	cmds, err := h.deps.Store.RecentCommands(r.Context(), limit)
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	h.sendResponse(w, http.StatusOK, "", cmds)
}

// GetAlerts returns the most recent alerts, newest first
func (h *Handlers) GetAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := h.deps.Store.RecentAlerts(r.Context(), limit)
	if err != nil {
		if h.deps.Alerts == nil {
			h.sendStoreError(w, err)
			return
		}
		h.logger.Warn().Err(err).Msg("journal unavailable, serving alerts from memory")
		h.sendResponse(w, http.StatusOK, "served from memory, journal unavailable", h.deps.Alerts.Recent(limit))
		return
	}
	h.sendResponse(w, http.StatusOK, "", events)
}

// GetControlState returns the control loop state and the actuator status
func (h *Handlers) GetControlState(w http.ResponseWriter, r *http.Request) {
	h.sendResponse(w, http.StatusOK, "", h.deps.Loop.Status())
}

// ResetControl leaves fail-safe once the store and the actuator are healthy
func (h *Handlers) ResetControl(w http.ResponseWriter, r *http.Request) {
	if h.deps.Loop.State() != control.StateFailSafe {
		h.sendResponse(w, http.StatusOK, "Control loop is not in fail-safe", h.deps.Loop.Status())
		return
	}
	if err := h.deps.Loop.Reset(r.Context()); err != nil {
		if errors.Is(err, control.ErrDependencyUnhealthy) {
			h.sendErrorResponse(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		h.sendErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.logger.Info().Str("remote", r.RemoteAddr).Msg("fail-safe reset by operator")
	h.sendResponse(w, http.StatusOK, "Fail-safe cleared", h.deps.Loop.Status())
}

// RunOptimizer starts an optimizer run in the background
func (h *Handlers) RunOptimizer(w http.ResponseWriter, r *http.Request) {
	err := h.deps.Scheduler.Trigger(OptimizerJob)
	switch {
	case errors.Is(err, services.ErrJobRunning):
		h.sendErrorResponse(w, "Optimizer run already in progress", http.StatusConflict)
		return
	case errors.Is(err, services.ErrUnknownJob):
		h.sendErrorResponse(w, "Optimizer is disabled", http.StatusNotFound)
		return
	case err != nil:
		h.sendErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.sendResponse(w, http.StatusAccepted, "Optimizer run started", nil)
}

// GetOptimizerLast returns the result of the most recent optimizer run
func (h *Handlers) GetOptimizerLast(w http.ResponseWriter, r *http.Request) {
	res, ok := h.deps.Optimizer.Last()
	if !ok {
		h.sendErrorResponse(w, "Optimizer has not run yet", http.StatusNotFound)
		return
	}
	h.sendResponse(w, http.StatusOK, "", res)
}

// GetJobExecutions returns the latest execution of every scheduled job
func (h *Handlers) GetJobExecutions(w http.ResponseWriter, r *http.Request) {
	h.sendResponse(w, http.StatusOK, "", h.deps.Scheduler.Executions())
}

// Healthz reports whether the store answers and the loop is out of fail-safe
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"state": h.deps.Loop.State()}
	code := http.StatusOK

	if err := h.deps.Store.Ping(r.Context()); err != nil {
		status["store"] = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		status["store"] = "ok"
	}
	if h.deps.Loop.State() == control.StateFailSafe {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(APIResponse{Success: code == http.StatusOK, Data: status})
}

// exportData gathers the history of a time range for export
func (h *Handlers) exportData(r *http.Request) (export.ExportData, error) {
	from, to, err := h.parseRange(r, 24*time.Hour)
	if err != nil {
		return export.ExportData{}, err
	}

	channels := models.Channels
	if raw := r.URL.Query().Get("channel"); raw != "" {
		ch, err := models.ParseChannel(raw)
		if err != nil {
			return export.ExportData{}, err
		}
		channels = []models.Channel{ch}
	}

	data := export.ExportData{
		ExportMetadata: export.ExportMetadata{
			GeneratedAt: h.now(),
			From:        from,
			To:          to,
			SiteName:    h.deps.SiteName,
		},
	}
	for _, ch := range channels {
		seq, err := h.deps.Store.Query(r.Context(), ch, from, to)
		if err != nil {
			return export.ExportData{}, err
		}
		readings, err := store.Collect(seq)
		if err != nil {
			return export.ExportData{}, err
		}
		data.Readings = append(data.Readings, readings...)
		data.ExportMetadata.Channels = append(data.ExportMetadata.Channels, string(ch))
	}

	if data.Commands, err = h.deps.Store.RecentCommands(r.Context(), 0); err != nil {
		return export.ExportData{}, err
	}
	data.Commands = inRange(data.Commands, from, to, func(c models.ActuatorCommand) time.Time { return c.IssuedAt })
	if data.Alerts, err = h.deps.Store.RecentAlerts(r.Context(), 0); err != nil {
		return export.ExportData{}, err
	}
	data.Alerts = inRange(data.Alerts, from, to, func(a models.AlertEvent) time.Time { return a.RaisedAt })
	data.Thresholds = h.deps.Registry.History()
	return data, nil
}

func inRange[T any](items []T, from, to time.Time, at func(T) time.Time) []T {
	out := items[:0]
	for _, it := range items {
		if t := at(it); !t.Before(from) && !t.After(to) {
			out = append(out, it)
		}
	}
	return out
}

func (h *Handlers) sendExportError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrStoreUnavailable) || errors.Is(err, store.ErrClosed) {
		h.sendStoreError(w, err)
		return
	}
	h.sendErrorResponse(w, err.Error(), http.StatusBadRequest)
}

// ExportHistoryExcel handles GET requests to export the history as a workbook
func (h *Handlers) ExportHistoryExcel(w http.ResponseWriter, r *http.Request) {
	data, err := h.exportData(r)
	if err != nil {
		h.sendExportError(w, err)
		return
	}

	excelFile, err := h.exportService.GenerateExcel(data)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to generate workbook")
		h.sendErrorResponse(w, "Failed to generate Excel file", http.StatusInternalServerError)
		return
	}
	defer excelFile.Close()

	filename := fmt.Sprintf("aquasmart_history_%s_to_%s.xlsx",
		data.ExportMetadata.From.Format("20060102T1504"), data.ExportMetadata.To.Format("20060102T1504"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))

	if err := excelFile.Write(w); err != nil {
		h.logger.Warn().Err(err).Msg("failed to write workbook")
	}
}

// ExportHistoryCSV handles GET requests to export the readings as CSV
func (h *Handlers) ExportHistoryCSV(w http.ResponseWriter, r *http.Request) {
	data, err := h.exportData(r)
	if err != nil {
		h.sendExportError(w, err)
		return
	}

	filename := fmt.Sprintf("aquasmart_readings_%s_to_%s.csv",
		data.ExportMetadata.From.Format("20060102T1504"), data.ExportMetadata.To.Format("20060102T1504"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))

	if err := h.exportService.WriteCSV(w, data.Readings); err != nil {
		h.logger.Warn().Err(err).Msg("failed to write csv")
	}
}
