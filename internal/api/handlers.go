package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hacolby/scout/internal/intake"
	"github.com/hacolby/scout/internal/metrics"
	"github.com/hacolby/scout/internal/scout"
)

func (s *Server) enqueueItem(w http.ResponseWriter, r *http.Request) {
	var req scout.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	item, err := s.stores.Queue.Enqueue(r.Context(), req)
	if err != nil {
		if scout.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error(), s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "enqueue failed", s.logger)
		return
	}
	metrics.ObserveEnqueue(item.Source)
	writeJSON(w, http.StatusCreated, map[string]any{"item": item}, s.logger)
}

// claimPending atomically claims the next batch for the caller. The optional
// max_age_hours parameter widens eligibility to claimed items with expired
// leases, so a crashed worker's items eventually flow again.
func (s *Server) claimPending(w http.ResponseWriter, r *http.Request) {
	limit := s.claimLimit(r)
	staleAfter, err := staleWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	items, err := s.stores.Queue.ClaimBatch(r.Context(), limit, staleAfter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "claim failed", s.logger)
		return
	}
	consumer := r.URL.Query().Get("consumer")
	if consumer == "" {
		consumer = "worker"
	}
	metrics.ObserveClaims(consumer, len(items))
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	}, s.logger)
}

// peekPending lists claimable items without claiming them.
func (s *Server) peekPending(w http.ResponseWriter, r *http.Request) {
	limit := s.claimLimit(r)
	items, err := s.stores.Queue.ListPending(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed", s.logger)
		return
	}
	pending, err := s.stores.Queue.PendingCount(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":         items,
		"pending_count": pending,
	}, s.logger)
}

type outcomeRequest struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	// Older workers sent "error"; keep accepting it.
	ErrorAlias string `json:"error"`
}

func (r outcomeRequest) errorText() string {
	if r.ErrorMessage != "" {
		return r.ErrorMessage
	}
	return r.ErrorAlias
}

func (s *Server) reportOutcome(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "item_id")
	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	status := scout.ItemStatus(req.Status)
	if !status.Terminal() {
		writeError(w, http.StatusBadRequest, "status must be completed or failed", s.logger)
		return
	}
	owned, err := s.stores.Queue.ReportOutcome(r.Context(), itemID, status, req.errorText())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "report failed", s.logger)
		return
	}
	metrics.ObserveReport(string(status), owned)
	if !owned {
		// The item is unknown, already resolved, or was reclaimed by
		// another worker. Late reports are acknowledged, not errors.
		s.logger.Info("outcome report ignored",
			zap.String("item_id", itemID),
			zap.String("status", string(status)),
		)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"item_id": itemID,
		"status":  status,
		"updated": owned,
	}, s.logger)
}

// submitBatch accepts a single submission object or an array, normalizes the
// field synonyms, enqueues them, and runs a bounded intake pass inline so the
// caller's response reflects fresh queue state.
func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	raws, err := decodeBatch(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if len(raws) == 0 {
		writeError(w, http.StatusBadRequest, "empty batch", s.logger)
		return
	}

	queued := 0
	var failures []string
	for _, raw := range raws {
		sub, err := intake.NormalizeSubmission(raw)
		if err != nil {
			failures = append(failures, err.Error())
			continue
		}
		if _, err := s.stores.Intake.EnqueueSubmission(r.Context(), sub); err != nil {
			s.logger.Error("enqueue submission", zap.Error(err))
			failures = append(failures, "enqueue failed")
			continue
		}
		queued++
	}

	result, err := s.runner.ProcessIntakeQueue(r.Context(), s.cfg.Intake.MaxPerBatch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "intake processing failed", s.logger)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"queued":       queued,
		"failed":       len(failures),
		"errors":       failures,
		"queue_status": result,
	}, s.logger)
}

// decodeBatch accepts one JSON object, an array of objects, or the cron
// scraper's {"jobs": [...]} wrapper.
func decodeBatch(body io.Reader) ([]map[string]any, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.New("read body failed")
	}
	var many []map[string]any
	if err := json.Unmarshal(data, &many); err == nil {
		return many, nil
	}
	var one map[string]any
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, errors.New("invalid JSON")
	}
	if wrapped, ok := one["jobs"].([]any); ok {
		jobs := make([]map[string]any, 0, len(wrapped))
		for _, entry := range wrapped {
			if m, ok := entry.(map[string]any); ok {
				jobs = append(jobs, m)
			}
		}
		return jobs, nil
	}
	return []map[string]any{one}, nil
}

type startMonitoringRequest struct {
	JobID         string  `json:"job_id"`
	URL           string  `json:"url"`
	IntervalHours float64 `json:"interval_hours"`
}

func (s *Server) startMonitoring(w http.ResponseWriter, r *http.Request) {
	var req startMonitoringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	interval := time.Duration(req.IntervalHours * float64(time.Hour))
	nextCheck, err := s.monitor.StartMonitoring(r.Context(), req.JobID, req.URL, interval)
	if err != nil {
		if scout.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error(), s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "start monitoring failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":     req.JobID,
		"status":     scout.MonitorStatusMonitoring,
		"next_check": nextCheck,
	}, s.logger)
}

type checkRequest struct {
	JobID string `json:"job_id"`
}

func (s *Server) runCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		writeError(w, http.StatusBadRequest, "missing job_id", s.logger)
		return
	}
	snap, err := s.monitor.RunCheck(r.Context(), req.JobID)
	if err != nil {
		if errors.Is(err, scout.ErrPostingNotFound) {
			writeError(w, http.StatusNotFound, "posting not found", s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "check failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, snap, s.logger)
}

func (s *Server) monitoringStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.monitor.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, report, s.logger)
}

func (s *Server) postingStatus(w http.ResponseWriter, r *http.Request) {
	postingID := chi.URLParam(r, "posting_id")
	snap, err := s.monitor.GetStatus(r.Context(), postingID)
	if err != nil {
		if errors.Is(err, scout.ErrPostingNotFound) {
			writeError(w, http.StatusNotFound, "posting not found", s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "status failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, snap, s.logger)
}

// dispatch relays the request body verbatim to every connected worker.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil || len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty message", s.logger)
		return
	}
	if !json.Valid(data) {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	delivered := s.hub.Dispatch(data)
	writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered}, s.logger)
}

func (s *Server) socketStatus(w http.ResponseWriter, r *http.Request) {
	timeout := s.cfg.HeartbeatTimeout()
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			writeError(w, http.StatusBadRequest, "timeout must be a positive integer", s.logger)
			return
		}
		timeout = time.Duration(secs) * time.Second
	}
	writeJSON(w, http.StatusOK, s.hub.GetStatus(timeout), s.logger)
}

func (s *Server) claimLimit(r *http.Request) int {
	limit := s.cfg.Queue.DefaultClaimLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > s.cfg.Queue.MaxClaimLimit {
		limit = s.cfg.Queue.MaxClaimLimit
	}
	return limit
}

// staleWindow parses max_age_hours. Zero means never reclaim claimed items.
func staleWindow(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("max_age_hours")
	if raw == "" {
		return 0, nil
	}
	hours, err := strconv.ParseFloat(raw, 64)
	if err != nil || hours <= 0 {
		return 0, errors.New("max_age_hours must be a positive number")
	}
	return time.Duration(hours * float64(time.Hour)), nil
}
