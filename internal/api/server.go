// Package api is the thin HTTP boundary in front of the dispatch core.
// Authentication, rate limiting and transport hardening live outside the
// relay; handlers here only translate HTTP to core calls and back.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/fieldsight/takrelay/internal/audit"
	"github.com/fieldsight/takrelay/internal/detection"
	"github.com/fieldsight/takrelay/internal/dispatch"
	"github.com/fieldsight/takrelay/internal/hold"
	"github.com/fieldsight/takrelay/internal/monitoring"
	"github.com/fieldsight/takrelay/internal/queue"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxBodyBytes bounds inbound payloads; detections are small.
const maxBodyBytes = 64 * 1024

// Server exposes the relay over HTTP.
type Server struct {
	dispatcher *dispatch.Dispatcher
	queue      *queue.Queue
	holds      *hold.Store
	audit      *audit.Log
	metrics    *monitoring.Metrics
}

// NewServer wires the HTTP boundary.
func NewServer(d *dispatch.Dispatcher, q *queue.Queue, h *hold.Store, a *audit.Log, m *monitoring.Metrics) *Server {
	return &Server{dispatcher: d, queue: q, holds: h, audit: a, metrics: m}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the route table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/detections", s.ingestDetection)
	mux.HandleFunc("/api/queue", s.showQueueStats)
	mux.HandleFunc("/api/queue/failed", s.listFailed)
	mux.HandleFunc("/api/queue/requeue", s.requeueFailed)
	mux.HandleFunc("/api/holds", s.listHolds)
	mux.HandleFunc("/api/holds/release", s.releaseHold)
	mux.HandleFunc("/api/audit", s.showAuditTrail)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ingestResponse is the synchronous answer to the ingestion caller: an
// immediate success, a queued acknowledgment, or a rejection with a reason
// code. Never a silent drop.
type ingestResponse struct {
	DetectionID string `json:"detection_id"`
	State       string `json:"state"`
	Tier        string `json:"tier,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (s *Server) ingestDetection(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Failed to read body")
		return
	}

	if err := detection.CheckRecordJSON(body); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	var rec detection.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Malformed detection record")
		return
	}
	det, err := detection.FromRecord(rec)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := s.dispatcher.Process(r.Context(), det)
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			s.writeJSONError(w, http.StatusTooManyRequests, "Delivery queue is full")
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to process detection: %v", err))
		return
	}

	resp := ingestResponse{
		DetectionID: det.ID.String(),
		State:       string(outcome.State),
		Tier:        string(outcome.Classification.Tier),
		Reason:      outcome.Reason,
	}
	switch outcome.State {
	case dispatch.StateDelivered:
		w.WriteHeader(http.StatusOK)
	case dispatch.StateQueued:
		w.WriteHeader(http.StatusAccepted)
	case dispatch.StateRejectedValidation:
		w.WriteHeader(http.StatusUnprocessableEntity)
	default:
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}

type queueStats struct {
	Size         int `json:"size"`
	StalePending int `json:"stale_pending"`
	Failed       int `json:"failed_permanent"`
	OpenHolds    int `json:"open_holds"`
}

func (s *Server) showQueueStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	size, err := s.queue.Size(r.Context())
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read queue size: %v", err))
		return
	}
	stale, err := s.queue.PendingOlderThan(r.Context(), 10*time.Minute)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read stale entries: %v", err))
		return
	}
	failed, err := s.queue.FailedPermanent(r.Context(), 10000)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read failed entries: %v", err))
		return
	}
	holds, err := s.holds.CountOpen(r.Context())
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to count holds: %v", err))
		return
	}

	json.NewEncoder(w).Encode(queueStats{
		Size:         size,
		StalePending: len(stale),
		Failed:       len(failed),
		OpenHolds:    holds,
	})
}

type failedEntryAPI struct {
	DetectionID string    `json:"detection_id"`
	RetryCount  int       `json:"retry_count"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	LastAttempt time.Time `json:"last_attempt"`
	LastError   string    `json:"last_error"`
}

func (s *Server) listFailed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	entries, err := s.queue.FailedPermanent(r.Context(), 100)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list entries: %v", err))
		return
	}
	out := make([]failedEntryAPI, len(entries))
	for i, e := range entries {
		out[i] = failedEntryAPI{
			DetectionID: e.DetectionID,
			RetryCount:  e.RetryCount,
			EnqueuedAt:  e.EnqueuedAt,
			LastAttempt: e.LastAttempt,
			LastError:   e.LastError,
		}
	}
	json.NewEncoder(w).Encode(out)
}

func (s *Server) requeueFailed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id := r.FormValue("detection_id")
	operator := r.FormValue("operator")
	if id == "" || operator == "" {
		s.writeJSONError(w, http.StatusBadRequest, "detection_id and operator are required")
		return
	}

	if err := s.queue.Requeue(r.Context(), id, operator); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "No permanently failed entry with that id")
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to requeue: %v", err))
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"detection_id": id, "state": "PENDING"})
}

type holdAPI struct {
	DetectionID string    `json:"detection_id"`
	Reason      string    `json:"reason"`
	Detail      string    `json:"detail,omitempty"`
	HeldAt      time.Time `json:"held_at"`
}

func (s *Server) listHolds(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	holds, err := s.holds.Open(r.Context(), 100)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list holds: %v", err))
		return
	}
	out := make([]holdAPI, len(holds))
	for i, h := range holds {
		out[i] = holdAPI{
			DetectionID: h.DetectionID,
			Reason:      h.Reason,
			Detail:      h.Detail,
			HeldAt:      h.HeldAt,
		}
	}
	json.NewEncoder(w).Encode(out)
}

func (s *Server) releaseHold(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id := r.FormValue("detection_id")
	operator := r.FormValue("operator")
	if id == "" || operator == "" {
		s.writeJSONError(w, http.StatusBadRequest, "detection_id and operator are required")
		return
	}

	outcome, err := s.dispatcher.Release(r.Context(), id, operator)
	if err != nil {
		if errors.Is(err, hold.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "No open hold with that id")
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to release hold: %v", err))
		return
	}
	json.NewEncoder(w).Encode(ingestResponse{
		DetectionID: id,
		State:       string(outcome.State),
		Tier:        string(outcome.Classification.Tier),
		Reason:      outcome.Reason,
	})
}

type auditEventAPI struct {
	Type       string    `json:"type"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (s *Server) showAuditTrail(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id := r.URL.Query().Get("detection_id")
	if id == "" {
		s.writeJSONError(w, http.StatusBadRequest, "detection_id is required")
		return
	}

	events, err := s.audit.History(r.Context(), id)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read audit trail: %v", err))
		return
	}
	out := make([]auditEventAPI, len(events))
	for i, e := range events {
		out[i] = auditEventAPI{Type: string(e.Type), Detail: e.Detail, RecordedAt: e.RecordedAt}
	}
	json.NewEncoder(w).Encode(out)
}
