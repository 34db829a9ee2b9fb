package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/relaycrm/campaign-engine/internal/metrics"
	"github.com/relaycrm/campaign-engine/internal/store"
	"github.com/relaycrm/campaign-engine/pkg/types"
)

// StreamAttempts handles GET /api/v1/enrollments/{id}/attempts/stream
// It streams execution attempts over Server-Sent Events. Clients resume
// with the Last-Event-ID header.
func (h *Handlers) StreamAttempts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	enrollmentID := mux.Vars(r)["id"]
	startTime := time.Now()

	requestID := GetRequestID(ctx, r)

	metrics.SSEActiveConnections.Inc()
	defer metrics.SSEActiveConnections.Dec()

	h.logger.Info("SSE connection opened",
		slog.String("enrollment_id", enrollmentID),
		slog.String("request_id", requestID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	if _, err := h.enrs.Get(ctx, enrollmentID); err != nil {
		if errors.Is(err, store.ErrEnrollmentNotFound) {
			h.respondError(w, http.StatusNotFound, "enrollment not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get enrollment", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	lastEventID := r.Header.Get("Last-Event-ID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}
	flusher.Flush()

	h.writeComment(w, flusher, "stream start")

	// Replay history from the resume point before tailing live attempts.
	history, err := h.enrs.Attempts(ctx, enrollmentID, lastEventID)
	if err != nil {
		h.logger.Error("failed to read attempt history", "error", err, "enrollment_id", enrollmentID)
	} else {
		for _, a := range history {
			h.writeSSE(w, flusher, a)
		}
	}

	attemptCh, cleanup, err := h.enrs.Subscribe(ctx, enrollmentID)
	if err != nil {
		h.logger.Error("failed to subscribe to attempts", "error", err, "enrollment_id", enrollmentID)
		return
	}
	defer cleanup()

	done := r.Context().Done()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			h.logger.Info("SSE connection closed",
				slog.String("enrollment_id", enrollmentID),
				slog.String("request_id", requestID),
				slog.Duration("duration", time.Since(startTime)),
				slog.String("reason", "client_disconnect"),
			)
			return

		case a, ok := <-attemptCh:
			if !ok {
				h.writeComment(w, flusher, "stream end")
				h.logger.Info("SSE connection closed",
					slog.String("enrollment_id", enrollmentID),
					slog.String("request_id", requestID),
					slog.Duration("duration", time.Since(startTime)),
					slog.String("reason", "subscription_closed"),
				)
				return
			}
			h.writeSSE(w, flusher, a)

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// writeSSE writes one attempt in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, a *types.ExecutionAttempt) {
	if a == nil {
		return
	}
	data, err := json.Marshal(a)
	if err != nil {
		h.logger.Error("failed to marshal attempt", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "id: %s\nevent: attempt\ndata: %s\n\n", a.ID, data); err != nil {
		h.logger.Error("failed to write SSE event", "error", err)
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Error("failed to write SSE comment", "error", err)
		return
	}
	flusher.Flush()
}
