package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/basket/taskflow/internal/bus"
	"github.com/basket/taskflow/internal/coordinator"
)

// handleEventStream implements GET /api/v1/events[?task_id=N] as a stream of
// server-sent events. With task_id only that task's status updates are sent.
// The stream ends after the run's terminal event.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	taskFilter := 0
	if raw := r.URL.Query().Get("task_id"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "task_id must be a positive integer", http.StatusBadRequest)
			return
		}
		taskFilter = n
	}

	if s.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub := s.cfg.Bus.SubscribeBuffered(bus.TopicRunPrefix, clientBufferSize)
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			e, ok := ev.Payload.(coordinator.Event)
			if !ok {
				continue
			}
			terminal := e.Kind == coordinator.EventAllTasksDone || e.Kind == coordinator.EventOrchestrationFailed
			if taskFilter != 0 && !terminal && (e.Kind != coordinator.EventTaskStatus || e.TaskID != taskFilter) {
				continue
			}

			data, err := json.Marshal(Message{Type: "event", Topic: ev.Topic, Event: &e})
			if err != nil {
				s.logger.Error("sse: marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
				s.logger.Debug("sse: write failed", "error", err)
				return
			}
			flusher.Flush()
			if terminal {
				return
			}
		}
	}
}
