package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/wajourney/internal/streaming"
	"github.com/rendis/wajourney/pkg/schema"
)

// handleStream pushes live status changes of one execution as Server-Sent
// Events until the client goes away or the execution ends.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	executionID := chi.URLParam(r, "id")

	exec, err := s.deps.Store.GetExecution(ctx, executionID)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(ctx, streaming.EventFilter{ExecutionID: executionID})
	if err != nil {
		s.deps.Logger.Error("stream subscribe failed", slog.String("error", err.Error()))
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// The first frame is the current state so clients need no extra GET.
	writeSSE(w, "snapshot", exec)
	flusher.Flush()
	if exec.Status.IsTerminal() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-ch:
			writeSSE(w, event.EventType, event)
			flusher.Flush()
			if to, _ := payloadTo(event); to.IsTerminal() {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// payloadTo extracts the target status of a status_changed event.
func payloadTo(e streaming.StreamEvent) (schema.ExecutionStatus, bool) {
	m, ok := e.Payload.(map[string]any)
	if !ok {
		return "", false
	}
	to, ok := m["to"].(string)
	return schema.ExecutionStatus(to), ok
}
