package events

import (
	"fmt"
	"log/slog"
	"net/http"
)

// SSEHandler streams bus events to HTTP clients as server-sent events.
// Each event is written as an "id:" field and a "data:" field holding the
// flat JSON envelope, followed by a blank line.
func SSEHandler(bus *Bus, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		sub, cleanup := bus.Subscribe(r.Context(), Filter{}, 0)
		defer cleanup()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				data, err := ev.Envelope()
				if err != nil {
					logger.Error("failed to marshal SSE event", "kind", ev.Kind, "error", err)
					continue
				}
				fmt.Fprintf(w, "id:%s\ndata:%s\n\n", ev.ID, data)
				flusher.Flush()
			}
		}
	}
}
