package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/maksidze/janus/metrics"
)

// heartbeatInterval is how often an idle stream emits a keepalive
// comment so proxies do not drop the connection.
const heartbeatInterval = 15 * time.Second

// handleEvents streams the event bus over SSE. Each event is framed as
//
//	event: <type>
//	data: <json>
//
// with a ":" comment heartbeat during idle periods. The subscription is
// torn down when the client disconnects (or when the bus evicts us as a
// slow consumer, which closes the channel).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.bus.Subscribe()
	metrics.EventSubscribers.Set(float64(s.bus.SubscriberCount()))
	defer func() {
		sub.Close()
		metrics.EventSubscribers.Set(float64(s.bus.SubscriberCount()))
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C():
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, ev.Payload)
			flusher.Flush()
			heartbeat.Reset(heartbeatInterval)
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}
