package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/conduitworks/maestro/internal/events"
)

// handleEvents streams an instance's events via Server-Sent Events. The
// optional ?since=<seq> replays the durable log past that watermark before
// tailing the live hub; live events already covered by the replay are
// deduplicated on Seq.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	since := queryInt64(r, "since", 0)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before replaying so nothing falls between log and tail.
	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), events.Filter{InstanceID: instanceID})
	if err != nil {
		s.deps.Logger.ErrorContext(r.Context(), "SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	lastSeq := since
	if s.deps.Store != nil {
		replay, err := s.deps.Store.ListEvents(r.Context(), instanceID, since)
		if err != nil {
			s.deps.Logger.ErrorContext(r.Context(), "SSE replay failed", "error", err)
			http.Error(w, "replay failed", http.StatusInternalServerError)
			return
		}
		for _, ev := range replay {
			writeSSE(w, ev.Type, ev)
			if ev.Seq > lastSeq {
				lastSeq = ev.Seq
			}
		}
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Seq <= lastSeq {
				continue
			}
			lastSeq = event.Seq
			writeSSE(w, event.Type, event)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, eventType string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
}
