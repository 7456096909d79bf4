package runtime

import (
	"context"
	"net/http"
	"time"

	jsoncodec "github.com/BookBeat/knightbus-sub001/internal/runtime/jsoncodec"
	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
	transportpkg "github.com/BookBeat/knightbus-sub001/transport"
)

// handlerView is the JSON form of a HandlerInfo served on /api/handlers.
type handlerView struct {
	Name         string        `json:"name"`
	Kind         string        `json:"kind"`
	MessageType  string        `json:"message_type"`
	Queue        string        `json:"queue"`
	Subscription string        `json:"subscription,omitempty"`
	Singleton    bool          `json:"singleton"`
	State        string        `json:"state"`
	Pump         pumpView      `json:"pump"`
	// Pending is the queue depth, when the transport can report it.
	Pending      *int64        `json:"pending,omitempty"`
	Stats        StatsSnapshot `json:"stats"`
}

type pumpView struct {
	Fetched     uint64 `json:"fetched"`
	Dispatched  uint64 `json:"dispatched"`
	TimedOut    uint64 `json:"timed_out"`
	Panics      uint64 `json:"panics"`
	FetchErrors uint64 `json:"fetch_errors"`
	InFlight    int64  `json:"in_flight"`
}

type handlersResponse struct {
	Handlers    []handlerView `json:"handlers"`
	CollectedAt time.Time     `json:"collected_at"`
}

func (s *Service) handlersSnapshot(ctx context.Context) handlersResponse {
	introspector, _ := s.transport.Source.(transportpkg.QueueIntrospector)
	infos := s.Handlers()
	resp := handlersResponse{Handlers: make([]handlerView, 0, len(infos)), CollectedAt: time.Now().UTC()}
	for _, h := range infos {
		ps := h.Pump()
		view := handlerView{
			Name:         h.Name,
			Kind:         h.Kind,
			MessageType:  h.MessageType,
			Queue:        h.Queue,
			Subscription: h.Subscription,
			Singleton:    h.Singleton,
			State:        h.State().String(),
			Pump: pumpView{
				Fetched:     ps.Fetched,
				Dispatched:  ps.Dispatched,
				TimedOut:    ps.TimedOut,
				Panics:      ps.Panics,
				FetchErrors: ps.FetchErrors,
				InFlight:    ps.InFlight,
			},
			Stats: h.Stats.Snapshot(),
		}
		if introspector != nil {
			if n, err := introspector.Pending(ctx, h.Queue); err == nil {
				view.Pending = &n
			} else {
				s.Logger.Debug("Queue depth unavailable", loggingpkg.LogFields{"queue": h.Queue, "error": err.Error()})
			}
		}
		resp.Handlers = append(resp.Handlers, view)
	}
	return resp
}

func (s *Service) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := jsoncodec.Marshal(s.handlersSnapshot(r.Context()))
	if err != nil {
		s.Logger.Error("Failed to encode handlers", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
