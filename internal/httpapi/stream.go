package httpapi

import (
	"net/http"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kappa9999/routeagent/internal/audit"
)

const streamBuffer = 64

// eventHub fans audit events out to websocket subscribers. A slow
// subscriber loses events rather than backpressuring the pipeline.
type eventHub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan audit.Event
}

func newEventHub() *eventHub {
	return &eventHub{subs: map[int]chan audit.Event{}}
}

func (h *eventHub) publish(ev audit.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *eventHub) subscribe() (int, chan audit.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	ch := make(chan audit.Event, streamBuffer)
	h.subs[h.next] = ch
	return h.next, ch
}

func (h *eventHub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	id, ch := s.eventHub.subscribe()
	defer s.eventHub.unsubscribe(id)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-ch:
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}
