package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event is one entry of the change feed.
type Event struct {
	Kind    string    `json:"kind"`
	SpaceID string    `json:"spaceId,omitempty"`
	Tab     string    `json:"tab,omitempty"`
	ItemID  string    `json:"itemId,omitempty"`
	At      time.Time `json:"at"`
}

// eventHub fans events out to feed subscribers. A subscriber whose buffer is
// full misses events and is told so through a "feed.overflow" event.
type eventHub struct {
	mu     sync.Mutex
	buffer int
	next   int
	subs   map[int]*feedSubscriber
}

type feedSubscriber struct {
	ch       chan Event
	overflow bool
}

func newEventHub(buffer int) *eventHub {
	return &eventHub{buffer: buffer, subs: map[int]*feedSubscriber{}}
}

func (h *eventHub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	sub := &feedSubscriber{ch: make(chan Event, h.buffer)}
	h.subs[id] = sub
	return sub.ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub.ch)
		}
	}
}

func (h *eventHub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.overflow {
			select {
			case sub.ch <- Event{Kind: "feed.overflow", At: ev.At}:
				sub.overflow = false
			default:
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			sub.overflow = true
		}
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		if s.log != nil {
			s.log.Warn("event feed upgrade failed", "err", err)
		}
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := s.events.subscribe()
	defer unsubscribe()

	// The feed is one way; CloseRead handles control frames and cancels ctx
	// when the client goes away.
	ctx := conn.CloseRead(r.Context())
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				if s.log != nil {
					s.log.Debug("event feed closed", "err", err)
				}
				return
			}
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.EventWriteWait)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.EventWriteWait)
	defer cancel()
	return wsjson.Write(writeCtx, conn, ev)
}
