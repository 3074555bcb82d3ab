package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/danshapiro/robotflow/internal/orchestrator"
)

// Broadcaster fans out run events to SSE clients. One per run.
type Broadcaster struct {
	mu      sync.Mutex
	history []orchestrator.Event
	clients map[uint64]chan orchestrator.Event
	nextID  uint64
	closed  bool
	doneCh  chan struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan orchestrator.Event),
		doneCh:  make(chan struct{}),
	}
}

// Send is wired to RunOptions.OnEvent.
func (b *Broadcaster) Send(ev orchestrator.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			// Slow client: drop it rather than block the run.
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe replays the history and then streams live events. The done channel
// closes only when the run finishes, not when a slow client is dropped.
func (b *Broadcaster) Subscribe() (<-chan orchestrator.Event, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan orchestrator.Event, len(b.history)+256)
	id := b.nextID
	b.nextID++

	// Sized for the whole history, so replay never blocks under the lock.
	for _, ev := range b.history {
		ch <- ev
	}

	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close marks the run finished and closes every client channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// History returns a copy of all events received so far.
func (b *Broadcaster) History() []orchestrator.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]orchestrator.Event, len(b.history))
	copy(out, b.history)
	return out
}

// WriteSSE streams b to w as server-sent events, naming each by its event type.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, doneCh, unsub := b.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
			flusher.Flush()
		}
	}
}
