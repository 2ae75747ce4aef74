// Package relay fans job events out to live followers. Events arrive
// from workers over Redis pub/sub; the hub buffers recent lines per
// job so a follower that connects mid-run still sees earlier output,
// and delivers a final status event before closing each stream.
package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gridforge-ai/gridforge-cli/internal/jobstore"
	"github.com/gridforge-ai/gridforge-cli/internal/queue"
)

const (
	// replayDepth bounds the per-job replay buffer. Full logs live in
	// the blob store; the relay only serves the live tail.
	replayDepth = 1000

	subscriberBuffer = 256
)

// EventSource yields job events, typically queue.Client.SubscribeEvents.
type EventSource interface {
	SubscribeEvents(ctx context.Context) (<-chan queue.Event, error)
}

// Hub routes events from workers to followers.
type Hub struct {
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*jobStream
}

type jobStream struct {
	buffer []queue.Event
	subs   map[chan queue.Event]struct{}
	closed bool
}

// NewHub creates an empty relay hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		jobs:   make(map[string]*jobStream),
	}
}

// Run consumes events from src until ctx is cancelled.
func (h *Hub) Run(ctx context.Context, src EventSource) error {
	events, err := src.SubscribeEvents(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			h.Publish(ev)
		}
	}
}

// Publish buffers the event and delivers it to current followers. A
// terminal status event ends the stream: followers' channels close
// after it is delivered.
func (h *Hub) Publish(ev queue.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	js := h.stream(ev.JobID)
	if js.closed {
		return
	}

	js.buffer = append(js.buffer, ev)
	if len(js.buffer) > replayDepth {
		js.buffer = js.buffer[len(js.buffer)-replayDepth:]
	}

	for ch := range js.subs {
		select {
		case ch <- ev:
		default:
			// Slow follower; the flushed log file has the full record.
			h.logger.Debug("dropping event for slow follower", "job", ev.JobID)
		}
	}

	if ev.Type == queue.EventTypeStatus && jobstore.Status(ev.Status).Terminal() {
		js.closed = true
		for ch := range js.subs {
			close(ch)
		}
		js.subs = make(map[chan queue.Event]struct{})
	}
}

// Subscribe returns a channel replaying buffered events followed by
// live ones, and a cancel function. If the job's stream has already
// ended, the channel delivers the replay and closes.
func (h *Hub) Subscribe(jobID string) (<-chan queue.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	js := h.stream(jobID)

	ch := make(chan queue.Event, subscriberBuffer+len(js.buffer))
	for _, ev := range js.buffer {
		ch <- ev
	}

	if js.closed {
		close(ch)
		return ch, func() {}
	}

	js.subs[ch] = struct{}{}
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := js.subs[ch]; ok {
			delete(js.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Drop discards a job's buffered events, typically after log flush.
func (h *Hub) Drop(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if js, ok := h.jobs[jobID]; ok && js.closed {
		delete(h.jobs, jobID)
	}
}

func (h *Hub) stream(jobID string) *jobStream {
	js, ok := h.jobs[jobID]
	if !ok {
		js = &jobStream{subs: make(map[chan queue.Event]struct{})}
		h.jobs[jobID] = js
	}
	return js
}
