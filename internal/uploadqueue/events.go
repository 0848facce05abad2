package uploadqueue

import (
	"context"
	"sync"

	"github.com/aliskhannn/delivery-frames/internal/model"
)

// mailbox delivers a task's events in order without ever blocking the
// queue loop on a slow reader.
type mailbox struct {
	mu      sync.Mutex
	pending []model.UploadEvent
	closed  bool
	signal  chan struct{}
	out     chan model.UploadEvent
}

func newMailbox() *mailbox {
	mb := &mailbox{
		signal: make(chan struct{}, 1),
		out:    make(chan model.UploadEvent),
	}
	go mb.run()
	return mb
}

// push queues ev; last closes the stream once ev has been delivered.
func (mb *mailbox) push(ev model.UploadEvent, last bool) {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return
	}
	mb.pending = append(mb.pending, ev)
	mb.closed = last
	mb.mu.Unlock()

	select {
	case mb.signal <- struct{}{}:
	default:
	}
}

func (mb *mailbox) run() {
	for range mb.signal {
		for {
			mb.mu.Lock()
			batch := mb.pending
			mb.pending = nil
			closed := mb.closed
			mb.mu.Unlock()

			if len(batch) == 0 {
				if closed {
					close(mb.out)
					return
				}
				break
			}
			for _, ev := range batch {
				mb.out <- ev
			}
		}
	}
}

// Await reads events until the terminal one and returns it. If ctx ends
// first the rest of the stream is drained in the background.
func Await(ctx context.Context, events <-chan model.UploadEvent) (model.UploadEvent, error) {
	var last model.UploadEvent
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return last, nil
			}
			last = ev
			if ev.Status.Terminal() {
				go drain(events)
				return ev, nil
			}
		case <-ctx.Done():
			go drain(events)
			return last, ctx.Err()
		}
	}
}

func drain(events <-chan model.UploadEvent) {
	for range events {
	}
}
