// Package connectivity tracks whether object storage is reachable and
// notifies subscribers when that changes.
package connectivity

import (
	"context"
	"sync"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/delivery-frames/internal/metrics"
)

// Monitor holds the current online state. Callbacks fire only on
// transitions; setting the same state twice is a no-op.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	changed   chan struct{} // closed and replaced on every transition
	nextID    int
	onOnline  map[int]func()
	onOffline map[int]func()
}

// NewMonitor creates a Monitor starting in the given state.
func NewMonitor(online bool) *Monitor {
	metrics.Online(online)

	return &Monitor{
		online:    online,
		changed:   make(chan struct{}),
		onOnline:  make(map[int]func()),
		onOffline: make(map[int]func()),
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.online
}

// Set records a new state and runs the matching callbacks if it differs
// from the current one. Callbacks run on the caller's goroutine, outside
// the monitor lock.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}

	m.online = online
	close(m.changed)
	m.changed = make(chan struct{})

	subs := m.onOffline
	if online {
		subs = m.onOnline
	}
	callbacks := make([]func(), 0, len(subs))
	for _, fn := range subs {
		callbacks = append(callbacks, fn)
	}
	m.mu.Unlock()

	metrics.Online(online)
	zlog.Logger.Info().Bool("online", online).Msg("connectivity changed")

	for _, fn := range callbacks {
		fn()
	}
}

// OnOnline registers fn to run on every offline to online transition.
// The returned function removes the registration.
func (m *Monitor) OnOnline(fn func()) func() {
	return m.subscribe(m.onOnline, fn)
}

// OnOffline registers fn to run on every online to offline transition.
func (m *Monitor) OnOffline(fn func()) func() {
	return m.subscribe(m.onOffline, fn)
}

// Changed returns a channel closed on the next transition.
func (m *Monitor) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.changed
}

// WaitOnline blocks until the monitor reports online or ctx is done.
func (m *Monitor) WaitOnline(ctx context.Context) error {
	for {
		m.mu.Lock()
		online, changed := m.online, m.changed
		m.mu.Unlock()

		if online {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Monitor) subscribe(subs map[int]func(), fn func()) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(subs, id)
		m.mu.Unlock()
	}
}
