// Package uploadqueue uploads artifacts to object storage one at a time,
// in submission order, retrying failures with linear backoff and pausing
// while storage is unreachable.
package uploadqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/delivery-frames/internal/metrics"
	"github.com/aliskhannn/delivery-frames/internal/model"
)

var (
	// ErrCleared is reported for tasks dropped by Clear.
	ErrCleared = errors.New("upload cleared")

	// ErrClosed is reported for tasks submitted after Run has returned.
	ErrClosed = errors.New("upload queue closed")
)

// uploader stores an object and returns its public URL.
type uploader interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// connectivity reports whether storage is reachable.
type connectivity interface {
	Online() bool
	WaitOnline(ctx context.Context) error
}

// Options configures retry behaviour.
type Options struct {
	MaxRetries  int           // total attempts per task
	BackoffBase time.Duration // wait before retry n is BackoffBase*n

	// Sleep waits between attempts; it defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

type task struct {
	id          uuid.UUID
	key         string
	data        []byte
	contentType string
	attempt     int
	status      model.UploadStatus
	active      bool // owned by the loop, not removable by Clear
	events      *mailbox
}

// Queue is a FIFO upload queue processed by a single loop.
type Queue struct {
	up   uploader
	conn connectivity
	opts Options

	mu     sync.Mutex
	tasks  []*task
	paused bool
	closed bool
	wake   chan struct{}
}

// New creates a Queue. Run must be called to start processing.
func New(up uploader, conn connectivity, opts Options) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}

	return &Queue{
		up:   up,
		conn: conn,
		opts: opts,
		wake: make(chan struct{}, 1),
	}
}

// Submit appends an upload to the tail of the queue. The returned channel
// carries every state transition of the task and is closed after the
// terminal event; callers must read it to the end or pass it to Await.
// data must not be modified until the task is terminal.
func (q *Queue) Submit(key string, data []byte, contentType string) (uuid.UUID, <-chan model.UploadEvent) {
	t := &task{
		id:          uuid.New(),
		key:         key,
		data:        data,
		contentType: contentType,
		status:      model.UploadPending,
		events:      newMailbox(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		t.events.push(model.UploadEvent{
			TaskID: t.id,
			Key:    key,
			Status: model.UploadFailed,
			Err:    ErrClosed,
		}, true)
		return t.id, t.events.out
	}
	q.tasks = append(q.tasks, t)
	depth := len(q.tasks)
	q.mu.Unlock()

	metrics.QueueDepth(depth)
	q.emit(t, 0)

	zlog.Logger.Info().
		Str("task_id", t.id.String()).
		Str("key", key).
		Int("bytes", len(data)).
		Msg("upload queued")

	select {
	case q.wake <- struct{}{}:
	default:
	}

	return t.id, t.events.out
}

// Status returns a snapshot of the queue.
func (q *Queue) Status() model.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := model.QueueStatus{Total: len(q.tasks), Paused: q.paused}
	for _, t := range q.tasks {
		switch t.status {
		case model.UploadPending:
			st.Pending++
		case model.UploadUploading:
			st.Uploading++
		case model.UploadRetrying:
			st.Retrying++
		}
	}
	return st
}

// Clear drops every task the loop is not currently working on and reports
// them as failed with ErrCleared. It returns the number of dropped tasks.
func (q *Queue) Clear() int {
	q.mu.Lock()
	var kept, dropped []*task
	for _, t := range q.tasks {
		if t.active {
			kept = append(kept, t)
			continue
		}
		dropped = append(dropped, t)
	}
	q.tasks = kept
	depth := len(kept)
	q.mu.Unlock()

	metrics.QueueDepth(depth)
	for _, t := range dropped {
		q.fail(t, ErrCleared)
	}

	if len(dropped) > 0 {
		zlog.Logger.Info().Int("dropped", len(dropped)).Msg("upload queue cleared")
	}
	return len(dropped)
}

// Run processes tasks until ctx is done. Tasks still queued at that point
// are reported as failed with the context error.
func (q *Queue) Run(ctx context.Context) error {
	defer q.shutdown(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !q.conn.Online() {
			q.setPaused(true)
			zlog.Logger.Warn().Int("queued", q.Status().Total).Msg("storage offline, upload queue paused")

			if err := q.conn.WaitOnline(ctx); err != nil {
				return err
			}

			q.setPaused(false)
			zlog.Logger.Info().Msg("storage online, upload queue resumed")
			continue
		}

		t := q.take()
		if t == nil {
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		q.process(ctx, t)
	}
}

// process makes one upload attempt for the head task and, on a counted
// failure, waits out the backoff before returning.
func (q *Queue) process(ctx context.Context, t *task) {
	q.setStatus(t, model.UploadUploading, true)
	q.emit(t, 0)
	metrics.UploadAttempt()

	url, err := q.up.Put(ctx, t.key, t.data, t.contentType)
	if err == nil {
		q.pop(t)
		q.setStatus(t, model.UploadCompleted, false)
		t.attempt++
		t.events.push(model.UploadEvent{
			TaskID:  t.id,
			Key:     t.key,
			Status:  model.UploadCompleted,
			Attempt: t.attempt,
			URL:     url,
		}, true)
		metrics.UploadFinished(string(model.UploadCompleted))

		zlog.Logger.Info().
			Str("task_id", t.id.String()).
			Str("key", t.key).
			Int("attempt", t.attempt).
			Msg("upload completed")
		return
	}

	if ctx.Err() != nil {
		return
	}

	// A failure while storage is unreachable does not consume a retry.
	if !q.conn.Online() {
		q.setStatus(t, model.UploadPending, false)
		q.emit(t, 0)

		zlog.Logger.Warn().
			Err(err).
			Str("task_id", t.id.String()).
			Int("attempt", t.attempt).
			Msg("upload suspended while offline")
		return
	}

	t.attempt++
	if t.attempt >= q.opts.MaxRetries {
		q.pop(t)
		q.fail(t, fmt.Errorf("upload %s failed after %d attempts: %w", t.key, t.attempt, err))
		return
	}

	delay := q.opts.BackoffBase * time.Duration(t.attempt)
	q.setStatus(t, model.UploadRetrying, true)
	q.emit(t, delay)

	zlog.Logger.Warn().
		Err(err).
		Str("task_id", t.id.String()).
		Int("attempt", t.attempt).
		Dur("retry_in", delay).
		Msg("upload failed, retrying")

	_ = q.opts.Sleep(ctx, delay)
}

// take returns the head task and marks it as owned by the loop.
func (q *Queue) take() *task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil
	}
	t := q.tasks[0]
	t.active = true
	return t
}

func (q *Queue) pop(t *task) {
	q.mu.Lock()
	for i, cur := range q.tasks {
		if cur == t {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			break
		}
	}
	depth := len(q.tasks)
	q.mu.Unlock()

	metrics.QueueDepth(depth)
}

func (q *Queue) setStatus(t *task, s model.UploadStatus, active bool) {
	q.mu.Lock()
	t.status = s
	t.active = active
	q.mu.Unlock()
}

func (q *Queue) setPaused(p bool) {
	q.mu.Lock()
	q.paused = p
	q.mu.Unlock()
}

// emit publishes the task's current non-terminal state.
func (q *Queue) emit(t *task, retryIn time.Duration) {
	q.mu.Lock()
	ev := model.UploadEvent{
		TaskID:      t.id,
		Key:         t.key,
		Status:      t.status,
		Attempt:     t.attempt,
		NextRetryIn: retryIn,
	}
	q.mu.Unlock()

	if ev.Status == model.UploadUploading {
		ev.Attempt++
	}
	t.events.push(ev, false)
}

func (q *Queue) fail(t *task, err error) {
	q.setStatus(t, model.UploadFailed, false)
	t.events.push(model.UploadEvent{
		TaskID:  t.id,
		Key:     t.key,
		Status:  model.UploadFailed,
		Attempt: t.attempt,
		Err:     err,
	}, true)
	metrics.UploadFinished(string(model.UploadFailed))

	zlog.Logger.Error().
		Err(err).
		Str("task_id", t.id.String()).
		Str("key", t.key).
		Int("attempt", t.attempt).
		Msg("upload failed")
}

func (q *Queue) shutdown(ctx context.Context) {
	q.mu.Lock()
	q.closed = true
	remaining := q.tasks
	q.tasks = nil
	q.paused = false
	q.mu.Unlock()

	metrics.QueueDepth(0)

	err := ctx.Err()
	if err == nil {
		err = ErrClosed
	}
	for _, t := range remaining {
		q.fail(t, err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
