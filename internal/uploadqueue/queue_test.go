package uploadqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	connectivitypkg "github.com/aliskhannn/delivery-frames/internal/connectivity"
	"github.com/aliskhannn/delivery-frames/internal/model"
	"github.com/aliskhannn/delivery-frames/internal/storage/file"
)

var errTransient = errors.New("connection reset")

// scriptedStorage fails the first n puts per key, then succeeds.
type scriptedStorage struct {
	mu       sync.Mutex
	failures map[string]int
	always   bool
	calls    []string
	onPut    func(key string, call int) error
}

func (s *scriptedStorage) Put(_ context.Context, key string, _ []byte, _ string) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, key)
	call := 0
	for _, k := range s.calls {
		if k == key {
			call++
		}
	}
	hook := s.onPut
	fail := s.always || s.failures[key] >= call
	s.mu.Unlock()

	if hook != nil {
		if err := hook(key, call); err != nil {
			return "", err
		}
	}
	if fail {
		return "", errors.Join(file.ErrStorage, errTransient)
	}
	return "https://cdn.test/frames/" + key, nil
}

func (s *scriptedStorage) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type recordedSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleep) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordedSleep) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func collect(t *testing.T, events <-chan model.UploadEvent) []model.UploadEvent {
	t.Helper()

	var out []model.UploadEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event stream did not close, got %v", statuses(out))
		}
	}
}

func statuses(events []model.UploadEvent) []model.UploadStatus {
	out := make([]model.UploadStatus, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Status)
	}
	return out
}

func start(t *testing.T, q *Queue) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestTaskFailingEveryAttempt(t *testing.T) {
	st := &scriptedStorage{always: true}
	sl := &recordedSleep{}
	q := New(st, connectivitypkg.NewMonitor(true), Options{MaxRetries: 3, BackoffBase: time.Second, Sleep: sl.Sleep})
	start(t, q)

	_, events := q.Submit("composites/d1/f1.png", []byte("png"), "image/png")
	got := collect(t, events)

	assert.Equal(t, []model.UploadStatus{
		model.UploadPending,
		model.UploadUploading,
		model.UploadRetrying,
		model.UploadUploading,
		model.UploadRetrying,
		model.UploadUploading,
		model.UploadFailed,
	}, statuses(got))

	assert.Len(t, st.Calls(), 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sl.Delays())

	last := got[len(got)-1]
	assert.Equal(t, 3, last.Attempt)
	assert.ErrorIs(t, last.Err, file.ErrStorage)
	assert.Empty(t, last.URL)
}

func TestTransientFailuresThenSuccess(t *testing.T) {
	const key = "composites/d1/f2.png"

	st := &scriptedStorage{failures: map[string]int{key: 2}}
	sl := &recordedSleep{}
	q := New(st, connectivitypkg.NewMonitor(true), Options{Sleep: sl.Sleep})
	start(t, q)

	data := make([]byte, 2<<20)
	id, events := q.Submit(key, data, "image/png")
	got := collect(t, events)

	assert.Equal(t, []model.UploadStatus{
		model.UploadPending,
		model.UploadUploading,
		model.UploadRetrying,
		model.UploadUploading,
		model.UploadRetrying,
		model.UploadUploading,
		model.UploadCompleted,
	}, statuses(got))

	var completed int
	for _, ev := range got {
		assert.Equal(t, id, ev.TaskID)
		if ev.Status == model.UploadCompleted {
			completed++
			assert.Equal(t, "https://cdn.test/frames/"+key, ev.URL)
			assert.Equal(t, 3, ev.Attempt)
		}
	}
	assert.Equal(t, 1, completed)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sl.Delays())
	assert.Equal(t, time.Second, got[2].NextRetryIn)
	assert.Equal(t, 2*time.Second, got[4].NextRetryIn)
}

func TestProcessesInSubmissionOrder(t *testing.T) {
	release := make(chan struct{})
	st := &scriptedStorage{onPut: func(key string, _ int) error {
		if key == "a" {
			<-release
		}
		return nil
	}}
	q := New(st, connectivitypkg.NewMonitor(true), Options{})
	start(t, q)

	var streams []<-chan model.UploadEvent
	for _, key := range []string{"a", "b", "c"} {
		_, ev := q.Submit(key, []byte(key), "image/png")
		streams = append(streams, ev)
	}

	require.Eventually(t, func() bool { return len(st.Calls()) == 1 }, time.Second, time.Millisecond)

	// Submitted while "a" is in flight, so it goes after "c".
	_, ev := q.Submit("d", []byte("d"), "image/png")
	streams = append(streams, ev)
	close(release)

	for _, s := range streams {
		got := collect(t, s)
		assert.Equal(t, model.UploadCompleted, got[len(got)-1].Status)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, st.Calls())
}

func TestOfflineDoesNotConsumeRetry(t *testing.T) {
	const key = "composites/d1/f3.png"

	mon := connectivitypkg.NewMonitor(true)
	st := &scriptedStorage{failures: map[string]int{key: 2}}
	st.onPut = func(_ string, call int) error {
		// The second attempt loses the connection mid-upload.
		if call == 2 {
			mon.Set(false)
		}
		return nil
	}

	q := New(st, mon, Options{Sleep: (&recordedSleep{}).Sleep})
	start(t, q)

	_, events := q.Submit(key, []byte("x"), "image/png")

	var got []model.UploadEvent
	for ev := range events {
		got = append(got, ev)
		if ev.Status == model.UploadPending && len(got) > 1 {
			require.Eventually(t, func() bool { return q.Status().Paused }, time.Second, time.Millisecond)
			assert.Equal(t, 1, ev.Attempt)
			mon.Set(true)
		}
	}

	assert.Equal(t, []model.UploadStatus{
		model.UploadPending,
		model.UploadUploading,
		model.UploadRetrying,
		model.UploadUploading,
		model.UploadPending,
		model.UploadUploading,
		model.UploadCompleted,
	}, statuses(got))

	// Attempt 2 is repeated after the pause instead of moving on to 3.
	assert.Equal(t, 2, got[3].Attempt)
	assert.Equal(t, 2, got[5].Attempt)
	assert.Equal(t, 2, got[6].Attempt)
	assert.False(t, q.Status().Paused)
}

func TestPausedWhileOffline(t *testing.T) {
	mon := connectivitypkg.NewMonitor(false)
	st := &scriptedStorage{}
	q := New(st, mon, Options{})
	start(t, q)

	_, events := q.Submit("k", []byte("x"), "image/png")
	require.Eventually(t, func() bool { return q.Status().Paused }, time.Second, time.Millisecond)

	status := q.Status()
	assert.Equal(t, 1, status.Total)
	assert.Equal(t, 1, status.Pending)
	assert.Empty(t, st.Calls())

	mon.Set(true)
	got := collect(t, events)
	assert.Equal(t, model.UploadCompleted, got[len(got)-1].Status)
	assert.Equal(t, 0, q.Status().Total)
}

func TestClearDropsQueuedTasks(t *testing.T) {
	q := New(&scriptedStorage{}, connectivitypkg.NewMonitor(false), Options{})
	start(t, q)

	_, first := q.Submit("a", nil, "image/png")
	_, second := q.Submit("b", nil, "image/png")

	assert.Equal(t, 2, q.Clear())
	assert.Equal(t, 0, q.Status().Total)

	for _, s := range []<-chan model.UploadEvent{first, second} {
		got := collect(t, s)
		last := got[len(got)-1]
		assert.Equal(t, model.UploadFailed, last.Status)
		assert.ErrorIs(t, last.Err, ErrCleared)
	}
}

func TestShutdownFailsRemainingTasks(t *testing.T) {
	q := New(&scriptedStorage{}, connectivitypkg.NewMonitor(false), Options{})
	cancel := start(t, q)

	_, events := q.Submit("a", nil, "image/png")
	cancel()

	got := collect(t, events)
	assert.ErrorIs(t, got[len(got)-1].Err, context.Canceled)

	require.Eventually(t, func() bool {
		_, ev := q.Submit("late", nil, "image/png")
		last, _ := Await(context.Background(), ev)
		return errors.Is(last.Err, ErrClosed)
	}, time.Second, time.Millisecond)
}

func TestAwaitReturnsTerminalEvent(t *testing.T) {
	q := New(&scriptedStorage{}, connectivitypkg.NewMonitor(true), Options{})
	start(t, q)

	_, events := q.Submit("a", []byte("x"), "image/png")
	ev, err := Await(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, model.UploadCompleted, ev.Status)
}
