// Package sideeffect runs the asynchronous side effects of request handling
// (account restrictions, first-place announcements, replay uploads) on a
// bounded background queue so they never delay or fail the request that
// triggered them.
//
// # Lifecycle
//
// Create a Worker with NewWorker, call Start to begin processing, then Stop
// when done. Enqueue is safe to call before Start; jobs accumulate in the
// bounded queue. Stop waits for the currently executing job to finish.
//
// # Failure policy
//
// Each job runs exactly once under a per-job timeout. A failure is logged,
// counted and reported as an EventFailed; it is never retried.
//
// # Events
//
// For each job the worker emits EventStarted and then EventCompleted or
// EventFailed. The channel is buffered to the queue depth; if it fills,
// events are dropped (logged) rather than blocking the worker.
package sideeffect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scttfrdmn/scorekeeper/internal/metrics"
)

// Kind names a class of side effect.
type Kind string

const (
	KindRestrict Kind = "restrict"
	KindAnnounce Kind = "announce"
	KindReplay   Kind = "replay"
)

// EventType classifies the lifecycle phase reported in an Event.
type EventType string

const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Job is one side effect.
type Job struct {
	ID     uuid.UUID
	Kind   Kind
	UserID int
	Run    func(ctx context.Context) error
}

// Event is emitted for each job lifecycle transition.
type Event struct {
	Job  Job
	Type EventType
	Err  error // non-nil only for EventFailed
}

const (
	// DefaultQueueDepth is the default bounded queue size.
	DefaultQueueDepth = 512

	// DefaultJobTimeout bounds a single job run.
	DefaultJobTimeout = 5 * time.Second
)

// Worker processes Jobs from a bounded FIFO queue. Worker is safe for
// concurrent use.
type Worker struct {
	queue   chan Job
	events  chan Event
	timeout time.Duration
	metrics *metrics.Metrics

	wg        sync.WaitGroup
	done      chan struct{}
	once      sync.Once
	closeOnce sync.Once
}

// NewWorker creates a Worker with the given queue depth. Pass depth ≤ 0 to
// use DefaultQueueDepth. m may be nil.
func NewWorker(depth int, m *metrics.Metrics) *Worker {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Worker{
		queue:   make(chan Job, depth),
		events:  make(chan Event, depth),
		timeout: DefaultJobTimeout,
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Events returns the read-only channel of Events.
func (w *Worker) Events() <-chan Event {
	return w.events
}

// QueueDepth returns the number of jobs currently waiting in the queue.
func (w *Worker) QueueDepth() int {
	return len(w.queue)
}

// Enqueue adds a job to the queue, assigning an ID when it has none. It
// returns an error when the queue is full.
func (w *Worker) Enqueue(job Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	select {
	case w.queue <- job:
		w.metrics.SetSideEffectQueueDepth(len(w.queue))
		return nil
	default:
		w.metrics.RecordSideEffect(string(job.Kind), "dropped")
		return fmt.Errorf("sideeffect: queue full; kind=%s user=%d", job.Kind, job.UserID)
	}
}

// Submit enqueues job and logs instead of returning a full-queue error.
func (w *Worker) Submit(job Job) {
	if err := w.Enqueue(job); err != nil {
		slog.Warn("side effect dropped", "kind", string(job.Kind), "user_id", job.UserID, "error", err)
	}
}

// Start launches the background goroutine. Only the first call has effect.
func (w *Worker) Start(ctx context.Context) {
	w.once.Do(func() {
		w.wg.Add(1)
		go w.run(ctx)
	})
}

// Stop signals the worker to exit and waits for the current job to finish.
// Calling Stop before Start or more than once is safe.
func (w *Worker) Stop() {
	w.once.Do(func() {})
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

// ── Internal ─────────────────────────────────────────────────────────────────

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case job := <-w.queue:
			w.metrics.SetSideEffectQueueDepth(len(w.queue))
			w.process(ctx, job)
		}
	}
}

func (w *Worker) process(ctx context.Context, job Job) {
	w.emit(Event{Job: job, Type: EventStarted})

	jctx, cancel := context.WithTimeout(ctx, w.timeout)
	err := safeRun(jctx, job)
	cancel()

	if err != nil {
		slog.Warn("side effect failed", "id", job.ID.String(), "kind", string(job.Kind), "user_id", job.UserID, "error", err)
		w.metrics.RecordSideEffect(string(job.Kind), string(EventFailed))
		w.emit(Event{Job: job, Type: EventFailed, Err: err})
		return
	}
	slog.Debug("side effect completed", "id", job.ID.String(), "kind", string(job.Kind), "user_id", job.UserID)
	w.metrics.RecordSideEffect(string(job.Kind), string(EventCompleted))
	w.emit(Event{Job: job, Type: EventCompleted})
}

func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job.Run(ctx)
}

func (w *Worker) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		slog.Debug("side effect events channel full; dropping event", "type", string(ev.Type), "id", ev.Job.ID.String())
	}
}
