package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/cschleiden/go-rendertasks/internal/metrickeys"
	"github.com/cschleiden/go-rendertasks/internal/taskerrors"
	"github.com/cschleiden/go-rendertasks/internal/tracing"
	internal "github.com/cschleiden/go-rendertasks/internal/worker"
	"github.com/cschleiden/go-rendertasks/log"
	"github.com/cschleiden/go-rendertasks/metrics"
	"github.com/cschleiden/go-rendertasks/task"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrAlreadyStarted = errors.New("worker already started")
	ErrTaskNotFound   = errors.New("task not found")
	ErrWaitTimeout    = errors.New("task did not finish in specified timeout")
)

// Worker drives scheduled tasks. Tasks are executed one after another in the order they were
// scheduled, all worker goroutines call DoWork on the task at the head of the queue.
type Worker struct {
	options Options

	logger  *slog.Logger
	metrics metrics.Client
	tracer  trace.Tracer
	clock   clock.Clock

	queue    *internal.WorkQueue[*entry]
	finished *ttlcache.Cache[string, TaskInfo]

	mu      sync.Mutex
	started bool

	wg sync.WaitGroup
}

type entry struct {
	id          string
	name        string
	task        task.Task
	scheduledAt time.Time

	mu       sync.Mutex
	started  bool
	failures int
	lastErr  error
	backoff  *backoff.ExponentialBackOff

	// After a failed increment the entry is recovering: no worker drives it before notBefore,
	// then a single worker retries it while the others wait.
	recovering bool
	retrying   bool
	notBefore  time.Time
	changed    chan struct{}
}

// New creates a worker. Call Start to begin processing scheduled tasks.
func New(opts ...Option) *Worker {
	options := ApplyOptions(opts...)

	finished := ttlcache.New(
		ttlcache.WithCapacity[string, TaskInfo](uint64(options.FinishedCapacity)),
		ttlcache.WithTTL[string, TaskInfo](options.FinishedRetention),
	)

	w := &Worker{
		options: options,

		logger:  options.Logger,
		metrics: options.Metrics,
		tracer:  options.TracerProvider.Tracer("go-rendertasks"),
		clock:   options.Clock,

		queue:    internal.NewWorkQueue[*entry](),
		finished: finished,
	}

	finished.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, i *ttlcache.Item[string, TaskInfo]) {
		w.metrics.Counter(metrickeys.RetentionEviction, metrics.Tags{metrickeys.EvictionReason: evictionReason(reason)}, 1)
	})

	return w
}

// Start starts the worker goroutines.
//
// To stop the worker, cancel the context passed to Start. Increments that are in progress are
// allowed to complete, to wait for them call WaitForCompletion. Tasks still in the queue are
// neither cancelled nor removed.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return ErrAlreadyStarted
	}
	w.started = true

	w.wg.Add(w.options.Workers + 1)

	for i := 0; i < w.options.Workers; i++ {
		go w.run(ctx, i)
	}

	go func() {
		defer w.wg.Done()

		go w.finished.Start()

		<-ctx.Done()

		w.finished.Stop()
	}()

	return nil
}

// WaitForCompletion waits for all worker goroutines to exit.
func (w *Worker) WaitForCompletion() error {
	w.wg.Wait()

	return nil
}

// Schedule appends the task to the end of the queue and returns its id.
func (w *Worker) Schedule(t task.Task, opts ...ScheduleOption) string {
	e := w.newEntry(t, opts)

	size := w.queue.Add(e)
	w.scheduled(e, size)

	return e.id
}

// ScheduleNext schedules the task to run right after the current task.
func (w *Worker) ScheduleNext(t task.Task, opts ...ScheduleOption) string {
	e := w.newEntry(t, opts)

	size := w.queue.AddNext(e)
	w.scheduled(e, size)

	return e.id
}

func (w *Worker) newEntry(t task.Task, opts []ScheduleOption) *entry {
	cfg := scheduleOptions(opts).applyScheduleOptions(scheduleConfig{})
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.options.RetryPolicy.InitialInterval
	b.MaxInterval = w.options.RetryPolicy.MaxInterval
	b.MaxElapsedTime = 0
	b.Clock = w.clock
	b.Reset()

	return &entry{
		id:          cfg.ID,
		name:        cfg.Name,
		task:        t,
		scheduledAt: w.clock.Now(),
		backoff:     b,
		changed:     make(chan struct{}),
	}
}

func (w *Worker) scheduled(e *entry, size int) {
	w.metrics.Counter(metrickeys.TaskScheduled, metrics.Tags{metrickeys.TaskName: e.name}, 1)
	w.metrics.Gauge(metrickeys.QueueSize, metrics.Tags{}, int64(size))

	w.logger.Debug("scheduled task", log.TaskIDKey, e.id, log.TaskNameKey, e.name, log.QueueSizeKey, size)
}

// Remove cancels the task with the given id and removes it from the queue. It returns false if
// no such task is queued.
func (w *Worker) Remove(id string) bool {
	e, ok := w.queue.Remove(func(e *entry) bool { return e.id == id })
	if !ok {
		return false
	}

	w.removed(e)

	return true
}

// RemoveAll cancels and removes all queued tasks.
func (w *Worker) RemoveAll() {
	for _, e := range w.queue.Clear() {
		w.removed(e)
	}
}

func (w *Worker) removed(e *entry) {
	progress := e.task.EstimateProgress()
	e.task.Cancel()

	e.wake()

	w.record(e, StateRemoved, progress, nil)
	w.metrics.Counter(metrickeys.TaskRemoved, metrics.Tags{metrickeys.TaskName: e.name}, 1)

	w.logger.Info("removed task", log.TaskIDKey, e.id, log.TaskNameKey, e.name, log.ProgressKey, progress)
}

// Current returns the task at the head of the queue.
func (w *Worker) Current() (TaskInfo, bool) {
	e, ok := w.queue.Head()
	if !ok {
		return TaskInfo{}, false
	}

	return e.info(), true
}

// Tasks returns all queued tasks in execution order.
func (w *Worker) Tasks() []TaskInfo {
	entries := w.queue.Items()

	infos := make([]TaskInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.info())
	}

	return infos
}

// Status returns the state of a queued task, or of a task that finished recently.
func (w *Worker) Status(id string) (TaskInfo, bool) {
	if e, ok := w.queue.Find(func(e *entry) bool { return e.id == id }); ok {
		return e.info(), true
	}

	if item := w.finished.Get(id); item != nil {
		return item.Value(), true
	}

	return TaskInfo{}, false
}

// Wait waits until the given task has finished, failed, or was removed, or until the timeout
// has expired.
func (w *Worker) Wait(ctx context.Context, id string, timeout time.Duration) (TaskInfo, error) {
	if timeout == 0 {
		timeout = time.Second * 20
	}

	b := backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond * 1,
		MaxInterval:         time.Second * 1,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		MaxElapsedTime:      timeout,
		Stop:                backoff.Stop,
		Clock:               w.clock,
	}
	b.Reset()

	ticker := backoff.NewTicker(&b)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return TaskInfo{}, ctx.Err()

		case _, ok := <-ticker.C:
			if !ok {
				return TaskInfo{}, ErrWaitTimeout
			}

			info, found := w.Status(id)
			if !found {
				return TaskInfo{}, fmt.Errorf("waiting for task %s: %w", id, ErrTaskNotFound)
			}

			if info.State.Terminal() {
				return info, nil
			}
		}
	}
}

func (w *Worker) run(ctx context.Context, idx int) {
	defer w.wg.Done()

	logger := w.logger.With(log.WorkerKey, idx)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := w.queue.Wait(ctx); err != nil {
			return
		}

		e, ok := w.queue.Head()
		if !ok {
			continue
		}

		if !e.task.HasMoreWork() {
			w.complete(e)
			continue
		}

		retry, wait, changed, ok := e.acquire(w.clock.Now())
		if !ok {
			if !w.await(ctx, wait, changed) {
				return
			}
			continue
		}

		err := w.work(e, idx)
		if err == nil {
			e.succeeded(retry)
			continue
		}

		delay, drop := w.failed(e, err, retry)
		if drop {
			w.drop(e, err)
			continue
		}

		logger.Warn("task increment failed",
			log.TaskIDKey, e.id,
			log.TaskNameKey, e.name,
			log.AttemptKey, e.attempts(),
			log.BackoffKey, delay.Milliseconds(),
			"error", err)
	}
}

// await blocks until the wait has elapsed or the entry's retry state changed. It returns false if
// the worker is stopping.
func (w *Worker) await(ctx context.Context, wait time.Duration, changed <-chan struct{}) bool {
	var timeout <-chan time.Time
	if wait > 0 {
		t := w.clock.Timer(wait)
		defer t.Stop()

		timeout = t.C
	}

	select {
	case <-ctx.Done():
		return false
	case <-timeout:
	case <-changed:
	}

	return true
}

func (w *Worker) work(e *entry, idx int) (err error) {
	if first := e.start(); first {
		timeInQueue := w.clock.Since(e.scheduledAt)
		w.metrics.Distribution(metrickeys.TaskDelay, metrics.Tags{metrickeys.TaskName: e.name}, float64(timeInQueue/time.Millisecond))
	}

	// Create new context to allow increments to complete when the worker is stopped
	ctx, span := w.tracer.Start(context.Background(), "TaskIncrement", trace.WithAttributes(
		attribute.String(tracing.TaskID, e.id),
		attribute.String(tracing.TaskName, e.name),
		attribute.Int(tracing.Worker, idx),
		attribute.Int(tracing.TaskAttempt, e.attempts()+1),
	))
	defer span.End()

	timer := metrics.NewTimer(w.metrics, w.clock, metrickeys.IncrementProcessed, metrics.Tags{metrickeys.TaskName: e.name})
	defer timer.Stop()

	defer func() {
		if r := recover(); r != nil {
			err = taskerrors.NewPanicError(r)
		}

		span.SetAttributes(attribute.Float64(tracing.TaskProgress, e.task.EstimateProgress()))
		err = tracing.WithSpanError(span, err)
	}()

	return e.task.DoWork(ctx)
}

// failed records a failed increment and returns how long to wait before driving the task again.
// If the task exhausted its attempts, drop is true.
//
// Failures are counted per entry. Only a successful retry resets the count, increments of other
// workers that finish while the entry is recovering do not.
func (w *Worker) failed(e *entry, err error, retry bool) (delay time.Duration, drop bool) {
	w.metrics.Counter(metrickeys.IncrementFailed, metrics.Tags{metrickeys.TaskName: e.name}, 1)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures++
	e.lastErr = err

	if retry {
		e.retrying = false
	}

	if maxAttempts := w.options.RetryPolicy.MaxAttempts; maxAttempts > 0 && e.failures >= maxAttempts {
		return 0, true
	}

	delay = e.backoff.NextBackOff()

	e.recovering = true
	e.notBefore = w.clock.Now().Add(delay)
	e.notify()

	return delay, false
}

func (w *Worker) drop(e *entry, err error) {
	if _, ok := w.queue.Remove(func(q *entry) bool { return q == e }); !ok {
		// Removed concurrently
		return
	}

	progress := e.task.EstimateProgress()
	e.task.Cancel()
	e.wake()

	w.record(e, StateFailed, progress, err)

	w.logger.Error("task failed, removing from queue",
		log.TaskIDKey, e.id,
		log.TaskNameKey, e.name,
		log.AttemptKey, e.attempts(),
		"error", err)
}

func (w *Worker) complete(e *entry) {
	if _, ok := w.queue.Remove(func(q *entry) bool { return q == e }); !ok {
		return
	}

	e.reset()

	w.record(e, StateFinished, e.task.EstimateProgress(), nil)

	w.logger.Info("task finished",
		log.TaskIDKey, e.id,
		log.TaskNameKey, e.name,
		log.DurationKey, w.clock.Since(e.scheduledAt).Milliseconds())
}

func (w *Worker) record(e *entry, state State, progress float64, err error) {
	info := e.info()
	info.State = state
	info.Progress = progress

	finishedAt := w.clock.Now()
	info.FinishedAt = &finishedAt

	if err != nil {
		info.Err = err
		info.Error = err.Error()
	}

	w.finished.Set(e.id, info, ttlcache.DefaultTTL)

	w.logger.Debug("task left queue", log.TaskIDKey, e.id, log.TaskStateKey, state, log.ProgressKey, progress)

	w.metrics.Counter(metrickeys.TaskFinished, metrics.Tags{metrickeys.State: string(state)}, 1)
	w.metrics.Gauge(metrickeys.QueueSize, metrics.Tags{}, int64(w.queue.Len()))
}

func (e *entry) start() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return false
	}

	e.started = true
	return true
}

// acquire reports whether the calling worker may drive the entry. If not, the worker should wait
// for the returned duration or until changed is closed.
func (e *entry) acquire(now time.Time) (retry bool, wait time.Duration, changed <-chan struct{}, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.recovering {
		return false, 0, nil, true
	}

	if d := e.notBefore.Sub(now); d > 0 {
		return false, d, e.changed, false
	}

	if e.retrying {
		return false, 0, e.changed, false
	}

	e.retrying = true
	return true, 0, nil, true
}

func (e *entry) succeeded(retry bool) {
	if retry {
		e.reset()
	}
}

func (e *entry) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.recovering = false
	e.retrying = false
	e.failures = 0
	e.lastErr = nil
	e.backoff.Reset()
	e.notify()
}

func (e *entry) wake() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.notify()
}

func (e *entry) notify() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *entry) attempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.failures
}

func (e *entry) info() TaskInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := StateQueued
	if e.started {
		state = StateRunning
	}

	info := TaskInfo{
		ID:          e.id,
		Name:        e.name,
		State:       state,
		Progress:    e.task.EstimateProgress(),
		Attempts:    e.failures,
		ScheduledAt: e.scheduledAt,
	}

	if e.lastErr != nil {
		info.Err = e.lastErr
		info.Error = e.lastErr.Error()
	}

	return info
}

func evictionReason(reason ttlcache.EvictionReason) string {
	switch reason {
	case ttlcache.EvictionReasonCapacityReached:
		return "capacity"
	case ttlcache.EvictionReasonExpired:
		return "expired"
	default:
		return "deleted"
	}
}
