package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-rendertasks/internal/metrickeys"
	"github.com/cschleiden/go-rendertasks/internal/taskerrors"
	"github.com/cschleiden/go-rendertasks/internal/tracing"
	"github.com/cschleiden/go-rendertasks/metrics"
	"github.com/cschleiden/go-rendertasks/task"
	"github.com/cschleiden/go-rendertasks/tasktester"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingMetrics struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]int64
}

var _ metrics.Client = (*recordingMetrics)(nil)

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		counters: map[string]int64{},
		gauges:   map[string]int64{},
	}
}

func (r *recordingMetrics) Counter(name string, tags metrics.Tags, value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counters[name] += value
}

func (r *recordingMetrics) Distribution(name string, tags metrics.Tags, value float64) {
}

func (r *recordingMetrics) Gauge(name string, tags metrics.Tags, value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gauges[name] = value
}

func (r *recordingMetrics) Timing(name string, tags metrics.Tags, duration time.Duration) {
}

func (r *recordingMetrics) WithTags(tags metrics.Tags) metrics.Client {
	return r
}

func (r *recordingMetrics) counter(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.counters[name]
}

func testOptions(opts ...Option) []Option {
	return append([]Option{
		WithLogger(slog.New(slog.DiscardHandler)),
		WithRetryPolicy(RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		}),
	}, opts...)
}

func startWorker(t *testing.T, w *Worker) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))

	t.Cleanup(func() {
		cancel()
		require.NoError(t, w.WaitForCompletion())
	})
}

func TestApplyOptions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		o := ApplyOptions()

		assert.Equal(t, 1, o.Workers)
		assert.NotNil(t, o.Logger)
		assert.NotNil(t, o.Metrics)
		assert.NotNil(t, o.TracerProvider)
		assert.NotNil(t, o.Clock)
		assert.Equal(t, DefaultOptions.RetryPolicy, o.RetryPolicy)
	})

	t.Run("invalid values are corrected", func(t *testing.T) {
		o := ApplyOptions(
			WithWorkers(-1),
			WithLogger(nil),
			WithMetrics(nil),
			WithClock(nil),
			WithRetryPolicy(RetryPolicy{MaxAttempts: 1}),
		)

		assert.Equal(t, 1, o.Workers)
		assert.NotNil(t, o.Logger)
		assert.NotNil(t, o.Metrics)
		assert.NotNil(t, o.Clock)
		assert.Equal(t, DefaultOptions.RetryPolicy.InitialInterval, o.RetryPolicy.InitialInterval)
		assert.Equal(t, o.RetryPolicy.InitialInterval, o.RetryPolicy.MaxInterval)
	})
}

func TestWorker_StartTwice(t *testing.T) {
	w := New(testOptions()...)
	startWorker(t, w)

	require.ErrorIs(t, w.Start(context.Background()), ErrAlreadyStarted)
}

func TestWorker_RunsCombinedTask(t *testing.T) {
	ts := []*tasktester.Task{tasktester.NewTask(5), tasktester.NewTask(3), tasktester.NewTask(7)}
	c := task.NewCombined(ts)

	w := New(testOptions(WithWorkers(3))...)
	startWorker(t, w)

	id := w.Schedule(c, WithName("map"))

	info, err := w.Wait(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, StateFinished, info.State)
	require.Equal(t, "map", info.Name)
	require.Equal(t, 1.0, info.Progress)
	require.NotNil(t, info.FinishedAt)

	require.Equal(t, 5, ts[0].Works())
	require.Equal(t, 3, ts[1].Works())
	require.Equal(t, 7, ts[2].Works())

	_, ok := w.Current()
	require.False(t, ok)
}

func TestWorker_ExecutesTasksInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	step := func(name string) task.StepFunc {
		return func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	w := New(testOptions()...)

	w.Schedule(task.NewSteps(step("a1"), step("a2")))
	second := w.Schedule(task.NewSteps(step("b1")))
	w.ScheduleNext(task.NewSteps(step("c1")))

	startWorker(t, w)

	_, err := w.Wait(context.Background(), second, 5*time.Second)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a1", "a2", "c1", "b1"}, order)
}

func TestWorker_OneIncrementPerCall(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	w := New(testOptions(WithTracerProvider(tp))...)
	startWorker(t, w)

	c := task.NewCombined([]*tasktester.Task{tasktester.NewTask(2), tasktester.NewTask(1)})
	id := w.Schedule(c)

	_, err := w.Wait(context.Background(), id, 5*time.Second)
	require.NoError(t, err)

	// Three increments plus one skip per sub-task
	spans := exporter.GetSpans()
	require.Len(t, spans, 5)
	for _, s := range spans {
		require.Equal(t, "TaskIncrement", s.Name)
	}
}

func TestWorker_RetriesFailedIncrements(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	m := newRecordingMetrics()

	w := New(testOptions(WithTracerProvider(tp), WithMetrics(m))...)
	startWorker(t, w)

	ft := tasktester.NewTask(2)
	ft.FailNext(errors.New("chunk not loaded"))
	ft.FailNext(errors.New("chunk not loaded"))

	id := w.Schedule(ft)

	info, err := w.Wait(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, StateFinished, info.State)
	require.Equal(t, 0, info.Attempts)
	require.Empty(t, info.Error)
	require.Equal(t, 2, ft.Works())
	require.Equal(t, 0, ft.Cancels())

	require.Equal(t, int64(2), m.counter(metrickeys.IncrementFailed))

	failed := 0
	for _, s := range exporter.GetSpans() {
		if s.Status.Code == codes.Error {
			failed++
		}
	}
	require.Equal(t, 2, failed)
}

func TestWorker_DropsTaskAfterMaxAttempts(t *testing.T) {
	m := newRecordingMetrics()
	w := New(testOptions(WithMetrics(m))...)

	e := errors.New("corrupt region file")
	broken := tasktester.NewTask(1)
	for i := 0; i < 3; i++ {
		broken.FailNext(e)
	}

	next := tasktester.NewTask(1)

	brokenID := w.Schedule(broken)
	nextID := w.Schedule(next)

	startWorker(t, w)

	info, err := w.Wait(context.Background(), brokenID, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, StateFailed, info.State)
	require.Same(t, e, info.Err)
	require.Equal(t, e.Error(), info.Error)
	require.Equal(t, 3, info.Attempts)
	require.Equal(t, 1, broken.Cancels())
	require.Equal(t, 0, broken.Works())

	// The queue moves on
	info, err = w.Wait(context.Background(), nextID, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, StateFinished, info.State)
	require.Equal(t, 1, next.Works())

	require.Equal(t, int64(3), m.counter(metrickeys.IncrementFailed))
	require.Equal(t, int64(2), m.counter(metrickeys.TaskFinished))
}

func TestWorker_RecoversPanics(t *testing.T) {
	w := New(testOptions(WithRetryPolicy(RetryPolicy{MaxAttempts: 1}))...)
	startWorker(t, w)

	id := w.Schedule(task.NewSteps(func(ctx context.Context) error {
		panic("tile out of bounds")
	}))

	info, err := w.Wait(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, StateFailed, info.State)

	var pe *taskerrors.PanicError
	require.ErrorAs(t, info.Err, &pe)
	require.Equal(t, "tile out of bounds", pe.Value())
	require.NotEmpty(t, pe.Stack())
}

func TestWorker_Remove(t *testing.T) {
	w := New(testOptions()...)

	ft := tasktester.NewTask(10)
	id := w.Schedule(ft, WithID("region-1"), WithName("region"))
	require.Equal(t, "region-1", id)

	info, ok := w.Status(id)
	require.True(t, ok)
	require.Equal(t, StateQueued, info.State)

	require.True(t, w.Remove(id))
	require.False(t, w.Remove(id))
	require.False(t, w.Remove("unknown"))

	require.Equal(t, 1, ft.Cancels())
	require.Empty(t, w.Tasks())

	info, ok = w.Status(id)
	require.True(t, ok)
	require.Equal(t, StateRemoved, info.State)
	require.Equal(t, "region", info.Name)
	require.Equal(t, 0.0, info.Progress)

	info, err := w.Wait(context.Background(), id, time.Second)
	require.NoError(t, err)
	require.Equal(t, StateRemoved, info.State)
}

func TestWorker_RemoveAll(t *testing.T) {
	w := New(testOptions()...)

	ts := []*tasktester.Task{tasktester.NewTask(1), tasktester.NewTask(1), tasktester.NewTask(1)}
	var ids []string
	for _, ft := range ts {
		ids = append(ids, w.Schedule(ft))
	}

	w.RemoveAll()

	require.Empty(t, w.Tasks())
	for i, ft := range ts {
		require.Equal(t, 1, ft.Cancels())

		info, ok := w.Status(ids[i])
		require.True(t, ok)
		require.Equal(t, StateRemoved, info.State)
	}
}

func TestWorker_Tasks(t *testing.T) {
	w := New(testOptions()...)

	a := w.Schedule(tasktester.NewTask(1), WithName("a"))
	b := w.Schedule(tasktester.NewTask(1), WithName("b"))
	c := w.ScheduleNext(tasktester.NewTask(1), WithName("c"))

	infos := w.Tasks()
	require.Len(t, infos, 3)
	require.Equal(t, []string{a, c, b}, []string{infos[0].ID, infos[1].ID, infos[2].ID})

	current, ok := w.Current()
	require.True(t, ok)
	require.Equal(t, a, current.ID)
	require.Equal(t, StateQueued, current.State)
}

func TestWorker_StatusUnknown(t *testing.T) {
	w := New(testOptions()...)

	_, ok := w.Status("unknown")
	require.False(t, ok)

	_, err := w.Wait(context.Background(), "unknown", time.Second)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestWorker_WaitTimeout(t *testing.T) {
	w := New(testOptions()...)

	// Worker is not started, the task never finishes
	id := w.Schedule(tasktester.NewTask(1))

	_, err := w.Wait(context.Background(), id, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)
}

func TestWorker_WaitCanceled(t *testing.T) {
	w := New(testOptions()...)
	id := w.Schedule(tasktester.NewTask(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Wait(ctx, id, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWorker_UsesClock(t *testing.T) {
	c := clock.NewMock()
	c.Set(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))

	w := New(testOptions(WithClock(c))...)

	id := w.Schedule(tasktester.NewTask(1))

	c.Add(time.Minute)
	require.True(t, w.Remove(id))

	info, ok := w.Status(id)
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), info.ScheduledAt)
	require.NotNil(t, info.FinishedAt)
	require.Equal(t, time.Date(2024, 1, 1, 12, 1, 0, 0, time.UTC), *info.FinishedAt)
}

func TestWorker_IdleUntilScheduled(t *testing.T) {
	w := New(testOptions(WithWorkers(2))...)
	startWorker(t, w)

	// Give workers a moment to block on the empty queue
	time.Sleep(10 * time.Millisecond)

	ft := tasktester.NewTask(3)
	id := w.Schedule(ft)

	info, err := w.Wait(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, StateFinished, info.State)
	require.Equal(t, 3, ft.Works())
}

func tiles(n int, tile func(i int) error) *task.Steps {
	steps := make([]task.StepFunc, n)
	for i := range steps {
		steps[i] = func(ctx context.Context) error {
			return tile(i)
		}
	}

	return task.NewSteps(steps...)
}

func TestWorker_DropsPermanentlyFailingStep(t *testing.T) {
	m := newRecordingMetrics()
	w := New(testOptions(WithWorkers(3), WithMetrics(m))...)
	startWorker(t, w)

	e := errors.New("corrupt region file")

	id := w.Schedule(tiles(10, func(i int) error {
		if i == 0 {
			return e
		}

		return nil
	}))

	info, err := w.Wait(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, StateFailed, info.State)
	require.Same(t, e, info.Err)
	require.Equal(t, 3, info.Attempts)
	require.Less(t, info.Progress, 1.0)

	// A failure that was in flight when the task was dropped is still counted
	require.GreaterOrEqual(t, m.counter(metrickeys.IncrementFailed), int64(3))
}

func TestWorker_RetryIsSharedByWorkers(t *testing.T) {
	m := newRecordingMetrics()
	w := New(testOptions(WithWorkers(3), WithMetrics(m))...)
	startWorker(t, w)

	var mu sync.Mutex
	runs := map[int]int{}

	id := w.Schedule(tiles(10, func(i int) error {
		mu.Lock()
		defer mu.Unlock()

		runs[i]++
		if i == 0 && runs[i] <= 2 {
			return errors.New("chunk not loaded")
		}

		return nil
	}))

	info, err := w.Wait(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, StateFinished, info.State)
	require.Equal(t, 0, info.Attempts)
	require.Equal(t, 1.0, info.Progress)

	mu.Lock()
	defer mu.Unlock()

	require.Equal(t, 3, runs[0])
	for i := 1; i < 10; i++ {
		require.Equal(t, 1, runs[i], "tile %d", i)
	}

	require.Equal(t, int64(2), m.counter(metrickeys.IncrementFailed))
}

func TestWorker_IncrementSpanAttributes(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	w := New(testOptions(WithTracerProvider(tp))...)
	startWorker(t, w)

	ft := tasktester.NewTask(1)
	ft.FailNext(errors.New("chunk not loaded"))

	id := w.Schedule(ft, WithName("region"))

	_, err := w.Wait(context.Background(), id, 5*time.Second)
	require.NoError(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	require.Equal(t, codes.Error, spans[0].Status.Code)
	require.Equal(t, int64(1), spanAttribute(spans[0], tracing.TaskAttempt).AsInt64())
	require.Equal(t, 0.0, spanAttribute(spans[0], tracing.TaskProgress).AsFloat64())

	require.Equal(t, "region", spanAttribute(spans[1], tracing.TaskName).AsString())
	require.Equal(t, int64(2), spanAttribute(spans[1], tracing.TaskAttempt).AsInt64())
	require.Equal(t, 1.0, spanAttribute(spans[1], tracing.TaskProgress).AsFloat64())
}

func spanAttribute(s tracetest.SpanStub, key string) attribute.Value {
	for _, kv := range s.Attributes {
		if string(kv.Key) == key {
			return kv.Value
		}
	}

	return attribute.Value{}
}
