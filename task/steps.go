package task

import (
	"context"
	"sync"
	"sync/atomic"
)

type StepFunc func(ctx context.Context) error

// Steps is a leaf task made up of a fixed list of step functions, one step per increment.
//
// Concurrent DoWork calls run different steps. If a step fails it is handed back, and the next
// increment attempts it again. The task has more work until every step has completed, so while
// all remaining steps are being run, DoWork waits for one of them to finish.
type Steps struct {
	steps []StepFunc

	mu        sync.Mutex
	next      int
	failed    []int
	completed int
	changed   chan struct{}

	canceled atomic.Bool
}

var _ Task = (*Steps)(nil)

func NewSteps(steps ...StepFunc) *Steps {
	s := make([]StepFunc, len(steps))
	copy(s, steps)

	return &Steps{
		steps:   s,
		changed: make(chan struct{}),
	}
}

func (s *Steps) DoWork(ctx context.Context) error {
	idx, ok, err := s.claim(ctx)
	if err != nil || !ok {
		return err
	}

	succeeded := false
	defer func() {
		s.finish(idx, succeeded)
	}()

	if err := s.steps[idx](ctx); err != nil {
		return err
	}

	succeeded = true
	return nil
}

// claim returns the index of the next step to run.
func (s *Steps) claim(ctx context.Context) (int, bool, error) {
	for {
		s.mu.Lock()

		if !s.hasMoreWork() {
			s.mu.Unlock()
			return 0, false, nil
		}

		// Retry failed steps first
		if len(s.failed) > 0 {
			idx := s.failed[0]
			s.failed = s.failed[1:]
			s.mu.Unlock()
			return idx, true, nil
		}

		if s.next < len(s.steps) {
			idx := s.next
			s.next++
			s.mu.Unlock()
			return idx, true, nil
		}

		changed := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-changed:
		}
	}
}

func (s *Steps) finish(idx int, succeeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if succeeded {
		s.completed++
	} else {
		s.failed = append(s.failed, idx)
	}

	s.notify()
}

func (s *Steps) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Steps) HasMoreWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hasMoreWork()
}

func (s *Steps) hasMoreWork() bool {
	if s.canceled.Load() {
		return false
	}

	return s.completed < len(s.steps)
}

func (s *Steps) EstimateProgress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasMoreWork() {
		return 1
	}

	return float64(s.completed) / float64(len(s.steps))
}

func (s *Steps) Cancel() {
	s.canceled.Store(true)

	s.mu.Lock()
	s.notify()
	s.mu.Unlock()
}
