package presence

import "time"

// Task is a pending scheduled callback which can be cancelled. Every state
// transition the tracker schedules is held as a Task so teardown always has a
// single obvious cancellation point.
type Task interface {
	// Cancel stops the task. Returns true if it was cancelled before firing.
	Cancel() bool
}

// Scheduler creates one-shot cancellable tasks. Abstracted from the clock so
// tests can fire transitions deterministically.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) Task
}

type timerTask struct {
	t *time.Timer
}

func (t timerTask) Cancel() bool {
	return t.t.Stop()
}

type timerScheduler struct{}

func (timerScheduler) Schedule(d time.Duration, fn func()) Task {
	return timerTask{t: time.AfterFunc(d, fn)}
}

// NewScheduler returns the production scheduler, backed by time.AfterFunc.
func NewScheduler() Scheduler {
	return timerScheduler{}
}
