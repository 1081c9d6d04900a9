package coordinate

import (
	"errors"
	"sync"
)

// ErrTargetBusy is returned when a run is requested against a target that
// already has an active run.
var ErrTargetBusy = errors.New("target already has an active migration run")

// targetLocks serializes runs per target within this process. Acquisition
// never blocks: a second run against a busy target is rejected outright so
// the caller can surface the conflict instead of queueing silently.
type targetLocks struct {
	mu   sync.Mutex
	held map[string]string
}

func newTargetLocks() *targetLocks {
	return &targetLocks{held: make(map[string]string)}
}

// TryAcquire claims the target for runID or fails with ErrTargetBusy.
func (l *targetLocks) TryAcquire(target, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[target]; busy {
		return ErrTargetBusy
	}
	l.held[target] = runID
	return nil
}

// Release frees the target. Releasing an unheld target is a no-op.
func (l *targetLocks) Release(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, target)
}

// Holder returns the run currently holding the target, if any.
func (l *targetLocks) Holder(target string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.held[target]
	return id, ok
}
