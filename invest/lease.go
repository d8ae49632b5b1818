/*
lease.go - Single-holder run lease

PURPOSE:
  Mutual exclusion for payout runs. The daily timer, the fast timer and
  the manual HTTP trigger all invoke the same orchestrator; without a
  gate, two overlapping runs could both select the same due position.
  Every trigger acquires the same named lease before entering the engine.

EXPIRY:
  The lease carries a TTL so a crashed holder cannot wedge the system.
  A held-but-expired lease is treated as free.

SCOPE:
  In-process; the engine deploys as a single binary, so a process-local
  lease is sufficient. The type is small enough to swap for a DB-backed
  lease without touching the engine.
*/
package invest

import (
	"sync"
	"time"
)

// RunLease is a single-holder lock keyed by a fixed run identifier, held
// for the run's duration and released on completion or TTL expiry.
type RunLease struct {
	name string
	ttl  time.Duration

	mu         sync.Mutex
	holder     string
	acquiredAt time.Time
}

// NewRunLease creates a lease. ttl <= 0 defaults to one hour, which
// comfortably exceeds any sane batch duration.
func NewRunLease(name string, ttl time.Duration) *RunLease {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RunLease{name: name, ttl: ttl}
}

func (l *RunLease) Name() string { return l.name }

// TryAcquire takes the lease for holder, or returns ErrRunInProgress if
// another holder has it and the TTL has not elapsed. Never blocks.
func (l *RunLease) TryAcquire(holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder != "" && time.Since(l.acquiredAt) < l.ttl {
		return ErrRunInProgress
	}

	l.holder = holder
	l.acquiredAt = time.Now()
	return nil
}

// Release frees the lease if holder still owns it. Releasing a lease
// taken over after expiry is a no-op.
func (l *RunLease) Release(holder string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder == holder {
		l.holder = ""
	}
}

// Held reports whether the lease is currently held and unexpired.
func (l *RunLease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder != "" && time.Since(l.acquiredAt) < l.ttl
}
