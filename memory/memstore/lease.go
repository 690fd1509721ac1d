package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memhive/memoryd/memory"
)

type leaseState struct {
	token   string
	expires time.Time
}

// Leases is an in-process LeaseManager. Expired leases are reclaimed on
// the next Acquire of the same name.
type Leases struct {
	mu    sync.Mutex
	held  map[string]leaseState
	clock func() time.Time
}

// NewLeases returns an empty lease manager.
func NewLeases() *Leases {
	return &Leases{held: make(map[string]leaseState), clock: time.Now}
}

// WithClock overrides the clock in tests.
func (l *Leases) WithClock(clock func() time.Time) *Leases {
	l.clock = clock
	return l
}

func (l *Leases) Acquire(ctx context.Context, name string, ttl time.Duration) (memory.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if s, ok := l.held[name]; ok && s.expires.After(now) {
		return nil, fmt.Errorf("lease %s: %w", name, memory.ErrLeaseHeld)
	}
	token := uuid.NewString()
	l.held[name] = leaseState{token: token, expires: now.Add(ttl)}
	return &memLease{mgr: l, name: name, token: token}, nil
}

type memLease struct {
	mgr   *Leases
	name  string
	token string
}

// Release frees the lease unless it already expired and was re-acquired.
func (ml *memLease) Release(ctx context.Context) error {
	ml.mgr.mu.Lock()
	defer ml.mgr.mu.Unlock()
	if s, ok := ml.mgr.held[ml.name]; ok && s.token == ml.token {
		delete(ml.mgr.held, ml.name)
	}
	return nil
}

var _ memory.LeaseManager = (*Leases)(nil)
