package shutter

import (
	"context"
	"sync"
	"time"
)

// Mock is an in-memory stand in for a Controller, used on benches without
// the hardware and in tests
type Mock struct {
	sync.Mutex

	state State

	// History records every state commanded, in order
	History []State

	// Latency is how long the fake blade takes to move
	Latency time.Duration

	// FailSettleAt, when >= 0, makes the Nth Settle call time out
	// (0-indexed).  -1 disables.
	FailSettleAt int

	settleCalls int
	closed      bool
}

// NewMock returns a Mock that never fails to settle
func NewMock() *Mock {
	return &Mock{FailSettleAt: -1}
}

// Set records and applies the commanded state after Latency
func (m *Mock) Set(s State) error {
	m.Lock()
	defer m.Unlock()
	m.History = append(m.History, s)
	m.state = s
	return nil
}

// State reports the last commanded state
func (m *Mock) State() (State, error) {
	m.Lock()
	defer m.Unlock()
	return m.state, nil
}

// Settle waits Latency, or fails with ErrSettleTimeout on the configured
// call
func (m *Mock) Settle(ctx context.Context, want State, window time.Duration) error {
	m.Lock()
	n := m.settleCalls
	m.settleCalls++
	fail := m.FailSettleAt >= 0 && n == m.FailSettleAt
	latency := m.Latency
	m.Unlock()
	if fail {
		return ErrSettleTimeout
	}
	if latency == 0 {
		return nil
	}
	select {
	case <-time.After(latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close is idempotent
func (m *Mock) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close has been called
func (m *Mock) Closed() bool {
	m.Lock()
	defer m.Unlock()
	return m.closed
}
