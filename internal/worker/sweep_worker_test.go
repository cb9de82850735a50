package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lattice-net/mesh-cp/internal/session"
	"github.com/lattice-net/mesh-cp/internal/testutil"
)

type mockRegistry struct {
	mu     sync.Mutex
	marked map[string]bool
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{marked: make(map[string]bool)}
}

func (m *mockRegistry) SetReachability(_ context.Context, deviceID string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked[deviceID] = online
	return nil
}

func (m *mockRegistry) reachability(deviceID string) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.marked[deviceID]
	return v, ok
}

func TestSweepEvictsStaleSessions(t *testing.T) {
	logger := testutil.NewTestLogger()
	table := session.NewTable(session.DefaultQueueSize, logger)
	registry := newMockRegistry()

	w := NewSweepWorker(table, registry, SweepConfig{
		Interval: time.Minute,
		Timeout:  90 * time.Second,
	}, nil, logger)

	table.Open("dev-stale")
	table.Open("dev-fresh")

	now := time.Now()
	table.Touch("dev-stale", nil, now.Add(-5*time.Minute))
	table.Touch("dev-fresh", nil, now)

	if n := w.RunOnce(context.Background()); n != 1 {
		t.Fatalf("RunOnce() evicted %d, want 1", n)
	}

	if online, ok := registry.reachability("dev-stale"); !ok || online {
		t.Error("stale device not marked offline")
	}
	if _, ok := registry.reachability("dev-fresh"); ok {
		t.Error("fresh device's reachability touched")
	}
	if table.Len() != 1 {
		t.Errorf("Len() = %d after sweep, want 1", table.Len())
	}
}

func TestSweepNoStaleSessions(t *testing.T) {
	logger := testutil.NewTestLogger()
	table := session.NewTable(session.DefaultQueueSize, logger)
	registry := newMockRegistry()

	w := NewSweepWorker(table, registry, DefaultSweepConfig(), nil, logger)

	table.Open("dev-1")
	table.Touch("dev-1", nil, time.Now())

	if n := w.RunOnce(context.Background()); n != 0 {
		t.Errorf("RunOnce() evicted %d, want 0", n)
	}
	if len(registry.marked) != 0 {
		t.Error("registry touched with nothing evicted")
	}
}

func TestSweepWorkerStop(t *testing.T) {
	logger := testutil.NewTestLogger()
	table := session.NewTable(session.DefaultQueueSize, logger)

	w := NewSweepWorker(table, newMockRegistry(), SweepConfig{
		Interval: 10 * time.Millisecond,
		Timeout:  time.Minute,
	}, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	time.Sleep(30 * time.Millisecond)
	w.Stop()
	// Stop must not panic or hang; a second tick after Stop must not fire.
	time.Sleep(30 * time.Millisecond)
}
