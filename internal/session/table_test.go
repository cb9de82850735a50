package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lattice-net/mesh-cp/internal/testutil"
	"github.com/lattice-net/mesh-cp/pkg/types"
)

func newTestTable() *Table {
	return NewTable(DefaultQueueSize, testutil.NewTestLogger())
}

func TestOpenReplacesPriorSession(t *testing.T) {
	table := newTestTable()

	first := table.Open("dev-1")
	second := table.Open("dev-1")

	if first.ID == second.ID {
		t.Fatal("expected distinct session ids")
	}
	if table.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", table.Len())
	}

	current, ok := table.Get("dev-1")
	if !ok || current.ID != second.ID {
		t.Errorf("current session = %v, want the newer one", current)
	}

	// The superseded session is closed asynchronously.
	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Error("superseded session never closed")
	}
}

func TestConcurrentOpensLeaveOneSession(t *testing.T) {
	table := newTestTable()

	const n = 50
	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i] = table.Open("dev-1")
		}(i)
	}
	wg.Wait()

	if table.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", table.Len())
	}

	current, ok := table.Get("dev-1")
	if !ok {
		t.Fatal("no session survived")
	}
	found := false
	for _, sess := range sessions {
		if sess.ID == current.ID {
			found = true
			break
		}
	}
	if !found {
		t.Error("surviving session was not one of the opened ones")
	}
}

func TestStaleCloseIsNoOp(t *testing.T) {
	table := newTestTable()

	old := table.Open("dev-1")
	fresh := table.Open("dev-1")

	if table.Close("dev-1", old.ID) {
		t.Error("stale close removed the live session")
	}
	if current, ok := table.Get("dev-1"); !ok || current.ID != fresh.ID {
		t.Error("live session gone after stale close")
	}

	if !table.Close("dev-1", fresh.ID) {
		t.Error("current close failed")
	}
	if table.Len() != 0 {
		t.Errorf("Len() = %d after close, want 0", table.Len())
	}

	// Closing again reports nothing removed.
	if table.Close("dev-1", fresh.ID) {
		t.Error("double close reported a removal")
	}
}

func TestTouchIgnoresOlderReports(t *testing.T) {
	table := newTestTable()
	sess := table.Open("dev-1")

	now := time.Now()
	if !table.Touch("dev-1", []string{"inst-new"}, now) {
		t.Fatal("touch on live session failed")
	}
	// An older report must not roll the set backwards.
	table.Touch("dev-1", []string{"inst-old"}, now.Add(-10*time.Second))

	if got := sess.Running(); len(got) != 1 || got[0] != "inst-new" {
		t.Errorf("Running() = %v, want [inst-new]", got)
	}
	if !sess.LastReport().Equal(now) {
		t.Errorf("LastReport() = %v, want %v", sess.LastReport(), now)
	}

	if table.Touch("dev-missing", nil, now) {
		t.Error("touch succeeded for unknown device")
	}
}

func TestEnqueueAndDrain(t *testing.T) {
	table := newTestTable()
	sess := table.Open("dev-1")

	for i := 0; i < 3; i++ {
		ok := sess.Enqueue(types.Command{
			Kind:       types.CommandRunInstance,
			InstanceID: fmt.Sprintf("inst-%d", i),
		})
		if !ok {
			t.Fatalf("enqueue %d failed", i)
		}
	}

	cmds := sess.NextCommands(context.Background(), 10)
	if len(cmds) != 3 {
		t.Fatalf("drained %d commands, want 3", len(cmds))
	}

	// max caps the drain.
	for i := 0; i < 5; i++ {
		sess.Enqueue(types.Command{Kind: types.CommandStopInstance})
	}
	if cmds := sess.NextCommands(context.Background(), 2); len(cmds) != 2 {
		t.Errorf("drained %d commands, want 2", len(cmds))
	}
}

func TestEnqueueFullQueue(t *testing.T) {
	table := NewTable(2, testutil.NewTestLogger())
	sess := table.Open("dev-1")

	if !sess.Enqueue(types.Command{InstanceID: "a"}) || !sess.Enqueue(types.Command{InstanceID: "b"}) {
		t.Fatal("filling the queue failed")
	}
	if sess.Enqueue(types.Command{InstanceID: "c"}) {
		t.Error("enqueue on a full queue should fail, not block")
	}
}

func TestEnqueueOnClosedSession(t *testing.T) {
	table := newTestTable()
	sess := table.Open("dev-1")
	sess.Close()

	if sess.Enqueue(types.Command{}) {
		t.Error("enqueue succeeded on closed session")
	}
}

func TestNextCommandsWakesOnClose(t *testing.T) {
	table := newTestTable()
	sess := table.Open("dev-1")

	done := make(chan []types.Command, 1)
	go func() {
		done <- sess.NextCommands(context.Background(), 1)
	}()

	time.Sleep(20 * time.Millisecond)
	sess.Close()

	select {
	case cmds := <-done:
		if cmds != nil {
			t.Errorf("closed wait returned %v, want nil", cmds)
		}
	case <-time.After(time.Second):
		t.Fatal("NextCommands did not wake on close")
	}
}

func TestNextCommandsRespectsContext(t *testing.T) {
	table := newTestTable()
	sess := table.Open("dev-1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if cmds := sess.NextCommands(ctx, 1); cmds != nil {
		t.Errorf("expired wait returned %v, want nil", cmds)
	}
}

func TestEvictStale(t *testing.T) {
	table := newTestTable()

	stale := table.Open("dev-stale")
	fresh := table.Open("dev-fresh")

	now := time.Now()
	table.Touch("dev-stale", nil, now.Add(-2*time.Minute))
	table.Touch("dev-fresh", nil, now)

	evicted := table.EvictStale(now.Add(-time.Minute))
	if len(evicted) != 1 || evicted[0].DeviceID != "dev-stale" {
		t.Fatalf("evicted = %v, want [dev-stale]", evicted)
	}
	select {
	case <-stale.Done():
	default:
		t.Error("evicted session not closed")
	}

	if _, ok := table.Get("dev-fresh"); !ok {
		t.Error("fresh session evicted")
	}
	if _, ok := table.Get("dev-stale"); ok {
		t.Error("stale session still present")
	}
	_ = fresh
}

func TestEvictStaleUsesConnectTimeBeforeFirstReport(t *testing.T) {
	table := newTestTable()

	sess := table.Open("dev-1")
	// Never reported; its connect time is in the recent past, so a deadline
	// before that must not evict it.
	if evicted := table.EvictStale(time.Now().Add(-time.Minute)); len(evicted) != 0 {
		t.Errorf("evicted %v, want none", evicted)
	}
	// A deadline after the connect time evicts it.
	if evicted := table.EvictStale(time.Now().Add(time.Minute)); len(evicted) != 1 {
		t.Errorf("evicted %d, want 1", len(evicted))
	}
	_ = sess
}
