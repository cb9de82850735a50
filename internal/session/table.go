// Package session tracks live device connections.
//
// The table is the only place that knows whether a device is reachable right
// now. Entries are ephemeral and never persisted; the durable device row in
// the store remains the source of truth when no session exists.
//
// # Concurrency
//
// The table keys sessions by device id with per-key atomic replace and
// compare-and-remove semantics (sync.Map), so operations on different
// devices never block each other and none of them is ever held across I/O.
// At most one live session exists per device id: a new connection atomically
// replaces the previous one, and a stale close cannot evict a newer session.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-net/mesh-cp/pkg/types"
)

// DefaultQueueSize bounds the per-session outbound command queue.
const DefaultQueueSize = 16

// Session is the in-memory record of one device's live connection. It owns a
// bounded outbound command queue that stands in for the device's transport
// handle: the reconciler and controller enqueue start/stop commands, the
// gateway drains them toward the device.
type Session struct {
	ID          string
	DeviceID    string
	ConnectedAt time.Time

	queue chan types.Command

	closeOnce sync.Once
	closed    chan struct{}

	mu         sync.Mutex
	lastReport time.Time
	running    map[string]struct{}
}

func newSession(deviceID string, queueSize int) *Session {
	return &Session{
		ID:          uuid.New().String(),
		DeviceID:    deviceID,
		ConnectedAt: time.Now(),
		queue:       make(chan types.Command, queueSize),
		closed:      make(chan struct{}),
		running:     make(map[string]struct{}),
	}
}

// touch records a heartbeat. A report older than the last one recorded is
// ignored so out-of-order transports cannot roll the cached set backwards.
func (s *Session) touch(reported []string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.Before(s.lastReport) {
		return
	}
	s.lastReport = at
	s.running = make(map[string]struct{}, len(reported))
	for _, id := range reported {
		s.running[id] = struct{}{}
	}
}

// LastReport returns when the device last heartbeated over this session.
// The zero time means it connected but has not reported yet.
func (s *Session) LastReport() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReport
}

// Running returns the last reported running instance ids, sorted.
func (s *Session) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Enqueue adds a command to the outbound queue without blocking. It reports
// false when the session is closed or the queue is full; the caller logs and
// relies on the next heartbeat's diff to retry.
func (s *Session) Enqueue(cmd types.Command) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.queue <- cmd:
		return true
	default:
		return false
	}
}

// NextCommands blocks until at least one command is queued, then drains up
// to max without blocking further. It returns nil when the context is done
// or the session closes, which also cancels any wait for a device that has
// disconnected.
func (s *Session) NextCommands(ctx context.Context, max int) []types.Command {
	var first types.Command
	select {
	case first = <-s.queue:
	case <-s.closed:
		return nil
	case <-ctx.Done():
		return nil
	}

	cmds := []types.Command{first}
	for len(cmds) < max {
		select {
		case cmd := <-s.queue:
			cmds = append(cmds, cmd)
		default:
			return cmds
		}
	}
	return cmds
}

// Close marks the session dead and wakes any pending command wait.
// Safe to call multiple times.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Done returns a channel closed when the session is torn down.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Table is the concurrent session table, at most one live session per device.
type Table struct {
	sessions  sync.Map // device id -> *Session
	queueSize int
	logger    *slog.Logger
}

// NewTable creates a session table. queueSize <= 0 uses DefaultQueueSize.
func NewTable(queueSize int, logger *slog.Logger) *Table {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Table{
		queueSize: queueSize,
		logger:    logger.With("component", "session_table"),
	}
}

// Open installs a new session for the device, atomically replacing any prior
// one. The prior session is closed best-effort after the new one is in
// place, so a reader never observes a connected device with no session.
func (t *Table) Open(deviceID string) *Session {
	sess := newSession(deviceID, t.queueSize)
	prev, loaded := t.sessions.Swap(deviceID, sess)
	if loaded {
		old := prev.(*Session)
		t.logger.Info("session superseded",
			"device_id", deviceID,
			"old_session", old.ID,
			"new_session", sess.ID,
		)
		go old.Close()
	} else {
		t.logger.Debug("session opened", "device_id", deviceID, "session_id", sess.ID)
	}
	return sess
}

// Close removes the session only if sessionID still identifies the current
// occupant. A close racing a reconnect therefore cannot evict the newer
// session. Reports whether an entry was removed.
func (t *Table) Close(deviceID, sessionID string) bool {
	v, ok := t.sessions.Load(deviceID)
	if !ok {
		return false
	}
	sess := v.(*Session)
	if sess.ID != sessionID {
		return false
	}
	// CompareAndDelete fails if the slot changed since Load, which means a
	// newer session won the race; leave it alone.
	if !t.sessions.CompareAndDelete(deviceID, v) {
		return false
	}
	sess.Close()
	t.logger.Debug("session closed", "device_id", deviceID, "session_id", sessionID)
	return true
}

// Touch updates liveness and the cached reported set for the device's
// current session. Reports false when the device has no live session (the
// heartbeat arrived after teardown); callers log and drop it.
func (t *Table) Touch(deviceID string, reported []string, at time.Time) bool {
	v, ok := t.sessions.Load(deviceID)
	if !ok {
		return false
	}
	v.(*Session).touch(reported, at)
	return true
}

// Get returns the device's current session, if any.
func (t *Table) Get(deviceID string) (*Session, bool) {
	v, ok := t.sessions.Load(deviceID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	n := 0
	t.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// EvictStale removes sessions whose last heartbeat (or connect time, if they
// never reported) is older than the deadline, returning the evicted
// sessions. Only the liveness sweep may declare a device unreachable absent
// an explicit close, and it does so through this method.
func (t *Table) EvictStale(deadline time.Time) []*Session {
	var evicted []*Session
	t.sessions.Range(func(key, v any) bool {
		sess := v.(*Session)
		last := sess.LastReport()
		if last.IsZero() {
			last = sess.ConnectedAt
		}
		if last.After(deadline) {
			return true
		}
		if t.sessions.CompareAndDelete(key, v) {
			sess.Close()
			evicted = append(evicted, sess)
		}
		return true
	})
	return evicted
}
