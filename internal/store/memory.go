package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"tavolo/internal/sched"
)

// Memory is the in-process reference implementation of Store. It keeps the
// session tree as nested maps, resolves timestamp sentinels against its own
// clock, and delivers changes to every subscriber in global write order.
//
// Dispatch is re-entrancy safe: a callback may write to the store, and the
// resulting notifications are queued behind the one in flight instead of
// nesting.
type Memory struct {
	mu       sync.Mutex
	root     map[string]any
	subs     map[Handle]*subscription
	nextSub  Handle
	clock    sched.Clock
	journal  *Journal
	lastAt   int64
	pending  []queuedChange
	draining bool
	closed   bool
}

type subscription struct {
	path string
	fn   ChangeFunc
}

type queuedChange struct {
	fn     ChangeFunc
	change Change
}

func NewMemory(clock sched.Clock) *Memory {
	if clock == nil {
		clock = sched.NewSystem()
	}
	return &Memory{
		root:    make(map[string]any),
		subs:    make(map[Handle]*subscription),
		clock:   clock,
		journal: NewJournal(DefaultJournalCapacity, DefaultJournalMaxAge),
	}
}

// Close drops all subscriptions; further writes fail with ErrClosed.
func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	m.subs = make(map[Handle]*subscription)
	m.pending = nil
	m.mu.Unlock()
}

func (m *Memory) ServerTimestamp() any {
	return TimestampSentinel
}

// stamp returns a strictly increasing unix-millisecond timestamp, so writes
// that land within the same millisecond still order.
func (m *Memory) stampLocked() int64 {
	now := m.clock.Now().UnixMilli()
	if now <= m.lastAt {
		now = m.lastAt + 1
	}
	m.lastAt = now
	return now
}

func (m *Memory) Set(ctx context.Context, path string, value any) error {
	segments, err := SplitPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	at := m.stampLocked()
	normalized, err := normalize(value, at)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	writeAt(m.root, segments, normalized)
	m.journal.Record(ChangeRecord{Path: path, Op: OpSet, At: at})
	m.enqueueLocked(path, at)
	m.mu.Unlock()
	m.drain()
	return nil
}

func (m *Memory) Update(ctx context.Context, path string, fields map[string]any) error {
	segments, err := SplitPath(path)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	existing, ok := readAt(m.root, segments)
	record, isMap := existing.(map[string]any)
	if !ok || !isMap {
		// Updating a deleted or non-record path is a silent no-op; callers
		// resubscribe rather than trust stale references.
		m.mu.Unlock()
		return nil
	}
	at := m.stampLocked()
	for key, value := range fields {
		normalized, err := normalize(value, at)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		record[key] = normalized
	}
	m.journal.Record(ChangeRecord{Path: path, Op: OpUpdate, At: at})
	m.enqueueLocked(path, at)
	m.mu.Unlock()
	m.drain()
	return nil
}

func (m *Memory) Remove(ctx context.Context, path string) error {
	segments, err := SplitPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if !deleteAt(m.root, segments) {
		// Removing an absent path is a no-op so concurrent evictions race
		// harmlessly.
		m.mu.Unlock()
		return nil
	}
	at := m.stampLocked()
	m.journal.Record(ChangeRecord{Path: path, Op: OpRemove, At: at})
	m.enqueueLocked(path, at)
	m.mu.Unlock()
	m.drain()
	return nil
}

func (m *Memory) Push(ctx context.Context, path string, value any) (string, error) {
	key := uuid.NewString()
	if err := m.Set(ctx, JoinPath(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

// Subscribe registers fn for changes at path. The current value is delivered
// once immediately so subscribers never start blind.
func (m *Memory) Subscribe(path string, fn ChangeFunc) (Handle, error) {
	segments, err := SplitPath(path)
	if err != nil {
		return 0, err
	}
	if fn == nil {
		return 0, fmt.Errorf("store: nil change func")
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	m.nextSub++
	handle := m.nextSub
	m.subs[handle] = &subscription{path: path, fn: fn}
	value, _ := readAt(m.root, segments)
	m.pending = append(m.pending, queuedChange{
		fn:     fn,
		change: Change{Path: path, Value: clone(value), At: m.lastAt},
	})
	m.mu.Unlock()
	m.drain()
	return handle, nil
}

func (m *Memory) Unsubscribe(handle Handle) {
	m.mu.Lock()
	delete(m.subs, handle)
	m.mu.Unlock()
}

// SubscriberCount reports live subscriptions, for diagnostics and leak tests.
func (m *Memory) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Snapshot returns a deep copy of the value at path, nil when absent.
func (m *Memory) Snapshot(path string) any {
	segments, err := SplitPath(path)
	if err != nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	value, _ := readAt(m.root, segments)
	return clone(value)
}

// JournalStats exposes the change journal for diagnostics.
func (m *Memory) JournalStats() JournalStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.journal.Stats(m.clock.Now())
}

func (m *Memory) enqueueLocked(writePath string, at int64) {
	for _, sub := range m.subs {
		if !isRelated(sub.path, writePath) {
			continue
		}
		segments, err := SplitPath(sub.path)
		if err != nil {
			continue
		}
		value, _ := readAt(m.root, segments)
		m.pending = append(m.pending, queuedChange{
			fn:     sub.fn,
			change: Change{Path: sub.path, Value: clone(value), At: at},
		})
	}
}

// drain delivers queued changes one at a time. Only one goroutine drains at a
// time; changes enqueued by a callback are appended and delivered by the
// already-running drain, preserving write order.
func (m *Memory) drain() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		next.fn(next.change)
		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

// normalize round-trips a value through JSON so stored data has uniform shape
// (maps, slices, float64, string, bool, nil) and resolves timestamp sentinels
// to the commit time.
func normalize(value any, at int64) (any, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("store: encode value: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("store: decode value: %w", err)
	}
	return resolveSentinels(decoded, at), nil
}

func resolveSentinels(value any, at int64) any {
	if IsTimestampSentinel(value) {
		return float64(at)
	}
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			typed[key] = resolveSentinels(child, at)
		}
		return typed
	case []any:
		for i, child := range typed {
			typed[i] = resolveSentinels(child, at)
		}
		return typed
	default:
		return value
	}
}

func clone(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		copied := make(map[string]any, len(typed))
		for key, child := range typed {
			copied[key] = clone(child)
		}
		return copied
	case []any:
		copied := make([]any, len(typed))
		for i, child := range typed {
			copied[i] = clone(child)
		}
		return copied
	default:
		return value
	}
}

func writeAt(root map[string]any, segments []string, value any) {
	node := root
	for _, segment := range segments[:len(segments)-1] {
		child, ok := node[segment].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[segment] = child
		}
		node = child
	}
	node[segments[len(segments)-1]] = value
}

func readAt(root map[string]any, segments []string) (any, bool) {
	node := any(root)
	for _, segment := range segments {
		asMap, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = asMap[segment]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

func deleteAt(root map[string]any, segments []string) bool {
	node := root
	for _, segment := range segments[:len(segments)-1] {
		child, ok := node[segment].(map[string]any)
		if !ok {
			return false
		}
		node = child
	}
	last := segments[len(segments)-1]
	if _, ok := node[last]; !ok {
		return false
	}
	delete(node, last)
	return true
}
