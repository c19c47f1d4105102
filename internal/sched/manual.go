package sched

import (
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic scheduler for tests. Time only moves when Advance
// is called; due tasks fire synchronously on the advancing goroutine, in due
// order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	tasks  map[int]*manualTask
}

type manualTask struct {
	id       int
	due      time.Time
	interval time.Duration // zero for one-shot
	fn       func()
}

func NewManual(start time.Time) *Manual {
	return &Manual{
		now:   start,
		tasks: make(map[int]*manualTask),
	}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Repeat(interval time.Duration, fn func()) CancelFunc {
	if interval <= 0 || fn == nil {
		return func() {}
	}
	return m.add(interval, interval, fn)
}

func (m *Manual) After(delay time.Duration, fn func()) CancelFunc {
	if fn == nil {
		return func() {}
	}
	if delay < 0 {
		delay = 0
	}
	return m.add(delay, 0, fn)
}

func (m *Manual) add(delay, interval time.Duration, fn func()) CancelFunc {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.tasks[id] = &manualTask{
		id:       id,
		due:      m.now.Add(delay),
		interval: interval,
		fn:       fn,
	}
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.tasks, id)
			m.mu.Unlock()
		})
	}
}

// Advance moves the clock forward, firing every task that comes due along the
// way. A repeating task may fire multiple times within one Advance.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		task, ok := m.nextDue(target)
		if !ok {
			break
		}
		task.fn()
	}

	m.mu.Lock()
	if target.After(m.now) {
		m.now = target
	}
	m.mu.Unlock()
}

// nextDue pops the earliest task due at or before target, moving the clock to
// its due time. Repeating tasks are rescheduled before their callback runs so
// the callback may cancel them.
func (m *Manual) nextDue(target time.Time) (*manualTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := make([]*manualTask, 0, len(m.tasks))
	for _, task := range m.tasks {
		if !task.due.After(target) {
			pending = append(pending, task)
		}
	}
	if len(pending) == 0 {
		return nil, false
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].due.Equal(pending[j].due) {
			return pending[i].id < pending[j].id
		}
		return pending[i].due.Before(pending[j].due)
	})
	task := pending[0]
	if task.due.After(m.now) {
		m.now = task.due
	}
	if task.interval > 0 {
		task.due = task.due.Add(task.interval)
	} else {
		delete(m.tasks, task.id)
	}
	return task, true
}

// PendingTasks reports how many scheduled tasks are still live. Teardown tests
// use it to detect leaked timers.
func (m *Manual) PendingTasks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}
