// Package sideeffect tracks named disposers (subscriptions, timers) so an owner can
// release everything it acquired in one deterministic step.
//
// Registering under a name that is already in use disposes the previous entry first,
// which makes SetTimeout a cancel-and-restart debounce primitive.
package sideeffect

import (
	"strconv"
	"sync"
	"time"
)

// Disposer releases a single acquired resource.
type Disposer func()

type entry struct {
	dispose Disposer
}

// Manager owns a set of named disposers. The zero value is ready to use.
type Manager struct {
	mu      sync.Mutex
	effects map[string]*entry
	seq     int
}

// Add runs setup immediately and keeps the disposer it returns under name.
// An empty name allocates a unique one. The resolved name is returned.
func (m *Manager) Add(name string, setup func() Disposer) string {
	return m.Push(name, setup())
}

// Push stores an already acquired disposer under name.
func (m *Manager) Push(name string, d Disposer) string {
	name, _ = m.push(name, d)
	return name
}

func (m *Manager) push(name string, d Disposer) (string, *entry) {
	e := &entry{dispose: d}
	m.mu.Lock()
	if m.effects == nil {
		m.effects = make(map[string]*entry)
	}
	if name == "" {
		m.seq++
		name = "effect-" + strconv.Itoa(m.seq)
	}
	prev := m.effects[name]
	m.effects[name] = e
	m.mu.Unlock()

	if prev != nil && prev.dispose != nil {
		prev.dispose()
	}
	return name, e
}

// SetTimeout schedules fn after d. A pending timer with the same name is cancelled, so
// repeated calls collapse into one invocation timed from the last call.
func (m *Manager) SetTimeout(name string, d time.Duration, fn func()) string {
	var (
		once sync.Once
		mu   sync.Mutex
		self *entry
		key  string
	)
	t := time.AfterFunc(d, func() {
		once.Do(func() {
			mu.Lock()
			m.remove(key, self)
			mu.Unlock()
			fn()
		})
	})
	mu.Lock()
	key, self = m.push(name, func() {
		once.Do(func() {})
		t.Stop()
	})
	mu.Unlock()
	return key
}

// FlushAll disposes every entry.
func (m *Manager) FlushAll() {
	m.mu.Lock()
	effects := m.effects
	m.effects = nil
	m.mu.Unlock()
	for _, e := range effects {
		if e.dispose != nil {
			e.dispose()
		}
	}
}

// Len reports how many entries are currently held.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.effects)
}

// remove drops e without disposing it, unless name has since been taken by a newer entry.
func (m *Manager) remove(name string, e *entry) {
	m.mu.Lock()
	if cur, ok := m.effects[name]; ok && cur == e {
		delete(m.effects, name)
	}
	m.mu.Unlock()
}
