package player

import (
	"sync"
	"time"
)

// ClockMedia is a Media driven by a wall clock: while playing, its position advances
// with elapsed time until it reaches its duration.
type ClockMedia struct {
	now      func() time.Time
	duration time.Duration

	mu      sync.Mutex
	playing bool
	base    time.Duration
	since   time.Time
}

// NewClockMedia returns a paused media at offset zero. now may be nil (time.Now).
// A zero duration means unbounded.
func NewClockMedia(duration time.Duration, now func() time.Time) *ClockMedia {
	if now == nil {
		now = time.Now
	}
	return &ClockMedia{now: now, duration: duration}
}

func (m *ClockMedia) Play() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.playing {
		return
	}
	m.playing = true
	m.since = m.now()
}

func (m *ClockMedia) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.playing {
		return
	}
	m.base = m.positionLocked()
	m.playing = false
}

func (m *ClockMedia) SeekTo(offset time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.base = offset
	m.since = m.now()
}

func (m *ClockMedia) Position() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionLocked()
}

func (m *ClockMedia) Duration() time.Duration { return m.duration }

func (m *ClockMedia) positionLocked() time.Duration {
	pos := m.base
	if m.playing {
		pos += m.now().Sub(m.since)
	}
	if m.duration > 0 && pos > m.duration {
		pos = m.duration
	}
	return pos
}
