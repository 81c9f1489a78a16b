package player

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultTickInterval is the timeupdate cadence while playing.
const DefaultTickInterval = 250 * time.Millisecond

// PhaseReporter is implemented by tracks that can report buffering on their own.
type PhaseReporter interface {
	Phase() Phase
}

type durationer interface {
	Duration() time.Duration
}

// Options configures a SyncPlayer.
type Options struct {
	// Duration of the composed timeline. Zero derives it from the longest track.
	Duration time.Duration
	// TickInterval is the timeupdate cadence. Zero means DefaultTickInterval.
	TickInterval time.Duration
	// Now is the clock source. Nil means time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// SyncPlayer composes AtomPlayers into one transport. Its own clock is authoritative:
// tracks are told where to be, and CurrentTime never reports a pre-seek position once
// Seek has returned.
type SyncPlayer struct {
	players  []AtomPlayer
	duration time.Duration
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger

	mu      sync.Mutex
	playing bool
	base    time.Duration
	since   time.Time
	phase   Phase
	stop    chan struct{}
	closed  bool
	nextID  int
	onTime  map[int]func(time.Duration)
	onPhase map[int]func(Phase)
}

// NewSyncPlayer composes the given players. Nil entries (tracks that failed to load)
// are skipped; the remaining tracks still form a working transport.
func NewSyncPlayer(players []AtomPlayer, opts Options) *SyncPlayer {
	sp := &SyncPlayer{
		duration: opts.Duration,
		interval: opts.TickInterval,
		now:      opts.Now,
		log:      opts.Logger,
		phase:    PhasePaused,
		onTime:   make(map[int]func(time.Duration)),
		onPhase:  make(map[int]func(Phase)),
	}
	if sp.interval <= 0 {
		sp.interval = DefaultTickInterval
	}
	if sp.now == nil {
		sp.now = time.Now
	}
	if sp.log == nil {
		sp.log = slog.Default()
	}
	sp.log = sp.log.With(slog.String("component", "sync_player"))
	for _, p := range players {
		if p == nil {
			continue
		}
		sp.players = append(sp.players, p)
		if d, ok := p.(durationer); ok && opts.Duration == 0 && d.Duration() > sp.duration {
			sp.duration = d.Duration()
		}
	}
	return sp
}

// Name identifies the aggregate transport.
func (sp *SyncPlayer) Name() string { return "sync" }

// Duration is the composed timeline length; zero when unbounded.
func (sp *SyncPlayer) Duration() time.Duration { return sp.duration }

// Play starts every track and the timeupdate loop. Playing from the end restarts at zero.
func (sp *SyncPlayer) Play() {
	sp.mu.Lock()
	if sp.closed || sp.playing {
		sp.mu.Unlock()
		return
	}
	restart := sp.duration > 0 && sp.base >= sp.duration
	if restart {
		sp.base = 0
	}
	sp.playing = true
	sp.since = sp.now()
	stop := make(chan struct{})
	sp.stop = stop
	sp.mu.Unlock()

	for _, p := range sp.players {
		if restart {
			p.Seek(0)
		}
		p.Play()
	}
	go sp.loop(stop)
	sp.setPhase(PhasePlaying)
}

// Pause stops every track and the timeupdate loop.
func (sp *SyncPlayer) Pause() {
	sp.mu.Lock()
	if !sp.playing {
		sp.mu.Unlock()
		return
	}
	sp.base = sp.positionLocked()
	sp.playing = false
	sp.stopLoopLocked()
	sp.mu.Unlock()

	for _, p := range sp.players {
		p.Pause()
	}
	sp.setPhase(PhasePaused)
}

// Seek moves the clock to offset before broadcasting to the tracks, then emits one
// timeupdate so observers see the new position even while paused.
func (sp *SyncPlayer) Seek(offset time.Duration) {
	offset = clampOffset(offset, sp.duration)
	sp.mu.Lock()
	if sp.closed {
		sp.mu.Unlock()
		return
	}
	sp.base = offset
	sp.since = sp.now()
	sp.mu.Unlock()

	for _, p := range sp.players {
		p.Seek(offset)
	}
	sp.log.Debug("seek", slog.Duration("offset", offset))
	sp.emitTime(offset)
}

// CurrentTime reports the aggregated position.
func (sp *SyncPlayer) CurrentTime() time.Duration {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.positionLocked()
}

// Phase reports the last emitted phase.
func (sp *SyncPlayer) Phase() Phase {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.phase
}

// OnTimeUpdate registers fn for timeupdate notifications and returns its unsubscribe func.
func (sp *SyncPlayer) OnTimeUpdate(fn func(time.Duration)) func() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.nextID++
	id := sp.nextID
	sp.onTime[id] = fn
	return func() {
		sp.mu.Lock()
		delete(sp.onTime, id)
		sp.mu.Unlock()
	}
}

// OnPhase registers fn for phase changes and returns its unsubscribe func.
func (sp *SyncPlayer) OnPhase(fn func(Phase)) func() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.nextID++
	id := sp.nextID
	sp.onPhase[id] = fn
	return func() {
		sp.mu.Lock()
		delete(sp.onPhase, id)
		sp.mu.Unlock()
	}
}

// Close stops the loop, pauses the tracks and drops every subscriber. Safe to call twice.
func (sp *SyncPlayer) Close() {
	sp.mu.Lock()
	if sp.closed {
		sp.mu.Unlock()
		return
	}
	sp.closed = true
	wasPlaying := sp.playing
	sp.playing = false
	sp.stopLoopLocked()
	sp.onTime = make(map[int]func(time.Duration))
	sp.onPhase = make(map[int]func(Phase))
	sp.mu.Unlock()

	if wasPlaying {
		for _, p := range sp.players {
			p.Pause()
		}
	}
}

func (sp *SyncPlayer) loop(stop chan struct{}) {
	ticker := time.NewTicker(sp.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		sp.mu.Lock()
		if sp.stop != stop || !sp.playing {
			sp.mu.Unlock()
			return
		}
		pos := sp.positionLocked()
		ended := sp.duration > 0 && pos >= sp.duration
		if ended {
			sp.base = sp.duration
			sp.playing = false
			sp.stopLoopLocked()
		}
		sp.mu.Unlock()

		if ended {
			for _, p := range sp.players {
				p.Pause()
			}
			sp.emitTime(pos)
			sp.setPhase(PhaseEnded)
			return
		}
		sp.setPhase(sp.trackPhase())
		sp.emitTime(pos)
	}
}

// trackPhase is buffering while any track says so, playing otherwise.
func (sp *SyncPlayer) trackPhase() Phase {
	for _, p := range sp.players {
		if r, ok := p.(PhaseReporter); ok && r.Phase() == PhaseBuffering {
			return PhaseBuffering
		}
	}
	return PhasePlaying
}

func (sp *SyncPlayer) positionLocked() time.Duration {
	pos := sp.base
	if sp.playing {
		pos += sp.now().Sub(sp.since)
	}
	if sp.duration > 0 && pos > sp.duration {
		pos = sp.duration
	}
	return pos
}

func (sp *SyncPlayer) stopLoopLocked() {
	if sp.stop != nil {
		close(sp.stop)
		sp.stop = nil
	}
}

func (sp *SyncPlayer) setPhase(p Phase) {
	sp.mu.Lock()
	if sp.phase == p || sp.closed {
		sp.mu.Unlock()
		return
	}
	sp.phase = p
	handlers := make([]func(Phase), 0, len(sp.onPhase))
	for _, fn := range sp.onPhase {
		handlers = append(handlers, fn)
	}
	sp.mu.Unlock()
	for _, fn := range handlers {
		fn(p)
	}
}

func (sp *SyncPlayer) emitTime(pos time.Duration) {
	sp.mu.Lock()
	handlers := make([]func(time.Duration), 0, len(sp.onTime))
	for _, fn := range sp.onTime {
		handlers = append(handlers, fn)
	}
	sp.mu.Unlock()
	for _, fn := range handlers {
		fn(pos)
	}
}
