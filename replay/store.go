// Package replay is the replay store: it loads a room's recordings, composes their tracks
// into one transport and keeps a gap-free window of chat history in step with playback.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/replay-sync/chat"
	"github.com/onnwee/replay-sync/player"
	"github.com/onnwee/replay-sync/recording"
	"github.com/onnwee/replay-sync/sideeffect"
	"github.com/onnwee/replay-sync/telemetry"
)

var (
	ErrMissingUser       = errors.New("replay: missing user uuid")
	ErrMissingWhiteboard = errors.New("replay: missing whiteboard app identifier, room uuid or room token")
	ErrNoCatalog         = errors.New("replay: no recording catalog configured")
)

const (
	// DefaultSeekDebounce is the quiescence window before a requested seek is issued.
	DefaultSeekDebounce = 100 * time.Millisecond
	// DefaultRegion is the whiteboard region used when none is configured.
	DefaultRegion = "cn-hz"
)

// effect names
const (
	effectSeek      = "seek"
	effectBuffering = "isBuffering"
	effectSync      = "syncMessages"
	effectOnStage   = "onStageUsers"
)

// Whiteboard identifies the recorded whiteboard room.
type Whiteboard struct {
	AppID     string
	RoomUUID  string
	RoomToken string
	Region    string
}

func (w Whiteboard) validate() error {
	if w.AppID == "" || w.RoomUUID == "" || w.RoomToken == "" {
		return ErrMissingWhiteboard
	}
	return nil
}

// Config identifies the room being replayed and who is watching it.
type Config struct {
	RoomUUID   string
	OwnerUUID  string
	UserUUID   string
	Whiteboard Whiteboard

	TickInterval time.Duration
	SeekDebounce time.Duration
}

// IdentityResolver resolves sender ids to display names, best effort.
type IdentityResolver interface {
	Resolve(ctx context.Context, senderIDs []string) error
}

// Deps are the store's collaborators. History is required; the rest have defaults.
type Deps struct {
	Catalog       recording.Catalog
	History       chat.HistoryStore
	Identity      IdentityResolver
	Media         MediaFactory
	NewAggregator NewAggregatorFunc
	Now           func() time.Time
	Logger        *slog.Logger
}

// Store owns the playback clock and the message window for one room.
type Store struct {
	cfg     Config
	deps    Deps
	log     *slog.Logger
	effects sideeffect.Manager

	// loadMu serialises recording loads.
	loadMu sync.Mutex

	mu         sync.Mutex
	recordings []recording.Recording
	current    *recording.Recording
	agg        Aggregator
	gen        uint64
	destroyed  bool

	cached         []chat.ChatMsg
	messages       []chat.ChatMsg
	oldestSeekTime time.Time
	// remoteNewest is zero until a fetch comes back empty.
	remoteNewest time.Time
	loading      bool

	tempTimestamp time.Time
	realTimestamp time.Time
	playing       bool
	buffering     bool
	onStage       []string
	videos        map[string]string

	nextObserver int
	observers    map[int]func(Snapshot)
}

// New validates cfg and returns an idle store.
func New(cfg Config, deps Deps) (*Store, error) {
	if cfg.UserUUID == "" {
		return nil, ErrMissingUser
	}
	if deps.History == nil {
		return nil, errors.New("replay: history store is required")
	}
	if cfg.SeekDebounce <= 0 {
		cfg.SeekDebounce = DefaultSeekDebounce
	}
	if cfg.Whiteboard.Region == "" {
		cfg.Whiteboard.Region = DefaultRegion
	}
	if deps.Media == nil {
		deps.Media = ClockMediaFactory{Now: deps.Now}
	}
	if deps.NewAggregator == nil {
		deps.NewAggregator = newSyncPlayer
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:       cfg,
		deps:      deps,
		log:       logger.With(slog.String("component", "replay"), slog.String("room", cfg.RoomUUID)),
		observers: make(map[int]func(Snapshot)),
	}, nil
}

// Init loads the room's recordings from the catalog.
func (s *Store) Init(ctx context.Context) error {
	if s.deps.Catalog == nil {
		return ErrNoCatalog
	}
	recs, err := s.deps.Catalog.List(ctx, s.cfg.RoomUUID)
	if err != nil {
		return fmt.Errorf("list recordings: %w", err)
	}
	s.UpdateRecordings(recs)
	s.log.Info("recordings loaded", slog.Int("count", len(recs)))
	return nil
}

// UpdateRecordings replaces the known recordings.
func (s *Store) UpdateRecordings(recs []recording.Recording) {
	s.mu.Lock()
	s.recordings = append([]recording.Recording(nil), recs...)
	s.mu.Unlock()
	s.notify()
}

// Recordings returns the known recordings ordered by begin time.
func (s *Store) Recordings() []recording.Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recording.Recording(nil), s.recordings...)
}

// CurrentRecording returns the loaded recording, if any.
func (s *Store) CurrentRecording() (recording.Recording, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return recording.Recording{}, false
	}
	return *s.current, true
}

// IsCreator reports whether the watching user owns the room.
func (s *Store) IsCreator() bool { return s.cfg.OwnerUUID == s.cfg.UserUUID }

// LoadRecordingByID loads one of the known recordings.
func (s *Store) LoadRecordingByID(ctx context.Context, id string) error {
	rec, err := recording.Find(s.Recordings(), id)
	if err != nil {
		return err
	}
	return s.LoadRecording(ctx, rec)
}

// LoadRecording makes rec current: previous tracks, subscriptions and timers are released
// and the message window starts over. Loading the current recording again is a no-op.
func (s *Store) LoadRecording(ctx context.Context, rec recording.Recording) error {
	if err := s.cfg.Whiteboard.validate(); err != nil {
		return err
	}
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return errors.New("replay: store destroyed")
	}
	if s.current != nil && s.current.ID == rec.ID {
		s.mu.Unlock()
		return nil
	}
	old := s.agg
	s.gen++
	gen := s.gen
	r := rec
	s.current = &r
	s.agg = nil
	s.resetLocked()
	s.realTimestamp = rec.BeginTime
	s.mu.Unlock()

	s.effects.FlushAll()
	if old != nil {
		old.Close()
	}

	// subscriptions outlive the caller's request
	ctx = context.WithoutCancel(ctx)
	log := s.log.With(slog.String("recording", rec.ID))
	players, videos, onStage := s.buildPlayers(ctx, rec, log)
	agg := s.deps.NewAggregator(players, player.Options{
		Duration:     rec.Duration(),
		TickInterval: s.cfg.TickInterval,
		Now:          s.deps.Now,
		Logger:       s.deps.Logger,
	})

	s.mu.Lock()
	s.agg = agg
	s.videos = videos
	s.mu.Unlock()

	s.effects.Add(effectBuffering, func() sideeffect.Disposer {
		return agg.OnPhase(func(p player.Phase) { s.onPhase(gen, p) })
	})
	s.effects.Add(effectSync, func() sideeffect.Disposer {
		return agg.OnTimeUpdate(func(time.Duration) { s.onTimeUpdate(ctx, gen) })
	})
	if onStage != nil {
		s.effects.Add(effectOnStage, func() sideeffect.Disposer {
			return onStage.SubscribeOnStage(s.SetOnStageUsers)
		})
	}

	if s.deps.Identity != nil && s.cfg.OwnerUUID != "" {
		if err := s.deps.Identity.Resolve(ctx, []string{s.cfg.OwnerUUID}); err != nil {
			telemetry.Inc(telemetry.IdentityErrors)
			log.Debug("owner identity lookup failed", slog.Any("err", err))
		}
	}

	telemetry.Inc(telemetry.RecordingsLoaded)
	log.Info("recording loaded", slog.Int("tracks", len(players)), slog.Duration("duration", rec.Duration()))
	s.notify()
	return nil
}

// buildPlayers opens the whiteboard, the main video and each user's video. Tracks that
// fail to open are left out.
func (s *Store) buildPlayers(ctx context.Context, rec recording.Recording, log *slog.Logger) ([]player.AtomPlayer, map[string]string, OnStageSource) {
	var (
		players []player.AtomPlayer
		onStage OnStageSource
	)
	videos := make(map[string]string)

	if media, err := s.deps.Media.Whiteboard(ctx, rec, s.cfg.Whiteboard); err != nil {
		log.Warn("whiteboard track unavailable", slog.Any("err", err))
	} else {
		players = append(players, player.NewWhiteboardPlayer(player.WhiteboardName, media))
		if src, ok := media.(OnStageSource); ok {
			onStage = src
		}
	}

	if rec.VideoURL != "" {
		if media, err := s.deps.Media.Video(ctx, rec, rec.VideoURL); err != nil {
			log.Warn("main video unavailable", slog.String("url", rec.VideoURL), slog.Any("err", err))
		} else {
			vp := player.NewVideoPlayer(player.MainVideoName, rec.VideoURL, media)
			players = append(players, vp)
			videos[s.cfg.UserUUID] = vp.URL()
		}
	}

	userIDs := make([]string, 0, len(rec.Users))
	for id := range rec.Users {
		userIDs = append(userIDs, id)
	}
	sort.Strings(userIDs)
	for _, id := range userIDs {
		url := rec.Users[id].VideoURL
		media, err := s.deps.Media.Video(ctx, rec, url)
		if err != nil {
			log.Warn("user video unavailable", slog.String("user", id), slog.Any("err", err))
			continue
		}
		vp := player.NewVideoPlayer(id, url, media)
		players = append(players, vp)
		videos[id] = vp.URL()
	}
	return players, videos, onStage
}

// resetLocked clears per-recording playback and message state.
func (s *Store) resetLocked() {
	s.cached = nil
	s.messages = nil
	s.oldestSeekTime = time.Time{}
	s.remoteNewest = time.Time{}
	s.tempTimestamp = time.Time{}
	s.realTimestamp = time.Time{}
	s.playing = false
	s.buffering = false
	s.onStage = nil
	s.videos = nil
}

// Play starts playback of the current recording.
func (s *Store) Play() {
	s.mu.Lock()
	agg := s.agg
	if agg == nil {
		s.mu.Unlock()
		return
	}
	s.playing = true
	s.mu.Unlock()

	agg.Play()
	s.notify()
}

// Pause stops playback.
func (s *Store) Pause() {
	s.mu.Lock()
	s.playing = false
	agg := s.agg
	s.mu.Unlock()

	if agg != nil {
		agg.Pause()
	}
	s.notify()
}

// TogglePlayPause flips between playing and paused.
func (s *Store) TogglePlayPause() {
	s.mu.Lock()
	playing := s.playing
	s.mu.Unlock()
	if playing {
		s.Pause()
	} else {
		s.Play()
	}
}

// Seek shows ts immediately and issues one underlying seek once calls have been quiet for
// the debounce window. ts is clamped to the current recording.
func (s *Store) Seek(ts time.Time) {
	s.mu.Lock()
	if s.current == nil || s.agg == nil {
		s.mu.Unlock()
		return
	}
	if !s.current.Contains(ts) {
		if ts.Before(s.current.BeginTime) {
			ts = s.current.BeginTime
		} else {
			ts = s.current.EndTime
		}
	}
	s.tempTimestamp = ts
	gen := s.gen
	s.mu.Unlock()

	telemetry.Inc(telemetry.SeeksRequested)
	s.effects.SetTimeout(effectSeek, s.cfg.SeekDebounce, func() { s.seekNow(gen) })
	s.notify()
}

func (s *Store) seekNow(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.current == nil || s.agg == nil || s.tempTimestamp.IsZero() {
		s.mu.Unlock()
		return
	}
	target := s.tempTimestamp
	offset := target.Sub(s.current.BeginTime)
	agg := s.agg
	s.mu.Unlock()

	telemetry.Inc(telemetry.SeeksIssued)
	s.log.Debug("seek", slog.Duration("offset", offset))
	agg.Seek(offset)

	// the transport reports the target once Seek returns; a newer request keeps its own
	s.mu.Lock()
	if gen != s.gen || s.agg != agg {
		s.mu.Unlock()
		return
	}
	s.realTimestamp = s.current.BeginTime.Add(agg.CurrentTime())
	retired := s.tempTimestamp.Equal(target)
	if retired {
		s.tempTimestamp = time.Time{}
	}
	s.mu.Unlock()
	if retired {
		s.notify()
	}
}

// CurrentTimestamp is the pending seek target if there is one, else the playback position.
func (s *Store) CurrentTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTimestampLocked()
}

func (s *Store) currentTimestampLocked() time.Time {
	if !s.tempTimestamp.IsZero() {
		return s.tempTimestamp
	}
	return s.realTimestamp
}

func (s *Store) onPhase(gen uint64, p player.Phase) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.buffering = p == player.PhaseBuffering
	s.mu.Unlock()

	if p == player.PhaseEnded {
		s.Pause()
		return
	}
	s.notify()
}

func (s *Store) onTimeUpdate(ctx context.Context, gen uint64) {
	s.mu.Lock()
	stale := gen != s.gen
	s.mu.Unlock()
	if stale {
		return
	}
	s.SyncMessages(ctx)
}

// Destroy releases every subscription and timer and the current tracks. In-flight fetches
// complete but their results are dropped.
func (s *Store) Destroy() {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.gen++
	agg := s.agg
	s.agg = nil
	s.playing = false
	s.mu.Unlock()

	s.effects.FlushAll()
	if agg != nil {
		agg.Close()
	}
	s.notify()

	s.mu.Lock()
	s.observers = make(map[int]func(Snapshot))
	s.mu.Unlock()
}
