package replay

import (
	"log/slog"
	"sort"
	"time"

	"github.com/onnwee/replay-sync/chat"
	"github.com/onnwee/replay-sync/telemetry"
)

// Snapshot is an immutable copy of the observable store state.
type Snapshot struct {
	RecordingID      string            `json:"recordingID,omitempty"`
	Playing          bool              `json:"playing"`
	Buffering        bool              `json:"buffering"`
	CurrentTimestamp time.Time         `json:"currentTimestamp"`
	TempTimestamp    time.Time         `json:"tempTimestamp"`
	RealTimestamp    time.Time         `json:"realTimestamp"`
	Messages         []chat.ChatMsg    `json:"messages"`
	CachedCount      int               `json:"cachedCount"`
	OnStageUsers     []string          `json:"onStageUsers"`
	UserVideos       map[string]string `json:"userVideos,omitempty"`
	IsCreator        bool              `json:"isCreator"`
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Playing:          s.playing,
		Buffering:        s.buffering,
		CurrentTimestamp: s.currentTimestampLocked(),
		TempTimestamp:    s.tempTimestamp,
		RealTimestamp:    s.realTimestamp,
		Messages:         append([]chat.ChatMsg{}, s.messages...),
		CachedCount:      len(s.cached),
		OnStageUsers:     append([]string{}, s.onStage...),
		IsCreator:        s.IsCreator(),
	}
	if s.current != nil {
		snap.RecordingID = s.current.ID
	}
	if len(s.videos) > 0 {
		snap.UserVideos = make(map[string]string, len(s.videos))
		for k, v := range s.videos {
			snap.UserVideos[k] = v
		}
	}
	return snap
}

// Subscribe registers fn to receive a snapshot after every state change. fn runs on the
// goroutine that made the change and must not block.
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextObserver++
	id := s.nextObserver
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify() {
	s.mu.Lock()
	snap := s.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	telemetry.SetMessageCounts(snap.CachedCount, len(snap.Messages))
	telemetry.SetPlaying(snap.Playing)
	for _, fn := range fns {
		fn(snap)
	}
}

// SetOnStageUsers replaces the on-stage users from the whiteboard's user -> on-stage state.
func (s *Store) SetOnStageUsers(state map[string]bool) {
	users := make([]string, 0, len(state))
	for id, on := range state {
		if on {
			users = append(users, id)
		}
	}
	sort.Strings(users)

	s.mu.Lock()
	s.onStage = users
	s.mu.Unlock()
	s.notify()
}

// OnNewMessage adds a message that arrived outside a history fetch. It is taken only when
// the cache already covers everything the remote store holds, so the cache stays gap-free;
// otherwise the next history fetch delivers it. It is displayed at once if it is due.
func (s *Store) OnNewMessage(msg chat.ChatMsg) {
	if msg.Type == "" {
		msg.Type = chat.TypeRoomMessage
	}
	s.mu.Lock()
	if s.current == nil || len(s.cached) == 0 || s.remoteNewest.IsZero() {
		s.mu.Unlock()
		return
	}
	last := s.cached[len(s.cached)-1].Timestamp
	if last.Before(s.remoteNewest) || msg.Timestamp.Before(last) {
		s.mu.Unlock()
		s.log.Debug("deferring message to history", slog.String("id", msg.ID))
		return
	}
	caughtUp := len(s.messages) == len(s.cached)
	s.cached = append(s.cached, msg)
	if caughtUp && !msg.Timestamp.After(s.currentTimestampLocked()) {
		s.messages = append(s.messages, msg)
	}
	s.mu.Unlock()
	s.notify()
}
