package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/replay-sync/chat"
	"github.com/onnwee/replay-sync/recording"
	"github.com/onnwee/replay-sync/replay"
)

// Pinger reports database connectivity. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReplayController is the replay surface the handlers drive. *replay.Store satisfies it.
type ReplayController interface {
	Recordings() []recording.Recording
	CurrentRecording() (recording.Recording, bool)
	LoadRecordingByID(ctx context.Context, id string) error
	Play()
	Pause()
	TogglePlayPause()
	Seek(ts time.Time)
	Snapshot() replay.Snapshot
	Subscribe(fn func(replay.Snapshot)) (unsubscribe func())
}

// NameLookup returns cached sender display names. *users.Store satisfies it.
type NameLookup interface {
	Name(id string) (string, bool)
}

// Deps are the collaborators the HTTP API serves. Any of them may be nil; the routes
// that need a missing one answer 503.
type Deps struct {
	DB      Pinger
	Replay  ReplayController
	Catalog recording.Catalog
	// History returns the history store of a room.
	History func(roomID string) chat.HistoryStore
	Names   NameLookup
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctx  context.Context
	deps Deps
	log  *slog.Logger
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	return &Handlers{
		ctx:  ctx,
		deps: deps,
		log:  slog.Default().With(slog.String("component", "http")),
	}
}

func (h *Handlers) senderName(id string) string {
	if h.deps.Names == nil {
		return ""
	}
	name, _ := h.deps.Names.Name(id)
	return name
}

// namedMessage is a chat message with its sender's display name when known.
type namedMessage struct {
	chat.ChatMsg
	SenderName string `json:"senderName,omitempty"`
}

func (h *Handlers) withNames(msgs []chat.ChatMsg) []namedMessage {
	out := make([]namedMessage, len(msgs))
	for i, m := range msgs {
		out[i] = namedMessage{ChatMsg: m, SenderName: h.senderName(m.SenderID)}
	}
	return out
}
