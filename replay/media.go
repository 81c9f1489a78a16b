package replay

import (
	"context"
	"time"

	"github.com/onnwee/replay-sync/player"
	"github.com/onnwee/replay-sync/recording"
)

// Aggregator is the transport composed from a recording's tracks.
type Aggregator interface {
	player.AtomPlayer
	OnTimeUpdate(fn func(time.Duration)) func()
	OnPhase(fn func(player.Phase)) func()
	Close()
}

// NewAggregatorFunc composes tracks into an Aggregator.
type NewAggregatorFunc func(players []player.AtomPlayer, opts player.Options) Aggregator

func newSyncPlayer(players []player.AtomPlayer, opts player.Options) Aggregator {
	return player.NewSyncPlayer(players, opts)
}

// MediaFactory opens the decoding side of each track.
type MediaFactory interface {
	Whiteboard(ctx context.Context, rec recording.Recording, wb Whiteboard) (player.Media, error)
	Video(ctx context.Context, rec recording.Recording, url string) (player.Media, error)
}

// OnStageSource is implemented by whiteboard media that carry the on-stage users state.
type OnStageSource interface {
	SubscribeOnStage(fn func(map[string]bool)) (unsubscribe func())
}

// ClockMediaFactory drives every track from the wall clock.
type ClockMediaFactory struct {
	Now func() time.Time
}

func (f ClockMediaFactory) Whiteboard(_ context.Context, rec recording.Recording, _ Whiteboard) (player.Media, error) {
	return player.NewClockMedia(rec.Duration(), f.Now), nil
}

func (f ClockMediaFactory) Video(_ context.Context, rec recording.Recording, _ string) (player.Media, error) {
	return player.NewClockMedia(rec.Duration(), f.Now), nil
}
