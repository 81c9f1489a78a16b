// Package player defines the AtomPlayer contract shared by every recorded track and the
// SyncPlayer that composes them into a single transport.
//
// Decoding is not done here. A track drives a Media value, which is whatever engine
// actually renders the whiteboard or the video; ClockMedia stands in when nothing renders.
package player

import (
	"time"
)

// WhiteboardName is the fixed name of the whiteboard track.
const WhiteboardName = "whiteboard"

// MainVideoName is the name of the room's main (non per-user) video track.
const MainVideoName = "main"

// AtomPlayer is a single synchronized track. Offsets are relative to the recording's begin time.
type AtomPlayer interface {
	Name() string
	Play()
	Pause()
	Seek(offset time.Duration)
	CurrentTime() time.Duration
}

// Phase is the playback phase reported by tracks and by the aggregator.
type Phase string

const (
	PhaseBuffering Phase = "buffering"
	PhasePlaying   Phase = "playing"
	PhasePaused    Phase = "paused"
	PhaseEnded     Phase = "ended"
)

// Media is the rendering engine behind a track.
type Media interface {
	Play()
	Pause()
	SeekTo(offset time.Duration)
	Position() time.Duration
	Duration() time.Duration
}

// WhiteboardPlayer drives the whiteboard replay.
type WhiteboardPlayer struct {
	name  string
	media Media
}

// NewWhiteboardPlayer wraps the whiteboard media. An empty name falls back to WhiteboardName.
func NewWhiteboardPlayer(name string, media Media) *WhiteboardPlayer {
	if name == "" {
		name = WhiteboardName
	}
	return &WhiteboardPlayer{name: name, media: media}
}

func (p *WhiteboardPlayer) Name() string               { return p.name }
func (p *WhiteboardPlayer) Play()                      { p.media.Play() }
func (p *WhiteboardPlayer) Pause()                     { p.media.Pause() }
func (p *WhiteboardPlayer) Seek(offset time.Duration)  { p.media.SeekTo(clampOffset(offset, p.media.Duration())) }
func (p *WhiteboardPlayer) CurrentTime() time.Duration { return p.media.Position() }

// Duration reports the whiteboard timeline length.
func (p *WhiteboardPlayer) Duration() time.Duration { return p.media.Duration() }

// VideoPlayer drives one participant's (or the main) video.
type VideoPlayer struct {
	name  string
	url   string
	media Media
}

// NewVideoPlayer wraps a video media. name is the owning user id, or MainVideoName.
func NewVideoPlayer(name, url string, media Media) *VideoPlayer {
	return &VideoPlayer{name: name, url: url, media: media}
}

func (p *VideoPlayer) Name() string               { return p.name }
func (p *VideoPlayer) URL() string                { return p.url }
func (p *VideoPlayer) Play()                      { p.media.Play() }
func (p *VideoPlayer) Pause()                     { p.media.Pause() }
func (p *VideoPlayer) Seek(offset time.Duration)  { p.media.SeekTo(clampOffset(offset, p.media.Duration())) }
func (p *VideoPlayer) CurrentTime() time.Duration { return p.media.Position() }

// Duration reports the video length; zero when unknown.
func (p *VideoPlayer) Duration() time.Duration { return p.media.Duration() }

func clampOffset(offset, duration time.Duration) time.Duration {
	if offset < 0 {
		return 0
	}
	if duration > 0 && offset > duration {
		return duration
	}
	return offset
}
