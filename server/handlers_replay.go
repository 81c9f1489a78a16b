package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/replay-sync/recording"
	"github.com/onnwee/replay-sync/replay"
	"github.com/onnwee/replay-sync/telemetry"
)

// streamKeepAlive is the interval between SSE comment pings.
const streamKeepAlive = 15 * time.Second

// stateView is a snapshot with display names for the senders of its messages.
type stateView struct {
	replay.Snapshot
	SenderNames map[string]string `json:"senderNames,omitempty"`
}

func (h *Handlers) view(s replay.Snapshot) stateView {
	v := stateView{Snapshot: s}
	for _, m := range s.Messages {
		if name := h.senderName(m.SenderID); name != "" {
			if v.SenderNames == nil {
				v.SenderNames = make(map[string]string)
			}
			v.SenderNames[m.SenderID] = name
		}
	}
	return v
}

func (h *Handlers) replayOr503(w http.ResponseWriter) (ReplayController, bool) {
	if h.deps.Replay == nil {
		http.Error(w, "replay unavailable", http.StatusServiceUnavailable)
		return nil, false
	}
	return h.deps.Replay, true
}

// HandleReplayState returns the current replay snapshot.
func (h *Handlers) HandleReplayState(w http.ResponseWriter, _ *http.Request) {
	rc, ok := h.replayOr503(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.view(rc.Snapshot()))
}

// HandleReplayRecordings lists the recordings the replay can load.
func (h *Handlers) HandleReplayRecordings(w http.ResponseWriter, _ *http.Request) {
	rc, ok := h.replayOr503(w)
	if !ok {
		return
	}
	recs := rc.Recordings()
	if recs == nil {
		recs = []recording.Recording{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// HandleReplayLoad switches the replay to ?recording=<id>.
func (h *Handlers) HandleReplayLoad(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.replayOr503(w)
	if !ok {
		return
	}
	id := r.URL.Query().Get("recording")
	if id == "" {
		http.Error(w, "missing recording", http.StatusBadRequest)
		return
	}
	if err := rc.LoadRecordingByID(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, recording.ErrNotFound):
			http.Error(w, "recording not found", http.StatusNotFound)
		case errors.Is(err, replay.ErrMissingWhiteboard):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			telemetry.LoggerWithCorr(r.Context()).Error("load recording failed", slog.String("recording", id), slog.Any("err", err))
			http.Error(w, "failed to load recording", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, h.view(rc.Snapshot()))
}

// HandleReplayPlay starts playback.
func (h *Handlers) HandleReplayPlay(w http.ResponseWriter, _ *http.Request) {
	if rc, ok := h.replayOr503(w); ok {
		rc.Play()
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleReplayPause pauses playback.
func (h *Handlers) HandleReplayPause(w http.ResponseWriter, _ *http.Request) {
	if rc, ok := h.replayOr503(w); ok {
		rc.Pause()
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleReplayToggle flips between playing and paused.
func (h *Handlers) HandleReplayToggle(w http.ResponseWriter, _ *http.Request) {
	if rc, ok := h.replayOr503(w); ok {
		rc.TogglePlayPause()
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleReplaySeek moves playback to ?t=<unixms>. The seek is debounced by the store, so
// the response carries the pending target rather than the settled position.
func (h *Handlers) HandleReplaySeek(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.replayOr503(w)
	if !ok {
		return
	}
	ts, ok, err := parseUnixMilliQuery(r, "t")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !ok {
		http.Error(w, "missing t", http.StatusBadRequest)
		return
	}
	if _, loaded := rc.CurrentRecording(); !loaded {
		http.Error(w, "no recording loaded", http.StatusConflict)
		return
	}
	rc.Seek(ts)
	writeJSON(w, http.StatusAccepted, h.view(rc.Snapshot()))
}

// HandleReplayStream sends the replay state as Server-Sent Events: the current snapshot
// first, then one event per change. Bursts coalesce to the latest snapshot.
func (h *Handlers) HandleReplayStream(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.replayOr503(w)
	if !ok {
		return
	}
	ctl := http.NewResponseController(w)
	// streams outlive the server write timeout
	_ = ctl.SetWriteDeadline(time.Time{})

	updates := make(chan replay.Snapshot, 1)
	unsubscribe := rc.Subscribe(func(s replay.Snapshot) {
		for {
			select {
			case updates <- s:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	log := telemetry.LoggerWithCorr(r.Context())
	send := func(s replay.Snapshot) bool {
		b, err := json.Marshal(h.view(s))
		if err != nil {
			log.Warn("failed to encode replay state", slog.Any("err", err))
			return false
		}
		if _, err := w.Write([]byte("event: state\ndata: ")); err != nil {
			return false
		}
		if _, err := w.Write(append(b, '\n', '\n')); err != nil {
			return false
		}
		return ctl.Flush() == nil
	}
	if !send(rc.Snapshot()) {
		return
	}

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		case s := <-updates:
			if !send(s) {
				return
			}
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			if err := ctl.Flush(); err != nil {
				return
			}
		}
	}
}
