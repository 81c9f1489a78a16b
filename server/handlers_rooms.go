package server

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/replay-sync/recording"
)

// maxHistoryWindowYears bounds one messages request.
const maxHistoryWindowYears = 1

// HandleRoomRecordings lists the recordings of a room ordered by begin time.
func (h *Handlers) HandleRoomRecordings(w http.ResponseWriter, r *http.Request) {
	if h.deps.Catalog == nil {
		http.Error(w, "catalog unavailable", http.StatusServiceUnavailable)
		return
	}
	room := r.PathValue("room")
	recs, err := h.deps.Catalog.List(r.Context(), room)
	if err != nil {
		h.log.Error("list recordings failed", slog.String("room", room), slog.Any("err", err))
		http.Error(w, "failed to list recordings", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []recording.Recording{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// HandleRoomMessages returns messages with timestamps in (after, until], both in unix
// milliseconds. until defaults to one year past after.
func (h *Handlers) HandleRoomMessages(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}
	after, ok, err := parseUnixMilliQuery(r, "after")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !ok {
		http.Error(w, "missing after", http.StatusBadRequest)
		return
	}
	limit := after.AddDate(maxHistoryWindowYears, 0, 0)
	until, ok, err := parseUnixMilliQuery(r, "until")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !ok || until.After(limit) {
		until = limit
	}
	if until.Before(after) {
		http.Error(w, "until before after", http.StatusBadRequest)
		return
	}

	room := r.PathValue("room")
	msgs, err := h.deps.History(room).Fetch(r.Context(), after, until)
	if err != nil {
		h.log.Error("history fetch failed", slog.String("room", room), slog.Any("err", err))
		http.Error(w, "failed to fetch messages", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.withNames(msgs))
}
