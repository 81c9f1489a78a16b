package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/replay-sync/chat"
	"github.com/onnwee/replay-sync/recording"
	"github.com/onnwee/replay-sync/replay"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeReplay struct {
	mu        sync.Mutex
	recs      []recording.Recording
	current   *recording.Recording
	loadErr   error
	calls     []string
	seeks     []time.Time
	snap      replay.Snapshot
	observers map[int]func(replay.Snapshot)
	nextID    int
}

func newFakeReplay(recs ...recording.Recording) *fakeReplay {
	return &fakeReplay{recs: recs, observers: make(map[int]func(replay.Snapshot))}
}

func (f *fakeReplay) Recordings() []recording.Recording { return f.recs }

func (f *fakeReplay) CurrentRecording() (recording.Recording, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return recording.Recording{}, false
	}
	return *f.current, true
}

func (f *fakeReplay) LoadRecordingByID(_ context.Context, id string) error {
	if f.loadErr != nil {
		return f.loadErr
	}
	rec, err := recording.Find(f.recs, id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.current = &rec
	f.snap.RecordingID = id
	f.mu.Unlock()
	return nil
}

func (f *fakeReplay) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeReplay) Play()            { f.record("play") }
func (f *fakeReplay) Pause()           { f.record("pause") }
func (f *fakeReplay) TogglePlayPause() { f.record("toggle") }

func (f *fakeReplay) Seek(ts time.Time) {
	f.mu.Lock()
	f.seeks = append(f.seeks, ts)
	f.snap.TempTimestamp = ts
	f.mu.Unlock()
}

func (f *fakeReplay) Snapshot() replay.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeReplay) Subscribe(fn func(replay.Snapshot)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.observers[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.observers, id)
		f.mu.Unlock()
	}
}

func (f *fakeReplay) publish(s replay.Snapshot) {
	f.mu.Lock()
	f.snap = s
	fns := make([]func(replay.Snapshot), 0, len(f.observers))
	for _, fn := range f.observers {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (f *fakeReplay) subscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observers)
}

type fakeCatalog struct {
	recs []recording.Recording
	err  error
	room string
}

func (c *fakeCatalog) List(_ context.Context, room string) ([]recording.Recording, error) {
	c.room = room
	return c.recs, c.err
}

type fakeNames map[string]string

func (n fakeNames) Name(id string) (string, bool) {
	name, ok := n[id]
	return name, ok
}

func ms(v int64) time.Time { return time.UnixMilli(v).UTC() }

var testRec = recording.Recording{ID: "rec-1", RoomUUID: "room-1", BeginTime: ms(0), EndTime: ms(60_000)}

func newTestMux(t *testing.T, deps Deps) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewMux(ctx, deps)
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name string
		db   Pinger
		want int
	}{
		{"ok", fakePinger{}, http.StatusOK},
		{"no database", nil, http.StatusOK},
		{"ping fails", fakePinger{err: errors.New("down")}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, newTestMux(t, Deps{DB: tt.db}), http.MethodGet, "/healthz")
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d, body=%s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestReadyz(t *testing.T) {
	loaded := newFakeReplay(testRec)
	if err := loaded.LoadRecordingByID(context.Background(), "rec-1"); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name       string
		deps       Deps
		want       int
		failedWith string
	}{
		{"ready", Deps{DB: fakePinger{}, Replay: loaded}, http.StatusOK, ""},
		{"database down", Deps{DB: fakePinger{err: errors.New("down")}, Replay: loaded}, http.StatusServiceUnavailable, "database"},
		{"nothing loaded", Deps{DB: fakePinger{}, Replay: newFakeReplay(testRec)}, http.StatusServiceUnavailable, "recording"},
		{"no replay", Deps{DB: fakePinger{}}, http.StatusServiceUnavailable, "recording"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, newTestMux(t, tt.deps), http.MethodGet, "/readyz")
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d, body=%s", tt.want, rr.Code, rr.Body.String())
			}
			var resp map[string]string
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp["failed_check"] != tt.failedWith {
				t.Errorf("failed_check = %q, want %q", resp["failed_check"], tt.failedWith)
			}
		})
	}
}

func TestRoomRecordings(t *testing.T) {
	cat := &fakeCatalog{recs: []recording.Recording{testRec}}
	rr := do(t, newTestMux(t, Deps{Catalog: cat}), http.MethodGet, "/rooms/room-1/recordings")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if cat.room != "room-1" {
		t.Errorf("catalog queried for %q", cat.room)
	}
	var got []recording.Recording
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].ID != "rec-1" || !got[0].EndTime.Equal(testRec.EndTime) {
		t.Errorf("recordings = %+v", got)
	}

	cat.err = errors.New("boom")
	rr = do(t, newTestMux(t, Deps{Catalog: cat}), http.MethodGet, "/rooms/room-1/recordings")
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 on catalog error, got %d", rr.Code)
	}

	rr = do(t, newTestMux(t, Deps{}), http.MethodGet, "/rooms/room-1/recordings")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without catalog, got %d", rr.Code)
	}
}

func memoryHistoryDeps(msgs ...chat.ChatMsg) (Deps, *string) {
	hist := chat.NewMemoryHistory(0, msgs...)
	var room string
	return Deps{
		History: func(r string) chat.HistoryStore {
			room = r
			return hist
		},
		Names: fakeNames{"u1": "Ada"},
	}, &room
}

func TestRoomMessagesWindow(t *testing.T) {
	deps, room := memoryHistoryDeps(
		chat.ChatMsg{ID: "a", SenderID: "u1", Timestamp: ms(100), Value: "hi"},
		chat.ChatMsg{ID: "b", SenderID: "u2", Timestamp: ms(200), Value: "yo"},
		chat.ChatMsg{ID: "c", SenderID: "u1", Timestamp: ms(300), Value: "bye"},
	)
	h := newTestMux(t, deps)

	rr := do(t, h, http.MethodGet, "/rooms/room-9/messages?after=100&until=300")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if *room != "room-9" {
		t.Errorf("history built for %q", *room)
	}
	var got []struct {
		ID         string `json:"uuid"`
		SenderName string `json:"senderName"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Fatalf("messages = %+v, want [b c]", got)
	}
	if got[0].SenderName != "" || got[1].SenderName != "Ada" {
		t.Errorf("sender names = %q %q", got[0].SenderName, got[1].SenderName)
	}
}

func TestRoomMessagesBadRequest(t *testing.T) {
	deps, _ := memoryHistoryDeps()
	h := newTestMux(t, deps)
	for _, target := range []string{
		"/rooms/r/messages",
		"/rooms/r/messages?after=soon",
		"/rooms/r/messages?after=10&until=x",
		"/rooms/r/messages?after=10&until=5",
	} {
		if rr := do(t, h, http.MethodGet, target); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, rr.Code)
		}
	}
}

func TestRoomMessagesServesHTTPHistory(t *testing.T) {
	deps, _ := memoryHistoryDeps(
		chat.ChatMsg{ID: "a", SenderID: "u1", Timestamp: ms(1_000), Value: "hi"},
		chat.ChatMsg{ID: "b", SenderID: "u2", Timestamp: ms(2_000), Value: "yo"},
	)
	srv := httptest.NewServer(newTestMux(t, deps))
	defer srv.Close()

	remote := &chat.HTTPHistory{BaseURL: srv.URL, RoomUUID: "room-1", HTTPClient: srv.Client()}
	got, err := remote.Fetch(context.Background(), ms(1_000), ms(5_000))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" || !got[0].Timestamp.Equal(ms(2_000)) {
		t.Fatalf("Fetch() = %+v, want [b@2000]", got)
	}
}

func TestReplayLoad(t *testing.T) {
	fr := newFakeReplay(testRec)
	h := newTestMux(t, Deps{Replay: fr})

	if rr := do(t, h, http.MethodPost, "/replay/load"); rr.Code != http.StatusBadRequest {
		t.Errorf("missing id: expected 400, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/replay/load?recording=nope"); rr.Code != http.StatusNotFound {
		t.Errorf("unknown id: expected 404, got %d", rr.Code)
	}
	rr := do(t, h, http.MethodPost, "/replay/load?recording=rec-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var snap replay.Snapshot
	if err := json.NewDecoder(rr.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.RecordingID != "rec-1" {
		t.Errorf("RecordingID = %q", snap.RecordingID)
	}

	fr.loadErr = fmt.Errorf("load: %w", replay.ErrMissingWhiteboard)
	if rr := do(t, h, http.MethodPost, "/replay/load?recording=rec-1"); rr.Code != http.StatusConflict {
		t.Errorf("whiteboard config error: expected 409, got %d", rr.Code)
	}
}

func TestReplayTransport(t *testing.T) {
	fr := newFakeReplay(testRec)
	h := newTestMux(t, Deps{Replay: fr})
	for _, p := range []string{"/replay/play", "/replay/pause", "/replay/toggle"} {
		if rr := do(t, h, http.MethodPost, p); rr.Code != http.StatusNoContent {
			t.Errorf("%s: expected 204, got %d", p, rr.Code)
		}
	}
	if got := strings.Join(fr.calls, ","); got != "play,pause,toggle" {
		t.Errorf("calls = %s", got)
	}
	if rr := do(t, h, http.MethodGet, "/replay/play"); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /replay/play: expected 405, got %d", rr.Code)
	}
}

func TestReplaySeek(t *testing.T) {
	fr := newFakeReplay(testRec)
	h := newTestMux(t, Deps{Replay: fr})

	if rr := do(t, h, http.MethodPost, "/replay/seek?t=5000"); rr.Code != http.StatusConflict {
		t.Errorf("seek without recording: expected 409, got %d", rr.Code)
	}
	_ = fr.LoadRecordingByID(context.Background(), "rec-1")
	if rr := do(t, h, http.MethodPost, "/replay/seek"); rr.Code != http.StatusBadRequest {
		t.Errorf("missing t: expected 400, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/replay/seek?t=later"); rr.Code != http.StatusBadRequest {
		t.Errorf("bad t: expected 400, got %d", rr.Code)
	}
	rr := do(t, h, http.MethodPost, "/replay/seek?t=5000")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	if len(fr.seeks) != 1 || !fr.seeks[0].Equal(ms(5000)) {
		t.Errorf("seeks = %v", fr.seeks)
	}
	var snap replay.Snapshot
	_ = json.NewDecoder(rr.Body).Decode(&snap)
	if !snap.TempTimestamp.Equal(ms(5000)) {
		t.Errorf("TempTimestamp = %v", snap.TempTimestamp)
	}
}

func TestReplayStateIncludesSenderNames(t *testing.T) {
	fr := newFakeReplay(testRec)
	fr.snap = replay.Snapshot{
		RecordingID: "rec-1",
		Messages:    []chat.ChatMsg{{ID: "a", SenderID: "u1", Timestamp: ms(10)}, {ID: "b", SenderID: "u2", Timestamp: ms(20)}},
	}
	rr := do(t, newTestMux(t, Deps{Replay: fr, Names: fakeNames{"u1": "Ada"}}), http.MethodGet, "/replay/state")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got struct {
		RecordingID string            `json:"recordingID"`
		Messages    []chat.ChatMsg    `json:"messages"`
		SenderNames map[string]string `json:"senderNames"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RecordingID != "rec-1" || len(got.Messages) != 2 {
		t.Errorf("state = %+v", got)
	}
	if len(got.SenderNames) != 1 || got.SenderNames["u1"] != "Ada" {
		t.Errorf("senderNames = %v", got.SenderNames)
	}
}

func TestReplayUnavailable(t *testing.T) {
	h := newTestMux(t, Deps{})
	for _, c := range []struct{ method, path string }{
		{http.MethodGet, "/replay/state"},
		{http.MethodGet, "/replay/recordings"},
		{http.MethodGet, "/replay/stream"},
		{http.MethodPost, "/replay/play"},
		{http.MethodPost, "/replay/seek?t=1"},
	} {
		if rr := do(t, h, c.method, c.path); rr.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s: expected 503, got %d", c.method, c.path, rr.Code)
		}
	}
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Start(ctx, Deps{}, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
