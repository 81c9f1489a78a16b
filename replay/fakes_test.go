package replay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/replay-sync/chat"
	"github.com/onnwee/replay-sync/player"
	"github.com/onnwee/replay-sync/recording"
)

func at(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func msgAt(id string, ms int64) chat.ChatMsg {
	return chat.ChatMsg{ID: id, SenderID: "sender-" + id, Timestamp: at(ms), Value: id}
}

// fakeAggregator is a manually driven transport.
type fakeAggregator struct {
	players []player.AtomPlayer

	mu      sync.Mutex
	pos     time.Duration
	plays   int
	pauses  int
	seeks   []time.Duration
	closed  bool
	nextID  int
	onTime  map[int]func(time.Duration)
	onPhase map[int]func(player.Phase)
}

func newFakeAggregator(players []player.AtomPlayer) *fakeAggregator {
	return &fakeAggregator{
		players: players,
		onTime:  make(map[int]func(time.Duration)),
		onPhase: make(map[int]func(player.Phase)),
	}
}

func (f *fakeAggregator) Name() string { return "fake" }
func (f *fakeAggregator) Play()        { f.mu.Lock(); f.plays++; f.mu.Unlock() }
func (f *fakeAggregator) Pause()       { f.mu.Lock(); f.pauses++; f.mu.Unlock() }

func (f *fakeAggregator) Seek(d time.Duration) {
	f.mu.Lock()
	f.seeks = append(f.seeks, d)
	f.pos = d
	f.mu.Unlock()
	f.emitTime()
}

func (f *fakeAggregator) CurrentTime() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

func (f *fakeAggregator) OnTimeUpdate(fn func(time.Duration)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.onTime[id] = fn
	return func() { f.mu.Lock(); delete(f.onTime, id); f.mu.Unlock() }
}

func (f *fakeAggregator) OnPhase(fn func(player.Phase)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.onPhase[id] = fn
	return func() { f.mu.Lock(); delete(f.onPhase, id); f.mu.Unlock() }
}

func (f *fakeAggregator) Close() { f.mu.Lock(); f.closed = true; f.mu.Unlock() }

func (f *fakeAggregator) setPos(ms int64) {
	f.mu.Lock()
	f.pos = time.Duration(ms) * time.Millisecond
	f.mu.Unlock()
}

func (f *fakeAggregator) emitTime() {
	f.mu.Lock()
	pos := f.pos
	fns := make([]func(time.Duration), 0, len(f.onTime))
	for _, fn := range f.onTime {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(pos)
	}
}

func (f *fakeAggregator) emitPhase(p player.Phase) {
	f.mu.Lock()
	fns := make([]func(player.Phase), 0, len(f.onPhase))
	for _, fn := range f.onPhase {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (f *fakeAggregator) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.onTime) + len(f.onPhase)
}

func (f *fakeAggregator) seekCalls() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.seeks...)
}

type fetchCall struct {
	lower, upper time.Time
}

// scriptedHistory answers fetches from a queue of responses, then from a fallback store.
type scriptedHistory struct {
	mu        sync.Mutex
	responses [][]chat.ChatMsg
	errs      []error
	fallback  chat.HistoryStore
	calls     []fetchCall

	// block, when set, holds every fetch until it is closed.
	block    chan struct{}
	entered  chan struct{}
	inFlight int
	maxIn    int
}

func (h *scriptedHistory) Fetch(ctx context.Context, lower, upper time.Time) ([]chat.ChatMsg, error) {
	h.mu.Lock()
	h.calls = append(h.calls, fetchCall{lower, upper})
	h.inFlight++
	if h.inFlight > h.maxIn {
		h.maxIn = h.inFlight
	}
	block, entered := h.block, h.entered
	var (
		resp []chat.ChatMsg
		err  error
		next = true
	)
	if len(h.errs) > 0 {
		err, h.errs = h.errs[0], h.errs[1:]
		next = false
	}
	if next && len(h.responses) > 0 {
		resp, h.responses = h.responses[0], h.responses[1:]
		next = false
	}
	fallback := h.fallback
	h.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	defer func() {
		h.mu.Lock()
		h.inFlight--
		h.mu.Unlock()
	}()
	if err != nil {
		return nil, err
	}
	if next && fallback != nil {
		return fallback.Fetch(ctx, lower, upper)
	}
	return append([]chat.ChatMsg{}, resp...), nil
}

func (h *scriptedHistory) fetchCalls() []fetchCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]fetchCall(nil), h.calls...)
}

type fakeResolver struct {
	mu    sync.Mutex
	err   error
	calls [][]string
}

func (r *fakeResolver) Resolve(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), ids...))
	return r.err
}

type fakeCatalog struct {
	recs []recording.Recording
	err  error
}

func (c *fakeCatalog) List(context.Context, string) ([]recording.Recording, error) {
	return c.recs, c.err
}

// failingMedia fails to open the listed URLs.
type failingMedia struct {
	ClockMediaFactory
	failVideo      map[string]bool
	failWhiteboard bool
	stage          *stageMedia
}

func (f failingMedia) Whiteboard(ctx context.Context, rec recording.Recording, wb Whiteboard) (player.Media, error) {
	if f.failWhiteboard {
		return nil, errors.New("whiteboard sdk unavailable")
	}
	if f.stage != nil {
		return f.stage, nil
	}
	return f.ClockMediaFactory.Whiteboard(ctx, rec, wb)
}

func (f failingMedia) Video(ctx context.Context, rec recording.Recording, url string) (player.Media, error) {
	if f.failVideo[url] {
		return nil, errors.New("video unavailable")
	}
	return f.ClockMediaFactory.Video(ctx, rec, url)
}

// stageMedia is a whiteboard media that also publishes on-stage users.
type stageMedia struct {
	*player.ClockMedia
	mu  sync.Mutex
	fns []func(map[string]bool)
}

func (m *stageMedia) SubscribeOnStage(fn func(map[string]bool)) func() {
	m.mu.Lock()
	m.fns = append(m.fns, fn)
	idx := len(m.fns) - 1
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.fns[idx] = nil
		m.mu.Unlock()
	}
}

func (m *stageMedia) publish(state map[string]bool) {
	m.mu.Lock()
	fns := append([]func(map[string]bool){}, m.fns...)
	m.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(state)
		}
	}
}

var testWhiteboard = Whiteboard{AppID: "app", RoomUUID: "wb-room", RoomToken: "wb-token"}

var testRecording = recording.Recording{
	ID:        "rec-1",
	RoomUUID:  "room-1",
	BeginTime: at(0),
	EndTime:   at(100_000),
}

type harness struct {
	store    *Store
	history  *scriptedHistory
	resolver *fakeResolver
	aggs     []*fakeAggregator
	mu       sync.Mutex
}

func (h *harness) agg() *fakeAggregator {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aggs[len(h.aggs)-1]
}

func newHarness(t *testing.T, hist *scriptedHistory, opts ...func(*Config, *Deps)) *harness {
	t.Helper()
	h := &harness{history: hist, resolver: &fakeResolver{}}
	cfg := Config{RoomUUID: "room-1", OwnerUUID: "owner", UserUUID: "viewer", Whiteboard: testWhiteboard}
	deps := Deps{
		History:  hist,
		Identity: h.resolver,
		NewAggregator: func(players []player.AtomPlayer, _ player.Options) Aggregator {
			a := newFakeAggregator(players)
			h.mu.Lock()
			h.aggs = append(h.aggs, a)
			h.mu.Unlock()
			return a
		},
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	s, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(s.Destroy)
	h.store = s
	return h
}

func (h *harness) load(t *testing.T, rec recording.Recording) {
	t.Helper()
	if err := h.store.LoadRecording(context.Background(), rec); err != nil {
		t.Fatalf("LoadRecording() error = %v", err)
	}
}

// syncAt moves the fake transport to ms and runs one sync.
func (h *harness) syncAt(ms int64) {
	h.agg().setPos(ms)
	h.store.SyncMessages(context.Background())
}

func msgIDs(msgs []chat.ChatMsg) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func sameIDs(got []chat.ChatMsg, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i].ID != want[i] {
			return false
		}
	}
	return true
}

// checkInvariants asserts the displayed messages are a prefix of an ordered cache and
// none of them is ahead of the transport or the current timestamp.
func checkInvariants(t *testing.T, s *Store) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) > len(s.cached) {
		t.Fatalf("messages (%d) longer than cache (%d)", len(s.messages), len(s.cached))
	}
	for i := range s.messages {
		if s.messages[i].ID != s.cached[i].ID {
			t.Fatalf("messages[%d] = %s, cache[%d] = %s: not a prefix", i, s.messages[i].ID, i, s.cached[i].ID)
		}
	}
	for i := 1; i < len(s.cached); i++ {
		if s.cached[i].Timestamp.Before(s.cached[i-1].Timestamp) {
			t.Fatalf("cache out of order at %d", i)
		}
	}
	n := len(s.messages)
	if n == 0 {
		return
	}
	last := s.messages[n-1].Timestamp
	if s.current != nil && s.agg != nil {
		if pos := s.current.BeginTime.Add(s.agg.CurrentTime()); last.After(pos) {
			t.Fatalf("last displayed message %v is after transport position %v", last, pos)
		}
	}
	// a pending seek target is held to the prefix rule once it has been issued
	if s.tempTimestamp.IsZero() && last.After(s.currentTimestampLocked()) {
		t.Fatalf("last displayed message %v is after current timestamp %v", last, s.currentTimestampLocked())
	}
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// historyFunc adapts a function to chat.HistoryStore.
type historyFunc func(ctx context.Context, lower, upper time.Time) ([]chat.ChatMsg, error)

func (f historyFunc) Fetch(ctx context.Context, lower, upper time.Time) ([]chat.ChatMsg, error) {
	return f(ctx, lower, upper)
}
