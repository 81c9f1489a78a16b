package replay

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/replay-sync/chat"
	"github.com/onnwee/replay-sync/telemetry"
)

// historyUpper caps how far past its lower bound a single fetch may reach.
func historyUpper(lower time.Time) time.Time { return lower.AddDate(1, 0, 0) }

// SyncMessages brings the displayed messages in line with the playback position, fetching
// history as needed. It returns at once if a fetch is already in flight; the next
// timeupdate picks up from the current state.
//
// Invariant: messages is a prefix of cached and its last timestamp is not after the
// position it was derived for.
func (s *Store) SyncMessages(ctx context.Context) {
	s.mu.Lock()
	if s.current == nil || s.agg == nil {
		s.mu.Unlock()
		return
	}
	if s.loading {
		s.mu.Unlock()
		telemetry.Inc(telemetry.SyncDropped)
		return
	}
	telemetry.Inc(telemetry.SyncRuns)
	gen := s.gen
	changed := false
	defer func() {
		s.mu.Unlock()
		if changed {
			s.notify()
		}
	}()

	// tailTried stops an empty or failed look past the cache from repeating within one call
	tailTried := false
	for {
		if gen != s.gen {
			return
		}
		now := s.positionLocked()

		// cold start
		if len(s.cached) == 0 {
			fetched, live := s.fetchLocked(ctx, gen, now.Add(-time.Millisecond))
			if !live || len(fetched) == 0 {
				return
			}
			s.oldestSeekTime = now
			s.cached = append([]chat.ChatMsg(nil), fetched...)
			changed = true
			continue
		}

		// backward seek past the cache anchor
		if now.Before(s.oldestSeekTime) {
			s.cached = nil
			s.messages = nil
			changed = true
			continue
		}

		// backward seek within the displayed messages
		if len(s.messages) > 0 && now.Before(s.messages[len(s.messages)-1].Timestamp) {
			s.messages = nil
			changed = true
			continue
		}

		start := len(s.messages)
		for start < len(s.cached) && !s.cached[start].Timestamp.After(now) {
			start++
		}

		// everything cached is due: look past the end of the cache. This also runs when
		// the display has caught up, so a failed fetch is retried on the next update.
		if start >= len(s.cached) && !tailTried {
			fetched, live := s.fetchLocked(ctx, gen, s.cached[len(s.cached)-1].Timestamp)
			if !live {
				return
			}
			if len(fetched) > 0 {
				s.cached = append(s.cached, fetched...)
				changed = true
				continue
			}
			// the position may have moved while the lock was released
			tailTried = true
			continue
		}

		if start == len(s.messages) {
			return
		}
		s.messages = append(s.messages, s.cached[len(s.messages):start]...)
		changed = true
		return
	}
}

// positionLocked reads the aggregator's clock into realTimestamp.
func (s *Store) positionLocked() time.Time {
	s.realTimestamp = s.current.BeginTime.Add(s.agg.CurrentTime())
	return s.realTimestamp
}

// fetchLocked fetches (lower, lower+1y] with s.mu released for the duration of the call.
// live is false if the store moved to another recording meanwhile; the result is then
// discarded. A range already known to be empty is not fetched.
func (s *Store) fetchLocked(ctx context.Context, gen uint64, lower time.Time) (msgs []chat.ChatMsg, live bool) {
	if !s.remoteNewest.IsZero() && !lower.Before(s.remoteNewest) {
		telemetry.Inc(telemetry.HistoryFetchesSkipped)
		return nil, true
	}
	s.loading = true
	s.mu.Unlock()

	msgs, err := s.getHistory(ctx, lower)

	s.mu.Lock()
	s.loading = false
	if gen != s.gen {
		s.log.Debug("discarding stale history page", slog.Int("messages", len(msgs)))
		return nil, false
	}
	if err == nil && len(msgs) == 0 {
		s.remoteNewest = lower
	}
	return msgs, true
}

// getHistory fetches one page and resolves its senders before handing it back. Fetch
// errors are logged and reported as an empty page; identity errors are ignored.
func (s *Store) getHistory(ctx context.Context, lower time.Time) ([]chat.ChatMsg, error) {
	upper := historyUpper(lower)
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerName, "history.fetch", telemetry.HistoryRangeAttrs(lower, upper)...)
	defer span.End()

	telemetry.Inc(telemetry.HistoryFetches)
	var (
		msgs []chat.ChatMsg
		err  error
	)
	d := telemetry.TimeFunc(telemetry.HistoryFetchDuration, func() {
		msgs, err = s.deps.History.Fetch(ctx, lower, upper)
	})
	if err != nil {
		telemetry.Inc(telemetry.HistoryFetchErrors)
		telemetry.RecordError(span, err)
		s.log.Warn("history fetch failed", slog.Time("after", lower), slog.Any("err", err))
		return nil, err
	}
	s.log.Debug("history fetched", slog.Time("after", lower), slog.Int("messages", len(msgs)), slog.Duration("took", d))

	senders := make([]string, 0, len(msgs))
	for i := range msgs {
		if msgs[i].Type == "" {
			msgs[i].Type = chat.TypeRoomMessage
		}
		senders = append(senders, msgs[i].SenderID)
	}
	if len(senders) > 0 && s.deps.Identity != nil {
		// resolve names first so messages never show without them when the lookup works
		if err := s.deps.Identity.Resolve(ctx, senders); err != nil {
			telemetry.Inc(telemetry.IdentityErrors)
			s.log.Debug("sender identity lookup failed", slog.Any("err", err))
		}
	}
	telemetry.SetSpanSuccess(span)
	return msgs, nil
}
