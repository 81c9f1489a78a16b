// Package users resolves chat sender ids to display names.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/replay-sync/db"
	"github.com/onnwee/replay-sync/twitchapi"
)

// Lookup fetches display names for ids. Ids it does not know are absent from the result.
type Lookup interface {
	Lookup(ctx context.Context, ids []string) (map[string]string, error)
}

// Store is a cached user directory. Each id is looked up at most once, including ids the
// lookup did not know; concurrent resolutions of the same set share one call.
type Store struct {
	lookup Lookup
	log    *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	names map[string]string
}

// NewStore wraps lookup with a cache. A nil lookup makes Resolve a no-op.
func NewStore(lookup Lookup, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		lookup: lookup,
		log:    logger.With(slog.String("component", "users")),
		names:  make(map[string]string),
	}
}

// Resolve looks up every id not yet cached.
func (s *Store) Resolve(ctx context.Context, ids []string) error {
	if s.lookup == nil {
		return nil
	}
	pending := s.unknown(ids)
	if len(pending) == 0 {
		return nil
	}
	_, err, shared := s.group.Do(strings.Join(pending, ","), func() (interface{}, error) {
		found, err := s.lookup.Lookup(ctx, pending)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		for _, id := range pending {
			s.names[id] = found[id]
		}
		s.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("resolve %d users: %w", len(pending), err)
	}
	s.log.Debug("resolved users", slog.Int("count", len(pending)), slog.Bool("shared", shared))
	return nil
}

// Name returns the display name for id, if one is known.
func (s *Store) Name(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name := s.names[id]
	return name, name != ""
}

// Set records a name directly, e.g. from a message that carried it.
func (s *Store) Set(id, name string) {
	if id == "" || name == "" {
		return
	}
	s.mu.Lock()
	s.names[id] = name
	s.mu.Unlock()
}

// unknown returns the sorted, de-duplicated ids missing from the cache.
func (s *Store) unknown(ids []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := s.names[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// PostgresLookup reads the users table filled by the chat recorder.
type PostgresLookup struct {
	DB db.DBTX
}

func (l *PostgresLookup) Lookup(ctx context.Context, ids []string) (map[string]string, error) {
	rows, err := l.DB.Query(ctx, `SELECT user_uuid, name FROM users WHERE user_uuid = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string, len(ids))
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out[id] = name
	}
	return out, rows.Err()
}

// HelixLookup asks the Twitch API.
type HelixLookup struct {
	Client *twitchapi.HelixClient
}

func (l *HelixLookup) Lookup(ctx context.Context, ids []string) (map[string]string, error) {
	users, err := l.Client.GetUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(users))
	for _, u := range users {
		name := u.DisplayName
		if name == "" {
			name = u.Login
		}
		out[u.ID] = name
	}
	return out, nil
}

// Chain tries each lookup in order, passing on only the ids still unresolved. A failing
// lookup does not stop later ones; its error is returned if nothing resolved the ids.
type Chain []Lookup

func (c Chain) Lookup(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	remaining := ids
	var errs []error
	for _, l := range c {
		if len(remaining) == 0 {
			break
		}
		found, err := l.Lookup(ctx, remaining)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		next := remaining[:0:0]
		for _, id := range remaining {
			if name, ok := found[id]; ok && name != "" {
				out[id] = name
			} else {
				next = append(next, id)
			}
		}
		remaining = next
	}
	if len(remaining) > 0 && len(errs) > 0 {
		return out, errors.Join(errs...)
	}
	return out, nil
}
