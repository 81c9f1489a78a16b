package chat

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/replay-sync/db"
)

// TypeRoomMessage tags ordinary room chat.
const TypeRoomMessage = "room-message"

// DefaultPageSize bounds a single history fetch.
const DefaultPageSize = 200

// ChatMsg is one chat message. Messages are ordered by Timestamp; equal timestamps keep
// arrival order.
type ChatMsg struct {
	ID        string    `json:"uuid"`
	Type      string    `json:"type"`
	SenderID  string    `json:"senderID"`
	Timestamp time.Time `json:"timestamp"`
	Value     string    `json:"value"`
}

// HistoryStore fetches messages with timestamps in (lowerExclusive, upperInclusive].
type HistoryStore interface {
	Fetch(ctx context.Context, lowerExclusive, upperInclusive time.Time) ([]ChatMsg, error)
}

// PostgresHistory reads one room's chat_messages.
type PostgresHistory struct {
	DB       db.DBTX
	RoomUUID string
	// PageSize caps one fetch; zero means DefaultPageSize. A full page is extended with
	// the rest of its last timestamp so the next page can resume strictly after it.
	PageSize int
}

// Fetch returns the next page of messages after lowerExclusive.
func (h *PostgresHistory) Fetch(ctx context.Context, lowerExclusive, upperInclusive time.Time) ([]ChatMsg, error) {
	limit := h.PageSize
	if limit <= 0 {
		limit = DefaultPageSize
	}
	page, lastID, err := h.query(ctx, `SELECT id, sender_id, message, ts FROM chat_messages
		WHERE room_uuid = $1 AND ts > $2 AND ts <= $3
		ORDER BY ts ASC, id ASC LIMIT $4`, h.RoomUUID, lowerExclusive, upperInclusive, limit)
	if err != nil {
		return nil, err
	}
	if len(page) < limit {
		return page, nil
	}
	last := page[len(page)-1].Timestamp
	rest, _, err := h.query(ctx, `SELECT id, sender_id, message, ts FROM chat_messages
		WHERE room_uuid = $1 AND ts = $2 AND id > $3
		ORDER BY id ASC`, h.RoomUUID, last, lastID)
	if err != nil {
		return nil, err
	}
	return append(page, rest...), nil
}

func (h *PostgresHistory) query(ctx context.Context, q string, args ...any) ([]ChatMsg, int64, error) {
	rows, err := h.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query chat history: %w", err)
	}
	defer rows.Close()

	out := []ChatMsg{}
	var lastID int64
	for rows.Next() {
		var (
			id int64
			m  ChatMsg
		)
		if err := rows.Scan(&id, &m.SenderID, &m.Value, &m.Timestamp); err != nil {
			return nil, 0, fmt.Errorf("scan chat message: %w", err)
		}
		m.ID = strconv.FormatInt(id, 10)
		m.Type = TypeRoomMessage
		out = append(out, m)
		lastID = id
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate chat history: %w", err)
	}
	return out, lastID, nil
}

// Insert stores a message for the room and returns its id.
func (h *PostgresHistory) Insert(ctx context.Context, m ChatMsg) (string, error) {
	var id int64
	if err := h.DB.QueryRow(ctx, `INSERT INTO chat_messages (room_uuid, sender_id, message, ts)
		VALUES ($1, $2, $3, $4) RETURNING id`, h.RoomUUID, m.SenderID, m.Value, m.Timestamp).Scan(&id); err != nil {
		return "", fmt.Errorf("insert chat message: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

// MemoryHistory is an in-process HistoryStore. It is safe for concurrent use.
type MemoryHistory struct {
	mu       sync.Mutex
	msgs     []ChatMsg
	pageSize int
}

// NewMemoryHistory returns a store seeded with msgs. pageSize zero means unpaginated.
func NewMemoryHistory(pageSize int, msgs ...ChatMsg) *MemoryHistory {
	h := &MemoryHistory{pageSize: pageSize}
	h.Add(msgs...)
	return h
}

// Add appends messages, keeping timestamp order and arrival order for ties.
func (h *MemoryHistory) Add(msgs ...ChatMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range msgs {
		if m.Type == "" {
			m.Type = TypeRoomMessage
		}
		h.msgs = append(h.msgs, m)
	}
	sort.SliceStable(h.msgs, func(i, j int) bool { return h.msgs[i].Timestamp.Before(h.msgs[j].Timestamp) })
}

// Fetch implements HistoryStore.
func (h *MemoryHistory) Fetch(_ context.Context, lowerExclusive, upperInclusive time.Time) ([]ChatMsg, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []ChatMsg{}
	for _, m := range h.msgs {
		if !m.Timestamp.After(lowerExclusive) || m.Timestamp.After(upperInclusive) {
			continue
		}
		if h.pageSize > 0 && len(out) >= h.pageSize && !m.Timestamp.Equal(out[len(out)-1].Timestamp) {
			break
		}
		out = append(out, m)
	}
	return out, nil
}
