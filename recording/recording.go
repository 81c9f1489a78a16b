// Package recording holds the recorded-session metadata a replay is built from and the
// catalog that lists it per room.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/replay-sync/db"
)

// ErrNotFound is returned when a recording id is unknown.
var ErrNotFound = errors.New("recording not found")

// UserVideo is one participant's recorded camera track.
type UserVideo struct {
	VideoURL string `json:"videoURL"`
}

// Recording is one recorded span of a room. It is immutable once loaded.
type Recording struct {
	ID        string               `json:"id"`
	RoomUUID  string               `json:"roomUUID"`
	BeginTime time.Time            `json:"beginTime"`
	EndTime   time.Time            `json:"endTime"`
	VideoURL  string               `json:"videoURL,omitempty"`
	Users     map[string]UserVideo `json:"users,omitempty"`
}

// Duration is the length of the recorded span.
func (r Recording) Duration() time.Duration { return r.EndTime.Sub(r.BeginTime) }

// Contains reports whether ts falls inside the span (inclusive).
func (r Recording) Contains(ts time.Time) bool {
	return !ts.Before(r.BeginTime) && !ts.After(r.EndTime)
}

// Catalog lists the recordings available for a room.
type Catalog interface {
	List(ctx context.Context, roomID string) ([]Recording, error)
}

// Find returns the recording with the given id.
func Find(recs []Recording, id string) (Recording, error) {
	for _, r := range recs {
		if r.ID == id {
			return r, nil
		}
	}
	return Recording{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// PostgresCatalog reads recordings and their per-user videos from Postgres.
type PostgresCatalog struct {
	DB db.DBTX
}

// List returns the room's recordings ordered by begin time.
func (c *PostgresCatalog) List(ctx context.Context, roomID string) ([]Recording, error) {
	rows, err := c.DB.Query(ctx, `SELECT r.id, r.room_uuid, r.begin_time, r.end_time, r.video_url,
			COALESCE(u.user_uuid, ''), COALESCE(u.video_url, '')
		FROM recordings r
		LEFT JOIN recording_users u ON u.recording_id = r.id
		WHERE r.room_uuid = $1
		ORDER BY r.begin_time ASC, r.id ASC, u.user_uuid ASC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()

	out := []Recording{}
	index := map[string]int{}
	for rows.Next() {
		var (
			rec               Recording
			userUUID, userURL string
		)
		if err := rows.Scan(&rec.ID, &rec.RoomUUID, &rec.BeginTime, &rec.EndTime, &rec.VideoURL, &userUUID, &userURL); err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		i, ok := index[rec.ID]
		if !ok {
			i = len(out)
			index[rec.ID] = i
			out = append(out, rec)
		}
		if userUUID != "" {
			if out[i].Users == nil {
				out[i].Users = make(map[string]UserVideo)
			}
			out[i].Users[userUUID] = UserVideo{VideoURL: userURL}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recordings: %w", err)
	}
	slog.Debug("recordings listed", slog.String("room", roomID), slog.Int("count", len(out)), slog.String("component", "recording_catalog"))
	return out, nil
}

// Save inserts or replaces a recording and its per-user videos.
func (c *PostgresCatalog) Save(ctx context.Context, rec Recording) error {
	if _, err := c.DB.Exec(ctx, `INSERT INTO recordings (id, room_uuid, begin_time, end_time, video_url)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET room_uuid=EXCLUDED.room_uuid, begin_time=EXCLUDED.begin_time,
			end_time=EXCLUDED.end_time, video_url=EXCLUDED.video_url`,
		rec.ID, rec.RoomUUID, rec.BeginTime, rec.EndTime, rec.VideoURL); err != nil {
		return fmt.Errorf("save recording %s: %w", rec.ID, err)
	}
	for userUUID, v := range rec.Users {
		if _, err := c.DB.Exec(ctx, `INSERT INTO recording_users (recording_id, user_uuid, video_url)
			VALUES ($1, $2, $3)
			ON CONFLICT (recording_id, user_uuid) DO UPDATE SET video_url=EXCLUDED.video_url`,
			rec.ID, userUUID, v.VideoURL); err != nil {
			return fmt.Errorf("save recording user %s/%s: %w", rec.ID, userUUID, err)
		}
	}
	return nil
}
