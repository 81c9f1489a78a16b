package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/replay-sync/db"
	"github.com/onnwee/replay-sync/telemetry"
)

// Recorder follows an IRC channel and stores every message in the room's history, along
// with the sender's display name so replays can label messages without a remote lookup.
type Recorder struct {
	DB         db.DBTX
	RoomUUID   string
	Channel    string
	Username   string
	OAuthToken string
	Logger     *slog.Logger
	// OnMessage, when set, receives every stored message with the sender's display name.
	OnMessage func(msg ChatMsg, senderName string)

	// now is the fallback timestamp source for messages without server time.
	now func() time.Time
}

func (r *Recorder) logger() *slog.Logger {
	l := r.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("component", "chat_recorder"), slog.String("room", r.RoomUUID))
}

// Run connects and records until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) error {
	if r.Channel == "" || r.Username == "" || r.OAuthToken == "" {
		return fmt.Errorf("chat recorder: channel, username and oauth token are required")
	}
	log := r.logger()
	client := twitch.NewClient(r.Username, r.OAuthToken)
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		if err := r.Store(ctx, msg); err != nil {
			log.Error("failed to store chat message", slog.Any("err", err))
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		if err := client.Disconnect(); err != nil {
			log.Debug("chat disconnect", slog.Any("err", err))
		}
	}()

	client.Join(r.Channel)
	log.Info("chat recorder connecting", slog.String("channel", r.Channel))
	err := client.Connect()
	if ctx.Err() != nil {
		<-done
		return nil
	}
	if err != nil {
		return fmt.Errorf("twitch chat connect: %w", err)
	}
	<-done
	return nil
}

// Store persists a single IRC message and upserts its sender's display name.
func (r *Recorder) Store(ctx context.Context, msg twitch.PrivateMessage) error {
	ts := msg.Time.UTC()
	if msg.Time.IsZero() {
		now := r.now
		if now == nil {
			now = time.Now
		}
		ts = now().UTC()
	}
	sender := msg.User.ID
	if sender == "" {
		sender = msg.User.Name
	}
	var id int64
	if err := r.DB.QueryRow(ctx, `INSERT INTO chat_messages (room_uuid, sender_id, message, ts) VALUES ($1, $2, $3, $4) RETURNING id`,
		r.RoomUUID, sender, msg.Message, ts).Scan(&id); err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	telemetry.Inc(telemetry.ChatMessagesRecorded)
	name := msg.User.DisplayName
	if name == "" {
		name = msg.User.Name
	}
	if name != "" {
		if _, err := r.DB.Exec(ctx, `INSERT INTO users (user_uuid, name, updated_at) VALUES ($1, $2, NOW())
			ON CONFLICT (user_uuid) DO UPDATE SET name=EXCLUDED.name, updated_at=NOW()`, sender, name); err != nil {
			// message is stored; the directory can catch up later
			r.logger().Debug("upsert sender name failed", slog.Any("err", err))
		}
	}
	if r.OnMessage != nil {
		r.OnMessage(ChatMsg{
			ID:        strconv.FormatInt(id, 10),
			Type:      TypeRoomMessage,
			SenderID:  sender,
			Timestamp: ts,
			Value:     msg.Message,
		}, name)
	}
	return nil
}
