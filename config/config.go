// Package config loads environment variables and provides a typed Config used across the service.
// It applies defaults so the binary can run locally with minimal setup.
// Required identifiers are checked by ValidateReplayReady and ValidateChatReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/replay-sync/db"
	"github.com/onnwee/replay-sync/replay"
)

// History backends.
const (
	HistoryPostgres = "postgres"
	HistoryHTTP     = "http"
)

type Config struct {
	// Room being replayed
	RoomUUID  string
	OwnerUUID string
	UserUUID  string
	// RecordingID selects the recording to load at startup; empty loads the latest.
	RecordingID string

	// Whiteboard
	WhiteboardAppID     string
	WhiteboardRoomUUID  string
	WhiteboardRoomToken string
	WhiteboardRegion    string

	// Playback
	TickInterval time.Duration
	SeekDebounce time.Duration

	// History
	HistoryBackend  string
	HistoryBaseURL  string
	HistoryPageSize int

	// Database
	DBDsn string

	// HTTP
	HTTPAddr string

	// Twitch identity lookup (app token)
	TwitchClientID     string
	TwitchClientSecret string

	// Twitch chat recorder
	TwitchChannel     string
	TwitchBotUsername string
	TwitchOAuthToken  string
}

// Load reads environment variables and applies defaults. It doesn't fail if identifiers are
// missing; use ValidateReplayReady before loading recordings.
func Load() (*Config, error) {
	cfg := &Config{
		RoomUUID:            os.Getenv("ROOM_UUID"),
		OwnerUUID:           os.Getenv("OWNER_UUID"),
		UserUUID:            os.Getenv("USER_UUID"),
		RecordingID:         os.Getenv("RECORDING_ID"),
		WhiteboardAppID:     os.Getenv("WHITEBOARD_APP_ID"),
		WhiteboardRoomUUID:  os.Getenv("WHITEBOARD_ROOM_UUID"),
		WhiteboardRoomToken: os.Getenv("WHITEBOARD_ROOM_TOKEN"),
		WhiteboardRegion:    os.Getenv("WHITEBOARD_REGION"),
		HistoryBaseURL:      os.Getenv("HISTORY_BASE_URL"),
		TwitchClientID:      os.Getenv("TWITCH_CLIENT_ID"),
		TwitchClientSecret:  os.Getenv("TWITCH_CLIENT_SECRET"),
		TwitchChannel:       os.Getenv("TWITCH_CHANNEL"),
		TwitchBotUsername:   os.Getenv("TWITCH_BOT_USERNAME"),
		TwitchOAuthToken:    os.Getenv("TWITCH_OAUTH_TOKEN"),
	}
	if cfg.WhiteboardRegion == "" {
		cfg.WhiteboardRegion = replay.DefaultRegion
	}

	var err error
	if cfg.TickInterval, err = durationEnv("TICK_INTERVAL", 250*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.SeekDebounce, err = durationEnv("SEEK_DEBOUNCE", replay.DefaultSeekDebounce); err != nil {
		return nil, err
	}

	cfg.HistoryBackend = strings.ToLower(os.Getenv("HISTORY_BACKEND"))
	switch cfg.HistoryBackend {
	case "":
		cfg.HistoryBackend = HistoryPostgres
		if cfg.HistoryBaseURL != "" {
			cfg.HistoryBackend = HistoryHTTP
		}
	case HistoryPostgres, HistoryHTTP:
	default:
		return nil, fmt.Errorf("invalid HISTORY_BACKEND %q (want %s or %s)", cfg.HistoryBackend, HistoryPostgres, HistoryHTTP)
	}
	if cfg.HistoryBackend == HistoryHTTP && cfg.HistoryBaseURL == "" {
		return nil, fmt.Errorf("HISTORY_BACKEND=http requires HISTORY_BASE_URL")
	}
	if v := os.Getenv("HISTORY_PAGE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid HISTORY_PAGE_SIZE %q", v)
		}
		cfg.HistoryPageSize = n
	}

	// DB
	cfg.DBDsn = db.DSN()

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	return cfg, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s (duration, e.g. 250ms): %q", key, v)
	}
	return d, nil
}

// ValidateReplayReady checks the identifiers a replay cannot start without.
func (c *Config) ValidateReplayReady() error {
	var missing []string
	for _, f := range []struct{ name, val string }{
		{"ROOM_UUID", c.RoomUUID},
		{"USER_UUID", c.UserUUID},
		{"WHITEBOARD_APP_ID", c.WhiteboardAppID},
		{"WHITEBOARD_ROOM_UUID", c.WhiteboardRoomUUID},
		{"WHITEBOARD_ROOM_TOKEN", c.WhiteboardRoomToken},
	} {
		if f.val == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing replay env: require %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidateChatReady checks required fields when the chat recorder is enabled.
func (c *Config) ValidateChatReady() error {
	if c.TwitchChannel == "" || c.TwitchBotUsername == "" || c.TwitchOAuthToken == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_CHANNEL, TWITCH_BOT_USERNAME, TWITCH_OAUTH_TOKEN")
	}
	return nil
}

// HelixEnabled reports whether sender names can be looked up on Twitch.
func (c *Config) HelixEnabled() bool {
	return c.TwitchClientID != "" && c.TwitchClientSecret != ""
}

// Replay returns the replay store configuration.
func (c *Config) Replay() replay.Config {
	return replay.Config{
		RoomUUID:  c.RoomUUID,
		OwnerUUID: c.OwnerUUID,
		UserUUID:  c.UserUUID,
		Whiteboard: replay.Whiteboard{
			AppID:     c.WhiteboardAppID,
			RoomUUID:  c.WhiteboardRoomUUID,
			RoomToken: c.WhiteboardRoomToken,
			Region:    c.WhiteboardRegion,
		},
		TickInterval: c.TickInterval,
		SeekDebounce: c.SeekDebounce,
	}
}
