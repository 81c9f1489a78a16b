// Command replay-sync serves synchronized replays of recorded rooms. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs versioned migrations.
//   - Loads the room's recordings and the configured (or latest) one into the replay store.
//   - Optionally records live Twitch chat into the room history.
//   - Exposes the HTTP API with /healthz, /readyz, /metrics and replay control.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/onnwee/replay-sync/chat"
	"github.com/onnwee/replay-sync/config"
	"github.com/onnwee/replay-sync/db"
	"github.com/onnwee/replay-sync/recording"
	"github.com/onnwee/replay-sync/replay"
	"github.com/onnwee/replay-sync/server"
	"github.com/onnwee/replay-sync/telemetry"
	"github.com/onnwee/replay-sync/twitchapi"
	"github.com/onnwee/replay-sync/users"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateReplayReady(); err != nil {
		slog.Error("replay configuration incomplete", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("replay-sync", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer pool.Close()

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(cfg.DBDsn); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err), slog.String("component", "db_migrate"))
		os.Exit(1)
	}
	if version, _, err := db.GetMigrationVersion(cfg.DBDsn); err == nil {
		slog.Info("database schema ready", slog.Uint64("version", uint64(version)), slog.String("component", "db_migrate"))
	}
	go reportPoolStats(ctx, pool)

	// Sender names: names stored by the chat recorder first, then Helix when configured
	lookups := users.Chain{&users.PostgresLookup{DB: pool}}
	if cfg.HelixEnabled() {
		lookups = append(lookups, &users.HelixLookup{Client: &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
			ClientID:       cfg.TwitchClientID,
		}})
	}
	directory := users.NewStore(lookups, slog.Default())

	catalog := &recording.PostgresCatalog{DB: pool}
	historyFor := func(room string) chat.HistoryStore {
		return &chat.PostgresHistory{DB: pool, RoomUUID: room, PageSize: cfg.HistoryPageSize}
	}
	history := historyFor(cfg.RoomUUID)
	if cfg.HistoryBackend == config.HistoryHTTP {
		history = &chat.HTTPHistory{
			BaseURL:    cfg.HistoryBaseURL,
			RoomUUID:   cfg.RoomUUID,
			HTTPClient: &http.Client{Timeout: 15 * time.Second},
		}
	}
	slog.Info("history backend selected", slog.String("backend", cfg.HistoryBackend))

	store, err := replay.New(cfg.Replay(), replay.Deps{
		Catalog:  catalog,
		History:  history,
		Identity: directory,
		Logger:   slog.Default(),
	})
	if err != nil {
		slog.Error("replay store init failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer store.Destroy()

	if err := store.Init(ctx); err != nil {
		slog.Error("failed to load recordings", slog.Any("err", err))
		os.Exit(1)
	}
	if err := loadInitialRecording(ctx, store, cfg.RecordingID); err != nil {
		slog.Warn("no recording loaded at startup", slog.Any("err", err))
	}

	// Chat recorder is optional; live messages also reach the replay when it has caught up
	if err := cfg.ValidateChatReady(); err == nil {
		rec := &chat.Recorder{
			DB:         pool,
			RoomUUID:   cfg.RoomUUID,
			Channel:    cfg.TwitchChannel,
			Username:   cfg.TwitchBotUsername,
			OAuthToken: cfg.TwitchOAuthToken,
			OnMessage: func(m chat.ChatMsg, name string) {
				if name != "" {
					directory.Set(m.SenderID, name)
				}
				store.OnNewMessage(m)
			},
		}
		go func() {
			if err := rec.Run(ctx); err != nil {
				slog.Error("chat recorder exited", slog.Any("err", err))
			}
		}()
	} else {
		slog.Info("chat recorder disabled (missing twitch creds)")
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	go func() {
		err := server.Start(ctx, server.Deps{
			DB:      pool,
			Replay:  store,
			Catalog: catalog,
			History: historyFor,
			Names:   directory,
		}, cfg.HTTPAddr)
		if err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}

// loadInitialRecording loads id, or the most recent recording when id is empty.
func loadInitialRecording(ctx context.Context, store *replay.Store, id string) error {
	if id != "" {
		return store.LoadRecordingByID(ctx, id)
	}
	recs := store.Recordings()
	if len(recs) == 0 {
		return recording.ErrNotFound
	}
	return store.LoadRecording(ctx, recs[len(recs)-1])
}

// reportPoolStats publishes connection pool gauges until ctx is done.
func reportPoolStats(ctx context.Context, pool *pgxpool.Pool) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		stat := pool.Stat()
		telemetry.UpdateDatabasePoolMetrics(stat.TotalConns(), stat.IdleConns())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
