// Command chat-warden runs the chat moderation pipeline. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Keeps the platform credential fresh with a renewal loop.
//   - Starts the pipeline workers: chat ingestion, eligibility
//     classification, and enforcement, connected by durable queues.
//   - Exposes a minimal HTTP server with /auth/bootstrap, /healthz,
//     /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM. A credential the platform
// refuses to renew is fatal: the process exits nonzero so the
// supervisor restarts it against a freshly bootstrapped credential.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chat-warden/classify"
	"github.com/onnwee/chat-warden/config"
	"github.com/onnwee/chat-warden/db"
	"github.com/onnwee/chat-warden/enforce"
	"github.com/onnwee/chat-warden/ingest"
	"github.com/onnwee/chat-warden/queue"
	"github.com/onnwee/chat-warden/server"
	"github.com/onnwee/chat-warden/telemetry"
	"github.com/onnwee/chat-warden/token"
	"github.com/onnwee/chat-warden/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("chat-warden", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first, embedded SQL as fallback for deployments
	// that predate the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// HTTP server runs regardless of pipeline readiness so that
	// /auth/bootstrap can seed the first credential.
	go func() {
		if err := server.Start(ctx, database, cfg.ListenAddr, cfg.TwitchRedirectURI); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	mgr := token.NewManager(token.DBStore{DB: database}, token.TwitchRefresh, cfg.RefreshMargin)
	if err := mgr.Start(ctx); err != nil {
		if errors.Is(err, db.ErrNoCredential) {
			slog.Warn("no credential on record; pipeline idle until one is seeded via POST /auth/bootstrap")
			<-ctx.Done()
			return
		}
		slog.Error("credential renewal failed to start", slog.Any("err", err))
		os.Exit(1)
	}

	if err := cfg.ValidateChatReady(); err != nil {
		slog.Error("chat configuration incomplete", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateQueueReady(); err != nil {
		slog.Error("queue configuration incomplete", slog.Any("err", err))
		os.Exit(1)
	}

	transport, err := queue.NewSQSTransport(ctx, cfg.AWSRegion, cfg.SQSEndpoint)
	if err != nil {
		slog.Error("failed to initialize queue transport", slog.Any("err", err))
		os.Exit(1)
	}

	// The Helix client-id header must match the credential that minted the
	// access token, so prefer the stored credential over env.
	clientID := cfg.TwitchClientID
	if cred, err := db.GetCredential(ctx, database); err == nil && cred.ClientID != "" {
		clientID = cred.ClientID
	}
	helix := &twitchapi.HelixClient{ClientID: clientID, Tokens: mgr}

	channelID, botUserID := resolveIdentities(ctx, database, helix, cfg)
	if channelID == "" {
		slog.Error("could not resolve broadcaster id", slog.String("channel", cfg.TwitchChannel))
		os.Exit(1)
	}

	ing := &ingest.Ingestor{
		Transport:   transport,
		QueueURL:    cfg.EventQueueURL,
		BotUsername: cfg.TwitchBotUsername,
		MaxAttempts: cfg.EnqueueMaxAttempts,
		Timeout:     cfg.EnqueueTimeout,
	}
	go ingest.Run(ctx, ing, cfg.TwitchChannel, mgr)

	classifier := &classify.Worker{
		Transport:    transport,
		EventQueue:   cfg.EventQueueURL,
		VerdictQueue: cfg.VerdictQueueURL,
		Allow:        classify.DBAllowList{DB: database},
		ReceiveMax:   cfg.ReceiveMax,
		ReceiveWait:  cfg.ReceiveWait,
		HeartbeatDB:  database,
	}
	go classifier.Run(ctx)

	enforceFatal := make(chan error, 1)
	enforcer := &enforce.Worker{
		Transport:          transport,
		VerdictQueue:       cfg.VerdictQueueURL,
		API:                helix,
		ChannelID:          channelID,
		BotUserID:          botUserID,
		SuspensionDuration: cfg.SuspensionDuration,
		SuspensionReason:   cfg.SuspensionReason,
		MaxAttempts:        cfg.EnforceMaxAttempts,
		ReceiveMax:         cfg.ReceiveMax,
		ReceiveWait:        cfg.ReceiveWait,
		HeartbeatDB:        database,
		OnFatal: func(err error) {
			select {
			case enforceFatal <- err:
			default:
			}
		},
	}
	go enforcer.Run(ctx)

	slog.Info("pipeline started",
		slog.String("channel", cfg.TwitchChannel),
		slog.String("channel_id", channelID),
		slog.String("addr", cfg.ListenAddr))

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-mgr.Fatal():
		slog.Error("credential renewal permanently failed; exiting for restart", slog.Any("err", err))
		stop()
		os.Exit(1)
	case err := <-enforceFatal:
		slog.Error("credential rejected during enforcement; exiting for restart", slog.Any("err", err))
		stop()
		os.Exit(1)
	}
}

// setupLogging configures slog from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
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
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
}

// resolveIdentities returns the broadcaster id and the bot's user id,
// preferring the bot_config row and filling gaps from the platform API.
// A missing bot id only disables whispers; a missing broadcaster id is fatal
// to the caller.
func resolveIdentities(ctx context.Context, database *sql.DB, helix *twitchapi.HelixClient, cfg *config.Config) (channelID, botUserID string) {
	if bc, err := db.GetBotConfig(ctx, database); err == nil && bc.ChannelID != "" {
		channelID = bc.ChannelID
	}
	lookupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if channelID == "" {
		id, err := helix.GetUserID(lookupCtx, cfg.TwitchChannel)
		if err != nil {
			slog.Error("broadcaster lookup failed", slog.Any("err", err), slog.String("channel", cfg.TwitchChannel))
			return "", ""
		}
		channelID = id
	}
	id, err := helix.GetUserID(lookupCtx, cfg.TwitchBotUsername)
	if err != nil {
		slog.Warn("bot user lookup failed; whispers disabled", slog.Any("err", err))
		return channelID, ""
	}
	return channelID, id
}
