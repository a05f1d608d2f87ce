// Command recording-bot is the Discord "?record" bot.
// It:
//   - Loads configuration and initializes structured logging.
//   - Optionally connects to Postgres for OAuth tokens and recording history.
//   - Launches Chrome with the recorder extension and connects to Discord.
//   - Dispatches chat commands to the single recording session.
//   - Exposes /healthz, /readyz, /status, /recordings, /metrics and the YouTube OAuth flow.
//
// The first command line argument, when present, overrides DISPLAY for the browser.
// Shutdown is graceful on SIGINT/SIGTERM. The process exits if the browser goes away.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/infra-workshop/recording-bot/archive"
	"github.com/infra-workshop/recording-bot/command"
	"github.com/infra-workshop/recording-bot/config"
	"github.com/infra-workshop/recording-bot/crypto"
	"github.com/infra-workshop/recording-bot/db"
	"github.com/infra-workshop/recording-bot/discord"
	"github.com/infra-workshop/recording-bot/extid"
	"github.com/infra-workshop/recording-bot/oauth"
	"github.com/infra-workshop/recording-bot/recorder"
	"github.com/infra-workshop/recording-bot/server"
	"github.com/infra-workshop/recording-bot/session"
	"github.com/infra-workshop/recording-bot/telemetry"
	"github.com/infra-workshop/recording-bot/youtubeapi"
)

var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if len(os.Args) > 1 && os.Args[1] != "" {
		cfg.Display = os.Args[1]
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("recording-bot", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if code := run(ctx, cfg); code != 0 {
		shutdown()
		os.Exit(code)
	}
}

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
}

func run(ctx context.Context, cfg *config.Config) int {
	logger := slog.Default()

	// Postgres is optional: without it there is no token store and no history.
	var store *db.Store
	if cfg.DBDsn != "" {
		database, err := db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			return 1
		}
		defer database.Close()
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.RunMigrations(database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			return 1
		}
		var sealer crypto.Sealer
		if cfg.EncryptionKey != "" {
			s, err := crypto.NewAESSealer(cfg.EncryptionKey)
			if err != nil {
				slog.Error("encryption initialization failed", slog.Any("err", err), slog.String("component", "db_encryption"))
				return 1
			}
			sealer = s
		}
		store = db.NewStore(database, sealer)
	}

	var yt *youtubeapi.Service
	switch {
	case cfg.UploadDisabled:
		slog.Info("youtube upload disabled; recordings are saved locally", slog.String("dir", cfg.VideoDir))
	case !cfg.UploadConfigured():
		slog.Warn("youtube credentials missing; recordings are saved locally", slog.String("dir", cfg.VideoDir))
	case store == nil:
		slog.Warn("youtube upload needs DB_DSN for its token store; recordings are saved locally")
	default:
		yt = youtubeapi.New(cfg, store)
		(&oauth.Refresher{
			Store:    store,
			Provider: youtubeapi.Provider,
			Interval: 10 * time.Minute,
			Window:   20 * time.Minute,
			Refresh:  oauth.TokenSourceRefresh(yt.OAuthConfig()),
		}).Start(ctx)
	}

	archiveOpts := []archive.Option{
		archive.WithUploadDisabled(cfg.UploadDisabled),
		archive.WithExtension(cfg.VideoExt),
		archive.WithTitle(cfg.VideoTitle),
		archive.WithLogger(logger),
	}
	if yt != nil {
		archiveOpts = append(archiveOpts, archive.WithUploader(yt))
	}
	if store != nil {
		archiveOpts = append(archiveOpts, archive.WithHistory(store))
	}
	saver := archive.New(cfg.VideoDir, archiveOpts...)

	slog.Info("launching browser",
		slog.String("extension_path", cfg.ExtensionPath),
		slog.String("extension_id", extid.FromPath(cfg.ExtensionPath)),
		slog.String("display", cfg.Display))
	browser, err := recorder.Launch(ctx, recorder.Options{
		Bin:             cfg.ChromeBin,
		ExtensionPath:   cfg.ExtensionPath,
		RecordWindowURL: cfg.RecordWindowURL,
		Display:         cfg.Display,
		Logger:          logger,
	})
	if err != nil {
		slog.Error("launching browser failed", slog.Any("err", err))
		return 1
	}
	defer browser.Close()

	bot := discord.New(discord.Config{Token: cfg.DiscordToken}, logger)
	machine := session.New(browser, bot, saver, session.WithStartTimeout(cfg.StartTimeout), session.WithLogger(logger))
	dispatcher := command.New(cfg.CommandPrefix, machine, bot, command.WithLogger(logger))

	if err := bot.Connect(ctx, dispatcher.Handle); err != nil {
		slog.Error("discord login failed", slog.Any("err", err))
		return 1
	}
	defer bot.Disconnect()

	deps := server.Deps{
		Session:       machine,
		Chat:          bot,
		UploadEnabled: saver.UploadEnabled(),
		Version:       version,
	}
	if store != nil {
		deps.DB = store
		deps.Recordings = store
	}
	if yt != nil {
		deps.YouTube = yt
	}
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, deps); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	slog.Info("recording bot ready", slog.String("prefix", cfg.CommandPrefix), slog.Bool("upload", saver.UploadEnabled()))
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		return 0
	case <-browser.Done():
		slog.Error("browser disconnected")
		return 1
	}
}
