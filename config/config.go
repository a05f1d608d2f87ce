// Package config loads environment variables and provides a typed Config used across the bot.
// It applies sensible defaults so the binary can run locally with only a Discord token.
// Missing optional variables disable features (e.g. YouTube upload, Postgres history).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultPrefix is the chat command prefix.
const DefaultPrefix = "?record"

type Config struct {
	// Discord
	DiscordToken  string
	CommandPrefix string

	// Upload
	UploadDisabled bool
	VideoTitle     string
	YTClientID     string
	YTClientSecret string
	YTRedirectURI  string
	YTScopes       string

	// Storage
	RootDir       string
	VideoDir      string
	VideoExt      string
	DBDsn         string
	EncryptionKey string

	// Browser
	ExtensionPath   string
	RecordWindowURL string
	ChromeBin       string
	Display         string
	StartTimeout    time.Duration

	// HTTP
	HTTPAddr string
}

// Load reads environment variables and applies defaults. It doesn't fail if the Discord token
// is missing; call Validate before connecting.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DiscordToken = os.Getenv("DISCORD_TOKEN")
	cfg.CommandPrefix = os.Getenv("COMMAND_PREFIX")
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = DefaultPrefix
	}

	// Any non-empty value disables upload, matching the historical YOUTUBE_DISABLED switch.
	cfg.UploadDisabled = os.Getenv("YOUTUBE_DISABLED") != ""
	cfg.VideoTitle = os.Getenv("VIDEO_TITLE")
	if cfg.VideoTitle == "" {
		cfg.VideoTitle = "infra-workshop session"
	}
	cfg.YTClientID = os.Getenv("YT_CLIENT_ID")
	cfg.YTClientSecret = os.Getenv("YT_CLIENT_SECRET")
	cfg.YTRedirectURI = os.Getenv("YT_REDIRECT_URI")
	cfg.YTScopes = os.Getenv("YT_SCOPES")
	if cfg.YTScopes == "" {
		cfg.YTScopes = "https://www.googleapis.com/auth/youtube.upload"
	}

	// Storage
	cfg.RootDir = os.Getenv("ROOT_DIR")
	if cfg.RootDir == "" {
		cfg.RootDir = "."
	}
	cfg.VideoDir = os.Getenv("VIDEO_DIR")
	if cfg.VideoDir == "" {
		cfg.VideoDir = filepath.Join(cfg.RootDir, "..", "video")
	}
	cfg.VideoExt = strings.TrimPrefix(os.Getenv("VIDEO_EXT"), ".")
	if cfg.VideoExt == "" {
		cfg.VideoExt = "webm"
	}
	cfg.DBDsn = os.Getenv("DB_DSN")
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")

	// Browser
	cfg.ExtensionPath = os.Getenv("EXTENSION_PATH")
	if cfg.ExtensionPath == "" {
		cfg.ExtensionPath = filepath.Join(cfg.RootDir, "chrome")
	}
	if abs, err := filepath.Abs(cfg.ExtensionPath); err == nil {
		cfg.ExtensionPath = abs
	}
	cfg.RecordWindowURL = os.Getenv("RECORD_WINDOW_URL")
	cfg.ChromeBin = os.Getenv("CHROME_BIN")
	cfg.Display = os.Getenv("DISPLAY")
	cfg.StartTimeout = 60 * time.Second
	if v := os.Getenv("START_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid START_TIMEOUT %q: want positive duration", v)
		}
		cfg.StartTimeout = d
	}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	return cfg, nil
}

// Validate checks fields required to run the bot.
func (c *Config) Validate() error {
	if c.DiscordToken == "" {
		return fmt.Errorf("missing discord env: require DISCORD_TOKEN")
	}
	if strings.ContainsAny(c.CommandPrefix, " \t\n") {
		return fmt.Errorf("invalid COMMAND_PREFIX %q: must not contain whitespace", c.CommandPrefix)
	}
	return nil
}

// UploadConfigured reports whether YouTube credentials are present and upload is not disabled.
func (c *Config) UploadConfigured() bool {
	return !c.UploadDisabled && c.YTClientID != "" && c.YTClientSecret != ""
}
