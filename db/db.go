// Package db provides the Postgres connection, schema migrations, and the small
// data access helpers the bot needs: OAuth tokens, a kv table, and recording history.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/infra-workshop/recording-bot/crypto"
)

// Connect opens a Postgres pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("empty database dsn")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	dbx.SetMaxOpenConns(4)
	dbx.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbx.PingContext(pingCtx); err != nil {
		_ = dbx.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return dbx, nil
}

// Store wraps a *sql.DB. A nil sealer stores tokens in plaintext (encryption_version 0).
type Store struct {
	DB     *sql.DB
	sealer crypto.Sealer
}

func NewStore(dbx *sql.DB, sealer crypto.Sealer) *Store {
	if sealer == nil {
		slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext", slog.String("component", "db_encryption"))
	}
	return &Store{DB: dbx, sealer: sealer}
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

// UpsertOAuthToken stores or replaces the token row for provider. Satisfies youtubeapi.TokenStore.
func (s *Store) UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, raw string) error {
	version, keyID := 0, ""
	if s.sealer != nil {
		version, keyID = 1, s.sealer.KeyID()
		var err error
		if access, err = crypto.SealString(s.sealer, access, provider); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = crypto.SealString(s.sealer, refresh, provider); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		if raw, err = crypto.SealString(s.sealer, raw, provider); err != nil {
			return fmt.Errorf("encrypt raw token: %w", err)
		}
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, raw, encryption_version, encryption_key_id, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT(provider) DO UPDATE SET
			access_token=EXCLUDED.access_token,
			refresh_token=EXCLUDED.refresh_token,
			expires_at=EXCLUDED.expires_at,
			raw=EXCLUDED.raw,
			encryption_version=EXCLUDED.encryption_version,
			encryption_key_id=EXCLUDED.encryption_key_id,
			updated_at=NOW()`,
		provider, access, refresh, expiry, raw, version, keyID)
	return err
}

// GetOAuthToken returns zero values when no row exists.
func (s *Store) GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, raw string, err error) {
	var (
		version int
		exp     sql.NullTime
		a, r, w sql.NullString
	)
	err = s.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, raw, encryption_version FROM oauth_tokens WHERE provider = $1`,
		provider).Scan(&a, &r, &exp, &w, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", time.Time{}, "", err
	}
	access, refresh, raw = a.String, r.String, w.String
	if exp.Valid {
		expiry = exp.Time
	}
	if version == 0 {
		return access, refresh, expiry, raw, nil
	}
	if s.sealer == nil {
		return "", "", time.Time{}, "", errors.New("token is encrypted but ENCRYPTION_KEY not configured")
	}
	if access, err = crypto.OpenString(s.sealer, access, provider); err != nil {
		return "", "", time.Time{}, "", fmt.Errorf("decrypt access token: %w", err)
	}
	if refresh, err = crypto.OpenString(s.sealer, refresh, provider); err != nil {
		return "", "", time.Time{}, "", fmt.Errorf("decrypt refresh token: %w", err)
	}
	if raw, err = crypto.OpenString(s.sealer, raw, provider); err != nil {
		return "", "", time.Time{}, "", fmt.Errorf("decrypt raw token: %w", err)
	}
	return access, refresh, expiry, raw, nil
}

// SetKV upserts a small string value.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO kv(key, value, updated_at) VALUES($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}

// GetKV returns "" for a missing key.
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	var v sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v.String, err
}
