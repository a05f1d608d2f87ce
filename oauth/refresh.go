// Package oauth keeps a stored OAuth token fresh. It wakes on a jittered
// interval and refreshes when the expiry falls inside a configured window.
package oauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/oauth2"
)

// Store is the token persistence the refresher reads and writes.
type Store interface {
	UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, raw string) error
	GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, raw string, err error)
}

// RefreshFunc exchanges a refresh token for a new token.
type RefreshFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

// TokenSourceRefresh adapts an oauth2 config into a RefreshFunc.
func TokenSourceRefresh(cfg *oauth2.Config) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		expired := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Now().Add(-time.Minute)}
		return cfg.TokenSource(ctx, expired).Token()
	}
}

type Refresher struct {
	Store    Store
	Provider string
	Interval time.Duration
	Window   time.Duration
	Refresh  RefreshFunc
	Logger   *slog.Logger
}

// Start runs the refresher in a goroutine until ctx is done.
func (r *Refresher) Start(ctx context.Context) {
	if r.Interval <= 0 {
		r.Interval = 5 * time.Minute
	}
	if r.Window <= 0 {
		r.Window = 15 * time.Minute
	}
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
	//nolint:gosec // G404: scheduling jitter only
	initial := time.Duration(rand.Int63n(int64(r.Interval/2) + 1))
	go func() {
		wait := initial
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			r.Check(ctx)
			wait = r.nextSleep()
		}
	}()
}

// nextSleep is Interval ±20%, never below Interval/2.
func (r *Refresher) nextSleep() time.Duration {
	spread := int64(r.Interval / 5)
	if spread <= 0 {
		return r.Interval
	}
	//nolint:gosec // G404: scheduling jitter only
	d := r.Interval + time.Duration(rand.Int63n(spread*2)-spread)
	if d < r.Interval/2 {
		d = r.Interval / 2
	}
	return d
}

// Check performs one refresh pass and reports whether a new token was stored.
func (r *Refresher) Check(ctx context.Context) bool {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	access, refresh, expiry, _, err := r.Store.GetOAuthToken(ctx, r.Provider)
	if err != nil {
		logger.Warn("token load failed", slog.String("provider", r.Provider), slog.Any("err", err))
		return false
	}
	if access == "" || refresh == "" || time.Until(expiry) > r.Window {
		return false
	}
	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	tok, err := r.Refresh(rctx, refresh)
	cancel()
	if err != nil {
		logger.Warn("token refresh failed", slog.String("provider", r.Provider), slog.Any("err", err))
		return false
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refresh
	}
	raw, _ := json.Marshal(tok)
	if err := r.Store.UpsertOAuthToken(ctx, r.Provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, string(raw)); err != nil {
		logger.Warn("token persist failed", slog.String("provider", r.Provider), slog.Any("err", err))
		return false
	}
	logger.Info("token refreshed", slog.String("provider", r.Provider), slog.Time("expiry", tok.Expiry))
	return true
}
