// Package youtubeapi wraps Google OAuth2 client config and the YouTube Data API
// for the single purpose of uploading finished recordings. Tokens are persisted
// via the provided TokenStore interface so they can be refreshed and reused.
package youtubeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/infra-workshop/recording-bot/archive"
	"github.com/infra-workshop/recording-bot/config"
)

// Provider is the oauth_tokens key for YouTube credentials.
const Provider = "youtube"

// ErrNoToken means the OAuth flow has not been completed yet.
var ErrNoToken = errors.New("no youtube token stored")

type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, raw string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, raw string, err error)
}

type Service struct {
	cfg   *config.Config
	db    TokenStore
	oauth *oauth2.Config

	// newClient builds the API client; tests point it at a fake server.
	newClient func(ctx context.Context) (*yt.Service, error)
}

func New(cfg *config.Config, ts TokenStore) *Service {
	scopes := []string{"https://www.googleapis.com/auth/youtube.upload"}
	if cfg.YTScopes != "" {
		// allow comma or space separated
		if fields := strings.Fields(strings.ReplaceAll(cfg.YTScopes, ",", " ")); len(fields) > 0 {
			scopes = fields
		}
	}
	s := &Service{
		cfg: cfg,
		db:  ts,
		oauth: &oauth2.Config{
			ClientID:     cfg.YTClientID,
			ClientSecret: cfg.YTClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  cfg.YTRedirectURI,
			Scopes:       scopes,
		},
	}
	s.newClient = s.Client
	return s
}

// OAuthConfig exposes the oauth2 configuration for the token refresher.
func (s *Service) OAuthConfig() *oauth2.Config { return s.oauth }

func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (s *Service) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.store(ctx, tok); err != nil {
		return nil, fmt.Errorf("store youtube token: %w", err)
	}
	return tok, nil
}

func (s *Service) store(ctx context.Context, tok *oauth2.Token) error {
	raw, _ := json.Marshal(tok)
	return s.db.UpsertOAuthToken(ctx, Provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, string(raw))
}

func (s *Service) refreshIfNeeded(ctx context.Context) (*oauth2.Token, error) {
	access, refresh, expiry, raw, err := s.db.GetOAuthToken(ctx, Provider)
	if err != nil {
		return nil, err
	}
	if access == "" {
		return nil, ErrNoToken
	}
	var tok oauth2.Token
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &tok)
	}
	if tok.AccessToken == "" {
		tok.AccessToken = access
	}
	tok.RefreshToken = refresh
	tok.Expiry = expiry
	if time.Until(tok.Expiry) > 2*time.Minute {
		return &tok, nil
	}
	newTok, err := s.oauth.TokenSource(ctx, &tok).Token()
	if err != nil {
		return &tok, err
	}
	if err := s.store(ctx, newTok); err != nil {
		return newTok, fmt.Errorf("store refreshed youtube token: %w", err)
	}
	return newTok, nil
}

// HasToken reports whether a token has been stored.
func (s *Service) HasToken(ctx context.Context) bool {
	access, _, _, _, err := s.db.GetOAuthToken(ctx, Provider)
	return err == nil && access != ""
}

func (s *Service) Client(ctx context.Context) (*yt.Service, error) {
	tok, err := s.refreshIfNeeded(ctx)
	if err != nil {
		return nil, err
	}
	return yt.NewService(ctx, option.WithHTTPClient(s.oauth.Client(ctx, tok)))
}

// Upload implements archive.Uploader using the stored OAuth token.
func (s *Service) Upload(ctx context.Context, v archive.Video) (archive.Uploaded, error) {
	svc, err := s.newClient(ctx)
	if err != nil {
		return archive.Uploaded{}, fmt.Errorf("youtube client: %w", err)
	}
	return UploadVideo(ctx, svc, v)
}

// UploadVideo uploads v's bytes with its title/description/privacy using the provided YouTube service.
func UploadVideo(ctx context.Context, svc *yt.Service, v archive.Video) (archive.Uploaded, error) {
	if svc == nil {
		return archive.Uploaded{}, fmt.Errorf("nil youtube service")
	}
	privacy := v.Privacy
	if privacy == "" {
		privacy = "private"
	}
	mime := v.MIMEType
	if mime == "" {
		mime = "video/webm"
	}
	video := &yt.Video{
		Snippet: &yt.VideoSnippet{Title: v.Title, Description: v.Description},
		Status:  &yt.VideoStatus{PrivacyStatus: privacy},
	}
	call := svc.Videos.Insert([]string{"snippet", "status"}, video).
		Media(bytes.NewReader(v.Data), googleapi.ContentType(mime)).
		Context(ctx)
	res, err := call.Do()
	if err != nil {
		return archive.Uploaded{}, fmt.Errorf("youtube upload: %w", err)
	}
	if res.Id == "" {
		return archive.Uploaded{}, fmt.Errorf("youtube upload: empty id")
	}
	return archive.Uploaded{ID: res.Id, URL: WatchURL(res.Id)}, nil
}

// WatchURL returns the short link for a video id.
func WatchURL(id string) string { return "https://youtu.be/" + id }
