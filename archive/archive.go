// Package archive persists finished recordings: it uploads the captured bytes
// to the video host and, when upload is disabled, unavailable or failing,
// writes them under the fallback directory with a timestamped filename.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/infra-workshop/recording-bot/telemetry"
)

const (
	fileNameLayout = "2006-01-02-15-04-05"
	titleLayout    = "2006/01/02 15:04:05"

	// DefaultDescription is attached to every uploaded video.
	DefaultDescription = "this is recorded by recording-bot(https://github.com/infra-workshop/recording-bot)."
)

var (
	// ErrUploadDisabled is reported as the upload error when upload is switched off.
	ErrUploadDisabled = errors.New("upload is disabled")
	// ErrNoUploader is reported as the upload error when no uploader is configured.
	ErrNoUploader = errors.New("no uploader configured")
)

// Video is a single upload request.
type Video struct {
	Title       string
	Description string
	Privacy     string
	MIMEType    string
	Data        []byte
}

// Uploaded identifies a video accepted by the host.
type Uploaded struct {
	ID  string
	URL string
}

// Uploader abstracts the video host (for tests/mocks).
type Uploader interface {
	Upload(ctx context.Context, v Video) (Uploaded, error)
}

// Destination names where a recording ended up.
const (
	DestinationRemote = "youtube"
	DestinationLocal  = "local"
)

// Entry is one row of recording history.
type Entry struct {
	StartedAt   time.Time
	SavedAt     time.Time
	Destination string
	VideoID     string
	LocalPath   string
	SizeBytes   int
	UploadError string
}

// History records completed saves.
type History interface {
	RecordSave(ctx context.Context, e Entry) error
}

// Result describes a completed save.
type Result struct {
	Uploaded  bool
	VideoID   string
	URL       string
	FileName  string
	Path      string
	UploadErr error
}

// Manager runs the upload-or-save protocol.
type Manager struct {
	dir         string
	ext         string
	title       string
	description string
	mimeType    string
	uploader    Uploader
	disabled    bool
	history     History
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithUploader sets the video host client. A nil uploader behaves like a disabled upload.
func WithUploader(u Uploader) Option { return func(m *Manager) { m.uploader = u } }

// WithUploadDisabled switches remote upload off.
func WithUploadDisabled(disabled bool) Option { return func(m *Manager) { m.disabled = disabled } }

// WithExtension sets the fallback file extension (without dot).
func WithExtension(ext string) Option { return func(m *Manager) { m.ext = ext } }

// WithTitle sets the video title prefix.
func WithTitle(prefix string) Option { return func(m *Manager) { m.title = prefix } }

// WithHistory records every completed save.
func WithHistory(h History) Option { return func(m *Manager) { m.history = h } }

// WithClock overrides the wall clock used for fallback filenames.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// New returns a Manager writing fallback files under dir.
func New(dir string, opts ...Option) *Manager {
	m := &Manager{
		dir:         dir,
		ext:         "webm",
		title:       "recording session",
		description: DefaultDescription,
		mimeType:    "video/webm",
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With(slog.String("component", "archive"))
	return m
}

// Dir returns the fallback directory.
func (m *Manager) Dir() string { return m.dir }

// UploadEnabled reports whether Save will try the video host first.
func (m *Manager) UploadEnabled() bool { return !m.disabled && m.uploader != nil }

// Save uploads data or, failing that, writes it to the fallback directory.
// startedAt is the session start and only affects the video title.
func (m *Manager) Save(ctx context.Context, data []byte, startedAt time.Time) (Result, error) {
	start := time.Now()
	defer func() {
		if telemetry.SaveDuration != nil {
			telemetry.SaveDuration.Observe(time.Since(start).Seconds())
		}
	}()
	telemetry.RecordSaved(len(data))

	res := Result{}
	up, err := m.upload(ctx, data, startedAt)
	if err == nil {
		res.Uploaded = true
		res.VideoID = up.ID
		res.URL = up.URL
		m.logger.Info("uploaded recording", slog.String("url", up.URL), slog.Int("bytes", len(data)))
		m.record(ctx, Entry{StartedAt: startedAt, Destination: DestinationRemote, VideoID: up.ID, SizeBytes: len(data)})
		return res, nil
	}
	res.UploadErr = err
	if errors.Is(err, ErrUploadDisabled) || errors.Is(err, ErrNoUploader) {
		m.logger.Info("upload skipped", slog.Any("reason", err))
	} else {
		m.logger.Error("uploading recording failed", slog.Any("err", err))
	}

	name := FileName(m.now(), m.ext)
	path := filepath.Join(m.dir, name)
	m.logger.Info("saving recording", slog.String("path", path))
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return res, fmt.Errorf("create video dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // G306: recordings are meant to be shared
		return res, fmt.Errorf("write recording: %w", err)
	}
	telemetry.RecordFallbackSave()
	res.FileName = name
	res.Path = path
	m.logger.Info("saved recording", slog.String("path", path), slog.Int("bytes", len(data)))
	m.record(ctx, Entry{StartedAt: startedAt, Destination: DestinationLocal, LocalPath: path, SizeBytes: len(data), UploadError: res.UploadErr.Error()})
	return res, nil
}

func (m *Manager) upload(ctx context.Context, data []byte, startedAt time.Time) (Uploaded, error) {
	if m.disabled {
		return Uploaded{}, ErrUploadDisabled
	}
	if m.uploader == nil {
		return Uploaded{}, ErrNoUploader
	}
	v := Video{
		Title:       VideoTitle(m.title, startedAt),
		Description: m.description,
		Privacy:     "unlisted",
		MIMEType:    m.mimeType,
		Data:        data,
	}
	start := time.Now()
	up, err := m.uploader.Upload(ctx, v)
	if err == nil && up.ID == "" {
		err = errors.New("upload returned empty video id")
	}
	telemetry.RecordUpload(err == nil, time.Since(start))
	return up, err
}

func (m *Manager) record(ctx context.Context, e Entry) {
	if m.history == nil {
		return
	}
	e.SavedAt = m.now()
	if err := m.history.RecordSave(ctx, e); err != nil {
		m.logger.Warn("recording history write failed", slog.Any("err", err))
	}
}

// FileName returns the fallback filename for t, e.g. 2024-01-02-03-04-05.webm.
func FileName(t time.Time, ext string) string {
	return t.Format(fileNameLayout) + "." + ext
}

// VideoTitle returns the upload title for a session started at t.
func VideoTitle(prefix string, t time.Time) string {
	return prefix + " at " + t.Format(titleLayout)
}
