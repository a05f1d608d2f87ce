// Package session owns the single recording session slot.
//
// A Machine validates chat commands against the current state and drives the
// recorder, the voice connection and the archive through one session's
// lifecycle: Ready → Starting → Recording → Saving → Ready. Every operation
// holds the machine's operation lock for its whole duration, including the
// blocking recorder and upload calls. Commands arriving while a start or stop
// is in flight are rejected immediately with a CommandError naming the
// transient state.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/infra-workshop/recording-bot/archive"
	"github.com/infra-workshop/recording-bot/telemetry"
)

const tracerName = "session"

// Capture is the finalized output of a recording.
type Capture struct {
	Data      []byte
	StartedAt time.Time
}

// Recorder is an active capture (a browser page in production).
type Recorder interface {
	// Start begins capturing and returns the capture start time.
	Start(ctx context.Context) (time.Time, error)
	Stop(ctx context.Context) (Capture, error)
	TakeShot(ctx context.Context) ([]byte, error)
	ToggleDebug(ctx context.Context) (bool, error)
	SetScreenURL(ctx context.Context, url string) error
	// Close releases the capture resource. It is called exactly once per handle.
	Close() error
}

// Target describes where a new recorder should capture from.
type Target struct {
	GuildID        string
	VoiceChannelID string
	TextChannelID  string
	ScreenURL      string
}

// Launcher acquires recorder handles.
type Launcher interface {
	Launch(ctx context.Context, t Target) (Recorder, error)
}

// VoiceConn is a joined voice channel.
type VoiceConn interface {
	Disconnect() error
}

// VoiceJoiner joins voice channels.
type VoiceJoiner interface {
	Join(ctx context.Context, guildID, channelID string) (VoiceConn, error)
}

// Saver persists a finished capture.
type Saver interface {
	Save(ctx context.Context, data []byte, startedAt time.Time) (archive.Result, error)
}

// StartRequest identifies the requester's channels.
type StartRequest struct {
	GuildID        string
	VoiceChannelID string
	TextChannelID  string
}

// Machine is the session state machine.
type Machine struct {
	launcher     Launcher
	voice        VoiceJoiner
	saver        Saver
	startTimeout time.Duration
	logger       *slog.Logger

	op   sync.Mutex   // held for the full duration of every operation
	mu   sync.RWMutex // guards slot
	slot slot
}

// Option configures a Machine.
type Option func(*Machine)

// WithStartTimeout bounds the Starting phase.
func WithStartTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.startTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.logger = l } }

// New returns a Machine in the Ready state.
func New(launcher Launcher, voice VoiceJoiner, saver Saver, opts ...Option) *Machine {
	m := &Machine{
		launcher:     launcher,
		voice:        voice,
		saver:        saver,
		startTimeout: 60 * time.Second,
		logger:       slog.Default(),
		slot:         slot{kind: Ready},
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With(slog.String("component", "session"))
	return m
}

// Snapshot returns the current state without waiting for in-flight operations.
func (m *Machine) Snapshot() Snapshot {
	return m.current().snapshot()
}

func (m *Machine) current() slot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slot
}

func (m *Machine) set(s slot) {
	m.mu.Lock()
	m.slot = s
	m.mu.Unlock()
	telemetry.SetSessionState(s.kind.String())
}

// begin rejects commands while a start or stop is in flight, then takes the
// operation lock. Once the lock is held the slot is Ready or Recording.
func (m *Machine) begin() error {
	if err := transientError(m.current().kind); err != nil {
		return err
	}
	m.op.Lock()
	return nil
}

// SetScreenURL stores url for the next session, or forwards it to the active recorder.
func (m *Machine) SetScreenURL(ctx context.Context, url string) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.op.Unlock()

	s := m.current()
	switch s.kind {
	case Ready:
		m.set(slot{kind: Ready, screenURL: url})
	case Recording:
		if err := s.recorder.SetScreenURL(ctx, url); err != nil {
			return fmt.Errorf("forward screen url: %w", err)
		}
	default:
		return transientError(s.kind)
	}
	m.logger.Info("screen url set", slog.String("url", url), slog.String("state", s.kind.String()))
	return nil
}

// Start acquires a recorder and a voice connection and begins recording.
// On any failure the acquired resources are released and the slot returns to
// Ready with its screen url intact.
func (m *Machine) Start(ctx context.Context, req StartRequest) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.op.Unlock()

	s := m.current()
	switch s.kind {
	case Ready:
	case Recording:
		return reject(reasonRecording)
	default:
		return transientError(s.kind)
	}
	if req.VoiceChannelID == "" {
		return reject(reasonNoVoice)
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "session.start",
		attribute.String("guild_id", req.GuildID), attribute.String("voice_channel_id", req.VoiceChannelID))
	defer span.End()

	screenURL := s.screenURL
	m.set(slot{kind: Starting})
	m.logger.Info("recorder launching", slog.String("voice_channel_id", req.VoiceChannelID), slog.String("screen_url", screenURL))

	a, err := m.acquire(ctx, req, screenURL)
	if err != nil {
		m.set(slot{kind: Ready, screenURL: screenURL})
		telemetry.RecordSessionStart(false)
		telemetry.RecordError(span, err)
		m.logger.Error("recorder launch failed", slog.Any("err", err))
		return err
	}
	m.set(slot{kind: Recording, recorder: a.recorder, voice: a.voice, startedAt: a.startedAt})
	telemetry.RecordSessionStart(true)
	telemetry.SetSpanSuccess(span)
	m.logger.Info("recorder successfully launched", slog.Time("started_at", a.startedAt))
	return nil
}

type acquired struct {
	recorder  Recorder
	voice     VoiceConn
	startedAt time.Time
	err       error
}

// acquire runs the Starting phase under the start timeout. Collaborators that
// ignore ctx cannot hold the slot: their late results are released in the background.
func (m *Machine) acquire(ctx context.Context, req StartRequest, screenURL string) (acquired, error) {
	ctx, cancel := context.WithTimeout(ctx, m.startTimeout)
	defer cancel()

	done := make(chan acquired, 1)
	go func() { done <- m.acquireSync(ctx, req, screenURL) }()

	select {
	case a := <-done:
		return a, a.err
	case <-ctx.Done():
		go func() {
			if a := <-done; a.err == nil {
				m.release(a.recorder, a.voice)
			}
		}()
		return acquired{}, fmt.Errorf("start recorder: %w", ctx.Err())
	}
}

func (m *Machine) acquireSync(ctx context.Context, req StartRequest, screenURL string) acquired {
	rec, err := m.launcher.Launch(ctx, Target{
		GuildID:        req.GuildID,
		VoiceChannelID: req.VoiceChannelID,
		TextChannelID:  req.TextChannelID,
		ScreenURL:      screenURL,
	})
	if err != nil {
		return acquired{err: fmt.Errorf("launch recorder: %w", err)}
	}
	voice, err := m.voice.Join(ctx, req.GuildID, req.VoiceChannelID)
	if err != nil {
		m.release(rec, nil)
		return acquired{err: fmt.Errorf("join voice channel: %w", err)}
	}
	startedAt, err := rec.Start(ctx)
	if err != nil {
		m.release(rec, voice)
		return acquired{err: fmt.Errorf("start recorder: %w", err)}
	}
	return acquired{recorder: rec, voice: voice, startedAt: startedAt}
}

// Stop finalizes the recording and runs the upload/fallback protocol. The slot
// stays Saving until the protocol completes and then returns to Ready, with
// the recorder and voice connection released, whatever the outcome.
func (m *Machine) Stop(ctx context.Context) (archive.Result, error) {
	if err := m.begin(); err != nil {
		return archive.Result{}, err
	}
	defer m.op.Unlock()

	s := m.current()
	switch s.kind {
	case Recording:
	case Ready:
		return archive.Result{}, reject(reasonNotRecording)
	default:
		return archive.Result{}, transientError(s.kind)
	}

	// The save must finish even if the requester's context is canceled.
	ctx, span := telemetry.StartSpan(context.WithoutCancel(ctx), tracerName, "session.stop")
	defer span.End()

	m.set(slot{kind: Saving})
	defer func() {
		m.release(s.recorder, s.voice)
		m.set(slot{kind: Ready})
	}()

	m.logger.Info("recorder stopping")
	capture, err := s.recorder.Stop(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return archive.Result{}, fmt.Errorf("stop recorder: %w", err)
	}
	if capture.StartedAt.IsZero() {
		capture.StartedAt = s.startedAt
	}
	m.logger.Info("recorder stopped", slog.Int("bytes", len(capture.Data)))

	res, err := m.saver.Save(ctx, capture.Data, capture.StartedAt)
	if err != nil {
		telemetry.RecordError(span, err)
		return res, fmt.Errorf("save recording: %w", err)
	}
	telemetry.SetSpanSuccess(span)
	return res, nil
}

// TakeShot returns a still image of the current capture.
func (m *Machine) TakeShot(ctx context.Context) ([]byte, error) {
	rec, err := m.beginRecording()
	if err != nil {
		return nil, err
	}
	defer m.op.Unlock()

	m.logger.Info("taking screen shot")
	img, err := rec.TakeShot(ctx)
	if err != nil {
		return nil, fmt.Errorf("take shot: %w", err)
	}
	return img, nil
}

// ToggleDebug flips the recorder's debug overlay and returns the new value.
// Debug mode belongs to the recorder handle, so every new session starts without it.
func (m *Machine) ToggleDebug(ctx context.Context) (bool, error) {
	rec, err := m.beginRecording()
	if err != nil {
		return false, err
	}
	defer m.op.Unlock()

	enabled, err := rec.ToggleDebug(ctx)
	if err != nil {
		return false, fmt.Errorf("toggle debug: %w", err)
	}
	m.logger.Info("debug toggled", slog.Bool("enabled", enabled))
	return enabled, nil
}

// beginRecording takes the operation lock for commands legal only while
// recording. On success the caller must unlock m.op.
func (m *Machine) beginRecording() (Recorder, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}
	s := m.current()
	switch s.kind {
	case Recording:
		return s.recorder, nil
	case Ready:
		m.op.Unlock()
		return nil, reject(reasonNotRecording)
	default:
		m.op.Unlock()
		return nil, transientError(s.kind)
	}
}

func (m *Machine) release(rec Recorder, voice VoiceConn) {
	if rec != nil {
		if err := rec.Close(); err != nil {
			m.logger.Warn("recorder close failed", slog.Any("err", err))
		}
	}
	if voice != nil {
		if err := voice.Disconnect(); err != nil {
			m.logger.Warn("voice disconnect failed", slog.Any("err", err))
		}
	}
}
