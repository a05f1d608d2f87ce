package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/infra-workshop/recording-bot/archive"
)

var voiceReq = StartRequest{GuildID: "g1", VoiceChannelID: "v1", TextChannelID: "t1"}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestMachine(l *fakeLauncher, v *fakeVoice, s Saver, opts ...Option) *Machine {
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return New(l, v, s, opts...)
}

func wantCommandError(t *testing.T, err error, reason string) {
	t.Helper()
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want CommandError(%q)", err, reason)
	}
	if ce.Reason != reason {
		t.Fatalf("reason = %q want %q", ce.Reason, reason)
	}
}

func startRecording(t *testing.T, m *Machine) {
	t.Helper()
	if err := m.Start(context.Background(), voiceReq); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if k := m.Snapshot().Kind; k != Recording {
		t.Fatalf("state = %v want recording", k)
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{Ready: "ready", Starting: "starting", Recording: "recording", Saving: "saving", Kind(42): "unknown"}
	for k, want := range cases {
		if k.String() != want {
			t.Errorf("%d.String() = %q want %q", int(k), k.String(), want)
		}
	}
}

func TestScreenURLThenStartConsumesURL(t *testing.T) {
	l, v := &fakeLauncher{}, &fakeVoice{}
	m := newTestMachine(l, v, &fakeSaver{})
	ctx := context.Background()

	if err := m.SetScreenURL(ctx, "http://x"); err != nil {
		t.Fatalf("SetScreenURL: %v", err)
	}
	if got := m.Snapshot().ScreenURL; got != "http://x" {
		t.Fatalf("ready screen url = %q", got)
	}
	startRecording(t, m)

	snap := m.Snapshot()
	rec := l.recorders()[0]
	if !snap.StartedAt.Equal(rec.startedAt) {
		t.Fatalf("started at = %v want recorder start %v", snap.StartedAt, rec.startedAt)
	}
	if snap.ScreenURL != "" {
		t.Fatalf("recording snapshot should not carry a pending screen url, got %q", snap.ScreenURL)
	}
	if len(l.targets) != 1 || l.targets[0].ScreenURL != "http://x" || l.targets[0].TextChannelID != "t1" {
		t.Fatalf("targets = %+v", l.targets)
	}
	if !rec.started {
		t.Fatal("recorder was not started")
	}
}

func TestStopWhileReady(t *testing.T) {
	s := &fakeSaver{}
	m := newTestMachine(&fakeLauncher{}, &fakeVoice{}, s)
	_ = m.SetScreenURL(context.Background(), "http://keep")

	_, err := m.Stop(context.Background())
	wantCommandError(t, err, "not recording. please start.")
	snap := m.Snapshot()
	if snap.Kind != Ready || snap.ScreenURL != "http://keep" {
		t.Fatalf("slot changed: %+v", snap)
	}
	if s.callCount() != 0 {
		t.Fatal("saver must not run")
	}
}

func TestLegalityInReady(t *testing.T) {
	m := newTestMachine(&fakeLauncher{}, &fakeVoice{}, &fakeSaver{})
	ctx := context.Background()
	_, err := m.TakeShot(ctx)
	wantCommandError(t, err, "not recording. please start.")
	_, err = m.ToggleDebug(ctx)
	wantCommandError(t, err, "not recording. please start.")
	if k := m.Snapshot().Kind; k != Ready {
		t.Fatalf("state = %v", k)
	}
}

func TestLegalityInRecording(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestMachine(l, &fakeVoice{}, &fakeSaver{})
	startRecording(t, m)
	before := m.Snapshot()

	err := m.Start(context.Background(), voiceReq)
	wantCommandError(t, err, "recording now")
	if after := m.Snapshot(); after != before {
		t.Fatalf("slot changed: %+v -> %+v", before, after)
	}
	if len(l.recorders()) != 1 {
		t.Fatal("second start must not launch a recorder")
	}
}

func TestStartRequiresVoiceChannel(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestMachine(l, &fakeVoice{}, &fakeSaver{})
	_ = m.SetScreenURL(context.Background(), "http://x")

	err := m.Start(context.Background(), StartRequest{GuildID: "g1", TextChannelID: "t1"})
	wantCommandError(t, err, "please connect to voice channel")
	if snap := m.Snapshot(); snap.Kind != Ready || snap.ScreenURL != "http://x" {
		t.Fatalf("slot changed: %+v", snap)
	}
	if len(l.targets) != 0 {
		t.Fatal("launcher must not be called")
	}
}

func TestSetScreenURLWhileRecordingForwards(t *testing.T) {
	l := &fakeLauncher{}
	m := newTestMachine(l, &fakeVoice{}, &fakeSaver{})
	startRecording(t, m)
	before := m.Snapshot()

	if err := m.SetScreenURL(context.Background(), "http://y"); err != nil {
		t.Fatalf("SetScreenURL: %v", err)
	}
	if got := l.recorders()[0].screenURL; got != "http://y" {
		t.Fatalf("recorder screen url = %q", got)
	}
	if after := m.Snapshot(); after != before {
		t.Fatalf("slot changed: %+v -> %+v", before, after)
	}
}

func TestTakeShotReturnsBytesUnchanged(t *testing.T) {
	shot := []byte{0x89, 'P', 'N', 'G', 0, 1, 2}
	l := &fakeLauncher{newRec: func() *fakeRecorder { return &fakeRecorder{shot: shot} }}
	m := newTestMachine(l, &fakeVoice{}, &fakeSaver{})
	startRecording(t, m)
	got, err := m.TakeShot(context.Background())
	if err != nil {
		t.Fatalf("TakeShot: %v", err)
	}
	if !bytes.Equal(got, shot) {
		t.Fatalf("shot = %v want %v", got, shot)
	}
}

func TestStopRunsProtocolOnceAndReleases(t *testing.T) {
	l, v := &fakeLauncher{}, &fakeVoice{}
	s := &fakeSaver{res: archive.Result{Uploaded: true, VideoID: "vid"}}
	m := newTestMachine(l, v, s)
	startRecording(t, m)

	res, err := m.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.VideoID != "vid" {
		t.Fatalf("result = %+v", res)
	}
	if k := m.Snapshot().Kind; k != Ready {
		t.Fatalf("state = %v want ready", k)
	}
	rec := l.recorders()[0]
	if rec.closeCount() != 1 || v.conns[0].count() != 1 {
		t.Fatalf("resources not released: closed=%d disconnected=%d", rec.closeCount(), v.conns[0].count())
	}
	if !s.startedAt.Equal(rec.startedAt) || string(s.data) != "webm" {
		t.Fatalf("saver got data=%q startedAt=%v", s.data, s.startedAt)
	}

	_, err = m.Stop(context.Background())
	wantCommandError(t, err, "not recording. please start.")
	if s.callCount() != 1 {
		t.Fatalf("protocol ran %d times", s.callCount())
	}
	if m.Snapshot().ScreenURL != "" {
		t.Fatal("ready after stop must not carry a screen url")
	}
}

func TestStopWithUploadDisabledWritesFallback(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "video")
	data := []byte("\x1a\x45\xdf\xa3 webm payload")
	l := &fakeLauncher{newRec: func() *fakeRecorder { return &fakeRecorder{data: data, startedAt: time.Now()} }}
	stopClock := func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	saver := archive.New(dir, archive.WithUploadDisabled(true), archive.WithClock(stopClock), archive.WithLogger(quietLogger()))
	m := newTestMachine(l, &fakeVoice{}, saver)
	startRecording(t, m)

	res, err := m.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.FileName != "2024-01-02-03-04-05.webm" {
		t.Fatalf("file name = %q", res.FileName)
	}
	got, err := os.ReadFile(filepath.Join(dir, "2024-01-02-03-04-05.webm"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("saved bytes differ from recorder output")
	}
	if k := m.Snapshot().Kind; k != Ready {
		t.Fatalf("state = %v", k)
	}
}

type okUploader struct{}

func (okUploader) Upload(ctx context.Context, v archive.Video) (archive.Uploaded, error) {
	return archive.Uploaded{ID: "abc123", URL: "https://youtu.be/abc123"}, nil
}

func TestStopWithUploadWritesNoFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "video")
	saver := archive.New(dir, archive.WithUploader(okUploader{}), archive.WithLogger(quietLogger()))
	m := newTestMachine(&fakeLauncher{}, &fakeVoice{}, saver)
	startRecording(t, m)

	res, err := m.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !strings.Contains(res.URL, "abc123") {
		t.Fatalf("url = %q", res.URL)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("no local file expected, stat err = %v", err)
	}
}

func TestToggleDebugResetsPerSession(t *testing.T) {
	m := newTestMachine(&fakeLauncher{}, &fakeVoice{}, &fakeSaver{})
	ctx := context.Background()
	startRecording(t, m)

	first, _ := m.ToggleDebug(ctx)
	second, _ := m.ToggleDebug(ctx)
	if first != true || second != false {
		t.Fatalf("toggles = %v, %v want true, false", first, second)
	}
	_, _ = m.ToggleDebug(ctx)
	if _, err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	startRecording(t, m)
	if got, _ := m.ToggleDebug(ctx); got != true {
		t.Fatal("debug should start disabled in a new session")
	}
}

func TestStartRollback(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name          string
		launcher      *fakeLauncher
		voice         *fakeVoice
		wantClosed    int
		wantVoiceDrop bool
	}{
		{name: "launch fails", launcher: &fakeLauncher{err: boom}, voice: &fakeVoice{}},
		{name: "voice join fails", launcher: &fakeLauncher{}, voice: &fakeVoice{err: boom}, wantClosed: 1},
		{
			name:          "recorder start fails",
			launcher:      &fakeLauncher{newRec: func() *fakeRecorder { return &fakeRecorder{startErr: boom} }},
			voice:         &fakeVoice{},
			wantClosed:    1,
			wantVoiceDrop: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMachine(tt.launcher, tt.voice, &fakeSaver{})
			_ = m.SetScreenURL(context.Background(), "http://x")

			err := m.Start(context.Background(), voiceReq)
			if !errors.Is(err, boom) {
				t.Fatalf("error = %v want wrapped boom", err)
			}
			if IsCommandError(err) {
				t.Fatal("acquisition failure must not be a CommandError")
			}
			snap := m.Snapshot()
			if snap.Kind != Ready || snap.ScreenURL != "http://x" {
				t.Fatalf("slot = %+v want ready with url kept", snap)
			}
			if recs := tt.launcher.recorders(); len(recs) > 0 && recs[0].closeCount() != tt.wantClosed {
				t.Fatalf("recorder closed %d times want %d", recs[0].closeCount(), tt.wantClosed)
			}
			if tt.wantVoiceDrop && tt.voice.conns[0].count() != 1 {
				t.Fatal("voice connection not released")
			}
			// The machine accepts a new start after rollback.
			tt.launcher.err, tt.voice.err = nil, nil
			tt.launcher.newRec = nil
			startRecording(t, m)
		})
	}
}

func TestStartTimeoutRollsBack(t *testing.T) {
	l := &fakeLauncher{block: make(chan struct{}), ignoreCtx: true}
	m := newTestMachine(l, &fakeVoice{}, &fakeSaver{}, WithStartTimeout(20*time.Millisecond))

	err := m.Start(context.Background(), voiceReq)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v want deadline exceeded", err)
	}
	if k := m.Snapshot().Kind; k != Ready {
		t.Fatalf("state = %v want ready", k)
	}

	// The late recorder is released in the background once the launcher returns.
	close(l.block)
	deadline := time.Now().Add(2 * time.Second)
	for {
		recs := l.recorders()
		if len(recs) == 1 && recs[0].closeCount() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("late recorder was not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCommandsRejectedWhileStarting(t *testing.T) {
	l := &fakeLauncher{entered: make(chan struct{}), block: make(chan struct{})}
	m := newTestMachine(l, &fakeVoice{}, &fakeSaver{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- m.Start(ctx, voiceReq) }()
	<-l.entered
	if k := m.Snapshot().Kind; k != Starting {
		t.Fatalf("state = %v want starting", k)
	}

	wantCommandError(t, m.SetScreenURL(ctx, "http://x"), "starting recorder now")
	wantCommandError(t, m.Start(ctx, voiceReq), "starting recorder now")
	_, err := m.Stop(ctx)
	wantCommandError(t, err, "starting recorder now")
	_, err = m.TakeShot(ctx)
	wantCommandError(t, err, "starting recorder now")
	_, err = m.ToggleDebug(ctx)
	wantCommandError(t, err, "starting recorder now")

	close(l.block)
	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}
	if k := m.Snapshot().Kind; k != Recording {
		t.Fatalf("state = %v want recording", k)
	}
}

func TestCommandsRejectedWhileSaving(t *testing.T) {
	s := &fakeSaver{entered: make(chan struct{}), block: make(chan struct{})}
	m := newTestMachine(&fakeLauncher{}, &fakeVoice{}, s)
	ctx := context.Background()
	startRecording(t, m)

	done := make(chan error, 1)
	go func() {
		_, err := m.Stop(ctx)
		done <- err
	}()
	<-s.entered
	if k := m.Snapshot().Kind; k != Saving {
		t.Fatalf("state = %v want saving", k)
	}

	wantCommandError(t, m.SetScreenURL(ctx, "http://x"), "saving record now")
	wantCommandError(t, m.Start(ctx, voiceReq), "saving record now")
	_, err := m.Stop(ctx)
	wantCommandError(t, err, "saving record now")
	_, err = m.TakeShot(ctx)
	wantCommandError(t, err, "saving record now")
	_, err = m.ToggleDebug(ctx)
	wantCommandError(t, err, "saving record now")

	close(s.block)
	if err := <-done; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if k := m.Snapshot().Kind; k != Ready {
		t.Fatalf("state = %v want ready", k)
	}
	if s.callCount() != 1 {
		t.Fatalf("protocol ran %d times", s.callCount())
	}
}

func TestStopFailuresReturnToReady(t *testing.T) {
	t.Run("recorder stop fails", func(t *testing.T) {
		s := &fakeSaver{}
		l := &fakeLauncher{newRec: func() *fakeRecorder { return &fakeRecorder{stopErr: errors.New("page crashed")} }}
		v := &fakeVoice{}
		m := newTestMachine(l, v, s)
		startRecording(t, m)
		_, err := m.Stop(context.Background())
		if err == nil || IsCommandError(err) {
			t.Fatalf("error = %v want operational error", err)
		}
		if m.Snapshot().Kind != Ready || s.callCount() != 0 {
			t.Fatalf("state = %v saver calls = %d", m.Snapshot().Kind, s.callCount())
		}
		if l.recorders()[0].closeCount() != 1 || v.conns[0].count() != 1 {
			t.Fatal("resources not released")
		}
	})
	t.Run("save fails", func(t *testing.T) {
		s := &fakeSaver{err: errors.New("disk full")}
		m := newTestMachine(&fakeLauncher{}, &fakeVoice{}, s)
		startRecording(t, m)
		_, err := m.Stop(context.Background())
		if err == nil || IsCommandError(err) {
			t.Fatalf("error = %v want operational error", err)
		}
		if m.Snapshot().Kind != Ready {
			t.Fatalf("state = %v want ready", m.Snapshot().Kind)
		}
	})
}

func TestStopSurvivesCanceledContext(t *testing.T) {
	s := &fakeSaver{}
	m := newTestMachine(&fakeLauncher{}, &fakeVoice{}, s)
	startRecording(t, m)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.callCount() != 1 {
		t.Fatal("save must run even when the requester context is canceled")
	}
}

func TestConcurrentCommandsKeepSlotConsistent(t *testing.T) {
	l, v, s := &fakeLauncher{}, &fakeVoice{}, &fakeSaver{}
	m := newTestMachine(l, v, s)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		statsMu sync.Mutex
		starts  int
		stops   int
	)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < 50; i++ {
				var err error
				switch rnd.Intn(5) {
				case 0:
					err = m.Start(ctx, voiceReq)
					if err == nil {
						statsMu.Lock()
						starts++
						statsMu.Unlock()
					}
				case 1:
					_, err = m.Stop(ctx)
					if err == nil {
						statsMu.Lock()
						stops++
						statsMu.Unlock()
					}
				case 2:
					err = m.SetScreenURL(ctx, "http://x")
				case 3:
					_, err = m.TakeShot(ctx)
				case 4:
					_, err = m.ToggleDebug(ctx)
				}
				if err != nil && !IsCommandError(err) {
					t.Errorf("unexpected operational error: %v", err)
				}
				switch k := m.Snapshot().Kind; k {
				case Ready, Starting, Recording, Saving:
				default:
					t.Errorf("torn state %v", k)
				}
			}
		}(int64(g))
	}
	wg.Wait()

	final := m.Snapshot().Kind
	if final != Ready && final != Recording {
		t.Fatalf("final state = %v", final)
	}
	if s.callCount() != stops {
		t.Fatalf("saver calls = %d, successful stops = %d", s.callCount(), stops)
	}
	wantOpen := 0
	if final == Recording {
		wantOpen = 1
	}
	if starts-stops != wantOpen {
		t.Fatalf("starts = %d stops = %d final = %v", starts, stops, final)
	}
	open := 0
	for _, rec := range l.recorders() {
		switch rec.closeCount() {
		case 0:
			open++
		case 1:
		default:
			t.Fatalf("recorder closed %d times", rec.closeCount())
		}
	}
	if open != wantOpen {
		t.Fatalf("open recorders = %d want %d", open, wantOpen)
	}
}
