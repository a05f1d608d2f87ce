package session

import (
	"context"
	"sync"
	"time"

	"github.com/infra-workshop/recording-bot/archive"
)

type fakeRecorder struct {
	mu        sync.Mutex
	startedAt time.Time
	data      []byte
	shot      []byte
	debug     bool
	screenURL string
	startErr  error
	stopErr   error
	started   bool
	stopped   int
	closed    int
}

func (r *fakeRecorder) Start(ctx context.Context) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return time.Time{}, r.startErr
	}
	r.started = true
	return r.startedAt, nil
}

func (r *fakeRecorder) Stop(ctx context.Context) (Capture, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped++
	if r.stopErr != nil {
		return Capture{}, r.stopErr
	}
	return Capture{Data: r.data, StartedAt: r.startedAt}, nil
}

func (r *fakeRecorder) TakeShot(ctx context.Context) ([]byte, error) { return r.shot, nil }

func (r *fakeRecorder) ToggleDebug(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debug = !r.debug
	return r.debug, nil
}

func (r *fakeRecorder) SetScreenURL(ctx context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.screenURL = url
	return nil
}

func (r *fakeRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *fakeRecorder) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type fakeLauncher struct {
	mu        sync.Mutex
	newRec    func() *fakeRecorder
	err       error
	entered   chan struct{} // signaled when Launch is called, if non-nil
	block     chan struct{} // Launch waits for close, if non-nil
	ignoreCtx bool
	launched  []*fakeRecorder
	targets   []Target
}

func (l *fakeLauncher) Launch(ctx context.Context, t Target) (Recorder, error) {
	if l.entered != nil {
		l.entered <- struct{}{}
	}
	if l.block != nil {
		if l.ignoreCtx {
			<-l.block
		} else {
			select {
			case <-l.block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.targets = append(l.targets, t)
	if l.err != nil {
		return nil, l.err
	}
	rec := &fakeRecorder{startedAt: time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC), data: []byte("webm"), shot: []byte("png")}
	if l.newRec != nil {
		rec = l.newRec()
	}
	l.launched = append(l.launched, rec)
	return rec, nil
}

func (l *fakeLauncher) recorders() []*fakeRecorder {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeRecorder(nil), l.launched...)
}

type fakeConn struct {
	mu           sync.Mutex
	disconnected int
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected++
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

type fakeVoice struct {
	mu    sync.Mutex
	err   error
	conns []*fakeConn
}

func (v *fakeVoice) Join(ctx context.Context, guildID, channelID string) (VoiceConn, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return nil, v.err
	}
	c := &fakeConn{}
	v.conns = append(v.conns, c)
	return c, nil
}

type fakeSaver struct {
	mu        sync.Mutex
	res       archive.Result
	err       error
	entered   chan struct{}
	block     chan struct{}
	calls     int
	data      []byte
	startedAt time.Time
}

func (s *fakeSaver) Save(ctx context.Context, data []byte, startedAt time.Time) (archive.Result, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.data = data
	s.startedAt = startedAt
	return s.res, s.err
}

func (s *fakeSaver) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
