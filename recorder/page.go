package recorder

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/ysmood/gson"

	"github.com/infra-workshop/recording-bot/session"
)

// Page is one record window. It implements session.Recorder.
type Page struct {
	page      *rod.Page
	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

func (p *Page) call(ctx context.Context, js string, args ...any) (gson.JSON, error) {
	res, err := p.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return gson.JSON{}, err
	}
	return res.Value, nil
}

func (p *Page) Start(ctx context.Context) (time.Time, error) {
	v, err := p.call(ctx, `async () => await window.recorder.start()`)
	if err != nil {
		return time.Time{}, fmt.Errorf("recorder start: %w", err)
	}
	if ms := v.Int(); ms > 0 {
		return time.UnixMilli(int64(ms)), nil
	}
	return time.Now(), nil
}

func (p *Page) Stop(ctx context.Context) (session.Capture, error) {
	v, err := p.call(ctx, `async () => {
		const r = await window.recorder.stop();
		return { data: r.data, startedAt: r.startedAt || 0 };
	}`)
	if err != nil {
		return session.Capture{}, fmt.Errorf("recorder stop: %w", err)
	}
	data, err := decodePayload(v.Get("data").Str())
	if err != nil {
		return session.Capture{}, fmt.Errorf("recorder stop: %w", err)
	}
	c := session.Capture{Data: data}
	if ms := v.Get("startedAt").Int(); ms > 0 {
		c.StartedAt = time.UnixMilli(int64(ms))
	}
	return c, nil
}

func (p *Page) TakeShot(ctx context.Context) ([]byte, error) {
	v, err := p.call(ctx, `async () => await window.recorder.takeShot()`)
	if err != nil {
		return nil, fmt.Errorf("recorder shot: %w", err)
	}
	return decodePayload(v.Str())
}

func (p *Page) ToggleDebug(ctx context.Context) (bool, error) {
	v, err := p.call(ctx, `async () => !!(await window.recorder.toggleDebug())`)
	if err != nil {
		return false, fmt.Errorf("recorder debug: %w", err)
	}
	return v.Bool(), nil
}

func (p *Page) SetScreenURL(ctx context.Context, u string) error {
	if _, err := p.call(ctx, `async (u) => { await window.recorder.setScreenUrl(u); }`, u); err != nil {
		return fmt.Errorf("recorder screen url: %w", err)
	}
	return nil
}

// Close closes the page. Later calls return the first result.
func (p *Page) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.page.Close()
		if p.closeErr != nil {
			p.logger.Warn("close record window failed", slog.String("component", "recorder"), slog.Any("err", p.closeErr))
		}
	})
	return p.closeErr
}

// decodePayload accepts plain base64 or a data URL.
func decodePayload(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty payload")
	}
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ",")
		if i < 0 || !strings.Contains(s[:i], ";base64") {
			return nil, fmt.Errorf("unsupported data url")
		}
		s = s[i+1:]
	}
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}
