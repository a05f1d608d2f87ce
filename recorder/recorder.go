// Package recorder drives the Chrome record window through go-rod. Each
// session gets one page on the extension's record window; the page exposes a
// window.recorder object that does the actual capture.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"github.com/infra-workshop/recording-bot/extid"
	"github.com/infra-workshop/recording-bot/session"
)

const recordWindowPage = "record-window.html"

// Options configures the browser process.
type Options struct {
	Bin             string
	ExtensionPath   string
	RecordWindowURL string
	Display         string
	Headless        bool
	// ReadyTimeout bounds the wait for window.recorder after the page loads.
	ReadyTimeout time.Duration
	Logger       *slog.Logger
}

// Browser is a launched Chrome with the recorder extension loaded.
type Browser struct {
	browser   *rod.Browser
	launcher  *launcher.Launcher
	windowURL string
	ready     time.Duration
	logger    *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// DefaultWindowURL is the record window page of the extension loaded from extensionPath.
func DefaultWindowURL(extensionPath string) string {
	return "chrome-extension://" + extid.FromPath(extensionPath) + "/" + recordWindowPage
}

func newLauncher(opts Options) *launcher.Launcher {
	l := launcher.New().
		Headless(opts.Headless).
		Leakless(false).
		NoSandbox(true).
		Delete(flags.Flag("disable-extensions")).
		Set(flags.Flag("whitelisted-extension-id"), extid.FromPath(opts.ExtensionPath)).
		Set(flags.Flag("load-extension"), opts.ExtensionPath).
		Set(flags.Flag("window-size"), "1500,1200").
		Set(flags.Flag("disable-web-security")).
		Set(flags.Flag("disable-infobars")).
		Set(flags.Flag("disable-setuid-sandbox"))
	if opts.Bin != "" {
		l = l.Bin(opts.Bin)
	}
	if opts.Display != "" {
		l = l.Env(append(os.Environ(), "DISPLAY="+opts.Display)...)
	}
	return l
}

// Launch starts the browser process and connects to it.
func Launch(ctx context.Context, opts Options) (*Browser, error) {
	if opts.ExtensionPath == "" {
		return nil, errors.New("recorder: extension path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	windowURL := opts.RecordWindowURL
	if windowURL == "" {
		windowURL = DefaultWindowURL(opts.ExtensionPath)
	}
	ready := opts.ReadyTimeout
	if ready <= 0 {
		ready = 30 * time.Second
	}

	l := newLauncher(opts).Context(ctx)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	logger.Info("browser launched",
		slog.String("component", "recorder"),
		slog.String("extension_id", extid.FromPath(opts.ExtensionPath)),
		slog.String("extension_path", opts.ExtensionPath))

	b := &Browser{
		browser:   browser,
		launcher:  l,
		windowURL: windowURL,
		ready:     ready,
		logger:    logger,
		done:      make(chan struct{}),
	}
	go func() {
		l.Cleanup()
		close(b.done)
	}()
	return b, nil
}

// Done is closed when the browser process exits.
func (b *Browser) Done() <-chan struct{} { return b.done }

// Close shuts the browser down.
func (b *Browser) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.browser.Close()
		b.launcher.Kill()
	})
	return err
}

// WindowURL builds the record window address for t.
func WindowURL(base string, t session.Target) string {
	q := url.Values{}
	q.Set("guild", t.GuildID)
	q.Set("voice", t.VoiceChannelID)
	q.Set("text", t.TextChannelID)
	if t.ScreenURL != "" {
		q.Set("screen", t.ScreenURL)
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

// Launch opens a record window for t. Implements session.Launcher.
func (b *Browser) Launch(ctx context.Context, t session.Target) (session.Recorder, error) {
	page, err := b.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: WindowURL(b.windowURL, t)})
	if err != nil {
		return nil, fmt.Errorf("open record window: %w", err)
	}
	p := &Page{page: page.Context(context.Background()), logger: b.logger}
	if err := page.Timeout(b.ready).WaitLoad(); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("load record window: %w", err)
	}
	if err := page.Timeout(b.ready).Wait(rod.Eval(`() => typeof window.recorder === "object" && window.recorder !== null`)); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("record window not ready: %w", err)
	}
	return p, nil
}
