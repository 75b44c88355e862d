// Package browser owns the Chrome instance the worker drives through the
// DevTools protocol.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chromedp/chromedp"

	"github.com/chatrelay/chatworker/internal/logging"
	"github.com/chatrelay/chatworker/internal/site"
)

const (
	DefaultWindowWidth  = 1280
	DefaultWindowHeight = 900
	DefaultOpTimeout    = 10 * time.Second
)

// ErrClosed is returned for operations on a browser that is not running.
var ErrClosed = errors.New("browser is not running")

// Options configures the Chrome process.
type Options struct {
	Headless     bool
	UserDataDir  string
	ExecPath     string
	WindowWidth  int
	WindowHeight int
	// OpTimeout bounds every evaluation and navigation.
	OpTimeout time.Duration
	// StartURL is opened once the browser is up. Empty means about:blank.
	StartURL string
}

func (o Options) normalized() Options {
	if o.WindowWidth <= 0 {
		o.WindowWidth = DefaultWindowWidth
	}
	if o.WindowHeight <= 0 {
		o.WindowHeight = DefaultWindowHeight
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = DefaultOpTimeout
	}
	if strings.TrimSpace(o.StartURL) == "" {
		o.StartURL = "about:blank"
	}
	return o
}

// AllocatorOptions returns the exec allocator flags for opts.
func AllocatorOptions(opts Options) []chromedp.ExecAllocatorOption {
	opts = opts.normalized()
	allocator := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("disable-features", "TranslateUI"),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight),
	)
	if dir := strings.TrimSpace(opts.UserDataDir); dir != "" {
		allocator = append(allocator, chromedp.UserDataDir(dir))
	}
	if path := strings.TrimSpace(opts.ExecPath); path != "" {
		allocator = append(allocator, chromedp.ExecPath(path))
	}
	return allocator
}

// Browser is a running Chrome with one page target.
type Browser struct {
	opts   Options
	logger *log.Logger

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

// Launch starts Chrome and opens opts.StartURL. The browser lives until ctx is
// cancelled or Close is called.
func Launch(ctx context.Context, opts Options, logger *log.Logger) (*Browser, error) {
	opts = opts.normalized()
	if logger == nil {
		logger = logging.Discard()
	}
	if dir := strings.TrimSpace(opts.UserDataDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create browser profile dir: %w", err)
		}
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, AllocatorOptions(opts)...)
	browserCtx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Debugf),
		chromedp.WithErrorf(logger.Errorf),
	)
	b := &Browser{
		opts:        opts,
		logger:      logger,
		ctx:         browserCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
	}

	// The first Run allocates the browser and must not carry a timeout.
	if err := chromedp.Run(browserCtx); err != nil {
		b.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	if err := b.Navigate(ctx, opts.StartURL); err != nil {
		b.Close()
		return nil, err
	}
	logger.Info("browser started", "headless", opts.Headless, "url", opts.StartURL)
	return b, nil
}

// Evaluate runs script in the page and decodes its result into out.
func (b *Browser) Evaluate(ctx context.Context, script string, out any) error {
	opCtx, done, err := b.op(ctx)
	if err != nil {
		return err
	}
	defer done()
	if err := chromedp.Run(opCtx, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

// Navigate loads url in the page.
func (b *Browser) Navigate(ctx context.Context, url string) error {
	opCtx, done, err := b.op(ctx)
	if err != nil {
		return err
	}
	defer done()
	if err := chromedp.Run(opCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// Location returns the current page URL.
func (b *Browser) Location(ctx context.Context) (string, error) {
	opCtx, done, err := b.op(ctx)
	if err != nil {
		return "", err
	}
	defer done()
	var location string
	if err := chromedp.Run(opCtx, chromedp.Location(&location)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return location, nil
}

// Alive reports an error when the page no longer answers.
func (b *Browser) Alive(ctx context.Context) error {
	_, err := b.Location(ctx)
	return err
}

// Close shuts Chrome down. It is safe to call more than once.
func (b *Browser) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	ctx, cancel, allocCancel := b.ctx, b.cancel, b.allocCancel
	b.ctx, b.cancel, b.allocCancel = nil, nil, nil
	b.mu.Unlock()

	if ctx != nil {
		if err := chromedp.Cancel(ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Debug("close browser", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	if allocCancel != nil {
		allocCancel()
	}
}

// op derives a bounded chromedp context that also ends when ctx does.
func (b *Browser) op(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if b == nil {
		return nil, nil, ErrClosed
	}
	b.mu.Lock()
	base := b.ctx
	b.mu.Unlock()
	if base == nil || base.Err() != nil {
		return nil, nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	opCtx, cancel := context.WithTimeout(base, b.opts.OpTimeout)
	stop := context.AfterFunc(ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}, nil
}

var _ site.Evaluator = (*Browser)(nil)
