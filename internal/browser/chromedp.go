// Package browser drives the portal through headless Chrome.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

// Config controls the Chrome process and per-action budgets.
type Config struct {
	Headless          bool
	ExecPath          string
	UserAgent         string
	ActionTimeout     time.Duration
	NavigationTimeout time.Duration
	DownloadDir       string
}

// Waiter paces navigation.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Session is a single Chrome tab. It is not safe for concurrent use.
type Session struct {
	cfg         Config
	limiter     Waiter
	logger      *zap.Logger
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
}

var _ harvest.BrowserSession = (*Session)(nil)

// New launches Chrome and opens the tab every action runs in.
func New(cfg Config, limiter Waiter, logger *zap.Logger) (*Session, error) {
	cfg = withDefaults(cfg)
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w: %w", harvest.ErrFatalSetup, err)
	}
	downloadDir, err := filepath.Abs(cfg.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("resolve download dir: %w: %w", harvest.ErrFatalSetup, err)
	}
	cfg.DownloadDir = downloadDir

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(logger.Sugar().Debugf))

	setup := chromedp.Tasks{
		network.Enable(),
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(cfg.DownloadDir).
			WithEventsEnabled(true),
	}
	if cfg.UserAgent != "" {
		setup = append(setup, emulation.SetUserAgentOverride(cfg.UserAgent))
	}
	if err := chromedp.Run(tabCtx, setup); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w: %w", harvest.ErrFatalSetup, err)
	}

	return &Session{
		cfg:         cfg,
		limiter:     limiter,
		logger:      logger,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
	}, nil
}

func withDefaults(cfg Config) Config {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 15 * time.Second
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(os.TempDir(), "contract-harvester")
	}
	return cfg
}

// Close tears down the tab and the Chrome process.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.tabCancel()
	s.allocCancel()
}

// Navigate implements harvest.BrowserSession.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, url); err != nil {
			return err
		}
	}
	return s.run(ctx, "navigate "+url, s.cfg.NavigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Reset implements harvest.BrowserSession.
func (s *Session) Reset(ctx context.Context) error {
	return s.run(ctx, "reset session", s.cfg.ActionTimeout,
		network.ClearBrowserCookies(),
		chromedp.Navigate("about:blank"),
	)
}

// Fill implements harvest.BrowserSession.
func (s *Session) Fill(ctx context.Context, selector, text string) error {
	return s.run(ctx, "fill "+selector, s.cfg.ActionTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

// SetValue implements harvest.BrowserSession.
func (s *Session) SetValue(ctx context.Context, selector, value string) error {
	return s.run(ctx, "set value "+selector, s.cfg.ActionTimeout,
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, value, chromedp.ByQuery),
		chromedp.Evaluate(dispatchChangeJS(selector), nil),
	)
}

// Click implements harvest.BrowserSession.
func (s *Session) Click(ctx context.Context, selector string) error {
	return s.run(ctx, "click "+selector, s.cfg.ActionTimeout,
		chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible),
	)
}

// ClickNth implements harvest.BrowserSession.
func (s *Session) ClickNth(ctx context.Context, selector string, index int) error {
	var nodes []*cdp.Node
	return s.run(ctx, fmt.Sprintf("click %s[%d]", selector, index), s.cfg.ActionTimeout,
		chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if index < 0 || index >= len(nodes) {
				return fmt.Errorf("index %d out of range for %d nodes", index, len(nodes))
			}
			return chromedp.MouseClickNode(nodes[index]).Do(ctx)
		}),
	)
}

// ReadText implements harvest.BrowserSession.
func (s *Session) ReadText(ctx context.Context, selector string) (string, error) {
	var text string
	err := s.run(ctx, "read "+selector, s.cfg.ActionTimeout,
		chromedp.Text(selector, &text, chromedp.ByQuery),
	)
	return text, err
}

// ReadAllText implements harvest.BrowserSession.
func (s *Session) ReadAllText(ctx context.Context, selector string) ([]string, error) {
	var texts []string
	err := s.run(ctx, "read all "+selector, s.cfg.ActionTimeout,
		chromedp.Evaluate(allTextJS(selector), &texts),
	)
	return texts, err
}

type visibleText struct {
	Text    string `json:"text"`
	Visible bool   `json:"visible"`
}

// ReadVisibleText implements harvest.BrowserSession.
func (s *Session) ReadVisibleText(ctx context.Context, selector string) (string, bool, error) {
	var res visibleText
	err := s.run(ctx, "read visible "+selector, s.cfg.ActionTimeout,
		chromedp.Evaluate(visibleTextJS(selector), &res),
	)
	return res.Text, res.Visible, err
}

// ReadAttribute implements harvest.BrowserSession.
func (s *Session) ReadAttribute(ctx context.Context, selector, name string) (string, error) {
	var (
		value string
		ok    bool
	)
	err := s.run(ctx, "read attribute "+name+" of "+selector, s.cfg.ActionTimeout,
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.AttributeValue(selector, name, &value, &ok, chromedp.ByQuery),
	)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("attribute %s missing on %s: %w", name, selector, harvest.ErrNetwork)
	}
	return value, nil
}

// WaitFor implements harvest.BrowserSession.
func (s *Session) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.cfg.ActionTimeout
	}
	return s.run(ctx, "wait for "+selector, timeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
	)
}

// Settle implements harvest.BrowserSession by waiting for the document to be
// complete and for jQuery, when present, to have no requests in flight.
func (s *Session) Settle(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.cfg.ActionTimeout
	}
	var idle bool
	return s.run(ctx, "settle", timeout+time.Second,
		chromedp.Poll(settleJS, &idle,
			chromedp.WithPollingTimeout(timeout),
			chromedp.WithPollingInterval(200*time.Millisecond),
		),
	)
}

// Count implements harvest.BrowserSession.
func (s *Session) Count(ctx context.Context, selector string) (int, error) {
	var n int
	err := s.run(ctx, "count "+selector, s.cfg.ActionTimeout,
		chromedp.Evaluate(countJS(selector), &n),
	)
	return n, err
}

// ExpectDownload implements harvest.BrowserSession. It runs trigger and waits
// for the browser to report the resulting download as complete.
func (s *Session) ExpectDownload(
	ctx context.Context,
	trigger func(context.Context) error,
	timeout time.Duration,
) (string, error) {
	if timeout <= 0 {
		timeout = s.cfg.NavigationTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tracker := newDownloadTracker()
	listenCtx, stopListen := context.WithCancel(s.tabCtx)
	defer stopListen()
	chromedp.ListenTarget(listenCtx, tracker.handle)

	if err := trigger(waitCtx); err != nil {
		return "", err
	}

	select {
	case res := <-tracker.done:
		if res.err != nil {
			return "", res.err
		}
		path := filepath.Join(s.cfg.DownloadDir, res.guid)
		s.logger.Debug("download complete",
			zap.String("path", path),
			zap.String("suggested", res.suggested),
		)
		return path, nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return "", fmt.Errorf("await download: %w", ctx.Err())
		}
		return "", fmt.Errorf("await download: %w: %w", harvest.ErrNetwork, waitCtx.Err())
	}
}

type downloadResult struct {
	guid      string
	suggested string
	err       error
}

type downloadTracker struct {
	mu        sync.Mutex
	suggested map[string]string
	done      chan downloadResult
	once      sync.Once
}

func newDownloadTracker() *downloadTracker {
	return &downloadTracker{
		suggested: make(map[string]string),
		done:      make(chan downloadResult, 1),
	}
}

func (d *downloadTracker) handle(ev any) {
	switch e := ev.(type) {
	case *browser.EventDownloadWillBegin:
		d.mu.Lock()
		d.suggested[e.GUID] = e.SuggestedFilename
		d.mu.Unlock()
	case *browser.EventDownloadProgress:
		switch e.State {
		case browser.DownloadProgressStateCompleted:
			d.mu.Lock()
			name := d.suggested[e.GUID]
			d.mu.Unlock()
			d.finish(downloadResult{guid: e.GUID, suggested: name})
		case browser.DownloadProgressStateCanceled:
			d.finish(downloadResult{err: fmt.Errorf("download %s canceled: %w", e.GUID, harvest.ErrNetwork)})
		}
	}
}

func (d *downloadTracker) finish(res downloadResult) {
	d.once.Do(func() { d.done <- res })
}

// run executes actions on the tab under a per-action timeout. Failures that
// are not caused by the caller's context are reported as transient network
// errors.
func (s *Session) run(ctx context.Context, op string, timeout time.Duration, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	taskCtx, cancel := context.WithTimeout(s.tabCtx, timeout)
	defer cancel()

	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		if errors.Is(err, context.Canceled) && s.tabCtx.Err() != nil {
			return fmt.Errorf("%s: browser closed: %w", op, harvest.ErrFatalSetup)
		}
		return fmt.Errorf("%s: %w: %w", op, harvest.ErrNetwork, err)
	}
	return nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func quote(selector string) string {
	b, _ := json.Marshal(selector)
	return string(b)
}

func allTextJS(selector string) string {
	return `Array.from(document.querySelectorAll(` + quote(selector) + `)).map(e => (e.innerText || e.textContent || "").trim())`
}

func countJS(selector string) string {
	return `document.querySelectorAll(` + quote(selector) + `).length`
}

func visibleTextJS(selector string) string {
	return `(() => {
  const el = document.querySelector(` + quote(selector) + `);
  if (!el) { return {text: "", visible: false}; }
  const style = window.getComputedStyle(el);
  const visible = style.display !== "none" && style.visibility !== "hidden" && el.offsetParent !== null;
  return {text: (el.innerText || el.textContent || "").trim(), visible: visible};
})()`
}

func dispatchChangeJS(selector string) string {
	return `(() => {
  const el = document.querySelector(` + quote(selector) + `);
  if (el) { el.dispatchEvent(new Event("change", {bubbles: true})); }
  return true;
})()`
}

const settleJS = `document.readyState === "complete" && (typeof window.jQuery === "undefined" || window.jQuery.active === 0)`
