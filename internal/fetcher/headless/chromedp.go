// Package headless implements the Browser retrieval tier on top of chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedpipe/internal/acquire"
	"github.com/JakeFAU/feedpipe/internal/clock/system"
	"github.com/JakeFAU/feedpipe/internal/metrics"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultWaitTimeout       = 10 * time.Second

	// documentReadTimeout is held back from the tier deadline for reading the DOM.
	documentReadTimeout = 2 * time.Second
)

// Config controls the behavior of the browser tier.
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// MaxParallel bounds live browser tabs; zero means one.
	MaxParallel       int           `mapstructure:"max_parallel"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	// WaitTimeout bounds the wait for MarkerSelector. Expiry is not an error.
	WaitTimeout    time.Duration `mapstructure:"wait_timeout"`
	MarkerSelector string        `mapstructure:"marker_selector"`
	ExecPath       string        `mapstructure:"exec_path"`
}

// Fetcher implements acquire.TierFetcher using headless Chrome.
type Fetcher struct {
	cfg         Config
	sem         chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
	clock       acquire.Clock
}

var _ acquire.TierFetcher = (*Fetcher)(nil)

// NewChromedp creates a browser tier backed by a chromedp exec allocator. The
// browser process starts lazily on the first fetch.
func NewChromedp(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		sem:         make(chan struct{}, cfg.MaxParallel),
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
		clock:       system.New(),
	}, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Tier implements acquire.TierFetcher.
func (f *Fetcher) Tier() acquire.Tier {
	return acquire.TierBrowser
}

// Fetch opens a tab, replays the credential as cookies, navigates, waits for
// the content marker and returns whatever DOM is present. A marker wait that
// times out yields a Partial result instead of an error. The tab is closed on
// every return path.
func (f *Fetcher) Fetch(ctx context.Context, req acquire.ResourceRequest) (acquire.FetchResult, error) {
	release, err := f.acquireSlot(ctx)
	if err != nil {
		return acquire.FetchResult{}, err
	}
	defer release()

	tabCtx, cancelTab := chromedp.NewContext(f.allocator)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, f.navTimeout())
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	meta := &responseMeta{}
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	if err := chromedp.Run(taskCtx, f.sessionSetupAction(req), chromedp.Navigate(req.ID)); err != nil {
		return acquire.FetchResult{}, fmt.Errorf("browser navigate: %w", err)
	}

	deadline, hasDeadline := earliestDeadline(ctx, taskCtx)
	budget := markerBudget(f.waitTimeout(), deadline, hasDeadline, time.Now())
	partial := f.waitForMarker(taskCtx, budget, req)

	// the read runs on the tab so an expired marker wait or tier deadline
	// still yields the partial document
	readCtx, cancelRead := context.WithTimeout(tabCtx, documentReadTimeout)
	defer cancelRead()

	var html, location string
	if err := chromedp.Run(readCtx,
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return acquire.FetchResult{}, fmt.Errorf("browser read document: %w", err)
	}

	status, finalURL := meta.snapshot(req.ID, location)
	metrics.ObserveFetchedBytes(req.ID, len(html))
	return acquire.FetchResult{
		URL:        finalURL,
		Tier:       acquire.TierBrowser,
		StatusCode: status,
		Content:    []byte(html),
		Partial:    partial,
		FetchedAt:  f.clock.Now(),
	}, nil
}

// waitForMarker reports true when the marker wait timed out.
func (f *Fetcher) waitForMarker(ctx context.Context, budget time.Duration, req acquire.ResourceRequest) bool {
	marker := f.marker(req)
	if marker == "" {
		return false
	}
	if budget <= 0 {
		f.logger.Debug("no budget left for content marker wait",
			zap.String("url", req.ID),
			zap.String("marker", marker),
		)
		return true
	}
	waitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	err := chromedp.Run(waitCtx, chromedp.WaitVisible(marker, chromedp.ByQuery))
	if err == nil {
		return false
	}
	f.logger.Debug("content marker wait ended without match",
		zap.String("url", req.ID),
		zap.String("marker", marker),
		zap.Error(err),
	)
	return true
}

func (f *Fetcher) sessionSetupAction(req acquire.ResourceRequest) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		for _, c := range cookieParams(req.Credentials) {
			if err := network.SetCookie(c.name, c.value).WithURL(req.ID).Do(ctx); err != nil {
				return fmt.Errorf("set cookie %q: %w", c.name, err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case f.sem <- struct{}{}:
		return func() { <-f.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire browser slot: %w", ctx.Err())
	}
}

func (f *Fetcher) marker(req acquire.ResourceRequest) string {
	if req.ContentSelector != "" {
		return req.ContentSelector
	}
	return f.cfg.MarkerSelector
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

func (f *Fetcher) waitTimeout() time.Duration {
	if f.cfg.WaitTimeout > 0 {
		return f.cfg.WaitTimeout
	}
	return defaultWaitTimeout
}

type cookie struct {
	name  string
	value string
}

// cookieParams splits a Cookie header value into name/value pairs.
func cookieParams(raw string) []cookie {
	var out []cookie
	for _, part := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		out = append(out, cookie{name: name, value: strings.TrimSpace(value)})
	}
	return out
}

type responseMeta struct {
	mu     sync.Mutex
	status int
	url    string
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// the first document response is the navigation itself
	if m.status != 0 {
		return
	}
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
}

func (m *responseMeta) snapshot(requestURL, location string) (int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, url := m.status, m.url
	switch {
	case location != "":
		url = location
	case url == "":
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}

// markerBudget caps the marker wait so documentReadTimeout still fits before
// the deadline. A zero result means the wait must be skipped.
func markerBudget(wait time.Duration, deadline time.Time, hasDeadline bool, now time.Time) time.Duration {
	if !hasDeadline {
		return wait
	}
	if remaining := deadline.Sub(now) - documentReadTimeout; remaining < wait {
		wait = remaining
	}
	if wait < 0 {
		return 0
	}
	return wait
}

func earliestDeadline(ctxs ...context.Context) (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)
	for _, ctx := range ctxs {
		if ctx == nil {
			continue
		}
		deadline, ok := ctx.Deadline()
		if !ok {
			continue
		}
		if !found || deadline.Before(earliest) {
			earliest, found = deadline, true
		}
	}
	return earliest, found
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
