// Package direct implements the Direct retrieval tier: one plain HTTP GET with
// the resolved credential injected as a Cookie header.
package direct

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedpipe/internal/acquire"
	"github.com/JakeFAU/feedpipe/internal/clock/system"
	"github.com/JakeFAU/feedpipe/internal/metrics"
)

// DefaultUserAgent is the identity header sent when none is configured.
const DefaultUserAgent = "Mozilla/5.0 (compatible; feedpipe/1.0; +https://github.com/JakeFAU/feedpipe)"

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent        string        `mapstructure:"user_agent"`
	Timeout          time.Duration `mapstructure:"timeout"`
	CloudflareBypass bool          `mapstructure:"cloudflare_bypass"`
	// RespectRobots makes robots.txt disallows a Blocked outcome.
	RespectRobots bool `mapstructure:"respect_robots"`
}

// Waiter blocks until a request to rawURL may proceed.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLimiter installs a per-domain rate limiter.
func WithLimiter(w Waiter) Option {
	return func(f *Fetcher) { f.limiter = w }
}

// WithTransport overrides the HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) { f.transport = rt }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithClock sets the clock used for FetchedAt.
func WithClock(c acquire.Clock) Option {
	return func(f *Fetcher) { f.clock = c }
}

// Fetcher implements acquire.TierFetcher using a Colly collector.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	limiter   Waiter
	logger    *zap.Logger
	clock     acquire.Clock
	base      *colly.Collector
}

var _ acquire.TierFetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	f := &Fetcher{cfg: cfg}
	for _, opt := range opts {
		opt(f)
	}
	if f.transport == nil {
		f.transport = newHTTPTransport()
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	if cfg.CloudflareBypass {
		f.transport = cloudflarebp.AddCloudFlareByPass(f.transport)
	}
	if cfg.RespectRobots {
		f.transport = &robotsTransport{base: f.transport, backoff: robotsRetryBackoff, logger: f.logger}
	}
	if f.clock == nil {
		f.clock = system.New()
	}

	c := colly.NewCollector(colly.Async(false))
	c.UserAgent = cfg.UserAgent
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	// Requests are deduplicated upstream; the collector must never refuse a URL.
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	// Cookies come from the resolved credential only.
	c.DisableCookies()
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(f.transport)
	f.base = c
	return f
}

// Tier implements acquire.TierFetcher.
func (f *Fetcher) Tier() acquire.Tier {
	return acquire.TierDirect
}

// Fetch executes a single GET. Non-2xx responses are returned as results so
// the detector can classify them; only transport failures are errors.
func (f *Fetcher) Fetch(ctx context.Context, req acquire.ResourceRequest) (acquire.FetchResult, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, req.ID); err != nil {
			return acquire.FetchResult{}, fmt.Errorf("direct fetch: %w", err)
		}
	}

	var (
		result   acquire.FetchResult
		fetchErr error
	)
	collector := f.base.Clone()
	// bound to the tier context so cancellation aborts the round trip
	collector.Context = ctx
	f.configureCollectorHooks(collector, req, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, req.ID, &fetchErr); err != nil {
		return acquire.FetchResult{}, err
	}
	metrics.ObserveFetchedBytes(req.ID, len(result.Content))
	f.logger.Debug("direct fetch complete",
		zap.String("url", req.ID),
		zap.Int("status", result.StatusCode),
		zap.Int("bytes", len(result.Content)),
	)
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	req acquire.ResourceRequest,
	result *acquire.FetchResult,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
		if req.HasCredentials() {
			r.Headers.Set("Cookie", req.Credentials)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = acquire.FetchResult{
			URL:        r.Request.URL.String(),
			Tier:       acquire.TierDirect,
			StatusCode: r.StatusCode,
			Content:    append([]byte(nil), r.Body...),
			FetchedAt:  f.clock.Now(),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("direct fetch canceled: %w", ctx.Err())
	case err := <-done:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("direct fetch canceled: %w", ctxErr)
		}
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			return acquire.NewTierError(acquire.TierDirect, acquire.ReasonBlocked, err)
		}
		if err != nil {
			return fmt.Errorf("direct visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("direct response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
