// Package pipeline runs batch acquisitions for feed routes: credentials are
// resolved once, the governor schedules the items, each fetch goes through the
// dedup cache and every result is extracted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedpipe/internal/acquire"
	"github.com/JakeFAU/feedpipe/internal/credential"
	"github.com/JakeFAU/feedpipe/internal/dedup"
	"github.com/JakeFAU/feedpipe/internal/governor"
	"github.com/JakeFAU/feedpipe/internal/hash/sha256"
	"github.com/JakeFAU/feedpipe/internal/policy/hosts"
	"github.com/JakeFAU/feedpipe/internal/telemetry"
)

// DefaultCacheTTL is used when Config.CacheTTL is zero.
const DefaultCacheTTL = 5 * time.Minute

// ErrEmptyFeed is returned by Batch.Err when no item has content or a title.
var ErrEmptyFeed = errors.New("no item yielded content or title")

// Config controls batch behaviour.
type Config struct {
	// ItemLimit truncates a batch before dispatch; zero means no limit.
	ItemLimit int `mapstructure:"item_limit"`
	// MetadataOnlyIsFailure rejects outcomes built only from page metadata.
	MetadataOnlyIsFailure bool          `mapstructure:"metadata_only_is_failure"`
	CacheTTL              time.Duration `mapstructure:"cache_ttl"`
	Hosts                 hosts.Config  `mapstructure:"hosts"`
}

// Fetcher is the tiered fetcher as seen by the pipeline.
type Fetcher interface {
	Fetch(ctx context.Context, req acquire.ResourceRequest) (acquire.FetchResult, error)
	Available(tier acquire.Tier) bool
}

// Request is one route's batch.
type Request struct {
	URLs            []string
	Credentials     credential.Sources
	Preferences     acquire.TierPreferences
	Timeout         time.Duration
	ContentSelector string
}

// Item is the result for one input URL.
type Item struct {
	URL     string                    `json:"url"`
	Outcome acquire.ExtractionOutcome `json:"outcome"`
	Fetch   *acquire.FetchResult      `json:"-"`
	Request acquire.ResourceRequest   `json:"-"`
	Err     error                     `json:"-"`
}

// Keep reports whether the item is worth emitting: it has a usable body or at
// least a title.
func (i Item) Keep() bool {
	return i.Outcome.Title != "" || (i.Err == nil && i.Outcome.HasContent())
}

// Batch holds per-item results in input order.
type Batch struct {
	Items      []Item
	Mode       governor.Mode
	Provenance credential.Provenance
}

// Err returns an error only when the batch is non-empty and no item can be
// kept. Partial degradation is not an error.
func (b Batch) Err() error {
	if len(b.Items) == 0 {
		return nil
	}
	errs := make([]error, 0, len(b.Items))
	for _, item := range b.Items {
		if item.Keep() {
			return nil
		}
		if item.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", item.URL, item.Err))
		}
	}
	return fmt.Errorf("%w: %w", ErrEmptyFeed, errors.Join(errs...))
}

// Pipeline wires the acquisition components together.
type Pipeline struct {
	cfg       Config
	resolver  *credential.Resolver
	cache     *dedup.Cache[acquire.FetchResult]
	fetcher   Fetcher
	extractor acquire.Extractor
	hosts     *hosts.Policy
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New builds a Pipeline.
func New(
	cfg Config,
	resolver *credential.Resolver,
	cache *dedup.Cache[acquire.FetchResult],
	fetcher Fetcher,
	extractor acquire.Extractor,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if resolver == nil {
		resolver = credential.NewResolver(credential.Config{}, logger)
	}
	if cache == nil {
		cache = dedup.New(dedup.Options[acquire.FetchResult]{Logger: logger, Name: "fetch"})
	}
	return &Pipeline{
		cfg:       cfg,
		resolver:  resolver,
		cache:     cache,
		fetcher:   fetcher,
		extractor: extractor,
		hosts:     hosts.New(cfg.Hosts),
		logger:    logger,
		tracer:    telemetry.Tracer(),
	}
}

// Acquire processes a batch. Item failures are local and recorded per item.
func (p *Pipeline) Acquire(ctx context.Context, req Request) Batch {
	urls := req.URLs
	if p.cfg.ItemLimit > 0 && len(urls) > p.cfg.ItemLimit {
		urls = urls[:p.cfg.ItemLimit]
	}
	ctx, span := p.tracer.Start(ctx, "pipeline.Acquire", trace.WithAttributes(attribute.Int("items", len(urls))))
	defer span.End()

	cred := p.resolver.Resolve(req.Credentials)
	mode := governor.ModeFor(req.Preferences, p.fetcher.Available(acquire.TierBrowser))
	batch := Batch{Items: make([]Item, len(urls)), Mode: mode, Provenance: cred.Provenance}

	requests := make([]acquire.ResourceRequest, 0, len(urls))
	positions := make([]int, 0, len(urls))
	for i, raw := range urls {
		batch.Items[i].URL = raw
		r, err := p.resourceRequest(raw, req, cred.Credential)
		if err != nil {
			batch.Items[i].Err = err
			continue
		}
		requests = append(requests, r)
		positions = append(positions, i)
	}

	results := governor.Run(ctx, mode, requests, p.process)
	for j, item := range results {
		batch.Items[positions[j]] = item
	}

	kept := 0
	for _, item := range batch.Items {
		if item.Keep() {
			kept++
		}
	}
	span.SetAttributes(attribute.String("mode", string(mode)), attribute.Int("kept", kept))
	if err := batch.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "empty feed")
	}
	p.logger.Info("batch acquired",
		zap.Int("items", len(batch.Items)),
		zap.Int("kept", kept),
		zap.String("mode", string(mode)),
		zap.String("provenance", string(cred.Provenance)),
	)
	return batch
}

func (p *Pipeline) process(ctx context.Context, req acquire.ResourceRequest) Item {
	item := Item{URL: req.ID, Request: req}
	res, err := p.cache.GetOrCompute(ctx, CacheKey(req), p.cfg.CacheTTL, func(ctx context.Context) (acquire.FetchResult, error) {
		return p.fetcher.Fetch(ctx, req)
	})
	if err != nil {
		p.logger.Warn("acquire failed", zap.String("url", req.ID), zap.Error(err))
		item.Err = err
		return item
	}
	item.Fetch = &res
	item.Outcome = p.extractor.Extract(res)

	switch {
	case !item.Outcome.HasContent():
		item.Err = acquire.ErrExtractionEmpty
	case item.Outcome.Degraded() && p.cfg.MetadataOnlyIsFailure:
		item.Err = fmt.Errorf("metadata only: %w", acquire.ErrExtractionEmpty)
	}
	if item.Err != nil {
		p.logger.Debug("extraction empty",
			zap.String("url", req.ID),
			zap.String("tier", res.Tier.String()),
			zap.Bool("has_title", item.Outcome.Title != ""),
		)
	}
	return item
}

// Invalidate drops the cached fetch for req.
func (p *Pipeline) Invalidate(ctx context.Context, req acquire.ResourceRequest) error {
	return p.cache.Invalidate(ctx, CacheKey(req))
}

// Forget drops the cached fetches a batch with the same URLs, credentials and
// preferences would use.
func (p *Pipeline) Forget(ctx context.Context, req Request) error {
	cred := p.resolver.Resolve(req.Credentials)
	errs := make([]error, 0, len(req.URLs))
	for _, raw := range req.URLs {
		r, err := p.resourceRequest(raw, req, cred.Credential)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, p.Invalidate(ctx, r))
	}
	return errors.Join(errs...)
}

// resourceRequest validates raw and applies the host policy: denied hosts are
// an error and browser-denied hosts lose the browser permission.
func (p *Pipeline) resourceRequest(raw string, req Request, cred string) (acquire.ResourceRequest, error) {
	r, err := acquire.NewResourceRequest(raw,
		acquire.WithCredentials(cred),
		acquire.WithPreferences(req.Preferences),
		acquire.WithTimeout(req.Timeout),
		acquire.WithContentSelector(req.ContentSelector),
	)
	if err != nil {
		return acquire.ResourceRequest{}, fmt.Errorf("build request: %w", err)
	}
	host := r.Host()
	if !p.hosts.AllowFetch(host) {
		return acquire.ResourceRequest{}, fmt.Errorf("%s: %w", host, hosts.ErrDenied)
	}
	if !p.hosts.AllowBrowser(host) {
		r.Preferences.AllowBrowserTier = false
	}
	return r, nil
}

// CacheKey identifies a logical resource: its URL, the permitted tiers, the
// content selector when a tier that honours it is permitted and a short
// fingerprint of the credential so anonymous and authenticated fetches never
// share an entry.
func CacheKey(req acquire.ResourceRequest) string {
	key := req.ID
	if req.Preferences.AllowBrowserTier {
		key += "#browser"
	}
	if req.Preferences.AllowExternalRenderTier {
		key += "#render"
	}
	if req.ContentSelector != "" &&
		(req.Preferences.AllowBrowserTier || req.Preferences.AllowExternalRenderTier) {
		key += "#sel=" + sha256.Fingerprint(req.ContentSelector, 12)
	}
	if req.HasCredentials() {
		key += "#cred=" + sha256.Fingerprint(req.Credentials, 12)
	}
	return key
}
