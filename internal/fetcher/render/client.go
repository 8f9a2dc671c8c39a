// Package render implements the ExternalRender retrieval tier: a rendering
// proxy that loads the target and returns the HTML fragments matching a selector.
package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedpipe/internal/acquire"
	"github.com/JakeFAU/feedpipe/internal/clock/system"
	"github.com/JakeFAU/feedpipe/internal/metrics"
)

const defaultTimeout = 60 * time.Second

// Config configures the proxy endpoint. An empty Endpoint disables the tier.
type Config struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// Selector is sent when the request carries no content selector.
	Selector string `mapstructure:"selector"`
	// Token, when set, is sent as a bearer token.
	Token string `mapstructure:"token"`
}

// Fetcher implements acquire.TierFetcher against a rendering proxy.
type Fetcher struct {
	cfg    Config
	client *resty.Client
	logger *zap.Logger
	clock  acquire.Clock
}

var _ acquire.TierFetcher = (*Fetcher)(nil)

// New builds a Fetcher. A nil client gets a fresh resty client.
func New(cfg Config, client *resty.Client, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if client == nil {
		client = resty.New()
	}
	client.SetTimeout(cfg.Timeout)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, client: client, logger: logger, clock: system.New()}
}

// Configured reports whether an endpoint is set.
func (f *Fetcher) Configured() bool {
	return f.cfg.Endpoint != ""
}

// Tier implements acquire.TierFetcher.
func (f *Fetcher) Tier() acquire.Tier {
	return acquire.TierExternalRender
}

// Fetch asks the proxy to render req and returns the first non-blank fragment.
// An empty fragment list is reported as a blocked tier.
func (f *Fetcher) Fetch(ctx context.Context, req acquire.ResourceRequest) (acquire.FetchResult, error) {
	if !f.Configured() {
		return acquire.FetchResult{}, acquire.NewTierError(acquire.TierExternalRender, acquire.ReasonUnavailable,
			errors.New("render endpoint not configured"))
	}

	res, err := f.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetQueryParam("url", req.ID).
		SetQueryParam("selector", f.selector(req)).
		Get(f.cfg.Endpoint)
	if err != nil {
		return acquire.FetchResult{}, fmt.Errorf("render request: %w", err)
	}
	if res.IsError() {
		return acquire.FetchResult{}, fmt.Errorf("render proxy returned %s", res.Status())
	}

	fragments, err := decodeFragments(res.Body())
	if err != nil {
		return acquire.FetchResult{}, acquire.NewTierError(acquire.TierExternalRender, acquire.ReasonInvalid, err)
	}
	fragment, ok := firstFragment(fragments)
	if !ok {
		return acquire.FetchResult{}, acquire.NewTierError(acquire.TierExternalRender, acquire.ReasonBlocked,
			fmt.Errorf("proxy returned %d fragments, none usable", len(fragments)))
	}

	metrics.ObserveFetchedBytes(req.ID, len(fragment))
	f.logger.Debug("render proxy fetch complete",
		zap.String("url", req.ID),
		zap.Int("fragments", len(fragments)),
	)
	return acquire.FetchResult{
		URL:        req.ID,
		Tier:       acquire.TierExternalRender,
		StatusCode: res.StatusCode(),
		Content:    []byte(fragment),
		FetchedAt:  f.clock.Now(),
	}, nil
}

func (f *Fetcher) selector(req acquire.ResourceRequest) string {
	if req.ContentSelector != "" {
		return req.ContentSelector
	}
	return f.cfg.Selector
}

// decodeFragments accepts {"fragments": [...]} or a bare JSON array.
func decodeFragments(body []byte) ([]string, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var list []string
		if err := json.Unmarshal([]byte(trimmed), &list); err != nil {
			return nil, fmt.Errorf("decode fragment list: %w", err)
		}
		return list, nil
	}
	var envelope struct {
		Fragments []string `json:"fragments"`
	}
	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		return nil, fmt.Errorf("decode fragment envelope: %w", err)
	}
	return envelope.Fragments, nil
}

func firstFragment(fragments []string) (string, bool) {
	for _, f := range fragments {
		if strings.TrimSpace(f) != "" {
			return f, true
		}
	}
	return "", false
}
