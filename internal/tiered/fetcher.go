// Package tiered escalates a resource request through the retrieval tiers in
// fixed order until one yields usable content.
package tiered

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
	"github.com/JakeFAU/feedpipe/internal/clock/system"
	"github.com/JakeFAU/feedpipe/internal/metrics"
	"github.com/JakeFAU/feedpipe/internal/telemetry"
)

// configurable is implemented by tiers that can be present but switched off.
type configurable interface {
	Configured() bool
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithTier registers the fetcher for its tier, replacing any earlier one.
func WithTier(t acquire.TierFetcher) Option {
	return func(f *Fetcher) {
		if t != nil {
			f.tiers[t.Tier()] = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithClock sets the clock used to time attempts.
func WithClock(c acquire.Clock) Option {
	return func(f *Fetcher) { f.clock = c }
}

// WithTracer overrides the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(f *Fetcher) { f.tracer = t }
}

// Fetcher runs the tier state machine. It is safe for concurrent use as long
// as the registered tiers are.
type Fetcher struct {
	tiers    map[acquire.Tier]acquire.TierFetcher
	detector acquire.ChallengeDetector
	logger   *zap.Logger
	clock    acquire.Clock
	tracer   trace.Tracer
}

// New builds a Fetcher judging content with detector.
func New(detector acquire.ChallengeDetector, opts ...Option) *Fetcher {
	f := &Fetcher{tiers: make(map[acquire.Tier]acquire.TierFetcher, len(acquire.Tiers)), detector: detector}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	if f.clock == nil {
		f.clock = system.New()
	}
	if f.tracer == nil {
		f.tracer = telemetry.Tracer()
	}
	return f
}

// Available reports whether tier is registered and configured.
func (f *Fetcher) Available(tier acquire.Tier) bool {
	t, ok := f.tiers[tier]
	if !ok {
		return false
	}
	if c, ok := t.(configurable); ok {
		return c.Configured()
	}
	return true
}

// Fetch attempts each tier permitted by req.Preferences in escalation order.
// Every tier runs at most once with its own timeout. When no tier produces
// usable content the error is an *acquire.ExhaustedError naming the last tier
// that was invoked. Cancellation of ctx stops escalation.
func (f *Fetcher) Fetch(ctx context.Context, req acquire.ResourceRequest) (acquire.FetchResult, error) {
	ctx, span := f.tracer.Start(ctx, "tiered.Fetch", trace.WithAttributes(attribute.String("url", req.ID)))
	defer span.End()

	var (
		attempts []acquire.Attempt
		last     = acquire.TierDirect
		invoked  bool
	)
	for _, tier := range acquire.Tiers {
		if !req.Preferences.Permits(tier) {
			continue
		}
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "canceled")
			return acquire.FetchResult{}, fmt.Errorf("fetch %s: %w", req.ID, err)
		}

		res, attempt, ran := f.attempt(ctx, tier, req)
		attempts = append(attempts, attempt)
		if ran {
			last, invoked = tier, true
		}
		if attempt.Outcome == acquire.OutcomeSuccess {
			res.Attempts = attempts
			span.SetAttributes(attribute.String("tier", tier.String()))
			return res, nil
		}
	}

	if !invoked && len(attempts) > 0 {
		last = attempts[len(attempts)-1].Tier
	}
	err := &acquire.ExhaustedError{LastTier: last, Attempts: attempts}
	span.RecordError(err)
	span.SetStatus(codes.Error, "exhausted")
	f.logger.Info("all tiers exhausted", zap.String("url", req.ID), zap.String("last_tier", last.String()))
	return acquire.FetchResult{}, err
}

// attempt runs one tier. ran is false when the tier was skipped without being invoked.
func (f *Fetcher) attempt(ctx context.Context, tier acquire.Tier, req acquire.ResourceRequest) (acquire.FetchResult, acquire.Attempt, bool) {
	attempt := acquire.Attempt{Tier: tier}

	fetcher, ok := f.tiers[tier]
	if !ok || !f.Available(tier) {
		attempt.Outcome = acquire.OutcomeUnavailable
		attempt.Detail = "not configured"
		f.record(req, attempt)
		return acquire.FetchResult{}, attempt, false
	}
	if gated, ok := fetcher.(acquire.CredentialGated); ok && gated.RequiresCredential() && !req.HasCredentials() {
		attempt.Outcome = acquire.OutcomeUnavailable
		attempt.Detail = acquire.ErrCredentialMissing.Error()
		f.record(req, attempt)
		return acquire.FetchResult{}, attempt, false
	}

	tierCtx, span := f.tracer.Start(ctx, "tier."+tier.String())
	defer span.End()
	tierCtx, cancel := context.WithTimeout(tierCtx, timeout(req))
	defer cancel()

	start := f.clock.Now()
	res, err := fetcher.Fetch(tierCtx, req)
	attempt.Duration = f.clock.Now().Sub(start)

	switch {
	case err != nil:
		tierErr := classify(tier, err)
		attempt.Outcome = tierErr.Outcome()
		attempt.Detail = tierErr.Error()
		span.RecordError(err)
	default:
		res.Tier = tier
		verdict := f.detector.Inspect(res)
		switch {
		case verdict.Usable:
			attempt.Outcome = acquire.OutcomeSuccess
		case verdict.Challenge:
			res.IsChallengePage = true
			attempt.Outcome = acquire.OutcomeBlocked
			attempt.Detail = verdict.Reason
		default:
			attempt.Outcome = acquire.OutcomeInvalid
			attempt.Detail = verdict.Reason
		}
	}
	span.SetAttributes(attribute.String("outcome", string(attempt.Outcome)))
	f.record(req, attempt)
	return res, attempt, true
}

func (f *Fetcher) record(req acquire.ResourceRequest, a acquire.Attempt) {
	metrics.ObserveTierAttempt(a.Tier.String(), string(a.Outcome), a.Duration)
	fields := []zap.Field{
		zap.String("url", req.ID),
		zap.String("tier", a.Tier.String()),
		zap.String("outcome", string(a.Outcome)),
		zap.Duration("duration", a.Duration),
	}
	if a.Detail != "" {
		fields = append(fields, zap.String("detail", a.Detail))
	}
	f.logger.Debug("tier attempt", fields...)
}

// classify maps a tier's error to a TierError, keeping one the tier already built.
func classify(tier acquire.Tier, err error) *acquire.TierError {
	var tierErr *acquire.TierError
	if errors.As(err, &tierErr) {
		return tierErr
	}
	switch {
	case errors.Is(err, acquire.ErrTierUnavailable):
		return acquire.NewTierError(tier, acquire.ReasonUnavailable, err)
	case errors.Is(err, acquire.ErrTierBlocked):
		return acquire.NewTierError(tier, acquire.ReasonBlocked, err)
	default:
		return acquire.NewTierError(tier, acquire.ReasonTransport, err)
	}
}

func timeout(req acquire.ResourceRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return acquire.DefaultTimeout
}
