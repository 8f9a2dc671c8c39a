// Package acquire defines the core types shared by the content acquisition
// pipeline: resource requests, retrieval tiers, fetch results and extraction
// outcomes.
package acquire

import (
	"fmt"
	"strings"
	"time"
)

// Tier identifies one retrieval strategy. Tiers are ordered; a later tier is only
// attempted after every earlier permitted tier failed.
type Tier int

// Retrieval tiers in escalation order.
const (
	TierDirect Tier = iota
	TierBrowser
	TierExternalRender
)

// Tiers lists every tier in escalation order.
var Tiers = []Tier{TierDirect, TierBrowser, TierExternalRender}

func (t Tier) String() string {
	switch t {
	case TierDirect:
		return "direct"
	case TierBrowser:
		return "browser"
	case TierExternalRender:
		return "external_render"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "direct":
		*t = TierDirect
	case "browser":
		*t = TierBrowser
	case "external_render":
		*t = TierExternalRender
	default:
		return fmt.Errorf("unknown tier %q", string(text))
	}
	return nil
}

// TierPreferences carries the per-request escalation permissions.
type TierPreferences struct {
	AllowBrowserTier        bool `json:"allow_browser_tier" mapstructure:"allow_browser_tier"`
	AllowExternalRenderTier bool `json:"allow_external_render_tier" mapstructure:"allow_external_render_tier"`
}

// Permits reports whether the preferences allow the given tier. Direct is always permitted.
func (p TierPreferences) Permits(t Tier) bool {
	switch t {
	case TierDirect:
		return true
	case TierBrowser:
		return p.AllowBrowserTier
	case TierExternalRender:
		return p.AllowExternalRenderTier
	default:
		return false
	}
}

// AttemptOutcome summarizes how one tier attempt ended.
type AttemptOutcome string

// Attempt outcomes recorded by the tiered fetcher.
const (
	OutcomeSuccess     AttemptOutcome = "success"
	OutcomeBlocked     AttemptOutcome = "blocked"
	OutcomeInvalid     AttemptOutcome = "invalid"
	OutcomeFailed      AttemptOutcome = "failed"
	OutcomeUnavailable AttemptOutcome = "unavailable"
)

// Attempt records a single tier attempt.
type Attempt struct {
	Tier     Tier           `json:"tier"`
	Outcome  AttemptOutcome `json:"outcome"`
	Detail   string         `json:"detail,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// FetchResult is produced by the tiered fetcher and consumed by the extractor.
// It is never mutated after construction.
type FetchResult struct {
	URL             string    `json:"url"`
	Tier            Tier      `json:"tier"`
	StatusCode      int       `json:"status_code"`
	Content         []byte    `json:"content"`
	IsChallengePage bool      `json:"is_challenge_page"`
	Partial         bool      `json:"partial,omitempty"`
	FetchedAt       time.Time `json:"fetched_at"`
	Attempts        []Attempt `json:"attempts,omitempty"`
}

// Strategy names the extraction strategy that produced an outcome.
type Strategy string

// Extraction strategies in evaluation order.
const (
	StrategyNone       Strategy = "none"
	StrategyPrimary    Strategy = "primary"
	StrategyAlternate  Strategy = "alternate"
	StrategyStructural Strategy = "structural"
	StrategyMetadata   Strategy = "metadata"
	StrategyFragment   Strategy = "fragment"
)

// ExtractionOutcome is the terminal value returned to a route.
type ExtractionOutcome struct {
	HTML            string   `json:"html,omitempty"`
	Title           string   `json:"title,omitempty"`
	MatchedStrategy Strategy `json:"matched_strategy"`
	Tier            Tier     `json:"tier"`
}

// HasContent reports whether a strategy yielded a body.
func (o ExtractionOutcome) HasContent() bool {
	return o.MatchedStrategy != StrategyNone && o.MatchedStrategy != "" && o.HTML != ""
}

// Degraded reports whether the body only came from page metadata.
func (o ExtractionOutcome) Degraded() bool {
	return o.MatchedStrategy == StrategyMetadata
}

// Verdict is a detector's judgement of fetched content.
type Verdict struct {
	Usable    bool
	Challenge bool
	Reason    string
}
