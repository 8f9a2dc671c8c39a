// Package extract turns fetched documents into the HTML fragment embedded in a
// feed item, using an ordered chain of selector strategies.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/dyatlov/go-opengraph/opengraph"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedpipe/internal/acquire"
	"github.com/JakeFAU/feedpipe/internal/metrics"
)

// DefaultStructural are generic content containers tried after the site selectors.
var DefaultStructural = []string{"article", "main", "[role=main]"}

// DefaultDenylist removes ads, signup prompts and embedded players.
var DefaultDenylist = []string{
	"script", "style", "noscript", "iframe", "embed", "object", "video", "audio",
	".ad", ".ads", ".advert", "[class*=advert]", "[id^=ad-]",
	".signup", ".newsletter", "[class*=newsletter]", ".subscribe", ".paywall-prompt",
	".player", ".video-player", "[data-player]",
}

// Rules is the ordered strategy configuration for one source.
type Rules struct {
	Primary    []string `mapstructure:"primary"`
	Alternate  []string `mapstructure:"alternate"`
	Structural []string `mapstructure:"structural"`
	Denylist   []string `mapstructure:"denylist"`
}

// Source overrides the default rules for one host.
type Source struct {
	Host  string `mapstructure:"host"`
	Rules `mapstructure:",squash"`
}

// Config holds the default rules and per-host overrides.
type Config struct {
	Rules   `mapstructure:",squash"`
	Sources []Source `mapstructure:"sources"`
}

// Extractor implements acquire.Extractor.
type Extractor struct {
	defaults Rules
	sources  map[string]Rules
	logger   *zap.Logger
}

var _ acquire.Extractor = (*Extractor)(nil)

// New validates every selector and builds an Extractor.
func New(cfg Config, logger *zap.Logger) (*Extractor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults, err := normalize(cfg.Rules, Rules{Structural: DefaultStructural, Denylist: DefaultDenylist})
	if err != nil {
		return nil, err
	}
	sources := make(map[string]Rules, len(cfg.Sources))
	for _, src := range cfg.Sources {
		host := strings.ToLower(strings.TrimSpace(src.Host))
		if host == "" {
			return nil, errors.New("source host required")
		}
		rules, err := normalize(src.Rules, defaults)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", host, err)
		}
		sources[host] = rules
	}
	return &Extractor{defaults: defaults, sources: sources, logger: logger}, nil
}

func normalize(r, fallback Rules) (Rules, error) {
	if len(r.Structural) == 0 {
		r.Structural = fallback.Structural
	}
	if len(r.Denylist) == 0 {
		r.Denylist = fallback.Denylist
	}
	for _, group := range [][]string{r.Primary, r.Alternate, r.Structural, r.Denylist} {
		for _, sel := range group {
			if _, err := cascadia.Compile(sel); err != nil {
				return Rules{}, fmt.Errorf("invalid selector %q: %w", sel, err)
			}
		}
	}
	return r, nil
}

// RulesFor returns the rules used for host.
func (e *Extractor) RulesFor(host string) Rules {
	if r, ok := e.sources[strings.ToLower(host)]; ok {
		return r
	}
	return e.defaults
}

// Extract applies the strategies in order: primary, alternate, structural,
// metadata and, for proxy-rendered fragments, the fragment itself. No match is
// a normal outcome with StrategyNone.
func (e *Extractor) Extract(res acquire.FetchResult) acquire.ExtractionOutcome {
	out := e.extract(res)
	metrics.ObserveExtraction(string(out.MatchedStrategy))
	return out
}

func (e *Extractor) extract(res acquire.FetchResult) acquire.ExtractionOutcome {
	out := acquire.ExtractionOutcome{MatchedStrategy: acquire.StrategyNone, Tier: res.Tier}
	if len(bytes.TrimSpace(res.Content)) == 0 {
		return out
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Content))
	if err != nil {
		e.logger.Debug("parse document failed", zap.String("url", res.URL), zap.Error(err))
		return out
	}

	og := opengraph.NewOpenGraph()
	if err := og.ProcessHTML(bytes.NewReader(res.Content)); err != nil {
		e.logger.Debug("parse opengraph failed", zap.String("url", res.URL), zap.Error(err))
	}
	out.Title = title(og, doc)

	rules := e.RulesFor(hostOf(res.URL))
	clean := Denoise(doc, rules.Denylist)
	strategies := []struct {
		strategy  acquire.Strategy
		selectors []string
	}{
		{acquire.StrategyPrimary, rules.Primary},
		{acquire.StrategyAlternate, rules.Alternate},
		{acquire.StrategyStructural, rules.Structural},
	}
	for _, s := range strategies {
		if fragment, ok := FirstMatch(clean, s.selectors); ok {
			out.HTML, out.MatchedStrategy = fragment, s.strategy
			return out
		}
	}

	if desc := description(og, doc); desc != "" {
		out.HTML = "<p>" + html.EscapeString(desc) + "</p>"
		out.MatchedStrategy = acquire.StrategyMetadata
		return out
	}

	if res.Tier == acquire.TierExternalRender {
		if body, err := clean.Find("body").Html(); err == nil && strings.TrimSpace(body) != "" {
			out.HTML, out.MatchedStrategy = strings.TrimSpace(body), acquire.StrategyFragment
		}
	}
	return out
}

// Denoise returns a copy of doc with every denylisted element removed; doc is
// left untouched.
func Denoise(doc *goquery.Document, denylist []string) *goquery.Document {
	clean := goquery.CloneDocument(doc)
	if len(denylist) > 0 {
		clean.Find(strings.Join(denylist, ", ")).Remove()
	}
	return clean
}

// FirstMatch returns the inner HTML of the first selector whose first match
// has text or media.
func FirstMatch(doc *goquery.Document, selectors []string) (string, bool) {
	for _, sel := range selectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		if strings.TrimSpace(node.Text()) == "" && node.Find("img").Length() == 0 {
			continue
		}
		fragment, err := node.Html()
		if err != nil {
			continue
		}
		if fragment = strings.TrimSpace(fragment); fragment != "" {
			return fragment, true
		}
	}
	return "", false
}

func title(og *opengraph.OpenGraph, doc *goquery.Document) string {
	if t := strings.TrimSpace(og.Title); t != "" {
		return t
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func description(og *opengraph.OpenGraph, doc *goquery.Document) string {
	if d := strings.TrimSpace(og.Description); d != "" {
		return d
	}
	d, _ := doc.Find(`meta[name="description"]`).First().Attr("content")
	return strings.TrimSpace(d)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
