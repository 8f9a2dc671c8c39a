// Package detector judges whether fetched content is a real document or an
// anti-bot interstitial, an error page or a script-only shell.
package detector

import (
	"bytes"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/feedpipe/internal/acquire"
)

// DefaultSignatures are case-insensitive vendor markers seen on common
// challenge pages. They match anywhere in the body.
var DefaultSignatures = []string{
	"cf-browser-verification",
	"captcha-delivery",
	"_Incapsula_Resource",
	"px-captcha",
}

// DefaultPhrases are generic challenge wordings. Articles quote them, so they
// only match inside <title> or in bodies smaller than PhraseBodyLimit.
var DefaultPhrases = []string{
	"Just a moment...",
	"Access Denied",
	"Attention Required",
}

// PhraseBodyLimit is the body size below which phrases match outside <title>.
const PhraseBodyLimit = 2048

// DefaultBlockedStatuses are response codes treated as a block rather than a miss.
var DefaultBlockedStatuses = []int{http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable}

// DefaultShellThreshold is the Direct body size below which script-heavy pages count as unrendered shells.
const DefaultShellThreshold = 2048

var (
	utf8BOM = []byte("\xef\xbb\xbf")
	titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
)

// Config tunes the heuristic. Empty slices fall back to the defaults.
type Config struct {
	Signatures      []string `mapstructure:"signatures"`
	Phrases         []string `mapstructure:"phrases"`
	Patterns        []string `mapstructure:"patterns"`
	MarkupPrefixes  []string `mapstructure:"markup_prefixes"`
	BlockedStatuses []int    `mapstructure:"blocked_statuses"`
	// ShellThreshold is the body size below which a script-dominated Direct
	// response is considered an unrendered shell. Negative disables the check.
	ShellThreshold int `mapstructure:"shell_threshold"`
	// RequiredSelectors must all match a Direct response for it to be usable.
	RequiredSelectors []string `mapstructure:"required_selectors"`
}

// Heuristic implements acquire.ChallengeDetector with rule-based checks.
type Heuristic struct {
	signatures     [][]byte
	phrases        [][]byte
	patterns       []*regexp.Regexp
	prefixes       [][]byte
	blocked        map[int]struct{}
	shellThreshold int
	required       []string
}

var _ acquire.ChallengeDetector = (*Heuristic)(nil)

// New compiles a Heuristic from cfg.
func New(cfg Config) (*Heuristic, error) {
	if len(cfg.Signatures) == 0 {
		cfg.Signatures = DefaultSignatures
	}
	if len(cfg.Phrases) == 0 {
		cfg.Phrases = DefaultPhrases
	}
	if len(cfg.MarkupPrefixes) == 0 {
		cfg.MarkupPrefixes = []string{"<"}
	}
	if len(cfg.BlockedStatuses) == 0 {
		cfg.BlockedStatuses = DefaultBlockedStatuses
	}
	if cfg.ShellThreshold == 0 {
		cfg.ShellThreshold = DefaultShellThreshold
	}

	h := &Heuristic{blocked: make(map[int]struct{}, len(cfg.BlockedStatuses)), shellThreshold: cfg.ShellThreshold}
	for _, s := range cfg.Signatures {
		if s = strings.TrimSpace(s); s != "" {
			h.signatures = append(h.signatures, []byte(strings.ToLower(s)))
		}
	}
	for _, s := range cfg.Phrases {
		if s = strings.TrimSpace(s); s != "" {
			h.phrases = append(h.phrases, []byte(strings.ToLower(s)))
		}
	}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile challenge pattern %q: %w", p, err)
		}
		h.patterns = append(h.patterns, re)
	}
	for _, p := range cfg.MarkupPrefixes {
		if p != "" {
			h.prefixes = append(h.prefixes, []byte(p))
		}
	}
	for _, sel := range cfg.RequiredSelectors {
		if sel = strings.TrimSpace(sel); sel != "" {
			h.required = append(h.required, sel)
		}
	}
	for _, code := range cfg.BlockedStatuses {
		h.blocked[code] = struct{}{}
	}
	return h, nil
}

// MustDefault returns a Heuristic with the default rules.
func MustDefault() *Heuristic {
	h, err := New(Config{})
	if err != nil {
		panic(err)
	}
	return h
}

// Inspect classifies a fetch result.
func (h *Heuristic) Inspect(res acquire.FetchResult) acquire.Verdict {
	if _, ok := h.blocked[res.StatusCode]; ok {
		return acquire.Verdict{Challenge: true, Reason: fmt.Sprintf("status %d", res.StatusCode)}
	}
	if res.StatusCode >= http.StatusBadRequest {
		return acquire.Verdict{Reason: fmt.Sprintf("status %d", res.StatusCode)}
	}

	body := bytes.TrimSpace(bytes.TrimPrefix(res.Content, utf8BOM))
	if len(body) == 0 {
		return acquire.Verdict{Reason: "empty body"}
	}

	if reason, ok := h.challenge(body); ok {
		return acquire.Verdict{Challenge: true, Reason: reason}
	}

	// External render fragments may legitimately be plain text.
	if res.Tier != acquire.TierExternalRender && !h.hasMarkupPrefix(body) {
		return acquire.Verdict{Reason: "not markup"}
	}

	if res.Tier == acquire.TierDirect && h.shellThreshold > 0 &&
		len(body) < h.shellThreshold && scriptDensityHigh(body) {
		return acquire.Verdict{Reason: "script shell"}
	}
	if res.Tier == acquire.TierDirect {
		if sel, ok := h.missingSelector(body); ok {
			return acquire.Verdict{Reason: fmt.Sprintf("missing %q", sel)}
		}
	}
	return acquire.Verdict{Usable: true}
}

func (h *Heuristic) challenge(body []byte) (string, bool) {
	lower := bytes.ToLower(body)
	for _, sig := range h.signatures {
		if bytes.Contains(lower, sig) {
			return fmt.Sprintf("signature %q", sig), true
		}
	}
	if reason, ok := h.phrase(lower); ok {
		return reason, true
	}
	for _, re := range h.patterns {
		if re.Match(body) {
			return fmt.Sprintf("pattern %q", re.String()), true
		}
	}
	return "", false
}

// phrase matches generic wordings in the title, or anywhere in a small body.
func (h *Heuristic) phrase(lower []byte) (string, bool) {
	if len(h.phrases) == 0 {
		return "", false
	}
	scope := lower
	if len(lower) >= PhraseBodyLimit {
		m := titleRe.FindSubmatch(lower)
		if m == nil {
			return "", false
		}
		scope = m[1]
	}
	for _, p := range h.phrases {
		if bytes.Contains(scope, p) {
			return fmt.Sprintf("phrase %q", p), true
		}
	}
	return "", false
}

func (h *Heuristic) missingSelector(body []byte) (string, bool) {
	if len(h.required) == 0 {
		return "", false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "document", true
	}
	for _, sel := range h.required {
		if doc.Find(sel).Length() == 0 {
			return sel, true
		}
	}
	return "", false
}

func (h *Heuristic) hasMarkupPrefix(body []byte) bool {
	for _, p := range h.prefixes {
		if bytes.HasPrefix(body, p) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether at least a quarter of body is <script> content.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// malformed tag: count the rest
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}
