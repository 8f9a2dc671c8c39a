// Package credential merges credential material from request, transport and
// process configuration by precedence.
package credential

import (
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedpipe/internal/acquire"
)

// Provenance names the source a resolved credential came from.
type Provenance string

// Credential sources, highest precedence first.
const (
	ProvenanceQuery       Provenance = "query"
	ProvenanceHeader      Provenance = "header"
	ProvenanceEnvironment Provenance = "environment"
	ProvenanceNone        Provenance = "none"
)

const defaultPreviewLen = 6

// Config is the process-wide credential configuration. It is built once at
// startup and never mutated.
type Config struct {
	// Environment is the process-wide default credential.
	Environment string `mapstructure:"environment"`
	// Layered appends the environment value after a query or header winner.
	Layered bool `mapstructure:"layered"`
	// PreviewLen bounds how many characters of a credential are logged.
	PreviewLen int `mapstructure:"preview_len"`
}

// Sources carries the request-scoped credential inputs.
type Sources struct {
	Query  string
	Header string
}

// Entry is one credential value and where it came from.
type Entry struct {
	Source Provenance
	Value  string
}

// Bundle is the ordered list of non-empty credential sources for one request.
type Bundle []Entry

// Resolution is the merged credential plus provenance.
type Resolution struct {
	Credential string
	Provenance Provenance
}

// Err returns acquire.ErrCredentialMissing when nothing was resolved. Absence is
// a legal state; callers only use this for reporting.
func (r Resolution) Err() error {
	if r.Credential == "" {
		return acquire.ErrCredentialMissing
	}
	return nil
}

// Resolver merges credentials by precedence: query, header, environment.
type Resolver struct {
	cfg    Config
	logger *zap.Logger
}

// NewResolver builds a Resolver.
func NewResolver(cfg Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PreviewLen <= 0 {
		cfg.PreviewLen = defaultPreviewLen
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	return &Resolver{cfg: cfg, logger: logger}
}

// Bundle collects every non-empty source in precedence order.
func (r *Resolver) Bundle(src Sources) Bundle {
	bundle := make(Bundle, 0, 3)
	if v := strings.TrimSpace(src.Query); v != "" {
		bundle = append(bundle, Entry{Source: ProvenanceQuery, Value: v})
	}
	if v := strings.TrimSpace(src.Header); v != "" {
		bundle = append(bundle, Entry{Source: ProvenanceHeader, Value: v})
	}
	if r.cfg.Environment != "" {
		bundle = append(bundle, Entry{Source: ProvenanceEnvironment, Value: r.cfg.Environment})
	}
	return bundle
}

// Resolve picks the highest-precedence credential and emits an audit record.
func (r *Resolver) Resolve(src Sources) Resolution {
	res := r.Bundle(src).Resolve(r.cfg.Layered)
	r.logger.Debug("credential resolved",
		zap.String("provenance", string(res.Provenance)),
		zap.String("preview", Preview(res.Credential, r.cfg.PreviewLen)),
		zap.Int("length", len(res.Credential)),
	)
	return res
}

// Resolve merges the bundle. Without layering the first entry wins outright.
func (b Bundle) Resolve(layered bool) Resolution {
	if len(b) == 0 {
		return Resolution{Provenance: ProvenanceNone}
	}
	winner := b[0]
	res := Resolution{Credential: winner.Value, Provenance: winner.Source}
	if !layered || winner.Source == ProvenanceEnvironment {
		return res
	}
	for _, e := range b[1:] {
		if e.Source != ProvenanceEnvironment {
			continue
		}
		res.Credential = joinCookies(res.Credential, e.Value)
	}
	return res
}

// Values returns the raw values in precedence order.
func (b Bundle) Values() []string {
	out := make([]string, 0, len(b))
	for _, e := range b {
		out = append(out, e.Value)
	}
	return out
}

// joinCookies appends the pairs of extra not already present in base.
func joinCookies(base, extra string) string {
	seen := make(map[string]struct{})
	parts := make([]string, 0, 8)
	for _, p := range splitPairs(base) {
		seen[p] = struct{}{}
		parts = append(parts, p)
	}
	for _, p := range splitPairs(extra) {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		parts = append(parts, p)
	}
	return strings.Join(parts, "; ")
}

func splitPairs(raw string) []string {
	fields := strings.Split(raw, ";")
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Preview returns at most n leading runes of a credential followed by an ellipsis.
func Preview(credential string, n int) string {
	if credential == "" {
		return ""
	}
	runes := []rune(credential)
	if n <= 0 {
		return "…"
	}
	if len(runes) <= n {
		// never show a short credential in full
		return strings.Repeat("*", len(runes))
	}
	return string(runes[:n]) + "…"
}
