// Package hosts decides per host whether a resource may be fetched at all and
// whether it may escalate to the browser tier.
package hosts

import (
	"errors"
	"strings"
)

// ErrDenied is returned for resources on a denied host.
var ErrDenied = errors.New("host denied")

// Config lists host patterns. A pattern is an exact host or a suffix wildcard
// written as "*.example.com" or ".example.com".
type Config struct {
	Denied        []string `mapstructure:"denied"`
	BrowserDenied []string `mapstructure:"browser_denied"`
}

// Policy implements the host checks. The zero value and nil allow everything.
type Policy struct {
	denied        *patternSet
	browserDenied *patternSet
}

// New builds a Policy from cfg.
func New(cfg Config) *Policy {
	return &Policy{
		denied:        newPatternSet(cfg.Denied),
		browserDenied: newPatternSet(cfg.BrowserDenied),
	}
}

// AllowFetch reports whether host may be fetched.
func (p *Policy) AllowFetch(host string) bool {
	return p == nil || !p.denied.match(host)
}

// AllowBrowser reports whether host may use the browser tier.
func (p *Policy) AllowBrowser(host string) bool {
	return p == nil || !p.browserDenied.match(host)
}

type patternSet struct {
	exact    map[string]struct{}
	suffixes []string
}

func newPatternSet(patterns []string) *patternSet {
	set := &patternSet{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
			continue
		case strings.HasPrefix(value, "*."):
			set.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			set.addSuffix(strings.TrimPrefix(value, "."))
		default:
			set.exact[value] = struct{}{}
		}
	}
	if len(set.exact) == 0 && len(set.suffixes) == 0 {
		return nil
	}
	return set
}

func (s *patternSet) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range s.suffixes {
		if existing == suffix {
			return
		}
	}
	s.suffixes = append(s.suffixes, suffix)
}

func (s *patternSet) match(host string) bool {
	if s == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, ok := s.exact[host]; ok {
		return true
	}
	for _, suffix := range s.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
