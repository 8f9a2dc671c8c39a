package acquire

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds each tier attempt when the caller does not set one.
const DefaultTimeout = 20 * time.Second

// ResourceRequest describes one logical resource to acquire. It is passed by
// value and has no mutating methods.
type ResourceRequest struct {
	ID              string          `json:"id"`
	Credentials     string          `json:"-"`
	Preferences     TierPreferences `json:"preferences"`
	Timeout         time.Duration   `json:"timeout"`
	ContentSelector string          `json:"content_selector,omitempty"`
}

// RequestOption customizes a ResourceRequest during construction.
type RequestOption func(*ResourceRequest)

// WithCredentials injects the resolved credential string.
func WithCredentials(credential string) RequestOption {
	return func(r *ResourceRequest) {
		r.Credentials = credential
	}
}

// WithPreferences sets the tier escalation permissions.
func WithPreferences(prefs TierPreferences) RequestOption {
	return func(r *ResourceRequest) {
		r.Preferences = prefs
	}
}

// WithTimeout sets the per-tier timeout.
func WithTimeout(d time.Duration) RequestOption {
	return func(r *ResourceRequest) {
		r.Timeout = d
	}
}

// WithContentSelector sets the selector the browser waits for and the render proxy extracts.
func WithContentSelector(selector string) RequestOption {
	return func(r *ResourceRequest) {
		r.ContentSelector = strings.TrimSpace(selector)
	}
}

// NewResourceRequest validates id as an absolute http(s) URL and applies options.
func NewResourceRequest(id string, opts ...RequestOption) (ResourceRequest, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return ResourceRequest{}, errors.New("resource id required")
	}
	u, err := url.Parse(id)
	if err != nil {
		return ResourceRequest{}, fmt.Errorf("parse resource id: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ResourceRequest{}, fmt.Errorf("resource id %q must be an http(s) URL", id)
	}
	if u.Host == "" {
		return ResourceRequest{}, fmt.Errorf("resource id %q has no host", id)
	}
	req := ResourceRequest{ID: id}
	for _, opt := range opts {
		opt(&req)
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	return req, nil
}

// Host returns the lowercase hostname of the request target.
func (r ResourceRequest) Host() string {
	u, err := url.Parse(r.ID)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// HasCredentials reports whether a credential was resolved for the request.
func (r ResourceRequest) HasCredentials() bool {
	return strings.TrimSpace(r.Credentials) != ""
}
