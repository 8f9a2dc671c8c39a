package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedpipe/internal/acquire"
	"github.com/JakeFAU/feedpipe/internal/credential"
	"github.com/JakeFAU/feedpipe/internal/pipeline"
)

// CredentialHeader carries a per-request credential. The Cookie header is used
// when it is absent.
const CredentialHeader = "X-Feed-Credential"

// ItemResponse is the JSON form of one acquired item.
type ItemResponse struct {
	URL      string            `json:"url"`
	Title    string            `json:"title,omitempty"`
	HTML     string            `json:"html,omitempty"`
	Strategy acquire.Strategy  `json:"strategy,omitempty"`
	Tier     string            `json:"tier,omitempty"`
	Degraded bool              `json:"degraded,omitempty"`
	Partial  bool              `json:"partial,omitempty"`
	Attempts []acquire.Attempt `json:"attempts,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// BatchResponse is the JSON form of a batch.
type BatchResponse struct {
	Mode       string         `json:"mode"`
	Provenance string         `json:"provenance"`
	Items      []ItemResponse `json:"items"`
	Error      string         `json:"error,omitempty"`
}

type batchRequest struct {
	URLs     []string `json:"urls"`
	Cookie   string   `json:"cookie"`
	Browser  *bool    `json:"browser"`
	Render   *bool    `json:"render"`
	Selector string   `json:"selector"`
}

// acquireOne handles GET /v1/acquire?url=&cookie=&browser=&render=&selector=.
// It returns the item with 200 when it has content or a title, 400 for bad
// parameters and 502 when acquisition failed outright.
func (s *Server) acquireOne(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := strings.TrimSpace(q.Get("url"))
	if target == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if _, err := acquire.NewResourceRequest(target); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	prefs, err := s.parsePreferences(q.Get("browser"), q.Get("render"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	batch := s.acquirer.Acquire(r.Context(), s.pipelineRequest(r, []string{target}, q.Get("cookie"), prefs, q.Get("selector")))
	if len(batch.Items) == 0 {
		writeError(w, http.StatusInternalServerError, "no result")
		return
	}
	item := batch.Items[0]
	status := http.StatusOK
	if !item.Keep() {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, NewItemResponse(item))
}

// acquireBatch handles POST /v1/batch. A batch in which no item yielded
// content or a title is answered with 502; partial failures are 200.
func (s *Server) acquireBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	prefs := s.opts.Preferences
	if req.Browser != nil {
		prefs.AllowBrowserTier = *req.Browser
	}
	if req.Render != nil {
		prefs.AllowExternalRenderTier = *req.Render
	}

	batch := s.acquirer.Acquire(r.Context(), s.pipelineRequest(r, req.URLs, req.Cookie, prefs, req.Selector))
	out := NewBatchResponse(batch)
	status := http.StatusOK
	if out.Error != "" {
		s.logger.Warn("batch failed", zap.String("request_id", RequestID(r.Context())), zap.String("error", out.Error))
		status = http.StatusBadGateway
	}
	writeJSON(w, status, out)
}

// forget handles DELETE /v1/cache?url=...&browser=&render=&cookie=.
func (s *Server) forget(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	urls := q["url"]
	if len(urls) == 0 {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	prefs, err := s.parsePreferences(q.Get("browser"), q.Get("render"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.acquirer.Forget(r.Context(), s.pipelineRequest(r, urls, q.Get("cookie"), prefs, "")); err != nil {
		s.logger.Error("cache invalidation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to invalidate cache")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pipelineRequest(
	r *http.Request,
	urls []string,
	queryCredential string,
	prefs acquire.TierPreferences,
	selector string,
) pipeline.Request {
	if strings.TrimSpace(selector) == "" {
		selector = s.opts.ContentSelector
	}
	return pipeline.Request{
		URLs:            urls,
		Credentials:     credentialSources(r, queryCredential),
		Preferences:     prefs,
		Timeout:         s.opts.TierTimeout,
		ContentSelector: selector,
	}
}

func (s *Server) parsePreferences(browser, render string) (acquire.TierPreferences, error) {
	prefs := s.opts.Preferences
	var err error
	if prefs.AllowBrowserTier, err = parseBool(browser, prefs.AllowBrowserTier); err != nil {
		return prefs, errors.New("invalid browser flag")
	}
	if prefs.AllowExternalRenderTier, err = parseBool(render, prefs.AllowExternalRenderTier); err != nil {
		return prefs, errors.New("invalid render flag")
	}
	return prefs, nil
}

func parseBool(raw string, def bool) (bool, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def, err
	}
	return v, nil
}

func credentialSources(r *http.Request, query string) credential.Sources {
	header := r.Header.Get(CredentialHeader)
	if strings.TrimSpace(header) == "" {
		header = r.Header.Get("Cookie")
	}
	return credential.Sources{Query: query, Header: header}
}

// NewBatchResponse converts a batch, setting Error when the batch failed as a whole.
func NewBatchResponse(batch pipeline.Batch) BatchResponse {
	out := BatchResponse{
		Mode:       string(batch.Mode),
		Provenance: string(batch.Provenance),
		Items:      make([]ItemResponse, 0, len(batch.Items)),
	}
	for _, item := range batch.Items {
		out.Items = append(out.Items, NewItemResponse(item))
	}
	if err := batch.Err(); err != nil {
		out.Error = err.Error()
	}
	return out
}

// NewItemResponse converts one item. Attempts come from the exhaustion error
// when the fetch failed.
func NewItemResponse(item pipeline.Item) ItemResponse {
	dto := ItemResponse{
		URL:      item.URL,
		Title:    item.Outcome.Title,
		HTML:     item.Outcome.HTML,
		Degraded: item.Outcome.Degraded(),
	}
	if item.Outcome.MatchedStrategy != "" {
		dto.Strategy = item.Outcome.MatchedStrategy
	}
	if item.Fetch != nil {
		dto.Tier = item.Fetch.Tier.String()
		dto.Partial = item.Fetch.Partial
		dto.Attempts = item.Fetch.Attempts
	}
	var exhausted *acquire.ExhaustedError
	if errors.As(item.Err, &exhausted) {
		dto.Attempts = exhausted.Attempts
	}
	if item.Err != nil {
		dto.Error = item.Err.Error()
	}
	return dto
}
