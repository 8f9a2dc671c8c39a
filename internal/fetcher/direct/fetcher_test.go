package direct

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feedpipe/internal/acquire"
)

func mustRequest(t *testing.T, raw string, opts ...acquire.RequestOption) acquire.ResourceRequest {
	t.Helper()
	req, err := acquire.NewResourceRequest(raw, opts...)
	require.NoError(t, err)
	return req
}

func TestFetch_InjectsCredentialAndIdentity(t *testing.T) {
	t.Parallel()

	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		_, _ = w.Write([]byte("<html><body><article>hi</article></body></html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "feedpipe-test"})
	res, err := f.Fetch(context.Background(), mustRequest(t, srv.URL+"/a", acquire.WithCredentials("sid=42")))
	require.NoError(t, err)
	got := <-headers
	require.Equal(t, "sid=42", got.Get("Cookie"))
	require.Equal(t, "feedpipe-test", got.Get("User-Agent"))
	require.Equal(t, acquire.TierDirect, res.Tier)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(res.Content), "<article>hi</article>")
	require.False(t, res.FetchedAt.IsZero())
}

func TestFetch_AnonymousSendsNoCookie(t *testing.T) {
	t.Parallel()

	hadCookie := make(chan bool, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := r.Header["Cookie"]
		hadCookie <- ok
		_, _ = w.Write([]byte("<p>x</p>"))
	}))
	defer srv.Close()

	_, err := New(Config{}).Fetch(context.Background(), mustRequest(t, srv.URL))
	require.NoError(t, err)
	require.False(t, <-hadCookie)
}

func TestFetch_ErrorStatusIsAResult(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("<title>Just a moment...</title>"))
	}))
	defer srv.Close()

	f := New(Config{})
	req := mustRequest(t, srv.URL+"/blocked")
	for range 2 {
		// repeated visits of the same URL must not be refused
		res, err := f.Fetch(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, http.StatusForbidden, res.StatusCode)
		require.Contains(t, string(res.Content), "Just a moment")
	}
}

func TestFetch_ContextCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte("<p>late</p>"))
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New(Config{}).Fetch(ctx, mustRequest(t, srv.URL))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetch_CancelReleasesConnection(t *testing.T) {
	t.Parallel()

	disconnected := make(chan time.Duration, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		select {
		case <-r.Context().Done():
			disconnected <- time.Since(start)
		case <-time.After(3 * time.Second):
			_, _ = w.Write([]byte("<p>late</p>"))
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := New(Config{}).Fetch(ctx, mustRequest(t, srv.URL))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)

	select {
	case held := <-disconnected:
		require.Less(t, held, time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the client disconnect")
	}
}

func TestFetch_TransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := New(Config{Timeout: time.Second}).Fetch(context.Background(), mustRequest(t, addr))
	require.Error(t, err)
}

type recordingLimiter struct {
	urls []string
	err  error
}

func (l *recordingLimiter) Wait(_ context.Context, rawURL string) error {
	l.urls = append(l.urls, rawURL)
	return l.err
}

func TestFetch_WaitsOnLimiter(t *testing.T) {
	t.Parallel()

	lim := &recordingLimiter{err: errors.New("quota")}
	_, err := New(Config{}, WithLimiter(lim)).Fetch(context.Background(), mustRequest(t, "https://example.com/x"))
	require.ErrorContains(t, err, "quota")
	require.Equal(t, []string{"https://example.com/x"}, lim.urls)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	clk := fixedClock{time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)}
	f := New(Config{}, WithClock(clk))
	req := mustRequest(t, "https://example.com", acquire.WithCredentials("a=1; b=2"))
	var result acquire.FetchResult
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "a=1; b=2", collyReq.Headers.Get("Cookie"))
	require.NotEmpty(t, collyReq.Headers.Get("Accept"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("<p>body</p>"),
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/final")},
	})
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.Equal(t, "https://example.com/final", result.URL)
	require.Equal(t, clk.now, result.FetchedAt)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	f := New(Config{CloudflareBypass: true})
	require.Equal(t, DefaultUserAgent, f.base.UserAgent)
	require.True(t, f.base.AllowURLRevisit)
	require.True(t, f.base.ParseHTTPErrorResponse)
	require.Equal(t, acquire.TierDirect, f.Tier())
	require.NotNil(t, f.transport)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
