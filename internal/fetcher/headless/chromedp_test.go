package headless

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feedpipe/internal/acquire"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1}, nil)
	require.Error(t, err)

	f, err := NewChromedp(Config{}, nil)
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, 1, cap(f.sem))
	require.Equal(t, acquire.TierBrowser, f.Tier())

	f2, err := NewChromedp(Config{MaxParallel: 3}, nil)
	require.NoError(t, err)
	defer f2.Close()
	require.Equal(t, 3, cap(f2.sem))
}

func TestTimeoutsAndMarker(t *testing.T) {
	t.Parallel()

	f := &Fetcher{}
	require.Equal(t, defaultNavigationTimeout, f.navTimeout())
	require.Equal(t, defaultWaitTimeout, f.waitTimeout())

	f.cfg = Config{NavigationTimeout: time.Second, WaitTimeout: 2 * time.Second, MarkerSelector: "article"}
	require.Equal(t, time.Second, f.navTimeout())
	require.Equal(t, 2*time.Second, f.waitTimeout())

	req, err := acquire.NewResourceRequest("https://example.com")
	require.NoError(t, err)
	require.Equal(t, "article", f.marker(req))

	req, err = acquire.NewResourceRequest("https://example.com", acquire.WithContentSelector(".post-body"))
	require.NoError(t, err)
	require.Equal(t, ".post-body", f.marker(req))
}

func TestAcquireSlotHonoursContext(t *testing.T) {
	t.Parallel()

	f := &Fetcher{sem: make(chan struct{}, 1)}
	release, err := f.acquireSlot(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.acquireSlot(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release2, err := f.acquireSlot(context.Background())
	require.NoError(t, err)
	release2()
}

func TestCookieParams(t *testing.T) {
	t.Parallel()

	got := cookieParams(" sid=abc ; theme = dark;broken; =nameless; token=a=b")
	require.Equal(t, []cookie{
		{name: "sid", value: "abc"},
		{name: "theme", value: "dark"},
		{name: "token", value: "a=b"},
	}, got)
	require.Empty(t, cookieParams(""))
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := &responseMeta{}
	meta.captureEvent(&network.EventResponseReceived{Type: network.ResourceTypeScript, Response: &network.Response{Status: 500}})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 403, URL: "https://example.com/challenge"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://example.com/iframe"},
	})
	status, url := meta.snapshot("https://req", "")
	require.Equal(t, 403, status)
	require.Equal(t, "https://example.com/challenge", url)

	status, url = (&responseMeta{}).snapshot("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)
}

func TestForwardCancel(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	child, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()
	stop := forwardCancel(parent, cancelChild)
	defer stop()

	cancelParent()
	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("parent cancellation not forwarded")
	}
}

func TestMarkerBudget(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name        string
		wait        time.Duration
		deadline    time.Time
		hasDeadline bool
		want        time.Duration
	}{
		{name: "no deadline", wait: 10 * time.Second, want: 10 * time.Second},
		{name: "deadline far away", wait: 10 * time.Second, deadline: now.Add(time.Minute), hasDeadline: true, want: 10 * time.Second},
		{name: "deadline caps wait", wait: 10 * time.Second, deadline: now.Add(5 * time.Second), hasDeadline: true, want: 5*time.Second - documentReadTimeout},
		{name: "only read time left", wait: 10 * time.Second, deadline: now.Add(documentReadTimeout), hasDeadline: true, want: 0},
		{name: "deadline passed", wait: 10 * time.Second, deadline: now.Add(-time.Second), hasDeadline: true, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, markerBudget(tt.wait, tt.deadline, tt.hasDeadline, now))
		})
	}
}

func TestEarliestDeadline(t *testing.T) {
	t.Parallel()

	_, ok := earliestDeadline(context.Background())
	require.False(t, ok)

	soon, cancelSoon := context.WithTimeout(context.Background(), time.Second)
	defer cancelSoon()
	later, cancelLater := context.WithTimeout(context.Background(), time.Hour)
	defer cancelLater()

	want, _ := soon.Deadline()
	got, ok := earliestDeadline(later, context.Background(), soon)
	require.True(t, ok)
	require.Equal(t, want, got)
}

// TestFetchPartialContent drives a real browser; set FEEDPIPE_CHROME_TESTS=1 to run it.
func TestFetchPartialContent(t *testing.T) {
	if os.Getenv("FEEDPIPE_CHROME_TESTS") == "" {
		t.Skip("browser tests disabled")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><div class="teaser"><p>partial</p></div></body></html>`))
	}))
	defer srv.Close()

	f, err := NewChromedp(Config{WaitTimeout: 500 * time.Millisecond, MarkerSelector: "article.never"}, nil)
	require.NoError(t, err)
	defer f.Close()

	req, err := acquire.NewResourceRequest(srv.URL, acquire.WithCredentials("sid=1"))
	require.NoError(t, err)
	res, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.Partial)
	require.Contains(t, string(res.Content), "partial")
}
