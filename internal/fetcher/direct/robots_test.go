package direct

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedpipe/internal/acquire"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestFetch_RespectRobotsBlocksDisallowed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
			return
		}
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	f := New(Config{RespectRobots: true})

	_, err := f.Fetch(context.Background(), mustRequest(t, srv.URL+"/private/a"))
	require.ErrorIs(t, err, acquire.ErrTierBlocked)
	var tierErr *acquire.TierError
	require.ErrorAs(t, err, &tierErr)
	require.Equal(t, acquire.OutcomeBlocked, tierErr.Outcome())

	res, err := f.Fetch(context.Background(), mustRequest(t, srv.URL+"/public"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestRobotsTransport_FallsBackAfterTimeouts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	rt := &robotsTransport{
		base: roundTripFunc(func(*http.Request) (*http.Response, error) {
			calls.Add(1)
			return nil, timeoutErr{}
		}),
		backoff: []time.Duration{0, 0},
		logger:  zap.NewNop(),
	}
	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, int32(3), calls.Load())
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "Allow: /")
}

func TestRobotsTransport_NonTransientFails(t *testing.T) {
	t.Parallel()

	rt := &robotsTransport{
		base: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		}),
		backoff: []time.Duration{0},
		logger:  zap.NewNop(),
	}
	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	_, err := rt.RoundTrip(req)
	require.ErrorContains(t, err, "connection refused")
}

func TestRobotsTransport_PassesOtherRequests(t *testing.T) {
	t.Parallel()

	rt := &robotsTransport{
		base: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusTeapot, Body: http.NoBody, Request: r}, nil
		}),
		logger: zap.NewNop(),
	}
	req := httptest.NewRequest(http.MethodGet, "https://example.com/story", nil)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusTeapot, resp.StatusCode)
}
