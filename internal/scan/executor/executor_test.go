package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nymai/scand/internal/infrastructure/logging"
	"github.com/nymai/scand/internal/shared/types"
)

func newClient(baseURL string) *Client {
	return New(Config{
		BaseURL:      baseURL,
		Timeout:      2 * time.Second,
		MediaTimeout: 2 * time.Second,
	}, logging.NewNop())
}

func textRequest() types.ScanRequest {
	return types.ScanRequest{
		ContentType: types.ContentText,
		ContentData: "some claim",
		ScanType:    types.ScanCredibility,
	}
}

func session() *types.Session {
	return &types.Session{AccessToken: "tok-123"}
}

func TestExecuteSuccessReturnsVerbatimPayload(t *testing.T) {
	payload := `{"score":0.87,"verdict":"credible","sources":[]}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/scan/credibility", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	outcome, err := newClient(srv.URL).Execute(context.Background(), textRequest(), session())
	require.NoError(t, err)
	require.True(t, outcome.OK())
	assert.JSONEq(t, payload, string(outcome.Payload))
}

func TestExecuteScanTypeSelectsEndpoint(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	req := textRequest()
	req.ScanType = types.ScanAuthenticity
	_, err := newClient(srv.URL).Execute(context.Background(), req, session())
	require.NoError(t, err)
	assert.Equal(t, "/v1/scan/authenticity", path)
}

func TestExecuteQuotaErrors(t *testing.T) {
	for _, status := range []int{402, 429} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			w.Write([]byte(`{"detail":"Daily limit reached"}`))
		}))

		outcome, err := newClient(srv.URL).Execute(context.Background(), textRequest(), session())
		srv.Close()

		require.NoError(t, err)
		require.False(t, outcome.OK())
		assert.Equal(t, status, outcome.Err.Code)
		assert.Equal(t, "Daily limit reached", outcome.Err.Message)
	}
}

func TestExecuteBackendErrorUsesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"detail":"model unavailable"}`))
	}))
	defer srv.Close()

	outcome, err := newClient(srv.URL).Execute(context.Background(), textRequest(), session())
	require.NoError(t, err)
	require.False(t, outcome.OK())
	assert.Equal(t, types.CodeInternal, outcome.Err.Code)
	assert.Equal(t, "model unavailable", outcome.Err.Message)
}

func TestExecuteNonJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html><body>502 Bad Gateway</body></html>"))
	}))
	defer srv.Close()

	outcome, err := newClient(srv.URL).Execute(context.Background(), textRequest(), session())
	require.NoError(t, err)
	require.False(t, outcome.OK())
	assert.Equal(t, types.CodeInternal, outcome.Err.Code)
	assert.Contains(t, outcome.Err.Message, "non-JSON response from backend (HTTP 502)")
	assert.Contains(t, outcome.Err.Message, "502 Bad Gateway")
}

func TestExecuteInvalidJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"broken`))
	}))
	defer srv.Close()

	outcome, err := newClient(srv.URL).Execute(context.Background(), textRequest(), session())
	require.NoError(t, err)
	require.False(t, outcome.OK())
	assert.Equal(t, "invalid JSON from backend", outcome.Err.Message)
}

func TestExecuteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(Config{
		BaseURL:      srv.URL,
		Timeout:      50 * time.Millisecond,
		MediaTimeout: 50 * time.Millisecond,
	}, logging.NewNop())

	outcome, err := c.Execute(context.Background(), textRequest(), session())
	require.NoError(t, err)
	require.False(t, outcome.OK())
	assert.Equal(t, types.CodeTimeout, outcome.Err.Code)
}

func TestExecuteUserCancellation(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := newClient(srv.URL).Execute(ctx, textRequest(), session())
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestExecuteTransportInterrupt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer srv.Close()

	outcome, err := newClient(srv.URL).Execute(context.Background(), textRequest(), session())
	require.NoError(t, err)
	require.False(t, outcome.OK())
	assert.Equal(t, types.CodeInterrupted, outcome.Err.Code)
}

func TestCancelledScansDoNotOpenBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"verdict":"ok"}`))
	}))
	defer srv.Close()

	c := newClient(srv.URL)

	// A healthy backend answering every request it receives; the user just
	// keeps cancelling.
	for i := 0; i < 6; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(5 * time.Millisecond)
			cancel()
		}()
		_, err := c.Execute(ctx, textRequest(), session())
		require.ErrorIs(t, err, ErrCancelled)
	}

	outcome, err := c.Execute(context.Background(), textRequest(), session())
	require.NoError(t, err)
	require.True(t, outcome.OK(), "breaker must stay closed after user cancels, got %+v", outcome.Err)
}

func TestExecuteBreakerOpensOnRepeatedFailures(t *testing.T) {
	c := newClient("http://127.0.0.1:1") // nothing listens here

	for i := 0; i < 5; i++ {
		outcome, err := c.Execute(context.Background(), textRequest(), session())
		require.NoError(t, err)
		require.False(t, outcome.OK())
	}

	outcome, err := c.Execute(context.Background(), textRequest(), session())
	require.NoError(t, err)
	require.False(t, outcome.OK())
	assert.Equal(t, "analysis service temporarily unavailable", outcome.Err.Message)
}
