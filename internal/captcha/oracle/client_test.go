package oracle

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

func TestSolveDecodesAnswer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req solveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		img, err := base64.StdEncoding.DecodeString(req.Image)
		require.NoError(t, err)
		require.Equal(t, []byte("captcha"), img)
		_ = json.NewEncoder(w).Encode(solveResponse{Text: "7hx2k", Confidence: 0.81})
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{Endpoint: srv.URL, APIKey: "secret"}, srv.Client(), nil)
	require.NoError(t, err)
	text, conf, err := c.Solve(context.Background(), []byte("captcha"))
	require.NoError(t, err)
	require.Equal(t, "7hx2k", text)
	require.InDelta(t, 0.81, conf, 1e-9)
}

func TestSolveOpensBreaker(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{
		Endpoint:           srv.URL,
		BreakerMaxFailures: 2,
		BreakerOpenTimeout: time.Minute,
	}, srv.Client(), nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _, err := c.Solve(context.Background(), []byte("x"))
		require.ErrorIs(t, err, harvest.ErrNetwork)
	}
	_, _, err = c.Solve(context.Background(), []byte("x"))
	require.ErrorIs(t, err, harvest.ErrNetwork)
	require.ErrorContains(t, err, "unavailable")
	require.Equal(t, int32(2), hits.Load())
	require.Equal(t, "open", c.State())
}

func TestSolveRejectsBadConfidence(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"text":"abc","confidence":3}`))
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{Endpoint: srv.URL}, srv.Client(), nil)
	require.NoError(t, err)
	_, _, err = c.Solve(context.Background(), []byte("x"))
	require.ErrorContains(t, err, "out of range")
}

func TestNewRequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil)
	require.ErrorIs(t, err, harvest.ErrFatalSetup)
}
