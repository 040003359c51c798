package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"stream2dvr/work/client"
	"stream2dvr/work/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(apiURL string) *config.Config {
	return &config.Config{
		Username:        "user@example.com",
		Password:        "secret",
		APIBaseURL:      apiURL,
		UserAgent:       "test-agent",
		TokenLifetime:   time.Hour,
		UpstreamTimeout: 5 * time.Second,
		MaxRetries:      3,
		RetryDelay:      time.Millisecond,
		RateLimit:       1000,
	}
}

func TestSessionLoginStoresToken(t *testing.T) {
	var logins atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/user/login", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "user@example.com", body["username"])
		assert.Equal(t, "secret", body["password"])

		logins.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-1"})
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	s := NewSession(cfg, client.NewHeaderSettingClient(cfg))

	require.NoError(t, s.Login(context.Background()))

	tok, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int32(1), logins.Load(), "valid token must not trigger another login")
}

func TestSessionRejectedCredentials(t *testing.T) {
	var logins atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	s := NewSession(cfg, client.NewHeaderSettingClient(cfg))

	err := s.Login(context.Background())
	require.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, int32(1), logins.Load(), "credential rejections must not be retried")
}

func TestSessionRetriesNetworkGradeFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-2"})
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	s := NewSession(cfg, client.NewHeaderSettingClient(cfg))

	require.NoError(t, s.Login(context.Background()))
	assert.Equal(t, int32(2), calls.Load())

	tok, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func TestSessionRefreshesExpiredToken(t *testing.T) {
	var logins atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := logins.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"token": fmt.Sprintf("tok-%d", n)})
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	// Lifetime inside the expiry margin: every Token call sees a stale token
	cfg.TokenLifetime = time.Minute

	s := NewSession(cfg, client.NewHeaderSettingClient(cfg))

	first, err := s.Token(context.Background())
	require.NoError(t, err)
	second, err := s.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "tok-1", first)
	assert.Equal(t, "tok-2", second)
	assert.Equal(t, int32(2), logins.Load())
}

func TestSessionInvalidateForcesRelogin(t *testing.T) {
	var logins atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := logins.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"token": fmt.Sprintf("tok-%d", n)})
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	s := NewSession(cfg, client.NewHeaderSettingClient(cfg))

	first, err := s.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", first)

	s.Invalidate()

	second, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", second)
}
