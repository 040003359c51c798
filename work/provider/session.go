package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"stream2dvr/work/client"
	"stream2dvr/work/config"
	"stream2dvr/work/logger"
)

// ErrAuth indicates the upstream provider rejected the configured
// credentials. It is never retried: a rejected login stays rejected until
// the operator fixes the account details.
var ErrAuth = errors.New("upstream rejected credentials")

// tokenExpiryMargin is how long before the nominal expiry a token is
// treated as stale. Refreshing early keeps long stream setups from racing
// an upstream-side expiration mid-request.
const tokenExpiryMargin = 5 * time.Minute

// Session owns the bearer credential for one provider account. Exactly one
// Session is shared by reference across every station; the token is
// refreshed in place under the mutex and never copied out into per-station
// state.
type Session struct {
	cfg  *config.Config
	http *client.HeaderSettingClient

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// loginRequest is the POST body for the provider login endpoint.
type loginRequest struct {
	Username string `json:"username"` // account email/username
	Password string `json:"password"` // account password, sent only here
}

// loginResponse is the relevant slice of the provider login reply; any
// other fields the upstream sends are ignored.
type loginResponse struct {
	Token string `json:"token"` // bearer token for subsequent API calls
}

// NewSession builds the shared credential session
func NewSession(cfg *config.Config, httpClient *client.HeaderSettingClient) *Session {
	return &Session{
		cfg:  cfg,
		http: httpClient,
	}
}

// Token returns a currently valid bearer token, transparently logging in
// again when the stored one is missing, expired, or inside the expiry
// margin. Callers never see a stale token and never cache a failed result.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Until(s.expiry) > tokenExpiryMargin {
		return s.token, nil
	}

	if err := s.loginLocked(ctx); err != nil {
		return "", err
	}
	return s.token, nil
}

// Login performs an initial login, replacing any stored token. Startup
// calls this once so credential problems surface before any server binds.
func (s *Session) Login(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginLocked(ctx)
}

// Invalidate drops the stored token so the next Token call logs in again.
// The stream path calls this when the upstream answers 401 with a token
// that should still have been valid.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiry = time.Time{}
}

// loginLocked runs the login POST with bounded retries. Network failures
// back off and retry up to maxRetries with the delay doubling each attempt;
// an HTTP 4xx means the credentials themselves are bad and fails
// immediately with ErrAuth. Callers must hold s.mu.
func (s *Session) loginLocked(ctx context.Context) error {
	body, err := json.Marshal(loginRequest{
		Username: s.cfg.Username,
		Password: s.cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("failed to encode login request: %w", err)
	}

	url := s.cfg.APIBaseURL + "/user/login"
	delay := s.cfg.RetryDelay
	var lastErr error

	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			logger.Debug("{provider/session.go - loginLocked} retrying login in %v (attempt %d/%d)", delay, attempt+1, s.cfg.MaxRetries)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		token, err := s.loginOnce(ctx, url, body)
		if err == nil {
			s.token = token
			s.expiry = time.Now().Add(s.cfg.TokenLifetime)
			logger.Info("{provider/session.go - loginLocked} logged in, token valid until %s", s.expiry.Format(time.RFC3339))
			return nil
		}
		if errors.Is(err, ErrAuth) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("login failed after %d attempts: %w", s.cfg.MaxRetries, lastErr)
}

// loginOnce performs a single login POST
func (s *Session) loginOnce(ctx context.Context, url string, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.UpstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", fmt.Errorf("%w (HTTP %d)", ErrAuth, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read login response: %w", err)
	}

	var lr loginResponse
	if err := json.Unmarshal(data, &lr); err != nil {
		return "", fmt.Errorf("failed to parse login response: %w", err)
	}
	if lr.Token == "" {
		return "", fmt.Errorf("login response carried no token")
	}

	return lr.Token, nil
}
