package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"topstepx-engine/pkg/types"
)

// defaultTokenLifetime is assumed when the login response does not state an
// expiry. The gateway issues 24h session tokens.
const defaultTokenLifetime = 24 * time.Hour

// refreshFraction is how far into the token lifetime a proactive refresh
// triggers.
const refreshFraction = 0.8

// tokenSource acquires and refreshes the session token. A single mutex
// serializes refresh attempts: concurrent callers that arrive while a refresh
// is in flight block on the mutex and then observe the fresh token.
type tokenSource struct {
	http     *resty.Client
	username string
	apiKey   string
	logger   *slog.Logger

	mu        sync.Mutex
	token     string
	obtained  time.Time
	lifetime  time.Duration
}

func newTokenSource(http *resty.Client, username, apiKey string, logger *slog.Logger) *tokenSource {
	return &tokenSource{
		http:     http,
		username: username,
		apiKey:   apiKey,
		lifetime: defaultTokenLifetime,
		logger:   logger.With("component", "broker_auth"),
	}
}

// Token returns a valid session token, refreshing proactively once the token
// has consumed 80% of its lifetime.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && time.Since(ts.obtained) < time.Duration(float64(ts.lifetime)*refreshFraction) {
		return ts.token, nil
	}
	if err := ts.refreshLocked(ctx); err != nil {
		return "", err
	}
	return ts.token, nil
}

// Invalidate drops the cached token. Called on a 401 so the next request
// performs exactly one refresh.
func (ts *tokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.mu.Unlock()
}

func (ts *tokenSource) refreshLocked(ctx context.Context) error {
	var result loginResponse
	resp, err := ts.http.R().
		SetContext(ctx).
		SetBody(loginRequest{UserName: ts.username, APIKey: ts.apiKey}).
		SetResult(&result).
		Post("/api/Auth/loginKey")
	if err != nil {
		return types.WrapErr(types.KindTransient, err, "auth request")
	}
	switch {
	case resp.StatusCode() == http.StatusUnauthorized, resp.StatusCode() == http.StatusForbidden:
		return types.E(types.KindAuthExpired, "login rejected: status %d", resp.StatusCode())
	case resp.StatusCode() >= 500:
		return types.E(types.KindTransient, "login failed: status %d", resp.StatusCode())
	case resp.StatusCode() != http.StatusOK:
		return types.E(types.KindInternal, "login failed: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success || result.Token == "" {
		return types.E(types.KindAuthExpired, "login rejected: %s", result.ErrorMessage)
	}

	ts.token = result.Token
	ts.obtained = time.Now()
	if result.ExpiresIn > 0 {
		ts.lifetime = time.Duration(result.ExpiresIn) * time.Second
	}
	ts.logger.Info("session token acquired",
		"lifetime", ts.lifetime,
		"refresh_after", fmt.Sprintf("%.0f%%", refreshFraction*100),
	)
	return nil
}
