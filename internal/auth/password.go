package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/tb-telemetry/internal/api"
)

// DefaultRefreshSkew refreshes tokens this long before they expire.
const DefaultRefreshSkew = 30 * time.Second

// Authenticator exchanges credentials for a token pair.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*api.LoginResponse, error)
}

// PasswordSource logs in with username/password and caches the token
// until it is about to expire. Concurrent refreshes share one login.
type PasswordSource struct {
	auth     Authenticator
	username string
	password string
	logger   *slog.Logger

	skew time.Duration
	now  func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	token string
}

// NewPasswordSource creates a PasswordSource.
func NewPasswordSource(auth Authenticator, username, password string, logger *slog.Logger) *PasswordSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &PasswordSource{
		auth:     auth,
		username: username,
		password: password,
		logger:   logger,
		skew:     DefaultRefreshSkew,
		now:      time.Now,
	}
}

// Token returns the cached token, logging in again when it is missing or
// expires within the refresh skew.
func (s *PasswordSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	cached := s.token
	s.mu.Unlock()

	if cached != "" && !Expired(cached, s.now().Add(s.skew)) {
		return cached, nil
	}

	v, err, shared := s.group.Do("login", func() (any, error) {
		resp, err := s.auth.Login(ctx, s.username, s.password)
		if err != nil {
			return "", err
		}

		s.mu.Lock()
		s.token = resp.Token
		s.mu.Unlock()

		if exp, err := ExpiresAt(resp.Token); err == nil {
			s.logger.Info("token refreshed", "expires_at", exp)
		} else {
			s.logger.Warn("token refreshed without readable expiry", "error", err)
		}
		return resp.Token, nil
	})
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	if shared {
		s.logger.Debug("shared token refresh")
	}

	return v.(string), nil
}
