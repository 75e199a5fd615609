package api

import (
	"context"
	"errors"
	"fmt"
)

// LoginPath is the ThingsBoard username/password login endpoint.
const LoginPath = "/api/auth/login"

// ErrEmptyToken is returned when a login succeeds without a token.
var ErrEmptyToken = errors.New("login returned empty token")

// Login exchanges credentials for a JWT pair.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	var resp LoginResponse
	if err := c.post(ctx, LoginPath, LoginRequest{Username: username, Password: password}, &resp); err != nil {
		return nil, fmt.Errorf("login %s: %w", username, err)
	}
	if resp.Token == "" {
		return nil, ErrEmptyToken
	}

	c.logger.Debug("logged in", "username", username)

	return &resp, nil
}
