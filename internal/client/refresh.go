package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"zimfarm/internal/auth"
)

// PasswordAuth logs in with username and password, then rotates the
// refresh token it got back. A refused refresh token falls back to the
// password.
type PasswordAuth struct {
	BaseURL  string
	Username string
	Password string
	HTTP     *http.Client

	mu           sync.Mutex
	refreshToken string
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (a *PasswordAuth) Refresh(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.refreshToken != "" {
		tok, err := a.call(ctx, "/auth/token", "refresh-token", a.refreshToken)
		if err == nil {
			return tok, nil
		}
		var serr *StatusError
		if !errors.As(err, &serr) || serr.Code != http.StatusUnauthorized {
			return "", err
		}
		a.refreshToken = ""
	}
	return a.call(ctx, "/auth/authorize", "username", a.Username, "password", a.Password)
}

func (a *PasswordAuth) call(ctx context.Context, path string, headers ...string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.BaseURL, "/")+path, nil)
	if err != nil {
		return "", err
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	hc := a.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", readError(resp)
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	a.refreshToken = tok.RefreshToken
	return tok.AccessToken, nil
}

// OIDCAuth refreshes through an external provider. The provider may rotate
// the refresh token; the latest one is kept.
type OIDCAuth struct {
	PKCE *auth.PKCE

	mu           sync.Mutex
	refreshToken string
}

func NewOIDCAuth(p *auth.PKCE, refreshToken string) *OIDCAuth {
	return &OIDCAuth{PKCE: p, refreshToken: refreshToken}
}

func (a *OIDCAuth) Refresh(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tok, err := a.PKCE.Refresh(ctx, a.refreshToken)
	if err != nil {
		return "", fmt.Errorf("oidc refresh: %w", err)
	}
	if tok.RefreshToken != "" {
		a.refreshToken = tok.RefreshToken
	}
	return tok.AccessToken, nil
}

// Logout revokes the current refresh token.
func (a *OIDCAuth) Logout(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.PKCE.Revoke(ctx, a.refreshToken); err != nil {
		return err
	}
	a.refreshToken = ""
	return nil
}
