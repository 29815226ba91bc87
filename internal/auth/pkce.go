package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// PKCE is an authorization-code client against an external OIDC provider.
type PKCE struct {
	Config     *oauth2.Config
	RevokeURL  string
	HTTPClient *http.Client
}

// AuthRequest is the state to keep between redirect and callback.
type AuthRequest struct {
	URL      string
	State    string
	Verifier string
}

// Start builds the authorize redirect with an S256 code challenge.
func (p *PKCE) Start(state string) AuthRequest {
	verifier := oauth2.GenerateVerifier()
	return AuthRequest{
		URL:      p.Config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
		State:    state,
		Verifier: verifier,
	}
}

func (p *PKCE) ctx(ctx context.Context) context.Context {
	if p.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, p.HTTPClient)
	}
	return ctx
}

// Exchange trades the callback code for tokens.
func (p *PKCE) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	return p.Config.Exchange(p.ctx(ctx), code, oauth2.VerifierOption(verifier))
}

// Refresh obtains a new token pair from a refresh token.
func (p *PKCE) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return p.Config.TokenSource(p.ctx(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
}

// Revoke invalidates a refresh token (RFC 7009).
func (p *PKCE) Revoke(ctx context.Context, refreshToken string) error {
	if p.RevokeURL == "" {
		return nil
	}
	form := url.Values{
		"token":           {refreshToken},
		"token_type_hint": {"refresh_token"},
		"client_id":       {p.Config.ClientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hc := p.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("revoke: %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
