package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"zimfarm/internal/domain"
)

func TestDenyByDefault(t *testing.T) {
	scopes := []Scope{nil, {}, {"tasks": {"read": true}}, {"tasks": {"request": false}}}
	for _, s := range scopes {
		assert.False(t, s.HasPermission("tasks", "request"))
		assert.False(t, s.HasPermission("users", "delete"))
		assert.False(t, s.HasPermission("", ""))
	}
	assert.True(t, Scope{"tasks": {"request": true}}.HasPermission("tasks", "request"))
}

func TestRoleScopes(t *testing.T) {
	admin := RoleScope(RoleAdmin)
	for ns, actions := range namespaces {
		for _, a := range actions {
			assert.True(t, admin.HasPermission(ns, a), "%s.%s", ns, a)
		}
	}
	editor := RoleScope(RoleEditor)
	assert.True(t, editor.HasPermission("tasks", "request"))
	assert.False(t, editor.HasPermission("tasks", "cancel"))
	assert.False(t, editor.HasPermission("schedules", "delete"))

	worker := RoleScope(RoleWorker)
	assert.True(t, worker.HasPermission("tasks", "update"))
	assert.False(t, worker.HasPermission("tasks", "request"))

	assert.Empty(t, RoleScope("nobody"))
}

func TestPrincipalRequire(t *testing.T) {
	p := Principal{Username: "bob", Scope: RoleScope(RoleEditor)}
	assert.NoError(t, p.Require("schedules", "create"))
	err := p.Require("tasks", "cancel")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.Contains(t, err.Error(), "tasks.cancel")

	ctx := WithPrincipal(context.Background(), p)
	assert.Equal(t, "bob", FromContext(ctx).Username)
	assert.True(t, FromContext(context.Background()).Scope.HasPermission("schedules", "read"))
}

func TestIssuerRoundTrip(t *testing.T) {
	iss := NewIssuer("secret", time.Hour)
	tok, exp, err := iss.Issue(Principal{Username: "alice", Scope: RoleScope(RoleManager)})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	p, err := iss.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)
	assert.True(t, p.Scope.HasPermission("tasks", "cancel"))

	_, err = NewIssuer("other", time.Hour).Verify(tok)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestIssuerExpiry(t *testing.T) {
	iss := NewIssuer("secret", time.Minute)
	now := time.Now()
	iss.now = func() time.Time { return now }
	tok, _, err := iss.Issue(Principal{Username: "alice"})
	require.NoError(t, err)

	iss.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = iss.Verify(tok)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestBearerToken(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Token abc")
	assert.Equal(t, "abc", BearerToken(h))
	h.Set("Authorization", "Bearer def")
	assert.Equal(t, "def", BearerToken(h))
	h = http.Header{}
	h.Set("token", "legacy")
	assert.Equal(t, "legacy", BearerToken(h))
	assert.Equal(t, "", BearerToken(http.Header{}))
}

func TestPasswords(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.True(t, CheckPassword(hash, "hunter2"))
	assert.False(t, CheckPassword(hash, "hunter3"))
}

func TestPKCEFlow(t *testing.T) {
	var gotForm url.Values
	revoked := ""
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.URL.Path {
		case "/token":
			gotForm = r.PostForm
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "at-" + r.PostForm.Get("grant_type"),
				"refresh_token": "rt",
				"token_type":    "Bearer",
				"expires_in":    3600,
			})
		case "/revoke":
			revoked = r.PostForm.Get("token")
		}
	}))
	defer srv.Close()

	p := &PKCE{
		Config: &oauth2.Config{
			ClientID:    "zimfarm-ui",
			Endpoint:    oauth2.Endpoint{AuthURL: srv.URL + "/authorize", TokenURL: srv.URL + "/token"},
			RedirectURL: "https://farm.example.org/callback",
			Scopes:      []string{"openid"},
		},
		RevokeURL:  srv.URL + "/revoke",
		HTTPClient: srv.Client(),
	}

	req := p.Start("xyz")
	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "zimfarm-ui", q.Get("client_id"))
	assert.Equal(t, "xyz", q.Get("state"))

	ctx := context.Background()
	tok, err := p.Exchange(ctx, "the-code", req.Verifier)
	require.NoError(t, err)
	assert.Equal(t, "at-authorization_code", tok.AccessToken)
	assert.Equal(t, req.Verifier, gotForm.Get("code_verifier"))

	tok, err = p.Refresh(ctx, "rt")
	require.NoError(t, err)
	assert.Equal(t, "at-refresh_token", tok.AccessToken)

	require.NoError(t, p.Revoke(ctx, "rt"))
	assert.Equal(t, "rt", revoked)
}
