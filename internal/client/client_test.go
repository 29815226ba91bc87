package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"zimfarm/internal/accounts"
	"zimfarm/internal/api"
	"zimfarm/internal/auth"
	"zimfarm/internal/broker"
	"zimfarm/internal/dispatcher"
	"zimfarm/internal/domain"
	"zimfarm/internal/registry"
	"zimfarm/internal/store"
)

type staticRefresher struct {
	calls atomic.Int32
	token string
	err   error
}

func (s *staticRefresher) Refresh(context.Context) (string, error) {
	s.calls.Add(1)
	return s.token, s.err
}

func TestRetriesOnceAfterRefresh(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Token fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(domain.Task{ID: "t1", Status: domain.StatusStarted})
	}))
	defer srv.Close()

	ref := &staticRefresher{token: "fresh"}
	c := New(srv.URL, ref, time.Second)
	task, err := c.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", task.ID)
	assert.EqualValues(t, 1, ref.calls.Load())
	assert.EqualValues(t, 2, hits.Load())

	_, err = c.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, ref.calls.Load(), "token is reused")
	assert.EqualValues(t, 3, hits.Load())
}

func TestSecond401GivesReauthRequired(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ref := &staticRefresher{token: "still-bad"}
	_, err := New(srv.URL, ref, time.Second).Get(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.EqualValues(t, 1, ref.calls.Load())
	assert.EqualValues(t, 2, hits.Load())

	failing := &staticRefresher{err: errors.New("provider down")}
	_, err = New(srv.URL, failing, time.Second).Get(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.ErrorContains(t, err, "provider down")
}

func TestErrorFormatting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tasks/t1":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"invalid transition: started -> reserved goes backwards","kind":"invalid_transition"}`))
		default:
			http.Error(w, "upstream exploded", http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	c := New(srv.URL, nil, time.Second)

	_, err := c.Report(context.Background(), "t1", domain.StatusReserved, dispatcher.Report{})
	assert.EqualError(t, err, "409: invalid transition: started -> reserved goes backwards")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = c.Get(context.Background(), "other")
	assert.EqualError(t, err, "502: upstream exploded")
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.True(t, serr.Temporary())
	assert.False(t, errors.Is(err, domain.ErrNotFound))

	_, err = New("http://127.0.0.1:1", nil, time.Second).Get(context.Background(), "t1")
	assert.ErrorContains(t, err, "GET /tasks/t1")
}

func TestClaimNextQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks/claim", r.URL.Path)
		assert.Equal(t, "w1", r.URL.Query().Get("worker_name"))
		assert.Equal(t, []string{"small", "medium"}, r.URL.Query()["queue"])
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	_, ok, err := New(srv.URL, nil, time.Second).ClaimNext(context.Background(), "w1", []string{"small", "medium"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAgainstAPI(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "zimfarm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))
	repo := store.NewSQLiteRepo(db)

	issuer := auth.NewIssuer("secret", time.Hour)
	acc := accounts.New(repo, issuer, time.Hour)
	_, err = acc.CreateUser(ctx, auth.System(), accounts.NewUser{Username: "worker1", Password: "worker-password", Role: auth.RoleWorker})
	require.NoError(t, err)
	disp := dispatcher.New(repo, broker.Nop{}, domain.Upload{})
	srv := httptest.NewServer(api.NewServer(registry.New(repo), disp, acc, issuer, api.Options{APIPrefix: "/api/v1"}))
	defer srv.Close()

	require.NoError(t, repo.CreateSchedule(ctx, domain.Schedule{
		Name: "s", Category: "wikipedia", Language: domain.Language{Code: "eng"}, Enabled: true, Queue: "medium",
		Beat:          domain.Beat{Type: domain.BeatCrontab},
		Config:        domain.ScheduleConfig{Offliner: "mwoffliner"},
		WarehousePath: "/w", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	rt, err := disp.RequestTask(ctx, auth.System(), "s", dispatcher.RequestOptions{})
	require.NoError(t, err)

	pa := &PasswordAuth{BaseURL: srv.URL + "/api/v1", Username: "worker1", Password: "worker-password"}
	c := New(srv.URL+"/api/v1", pa, time.Second)

	task, ok, err := c.ClaimNext(ctx, "w1", []string{"medium"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rt.ID, task.ID)

	task, err = c.Report(ctx, task.ID, domain.StatusStarted, dispatcher.Report{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStarted, task.Status)

	// A stale access token is refreshed through the rotated refresh token.
	c.mu.Lock()
	c.token = "expired"
	c.mu.Unlock()
	task, err = c.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStarted, task.Status)

	expected, err := c.ExpectedDuration(ctx, "s")
	require.NoError(t, err)
	assert.Zero(t, expected, "never ran")

	pa.mu.Lock()
	pa.refreshToken = "revoked"
	pa.mu.Unlock()
	tok, err := pa.Refresh(ctx)
	require.NoError(t, err, "falls back to the password")
	assert.NotEmpty(t, tok)

	_, _, err = New(srv.URL+"/api/v1", &PasswordAuth{BaseURL: srv.URL + "/api/v1", Username: "worker1", Password: "nope"}, time.Second).
		ClaimNext(ctx, "w1", nil)
	assert.ErrorIs(t, err, ErrReauthRequired)
}

func TestOIDCAuthKeepsRotatedToken(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.URL.Path == "/revoke" {
			seen = append(seen, "revoke:"+r.PostForm.Get("token"))
			return
		}
		seen = append(seen, r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-" + r.PostForm.Get("refresh_token"),
			"refresh_token": "rt-" + r.PostForm.Get("refresh_token"),
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	p := &auth.PKCE{
		Config: &oauth2.Config{
			ClientID: "worker",
			Endpoint: oauth2.Endpoint{TokenURL: srv.URL + "/token", AuthStyle: oauth2.AuthStyleInParams},
		},
		RevokeURL: srv.URL + "/revoke",
	}
	a := NewOIDCAuth(p, "r0")
	tok, err := a.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-r0", tok)
	tok, err = a.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-rt-r0", tok)
	require.NoError(t, a.Logout(context.Background()))
	assert.Equal(t, []string{"r0", "rt-r0", "revoke:rt-rt-r0"}, seen)
}
