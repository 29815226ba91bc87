package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zimfarm/internal/accounts"
	"zimfarm/internal/auth"
	"zimfarm/internal/broker"
	"zimfarm/internal/dispatcher"
	"zimfarm/internal/domain"
	"zimfarm/internal/registry"
	"zimfarm/internal/store"
)

type harness struct {
	t       *testing.T
	handler http.Handler
	acc     *accounts.Service
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "zimfarm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))
	repo := store.NewSQLiteRepo(db)

	issuer := auth.NewIssuer("test-secret", time.Hour)
	acc := accounts.New(repo, issuer, 24*time.Hour)
	require.NoError(t, acc.EnsureAdmin(context.Background(), "admin", "admin-password"))
	_, err = acc.CreateUser(context.Background(), auth.System(),
		accounts.NewUser{Username: "worker1", Password: "worker-password", Role: auth.RoleWorker})
	require.NoError(t, err)

	if opts.APIPrefix == "" {
		opts.APIPrefix = "/api/v1"
	}
	h := NewServer(registry.New(repo), dispatcher.New(repo, broker.Nop{}, domain.Upload{}), acc, issuer, opts)
	return &harness{t: t, handler: h, acc: acc}
}

func (h *harness) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) login(username, password string) accounts.Tokens {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/api/v1/auth/authorize", "", nil, "username", username, "password", password)
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())
	var tok accounts.Tokens
	require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &tok))
	return tok
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

var scheduleBody = map[string]any{
	"name":     "wikipedia_en_top",
	"category": "wikipedia",
	"language": "eng",
	"tags":     []string{"top"},
	"enabled":  true,
	"beat": map[string]any{
		"type":   "crontab",
		"config": map[string]string{"minute": "0", "hour": "3"},
	},
	"config": map[string]any{
		"task_name": "mwoffliner",
		"image":     map[string]string{"name": "ghcr.io/openzim/mwoffliner", "tag": "1.14"},
		"resources": map[string]any{"cpu": 3, "memory": 1 << 30, "disk": 1 << 30},
		"flags":     map[string]any{"mwUrl": "https://en.wikipedia.org", "adminEmail": "a@b.c"},
	},
	"warehouse_path": "/wikipedia",
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, Options{})
	rec := h.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = h.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "zimfarm_up 1")
	assert.Contains(t, rec.Body.String(), `zimfarm_tasks{status="requested"} 0`)
}

func TestAuthFlow(t *testing.T) {
	h := newHarness(t, Options{})

	rec := h.do(http.MethodPost, "/api/v1/auth/authorize", "", nil, "username", "admin", "password", "nope")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tok := h.login("admin", "admin-password")
	rec = h.do(http.MethodPost, "/api/v1/auth/token", "", nil, "refresh-token", tok.RefreshToken)
	require.Equal(t, http.StatusOK, rec.Code)
	next := decodeBody[accounts.Tokens](t, rec)
	assert.NotEqual(t, tok.RefreshToken, next.RefreshToken)

	rec = h.do(http.MethodPost, "/api/v1/auth/token", "", nil, "refresh-token", tok.RefreshToken)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/schedules/", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeBody[errorBody](t, rec).Kind)

	rec = h.do(http.MethodGet, "/api/v1/users/worker1", tok.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestScheduleEndpoints(t *testing.T) {
	h := newHarness(t, Options{})
	admin := h.login("admin", "admin-password").AccessToken

	rec := h.do(http.MethodPost, "/api/v1/schedules/", "", scheduleBody)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "anonymous writes ask for a login")

	worker := h.login("worker1", "worker-password").AccessToken
	rec = h.do(http.MethodPost, "/api/v1/schedules/", worker, scheduleBody)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, decodeBody[errorBody](t, rec).Error, "schedules.create")

	rec = h.do(http.MethodPost, "/api/v1/schedules/", admin, scheduleBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[domain.Schedule](t, rec)
	assert.Equal(t, "English", created.Language.NameEnglish)

	rec = h.do(http.MethodPost, "/api/v1/schedules/", admin, scheduleBody)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "already exists", decodeBody[errorBody](t, rec).Fields["name"])

	rec = h.do(http.MethodGet, "/api/v1/schedules/?category=wikipedia&limit=500", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[listResponse[domain.Schedule]](t, rec)
	assert.Equal(t, 1, list.Meta.Count)
	assert.Equal(t, domain.MaxPageLimit, list.Meta.Limit)

	rec = h.do(http.MethodPatch, "/api/v1/schedules/wikipedia_en_top", admin, map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[domain.Schedule](t, rec).Enabled)

	rec = h.do(http.MethodGet, "/api/v1/schedules/wikipedia_en_top/beat", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[registry.BeatInfo](t, rec).NextRuns, registry.UpcomingRuns)

	rec = h.do(http.MethodGet, "/api/v1/schedules/wikipedia_en_top", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"most_recent_task":[]`)

	rec = h.do(http.MethodDelete, "/api/v1/schedules/wikipedia_en_top", admin, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(http.MethodGet, "/api/v1/schedules/wikipedia_en_top", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/schedules/", admin, "not an object")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskEndpoints(t *testing.T) {
	h := newHarness(t, Options{})
	admin := h.login("admin", "admin-password").AccessToken
	worker := h.login("worker1", "worker-password").AccessToken

	rec := h.do(http.MethodPost, "/api/v1/schedules/", admin, scheduleBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/api/v1/requested-tasks/", admin, requestTasksReq{ScheduleNames: []string{"wikipedia_en_top"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	requested := decodeBody[requestTasksResp](t, rec).Requested
	require.Len(t, requested, 1)

	rec = h.do(http.MethodPost, "/api/v1/requested-tasks/", admin, requestTasksReq{ScheduleNames: []string{"wikipedia_en_top"}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_queued", decodeBody[errorBody](t, rec).Kind)

	rec = h.do(http.MethodPost, "/api/v1/requested-tasks/", admin, requestTasksReq{ScheduleNames: []string{"missing"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/requested-tasks/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[listResponse[domain.RequestedTask]](t, rec).Meta.Count)

	rec = h.do(http.MethodPost, "/api/v1/tasks/claim?worker_name=w1&queue=medium", worker, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	task := decodeBody[domain.Task](t, rec)
	assert.Equal(t, requested[0], task.ID)
	assert.Equal(t, domain.StatusReserved, task.Status)

	rec = h.do(http.MethodPost, "/api/v1/tasks/claim?worker_name=w1&queue=medium", worker, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(http.MethodPatch, "/api/v1/tasks/"+task.ID, worker, reportReq{Event: domain.StatusStarted})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPatch, "/api/v1/tasks/"+task.ID, worker, reportReq{Event: domain.StatusReserved})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decodeBody[errorBody](t, rec).Kind)

	rec = h.do(http.MethodPost, "/api/v1/tasks/"+task.ID+"/cancel", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.StatusCancelRequested, decodeBody[domain.Task](t, rec).Status)

	rec = h.do(http.MethodPatch, "/api/v1/tasks/"+task.ID, worker, reportReq{Event: domain.StatusCanceled})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/tasks/?status=canceled", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[listResponse[domain.Task]](t, rec).Meta.Count)

	rec = h.do(http.MethodPost, "/api/v1/tasks/"+task.ID+"/fail", admin, failReq{Reason: "late"})
	assert.Equal(t, http.StatusConflict, rec.Code, "terminal tasks stay terminal")

	rec = h.do(http.MethodGet, "/api/v1/tasks/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnrequestEndpoint(t *testing.T) {
	h := newHarness(t, Options{})
	admin := h.login("admin", "admin-password").AccessToken
	rec := h.do(http.MethodPost, "/api/v1/schedules/", admin, scheduleBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/requested-tasks/", admin, requestTasksReq{ScheduleNames: []string{"wikipedia_en_top"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody[requestTasksResp](t, rec).Requested[0]

	rec = h.do(http.MethodGet, "/api/v1/requested-tasks/"+id, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(http.MethodDelete, "/api/v1/requested-tasks/"+id, admin, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(http.MethodDelete, "/api/v1/requested-tasks/"+id, admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, Options{RatePerSec: 0.001, RateBurst: 2})
	for i := 0; i < 2; i++ {
		rec := h.do(http.MethodGet, "/api/v1/schedules/", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	rec := h.do(http.MethodGet, "/api/v1/schedules/", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = h.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health is not rate limited")
}

func TestSecretFlagsHiddenFromReaders(t *testing.T) {
	h := newHarness(t, Options{})
	admin := h.login("admin", "admin-password").AccessToken
	worker := h.login("worker1", "worker-password").AccessToken

	body := map[string]any{
		"name":     "youtube_channel",
		"category": "youtube",
		"language": "eng",
		"enabled":  true,
		"beat": map[string]any{
			"type":   "crontab",
			"config": map[string]string{"minute": "0", "hour": "3"},
		},
		"config": map[string]any{
			"task_name": "youtube",
			"image":     map[string]string{"name": "ghcr.io/openzim/youtube", "tag": "3.0"},
			"resources": map[string]any{"cpu": 1, "memory": 1 << 30, "disk": 1 << 30},
			"flags":     map[string]any{"id": "UC123", "api-key": "SUPER-SECRET-KEY", "type": "channel"},
		},
		"warehouse_path": "/videos",
	}
	rec := h.do(http.MethodPost, "/api/v1/schedules/", admin, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	for _, path := range []string{"/api/v1/schedules/youtube_channel", "/api/v1/schedules/"} {
		rec = h.do(http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), "SUPER-SECRET-KEY", path)
		assert.Contains(t, rec.Body.String(), `"api-key":"********"`, path)
		assert.Contains(t, rec.Body.String(), `"id":"UC123"`, path)
	}
	rec = h.do(http.MethodGet, "/api/v1/schedules/youtube_channel", admin, nil)
	assert.Contains(t, rec.Body.String(), "SUPER-SECRET-KEY", "editors see what they edit")

	rec = h.do(http.MethodPost, "/api/v1/requested-tasks/", admin, requestTasksReq{ScheduleNames: []string{"youtube_channel"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeBody[requestTasksResp](t, rec).Requested[0]

	for _, path := range []string{"/api/v1/requested-tasks/", "/api/v1/requested-tasks/" + id} {
		rec = h.do(http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), "SUPER-SECRET-KEY", path)
	}

	rec = h.do(http.MethodPost, "/api/v1/tasks/claim?worker_name=w1&queue=medium", worker, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	task := decodeBody[domain.Task](t, rec)
	assert.Equal(t, "SUPER-SECRET-KEY", task.Config.Flags["api-key"], "the claiming worker gets the real value")

	for _, path := range []string{"/api/v1/tasks/", "/api/v1/tasks/" + task.ID, "/api/v1/schedules/youtube_channel"} {
		for _, token := range []string{"", worker} {
			rec = h.do(http.MethodGet, path, token, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.NotContains(t, rec.Body.String(), "SUPER-SECRET-KEY", path)
		}
	}
}
