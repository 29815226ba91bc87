// Package client talks to the dispatcher API on behalf of a worker.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"zimfarm/internal/dispatcher"
	"zimfarm/internal/domain"
	"zimfarm/internal/duration"
)

// ErrReauthRequired means the access token was refused even after a refresh.
var ErrReauthRequired = errors.New("re-authentication required")

// Refresher obtains a fresh access token.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// StatusError is a non-2xx answer. It matches the domain error kinds with
// errors.Is.
type StatusError struct {
	Code int
	Kind string
	Text string
}

func (e *StatusError) Error() string { return fmt.Sprintf("%d: %s", e.Code, e.Text) }

var kinds = map[string]error{
	"validation":         domain.ErrValidation,
	"malformed_beat":     domain.ErrMalformedBeat,
	"permission_denied":  domain.ErrPermissionDenied,
	"not_found":          domain.ErrNotFound,
	"already_queued":     domain.ErrAlreadyQueued,
	"invalid_state":      domain.ErrInvalidState,
	"invalid_transition": domain.ErrInvalidTransition,
}

func (e *StatusError) Is(target error) bool {
	k, ok := kinds[e.Kind]
	return ok && k == target
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

type Client struct {
	baseURL   string
	hc        *http.Client
	refresher Refresher

	mu    sync.Mutex
	token string
}

func New(baseURL string, refresher Refresher, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		hc:        &http.Client{Timeout: timeout},
		refresher: refresher,
	}
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) refresh(ctx context.Context) (string, error) {
	tok, err := c.refresher.Refresh(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	return tok, nil
}

// do sends the request. On a 401 it refreshes the token once and resends
// once; a second 401 gives ErrReauthRequired. It returns the status code.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
	}

	token := c.currentToken()
	for attempt := 0; ; attempt++ {
		resp, err := c.send(ctx, method, path, token, payload)
		if err != nil {
			return 0, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			if attempt > 0 || c.refresher == nil {
				return resp.StatusCode, ErrReauthRequired
			}
			if token, err = c.refresh(ctx); err != nil {
				return resp.StatusCode, fmt.Errorf("%w: %v", ErrReauthRequired, err)
			}
			continue
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return resp.StatusCode, readError(resp)
		}
		if out != nil && resp.StatusCode != http.StatusNoContent {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return resp.StatusCode, fmt.Errorf("decode response: %w", err)
			}
		}
		return resp.StatusCode, nil
	}
}

func (c *Client) send(ctx context.Context, method, path, token string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func readError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	serr := &StatusError{Code: resp.StatusCode, Text: http.StatusText(resp.StatusCode)}
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		serr.Text, serr.Kind = body.Error, body.Kind
	} else if text := strings.TrimSpace(string(raw)); text != "" {
		serr.Text = text
	}
	return serr
}

// ClaimNext asks for the next task. ok is false when nothing is waiting.
func (c *Client) ClaimNext(ctx context.Context, worker string, queues []string) (domain.Task, bool, error) {
	q := url.Values{"worker_name": {worker}}
	for _, name := range queues {
		q.Add("queue", name)
	}
	var t domain.Task
	code, err := c.do(ctx, http.MethodPost, "/tasks/claim?"+q.Encode(), nil, &t)
	if err != nil {
		return domain.Task{}, false, err
	}
	return t, code != http.StatusNoContent, nil
}

func (c *Client) Claim(ctx context.Context, id, worker string) (domain.Task, error) {
	var t domain.Task
	_, err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"?"+url.Values{"worker_name": {worker}}.Encode(), nil, &t)
	return t, err
}

func (c *Client) Report(ctx context.Context, id string, status domain.TaskStatus, r dispatcher.Report) (domain.Task, error) {
	body := struct {
		Event   domain.TaskStatus `json:"event"`
		Payload dispatcher.Report `json:"payload"`
	}{status, r}
	var t domain.Task
	_, err := c.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(id), body, &t)
	return t, err
}

func (c *Client) Get(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	_, err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &t)
	return t, err
}

func (c *Client) Fail(ctx context.Context, id, reason string) (domain.Task, error) {
	var t domain.Task
	_, err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/fail", map[string]string{"reason": reason}, &t)
	return t, err
}

// ExpectedDuration returns the longest known run time of a schedule, or 0
// when it has never run.
func (c *Client) ExpectedDuration(ctx context.Context, scheduleName string) (time.Duration, error) {
	var detail struct {
		Summary *duration.Summary `json:"duration_summary"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/schedules/"+url.PathEscape(scheduleName), nil, &detail); err != nil {
		return 0, err
	}
	if detail.Summary == nil {
		return 0, nil
	}
	return detail.Summary.Max(), nil
}
