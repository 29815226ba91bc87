package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"zimfarm/internal/accounts"
	"zimfarm/internal/auth"
	"zimfarm/internal/dispatcher"
	"zimfarm/internal/domain"
	"zimfarm/internal/registry"
)

type Options struct {
	APIPrefix  string
	RatePerSec float64
	RateBurst  int
	Debug      bool
}

type Server struct {
	r          *chi.Mux
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	accounts   *accounts.Service
	issuer     *auth.Issuer
}

func NewServer(reg *registry.Registry, disp *dispatcher.Dispatcher, acc *accounts.Service, issuer *auth.Issuer, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	s := &Server{r: r, registry: reg, dispatcher: disp, accounts: acc, issuer: issuer}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	prefix := "/" + strings.Trim(opts.APIPrefix, "/")
	r.Route(prefix, func(r chi.Router) {
		if opts.RatePerSec > 0 {
			r.Use(newRateLimiter(opts.RatePerSec, opts.RateBurst).middleware)
		}
		r.Use(s.authenticate)

		r.Post("/auth/authorize", s.authorize)
		r.Post("/auth/token", s.refreshToken)

		r.Route("/users", func(r chi.Router) {
			r.Post("/", s.createUser)
			r.Get("/{username}", s.getUser)
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.listSchedules)
			r.Post("/", s.createSchedule)
			r.Get("/{name}", s.getSchedule)
			r.Patch("/{name}", s.updateSchedule)
			r.Delete("/{name}", s.deleteSchedule)
			r.Get("/{name}/beat", s.describeBeat)
		})

		r.Route("/requested-tasks", func(r chi.Router) {
			r.Get("/", s.listRequestedTasks)
			r.Post("/", s.requestTasks)
			r.Get("/{id}", s.getRequestedTask)
			r.Delete("/{id}", s.unrequestTask)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Post("/claim", s.claimNext)
			r.Get("/{id}", s.getTask)
			r.Post("/{id}", s.claimTask)
			r.Patch("/{id}", s.reportTask)
			r.Post("/{id}/cancel", s.cancelTask)
			r.Post("/{id}/fail", s.failTask)
		})
	})

	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.dispatcher.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)

	var b strings.Builder
	b.WriteString("zimfarm_up 1\n")
	for _, st := range statuses {
		fmt.Fprintf(&b, "zimfarm_tasks{status=%q} %d\n", st, counts[domain.TaskStatus(st)])
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(b.String()))
}

// authenticate attaches the caller's principal. Requests without a token
// run as anonymous; a bad token is rejected outright.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		p, err := s.issuer.Verify(token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

type errorBody struct {
	Error  string            `json:"error"`
	Kind   string            `json:"kind"`
	Fields map[string]string `json:"fields,omitempty"`
}

var errorKinds = []struct {
	err    error
	status int
	kind   string
}{
	{auth.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{domain.ErrValidation, http.StatusBadRequest, "validation"},
	{domain.ErrMalformedBeat, http.StatusBadRequest, "malformed_beat"},
	{domain.ErrPermissionDenied, http.StatusForbidden, "permission_denied"},
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrAlreadyQueued, http.StatusConflict, "already_queued"},
	{domain.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Error: "internal error", Kind: "internal"}
	status := http.StatusInternalServerError
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			status, body.Kind, body.Error = k.status, k.kind, err.Error()
			break
		}
	}
	// Anonymous callers are asked to log in rather than told they lack a grant.
	if status == http.StatusForbidden && auth.FromContext(r.Context()).Username == "" {
		status, body.Kind = http.StatusUnauthorized, "unauthorized"
	}
	var derr *domain.Error
	if errors.As(err, &derr) {
		body.Fields = derr.Fields
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.Validationf("invalid JSON body: %v", err)
	}
	return nil
}

type listResponse[T any] struct {
	Meta  domain.Page `json:"meta"`
	Items []T         `json:"items"`
}

// page reads skip and limit. Garbage is treated as absent.
func page(r *http.Request) (int, int) {
	q := r.URL.Query()
	skip, _ := strconv.Atoi(q.Get("skip"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	return skip, limit
}
