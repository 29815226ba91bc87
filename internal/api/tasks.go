package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"zimfarm/internal/auth"
	"zimfarm/internal/dispatcher"
	"zimfarm/internal/domain"
)

type requestTasksReq struct {
	ScheduleNames []string `json:"schedule_names"`
	Priority      int      `json:"priority"`
	Worker        string   `json:"worker"`
}

type requestTasksResp struct {
	Requested []string `json:"requested"`
}

// requestTasks skips schedules that already have a task in flight, unless
// none could be requested at all.
func (s *Server) requestTasks(w http.ResponseWriter, r *http.Request) {
	var req requestTasksReq
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.ScheduleNames) == 0 {
		writeError(w, r, domain.FieldErrors(map[string]string{"schedule_names": "is required"}))
		return
	}
	p := auth.FromContext(r.Context())
	resp := requestTasksResp{Requested: []string{}}
	var skipped error
	for _, name := range req.ScheduleNames {
		rt, err := s.dispatcher.RequestTask(r.Context(), p, name, dispatcher.RequestOptions{Priority: req.Priority, Worker: req.Worker})
		if errors.Is(err, domain.ErrAlreadyQueued) {
			log.Debug().Str("schedule", name).Msg("already in flight, not requested")
			skipped = err
			continue
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.Requested = append(resp.Requested, rt.ID)
	}
	if len(resp.Requested) == 0 && skipped != nil {
		writeError(w, r, skipped)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) listRequestedTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.RequestedTaskFilter{ScheduleName: q.Get("schedule_name"), Queue: q.Get("queue")}
	f.Skip, f.Limit = page(r)
	items, meta, err := s.dispatcher.ListRequested(r.Context(), auth.FromContext(r.Context()), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[domain.RequestedTask]{Meta: meta, Items: items})
}

func (s *Server) getRequestedTask(w http.ResponseWriter, r *http.Request) {
	rt, err := s.dispatcher.GetRequested(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (s *Server) unrequestTask(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.UnrequestTask(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.TaskFilter{ScheduleName: q.Get("schedule_name")}
	for _, st := range q["status"] {
		f.Statuses = append(f.Statuses, domain.TaskStatus(st))
	}
	f.Skip, f.Limit = page(r)
	items, meta, err := s.dispatcher.List(r.Context(), auth.FromContext(r.Context()), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[domain.Task]{Meta: meta, Items: items})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.dispatcher.Get(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// claimNext answers 204 when nothing is waiting.
func (s *Server) claimNext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	t, err := s.dispatcher.ClaimNext(r.Context(), auth.FromContext(r.Context()), q.Get("worker_name"), q["queue"])
	if errors.Is(err, dispatcher.ErrEmpty) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) claimTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.dispatcher.Claim(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "id"), r.URL.Query().Get("worker_name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

type reportReq struct {
	Event   domain.TaskStatus `json:"event"`
	Payload dispatcher.Report `json:"payload"`
}

func (s *Server) reportTask(w http.ResponseWriter, r *http.Request) {
	var req reportReq
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.dispatcher.ReportStatus(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "id"), req.Event, req.Payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.dispatcher.Cancel(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type failReq struct {
	Reason string `json:"reason"`
}

func (s *Server) failTask(w http.ResponseWriter, r *http.Request) {
	var req failReq
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	t, err := s.dispatcher.ForceFail(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
