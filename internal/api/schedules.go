package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"zimfarm/internal/auth"
	"zimfarm/internal/domain"
)

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.ScheduleFilter{
		Languages: q["lang"],
		Tags:      q["tag"],
		Name:      q.Get("name"),
		Queue:     q.Get("queue"),
	}
	for _, c := range q["category"] {
		f.Categories = append(f.Categories, domain.Category(c))
	}
	f.Skip, f.Limit = page(r)

	items, meta, err := s.registry.List(r.Context(), auth.FromContext(r.Context()), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[domain.Schedule]{Meta: meta, Items: items})
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req domain.Schedule
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	created, err := s.registry.Create(r.Context(), auth.FromContext(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	d, err := s.registry.Get(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var patch domain.SchedulePatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := s.registry.Update(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "name"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "name")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) describeBeat(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Describe(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "name"), r.URL.Query().Get("lang"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
