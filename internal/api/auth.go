package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"zimfarm/internal/accounts"
	"zimfarm/internal/auth"
)

// authorize takes credentials in the username and password headers.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) {
	username, password := r.Header.Get("username"), r.Header.Get("password")
	if username == "" || password == "" {
		writeError(w, r, fmt.Errorf("%w: username and password headers are required", auth.ErrUnauthorized))
		return
	}
	tok, err := s.accounts.Authorize(r.Context(), username, password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) refreshToken(w http.ResponseWriter, r *http.Request) {
	rt := r.Header.Get("refresh-token")
	if rt == "" {
		writeError(w, r, fmt.Errorf("%w: refresh-token header is required", auth.ErrUnauthorized))
		return
	}
	tok, err := s.accounts.Refresh(r.Context(), rt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req accounts.NewUser
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := s.accounts.CreateUser(r.Context(), auth.FromContext(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.accounts.GetUser(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
