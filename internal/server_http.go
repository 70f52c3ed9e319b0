package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"chatline/internal/auth"
	"chatline/internal/chat"
	"chatline/internal/errs"
)

type checkResponse struct {
	User chat.User `json:"user"`
}

type statusResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Connections int    `json:"connections"`
	Online      int    `json:"online"`
}

func (s *Server) HandleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(s.clientIP(r)) {
		s.writeFailure(w, errs.ErrRateLimited)
		return
	}
	var req auth.SignupRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeFailure(w, fmt.Errorf("%w: %v", errs.ErrBadRequest, err))
		return
	}
	session, err := s.accounts.Signup(r.Context(), req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.metrics.IncSignup()
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(s.clientIP(r)) {
		s.writeFailure(w, errs.ErrRateLimited)
		return
	}
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeFailure(w, fmt.Errorf("%w: %v", errs.ErrBadRequest, err))
		return
	}
	session, err := s.accounts.Login(r.Context(), req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.metrics.IncLogin()
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) HandleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	user, err := s.accounts.Me(r.Context(), bearerToken(r))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{User: user})
}

// HandleProfile replaces the caller's full name, bio and, when avatar_ref is
// set, profile picture. The ref must come from the upload endpoint.
func (s *Server) HandleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, http.MethodPut)
		return
	}
	userID, err := s.authenticateRequest(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	var req auth.ProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeFailure(w, fmt.Errorf("%w: %v", errs.ErrBadRequest, err))
		return
	}
	if req.AvatarRef != "" && !s.uploads.Exists(req.AvatarRef) {
		s.writeFailure(w, fmt.Errorf("%w: unknown avatar_ref %q", errs.ErrValidation, req.AvatarRef))
		return
	}
	user, err := s.accounts.UpdateProfile(r.Context(), userID, req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{User: user})
}

// HandleUsers returns the caller's roster: other users, unseen counts and
// the online set.
func (s *Server) HandleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	userID, err := s.authenticateRequest(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	roster, err := s.coord.Roster(r.Context(), userID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roster)
}

func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:      "ok",
		Version:     Version,
		Connections: s.registry.Len(),
		Online:      len(s.registry.OnlineUserIDs()),
	})
}

// requireUser rejects requests without a valid bearer token.
func (s *Server) requireUser(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.authenticateRequest(r)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	writeFailure(w, err, s.metrics, s.log)
}

// writeFailure maps err onto a status code and hides internal details.
func writeFailure(w http.ResponseWriter, err error, metrics *Metrics, log *slog.Logger) {
	code := errs.Code(err)
	if metrics != nil {
		metrics.RequestFailed(code)
	}
	status := errs.HTTPStatus(err)
	if code == errs.CodeInternal {
		log.Error("Request failed", "error", err)
		err = errors.New("internal error")
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
