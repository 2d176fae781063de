package server

import (
	"encoding/json"
	"net/http"

	"github.com/dvcrn/storefront-session/internal/credentials"
)

type loginRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

type sessionStatus struct {
	LoggedIn           bool              `json:"loggedIn"`
	User               *credentials.User `json:"user,omitempty"`
	ExpiresAt          int64             `json:"expiresAt,omitempty"`
	SecondsUntilExpiry int64             `json:"secondsUntilExpiry,omitempty"`
	IsExpired          bool              `json:"isExpired,omitempty"`
}

func (s *Server) status(cred *credentials.Credential) sessionStatus {
	if cred == nil {
		return sessionStatus{}
	}
	user := cred.User
	secs := int64(cred.ExpiresAt.Sub(s.now()).Seconds())
	return sessionStatus{
		LoggedIn:           true,
		User:               &user,
		ExpiresAt:          cred.ExpiresAt.UnixMilli(),
		SecondsUntilExpiry: secs,
		IsExpired:          secs <= 0,
	}
}

// sessionStatusHandler handles GET /v1/session. It never reveals tokens.
func (s *Server) sessionStatusHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status(s.sessions.Current()))
}

// loginHandler handles POST /v1/session/login
func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Error().Err(err).Msg("Failed to parse request body")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Identifier == "" || req.Secret == "" {
		http.Error(w, "Missing required fields: identifier, secret", http.StatusBadRequest)
		return
	}

	cred, err := s.sessions.Login(r.Context(), req.Identifier, req.Secret)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.status(cred))
}

// logoutHandler handles POST /v1/session/logout
func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	s.sessions.Logout(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Logged out",
	})
}

// tokenHandler handles GET /v1/session/token, refreshing when needed
func (s *Server) tokenHandler(w http.ResponseWriter, r *http.Request) {
	token, err := s.sessions.GetValidAccessToken(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"accessToken": token,
		"tokenType":   "Bearer",
	}
	if cur := s.sessions.Current(); cur != nil && cur.AccessToken == token {
		resp["expiresAt"] = cur.ExpiresAt.UnixMilli()
	}
	s.writeJSON(w, http.StatusOK, resp)
}
