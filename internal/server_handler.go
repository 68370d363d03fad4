package internal

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"chatcore/internal/log"
)

var errUnauthorized = errors.New("unauthorized")

type authContext struct {
	Token    string
	UserID   int64
	Username string
}

// authenticateRequest resolves the session token from the Authorization
// header, falling back to the token query parameter websocket clients use.
func (s *Server) authenticateRequest(r *http.Request) (*authContext, error) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return nil, errUnauthorized
	}
	sess, err := s.store.GetSession(r.Context(), token)
	if err != nil {
		return nil, err
	}
	if sess == nil || time.Now().After(sess.ExpiresAt) {
		return nil, errUnauthorized
	}
	user, err := s.store.GetUserByID(r.Context(), sess.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errUnauthorized
	}
	return &authContext{Token: token, UserID: user.ID, Username: user.Username}, nil
}

// requireAuth writes the failure response itself when authentication fails.
func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) (*authContext, bool) {
	authCtx, err := s.authenticateRequest(r)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errUnauthorized) {
			status = http.StatusUnauthorized
		}
		http.Error(w, http.StatusText(status), status)
		return nil, false
	}
	return authCtx, true
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func (s *Server) clientIP(r *http.Request) string {
	return log.ClientIP(r)
}
