package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/teranos/tasknet/pulse/async"
)

type actorKey struct{}

// authMiddleware resolves the request's bearer token to an actor.
// The token equal to server.superuser_token is the superuser; any other
// token is an authenticated user; no token is anonymous.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := s.resolveActor(requestToken(r))
		next(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	}
}

func (s *Server) resolveActor(token string) async.Actor {
	if token == "" {
		return async.Anonymous
	}
	superuser := s.Config().Server.SuperuserToken
	if superuser != "" && subtle.ConstantTimeCompare([]byte(token), []byte(superuser)) == 1 {
		return async.Actor{ID: "superuser", Authenticated: true, Superuser: true}
	}
	sum := sha256.Sum256([]byte(token))
	return async.Actor{ID: "token:" + hex.EncodeToString(sum[:4]), Authenticated: true}
}

// requestToken reads the bearer token. WebSocket clients, which cannot set
// headers from a browser, may pass ?token= instead.
func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// actorFrom returns the actor authMiddleware stored on the request
func actorFrom(r *http.Request) async.Actor {
	if actor, ok := r.Context().Value(actorKey{}).(async.Actor); ok {
		return actor
	}
	return async.Anonymous
}

// requireAuthenticated answers 403 unless the caller presented a token
func requireAuthenticated(w http.ResponseWriter, r *http.Request) (async.Actor, bool) {
	actor := actorFrom(r)
	if !actor.Authenticated {
		writeError(w, http.StatusForbidden, "authentication credentials were not provided")
		return actor, false
	}
	return actor, true
}

// requireSuperuser answers 403 unless the caller is the superuser
func requireSuperuser(w http.ResponseWriter, r *http.Request) (async.Actor, bool) {
	actor := actorFrom(r)
	if !actor.Authenticated || !actor.Superuser {
		writeError(w, http.StatusForbidden, "you do not have permission to perform this action")
		return actor, false
	}
	return actor, true
}
