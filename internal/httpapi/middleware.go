package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/morrigan-hq/morrigan-server/internal/apperror"
)

type authContextKey struct{}

// AuthContext carries the resolved operator identity for the request.
type AuthContext struct {
	IdentityID string
	Functions  []string
}

func (a AuthContext) has(function string) bool {
	for _, f := range a.Functions {
		if f == function {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// authenticate resolves the request's bearer token to an AuthContext, or
// an apperror on failure.
func (s *Server) authenticate(r *http.Request) (*AuthContext, error) {
	tok := bearerToken(r)
	if tok == "" {
		return nil, apperror.New(apperror.KindAuthenticationFail, "missing bearer token")
	}
	result, err := s.tokens.Verify(tok)
	if err != nil {
		return nil, err
	}
	var functions []string
	if raw, ok := result.Context["functions"]; ok {
		if list, ok := raw.([]interface{}); ok {
			for _, f := range list {
				if str, ok := f.(string); ok {
					functions = append(functions, str)
				}
			}
		} else if list, ok := raw.([]string); ok {
			functions = list
		}
	}
	return &AuthContext{IdentityID: result.Subject, Functions: functions}, nil
}

// requireSession wraps handler, attaching the resolved AuthContext to the
// request context. /identity/me routes need only a valid session, never a
// function name.
func (s *Server) requireSession(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth, err := s.authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, auth)
		handler(w, r.WithContext(ctx))
	}
}

// requireSessionMiddleware is the chi.Middleware form of requireSession,
// for routes grouped with r.With(...).
func (s *Server) requireSessionMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return s.requireSession(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
		})
	}
}

// requireFunction gates a route on a valid session AND that function
// being present on the resolved identity.
func (s *Server) requireFunction(function string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return s.requireSession(func(w http.ResponseWriter, r *http.Request) {
			auth, _ := r.Context().Value(authContextKey{}).(*AuthContext)
			if auth == nil || !auth.has(function) {
				writeError(w, apperror.New(apperror.KindAuthenticationFail, "missing required function: "+function))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authFromContext(r *http.Request) *AuthContext {
	auth, _ := r.Context().Value(authContextKey{}).(*AuthContext)
	return auth
}
