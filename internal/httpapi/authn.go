package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"consentgate.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/token",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="consentgate"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.signer.Parse(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="consentgate", error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := auth.ContextWithUser(r.Context(), claims.Subject, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole admits requests whose actor holds at least one of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := auth.UserIDFromContext(r.Context()); !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="consentgate"`)
				writeError(w, r, http.StatusUnauthorized, "authentication required")
				return
			}
			for _, role := range roles {
				if auth.HasRole(r.Context(), role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="consentgate", error="insufficient_scope"`)
			writeError(w, r, http.StatusForbidden, "forbidden")
		})
	}
}

// requireSelf admits only the subject named in the path.
func requireSelf(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := auth.UserIDFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		if userID != r.PathValue("subject") {
			writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r)
	}
}

// requireSelfOr admits the subject itself or an actor holding one of roles.
func requireSelfOr(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := auth.UserIDFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		if userID == r.PathValue("subject") {
			next(w, r)
			return
		}
		for _, role := range roles {
			if auth.HasRole(r.Context(), role) {
				next(w, r)
				return
			}
		}
		writeError(w, r, http.StatusForbidden, "forbidden")
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
