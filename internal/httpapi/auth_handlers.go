package httpapi

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"consentgate.org/internal/audit"
	"consentgate.org/internal/auth"
)

type devTokenRequest struct {
	User  string   `json:"user"`
	Roles []string `json:"roles"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	Roles     []string  `json:"roles"`
	ExpiresAt time.Time `json:"expires_at"`
}

const bearerTTL = 15 * time.Minute

// handleAuthToken mints actor tokens for development setups. Production
// deployments obtain tokens from the identity provider sharing the secret.
// Only the subject, clinician, responder and auditor roles can be minted.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req devTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor := strings.TrimSpace(req.User)
	if actor == "" {
		writeError(w, r, http.StatusBadRequest, "user is required")
		return
	}
	roles, bad := normalizeRoles(req.Roles)
	if bad != "" {
		writeError(w, r, http.StatusBadRequest, "unknown role "+bad)
		return
	}
	if len(roles) == 0 {
		writeError(w, r, http.StatusBadRequest, "roles are required")
		return
	}

	token, expiresAt, err := a.signer.Generate(actor, roles, bearerTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.dev_token.issued", map[string]any{
		"actor":      actor,
		"roles":      roles,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, Roles: roles, ExpiresAt: expiresAt})
}

// normalizeRoles lowercases, dedupes and sorts roles. It returns the first
// role outside the vocabulary, if any.
func normalizeRoles(in []string) ([]string, string) {
	out := make([]string, 0, len(in))
	for _, role := range in {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" {
			continue
		}
		if !auth.KnownRole(role) {
			return nil, role
		}
		if !slices.Contains(out, role) {
			out = append(out, role)
		}
	}
	slices.Sort(out)
	return out, ""
}
