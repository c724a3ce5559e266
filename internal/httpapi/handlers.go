package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"consentgate.org/internal/access"
	"consentgate.org/internal/auth"
	"consentgate.org/internal/limit"
	"consentgate.org/internal/obs"
	"consentgate.org/internal/stream"
)

const (
	serviceName  = "consentgate-api"
	maxBodyBytes = 1 << 20
)

// API is the HTTP layer over access.Service.
type API struct {
	mux     *http.ServeMux
	svc     *access.Service
	signer  *auth.Signer
	guard   limit.Guard
	stream  *stream.Stream
	version string

	devTokens  bool
	rateBurst  int
	ratePerSec float64
}

// Option configures API behaviour.
type Option func(*API)

// WithVersion sets the version reported by /healthz and /v1/info.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithDevTokens exposes POST /v1/auth/token.
func WithDevTokens(enabled bool) Option {
	return func(a *API) { a.devTokens = enabled }
}

// WithRateLimit sets the per-IP token bucket applied to every request.
func WithRateLimit(perSec float64, burst int) Option {
	return func(a *API) {
		if perSec > 0 && burst > 0 {
			a.ratePerSec = perSec
			a.rateBurst = burst
		}
	}
}

// WithValidationGuard replaces the brute-force guard on token validation.
func WithValidationGuard(g limit.Guard) Option {
	return func(a *API) {
		if g != nil {
			a.guard = g
		}
	}
}

// WithAuditStream enables GET /v1/audit/stream.
func WithAuditStream(s *stream.Stream) Option {
	return func(a *API) { a.stream = s }
}

// New builds the API and registers its routes.
func New(svc *access.Service, signer *auth.Signer, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		signer:     signer,
		guard:      limit.NewMemory(5, time.Minute),
		version:    "dev",
		rateBurst:  40,
		ratePerSec: 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	if a.devTokens {
		a.mux.HandleFunc("POST /v1/auth/token", a.handleAuthToken)
	}

	// consent: subject-owned resources
	a.mux.HandleFunc("GET /v1/subjects/{subject}/grants", requireSelf(a.listGrants))
	a.mux.HandleFunc("POST /v1/subjects/{subject}/grants", requireSelf(a.createGrant))
	a.mux.HandleFunc("DELETE /v1/subjects/{subject}/grants/{grant}", requireSelf(a.revokeGrant))
	a.mux.HandleFunc("POST /v1/subjects/{subject}/tokens", requireSelf(a.issueToken))
	a.mux.HandleFunc("GET /v1/subjects/{subject}/tokens/current", requireSelf(a.currentToken))
	a.mux.HandleFunc("DELETE /v1/subjects/{subject}/tokens/{token}", requireSelf(a.revokeToken))

	// presentation and decisions
	a.mux.HandleFunc("POST /v1/tokens/validate", a.validateToken)
	a.mux.HandleFunc("POST /v1/subjects/{subject}/evaluate", a.evaluate)

	// break-glass
	breakGlass := RequireRole(auth.RoleResponder, auth.RoleClinician)
	a.mux.Handle("POST /v1/subjects/{subject}/emergency", breakGlass(http.HandlerFunc(a.activateEmergency)))
	a.mux.HandleFunc("GET /v1/subjects/{subject}/emergency", requireSelfOr(a.currentEmergency, auth.RoleResponder, auth.RoleClinician, auth.RoleAuditor))
	closer := RequireRole(auth.RoleResponder, auth.RoleClinician, auth.RoleAuditor)
	a.mux.Handle("POST /v1/emergency/{session}/close", closer(http.HandlerFunc(a.closeEmergency)))

	// audit
	auditor := RequireRole(auth.RoleAuditor)
	a.mux.HandleFunc("GET /v1/subjects/{subject}/audit", requireSelfOr(a.subjectAudit, auth.RoleAuditor))
	a.mux.Handle("GET /v1/emergency/unjustified", auditor(http.HandlerFunc(a.unjustifiedSessions)))
	if a.stream != nil {
		a.mux.Handle("GET /v1/audit/stream", auditor(http.HandlerFunc(a.Stream)))
	}

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Ready(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.svc.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
