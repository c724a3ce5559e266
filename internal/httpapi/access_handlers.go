package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"consentgate.org/internal/access"
	"consentgate.org/internal/audit"
	"consentgate.org/internal/auth"
	"consentgate.org/internal/obs"
)

type createGrantRequest struct {
	Grantee access.Grantee `json:"grantee"`
	Level   access.Level   `json:"level"`
}

type issueTokenRequest struct {
	TTLSeconds int           `json:"ttl_seconds"`
	Level      *access.Level `json:"level,omitempty"`
}

type validateRequest struct {
	Code string `json:"code"`
}

type evaluateRequest struct {
	Level     access.Level `json:"level"`
	TokenCode string       `json:"token_code,omitempty"`
}

type evaluateResponse struct {
	Allowed  bool          `json:"allowed"`
	Decision string        `json:"decision"`
	Reason   access.Reason `json:"reason"`
}

type listResponse[T any] struct {
	Items []T       `json:"items"`
	AsOf  time.Time `json:"as_of"`
}

func (a *API) listGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := a.svc.Grants.ListActive(r.Context(), r.PathValue("subject"))
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[access.PermissionGrant]{Items: grants, AsOf: a.svc.Now().UTC()})
}

func (a *API) createGrant(w http.ResponseWriter, r *http.Request) {
	var req createGrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	g, err := a.svc.Grants.Grant(r.Context(), r.PathValue("subject"), req.Grantee, req.Level)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) revokeGrant(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Grants.Revoke(r.Context(), r.PathValue("subject"), r.PathValue("grant")); err != nil {
		handleAccessError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) issueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.TTLSeconds < 0 {
		writeError(w, r, http.StatusBadRequest, "ttl_seconds must not be negative")
		return
	}
	var opts []access.IssueOption
	if req.Level != nil {
		opts = append(opts, access.WithTokenLevel(*req.Level))
	}
	tok, err := a.svc.Tokens.Issue(r.Context(), r.PathValue("subject"), time.Duration(req.TTLSeconds)*time.Second, opts...)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (a *API) currentToken(w http.ResponseWriter, r *http.Request) {
	tok, err := a.svc.Tokens.Current(r.Context(), r.PathValue("subject"))
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (a *API) revokeToken(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Tokens.Revoke(r.Context(), r.PathValue("subject"), r.PathValue("token")); err != nil {
		handleAccessError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// validateToken checks a presented code. Repeated failures from one actor
// are refused before the code is looked up.
func (a *API) validateToken(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.UserIDFromContext(r.Context())
	key := "validate:" + actor

	blocked, err := a.guard.Blocked(r.Context(), key)
	if err != nil {
		obs.Logger().Warn("validation guard unavailable", zap.Error(err), zap.String("actor", actor))
	}
	if blocked {
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusTooManyRequests, "too many failed validations")
		return
	}

	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, r, http.StatusBadRequest, "code is required")
		return
	}

	tok, err := a.svc.Tokens.Validate(r.Context(), actor, req.Code)
	if err != nil {
		if isPresentationFailure(err) {
			if gerr := a.guard.RecordFailure(r.Context(), key); gerr != nil {
				obs.Logger().Warn("validation guard unavailable", zap.Error(gerr), zap.String("actor", actor))
			}
		}
		handleAccessError(w, r, err)
		return
	}
	if gerr := a.guard.Reset(r.Context(), key); gerr != nil {
		obs.Logger().Warn("validation guard unavailable", zap.Error(gerr), zap.String("actor", actor))
	}
	writeJSON(w, http.StatusOK, tok)
}

func isPresentationFailure(err error) bool {
	return errors.Is(err, access.ErrNotFound) || errors.Is(err, access.ErrExpired) || errors.Is(err, access.ErrRevoked)
}

func (a *API) evaluate(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.UserIDFromContext(r.Context())
	var req evaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := a.svc.Evaluator.Evaluate(r.Context(), access.Request{
		SubjectID: r.PathValue("subject"),
		Actor:     actor,
		Level:     req.Level,
		TokenCode: req.TokenCode,
	})
	if err != nil {
		obs.Logger().Error("evaluation failed", zap.Error(err), zap.String("subject_id", r.PathValue("subject")))
		writeError(w, r, http.StatusServiceUnavailable, "decision unavailable")
		return
	}
	resp := evaluateResponse{Allowed: d.Allowed, Decision: "deny", Reason: d.Reason}
	if d.Allowed {
		resp.Decision = "allow"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) subjectAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	filter.SubjectID = r.PathValue("subject")
	page, err := a.svc.Audit.Query(r.Context(), filter)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	if page.Entries == nil {
		page.Entries = []access.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, page)
}

func parseAuditFilter(r *http.Request) (access.AuditFilter, error) {
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		return access.AuditFilter{}, err
	}
	f := access.AuditFilter{Limit: limit, Actor: strings.TrimSpace(q.Get("actor"))}
	if raw := strings.TrimSpace(q.Get("after")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return access.AuditFilter{}, errors.New("after must be a non-negative integer")
		}
		f.AfterSeq = v
	}
	if raw := strings.TrimSpace(q.Get("action")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				f.Actions = append(f.Actions, access.Action(part))
			}
		}
	}
	for name, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return access.AuditFilter{}, fmt.Errorf("%s must be an RFC3339 timestamp", name)
		}
		*dst = ts.UTC()
	}
	return f, nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, fmt.Errorf("limit must be between %d and %d", min, max)
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleAccessError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, access.ErrInvalidInput), errors.Is(err, access.ErrJustificationRequired):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, access.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, access.ErrDuplicateGrant),
		errors.Is(err, access.ErrAlreadyActive),
		errors.Is(err, access.ErrAlreadyClosed):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, access.ErrExpired), errors.Is(err, access.ErrRevoked):
		writeError(w, r, http.StatusGone, err.Error())
	case errors.Is(err, access.ErrUnauthorized), errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "re-authentication failed")
	default:
		obs.Logger().Error("request failed", zap.Error(err), zap.String("path", r.URL.Path))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}
