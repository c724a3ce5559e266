package httpapi

import (
	"errors"
	"net/http"

	"consentgate.org/internal/access"
	"consentgate.org/internal/auth"
	"consentgate.org/internal/obs"
)

type activateRequest struct {
	Password string `json:"password"`
}

type closeRequest struct {
	Justification string `json:"justification"`
}

func (a *API) activateEmergency(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.UserIDFromContext(r.Context())
	var req activateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := a.svc.Emergency.Activate(r.Context(), r.PathValue("subject"), actor, req.Password)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (a *API) currentEmergency(w http.ResponseWriter, r *http.Request) {
	sess, err := a.svc.Emergency.Current(r.Context(), r.PathValue("subject"))
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": sess,
		"active":  sess.ActiveAt(a.svc.Now()),
	})
}

func (a *API) closeEmergency(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.UserIDFromContext(r.Context())
	var req closeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err := a.svc.Emergency.Close(r.Context(), actor, r.PathValue("session"), req.Justification)
	if errors.Is(err, access.ErrNotFound) && auth.HasRole(r.Context(), auth.RoleAuditor) {
		// Auditors clear sessions left open past expiry.
		err = a.svc.Emergency.Release(r.Context(), actor, r.PathValue("session"), req.Justification)
	}
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) unjustifiedSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.svc.Emergency.Unjustified(r.Context())
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	obs.SetUnjustifiedSessions(len(sessions))
	writeJSON(w, http.StatusOK, listResponse[access.EmergencySession]{Items: sessions, AsOf: a.svc.Now().UTC()})
}
