package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"consentgate.org/internal/auth"
	"consentgate.org/internal/ids"
	"consentgate.org/internal/obs"
)

const defaultEmergencyDuration = 5 * time.Minute

// Reauthenticator confirms the activator's identity immediately before a
// break-glass activation. It returns an error wrapping ErrUnauthorized (or
// auth.ErrUnauthorized) when the proof is rejected; any other error is an
// infrastructure failure.
type Reauthenticator interface {
	Verify(ctx context.Context, actor, proof string) error
}

// ReauthFunc adapts a function to Reauthenticator.
type ReauthFunc func(ctx context.Context, actor, proof string) error

func (f ReauthFunc) Verify(ctx context.Context, actor, proof string) error { return f(ctx, actor, proof) }

// EmergencyController runs the break-glass workflow: activate, expire by
// time, close with a mandatory justification.
type EmergencyController struct {
	store    Store
	log      *AuditLog
	clock    Clock
	reauth   Reauthenticator
	duration time.Duration
}

func NewEmergencyController(store Store, log *AuditLog, clock Clock, reauth Reauthenticator) *EmergencyController {
	return &EmergencyController{
		store:    store,
		log:      log,
		clock:    clock,
		reauth:   reauth,
		duration: defaultEmergencyDuration,
	}
}

func isReauthFailure(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, auth.ErrUnauthorized)
}

// Activate opens an emergency session for subjectID on behalf of activatedBy
// after re-verifying proof. A subject with a session still in status Active,
// even one past its expiry, must have it closed first.
func (e *EmergencyController) Activate(ctx context.Context, subjectID, activatedBy, proof string) (EmergencySession, error) {
	subjectID = strings.TrimSpace(subjectID)
	activatedBy = strings.TrimSpace(activatedBy)
	if subjectID == "" || activatedBy == "" {
		return EmergencySession{}, fmt.Errorf("%w: subject and activator are required", ErrInvalidInput)
	}

	var verr error = ErrUnauthorized
	if e.reauth != nil {
		verr = e.reauth.Verify(ctx, activatedBy, proof)
	}
	if verr != nil {
		if !isReauthFailure(verr) {
			return EmergencySession{}, fmt.Errorf("re-authenticate activator: %w", verr)
		}
		obs.RecordEmergencyActivation("unauthorized")
		if _, err := e.log.Append(ctx, AuditEntry{
			Actor:     activatedBy,
			SubjectID: subjectID,
			Action:    ActionAccessDenied,
			Details:   "emergency activation aborted: re-authentication failed",
		}); err != nil {
			return EmergencySession{}, err
		}
		return EmergencySession{}, ErrUnauthorized
	}

	now := e.clock.Now().UTC()
	sess := EmergencySession{
		ID:          ids.NewAt(now),
		SubjectID:   subjectID,
		ActivatedBy: activatedBy,
		ActivatedAt: now,
		ExpiresAt:   now.Add(e.duration),
		Status:      SessionActive,
	}
	if err := e.store.Sessions(ctx).Create(ctx, &sess); err != nil {
		if !errors.Is(err, ErrAlreadyActive) {
			return EmergencySession{}, err
		}
		obs.RecordEmergencyActivation("rejected")
		if _, aerr := e.log.Append(ctx, AuditEntry{
			Actor:     activatedBy,
			SubjectID: subjectID,
			Action:    ActionAccessDenied,
			Details:   "emergency activation rejected: session already active",
		}); aerr != nil {
			return EmergencySession{}, aerr
		}
		return EmergencySession{}, ErrAlreadyActive
	}
	obs.RecordEmergencyActivation("ok")
	if _, err := e.log.Append(ctx, AuditEntry{
		Actor:      activatedBy,
		SubjectID:  subjectID,
		Action:     ActionEmergencyActivated,
		ContextRef: sess.ID,
		Details:    "expires_at=" + sess.ExpiresAt.Format(time.RFC3339),
	}); err != nil {
		return EmergencySession{}, err
	}
	return sess, nil
}

// Close ends a session with its justification. Only the activator may close
// it; for anyone else the session does not exist.
func (e *EmergencyController) Close(ctx context.Context, actor, sessionID, justification string) error {
	justification = strings.TrimSpace(justification)
	if justification == "" {
		return ErrJustificationRequired
	}
	sess, err := e.store.Sessions(ctx).Find(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return err
	}
	if sess.ActivatedBy != strings.TrimSpace(actor) {
		return ErrNotFound
	}
	if sess.Status == SessionClosed {
		return ErrAlreadyClosed
	}
	now := e.clock.Now().UTC()
	if err := e.store.Sessions(ctx).Close(ctx, sess.ID, justification, now); err != nil {
		return err
	}
	details := justification
	if !now.Before(sess.ExpiresAt) {
		details = "closed after expiry: " + justification
	}
	_, err = e.log.Append(ctx, AuditEntry{
		Actor:      sess.ActivatedBy,
		SubjectID:  sess.SubjectID,
		Action:     ActionEmergencyClosed,
		ContextRef: sess.ID,
		Details:    details,
	})
	return err
}

// Release lets a reviewer close a session its activator left open past
// expiry, which would otherwise block further activations for the subject.
// The reviewer's justification is recorded with the reviewer as actor.
func (e *EmergencyController) Release(ctx context.Context, actor, sessionID, justification string) error {
	actor = strings.TrimSpace(actor)
	justification = strings.TrimSpace(justification)
	if actor == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidInput)
	}
	if justification == "" {
		return ErrJustificationRequired
	}
	sess, err := e.store.Sessions(ctx).Find(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return err
	}
	if sess.Status == SessionClosed {
		return ErrAlreadyClosed
	}
	now := e.clock.Now().UTC()
	if now.Before(sess.ExpiresAt) {
		return fmt.Errorf("%w: session has not expired", ErrAlreadyActive)
	}
	recorded := "released by " + actor + ": " + justification
	if err := e.store.Sessions(ctx).Close(ctx, sess.ID, recorded, now); err != nil {
		return err
	}
	_, err = e.log.Append(ctx, AuditEntry{
		Actor:      actor,
		SubjectID:  sess.SubjectID,
		Action:     ActionEmergencyClosed,
		ContextRef: sess.ID,
		Details:    "released after expiry, activated by " + sess.ActivatedBy + ": " + justification,
	})
	return err
}

// IsActive reports whether an emergency session currently grants access.
func (e *EmergencyController) IsActive(ctx context.Context, subjectID string) (bool, error) {
	sess, err := e.Current(ctx, subjectID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sess.ActiveAt(e.clock.Now()), nil
}

// Current returns the subject's session in status Active, expired or not.
func (e *EmergencyController) Current(ctx context.Context, subjectID string) (EmergencySession, error) {
	sess, err := e.store.Sessions(ctx).ActiveForSubject(ctx, strings.TrimSpace(subjectID))
	if err != nil {
		return EmergencySession{}, err
	}
	return *sess, nil
}

// Unjustified lists sessions whose access window has ended without a
// justification being recorded.
func (e *EmergencyController) Unjustified(ctx context.Context) ([]EmergencySession, error) {
	out, err := e.store.Sessions(ctx).ListOverdue(ctx, e.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []EmergencySession{}
	}
	return out, nil
}
