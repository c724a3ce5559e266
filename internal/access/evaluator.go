package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"consentgate.org/internal/obs"
)

// Evaluator is the single decision point. It never mutates grants, tokens or
// sessions and appends exactly one audit entry per call.
type Evaluator struct {
	store Store
	log   *AuditLog
	clock Clock
}

func NewEvaluator(store Store, log *AuditLog, clock Clock) *Evaluator {
	return &Evaluator{store: store, log: log, clock: clock}
}

type verdict struct {
	decision Decision
	ref      string
	details  string
}

// Evaluate decides req against the state at server time. A deny is a normal
// result; an error means storage failed and no decision exists.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (Decision, error) {
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	req.Actor = strings.TrimSpace(req.Actor)

	v, err := e.decide(ctx, req)
	if err != nil {
		_, _ = e.log.Append(ctx, AuditEntry{
			Actor:     req.Actor,
			SubjectID: req.SubjectID,
			Action:    ActionAccessDenied,
			Details:   "evaluation failed: " + err.Error(),
		})
		return Decision{}, fmt.Errorf("evaluate access: %w", err)
	}

	action := ActionAccessDenied
	if v.decision.Allowed {
		action = ActionAccessAllowed
	}
	if _, err := e.log.Append(ctx, AuditEntry{
		Actor:      req.Actor,
		SubjectID:  req.SubjectID,
		Action:     action,
		ContextRef: v.ref,
		Details:    strings.TrimSpace(fmt.Sprintf("level=%s reason=%s %s", req.Level, v.decision.Reason, v.details)),
	}); err != nil {
		return Decision{}, fmt.Errorf("evaluate access: %w", err)
	}
	obs.RecordDecision(v.decision.Allowed, string(v.decision.Reason))
	return v.decision, nil
}

func (e *Evaluator) decide(ctx context.Context, req Request) (verdict, error) {
	deny := verdict{decision: Decision{Reason: ReasonNoAuthorization}}
	if req.SubjectID == "" || req.Actor == "" || !req.Level.Valid() {
		deny.details = "malformed request"
		return deny, nil
	}
	now := e.clock.Now()
	var notes []string

	grant, err := e.store.Grants(ctx).FindForGrantee(ctx, req.SubjectID, req.Actor)
	switch {
	case err == nil && grant.Level.Covers(req.Level):
		return verdict{decision: Decision{Allowed: true, Reason: ReasonStandingGrant}, ref: grant.ID}, nil
	case err == nil:
		notes = append(notes, "grant "+grant.ID+" level "+grant.Level.String()+" insufficient")
	case !errors.Is(err, ErrNotFound):
		return verdict{}, err
	}

	if code := NormalizeCode(req.TokenCode); code != "" {
		tok, err := e.store.Tokens(ctx).FindByCodeHash(ctx, hashCode(code))
		switch {
		case err == nil && tok.SubjectID != req.SubjectID:
			notes = append(notes, "token issued for another subject")
		case err == nil && tok.StatusAt(now) != TokenActive:
			notes = append(notes, "token "+tok.ID+" "+string(tok.StatusAt(now)))
		case err == nil && !tok.Level.Covers(req.Level):
			notes = append(notes, "token "+tok.ID+" level "+tok.Level.String()+" insufficient")
		case err == nil:
			return verdict{decision: Decision{Allowed: true, Reason: ReasonEphemeralToken}, ref: tok.ID}, nil
		case errors.Is(err, ErrNotFound):
			notes = append(notes, "unknown token code")
		default:
			return verdict{}, err
		}
	}

	sess, err := e.store.Sessions(ctx).ActiveForSubject(ctx, req.SubjectID)
	switch {
	case err == nil && !sess.ActiveAt(now):
		notes = append(notes, "emergency session "+sess.ID+" expired")
	case err == nil && req.Level > LevelEmergencyOverride:
		notes = append(notes, "level exceeds emergency override scope")
	case err == nil:
		return verdict{decision: Decision{Allowed: true, Reason: ReasonEmergencyOverride}, ref: sess.ID}, nil
	case !errors.Is(err, ErrNotFound):
		return verdict{}, err
	}

	deny.details = strings.Join(notes, "; ")
	return deny, nil
}
