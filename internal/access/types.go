package access

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Level is a closed, totally ordered access scope.
type Level int

const (
	LevelViewSummary Level = iota + 1
	LevelViewRecords
	LevelEmergencyOverride
	LevelFullAccess
)

var levelNames = map[Level]string{
	LevelViewSummary:       "view_summary",
	LevelViewRecords:       "view_records",
	LevelEmergencyOverride: "emergency_override",
	LevelFullAccess:        "full_access",
}

// ParseLevel maps the wire name of a level back to its value.
func ParseLevel(s string) (Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for l, name := range levelNames {
		if name == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown level %q", ErrInvalidInput, s)
}

func (l Level) Valid() bool {
	_, ok := levelNames[l]
	return ok
}

// Covers reports whether l grants at least the requested scope.
func (l Level) Covers(requested Level) bool {
	return l.Valid() && requested.Valid() && l >= requested
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

func (l Level) MarshalJSON() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: invalid level %d", ErrInvalidInput, int(l))
	}
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Grantee identifies the holder of a standing grant. Address is the actor
// identity presented at evaluation time and is unique per subject.
type Grantee struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// PermissionGrant is a standing, subject-initiated authorization.
type PermissionGrant struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subject_id"`
	Grantee   Grantee   `json:"grantee"`
	Level     Level     `json:"level"`
	GrantedAt time.Time `json:"granted_at"`
}

type TokenStatus string

const (
	TokenActive  TokenStatus = "active"
	TokenExpired TokenStatus = "expired"
	TokenRevoked TokenStatus = "revoked"
)

// AccessToken is a short-lived credential. Only the SHA-256 of the code is
// persisted; the raw code is returned once by Issue.
type AccessToken struct {
	ID        string      `json:"id"`
	SubjectID string      `json:"subject_id"`
	CodeHash  string      `json:"-"`
	Level     Level       `json:"level"`
	IssuedAt  time.Time   `json:"issued_at"`
	ExpiresAt time.Time   `json:"expires_at"`
	Status    TokenStatus `json:"status"`
}

// StatusAt is the effective status at now, applying lazy expiry.
func (t AccessToken) StatusAt(now time.Time) TokenStatus {
	if t.Status == TokenActive && !now.Before(t.ExpiresAt) {
		return TokenExpired
	}
	return t.Status
}

// IssuedToken is the result of Issue: the stored token plus its presentable forms.
type IssuedToken struct {
	AccessToken
	Code        string `json:"code"`
	DisplayCode string `json:"display_code"`
	QRURI       string `json:"qr_uri"`
}

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// EmergencySession is a break-glass override for one subject.
type EmergencySession struct {
	ID            string        `json:"id"`
	SubjectID     string        `json:"subject_id"`
	ActivatedBy   string        `json:"activated_by"`
	ActivatedAt   time.Time     `json:"activated_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
	Justification string        `json:"justification,omitempty"`
	ClosedAt      *time.Time    `json:"closed_at,omitempty"`
	Status        SessionStatus `json:"status"`
}

// ActiveAt reports whether the session still grants access at now. An
// expired session keeps status Active until it is closed with a justification.
func (s EmergencySession) ActiveAt(now time.Time) bool {
	return s.Status == SessionActive && now.Before(s.ExpiresAt)
}

// Action enumerates audited events.
type Action string

const (
	ActionGrant              Action = "grant"
	ActionRevoke             Action = "revoke"
	ActionTokenIssued        Action = "token_issued"
	ActionTokenValidated     Action = "token_validated"
	ActionTokenExpired       Action = "token_expired"
	ActionEmergencyActivated Action = "emergency_activated"
	ActionEmergencyClosed    Action = "emergency_closed"
	ActionAccessDenied       Action = "access_denied"
	ActionAccessAllowed      Action = "access_allowed"
)

// AuditEntry is an immutable fact about one access-relevant event.
type AuditEntry struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`
	OccurredAt time.Time `json:"occurred_at"`
	Actor      string    `json:"actor"`
	SubjectID  string    `json:"subject_id,omitempty"`
	Action     Action    `json:"action"`
	ContextRef string    `json:"context_ref,omitempty"`
	Details    string    `json:"details,omitempty"`
}

// AuditFilter narrows QueryAudit. Results are ordered by Seq ascending and
// start strictly after AfterSeq.
type AuditFilter struct {
	SubjectID string
	Actor     string
	Actions   []Action
	Since     time.Time
	Until     time.Time
	AfterSeq  uint64
	Limit     int
}

// AuditPage is one page of audit entries; NextSeq feeds the next AfterSeq.
type AuditPage struct {
	Entries []AuditEntry `json:"entries"`
	NextSeq uint64       `json:"next_seq"`
}

// Reason explains a Decision.
type Reason string

const (
	ReasonStandingGrant     Reason = "standing_grant"
	ReasonEphemeralToken    Reason = "ephemeral_token"
	ReasonEmergencyOverride Reason = "emergency_override"
	ReasonNoAuthorization   Reason = "no_authorization"
)

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason"`
}

// Request is one access question put to the Evaluator.
type Request struct {
	SubjectID string
	Actor     string
	Level     Level
	// TokenCode is the raw code of an ephemeral token the actor presents, if any.
	TokenCode string
}
