package access

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Service wires the access components over one store and clock.
type Service struct {
	store Store
	clock Clock

	Audit     *AuditLog
	Grants    *GrantRegistry
	Tokens    *CredentialIssuer
	Emergency *EmergencyController
	Evaluator *Evaluator
}

type serviceConfig struct {
	clock             Clock
	reauth            Reauthenticator
	tokenTTL          time.Duration
	maxTokenTTL       time.Duration
	tokenLevel        Level
	emergencyDuration time.Duration
	qrScheme          string
	observers         []AuditObserver
}

// ServiceOption configures Service behavior.
type ServiceOption func(*serviceConfig) error

// WithClock overrides the time source (useful for tests).
func WithClock(c Clock) ServiceOption {
	return func(cfg *serviceConfig) error {
		if c != nil {
			cfg.clock = c
		}
		return nil
	}
}

// WithReauthenticator sets the re-authentication step required by emergency activation.
func WithReauthenticator(r Reauthenticator) ServiceOption {
	return func(cfg *serviceConfig) error {
		cfg.reauth = r
		return nil
	}
}

// WithTokenTTL sets the lifetime used when Issue is called without a ttl.
func WithTokenTTL(ttl time.Duration) ServiceOption {
	return func(cfg *serviceConfig) error {
		if ttl > 0 {
			cfg.tokenTTL = ttl
		}
		return nil
	}
}

// WithMaxTokenTTL caps the ttl a subject may request.
func WithMaxTokenTTL(ttl time.Duration) ServiceOption {
	return func(cfg *serviceConfig) error {
		if ttl > 0 {
			cfg.maxTokenTTL = ttl
		}
		return nil
	}
}

// WithDefaultTokenLevel sets the scope tokens carry unless overridden per call.
func WithDefaultTokenLevel(l Level) ServiceOption {
	return func(cfg *serviceConfig) error {
		if !l.Valid() {
			return errors.New("access: invalid default token level")
		}
		cfg.tokenLevel = l
		return nil
	}
}

// WithEmergencyDuration sets how long a break-glass session grants access.
func WithEmergencyDuration(d time.Duration) ServiceOption {
	return func(cfg *serviceConfig) error {
		if d > 0 {
			cfg.emergencyDuration = d
		}
		return nil
	}
}

// WithQRScheme sets the URI scheme of QR payloads.
func WithQRScheme(scheme string) ServiceOption {
	return func(cfg *serviceConfig) error {
		cfg.qrScheme = strings.TrimSpace(scheme)
		return nil
	}
}

// WithAuditObserver registers fn to receive every committed audit entry.
func WithAuditObserver(fn AuditObserver) ServiceOption {
	return func(cfg *serviceConfig) error {
		if fn != nil {
			cfg.observers = append(cfg.observers, fn)
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("access: store is required")
	}
	cfg := serviceConfig{
		clock:             SystemClock{},
		tokenTTL:          defaultTokenTTL,
		maxTokenTTL:       defaultMaxTokenTTL,
		tokenLevel:        LevelViewRecords,
		emergencyDuration: defaultEmergencyDuration,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.tokenTTL > cfg.maxTokenTTL {
		return nil, errors.New("access: token ttl exceeds maximum")
	}

	log := NewAuditLog(store, cfg.clock)
	log.observers = cfg.observers
	issuer := NewCredentialIssuer(store, log, cfg.clock)
	issuer.defaultTTL = cfg.tokenTTL
	issuer.maxTTL = cfg.maxTokenTTL
	issuer.level = cfg.tokenLevel
	issuer.qrScheme = cfg.qrScheme

	emergency := NewEmergencyController(store, log, cfg.clock, cfg.reauth)
	emergency.duration = cfg.emergencyDuration

	return &Service{
		store:     store,
		clock:     cfg.clock,
		Audit:     log,
		Grants:    NewGrantRegistry(store, log, cfg.clock),
		Tokens:    issuer,
		Emergency: emergency,
		Evaluator: NewEvaluator(store, log, cfg.clock),
	}, nil
}

// Ready reports whether the backing store is reachable.
func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Now exposes the service clock.
func (s *Service) Now() time.Time { return s.clock.Now() }
