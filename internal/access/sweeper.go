package access

import (
	"context"
	"time"

	"go.uber.org/zap"

	"consentgate.org/internal/obs"
)

// Sweeper moves Active tokens past their expiry to Expired so that reports
// read cleanly. Correctness never depends on it: every read applies expiry
// lazily.
type Sweeper struct {
	svc *Service
}

func NewSweeper(svc *Service) *Sweeper { return &Sweeper{svc: svc} }

// Sweep runs one pass and returns the number of tokens it expired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	expired, err := s.svc.store.Tokens(ctx).ExpireBefore(ctx, s.svc.clock.Now().UTC())
	if err != nil {
		return 0, err
	}
	for _, tok := range expired {
		if _, err := s.svc.Audit.Append(ctx, AuditEntry{
			SubjectID:  tok.SubjectID,
			Action:     ActionTokenExpired,
			ContextRef: tok.ID,
			Details:    "swept after expiry at " + tok.ExpiresAt.Format(time.RFC3339),
		}); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// Start sweeps every interval until the returned stop function is called.
func (s *Sweeper) Start(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.Sweep(ctx)
				if err != nil {
					obs.Logger().Warn("token sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					obs.Logger().Info("token sweep", zap.Int("expired", n))
				}
				if overdue, err := s.svc.Emergency.Unjustified(ctx); err == nil {
					obs.SetUnjustifiedSessions(len(overdue))
					if len(overdue) > 0 {
						obs.Logger().Warn("emergency sessions awaiting justification", zap.Int("count", len(overdue)))
					}
				}
			}
		}
	}()
	return cancel
}
