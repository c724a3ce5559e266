package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// CredentialStore resolves the stored password hash of an actor.
type CredentialStore interface {
	PasswordHash(ctx context.Context, actorID string) (string, error)
}

// PasswordReauth re-verifies an actor's password right before a privileged step.
type PasswordReauth struct {
	store CredentialStore
}

// NewPasswordReauth constructs a PasswordReauth backed by store.
func NewPasswordReauth(store CredentialStore) *PasswordReauth {
	return &PasswordReauth{store: store}
}

// Verify returns ErrUnauthorized unless proof matches the actor's password.
// Storage failures are returned as-is so callers can tell them apart.
func (p *PasswordReauth) Verify(ctx context.Context, actorID, proof string) error {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" || proof == "" {
		return ErrUnauthorized
	}
	hash, err := p.store.PasswordHash(ctx, actorID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUnauthorized
		}
		return err
	}
	if err := VerifyPassword(hash, proof); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// MemoryCredentials is an in-process CredentialStore.
type MemoryCredentials struct {
	mu     sync.RWMutex
	hashes map[string]string
}

// NewMemoryCredentials creates an empty credential set.
func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{hashes: make(map[string]string)}
}

// SetPassword hashes and stores the password for actorID.
func (m *MemoryCredentials) SetPassword(actorID, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.hashes[strings.TrimSpace(actorID)] = hash
	m.mu.Unlock()
	return nil
}

func (m *MemoryCredentials) PasswordHash(_ context.Context, actorID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hash, ok := m.hashes[actorID]
	if !ok {
		return "", ErrNotFound
	}
	return hash, nil
}
