package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ericfisherdev/acctswitch/internal/domain/model"
	"github.com/ericfisherdev/acctswitch/internal/domain/port/driven"
)

// CredentialStore is the process-wide source of truth for the credential
// used by outgoing requests. It persists every slot through the driven port
// and keeps a mutex-protected copy of the active credential so the request
// signer never touches storage on the hot path.
type CredentialStore struct {
	slots  driven.CredentialStore
	logger *slog.Logger

	mu     sync.RWMutex
	active *model.Credential
}

// NewCredentialStore creates a CredentialStore over the given slot storage.
// Call Load to pick up an active credential persisted by a previous run.
func NewCredentialStore(slots driven.CredentialStore, logger *slog.Logger) *CredentialStore {
	return &CredentialStore{
		slots:  slots,
		logger: logger,
	}
}

// Load reloads the active credential from durable storage.
func (s *CredentialStore) Load(ctx context.Context) error {
	cred, err := s.slots.Get(ctx, model.SlotActive)
	if err != nil {
		return fmt.Errorf("load active credential: %w", err)
	}

	s.mu.Lock()
	s.active = cred
	s.mu.Unlock()
	return nil
}

// Get returns the stored credential of the given scope, or nil when absent.
// Storage failures are logged and reported as absent.
func (s *CredentialStore) Get(ctx context.Context, scope model.Scope) *model.Credential {
	slot, ok := model.SlotForScope(scope)
	if !ok {
		s.logger.Warn("credential lookup with unknown scope", "scope", scope)
		return nil
	}
	return s.getSlot(ctx, slot)
}

func (s *CredentialStore) getSlot(ctx context.Context, slot model.Slot) *model.Credential {
	cred, err := s.slots.Get(ctx, slot)
	if err != nil {
		s.logger.Error("failed to read credential slot", "slot", slot, "error", err)
		return nil
	}
	return cred
}

// Put overwrites the credential stored for scope.
func (s *CredentialStore) Put(ctx context.Context, scope model.Scope, cred model.Credential) error {
	slot, ok := model.SlotForScope(scope)
	if !ok {
		return fmt.Errorf("unknown credential scope %q", scope)
	}
	return s.Commit(ctx, model.SlotChange{Set: map[model.Slot]model.Credential{slot: cred}})
}

// Clear removes the credential stored for scope. Clearing an empty scope is a no-op.
func (s *CredentialStore) Clear(ctx context.Context, scope model.Scope) error {
	slot, ok := model.SlotForScope(scope)
	if !ok {
		return fmt.Errorf("unknown credential scope %q", scope)
	}
	return s.Commit(ctx, model.SlotChange{Clear: []model.Slot{slot}})
}

// SwapActiveTo makes cred the credential used by every subsequent request.
func (s *CredentialStore) SwapActiveTo(ctx context.Context, cred model.Credential) error {
	return s.Commit(ctx, model.SlotChange{Set: map[model.Slot]model.Credential{model.SlotActive: cred}})
}

// Active returns a copy of the credential currently used for outgoing
// requests, or nil when none is set.
func (s *CredentialStore) Active() *model.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return nil
	}
	cred := *s.active
	return &cred
}

// Commit applies change atomically. The in-memory active credential is
// updated only after storage accepted the change.
func (s *CredentialStore) Commit(ctx context.Context, change model.SlotChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.slots.Apply(ctx, change); err != nil {
		return fmt.Errorf("commit credential change: %w", err)
	}

	for _, slot := range change.Clear {
		if slot == model.SlotActive {
			s.active = nil
			return nil
		}
	}
	if cred, ok := change.Set[model.SlotActive]; ok {
		s.active = &cred
	}
	return nil
}

// Purge clears every slot and the in-memory active credential. The memory
// copy is dropped even when storage fails, so nothing is signed afterwards.
func (s *CredentialStore) Purge(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = nil
	err := s.slots.Apply(ctx, model.SlotChange{Clear: []model.Slot{model.SlotActive, model.SlotParent, model.SlotProxy}})
	if err != nil {
		return fmt.Errorf("purge credentials: %w", err)
	}
	return nil
}
