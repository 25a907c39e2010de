package application

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/microcosm-cc/bluemonday"
	"k8s.io/utils/clock"

	"github.com/ericfisherdev/acctswitch/internal/domain/model"
	"github.com/ericfisherdev/acctswitch/internal/domain/port/driven"
)

// BrokerConfig bounds revocation retries. Issuance is never retried.
type BrokerConfig struct {
	RevokeMaxRetries      uint64
	RevokeInitialInterval time.Duration
}

// credentialSource is the read side of CredentialStore used by the broker.
type credentialSource interface {
	Get(ctx context.Context, scope model.Scope) *model.Credential
	Active() *model.Credential
}

// CredentialBroker performs the privileged remote token operations and
// normalizes every failure into *model.IssuanceError or *model.RevocationError.
// It never writes local state.
type CredentialBroker struct {
	api    driven.TokenAPI
	store  credentialSource
	clock  clock.PassiveClock
	cfg    BrokerConfig
	logger *slog.Logger
	policy *bluemonday.Policy

	mu      sync.Mutex
	revoked map[string]struct{}
}

// NewCredentialBroker creates a CredentialBroker.
func NewCredentialBroker(api driven.TokenAPI, store credentialSource, clk clock.PassiveClock, cfg BrokerConfig, logger *slog.Logger) *CredentialBroker {
	return &CredentialBroker{
		api:     api,
		store:   store,
		clock:   clk,
		cfg:     cfg,
		logger:  logger,
		policy:  bluemonday.StrictPolicy(),
		revoked: make(map[string]struct{}),
	}
}

// IssueProxyCredential asks the API for a proxy credential for the child
// account targetAccountID, authorized by the parent credential: the reserve
// while delegated, otherwise the active credential. Calling it twice creates
// two independent credentials.
func (b *CredentialBroker) IssueProxyCredential(ctx context.Context, targetAccountID string) (*model.Credential, error) {
	if strings.TrimSpace(targetAccountID) == "" {
		return nil, &model.IssuanceError{Reason: "no target account selected", Err: model.ErrInvalidTransition}
	}

	parent := b.parentCredential(ctx)
	if parent == nil {
		return nil, &model.IssuanceError{Reason: model.ErrNoParentCredential.Error(), Err: model.ErrNoParentCredential}
	}
	if parent.ExpiredAt(b.clock.Now()) {
		return nil, &model.IssuanceError{Reason: model.ErrParentSessionExpired.Error(), Err: model.ErrParentSessionExpired}
	}

	cred, err := b.api.CreateProxyToken(ctx, parent.Token, parent.OwnerAccountID, targetAccountID)
	if err != nil {
		b.logger.Warn("proxy credential issuance failed", "target_account_id", targetAccountID, "error", err)
		return nil, &model.IssuanceError{Reason: b.reason(err), Err: err}
	}

	if !cred.HasExpiry() {
		// Proxy credentials must expire; give this one back.
		b.logger.Error("issued proxy credential has no expiry", "credential_id", cred.ID)
		if rerr := b.RevokeCredential(context.WithoutCancel(ctx), *cred); rerr != nil {
			b.logger.Warn("failed to revoke proxy credential without expiry", "credential_id", cred.ID, "error", rerr)
		}
		return nil, &model.IssuanceError{Reason: "issued credential has no expiry"}
	}

	b.logger.Info("proxy credential issued",
		"credential_id", cred.ID,
		"target_account_id", targetAccountID,
		"expires_at", cred.ExpiresAt,
	)
	return cred, nil
}

// parentCredential returns the reserve credential when one is stored, or the
// active credential when it is a parent credential.
func (b *CredentialBroker) parentCredential(ctx context.Context) *model.Credential {
	if reserve := b.store.Get(ctx, model.ScopeParent); reserve != nil {
		return reserve
	}
	if active := b.store.Active(); active != nil && active.Scope == model.ScopeParent {
		return active
	}
	return nil
}

// RevokeCredential revokes cred remotely, authorizing with its own bearer.
// A token the API no longer knows counts as revoked, and so does one this
// broker already revoked. Transient failures are retried with exponential
// backoff. A credential without an id is looked up with PendingRevocation.
func (b *CredentialBroker) RevokeCredential(ctx context.Context, cred model.Credential) error {
	if cred.ID == "" {
		found, err := b.PendingRevocation(ctx, cred)
		if err != nil {
			return &model.RevocationError{Reason: b.reason(err), Err: err}
		}
		if found == nil {
			b.logger.Info("credential not listed remotely, treating as revoked")
			return nil
		}
		cred.ID = found.ID
	}

	if b.wasRevoked(cred.ID) {
		return nil
	}

	var notFound bool
	op := func() error {
		err := b.api.RevokeToken(ctx, cred.Token, cred.ID)
		if err == nil {
			return nil
		}
		if errors.Is(err, driven.ErrTokenNotFound) {
			notFound = true
			return nil
		}
		var remote *driven.RemoteError
		if errors.As(err, &remote) && !remote.Temporary() {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.RevokeInitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, b.cfg.RevokeMaxRetries), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		b.logger.Warn("credential revocation failed, retrying",
			"credential_id", cred.ID,
			"retry_in", wait,
			"error", err,
		)
	})
	if err != nil {
		b.logger.Error("credential revocation failed", "credential_id", cred.ID, "error", err)
		return &model.RevocationError{CredentialID: cred.ID, Reason: b.reason(err), Err: err}
	}

	b.markRevoked(cred.ID)
	b.logger.Info("credential revoked", "credential_id", cred.ID, "already_gone", notFound)
	return nil
}

// PendingRevocation lists the tokens visible to cred and returns the one
// whose listed prefix matches cred's bearer, or nil when none does.
func (b *CredentialBroker) PendingRevocation(ctx context.Context, cred model.Credential) (*model.Credential, error) {
	if cred.Token == "" {
		return nil, errors.New("credential has no bearer value")
	}

	listed, err := b.api.ListTokens(ctx, cred.Token)
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}

	for i := range listed {
		prefix := listed[i].Token
		if prefix != "" && strings.HasPrefix(cred.Token, prefix) {
			match := listed[i]
			match.Token = cred.Token
			return &match, nil
		}
	}
	return nil, nil
}

func (b *CredentialBroker) wasRevoked(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.revoked[id]
	return ok
}

func (b *CredentialBroker) markRevoked(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked[id] = struct{}{}
}

// reason turns err into a plain-text message fit for display.
func (b *CredentialBroker) reason(err error) string {
	var remote *driven.RemoteError
	switch {
	case errors.As(err, &remote) && remote.Reason != "":
		if clean := b.sanitize(remote.Reason); clean != "" {
			return clean
		}
		return fmt.Sprintf("cloud API returned %d", remote.StatusCode)
	case errors.As(err, &remote):
		if text := http.StatusText(remote.StatusCode); text != "" {
			return strings.ToLower(text)
		}
		return fmt.Sprintf("cloud API returned %d", remote.StatusCode)
	case errors.Is(err, context.Canceled):
		return "request canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "cloud API did not respond in time"
	default:
		return "cloud API unreachable"
	}
}

// sanitize strips markup from a provider-supplied reason.
func (b *CredentialBroker) sanitize(s string) string {
	return strings.TrimSpace(html.UnescapeString(b.policy.Sanitize(s)))
}
