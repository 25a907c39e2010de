package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/ericfisherdev/acctswitch/internal/domain/model"
)

// SessionController owns the delegated-access session. Every state change
// happens under its mutex; remote calls are made outside it while the
// session sits in PhaseTransitioning, which rejects any other transition.
type SessionController struct {
	store   *CredentialStore
	broker  *CredentialBroker
	watcher *ExpiryWatcher
	clock   clock.PassiveClock
	logger  *slog.Logger

	mu    sync.Mutex
	state model.SessionState
	// epoch changes on every forced logout. A transition that started in an
	// older epoch discards its result.
	epoch uint64
	// proxyExpiry is the expiry the watcher was last started for; events of
	// other runs are ignored.
	proxyExpiry time.Time

	listenersMu  sync.Mutex
	listeners    map[int]func(model.SessionState)
	nextListener int
}

// NewSessionController creates a controller in PhaseIdle and subscribes it
// to the watcher's events.
func NewSessionController(
	store *CredentialStore,
	broker *CredentialBroker,
	watcher *ExpiryWatcher,
	clk clock.PassiveClock,
	logger *slog.Logger,
) *SessionController {
	c := &SessionController{
		store:     store,
		broker:    broker,
		watcher:   watcher,
		clock:     clk,
		logger:    logger,
		state:     model.SessionState{Phase: model.PhaseIdle},
		listeners: make(map[int]func(model.SessionState)),
	}
	if active := store.Active(); active != nil {
		info := active.Info()
		c.state.Active = &info
	}
	watcher.Notify(c.handleExpiryEvent)
	return c
}

// State returns a snapshot of the session.
func (c *SessionController) State() model.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe registers fn to receive a snapshot after every change. The
// returned function unregisters it. fn must not block.
func (c *SessionController) Subscribe(fn func(model.SessionState)) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.listeners, id)
	}
}

// BeginDelegation starts a delegated session for targetAccountID. While
// already delegated it switches to another child account: the current proxy
// credential is replaced and revoked, the reserve stays.
func (c *SessionController) BeginDelegation(ctx context.Context, targetAccountID string) error {
	prev, epoch, err := c.enter(model.EventBeginDelegation)
	if err != nil {
		return err
	}

	if prev.Phase == model.PhaseIdle {
		return c.begin(ctx, epoch, targetAccountID)
	}
	return c.rotate(ctx, epoch, targetAccountID)
}

// ContinueWorking replaces the proxy credential with a fresh one for the same
// child account. The new credential is issued and swapped in before the old
// one is revoked, so no request is signed with a revoked credential.
func (c *SessionController) ContinueWorking(ctx context.Context) error {
	prev, epoch, err := c.enter(model.EventContinueWorking)
	if err != nil {
		return err
	}
	return c.rotate(ctx, epoch, prev.TargetAccountID)
}

// EndDelegation revokes the proxy credential and restores the reserve parent
// credential. The session always ends in PhaseIdle: a failed revocation is
// kept as LastError only.
func (c *SessionController) EndDelegation(ctx context.Context) error {
	_, epoch, err := c.enter(model.EventEndDelegation)
	if err != nil {
		return err
	}

	var revokeErr error
	if proxy := c.store.Get(ctx, model.ScopeProxy); proxy != nil && !proxy.ExpiredAt(c.clock.Now()) {
		revokeErr = c.broker.RevokeCredential(ctx, *proxy)
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return model.ErrTransitionAborted
	}

	parent := c.store.Get(ctx, model.ScopeParent)
	change := model.SlotChange{Clear: []model.Slot{model.SlotProxy, model.SlotParent}}

	next := model.SessionState{Phase: c.mustTransition(model.EventEnded)}
	var parentErr error
	if parent != nil && !parent.ExpiredAt(c.clock.Now()) {
		change.Set = map[model.Slot]model.Credential{model.SlotActive: *parent}
		info := parent.Info()
		next.Active = &info
	} else {
		change.Clear = append(change.Clear, model.SlotActive)
		parentErr = model.ErrParentSessionExpired
		next.RedirectToLogout = true
	}

	if err := c.store.Commit(ctx, change); err != nil {
		c.logger.Error("failed to restore parent credential", "error", err)
		if perr := c.store.Purge(context.WithoutCancel(ctx)); perr != nil {
			c.logger.Error("failed to purge credentials", "error", perr)
		}
		next.Active = nil
		next.RedirectToLogout = true
		parentErr = err
	}

	c.watcher.Stop()
	c.proxyExpiry = time.Time{}
	next.LastError = errors.Join(revokeErr, parentErr)
	c.state = next

	c.logger.Info("delegated session ended",
		"revoked", revokeErr == nil,
		"redirect_to_logout", next.RedirectToLogout,
	)
	c.publishAndUnlock()
	return nil
}

// ForceLogout clears every stored credential without contacting the API and
// resets the session to PhaseIdle with a logout redirect. It is accepted in
// every phase; a transition still waiting on the API is abandoned.
func (c *SessionController) ForceLogout(ctx context.Context) error {
	c.mu.Lock()
	c.epoch++
	c.watcher.Stop()
	c.proxyExpiry = time.Time{}

	err := c.store.Purge(ctx)
	if err != nil {
		c.logger.Error("force logout could not clear stored credentials", "error", err)
	}

	c.state = model.SessionState{
		Phase:            c.mustTransition(model.EventForceLogout),
		RedirectToLogout: true,
	}
	c.logger.Info("session force logged out")
	c.publishAndUnlock()
	return err
}

// Restore rebuilds a delegated session persisted by a previous run. It is a
// no-op when nothing was delegated. Call it once at startup, after
// CredentialStore.Load.
func (c *SessionController) Restore(ctx context.Context) error {
	c.mu.Lock()

	if c.state.Phase != model.PhaseIdle {
		phase := c.state.Phase
		c.mu.Unlock()
		return fmt.Errorf("restore in phase %s: %w", phase, model.ErrInvalidTransition)
	}

	proxy := c.store.Get(ctx, model.ScopeProxy)
	parent := c.store.Get(ctx, model.ScopeParent)
	active := c.store.Active()

	if proxy == nil && parent == nil {
		if active != nil {
			info := active.Info()
			c.state.Active = &info
		}
		c.mu.Unlock()
		return nil
	}

	if proxy == nil || parent == nil || active == nil || active.ID != proxy.ID {
		c.logger.Warn("discarding incomplete delegated session",
			"has_proxy", proxy != nil,
			"has_parent", parent != nil,
		)
		change := model.SlotChange{Clear: []model.Slot{model.SlotProxy, model.SlotParent}}
		if parent != nil {
			change.Set = map[model.Slot]model.Credential{model.SlotActive: *parent}
		} else if active != nil && active.Scope == model.ScopeProxy {
			change.Clear = append(change.Clear, model.SlotActive)
		}
		if err := c.store.Commit(ctx, change); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("discard incomplete session: %w", err)
		}
		c.state.Active = nil
		if restored := c.store.Active(); restored != nil {
			info := restored.Info()
			c.state.Active = &info
		}
		c.publishAndUnlock()
		return nil
	}

	activeInfo := proxy.Info()
	reserveInfo := parent.Info()
	c.state = model.SessionState{
		SessionID:       uuid.NewString(),
		Phase:           c.mustTransition(model.EventRestored),
		Active:          &activeInfo,
		Reserve:         &reserveInfo,
		TargetAccountID: proxy.OwnerAccountID,
	}

	if proxy.ExpiredAt(c.clock.Now()) {
		c.state.Phase = model.PhaseExpired
		c.state.RedirectToLogout = true
		c.logger.Info("restored delegated session has expired", "credential_id", proxy.ID)
	} else {
		c.proxyExpiry = proxy.ExpiresAt
		c.watcher.Start(proxy.ExpiresAt)
		c.logger.Info("delegated session restored",
			"session_id", c.state.SessionID,
			"target_account_id", c.state.TargetAccountID,
		)
	}
	c.publishAndUnlock()
	return nil
}

// enter moves the session into PhaseTransitioning for event. It returns the
// state before the move and the epoch the transition runs in.
func (c *SessionController) enter(event model.SessionEvent) (model.SessionState, uint64, error) {
	c.mu.Lock()

	prev := c.state
	if prev.Phase == model.PhaseTransitioning {
		c.mu.Unlock()
		c.logger.Debug("transition rejected: another is in flight", "event", event)
		return prev, 0, model.ErrConcurrentTransition
	}

	next, ok := Transition(prev.Phase, event)
	if !ok {
		c.mu.Unlock()
		if event == model.EventEndDelegation && prev.Phase == model.PhaseIdle {
			return prev, 0, model.ErrNotDelegated
		}
		return prev, 0, fmt.Errorf("%s in phase %s: %w", event, prev.Phase, model.ErrInvalidTransition)
	}

	epoch := c.epoch
	c.state.Phase = next
	c.publishAndUnlock()
	return prev, epoch, nil
}

// begin issues the first proxy credential of a session.
func (c *SessionController) begin(ctx context.Context, epoch uint64, targetAccountID string) error {
	parent := c.store.Active()

	var cred *model.Credential
	var err error
	if parent == nil || parent.Scope != model.ScopeParent {
		err = &model.IssuanceError{Reason: model.ErrNoParentCredential.Error(), Err: model.ErrNoParentCredential}
	} else {
		cred, err = c.broker.IssueProxyCredential(ctx, targetAccountID)
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.discard(ctx, cred)
		return model.ErrTransitionAborted
	}

	if err == nil {
		err = c.store.Commit(ctx, model.SlotChange{Set: map[model.Slot]model.Credential{
			model.SlotActive: *cred,
			model.SlotProxy:  *cred,
			model.SlotParent: *parent,
		}})
		if err != nil {
			err = fmt.Errorf("storing proxy credential: %w", err)
		}
	}

	if err != nil {
		c.state.Phase = c.mustTransition(model.EventBeginFailed)
		c.state.LastError = err
		c.logger.Warn("delegation failed", "target_account_id", targetAccountID, "error", err)
		c.publishAndUnlock()
		c.discard(ctx, cred)
		return err
	}

	activeInfo := cred.Info()
	reserveInfo := parent.Info()
	c.state = model.SessionState{
		SessionID:       uuid.NewString(),
		Phase:           c.mustTransition(model.EventIssued),
		Active:          &activeInfo,
		Reserve:         &reserveInfo,
		TargetAccountID: targetAccountID,
	}
	c.proxyExpiry = cred.ExpiresAt
	c.watcher.Start(cred.ExpiresAt)

	c.logger.Info("delegated session started",
		"session_id", c.state.SessionID,
		"target_account_id", targetAccountID,
		"credential_id", cred.ID,
	)
	c.publishAndUnlock()
	return nil
}

// rotate replaces the current proxy credential with a new one for
// targetAccountID: issue, swap, then revoke the old credential.
func (c *SessionController) rotate(ctx context.Context, epoch uint64, targetAccountID string) error {
	old := c.store.Get(ctx, model.ScopeProxy)

	cred, err := c.broker.IssueProxyCredential(ctx, targetAccountID)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.discard(ctx, cred)
		return model.ErrTransitionAborted
	}

	if err == nil {
		err = c.store.Commit(ctx, model.SlotChange{Set: map[model.Slot]model.Credential{
			model.SlotActive: *cred,
			model.SlotProxy:  *cred,
		}})
		if err != nil {
			err = fmt.Errorf("storing proxy credential: %w", err)
		}
	}

	if err != nil {
		if old != nil && !old.ExpiredAt(c.clock.Now()) {
			c.state.Phase = c.mustTransition(model.EventRotationFailed)
		} else {
			c.state.Phase = c.mustTransition(model.EventExpired)
			c.state.RedirectToLogout = true
			c.watcher.Stop()
		}
		c.state.LastError = err
		c.logger.Warn("proxy credential rotation failed",
			"target_account_id", targetAccountID,
			"phase", c.state.Phase,
			"error", err,
		)
		c.publishAndUnlock()
		c.discard(ctx, cred)
		return err
	}

	// The new credential signs requests from here on; the session stays in
	// PhaseTransitioning until the old one is revoked.
	c.watcher.Stop()
	activeInfo := cred.Info()
	c.state.Active = &activeInfo
	c.state.TargetAccountID = targetAccountID
	c.proxyExpiry = cred.ExpiresAt
	c.publishAndUnlock()

	var revokeErr error
	if old != nil && old.ID != cred.ID {
		revokeErr = c.broker.RevokeCredential(ctx, *old)
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.discard(ctx, cred)
		return model.ErrTransitionAborted
	}

	c.state.Phase = c.mustTransition(model.EventIssued)
	c.state.LastError = nil
	if revokeErr != nil {
		c.state.LastError = revokeErr
	}
	c.state.RedirectToLogout = false
	c.watcher.Start(cred.ExpiresAt)

	c.logger.Info("proxy credential rotated",
		"session_id", c.state.SessionID,
		"target_account_id", targetAccountID,
		"credential_id", cred.ID,
		"old_revoked", revokeErr == nil,
	)
	c.publishAndUnlock()
	return nil
}

// discard revokes a credential issued by a transition whose result is not
// used. Failures are logged; the credential expires on its own.
func (c *SessionController) discard(ctx context.Context, cred *model.Credential) {
	if cred == nil {
		return
	}
	if err := c.broker.RevokeCredential(context.WithoutCancel(ctx), *cred); err != nil {
		c.logger.Warn("failed to revoke unused proxy credential", "credential_id", cred.ID, "error", err)
	}
}

// handleExpiryEvent applies watcher output. Events are ignored while a
// transition is in flight and when they belong to a replaced credential.
func (c *SessionController) handleExpiryEvent(ev ExpiryEvent) {
	c.mu.Lock()

	phase := c.state.Phase
	if !ev.ExpiresAt.Equal(c.proxyExpiry) || phase == model.PhaseTransitioning || !phase.IsDelegated() {
		c.mu.Unlock()
		return
	}

	switch ev.Kind {
	case ExpiryTick:
		if phase == model.PhaseExpired {
			c.mu.Unlock()
			return
		}
		c.state.RemainingSeconds = int(ev.Remaining / time.Second)

	case ExpiryWarn:
		if phase == model.PhaseWarningShown {
			c.mu.Unlock()
			return
		}
		next, ok := Transition(phase, model.EventWarn)
		if !ok {
			c.mu.Unlock()
			return
		}
		c.state.Phase = next
		c.logger.Info("delegated session expiring soon",
			"session_id", c.state.SessionID,
			"remaining", ev.Remaining,
		)

	case ExpiryExpired:
		next, ok := Transition(phase, model.EventExpired)
		if !ok {
			c.mu.Unlock()
			return
		}
		c.state.Phase = next
		c.state.RemainingSeconds = 0
		c.state.RedirectToLogout = true
		c.watcher.Stop()
		c.logger.Info("delegated session expired", "session_id", c.state.SessionID)

	default:
		c.mu.Unlock()
		return
	}

	c.publishAndUnlock()
}

// mustTransition returns the phase reached by event from the current phase.
// The controller only asks for transitions the table defines.
func (c *SessionController) mustTransition(event model.SessionEvent) model.Phase {
	next, ok := Transition(c.state.Phase, event)
	if !ok {
		panic(fmt.Sprintf("undefined session transition %s from %s", event, c.state.Phase))
	}
	return next
}

// snapshotLocked returns a copy of the state with a fresh remaining time.
func (c *SessionController) snapshotLocked() model.SessionState {
	s := c.state
	if s.Active != nil {
		info := *s.Active
		s.Active = &info
	}
	if s.Reserve != nil {
		info := *s.Reserve
		s.Reserve = &info
	}
	switch s.Phase {
	case model.PhaseDelegated, model.PhaseWarningShown, model.PhaseTransitioning:
		if !c.proxyExpiry.IsZero() {
			remaining := c.proxyExpiry.Sub(c.clock.Now())
			s.RemainingSeconds = max(0, int(remaining/time.Second))
		}
	default:
		// The parent stays in its slot for EndDelegation but is no longer
		// held in reserve once the proxy is gone.
		s.RemainingSeconds = 0
		s.Reserve = nil
	}
	return s
}

// publishAndUnlock stamps the state, releases c.mu and notifies listeners
// outside the lock. It must be called with c.mu held.
func (c *SessionController) publishAndUnlock() {
	c.state.Version++
	c.state.UpdatedAt = c.clock.Now()
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.listenersMu.Lock()
	fns := make([]func(model.SessionState), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}
