package application_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/ericfisherdev/acctswitch/internal/application"
	"github.com/ericfisherdev/acctswitch/internal/domain/model"
	"github.com/ericfisherdev/acctswitch/internal/domain/port/driven"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Mock implementations ---

// memSlots is an in-memory driven.CredentialStore.
type memSlots struct {
	mu       sync.Mutex
	slots    map[model.Slot]model.Credential
	applyErr error
	getErr   error
	applies  int
}

func newMemSlots() *memSlots {
	return &memSlots{slots: make(map[model.Slot]model.Credential)}
}

func (m *memSlots) Get(_ context.Context, slot model.Slot) (*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	cred, ok := m.slots[slot]
	if !ok {
		return nil, nil
	}
	return &cred, nil
}

func (m *memSlots) Set(ctx context.Context, slot model.Slot, cred model.Credential) error {
	return m.Apply(ctx, model.SlotChange{Set: map[model.Slot]model.Credential{slot: cred}})
}

func (m *memSlots) Delete(ctx context.Context, slot model.Slot) error {
	return m.Apply(ctx, model.SlotChange{Clear: []model.Slot{slot}})
}

func (m *memSlots) Apply(_ context.Context, change model.SlotChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	m.applies++
	for slot, cred := range change.Set {
		m.slots[slot] = cred
	}
	for _, slot := range change.Clear {
		delete(m.slots, slot)
	}
	return nil
}

func (m *memSlots) setApplyErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyErr = err
}

func (m *memSlots) snapshot() map[model.Slot]model.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[model.Slot]model.Credential, len(m.slots))
	for k, v := range m.slots {
		out[k] = v
	}
	return out
}

type createCall struct {
	Authorization string
	AccountID     string
	EUUID         string
}

type revokeCall struct {
	Authorization string
	TokenID       string
}

// mockTokenAPI issues sequential proxy credentials that expire after
// lifetime, measured on clock.
type mockTokenAPI struct {
	clock    *clocktesting.FakeClock
	lifetime time.Duration

	mu      sync.Mutex
	nextID  int
	creates []createCall
	revokes []revokeCall
	listed  []model.Credential

	createFn func(ctx context.Context, euuid string) (*model.Credential, error)
	revokeFn func(ctx context.Context, tokenID string) error
	listErr  error
}

func newMockTokenAPI(clk *clocktesting.FakeClock) *mockTokenAPI {
	return &mockTokenAPI{clock: clk, lifetime: 15 * time.Minute}
}

func (m *mockTokenAPI) CreateProxyToken(ctx context.Context, authorization, accountID, euuid string) (*model.Credential, error) {
	m.mu.Lock()
	m.creates = append(m.creates, createCall{Authorization: authorization, AccountID: accountID, EUUID: euuid})
	fn := m.createFn
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, euuid)
	}
	return &model.Credential{
		ID:             fmt.Sprintf("proxy-%d", id),
		Token:          fmt.Sprintf("proxy-secret-%d", id),
		Scope:          model.ScopeProxy,
		ExpiresAt:      m.clock.Now().Add(m.lifetime),
		OwnerAccountID: euuid,
	}, nil
}

func (m *mockTokenAPI) RevokeToken(ctx context.Context, authorization, tokenID string) error {
	m.mu.Lock()
	m.revokes = append(m.revokes, revokeCall{Authorization: authorization, TokenID: tokenID})
	fn := m.revokeFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, tokenID)
	}
	return nil
}

func (m *mockTokenAPI) ListTokens(_ context.Context, _ string) ([]model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.listed, nil
}

func (m *mockTokenAPI) setCreate(fn func(ctx context.Context, euuid string) (*model.Credential, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createFn = fn
}

func (m *mockTokenAPI) setRevoke(fn func(ctx context.Context, tokenID string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokeFn = fn
}

func (m *mockTokenAPI) createCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.creates)
}

func (m *mockTokenAPI) revokedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.revokes))
	for i, r := range m.revokes {
		ids[i] = r.TokenID
	}
	return ids
}

var errUnavailable = &driven.RemoteError{StatusCode: http.StatusServiceUnavailable}

var errForbidden = &driven.RemoteError{StatusCode: http.StatusForbidden, Reason: "<b>Child account</b> is not eligible."}

var errNetwork = errors.New("dial tcp: connection refused")

// --- Clock ---

// trackingClock is a fake clock that counts tickers which have not been
// stopped. The fake ticker's own Stop leaves its waiter registered, so
// HasWaiters cannot tell a released ticker from a leaked one.
type trackingClock struct {
	*clocktesting.FakeClock

	mu   sync.Mutex
	live int
}

func newTrackingClock(t time.Time) *trackingClock {
	return &trackingClock{FakeClock: clocktesting.NewFakeClock(t)}
}

func (c *trackingClock) NewTicker(d time.Duration) clock.Ticker {
	c.mu.Lock()
	c.live++
	c.mu.Unlock()
	return &trackedTicker{Ticker: c.FakeClock.NewTicker(d), owner: c}
}

// liveTickers reports how many tickers are still unstopped.
func (c *trackingClock) liveTickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

type trackedTicker struct {
	clock.Ticker
	owner *trackingClock
	once  sync.Once
}

func (t *trackedTicker) Stop() {
	t.Ticker.Stop()
	t.once.Do(func() {
		t.owner.mu.Lock()
		t.owner.live--
		t.owner.mu.Unlock()
	})
}

// --- Harness ---

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var testParent = model.Credential{
	ID:             "parent-1",
	Token:          "parent-secret",
	Scope:          model.ScopeParent,
	OwnerAccountID: "parent-account",
}

type harness struct {
	clock      *trackingClock
	slots      *memSlots
	api        *mockTokenAPI
	store      *application.CredentialStore
	broker     *application.CredentialBroker
	watcher    *application.ExpiryWatcher
	controller *application.SessionController
	events     *stateRecorder
}

// newHarness wires a controller over in-memory storage with the parent
// credential active.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := newUnloadedHarness(t)
	require.NoError(t, h.slots.Set(context.Background(), model.SlotActive, testParent))
	h.build(t)
	return h
}

// newUnloadedHarness returns a harness whose components are created by build,
// so a test can seed storage first.
func newUnloadedHarness(t *testing.T) *harness {
	t.Helper()
	clk := newTrackingClock(testStart)
	return &harness{
		clock: clk,
		slots: newMemSlots(),
		api:   newMockTokenAPI(clk.FakeClock),
	}
}

func (h *harness) build(t *testing.T) {
	t.Helper()
	logger := discardLogger()

	h.store = application.NewCredentialStore(h.slots, logger)
	require.NoError(t, h.store.Load(context.Background()))

	h.broker = application.NewCredentialBroker(h.api, h.store, h.clock, application.BrokerConfig{
		RevokeMaxRetries:      2,
		RevokeInitialInterval: time.Millisecond,
	}, logger)

	h.watcher = application.NewExpiryWatcher(h.clock, application.WatcherConfig{
		Threshold:     5 * time.Minute,
		SkewTolerance: 30 * time.Second,
		MaxLifetime:   time.Hour,
	}, logger)

	h.controller = application.NewSessionController(h.store, h.broker, h.watcher, h.clock, logger)
	h.events = &stateRecorder{}
	h.controller.Subscribe(h.events.record)

	t.Cleanup(func() {
		h.watcher.Stop()
		h.watcher.Wait()
	})
}

// advance moves the fake clock and waits until the controller has published
// a snapshot at the new time. Only valid while the watcher runs.
func (h *harness) advance(t *testing.T, d time.Duration) {
	t.Helper()
	h.clock.Step(d)
	now := h.clock.Now()
	require.Eventually(t, func() bool {
		last, ok := h.events.last()
		return ok && !last.UpdatedAt.Before(now)
	}, time.Second, time.Millisecond)
}

// settle stops the watcher and waits for its goroutine so no further
// events arrive.
func (h *harness) settle() {
	h.watcher.Stop()
	h.watcher.Wait()
}

// stateRecorder collects published snapshots.
type stateRecorder struct {
	mu     sync.Mutex
	states []model.SessionState
}

func (r *stateRecorder) record(s model.SessionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func (r *stateRecorder) last() (model.SessionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return model.SessionState{}, false
	}
	return r.states[len(r.states)-1], true
}

// entries counts how often the published phase changed to phase.
func (r *stateRecorder) entries(phase model.Phase) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	prev := model.Phase("")
	for _, s := range r.states {
		if s.Phase == phase && prev != phase {
			n++
		}
		prev = s.Phase
	}
	return n
}

func (r *stateRecorder) phases() []model.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	phases := make([]model.Phase, len(r.states))
	for i, s := range r.states {
		phases[i] = s.Phase
	}
	return phases
}

// eventRecorder collects watcher events.
type eventRecorder struct {
	mu     sync.Mutex
	events []application.ExpiryEvent
}

func (r *eventRecorder) record(ev application.ExpiryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []application.ExpiryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]application.ExpiryEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) count(kind application.ExpiryEventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) ticks() int {
	return r.count(application.ExpiryTick)
}
