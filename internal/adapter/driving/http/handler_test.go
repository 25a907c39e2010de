package httphandler_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	httphandler "github.com/ericfisherdev/acctswitch/internal/adapter/driving/http"
	"github.com/ericfisherdev/acctswitch/internal/domain/model"
)

// --- Mock implementations ---

type mockSession struct {
	mu        sync.Mutex
	state     model.SessionState
	err       error
	targets   []string
	calls     []string
	listeners map[int]func(model.SessionState)
	nextID    int
}

func newMockSession() *mockSession {
	return &mockSession{
		state:     model.SessionState{Phase: model.PhaseIdle},
		listeners: make(map[int]func(model.SessionState)),
	}
}

func (m *mockSession) State() model.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockSession) Subscribe(fn func(model.SessionState)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *mockSession) subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// publish sets the state and notifies subscribers.
func (m *mockSession) publish(s model.SessionState) {
	m.mu.Lock()
	m.state = s
	fns := make([]func(model.SessionState), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (m *mockSession) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return m.err
}

func (m *mockSession) BeginDelegation(_ context.Context, target string) error {
	m.mu.Lock()
	m.targets = append(m.targets, target)
	m.mu.Unlock()
	return m.record("begin")
}

func (m *mockSession) ContinueWorking(context.Context) error { return m.record("continue") }
func (m *mockSession) EndDelegation(context.Context) error   { return m.record("end") }
func (m *mockSession) ForceLogout(context.Context) error     { return m.record("force-logout") }

type mockCredentials struct {
	cred *model.Credential
}

func (m *mockCredentials) Active() *model.Credential { return m.cred }

// --- Helpers ---

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupMux(session *mockSession) http.Handler {
	mux := http.NewServeMux()
	httphandler.RegisterAPIRoutes(mux, httphandler.NewHandler(session, discardLogger()))
	return httphandler.ApplyMiddleware(mux, discardLogger())
}

func delegatedState() model.SessionState {
	expiresAt := testNow.Add(15 * time.Minute)
	return model.SessionState{
		SessionID:        "session-1",
		Phase:            model.PhaseDelegated,
		Active:           &model.CredentialInfo{ID: "proxy-1", Scope: model.ScopeProxy, OwnerAccountID: "child-42", ExpiresAt: &expiresAt},
		Reserve:          &model.CredentialInfo{ID: "parent-1", Scope: model.ScopeParent, OwnerAccountID: "parent-account"},
		TargetAccountID:  "child-42",
		RemainingSeconds: 899,
		UpdatedAt:        testNow,
		Version:          3,
	}
}

func do(t *testing.T, handler http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Responses written by the mux itself, such as 405, are plain text.
	var decoded map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

// --- Session API ---

func TestGetSession(t *testing.T) {
	session := newMockSession()
	session.state = delegatedState()

	rec, body := do(t, setupMux(session), http.MethodGet, "/api/v1/session", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "delegated", body["phase"])
	assert.Equal(t, "child-42", body["target_account_id"])
	assert.EqualValues(t, 899, body["remaining_seconds"])
	assert.EqualValues(t, 14, body["minutes"])
	assert.EqualValues(t, 59, body["seconds"])

	active := body["active"].(map[string]any)
	assert.Equal(t, "proxy-1", active["id"])
	assert.Equal(t, "2026-03-01T12:15:00Z", active["expires_at"])
	assert.NotContains(t, rec.Body.String(), "token", "bearer values never leave the process")
}

func TestGetSession_Idle(t *testing.T) {
	rec, body := do(t, setupMux(newMockSession()), http.MethodGet, "/api/v1/session", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", body["phase"])
	assert.Nil(t, body["active"])
	assert.Nil(t, body["reserve"])
	assert.NotContains(t, body, "last_error")
}

func TestBeginDelegation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantTarget string
	}{
		{name: "valid", body: `{"target_account_id":"child-42"}`, wantStatus: http.StatusOK, wantTarget: "child-42"},
		{name: "trimmed", body: `{"target_account_id":"  child-42 "}`, wantStatus: http.StatusOK, wantTarget: "child-42"},
		{name: "missing target", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "invalid JSON", body: `{`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := newMockSession()

			rec, _ := do(t, setupMux(session), http.MethodPost, "/api/v1/session/delegation", tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantTarget != "" {
				assert.Equal(t, []string{tt.wantTarget}, session.targets)
			} else {
				assert.Empty(t, session.calls)
			}
		})
	}
}

func TestTransitions_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{name: "success", err: nil, wantStatus: http.StatusOK},
		{name: "concurrent", err: model.ErrConcurrentTransition, wantStatus: http.StatusAccepted},
		{
			name:       "issuance",
			err:        &model.IssuanceError{Reason: "Child account is not eligible."},
			wantStatus: http.StatusBadGateway,
			wantError:  "unable to continue session: Child account is not eligible.",
		},
		{
			name:       "parent expired",
			err:        &model.IssuanceError{Reason: "parent session has expired, log in again", Err: model.ErrParentSessionExpired},
			wantStatus: http.StatusUnauthorized,
			wantError:  "unable to continue session: parent session has expired, log in again",
		},
		{name: "not delegated", err: model.ErrNotDelegated, wantStatus: http.StatusConflict, wantError: model.ErrNotDelegated.Error()},
		{name: "aborted", err: model.ErrTransitionAborted, wantStatus: http.StatusConflict, wantError: model.ErrTransitionAborted.Error()},
		{name: "storage", err: errors.New("database is locked"), wantStatus: http.StatusInternalServerError, wantError: "internal server error"},
	}

	paths := []string{"/api/v1/session/continue", "/api/v1/session/end", "/api/v1/session/force-logout"}

	for _, tt := range tests {
		for _, path := range paths {
			t.Run(tt.name+" "+path, func(t *testing.T) {
				session := newMockSession()
				session.state = delegatedState()
				session.err = tt.err

				rec, body := do(t, setupMux(session), http.MethodPost, path, "")

				require.Equal(t, tt.wantStatus, rec.Code)
				require.Len(t, session.calls, 1)

				if tt.wantError == "" {
					// Success and rejected concurrent calls return the bare snapshot.
					assert.Equal(t, "delegated", body["phase"])
					assert.NotContains(t, body, "error")
					return
				}
				assert.Equal(t, tt.wantError, body["error"])
				snapshot := body["session"].(map[string]any)
				assert.Equal(t, "delegated", snapshot["phase"])
			})
		}
	}
}

func TestSession_LastErrorAndRedirect(t *testing.T) {
	session := newMockSession()
	session.state = model.SessionState{
		Phase:            model.PhaseIdle,
		LastError:        &model.RevocationError{CredentialID: "proxy-1", Reason: "service unavailable"},
		RedirectToLogout: true,
	}

	_, body := do(t, setupMux(session), http.MethodGet, "/api/v1/session", "")

	assert.Equal(t, "unable to revoke credential proxy-1: service unavailable", body["last_error"])
	assert.Equal(t, true, body["redirect_to_logout"])
}

func TestMethodNotAllowed(t *testing.T) {
	session := newMockSession()

	rec, body := do(t, setupMux(session), http.MethodGet, "/api/v1/session/continue", "")

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Header().Get("Allow"), http.MethodPost)
	assert.Nil(t, body)
	assert.Empty(t, session.calls)
}

func TestHealth(t *testing.T) {
	session := newMockSession()
	session.state = delegatedState()

	rec, body := do(t, setupMux(session), http.MethodGet, "/api/v1/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "delegated", body["phase"])
}

func TestRecoveryMiddleware(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	handler := httphandler.ApplyMiddleware(mux, discardLogger())

	rec, body := do(t, handler, http.MethodGet, "/boom", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", body["error"])
}

// --- Stream ---

func TestStream_PushesSnapshots(t *testing.T) {
	session := newMockSession()
	srv := httptest.NewServer(setupMux(session))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/session/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first httphandler.SessionResponse
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "idle", first.Phase)

	require.Eventually(t, func() bool { return session.subscribers() == 1 }, time.Second, 10*time.Millisecond)
	session.publish(delegatedState())

	var next httphandler.SessionResponse
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, "delegated", next.Phase)
	assert.Equal(t, uint64(3), next.Version)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return session.subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestStream_RejectsForeignOrigin(t *testing.T) {
	srv := httptest.NewServer(setupMux(newMockSession()))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/session/stream"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example"}})

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// --- Cloud API proxy ---

func setupProxy(t *testing.T, upstream http.Handler, creds *mockCredentials) http.Handler {
	t.Helper()

	backend := httptest.NewServer(upstream)
	t.Cleanup(backend.Close)

	p, err := httphandler.NewCloudProxy(backend.URL+"/v4", creds, clocktesting.NewFakePassiveClock(testNow), nil, discardLogger())
	require.NoError(t, err)

	mux := http.NewServeMux()
	httphandler.RegisterProxyRoutes(mux, p)
	return httphandler.ApplyMiddleware(mux, discardLogger())
}

func TestProxy_SignsWithActiveCredential(t *testing.T) {
	var gotPath, gotAuth, gotCookie string
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		gotAuth = r.Header.Get("Authorization")
		gotCookie = r.Header.Get("Cookie")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"username":"child"}`))
	})
	creds := &mockCredentials{cred: &model.Credential{ID: "proxy-1", Token: "proxy-secret", Scope: model.ScopeProxy, ExpiresAt: testNow.Add(time.Minute)}}
	handler := setupProxy(t, upstream, creds)

	req := httptest.NewRequest(http.MethodGet, "/api/v4/linode/instances?page=2", nil)
	req.Header.Set("Authorization", "Bearer client-supplied")
	req.Header.Set("Cookie", "session=abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/v4/linode/instances?page=2", gotPath)
	assert.Equal(t, "Bearer proxy-secret", gotAuth)
	assert.Empty(t, gotCookie)
}

func TestProxy_RefusesWithoutUsableCredential(t *testing.T) {
	upstream := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("upstream must not be called")
	})

	tests := []struct {
		name string
		cred *model.Credential
	}{
		{name: "none", cred: nil},
		{name: "expired", cred: &model.Credential{ID: "proxy-1", Token: "t", ExpiresAt: testNow.Add(-time.Second)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := setupProxy(t, upstream, &mockCredentials{cred: tt.cred})

			rec, body := do(t, handler, http.MethodGet, "/api/v4/profile", "")

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestProxy_UpstreamUnreachable(t *testing.T) {
	p, err := httphandler.NewCloudProxy("http://127.0.0.1:1/v4",
		&mockCredentials{cred: &model.Credential{ID: "parent-1", Token: "t"}},
		clocktesting.NewFakePassiveClock(testNow), nil, discardLogger())
	require.NoError(t, err)

	rec, body := do(t, p, http.MethodGet, "/api/v4/profile", "")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "cloud API unreachable", body["error"])
}

func TestNewCloudProxy_RejectsRelativeURL(t *testing.T) {
	_, err := httphandler.NewCloudProxy("/v4", &mockCredentials{}, clocktesting.NewFakePassiveClock(testNow), nil, discardLogger())
	assert.Error(t, err)
}
