package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ericfisherdev/acctswitch/internal/domain/model"
)

const maxBodyBytes = 1 << 20

// SessionManager is the part of the session controller the HTTP adapter drives.
type SessionManager interface {
	State() model.SessionState
	Subscribe(fn func(model.SessionState)) func()
	BeginDelegation(ctx context.Context, targetAccountID string) error
	ContinueWorking(ctx context.Context) error
	EndDelegation(ctx context.Context) error
	ForceLogout(ctx context.Context) error
}

// Handler is the HTTP driving adapter that serves the session API.
type Handler struct {
	session SessionManager
	logger  *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(session SessionManager, logger *slog.Logger) *Handler {
	return &Handler{
		session: session,
		logger:  logger,
	}
}

// RegisterAPIRoutes registers the session API routes on mux.
func RegisterAPIRoutes(mux *http.ServeMux, h *Handler) {
	mux.HandleFunc("GET /api/v1/session", h.GetSession)
	mux.HandleFunc("POST /api/v1/session/delegation", h.BeginDelegation)
	mux.HandleFunc("POST /api/v1/session/continue", h.ContinueWorking)
	mux.HandleFunc("POST /api/v1/session/end", h.EndDelegation)
	mux.HandleFunc("POST /api/v1/session/force-logout", h.ForceLogout)
	mux.HandleFunc("GET /api/v1/session/stream", h.Stream)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

// GetSession returns the current session snapshot and hands out the CSRF
// cookie the transition endpoints require.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	ensureCSRFToken(w, r)
	writeJSON(w, http.StatusOK, toSessionResponse(h.session.State()))
}

// BeginDelegation starts a delegated session for the requested child
// account, or switches to it when a session is already delegated.
func (h *Handler) BeginDelegation(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req DelegationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	target := strings.TrimSpace(req.TargetAccountID)
	if target == "" {
		writeError(w, http.StatusBadRequest, "target_account_id is required")
		return
	}

	h.respond(w, "begin delegation", h.session.BeginDelegation(transitionContext(r), target))
}

// ContinueWorking replaces the proxy credential with a fresh one.
func (h *Handler) ContinueWorking(w http.ResponseWriter, r *http.Request) {
	h.respond(w, "continue working", h.session.ContinueWorking(transitionContext(r)))
}

// EndDelegation returns to the parent account.
func (h *Handler) EndDelegation(w http.ResponseWriter, r *http.Request) {
	h.respond(w, "end delegation", h.session.EndDelegation(transitionContext(r)))
}

// ForceLogout clears all local credentials without contacting the cloud API.
func (h *Handler) ForceLogout(w http.ResponseWriter, r *http.Request) {
	h.respond(w, "force logout", h.session.ForceLogout(transitionContext(r)))
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Phase:  string(h.session.State().Phase),
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// respond writes the session snapshot after a transition, mapping err to a
// status code. A rejected concurrent transition is not an error for the
// caller: it gets 202 and the snapshot of the transition in flight.
func (h *Handler) respond(w http.ResponseWriter, op string, err error) {
	state := toSessionResponse(h.session.State())
	if err == nil {
		writeJSON(w, http.StatusOK, state)
		return
	}

	status := statusFor(err)
	message := err.Error()
	switch {
	case status == http.StatusAccepted:
		writeJSON(w, status, state)
		return
	case status >= http.StatusInternalServerError && status != http.StatusBadGateway:
		h.logger.Error("session transition failed", "operation", op, "error", err)
		message = "internal server error"
	default:
		h.logger.Warn("session transition rejected", "operation", op, "status", status, "error", err)
	}

	writeJSON(w, status, errorResponse{Error: message, Session: &state})
}

func statusFor(err error) int {
	var issuance *model.IssuanceError
	switch {
	case errors.Is(err, model.ErrConcurrentTransition):
		return http.StatusAccepted
	case errors.Is(err, model.ErrNoParentCredential), errors.Is(err, model.ErrParentSessionExpired):
		return http.StatusUnauthorized
	case errors.As(err, &issuance):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrNotDelegated),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrTransitionAborted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// transitionContext detaches a transition from the request so a client
// disconnect does not abort a remote call halfway through a credential swap.
func transitionContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
