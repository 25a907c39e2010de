package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/acctswitch/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body. Session is set when the
// error came from a session transition.
type errorResponse struct {
	Error   string           `json:"error"`
	Session *SessionResponse `json:"session,omitempty"`
}

// CredentialResponse is the JSON representation of a credential's metadata.
type CredentialResponse struct {
	ID             string `json:"id"`
	Scope          string `json:"scope"`
	OwnerAccountID string `json:"owner_account_id"`
	ExpiresAt      string `json:"expires_at,omitempty"`
}

// SessionResponse is the JSON representation of a session snapshot.
type SessionResponse struct {
	SessionID        string              `json:"session_id,omitempty"`
	Phase            string              `json:"phase"`
	Active           *CredentialResponse `json:"active"`
	Reserve          *CredentialResponse `json:"reserve"`
	TargetAccountID  string              `json:"target_account_id,omitempty"`
	RemainingSeconds int                 `json:"remaining_seconds"`
	Minutes          int                 `json:"minutes"`
	Seconds          int                 `json:"seconds"`
	LastError        string              `json:"last_error,omitempty"`
	RedirectToLogout bool                `json:"redirect_to_logout"`
	UpdatedAt        string              `json:"updated_at,omitempty"`
	Version          uint64              `json:"version"`
}

// DelegationRequest is the JSON body for the begin delegation endpoint.
type DelegationRequest struct {
	TargetAccountID string `json:"target_account_id"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Phase  string `json:"phase"`
	Time   string `json:"time"`
}

// toSessionResponse converts a session snapshot to its JSON representation.
func toSessionResponse(s model.SessionState) SessionResponse {
	minutes, seconds := s.MinutesSeconds()

	resp := SessionResponse{
		SessionID:        s.SessionID,
		Phase:            string(s.Phase),
		Active:           toCredentialResponse(s.Active),
		Reserve:          toCredentialResponse(s.Reserve),
		TargetAccountID:  s.TargetAccountID,
		RemainingSeconds: s.RemainingSeconds,
		Minutes:          minutes,
		Seconds:          seconds,
		RedirectToLogout: s.RedirectToLogout,
		Version:          s.Version,
	}
	if s.LastError != nil {
		resp.LastError = s.LastError.Error()
	}
	if !s.UpdatedAt.IsZero() {
		resp.UpdatedAt = s.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func toCredentialResponse(info *model.CredentialInfo) *CredentialResponse {
	if info == nil {
		return nil
	}
	resp := &CredentialResponse{
		ID:             info.ID,
		Scope:          string(info.Scope),
		OwnerAccountID: info.OwnerAccountID,
	}
	if info.ExpiresAt != nil {
		resp.ExpiresAt = info.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return resp
}
