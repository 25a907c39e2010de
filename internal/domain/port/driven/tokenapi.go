package driven

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ericfisherdev/acctswitch/internal/domain/model"
)

// ErrTokenNotFound is returned (wrapped) when the API reports that a token
// does not exist, which includes tokens that were already revoked.
var ErrTokenNotFound = errors.New("token not found")

// RemoteError is a non-success response from the cloud API.
type RemoteError struct {
	StatusCode int
	Reason     string // Provider-supplied reason, may be empty or contain markup.
}

func (e *RemoteError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("cloud api: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("cloud api: %d: %s", e.StatusCode, e.Reason)
}

// Temporary reports whether retrying the same request may succeed.
func (e *RemoteError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Is lets errors.Is(err, ErrTokenNotFound) match 404 responses.
func (e *RemoteError) Is(target error) bool {
	return target == ErrTokenNotFound && e.StatusCode == http.StatusNotFound
}

// TokenAPI defines the driven port for the cloud API's token endpoints.
// authorization is the raw bearer value used for the request.
type TokenAPI interface {
	// CreateProxyToken issues a proxy token for child account euuid on behalf
	// of parent account accountID.
	CreateProxyToken(ctx context.Context, authorization, accountID, euuid string) (*model.Credential, error)

	// RevokeToken revokes the personal or proxy token with the given id.
	RevokeToken(ctx context.Context, authorization, tokenID string) error

	// ListTokens lists the tokens of the profile the authorization belongs to.
	// Token values are truncated prefixes as returned by the API.
	ListTokens(ctx context.Context, authorization string) ([]model.Credential, error)
}
