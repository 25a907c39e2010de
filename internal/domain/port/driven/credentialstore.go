package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/acctswitch/internal/domain/model"
)

// ErrEncryptionKeyNotSet is returned by CredentialStore operations when
// ACCTSWITCH_SECRET_KEY has not been configured.
var ErrEncryptionKeyNotSet = errors.New("encryption key not configured: set ACCTSWITCH_SECRET_KEY")

// CredentialStore defines the driven port for durable credential slots.
// The adapter layer is responsible for encryption/decryption; this interface
// operates on plaintext credentials at the domain boundary.
type CredentialStore interface {
	// Get retrieves the credential stored in slot.
	// Returns (nil, nil) if the slot is empty.
	Get(ctx context.Context, slot model.Slot) (*model.Credential, error)

	// Set stores or replaces the credential in slot.
	Set(ctx context.Context, slot model.Slot, cred model.Credential) error

	// Delete empties slot. Deleting an empty slot is not an error.
	Delete(ctx context.Context, slot model.Slot) error

	// Apply performs every write and removal in change atomically: readers
	// observe either none or all of them.
	Apply(ctx context.Context, change model.SlotChange) error
}
