package sqlite

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ericfisherdev/acctswitch/internal/domain/model"
	"github.com/ericfisherdev/acctswitch/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialStore = (*CredentialRepo)(nil)

// CredentialRepo is the SQLite implementation of the CredentialStore port.
// Each slot row holds one credential serialised as JSON and encrypted with
// AES-256-GCM before write.
type CredentialRepo struct {
	db  *DB
	key []byte // 32-byte AES-256 key; nil disables every operation.
}

// NewCredentialRepo creates a new CredentialRepo. key must be 32 bytes for AES-256-GCM,
// or nil, in which case all operations return driven.ErrEncryptionKeyNotSet.
func NewCredentialRepo(db *DB, key []byte) *CredentialRepo {
	return &CredentialRepo{db: db, key: key}
}

// storedCredential is the persisted layout of a slot value.
type storedCredential struct {
	ID             string      `json:"id"`
	Token          string      `json:"token"`
	Expiry         string      `json:"expiry"`
	Scope          model.Scope `json:"scope"`
	OwnerAccountID string      `json:"owner_account_id,omitempty"`
}

// Get retrieves the credential in slot. Returns (nil, nil) if the slot is empty.
func (r *CredentialRepo) Get(ctx context.Context, slot model.Slot) (*model.Credential, error) {
	if r.key == nil {
		return nil, driven.ErrEncryptionKeyNotSet
	}

	const query = `SELECT value FROM credential_slots WHERE slot = ?`
	var encrypted string
	err := r.db.Reader.QueryRowContext(ctx, query, string(slot)).Scan(&encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential slot %q: %w", slot, err)
	}

	cred, err := r.decode(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decode credential slot %q: %w", slot, err)
	}
	return cred, nil
}

// Set stores or replaces the credential in slot.
func (r *CredentialRepo) Set(ctx context.Context, slot model.Slot, cred model.Credential) error {
	return r.Apply(ctx, model.SlotChange{Set: map[model.Slot]model.Credential{slot: cred}})
}

// Delete empties slot.
func (r *CredentialRepo) Delete(ctx context.Context, slot model.Slot) error {
	const query = `DELETE FROM credential_slots WHERE slot = ?`
	if _, err := r.db.Writer.ExecContext(ctx, query, string(slot)); err != nil {
		return fmt.Errorf("delete credential slot %q: %w", slot, err)
	}
	return nil
}

// Apply writes and clears slots inside a single transaction on the writer connection.
func (r *CredentialRepo) Apply(ctx context.Context, change model.SlotChange) (err error) {
	if r.key == nil && len(change.Set) > 0 {
		return driven.ErrEncryptionKeyNotSet
	}

	// Encrypt before opening the transaction so the writer is held briefly.
	encoded := make(map[model.Slot]string, len(change.Set))
	for slot, cred := range change.Set {
		value, err := r.encode(cred)
		if err != nil {
			return fmt.Errorf("encode credential slot %q: %w", slot, err)
		}
		encoded[slot] = value
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin slot transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const upsert = `INSERT OR REPLACE INTO credential_slots (slot, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)`
	for slot, value := range encoded {
		if _, err = tx.ExecContext(ctx, upsert, string(slot), value); err != nil {
			return fmt.Errorf("set credential slot %q: %w", slot, err)
		}
	}

	const remove = `DELETE FROM credential_slots WHERE slot = ?`
	for _, slot := range change.Clear {
		if _, err = tx.ExecContext(ctx, remove, string(slot)); err != nil {
			return fmt.Errorf("clear credential slot %q: %w", slot, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit slot transaction: %w", err)
	}
	return nil
}

func (r *CredentialRepo) encode(cred model.Credential) (string, error) {
	stored := storedCredential{
		ID:             cred.ID,
		Token:          cred.Token,
		Scope:          cred.Scope,
		OwnerAccountID: cred.OwnerAccountID,
	}
	if cred.HasExpiry() {
		stored.Expiry = cred.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}

	plaintext, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("marshal credential: %w", err)
	}
	return r.encrypt(plaintext)
}

func (r *CredentialRepo) decode(encrypted string) (*model.Credential, error) {
	plaintext, err := r.decrypt(encrypted)
	if err != nil {
		return nil, err
	}

	var stored storedCredential
	if err := json.Unmarshal(plaintext, &stored); err != nil {
		return nil, fmt.Errorf("unmarshal credential: %w", err)
	}

	cred := &model.Credential{
		ID:             stored.ID,
		Token:          stored.Token,
		Scope:          stored.Scope,
		OwnerAccountID: stored.OwnerAccountID,
	}
	// An unparseable expiry is kept as "no expiry"; the watcher stays silent for it.
	if stored.Expiry != "" {
		if t, err := time.Parse(time.RFC3339Nano, stored.Expiry); err == nil {
			cred.ExpiresAt = t
		}
	}
	return cred, nil
}

// encrypt encrypts plaintext using AES-256-GCM and returns a base64-encoded string
// containing the nonce (12 bytes) prepended to the ciphertext.
func (r *CredentialRepo) encrypt(plaintext []byte) (string, error) {
	if r.key == nil {
		return "", driven.ErrEncryptionKeyNotSet
	}

	gcm, err := r.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, producing: nonce || ciphertext || tag.
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a base64-encoded AES-256-GCM ciphertext.
func (r *CredentialRepo) decrypt(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}

	gcm, err := r.aead()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm.Open: %w", err)
	}
	return plaintext, nil
}

func (r *CredentialRepo) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(r.key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return gcm, nil
}
