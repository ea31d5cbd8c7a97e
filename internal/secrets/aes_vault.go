package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/flowline-dev/flowline/pkg/schema"
)

const (
	keySize           = 32 // AES-256
	defaultIterations = 100_000
)

// VaultConfig selects the encryption key for the AES vault: either a raw
// 32-byte MasterKey, or a Passphrase stretched with PBKDF2 over Salt.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int // PBKDF2 rounds when deriving from a passphrase
}

func (c VaultConfig) key() ([]byte, error) {
	switch {
	case len(c.MasterKey) > 0:
		if len(c.MasterKey) != keySize {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be %d bytes, got %d", keySize, len(c.MasterKey))
		}
		return c.MasterKey, nil
	case c.Passphrase == "":
		return nil, schema.NewError(schema.ErrCodeVault,
			"vault needs a master key or a passphrase")
	case len(c.Salt) == 0:
		return nil, schema.NewError(schema.ErrCodeVault,
			"passphrase-derived keys need a salt")
	}
	rounds := c.Iterations
	if rounds <= 0 {
		rounds = defaultIterations
	}
	return pbkdf2.Key(sha256.New, c.Passphrase, c.Salt, rounds, keySize)
}

// AESVault stores secret values AES-256-GCM sealed. The GCM additional
// data binds each ciphertext to its tenant and key, so a sealed value
// copied to another tenant's row (or another key) fails to open.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// NewAESVault builds a vault over the given secret store.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := cfg.key()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm mode: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func (v *AESVault) Store(ctx context.Context, tenantID, key string, value []byte) error {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("vault nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, value, scopeAAD(tenantID, key))
	return v.store.StoreSecret(ctx, tenantID, key, sealed)
}

func (v *AESVault) Resolve(ctx context.Context, tenantID, key string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	n := v.aead.NonceSize()
	if len(sealed) < n {
		return nil, schema.NewErrorf(schema.ErrCodeVault,
			"secret %q: stored value too short", key)
	}
	value, err := v.aead.Open(nil, sealed[:n], sealed[n:], scopeAAD(tenantID, key))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault,
			"secret %q: decrypt failed: %s", key, err.Error())
	}
	return value, nil
}

func (v *AESVault) Delete(ctx context.Context, tenantID, key string) error {
	return v.store.DeleteSecret(ctx, tenantID, key)
}

func (v *AESVault) List(ctx context.Context, tenantID string) ([]string, error) {
	return v.store.ListSecrets(ctx, tenantID)
}

func scopeAAD(tenantID, key string) []byte {
	return []byte(tenantID + "\x00" + key)
}

var _ Vault = (*AESVault)(nil)
