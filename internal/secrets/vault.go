package secrets

import "context"

// Vault resolves tenant-scoped secret references at runtime. Step payloads
// never contain secret material; http_request headers reference secrets by
// key ("secret:API_TOKEN") and the value is injected at dispatch time only.
// Secrets are encrypted at rest (AES-256-GCM) and resolved in-memory.
type Vault interface {
	Resolve(ctx context.Context, tenantID, key string) ([]byte, error)
	Store(ctx context.Context, tenantID, key string, value []byte) error
	Delete(ctx context.Context, tenantID, key string) error
	List(ctx context.Context, tenantID string) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, tenantID, key string, value []byte) error
	GetSecret(ctx context.Context, tenantID, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, tenantID, key string) error
	ListSecrets(ctx context.Context, tenantID string) ([]string, error)
}
