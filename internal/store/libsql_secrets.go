package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// StoreSecret upserts an encrypted secret value for a tenant.
func (s *LibSQLStore) StoreSecret(ctx context.Context, tenantID, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secrets (tenant_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		tenantID, key, value, time.Now().UTC())
	return err
}

// GetSecret returns the encrypted secret value.
func (s *LibSQLStore) GetSecret(ctx context.Context, tenantID, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM secrets WHERE tenant_id = ? AND key = ?`,
		tenantID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// DeleteSecret removes a secret.
func (s *LibSQLStore) DeleteSecret(ctx context.Context, tenantID, key string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM secrets WHERE tenant_id = ? AND key = ?`,
		tenantID, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

// ListSecrets returns the secret keys for a tenant, never the values.
func (s *LibSQLStore) ListSecrets(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM secrets WHERE tenant_id = ? ORDER BY key`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
