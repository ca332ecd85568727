package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/issuestream/issuestream/internal/model"
)

// CreateCredential registers a new named caller identity. apiKeyHash is the
// Argon2id hash produced by internal/auth.HashAPIKey — the raw key is never
// stored.
func (db *DB) CreateCredential(ctx context.Context, cred model.Credential) (model.Credential, error) {
	if cred.ID == uuid.Nil {
		cred.ID = uuid.New()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO credential (id, name, role, api_key_hash, created_at) VALUES ($1, $2, $3, $4, $5)`,
		cred.ID, cred.Name, cred.Role, cred.APIKeyHash, cred.CreatedAt,
	)
	if err != nil {
		return model.Credential{}, fmt.Errorf("storage: create credential: %w", err)
	}
	return cred, nil
}

// GetCredentialByName looks up a credential by its unique name, used by
// POST /auth/token to verify a presented API key before minting a JWT.
func (db *DB) GetCredentialByName(ctx context.Context, name string) (model.Credential, error) {
	var c model.Credential
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, role, api_key_hash, created_at FROM credential WHERE name = $1`,
		name,
	).Scan(&c.ID, &c.Name, &c.Role, &c.APIKeyHash, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Credential{}, fmt.Errorf("storage: credential %q: %w", name, ErrNotFound)
		}
		return model.Credential{}, fmt.Errorf("storage: get credential: %w", err)
	}
	return c, nil
}

// CredentialExists reports whether any credential row is present. Used at
// startup to decide whether to bootstrap a seed credential.
func (db *DB) CredentialExists(ctx context.Context) (bool, error) {
	var exists bool
	if err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM credential)`).Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: check credential exists: %w", err)
	}
	return exists, nil
}
