package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres reads the newest active token for a named backend credential.
// It never writes.
type Postgres struct {
	db   DB
	name string
}

func NewPostgres(db DB, name string) *Postgres {
	return &Postgres{db: db, name: name}
}

func (p *Postgres) Name() string { return "postgres:" + p.name }

func (p *Postgres) Acquire(ctx context.Context) (Credential, error) {
	query := `
		SELECT token, expires_at
		FROM backend_credentials
		WHERE name = $1 AND active = true
		ORDER BY created_at DESC
		LIMIT 1
	`

	var token string
	var expiresAt *time.Time
	err := p.db.QueryRow(ctx, query, p.name).Scan(&token, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credential{}, fmt.Errorf("no active credential %q: %w", p.name, ErrNoCredential)
		}
		return Credential{}, fmt.Errorf("failed to get credential %q: %w", p.name, err)
	}

	cred := Credential{Token: token}
	if expiresAt != nil {
		cred.ExpiresAt = *expiresAt
	}
	return cred, nil
}
