package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/gemstudio/internal/models"
)

type CredentialRepository struct {
	db *sql.DB
}

func NewCredentialRepository(db *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

const credentialColumns = `id, api_key, label, status, usage_count, last_used_at, created_at`

func scanCredential(row rowScanner) (*models.Credential, error) {
	var c models.Credential
	var last sql.NullTime
	if err := row.Scan(&c.ID, &c.APIKey, &c.Label, &c.Status, &c.UsageCount, &last, &c.CreatedAt); err != nil {
		return nil, err
	}
	if last.Valid {
		t := last.Time
		c.LastUsedAt = &t
	}
	return &c, nil
}

func (r *CredentialRepository) List(ctx context.Context) ([]models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM api_credentials ORDER BY id ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, *c)
	}
	return creds, rows.Err()
}

// LeastUsedActive returns the active credential with the lowest usage count,
// breaking ties by least recent use (never used first) and then by id. It
// returns nil when no credential is active.
func (r *CredentialRepository) LeastUsedActive(ctx context.Context) (*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM api_credentials
WHERE status = 'active' AND api_key <> ''
ORDER BY usage_count ASC, last_used_at IS NOT NULL, last_used_at ASC, id ASC
LIMIT 1`
	c, err := scanCredential(r.db.QueryRowContext(ctx, query))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("pick credential: %w", err)
	}
	return c, nil
}

func (r *CredentialRepository) GetByID(ctx context.Context, id int64) (*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM api_credentials WHERE id = ?`
	c, err := scanCredential(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

func (r *CredentialRepository) Create(ctx context.Context, c *models.Credential) (*models.Credential, error) {
	const query = `INSERT INTO api_credentials (api_key, label, status) VALUES (?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, c.APIKey, c.Label, c.Status)
	if err != nil {
		return nil, fmt.Errorf("create credential: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("credential last insert id: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *CredentialRepository) Update(ctx context.Context, c *models.Credential) (*models.Credential, error) {
	const query = `UPDATE api_credentials SET label = ?, status = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, c.Label, c.Status, c.ID); err != nil {
		return nil, fmt.Errorf("update credential: %w", err)
	}
	return r.GetByID(ctx, c.ID)
}

func (r *CredentialRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM api_credentials WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// IncrementUsage bumps the load-balancing counter in a single statement.
func (r *CredentialRepository) IncrementUsage(ctx context.Context, id int64) error {
	const query = `UPDATE api_credentials SET usage_count = usage_count + 1, last_used_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("increment credential usage: %w", err)
	}
	return nil
}
