package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/gemstudio/internal/models"
)

type GenerationRepository struct {
	db *sql.DB
}

func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

const jobColumns = `id, account_id, kind, cost, status, progress_message, description, payload, result_url, result_key, is_public, created_at, updated_at`

func scanJob(row rowScanner) (*models.GenerationJob, error) {
	var j models.GenerationJob
	var payload []byte
	var resultURL, resultKey sql.NullString
	if err := row.Scan(&j.ID, &j.AccountID, &j.Kind, &j.Cost, &j.Status, &j.ProgressMessage, &j.Description, &payload, &resultURL, &resultKey, &j.IsPublic, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Payload = payload
	j.ResultURL = resultURL.String
	j.ResultKey = resultKey.String
	return &j, nil
}

func (r *GenerationRepository) Get(ctx context.Context, id string) (*models.GenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = ?`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// MarkRunning moves a pending job to running. It reports false when another
// worker already took the job or the job no longer exists.
func (r *GenerationRepository) MarkRunning(ctx context.Context, id, progress string) (bool, error) {
	const query = `
UPDATE generation_jobs SET status = 'running', progress_message = ?, updated_at = NOW()
WHERE id = ? AND status = 'pending'`
	res, err := r.db.ExecContext(ctx, query, progress, id)
	if err != nil {
		return false, fmt.Errorf("mark job running: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark running rows affected: %w", err)
	}
	return affected > 0, nil
}

// UpdateProgress stores the progress text and refreshes updated_at, which
// keeps the job away from the stale sweep. It returns ErrJobNotFound once the
// job has been refunded or finished.
func (r *GenerationRepository) UpdateProgress(ctx context.Context, id, progress string) error {
	const query = `UPDATE generation_jobs SET progress_message = ?, updated_at = NOW() WHERE id = ? AND status IN ('pending', 'running')`
	res, err := r.db.ExecContext(ctx, query, truncate(progress, 255), id)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update progress rows affected: %w", err)
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *GenerationRepository) MarkSucceeded(ctx context.Context, id, url, key string) error {
	const query = `
UPDATE generation_jobs SET status = 'succeeded', progress_message = '', result_url = ?, result_key = ?, updated_at = NOW()
WHERE id = ? AND status IN ('pending', 'running')`
	res, err := r.db.ExecContext(ctx, query, url, nullString(key), id)
	if err != nil {
		return fmt.Errorf("mark job succeeded: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark succeeded rows affected: %w", err)
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ListStale returns unfinished jobs with no progress since the cutoff,
// longest idle first.
func (r *GenerationRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]models.GenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs
WHERE status IN ('pending', 'running') AND updated_at < ?
ORDER BY updated_at ASC LIMIT ?`
	return r.list(ctx, query, before, limit)
}

func (r *GenerationRepository) ListPublic(ctx context.Context, limit, offset int) ([]models.GenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs
WHERE is_public = 1 AND status = 'succeeded'
ORDER BY created_at DESC LIMIT ? OFFSET ?`
	return r.list(ctx, query, limit, offset)
}

func (r *GenerationRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.GenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs
WHERE account_id = ?
ORDER BY created_at DESC LIMIT ?`
	return r.list(ctx, query, accountID, limit)
}

func (r *GenerationRepository) list(ctx context.Context, query string, args ...any) ([]models.GenerationJob, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// DeleteFinished removes a succeeded job owned by the account.
func (r *GenerationRepository) DeleteFinished(ctx context.Context, id, accountID string) error {
	const query = `DELETE FROM generation_jobs WHERE id = ? AND account_id = ? AND status = 'succeeded'`
	res, err := r.db.ExecContext(ctx, query, id, accountID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job rows affected: %w", err)
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}
