package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/gemstudio/internal/models"
)

// Reservation debits an account for a paid action. When Job is set the job
// row is inserted in the same transaction, so a duplicate job id leaves the
// balance untouched.
type Reservation struct {
	AccountID   string
	Cost        int
	Type        models.TransactionType
	Description string
	Job         *models.GenerationJob
}

// Refund reverses a reservation for a job that did not deliver.
type Refund struct {
	AccountID string
	JobID     string
	Amount    int
	Reason    string
	// IdleSince, when set, refunds only a job untouched since that time.
	IdleSince time.Time
}

type CheckIn struct {
	Reward   int
	Streak   int
	At       time.Time
	Previous *time.Time
}

type AdminUpdate struct {
	Diamonds *int
	XP       *int
	IsAdmin  *bool
}

type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `id, email, diamonds, xp, consecutive_check_in_days, last_check_in_at, is_admin, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	var last sql.NullTime
	if err := row.Scan(&a.ID, &a.Email, &a.Diamonds, &a.XP, &a.ConsecutiveCheckInDays, &last, &a.IsAdmin, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if last.Valid {
		t := last.Time
		a.LastCheckInAt = &t
	}
	return &a, nil
}

func (r *AccountRepository) FindByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = ?`
	a, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return a, nil
}

// Ensure returns the account for an identity, creating it with the starting
// balance on first sight. The boolean reports whether it was created.
func (r *AccountRepository) Ensure(ctx context.Context, id, email string, startingDiamonds int) (*models.Account, bool, error) {
	account, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if account != nil {
		return account, false, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO accounts (id, email, diamonds) VALUES (?, ?, 0)`, id, email); err != nil {
		if isDuplicate(err) {
			// Lost a race with a concurrent first request.
			tx.Rollback()
			account, err := r.FindByID(ctx, id)
			return account, false, err
		}
		return nil, false, fmt.Errorf("insert account: %w", err)
	}
	if startingDiamonds > 0 {
		if err := applyDelta(ctx, tx, id, startingDiamonds, models.TxSignupBonus, "Welcome bonus", nil); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit account tx: %w", err)
	}

	account, err = r.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return account, true, nil
}

// Reserve checks the balance and debits it atomically, with its ledger entry.
func (r *AccountRepository) Reserve(ctx context.Context, res Reservation) error {
	if res.Cost <= 0 {
		return fmt.Errorf("reserve: cost must be positive, got %d", res.Cost)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var diamonds int
	row := tx.QueryRowContext(ctx, `SELECT diamonds FROM accounts WHERE id = ? FOR UPDATE`, res.AccountID)
	if err := row.Scan(&diamonds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("lock account: %w", err)
	}
	if diamonds < res.Cost {
		return ErrInsufficientBalance
	}

	var jobID *string
	if res.Job != nil {
		jobID = &res.Job.ID
	}
	if err := applyDelta(ctx, tx, res.AccountID, -res.Cost, res.Type, res.Description, jobID); err != nil {
		return err
	}

	if res.Job != nil {
		if err := insertJob(ctx, tx, res.Job); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reserve tx: %w", err)
	}
	return nil
}

func insertJob(ctx context.Context, tx *sql.Tx, job *models.GenerationJob) error {
	const query = `
INSERT INTO generation_jobs (id, account_id, kind, cost, status, progress_message, description, payload, is_public)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, job.ID, job.AccountID, job.Kind, job.Cost, job.Status, job.ProgressMessage, job.Description, payloadOrNil(job.Payload), job.IsPublic); err != nil {
		if isDuplicate(err) {
			return ErrDuplicateJob
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Refund deletes the unfinished job and credits the reserved amount back.
// A job that is already gone or finished yields ErrJobNotFound and no credit,
// so two concurrent rollbacks cannot refund twice. The same holds for a job
// that made progress after ref.IdleSince.
func (r *AccountRepository) Refund(ctx context.Context, ref Refund) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	del := `DELETE FROM generation_jobs WHERE id = ? AND account_id = ? AND status IN ('pending', 'running')`
	args := []any{ref.JobID, ref.AccountID}
	if !ref.IdleSince.IsZero() {
		del += ` AND updated_at < ?`
		args = append(args, ref.IdleSince)
	}
	res, err := tx.ExecContext(ctx, del, args...)
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

	jobID := ref.JobID
	if ref.Amount > 0 {
		desc := "Refund: " + truncate(ref.Reason, 200)
		if err := applyDelta(ctx, tx, ref.AccountID, ref.Amount, models.TxRefund, desc, &jobID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refund tx: %w", err)
	}
	return nil
}

// RecordCheckIn stores a daily check-in and its reward. The previous
// check-in time guards against two check-ins racing on the same day.
func (r *AccountRepository) RecordCheckIn(ctx context.Context, accountID string, in CheckIn) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var previous any
	if in.Previous != nil {
		previous = *in.Previous
	}
	const query = `
UPDATE accounts SET consecutive_check_in_days = ?, last_check_in_at = ?, updated_at = NOW()
WHERE id = ? AND last_check_in_at <=> ?`
	res, err := tx.ExecContext(ctx, query, in.Streak, in.At, accountID, previous)
	if err != nil {
		return fmt.Errorf("update check-in: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check-in rows affected: %w", err)
	}
	if affected == 0 {
		return ErrCheckInConflict
	}

	if in.Reward > 0 {
		desc := fmt.Sprintf("Daily check-in, day %d", in.Streak)
		if err := applyDelta(ctx, tx, accountID, in.Reward, models.TxDailyCheckIn, desc, nil); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit check-in tx: %w", err)
	}
	return nil
}

// AdminUpdate applies an admin edit. A diamond change is written to the
// ledger as ADMIN_ADJUST with the exact delta.
func (r *AccountRepository) AdminUpdate(ctx context.Context, id string, upd AdminUpdate, actor string) (*models.Account, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var diamonds int
	row := tx.QueryRowContext(ctx, `SELECT diamonds FROM accounts WHERE id = ? FOR UPDATE`, id)
	if err := row.Scan(&diamonds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("lock account: %w", err)
	}

	if upd.Diamonds != nil && *upd.Diamonds != diamonds {
		delta := *upd.Diamonds - diamonds
		desc := fmt.Sprintf("Admin %s set balance %d -> %d", actor, diamonds, *upd.Diamonds)
		if err := applyDelta(ctx, tx, id, delta, models.TxAdminAdjust, desc, nil); err != nil {
			return nil, err
		}
	}
	if upd.XP != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET xp = ?, updated_at = NOW() WHERE id = ?`, *upd.XP, id); err != nil {
			return nil, fmt.Errorf("update xp: %w", err)
		}
	}
	if upd.IsAdmin != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET is_admin = ?, updated_at = NOW() WHERE id = ?`, *upd.IsAdmin, id); err != nil {
			return nil, fmt.Errorf("update is_admin: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit admin update: %w", err)
	}
	return r.FindByID(ctx, id)
}

// PublishJob makes a finished job public and pays the share reward once.
func (r *AccountRepository) PublishJob(ctx context.Context, jobID, accountID string, reward int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const query = `
UPDATE generation_jobs SET is_public = 1, updated_at = NOW()
WHERE id = ? AND account_id = ? AND status = 'succeeded' AND is_public = 0`
	res, err := tx.ExecContext(ctx, query, jobID, accountID)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("publish rows affected: %w", err)
	}
	if affected == 0 {
		return ErrShareRejected
	}

	if reward > 0 {
		if err := applyDelta(ctx, tx, accountID, reward, models.TxShareImage, "Shared image to gallery", &jobID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit publish tx: %w", err)
	}
	return nil
}

// AddXP is a secondary bookkeeping write and has no ledger entry.
func (r *AccountRepository) AddXP(ctx context.Context, id string, delta int) error {
	const query = `UPDATE accounts SET xp = GREATEST(xp + ?, 0), updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, delta, id); err != nil {
		return fmt.Errorf("add xp: %w", err)
	}
	return nil
}

func (r *AccountRepository) ListLedger(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	const query = `
SELECT id, account_id, amount, transaction_type, description, job_id, created_at
FROM ledger_entries WHERE account_id = ?
ORDER BY id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var jobID sql.NullString
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &e.TransactionType, &e.Description, &jobID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if jobID.Valid {
			id := jobID.String
			e.JobID = &id
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *AccountRepository) Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	const query = `SELECT id, email, xp FROM accounts ORDER BY xp DESC, created_at ASC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	defer rows.Close()

	var out []models.LeaderboardEntry
	for rows.Next() {
		var e models.LeaderboardEntry
		var email string
		if err := rows.Scan(&e.AccountID, &email, &e.XP); err != nil {
			return nil, fmt.Errorf("scan leaderboard: %w", err)
		}
		e.Handle = models.DisplayHandle(email)
		e.Level = models.Account{XP: e.XP}.Level()
		out = append(out, e)
	}
	return out, rows.Err()
}

// payloadOrNil keeps an empty payload NULL instead of an invalid JSON value.
func payloadOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
