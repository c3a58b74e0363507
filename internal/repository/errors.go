package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/digkill/gemstudio/internal/models"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientBalance = errors.New("insufficient diamonds")
	ErrDuplicateJob        = errors.New("job already exists")
	ErrJobNotFound         = errors.New("job not found")
	ErrCheckInConflict     = errors.New("check-in state changed concurrently")
	ErrShareRejected       = errors.New("job cannot be shared")
	ErrGiftInvalid         = errors.New("gift code invalid")
	ErrGiftExhausted       = errors.New("gift code exhausted")
	ErrGiftExpired         = errors.New("gift code expired")
	ErrGiftRedeemed        = errors.New("gift code already redeemed")
	ErrGiftCodeTaken       = errors.New("gift code already exists")
	ErrPaymentNotFound     = errors.New("payment not found")
)

const mysqlDuplicateEntry = 1062

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}

// applyDelta changes the balance and appends the matching ledger entry inside tx.
// A debit that would make the balance negative fails with ErrInsufficientBalance.
func applyDelta(ctx context.Context, tx *sql.Tx, accountID string, delta int, txType models.TransactionType, description string, jobID *string) error {
	const update = `
UPDATE accounts SET diamonds = diamonds + ?, updated_at = NOW()
WHERE id = ? AND diamonds + ? >= 0`
	res, err := tx.ExecContext(ctx, update, delta, accountID, delta)
	if err != nil {
		return fmt.Errorf("update diamonds: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("diamonds rows affected: %w", err)
	}
	if affected == 0 {
		if delta < 0 {
			return ErrInsufficientBalance
		}
		return ErrAccountNotFound
	}

	const insert = `
INSERT INTO ledger_entries (account_id, amount, transaction_type, description, job_id)
VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert, accountID, delta, txType, truncate(description, 500), jobID); err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
