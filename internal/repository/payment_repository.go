package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/gemstudio/internal/models"
)

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, p *models.Payment) error {
	const query = `
INSERT INTO payments (order_code, account_id, package_id, amount, diamonds, status, checkout_url, raw_payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, p.OrderCode, p.AccountID, p.PackageID, p.Amount, p.Diamonds, p.Status, p.CheckoutURL, p.RawPayload); err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *PaymentRepository) FindByOrderCode(ctx context.Context, orderCode int64) (*models.Payment, error) {
	const query = `
SELECT order_code, account_id, package_id, amount, diamonds, status, checkout_url, COALESCE(raw_payload, ''), created_at, updated_at
FROM payments WHERE order_code = ?`
	var p models.Payment
	row := r.db.QueryRowContext(ctx, query, orderCode)
	if err := row.Scan(&p.OrderCode, &p.AccountID, &p.PackageID, &p.Amount, &p.Diamonds, &p.Status, &p.CheckoutURL, &p.RawPayload, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return &p, nil
}

// MarkPaid settles a pending payment and credits its diamonds in one
// transaction. It reports false when the payment was already settled.
func (r *PaymentRepository) MarkPaid(ctx context.Context, orderCode int64, payload string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var accountID, status string
	var diamonds int
	row := tx.QueryRowContext(ctx, `SELECT account_id, diamonds, status FROM payments WHERE order_code = ? FOR UPDATE`, orderCode)
	if err := row.Scan(&accountID, &diamonds, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrPaymentNotFound
		}
		return false, fmt.Errorf("lock payment: %w", err)
	}
	if status != models.PaymentPending {
		return false, nil
	}

	const update = `UPDATE payments SET status = ?, raw_payload = ?, updated_at = NOW() WHERE order_code = ?`
	if _, err := tx.ExecContext(ctx, update, models.PaymentPaid, payload, orderCode); err != nil {
		return false, fmt.Errorf("update payment status: %w", err)
	}
	desc := fmt.Sprintf("Purchase order %d", orderCode)
	if err := applyDelta(ctx, tx, accountID, diamonds, models.TxPurchase, desc, nil); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit payment tx: %w", err)
	}
	return true, nil
}

// UpdateStatus records a non-paying status change for a pending payment.
func (r *PaymentRepository) UpdateStatus(ctx context.Context, orderCode int64, status, payload string) error {
	const query = `UPDATE payments SET status = ?, raw_payload = ?, updated_at = NOW() WHERE order_code = ? AND status = 'PENDING'`
	if _, err := r.db.ExecContext(ctx, query, status, payload, orderCode); err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	return nil
}
