package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/gemstudio/internal/models"
)

type GiftRepository struct {
	db *sql.DB
}

func NewGiftRepository(db *sql.DB) *GiftRepository {
	return &GiftRepository{db: db}
}

const giftColumns = `id, code, diamonds, max_uses, uses, expires_at, created_at`

func scanGift(row rowScanner) (*models.GiftCode, error) {
	var g models.GiftCode
	var expires sql.NullTime
	if err := row.Scan(&g.ID, &g.Code, &g.Diamonds, &g.MaxUses, &g.Uses, &expires, &g.CreatedAt); err != nil {
		return nil, err
	}
	if expires.Valid {
		t := expires.Time
		g.ExpiresAt = &t
	}
	return &g, nil
}

func (r *GiftRepository) GetByID(ctx context.Context, id int64) (*models.GiftCode, error) {
	query := `SELECT ` + giftColumns + ` FROM gift_codes WHERE id = ?`
	g, err := scanGift(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get gift code by id: %w", err)
	}
	return g, nil
}

func (r *GiftRepository) List(ctx context.Context) ([]models.GiftCode, error) {
	query := `SELECT ` + giftColumns + ` FROM gift_codes ORDER BY id DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list gift codes: %w", err)
	}
	defer rows.Close()

	var gifts []models.GiftCode
	for rows.Next() {
		g, err := scanGift(rows)
		if err != nil {
			return nil, fmt.Errorf("scan gift code list: %w", err)
		}
		gifts = append(gifts, *g)
	}
	return gifts, rows.Err()
}

func (r *GiftRepository) Create(ctx context.Context, g *models.GiftCode) (*models.GiftCode, error) {
	const query = `
INSERT INTO gift_codes (code, diamonds, max_uses, uses, expires_at)
VALUES (?, ?, ?, 0, ?)`
	res, err := r.db.ExecContext(ctx, query, g.Code, g.Diamonds, g.MaxUses, g.ExpiresAt)
	if err != nil {
		if isDuplicate(err) {
			return nil, ErrGiftCodeTaken
		}
		return nil, fmt.Errorf("create gift code: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("gift code last insert id: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *GiftRepository) Update(ctx context.Context, g *models.GiftCode) (*models.GiftCode, error) {
	const query = `
UPDATE gift_codes
SET code = ?, diamonds = ?, max_uses = ?, uses = ?, expires_at = ?
WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, g.Code, g.Diamonds, g.MaxUses, g.Uses, g.ExpiresAt, g.ID); err != nil {
		return nil, fmt.Errorf("update gift code: %w", err)
	}
	return r.GetByID(ctx, g.ID)
}

func (r *GiftRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM gift_codes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete gift code: %w", err)
	}
	return nil
}

// Redeem applies a gift code for the account: it locks the code, checks
// expiry, usage and prior redemption, then records the redemption and
// credits the diamonds with a GIFT_CODE ledger entry.
func (r *GiftRepository) Redeem(ctx context.Context, accountID, code string, now time.Time) (*models.GiftCode, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + giftColumns + ` FROM gift_codes WHERE code = ? FOR UPDATE`
	gift, err := scanGift(tx.QueryRowContext(ctx, query, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGiftInvalid
		}
		return nil, fmt.Errorf("lock gift code: %w", err)
	}
	if gift.ExpiresAt != nil && !now.Before(*gift.ExpiresAt) {
		return nil, ErrGiftExpired
	}
	if gift.Uses >= gift.MaxUses {
		return nil, ErrGiftExhausted
	}

	row := tx.QueryRowContext(ctx, `SELECT 1 FROM gift_redemptions WHERE account_id = ? AND gift_code_id = ?`, accountID, gift.ID)
	var dummy int
	if err := row.Scan(&dummy); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("check redemption: %w", err)
		}
	} else {
		return nil, ErrGiftRedeemed
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO gift_redemptions (account_id, gift_code_id) VALUES (?, ?)`, accountID, gift.ID); err != nil {
		if isDuplicate(err) {
			return nil, ErrGiftRedeemed
		}
		return nil, fmt.Errorf("insert redemption: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE gift_codes SET uses = uses + 1 WHERE id = ?`, gift.ID); err != nil {
		return nil, fmt.Errorf("increment gift uses: %w", err)
	}
	if err := applyDelta(ctx, tx, accountID, gift.Diamonds, models.TxGiftCode, "Gift code "+gift.Code, nil); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit gift tx: %w", err)
	}
	gift.Uses++
	return gift, nil
}
