package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/digkill/gemstudio/internal/models"
	"github.com/digkill/gemstudio/internal/repository"
)

type GiftInput struct {
	Code      *string    `json:"code"`
	Diamonds  *int       `json:"diamonds"`
	MaxUses   *int       `json:"max_uses"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type GiftService struct {
	log   *slog.Logger
	gifts GiftStore
	now   func() time.Time
}

func NewGiftService(log *slog.Logger, gifts GiftStore) *GiftService {
	return &GiftService{log: log, gifts: gifts, now: time.Now}
}

// Redeem credits a gift code once per account.
func (s *GiftService) Redeem(ctx context.Context, accountID, code string) (*models.GiftCode, error) {
	code = normalizeCode(code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidInput)
	}

	gift, err := s.gifts.Redeem(ctx, accountID, code, s.now().UTC())
	switch {
	case err == nil:
		s.log.Info("gift code redeemed", "account_id", accountID, "code", code, "diamonds", gift.Diamonds)
		return gift, nil
	case errors.Is(err, repository.ErrGiftInvalid):
		return nil, fmt.Errorf("%w: gift code", ErrNotFound)
	case errors.Is(err, repository.ErrGiftRedeemed):
		return nil, fmt.Errorf("%w: gift code already redeemed", ErrConflict)
	case errors.Is(err, repository.ErrGiftExhausted):
		return nil, fmt.Errorf("%w: gift code has no uses left", ErrConflict)
	case errors.Is(err, repository.ErrGiftExpired):
		return nil, fmt.Errorf("%w: gift code expired", ErrConflict)
	default:
		return nil, fmt.Errorf("redeem gift code: %w", err)
	}
}

func (s *GiftService) List(ctx context.Context) ([]models.GiftCode, error) {
	return s.gifts.List(ctx)
}

func (s *GiftService) Create(ctx context.Context, in GiftInput) (*models.GiftCode, error) {
	if in.Code == nil || normalizeCode(*in.Code) == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidInput)
	}
	if in.Diamonds == nil || *in.Diamonds <= 0 {
		return nil, fmt.Errorf("%w: diamonds must be positive", ErrInvalidInput)
	}
	maxUses := 1
	if in.MaxUses != nil {
		maxUses = *in.MaxUses
	}
	if maxUses <= 0 {
		return nil, fmt.Errorf("%w: max_uses must be positive", ErrInvalidInput)
	}

	gift, err := s.gifts.Create(ctx, &models.GiftCode{
		Code:      normalizeCode(*in.Code),
		Diamonds:  *in.Diamonds,
		MaxUses:   maxUses,
		ExpiresAt: in.ExpiresAt,
	})
	if err != nil {
		if errors.Is(err, repository.ErrGiftCodeTaken) {
			return nil, fmt.Errorf("%w: code already exists", ErrConflict)
		}
		return nil, err
	}
	return gift, nil
}

func (s *GiftService) Update(ctx context.Context, id int64, in GiftInput) (*models.GiftCode, error) {
	existing, err := s.gifts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: gift code", ErrNotFound)
	}
	if in.Code != nil {
		if normalizeCode(*in.Code) == "" {
			return nil, fmt.Errorf("%w: code must not be empty", ErrInvalidInput)
		}
		existing.Code = normalizeCode(*in.Code)
	}
	if in.Diamonds != nil {
		if *in.Diamonds <= 0 {
			return nil, fmt.Errorf("%w: diamonds must be positive", ErrInvalidInput)
		}
		existing.Diamonds = *in.Diamonds
	}
	if in.MaxUses != nil {
		if *in.MaxUses <= 0 {
			return nil, fmt.Errorf("%w: max_uses must be positive", ErrInvalidInput)
		}
		existing.MaxUses = *in.MaxUses
	}
	if in.ExpiresAt != nil {
		existing.ExpiresAt = in.ExpiresAt
	}
	return s.gifts.Update(ctx, existing)
}

func (s *GiftService) Delete(ctx context.Context, id int64) error {
	return s.gifts.Delete(ctx, id)
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
