package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/gemstudio/internal/config"
	"github.com/digkill/gemstudio/internal/models"
	"github.com/digkill/gemstudio/internal/repository"
)

// maxStreakBonusDays caps how many extra days add to the check-in reward.
const maxStreakBonusDays = 6

type Profile struct {
	models.Account
	Level int `json:"level"`
}

type CheckInResult struct {
	Reward   int `json:"reward"`
	Streak   int `json:"streak"`
	Diamonds int `json:"diamonds"`
}

type AdminAccountInput struct {
	Diamonds *int  `json:"diamonds"`
	XP       *int  `json:"xp"`
	IsAdmin  *bool `json:"is_admin"`
}

type AccountService struct {
	cfg      config.Config
	log      *slog.Logger
	accounts AccountStore
	now      func() time.Time
}

func NewAccountService(cfg config.Config, log *slog.Logger, accounts AccountStore) *AccountService {
	return &AccountService{cfg: cfg, log: log, accounts: accounts, now: time.Now}
}

// EnsureAccount creates the account with the starting balance on first sight.
func (s *AccountService) EnsureAccount(ctx context.Context, id, email string) (*models.Account, error) {
	account, created, err := s.accounts.Ensure(ctx, id, email, s.cfg.StartingDiamonds)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("ensure account: %s vanished", id)
	}
	if created {
		s.log.Info("account created", "account_id", id, "diamonds", account.Diamonds)
	}
	return account, nil
}

func (s *AccountService) Profile(ctx context.Context, id string) (*Profile, error) {
	account, err := s.accounts.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("%w: account", ErrNotFound)
	}
	return &Profile{Account: *account, Level: account.Level()}, nil
}

// CheckIn grants the daily reward once per UTC day. The streak continues
// when the previous check-in was yesterday and restarts at 1 otherwise.
func (s *AccountService) CheckIn(ctx context.Context, id string) (*CheckInResult, error) {
	account, err := s.accounts.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("%w: account", ErrNotFound)
	}

	now := s.now().UTC()
	last := account.LastCheckInAt
	if last != nil && sameDay(last.UTC(), now) {
		return nil, ErrAlreadyCheckedIn
	}

	streak := 1
	if last != nil && sameDay(last.UTC(), now.AddDate(0, 0, -1)) {
		streak = account.ConsecutiveCheckInDays + 1
	}
	reward := CheckInReward(s.cfg.CheckInReward, s.cfg.CheckInStreakBonus, streak)

	err = s.accounts.RecordCheckIn(ctx, id, repository.CheckIn{
		Reward:   reward,
		Streak:   streak,
		At:       now,
		Previous: last,
	})
	if err != nil {
		if errors.Is(err, repository.ErrCheckInConflict) {
			return nil, ErrAlreadyCheckedIn
		}
		return nil, fmt.Errorf("record check-in: %w", err)
	}

	return &CheckInResult{Reward: reward, Streak: streak, Diamonds: account.Diamonds + reward}, nil
}

// CheckInReward is the base reward plus a bonus per consecutive day, capped.
func CheckInReward(base, bonus, streak int) int {
	extra := streak - 1
	if extra < 0 {
		extra = 0
	}
	if extra > maxStreakBonusDays {
		extra = maxStreakBonusDays
	}
	return base + extra*bonus
}

func (s *AccountService) Transactions(ctx context.Context, id string, limit int) ([]models.LedgerEntry, error) {
	return s.accounts.ListLedger(ctx, id, clampLimit(limit, 50, 200))
}

func (s *AccountService) Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	return s.accounts.Leaderboard(ctx, clampLimit(limit, 20, 100))
}

// AdminUpdate edits an account. A balance change is logged as ADMIN_ADJUST
// with the exact delta.
func (s *AccountService) AdminUpdate(ctx context.Context, actor, id string, in AdminAccountInput) (*Profile, error) {
	if in.Diamonds == nil && in.XP == nil && in.IsAdmin == nil {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	if in.Diamonds != nil && *in.Diamonds < 0 {
		return nil, fmt.Errorf("%w: diamonds must not be negative", ErrInvalidInput)
	}
	if in.XP != nil && *in.XP < 0 {
		return nil, fmt.Errorf("%w: xp must not be negative", ErrInvalidInput)
	}

	account, err := s.accounts.AdminUpdate(ctx, id, repository.AdminUpdate{
		Diamonds: in.Diamonds,
		XP:       in.XP,
		IsAdmin:  in.IsAdmin,
	}, actor)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, fmt.Errorf("%w: account", ErrNotFound)
		}
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("%w: account", ErrNotFound)
	}
	s.log.Info("account updated by admin", "account_id", id, "actor", actor)
	return &Profile{Account: *account, Level: account.Level()}, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
