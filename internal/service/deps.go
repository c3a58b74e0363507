package service

import (
	"context"
	"time"

	"github.com/digkill/gemstudio/internal/imagegen"
	"github.com/digkill/gemstudio/internal/models"
	"github.com/digkill/gemstudio/internal/repository"
)

// AccountStore is the ledger side of the relational store.
type AccountStore interface {
	FindByID(ctx context.Context, id string) (*models.Account, error)
	Ensure(ctx context.Context, id, email string, startingDiamonds int) (*models.Account, bool, error)
	Reserve(ctx context.Context, res repository.Reservation) error
	Refund(ctx context.Context, ref repository.Refund) error
	RecordCheckIn(ctx context.Context, accountID string, in repository.CheckIn) error
	AdminUpdate(ctx context.Context, id string, upd repository.AdminUpdate, actor string) (*models.Account, error)
	PublishJob(ctx context.Context, jobID, accountID string, reward int) error
	ListLedger(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error)
	Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error)
}

type JobStore interface {
	Get(ctx context.Context, id string) (*models.GenerationJob, error)
	MarkRunning(ctx context.Context, id, progress string) (bool, error)
	UpdateProgress(ctx context.Context, id, progress string) error
	MarkSucceeded(ctx context.Context, id, url, key string) error
	ListStale(ctx context.Context, before time.Time, limit int) ([]models.GenerationJob, error)
	ListPublic(ctx context.Context, limit, offset int) ([]models.GenerationJob, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]models.GenerationJob, error)
	DeleteFinished(ctx context.Context, id, accountID string) error
}

// Gateway is the AI provider.
type Gateway interface {
	Generate(ctx context.Context, apiKey string, parts []imagegen.Part) (*imagegen.Image, error)
	GenerateText(ctx context.Context, apiKey string, prompt string) (string, error)
}

// ObjectStore keeps generated images.
type ObjectStore interface {
	KeyFor(owner, contentType string) string
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// XPAwarder applies XP as a secondary effect.
type XPAwarder interface {
	AwardXP(ctx context.Context, accountID string, amount int) error
}

// Dispatcher hands a group job to the background worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

type GiftStore interface {
	GetByID(ctx context.Context, id int64) (*models.GiftCode, error)
	List(ctx context.Context) ([]models.GiftCode, error)
	Create(ctx context.Context, g *models.GiftCode) (*models.GiftCode, error)
	Update(ctx context.Context, g *models.GiftCode) (*models.GiftCode, error)
	Delete(ctx context.Context, id int64) error
	Redeem(ctx context.Context, accountID, code string, now time.Time) (*models.GiftCode, error)
}

type PackageStore interface {
	List(ctx context.Context, activeOnly bool) ([]models.DiamondPackage, error)
	GetByID(ctx context.Context, id int64) (*models.DiamondPackage, error)
	Create(ctx context.Context, p *models.DiamondPackage) (*models.DiamondPackage, error)
	Update(ctx context.Context, p *models.DiamondPackage) (*models.DiamondPackage, error)
	Delete(ctx context.Context, id int64) error
}

type PaymentStore interface {
	Create(ctx context.Context, p *models.Payment) error
	FindByOrderCode(ctx context.Context, orderCode int64) (*models.Payment, error)
	MarkPaid(ctx context.Context, orderCode int64, payload string) (bool, error)
	UpdateStatus(ctx context.Context, orderCode int64, status, payload string) error
}

type CredentialStore interface {
	List(ctx context.Context) ([]models.Credential, error)
	GetByID(ctx context.Context, id int64) (*models.Credential, error)
	Create(ctx context.Context, c *models.Credential) (*models.Credential, error)
	Update(ctx context.Context, c *models.Credential) (*models.Credential, error)
	Delete(ctx context.Context, id int64) error
}
