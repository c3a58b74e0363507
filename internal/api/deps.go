package api

import (
	"context"

	"github.com/digkill/gemstudio/internal/auth"
	"github.com/digkill/gemstudio/internal/models"
	"github.com/digkill/gemstudio/internal/service"
)

type Generator interface {
	Generate(ctx context.Context, accountID string, req service.GenerateRequest) (*service.GenerateResult, error)
	Job(ctx context.Context, principalID string, isAdmin bool, id string) (*models.GenerationJob, error)
	ListJobs(ctx context.Context, accountID string, limit int) ([]models.GenerationJob, error)
	DeleteJob(ctx context.Context, accountID, id string) error
	Share(ctx context.Context, accountID, id string) (*models.GenerationJob, error)
	Gallery(ctx context.Context, limit, offset int) ([]models.GenerationJob, error)
}

type GroupRunner interface {
	Start(ctx context.Context, accountID string, req service.GroupRequest) (*service.GroupStarted, error)
	Process(ctx context.Context, jobID string) error
}

type Accounts interface {
	auth.AccountResolver
	Profile(ctx context.Context, id string) (*service.Profile, error)
	CheckIn(ctx context.Context, id string) (*service.CheckInResult, error)
	Transactions(ctx context.Context, id string, limit int) ([]models.LedgerEntry, error)
	Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error)
	AdminUpdate(ctx context.Context, actor, id string, in service.AdminAccountInput) (*service.Profile, error)
}

type Gifts interface {
	Redeem(ctx context.Context, accountID, code string) (*models.GiftCode, error)
	List(ctx context.Context) ([]models.GiftCode, error)
	Create(ctx context.Context, in service.GiftInput) (*models.GiftCode, error)
	Update(ctx context.Context, id int64, in service.GiftInput) (*models.GiftCode, error)
	Delete(ctx context.Context, id int64) error
}

type Packages interface {
	List(ctx context.Context, activeOnly bool) ([]models.DiamondPackage, error)
	Create(ctx context.Context, in service.CreatePackageInput) (*models.DiamondPackage, error)
	Update(ctx context.Context, id int64, in service.UpdatePackageInput) (*models.DiamondPackage, error)
	Delete(ctx context.Context, id int64) error
}

type Payments interface {
	Create(ctx context.Context, accountID string, packageID int64) (*service.Checkout, error)
	Webhook(ctx context.Context, body []byte) (*service.WebhookOutcome, error)
}

type Credentials interface {
	List(ctx context.Context) ([]models.Credential, error)
	Create(ctx context.Context, in service.CredentialInput) (*models.Credential, error)
	Update(ctx context.Context, id int64, in service.CredentialInput) (*models.Credential, error)
	Delete(ctx context.Context, id int64) error
}

type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}
