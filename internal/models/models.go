package models

import (
	"encoding/json"
	"strings"
	"time"
)

type TransactionType string

const (
	TxToolUse              TransactionType = "TOOL_USE"
	TxDailyCheckIn         TransactionType = "DAILY_CHECK_IN"
	TxImageGeneration      TransactionType = "IMAGE_GENERATION"
	TxGroupImageGeneration TransactionType = "GROUP_IMAGE_GENERATION"
	TxBGRemoval            TransactionType = "BG_REMOVAL"
	TxFaceIDProcess        TransactionType = "FACE_ID_PROCESS"
	TxShareImage           TransactionType = "SHARE_IMAGE"
	TxRefund               TransactionType = "REFUND"
	TxAdminAdjust          TransactionType = "ADMIN_ADJUST"
	TxGiftCode             TransactionType = "GIFT_CODE"
	TxPurchase             TransactionType = "PURCHASE"
	TxSignupBonus          TransactionType = "SIGNUP_BONUS"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	// JobFailed is never stored: a failed job is deleted. It is what pollers
	// are told when the record is gone.
	JobFailed JobStatus = "failed"
)

type CredentialStatus string

const (
	CredentialActive   CredentialStatus = "active"
	CredentialDisabled CredentialStatus = "disabled"
)

const (
	PaymentPending   = "PENDING"
	PaymentPaid      = "PAID"
	PaymentCancelled = "CANCELLED"
)

// XPPerLevel is the XP needed to gain one level.
const XPPerLevel = 100

type Account struct {
	ID                     string     `json:"id"`
	Email                  string     `json:"email"`
	Diamonds               int        `json:"diamonds"`
	XP                     int        `json:"xp"`
	ConsecutiveCheckInDays int        `json:"consecutive_check_in_days"`
	LastCheckInAt          *time.Time `json:"last_check_in_at"`
	IsAdmin                bool       `json:"is_admin"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Level derives the account level from XP.
func (a Account) Level() int {
	if a.XP < 0 {
		return 1
	}
	return a.XP/XPPerLevel + 1
}

type LedgerEntry struct {
	ID              int64           `json:"id"`
	AccountID       string          `json:"account_id"`
	Amount          int             `json:"amount"`
	TransactionType TransactionType `json:"transaction_type"`
	Description     string          `json:"description"`
	JobID           *string         `json:"job_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

type GenerationJob struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id"`
	Kind            TransactionType `json:"kind"`
	Cost            int             `json:"cost"`
	Status          JobStatus       `json:"status"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	Description     string          `json:"description"`
	Payload         json.RawMessage `json:"-"`
	ResultURL       string          `json:"result_url,omitempty"`
	ResultKey       string          `json:"-"`
	IsPublic        bool            `json:"is_public"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type Credential struct {
	ID         int64            `json:"id"`
	APIKey     string           `json:"-"`
	Label      string           `json:"label"`
	Status     CredentialStatus `json:"status"`
	UsageCount int64            `json:"usage_count"`
	LastUsedAt *time.Time       `json:"last_used_at"`
	CreatedAt  time.Time        `json:"created_at"`
}

type Payment struct {
	OrderCode   int64     `json:"order_code"`
	AccountID   string    `json:"account_id"`
	PackageID   int64     `json:"package_id"`
	Amount      int       `json:"amount"`
	Diamonds    int       `json:"diamonds"`
	Status      string    `json:"status"`
	CheckoutURL string    `json:"checkout_url"`
	RawPayload  string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type DiamondPackage struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Price       int       `json:"price"`
	Diamonds    int       `json:"diamonds"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type GiftCode struct {
	ID        int64      `json:"id"`
	Code      string     `json:"code"`
	Diamonds  int        `json:"diamonds"`
	MaxUses   int        `json:"max_uses"`
	Uses      int        `json:"uses"`
	ExpiresAt *time.Time `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
}

// LeaderboardEntry is visible to every signed-in user, so it carries a
// masked handle instead of the email.
type LeaderboardEntry struct {
	AccountID string `json:"account_id"`
	Handle    string `json:"handle"`
	XP        int    `json:"xp"`
	Level     int    `json:"level"`
}

// DisplayHandle masks an email for public listings: "alice@example.com"
// becomes "al***".
func DisplayHandle(email string) string {
	local, _, _ := strings.Cut(strings.TrimSpace(email), "@")
	runes := []rune(local)
	if len(runes) == 0 {
		return "player"
	}
	if len(runes) > 2 {
		runes = runes[:2]
	}
	return string(runes) + "***"
}
