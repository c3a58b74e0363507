package service

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/digkill/gemstudio/internal/config"
	"github.com/digkill/gemstudio/internal/metrics"
	"github.com/digkill/gemstudio/internal/models"
	"github.com/digkill/gemstudio/internal/notify"
	"github.com/digkill/gemstudio/internal/payos"
	"github.com/digkill/gemstudio/internal/repository"
)

// maxOrderCode keeps order codes inside the JavaScript safe integer range
// PayOS accepts.
const maxOrderCode = 1<<53 - 1

// LinkCreator opens a checkout session with the payment provider.
type LinkCreator interface {
	CreatePaymentLink(ctx context.Context, in payos.LinkRequest) (*payos.Link, error)
}

type Checkout struct {
	OrderCode   int64  `json:"order_code"`
	CheckoutURL string `json:"checkout_url"`
	Amount      int    `json:"amount"`
	Diamonds    int    `json:"diamonds"`
}

// WebhookOutcome tells the provider what the event did.
type WebhookOutcome struct {
	OrderCode int64  `json:"order_code"`
	Status    string `json:"status"`
	Credited  bool   `json:"credited"`
}

type PaymentService struct {
	cfg      config.Config
	log      *slog.Logger
	payments PaymentStore
	packages PackageStore
	links    LinkCreator
	alerts   notify.Notifier
	newCode  func() int64
}

func NewPaymentService(cfg config.Config, log *slog.Logger, payments PaymentStore, packages PackageStore, links LinkCreator, alerts notify.Notifier) *PaymentService {
	if alerts == nil {
		alerts = notify.Nop{}
	}
	return &PaymentService{
		cfg:      cfg,
		log:      log,
		payments: payments,
		packages: packages,
		links:    links,
		alerts:   alerts,
		newCode:  newOrderCode,
	}
}

// Create opens a checkout for an active package and stores the pending payment.
func (s *PaymentService) Create(ctx context.Context, accountID string, packageID int64) (*Checkout, error) {
	if s.links == nil || s.cfg.PayOSClientID == "" || s.cfg.PayOSAPIKey == "" {
		return nil, ErrPaymentsDisabled
	}
	if packageID <= 0 {
		return nil, fmt.Errorf("%w: package_id is required", ErrInvalidInput)
	}

	pkg, err := s.packages.GetByID(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if pkg == nil || !pkg.IsActive {
		return nil, fmt.Errorf("%w: package", ErrNotFound)
	}

	orderCode := s.newCode()
	link, err := s.links.CreatePaymentLink(ctx, payos.LinkRequest{
		OrderCode:   orderCode,
		Amount:      pkg.Price,
		Description: fmt.Sprintf("GEM %d", orderCode%1_000_000),
	})
	if err != nil {
		s.log.Error("create payment link failed", "account_id", accountID, "package_id", packageID, "error", err)
		return nil, fmt.Errorf("create payment link: %w", err)
	}

	payment := &models.Payment{
		OrderCode:   orderCode,
		AccountID:   accountID,
		PackageID:   pkg.ID,
		Amount:      pkg.Price,
		Diamonds:    pkg.Diamonds,
		Status:      models.PaymentPending,
		CheckoutURL: link.CheckoutURL,
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		return nil, err
	}

	s.log.Info("payment created", "account_id", accountID, "order_code", orderCode, "amount", pkg.Price)
	return &Checkout{
		OrderCode:   orderCode,
		CheckoutURL: link.CheckoutURL,
		Amount:      pkg.Price,
		Diamonds:    pkg.Diamonds,
	}, nil
}

// Webhook applies a signed provider event. An unsigned or tampered body is
// rejected before anything is read from the store.
func (s *PaymentService) Webhook(ctx context.Context, body []byte) (*WebhookOutcome, error) {
	_, data, err := payos.ParseWebhook(s.cfg.PayOSChecksumKey, body)
	if err != nil {
		s.log.Warn("payment webhook rejected", "error", err)
		return nil, err
	}

	payment, err := s.payments.FindByOrderCode(ctx, data.OrderCode)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, fmt.Errorf("%w: order %d", ErrNotFound, data.OrderCode)
	}

	raw := string(body)
	switch {
	case data.Paid():
		if data.Amount != 0 && data.Amount != payment.Amount {
			s.log.Warn("payment amount mismatch", "order_code", data.OrderCode, "expected", payment.Amount, "got", data.Amount)
			return nil, fmt.Errorf("%w: amount mismatch", ErrInvalidInput)
		}
		credited, err := s.payments.MarkPaid(ctx, data.OrderCode, raw)
		if err != nil {
			if errors.Is(err, repository.ErrPaymentNotFound) {
				return nil, fmt.Errorf("%w: order %d", ErrNotFound, data.OrderCode)
			}
			return nil, err
		}
		if credited {
			metrics.RecordJob("purchase", "paid")
			s.log.Info("payment settled", "order_code", data.OrderCode, "account_id", payment.AccountID, "diamonds", payment.Diamonds)
			s.alerts.Alert(ctx, fmt.Sprintf("Payment %d: %d diamonds to %s", data.OrderCode, payment.Diamonds, payment.AccountID))
		}
		return &WebhookOutcome{OrderCode: data.OrderCode, Status: models.PaymentPaid, Credited: credited}, nil

	case strings.EqualFold(data.Status, models.PaymentCancelled):
		if err := s.payments.UpdateStatus(ctx, data.OrderCode, models.PaymentCancelled, raw); err != nil {
			return nil, err
		}
		return &WebhookOutcome{OrderCode: data.OrderCode, Status: models.PaymentCancelled}, nil

	default:
		return &WebhookOutcome{OrderCode: data.OrderCode, Status: payment.Status}, nil
	}
}

func newOrderCode() int64 {
	id := uuid.New()
	code := int64(binary.BigEndian.Uint64(id[:8]) & maxOrderCode)
	if code == 0 {
		code = 1
	}
	return code
}
