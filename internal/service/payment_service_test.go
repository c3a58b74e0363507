package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/gemstudio/internal/models"
	"github.com/digkill/gemstudio/internal/payos"
	"github.com/digkill/gemstudio/internal/repository"
)

const checksumKey = "checksum-secret"

type memPayments struct {
	payments map[int64]*models.Payment
	credited map[string]int
}

func newMemPayments() *memPayments {
	return &memPayments{payments: map[int64]*models.Payment{}, credited: map[string]int{}}
}

func (m *memPayments) Create(_ context.Context, p *models.Payment) error {
	cp := *p
	m.payments[p.OrderCode] = &cp
	return nil
}

func (m *memPayments) FindByOrderCode(_ context.Context, code int64) (*models.Payment, error) {
	p, ok := m.payments[code]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memPayments) MarkPaid(_ context.Context, code int64, payload string) (bool, error) {
	p, ok := m.payments[code]
	if !ok {
		return false, repository.ErrPaymentNotFound
	}
	if p.Status != models.PaymentPending {
		return false, nil
	}
	p.Status = models.PaymentPaid
	p.RawPayload = payload
	m.credited[p.AccountID] += p.Diamonds
	return true, nil
}

func (m *memPayments) UpdateStatus(_ context.Context, code int64, status, payload string) error {
	if p, ok := m.payments[code]; ok && p.Status == models.PaymentPending {
		p.Status = status
		p.RawPayload = payload
	}
	return nil
}

type memPackages struct {
	pkgs map[int64]*models.DiamondPackage
}

func (m *memPackages) List(_ context.Context, activeOnly bool) ([]models.DiamondPackage, error) {
	var out []models.DiamondPackage
	for _, p := range m.pkgs {
		if !activeOnly || p.IsActive {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memPackages) GetByID(_ context.Context, id int64) (*models.DiamondPackage, error) {
	p, ok := m.pkgs[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memPackages) Create(_ context.Context, p *models.DiamondPackage) (*models.DiamondPackage, error) {
	p.ID = int64(len(m.pkgs) + 1)
	m.pkgs[p.ID] = p
	return p, nil
}

func (m *memPackages) Update(_ context.Context, p *models.DiamondPackage) (*models.DiamondPackage, error) {
	m.pkgs[p.ID] = p
	return p, nil
}

func (m *memPackages) Delete(_ context.Context, id int64) error {
	delete(m.pkgs, id)
	return nil
}

type fakeLinks struct {
	requests []payos.LinkRequest
	err      error
}

func (f *fakeLinks) CreatePaymentLink(_ context.Context, in payos.LinkRequest) (*payos.Link, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, in)
	return &payos.Link{CheckoutURL: "https://pay.example.com/checkout", OrderCode: in.OrderCode, Status: "PENDING"}, nil
}

type paymentFixture struct {
	payments *memPayments
	packages *memPackages
	links    *fakeLinks
	alerts   *alertSpy
	svc      *PaymentService
}

func newPaymentFixture() *paymentFixture {
	cfg := testConfig()
	cfg.PayOSClientID = "client"
	cfg.PayOSAPIKey = "api"
	cfg.PayOSChecksumKey = checksumKey
	f := &paymentFixture{
		payments: newMemPayments(),
		packages: &memPackages{pkgs: map[int64]*models.DiamondPackage{
			1: {ID: 1, Title: "Starter", Price: 20000, Diamonds: 20, IsActive: true},
			2: {ID: 2, Title: "Retired", Price: 10000, Diamonds: 5},
		}},
		links:  &fakeLinks{},
		alerts: &alertSpy{},
	}
	f.svc = NewPaymentService(cfg, discardLogger(), f.payments, f.packages, f.links, f.alerts)
	f.svc.newCode = func() int64 { return 4242 }
	return f
}

func webhookBody(t *testing.T, data map[string]any, tamper func(map[string]any)) []byte {
	t.Helper()
	sig := payos.Sign(checksumKey, data)
	if tamper != nil {
		tamper(data)
	}
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"code":      "00",
		"desc":      "success",
		"success":   true,
		"data":      json.RawMessage(raw),
		"signature": sig,
	})
	require.NoError(t, err)
	return body
}

func TestPaymentCreate(t *testing.T) {
	f := newPaymentFixture()

	checkout, err := f.svc.Create(context.Background(), "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4242), checkout.OrderCode)
	assert.Equal(t, "https://pay.example.com/checkout", checkout.CheckoutURL)

	require.Len(t, f.links.requests, 1)
	assert.Equal(t, 20000, f.links.requests[0].Amount)

	stored, err := f.payments.FindByOrderCode(context.Background(), 4242)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.PaymentPending, stored.Status)
	assert.Equal(t, 20, stored.Diamonds)
}

func TestPaymentCreateRejectsInactivePackage(t *testing.T) {
	f := newPaymentFixture()

	_, err := f.svc.Create(context.Background(), "u1", 2)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Create(context.Background(), "u1", 99)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, f.payments.payments)
}

func TestPaymentCreateProviderError(t *testing.T) {
	f := newPaymentFixture()
	f.links.err = errors.New("timeout")

	_, err := f.svc.Create(context.Background(), "u1", 1)
	require.Error(t, err)
	assert.Empty(t, f.payments.payments)
}

func TestPaymentWebhookCreditsOnce(t *testing.T) {
	f := newPaymentFixture()
	_, err := f.svc.Create(context.Background(), "u1", 1)
	require.NoError(t, err)

	body := webhookBody(t, map[string]any{"orderCode": 4242, "amount": 20000, "code": "00", "status": "PAID"}, nil)

	out, err := f.svc.Webhook(context.Background(), body)
	require.NoError(t, err)
	assert.True(t, out.Credited)

	out, err = f.svc.Webhook(context.Background(), body)
	require.NoError(t, err)
	assert.False(t, out.Credited)

	assert.Equal(t, 20, f.payments.credited["u1"])
	assert.Len(t, f.alerts.msgs, 1)
}

func TestPaymentWebhookRejectsTamperedBody(t *testing.T) {
	f := newPaymentFixture()
	_, err := f.svc.Create(context.Background(), "u1", 1)
	require.NoError(t, err)

	body := webhookBody(t, map[string]any{"orderCode": 4242, "amount": 20000, "code": "00", "status": "PENDING"}, func(m map[string]any) {
		m["status"] = "PAID"
	})

	_, err = f.svc.Webhook(context.Background(), body)
	require.ErrorIs(t, err, payos.ErrInvalidSignature)

	stored, _ := f.payments.FindByOrderCode(context.Background(), 4242)
	assert.Equal(t, models.PaymentPending, stored.Status)
	assert.Zero(t, f.payments.credited["u1"])
}

func TestPaymentWebhookUnknownOrder(t *testing.T) {
	f := newPaymentFixture()
	body := webhookBody(t, map[string]any{"orderCode": 1, "amount": 100, "code": "00", "status": "PAID"}, nil)

	_, err := f.svc.Webhook(context.Background(), body)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPaymentWebhookAmountMismatch(t *testing.T) {
	f := newPaymentFixture()
	_, err := f.svc.Create(context.Background(), "u1", 1)
	require.NoError(t, err)

	body := webhookBody(t, map[string]any{"orderCode": 4242, "amount": 1, "code": "00", "status": "PAID"}, nil)
	_, err = f.svc.Webhook(context.Background(), body)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Zero(t, f.payments.credited["u1"])
}

func TestPaymentWebhookCancelled(t *testing.T) {
	f := newPaymentFixture()
	_, err := f.svc.Create(context.Background(), "u1", 1)
	require.NoError(t, err)

	body := webhookBody(t, map[string]any{"orderCode": 4242, "amount": 20000, "code": "01", "status": "CANCELLED"}, nil)
	out, err := f.svc.Webhook(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCancelled, out.Status)

	stored, _ := f.payments.FindByOrderCode(context.Background(), 4242)
	assert.Equal(t, models.PaymentCancelled, stored.Status)
}

func TestNewOrderCodeFitsSafeInteger(t *testing.T) {
	for i := 0; i < 100; i++ {
		code := newOrderCode()
		assert.Positive(t, code)
		assert.LessOrEqual(t, code, int64(maxOrderCode))
	}
}

func TestPackageValidation(t *testing.T) {
	svc := NewPackageService(&memPackages{pkgs: map[int64]*models.DiamondPackage{}})

	_, err := svc.Create(context.Background(), CreatePackageInput{Title: "x", Price: 0, Diamonds: 1})
	assert.ErrorIs(t, err, ErrInvalidInput)

	p, err := svc.Create(context.Background(), CreatePackageInput{Title: "Gold", Price: 50000, Diamonds: 60})
	require.NoError(t, err)
	assert.True(t, p.IsActive)

	inactive := false
	p, err = svc.Update(context.Background(), p.ID, UpdatePackageInput{IsActive: &inactive})
	require.NoError(t, err)
	assert.False(t, p.IsActive)

	_, err = svc.Update(context.Background(), 99, UpdatePackageInput{})
	assert.ErrorIs(t, err, ErrNotFound)
}
