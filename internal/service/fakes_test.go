package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/digkill/gemstudio/internal/config"
	"github.com/digkill/gemstudio/internal/imagegen"
	"github.com/digkill/gemstudio/internal/keypool"
	"github.com/digkill/gemstudio/internal/models"
	"github.com/digkill/gemstudio/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	return config.Config{
		StartingDiamonds:   5,
		Generate:           config.Feature{Cost: 1, XP: 10},
		RemoveBackground:   config.Feature{Cost: 1, XP: 5},
		FaceID:             config.Feature{Cost: 2, XP: 15},
		Tool:               config.Feature{Cost: 1, XP: 5},
		GroupUnitCost:      1,
		GroupXPPerUnit:     10,
		GroupMaxMembers:    6,
		CheckInReward:      1,
		CheckInStreakBonus: 1,
		ShareReward:        1,
		StaleJobAfter:      30 * time.Minute,
	}
}

// memStore keeps accounts, ledger and jobs in memory and applies every
// reservation and refund atomically under one lock.
type memStore struct {
	mu        sync.Mutex
	accounts  map[string]*models.Account
	ledger    []models.LedgerEntry
	jobs      map[string]*models.GenerationJob
	refundErr error
	markErr   error
	// markFailures fails that many MarkSucceeded calls before succeeding.
	markFailures int
	clock        func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		accounts: map[string]*models.Account{},
		jobs:     map[string]*models.GenerationJob{},
		clock:    time.Now,
	}
}

func (m *memStore) seed(id string, diamonds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[id] = &models.Account{ID: id, Email: id + "@example.com", Diamonds: diamonds}
}

func (m *memStore) balance(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[id].Diamonds
}

func (m *memStore) entries(txType models.TransactionType) []models.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range m.ledger {
		if e.TransactionType == txType {
			out = append(out, e)
		}
	}
	return out
}

func (m *memStore) job(id string) *models.GenerationJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		cp := *j
		return &cp
	}
	return nil
}

// ledgerSum is the sum of all ledger amounts for the account.
func (m *memStore) ledgerSum(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := 0
	for _, e := range m.ledger {
		if e.AccountID == id {
			sum += e.Amount
		}
	}
	return sum
}

func (m *memStore) applyLocked(id string, delta int, txType models.TransactionType, desc string, jobID *string) error {
	acc, ok := m.accounts[id]
	if !ok {
		return repository.ErrAccountNotFound
	}
	if acc.Diamonds+delta < 0 {
		return repository.ErrInsufficientBalance
	}
	acc.Diamonds += delta
	m.ledger = append(m.ledger, models.LedgerEntry{
		ID:              int64(len(m.ledger) + 1),
		AccountID:       id,
		Amount:          delta,
		TransactionType: txType,
		Description:     desc,
		JobID:           jobID,
	})
	return nil
}

func (m *memStore) FindByID(_ context.Context, id string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *acc
	return &cp, nil
}

func (m *memStore) Ensure(_ context.Context, id, email string, starting int) (*models.Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, ok := m.accounts[id]; ok {
		cp := *acc
		return &cp, false, nil
	}
	m.accounts[id] = &models.Account{ID: id, Email: email}
	if starting > 0 {
		if err := m.applyLocked(id, starting, models.TxSignupBonus, "Welcome bonus", nil); err != nil {
			return nil, false, err
		}
	}
	cp := *m.accounts[id]
	return &cp, true, nil
}

func (m *memStore) Reserve(_ context.Context, res repository.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res.Job != nil {
		if _, ok := m.jobs[res.Job.ID]; ok {
			return repository.ErrDuplicateJob
		}
	}
	var jobID *string
	if res.Job != nil {
		id := res.Job.ID
		jobID = &id
	}
	if err := m.applyLocked(res.AccountID, -res.Cost, res.Type, res.Description, jobID); err != nil {
		return err
	}
	if res.Job != nil {
		cp := *res.Job
		cp.CreatedAt = m.clock()
		cp.UpdatedAt = cp.CreatedAt
		m.jobs[cp.ID] = &cp
	}
	return nil
}

func (m *memStore) Refund(_ context.Context, ref repository.Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refundErr != nil {
		return m.refundErr
	}
	job, ok := m.jobs[ref.JobID]
	if !ok || job.AccountID != ref.AccountID || job.Status == models.JobSucceeded {
		return repository.ErrJobNotFound
	}
	if !ref.IdleSince.IsZero() && !job.UpdatedAt.Before(ref.IdleSince) {
		return repository.ErrJobNotFound
	}
	delete(m.jobs, ref.JobID)
	if ref.Amount > 0 {
		jobID := ref.JobID
		return m.applyLocked(ref.AccountID, ref.Amount, models.TxRefund, "Refund: "+ref.Reason, &jobID)
	}
	return nil
}

func (m *memStore) RecordCheckIn(_ context.Context, id string, in repository.CheckIn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return repository.ErrAccountNotFound
	}
	if (acc.LastCheckInAt == nil) != (in.Previous == nil) ||
		(acc.LastCheckInAt != nil && !acc.LastCheckInAt.Equal(*in.Previous)) {
		return repository.ErrCheckInConflict
	}
	at := in.At
	acc.LastCheckInAt = &at
	acc.ConsecutiveCheckInDays = in.Streak
	return m.applyLocked(id, in.Reward, models.TxDailyCheckIn, "Daily check-in", nil)
}

func (m *memStore) AdminUpdate(_ context.Context, id string, upd repository.AdminUpdate, actor string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	if upd.Diamonds != nil {
		if delta := *upd.Diamonds - acc.Diamonds; delta != 0 {
			if err := m.applyLocked(id, delta, models.TxAdminAdjust, "Admin adjustment by "+actor, nil); err != nil {
				return nil, err
			}
		}
	}
	if upd.XP != nil {
		acc.XP = *upd.XP
	}
	if upd.IsAdmin != nil {
		acc.IsAdmin = *upd.IsAdmin
	}
	cp := *acc
	return &cp, nil
}

func (m *memStore) PublishJob(_ context.Context, jobID, accountID string, reward int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.AccountID != accountID || job.Status != models.JobSucceeded || job.IsPublic {
		return repository.ErrShareRejected
	}
	job.IsPublic = true
	if reward > 0 {
		id := jobID
		return m.applyLocked(accountID, reward, models.TxShareImage, "Shared image", &id)
	}
	return nil
}

func (m *memStore) ListLedger(_ context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LedgerEntry
	for i := len(m.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if m.ledger[i].AccountID == accountID {
			out = append(out, m.ledger[i])
		}
	}
	return out, nil
}

func (m *memStore) Leaderboard(_ context.Context, limit int) ([]models.LeaderboardEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LeaderboardEntry
	for _, acc := range m.accounts {
		out = append(out, models.LeaderboardEntry{AccountID: acc.ID, Handle: models.DisplayHandle(acc.Email), XP: acc.XP, Level: acc.Level()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].XP > out[j].XP })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Get(_ context.Context, id string) (*models.GenerationJob, error) {
	return m.job(id), nil
}

func (m *memStore) MarkRunning(_ context.Context, id, progress string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.JobPending {
		return false, nil
	}
	job.Status = models.JobRunning
	job.ProgressMessage = progress
	job.UpdatedAt = m.clock()
	return true, nil
}

func (m *memStore) UpdateProgress(_ context.Context, id, progress string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status == models.JobSucceeded {
		return repository.ErrJobNotFound
	}
	job.ProgressMessage = progress
	job.UpdatedAt = m.clock()
	return nil
}

func (m *memStore) MarkSucceeded(_ context.Context, id, url, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	if m.markFailures > 0 {
		m.markFailures--
		return errors.New("deadlock found when trying to get lock")
	}
	job, ok := m.jobs[id]
	if !ok || job.Status == models.JobSucceeded {
		return repository.ErrJobNotFound
	}
	job.UpdatedAt = m.clock()
	job.Status = models.JobSucceeded
	job.ProgressMessage = ""
	job.ResultURL = url
	job.ResultKey = key
	return nil
}

func (m *memStore) ListStale(_ context.Context, before time.Time, limit int) ([]models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.GenerationJob
	for _, job := range m.jobs {
		if job.Status != models.JobSucceeded && job.UpdatedAt.Before(before) && len(out) < limit {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (m *memStore) ListPublic(_ context.Context, limit, offset int) ([]models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.GenerationJob
	for _, job := range m.jobs {
		if job.IsPublic {
			out = append(out, *job)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListByAccount(_ context.Context, accountID string, limit int) ([]models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.GenerationJob
	for _, job := range m.jobs {
		if job.AccountID == accountID && len(out) < limit {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (m *memStore) DeleteFinished(_ context.Context, id, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.AccountID != accountID || job.Status != models.JobSucceeded {
		return repository.ErrJobNotFound
	}
	delete(m.jobs, id)
	return nil
}

// scriptedGateway returns queued results in call order; once the script is
// used up every call succeeds.
type scriptedGateway struct {
	mu      sync.Mutex
	results []error
	calls   int
	text    string
	textErr error
	// beforeCall runs with the zero-based call index while the provider
	// is "working".
	beforeCall func(idx int)
}

func (g *scriptedGateway) Generate(_ context.Context, _ string, _ []imagegen.Part) (*imagegen.Image, error) {
	g.mu.Lock()
	idx := g.calls
	g.calls++
	hook := g.beforeCall
	var scripted error
	if idx < len(g.results) {
		scripted = g.results[idx]
	}
	g.mu.Unlock()

	if hook != nil {
		hook(idx)
	}
	if scripted != nil {
		return nil, scripted
	}
	return &imagegen.Image{Bytes: []byte("png-bytes"), Mime: "image/png"}, nil
}

func (g *scriptedGateway) GenerateText(_ context.Context, _ string, _ string) (string, error) {
	return g.text, g.textErr
}

type fakeKeys struct {
	mu       sync.Mutex
	err      error
	acquired int
	released map[bool]int
}

func (k *fakeKeys) Acquire(context.Context) (*models.Credential, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.err != nil {
		return nil, k.err
	}
	k.acquired++
	return &models.Credential{ID: 1, APIKey: "key-1", Status: models.CredentialActive}, nil
}

func (k *fakeKeys) Release(_ context.Context, _ *models.Credential, success bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released == nil {
		k.released = map[bool]int{}
	}
	k.released[success]++
}

var _ keypool.Scheduler = (*fakeKeys)(nil)

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	seq     int
	puts    int
}

func (o *memObjects) KeyFor(owner, _ string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq++
	return fmt.Sprintf("generations/%s/%d.png", owner, o.seq)
}

func (o *memObjects) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.putErr != nil {
		return "", o.putErr
	}
	if o.objects == nil {
		o.objects = map[string][]byte{}
	}
	o.puts++
	o.objects[key] = data
	return "https://cdn.example.com/" + key, nil
}

func (o *memObjects) Delete(_ context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.objects, key)
	return nil
}

func (o *memObjects) stored() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.objects)
}

type xpSpy struct {
	mu     sync.Mutex
	awards map[string]int
	err    error
}

func (x *xpSpy) AwardXP(_ context.Context, accountID string, amount int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.err != nil {
		return x.err
	}
	if x.awards == nil {
		x.awards = map[string]int{}
	}
	x.awards[accountID] += amount
	return nil
}

func (x *xpSpy) total(accountID string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.awards[accountID]
}

type alertSpy struct {
	mu   sync.Mutex
	msgs []string
}

func (a *alertSpy) Alert(_ context.Context, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, text)
}

type recordingDispatcher struct {
	ids []string
	err error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, jobID string) error {
	if d.err != nil {
		return d.err
	}
	d.ids = append(d.ids, jobID)
	return nil
}

type engineFixture struct {
	store   *memStore
	gateway *scriptedGateway
	keys    *fakeKeys
	objects *memObjects
	xp      *xpSpy
	alerts  *alertSpy
	engine  *GenerationService
}

func newEngineFixture(cfg config.Config) *engineFixture {
	f := &engineFixture{
		store:   newMemStore(),
		gateway: &scriptedGateway{},
		keys:    &fakeKeys{},
		objects: &memObjects{},
		xp:      &xpSpy{},
		alerts:  &alertSpy{},
	}
	f.engine = NewGenerationService(cfg, discardLogger(), f.store, f.store, f.gateway, f.keys, f.objects, f.xp, f.alerts)
	f.engine.recordRetryWait = 0
	return f
}

var errProvider = errors.New("provider exploded")

func pngImage() InputImage {
	return InputImage{MimeType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}
}
