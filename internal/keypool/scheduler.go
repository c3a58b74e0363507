package keypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/digkill/gemstudio/internal/models"
)

// ErrUpstreamExhausted means no active credential is available.
var ErrUpstreamExhausted = errors.New("no active upstream credential")

// Scheduler hands out provider credentials for one call at a time.
type Scheduler interface {
	Acquire(ctx context.Context) (*models.Credential, error)
	Release(ctx context.Context, cred *models.Credential, success bool)
}

// Store picks from the credential pool. LeastUsedActive must order the same
// way Select does and return nil when nothing is active.
type Store interface {
	LeastUsedActive(ctx context.Context) (*models.Credential, error)
}

// UsageRecorder records a successful use of a credential. The outbox
// satisfies it, so the counter update never blocks the caller.
type UsageRecorder interface {
	RecordCredentialUsage(ctx context.Context, credentialID int64) error
}

// StoreScheduler picks the least-used active credential. Selection is not
// locked: two concurrent callers may get the same key, and the usage counter
// evens the load out over time.
type StoreScheduler struct {
	store Store
	usage UsageRecorder
	log   *slog.Logger
}

func NewStoreScheduler(store Store, usage UsageRecorder, log *slog.Logger) *StoreScheduler {
	return &StoreScheduler{store: store, usage: usage, log: log}
}

func (s *StoreScheduler) Acquire(ctx context.Context) (*models.Credential, error) {
	cred, err := s.store.LeastUsedActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("pick credential: %w", err)
	}
	if cred == nil || cred.Status != models.CredentialActive || cred.APIKey == "" {
		return nil, ErrUpstreamExhausted
	}
	return cred, nil
}

// Release records usage for successful calls. Failed calls leave the counter
// alone so a broken key does not look busy.
func (s *StoreScheduler) Release(ctx context.Context, cred *models.Credential, success bool) {
	if cred == nil || !success || s.usage == nil {
		return
	}
	if err := s.usage.RecordCredentialUsage(ctx, cred.ID); err != nil && s.log != nil {
		s.log.Warn("record credential usage failed", "credential_id", cred.ID, "err", err)
	}
}

// Select returns the active credential with the lowest usage count. Ties go
// to the least recently used one, then to the lowest id. A never-used key
// counts as least recently used. It is the in-memory form of the store's
// LeastUsedActive ordering.
func Select(creds []models.Credential) *models.Credential {
	active := make([]models.Credential, 0, len(creds))
	for _, c := range creds {
		if c.Status == models.CredentialActive && c.APIKey != "" {
			active = append(active, c)
		}
	}
	if len(active) == 0 {
		return nil
	}

	sort.SliceStable(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if a.UsageCount != b.UsageCount {
			return a.UsageCount < b.UsageCount
		}
		switch {
		case a.LastUsedAt == nil && b.LastUsedAt != nil:
			return true
		case a.LastUsedAt != nil && b.LastUsedAt == nil:
			return false
		case a.LastUsedAt != nil && b.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
			return a.LastUsedAt.Before(*b.LastUsedAt)
		}
		return a.ID < b.ID
	})

	chosen := active[0]
	return &chosen
}
