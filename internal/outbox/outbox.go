package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	KindCredentialUsage = "credential.usage"
	KindAccountXP       = "account.xp"
)

const (
	drainBatch = 100
	maxBackoff = 5 * time.Minute
)

// Event is one secondary effect waiting to be applied.
type Event struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	AccountID    string    `json:"account_id,omitempty"`
	CredentialID int64     `json:"credential_id,omitempty"`
	Amount       int       `json:"amount,omitempty"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Applier performs the bookkeeping writes behind the events.
type Applier interface {
	AddXP(ctx context.Context, accountID string, delta int) error
	IncrementUsage(ctx context.Context, credentialID int64) error
}

// Stores joins the account and credential repositories into an Applier.
type Stores struct {
	Accounts interface {
		AddXP(ctx context.Context, accountID string, delta int) error
	}
	Credentials interface {
		IncrementUsage(ctx context.Context, credentialID int64) error
	}
}

func (s Stores) AddXP(ctx context.Context, accountID string, delta int) error {
	return s.Accounts.AddXP(ctx, accountID, delta)
}

func (s Stores) IncrementUsage(ctx context.Context, credentialID int64) error {
	return s.Credentials.IncrementUsage(ctx, credentialID)
}

type Config struct {
	Key         string
	MaxAttempts int
	BaseWait    time.Duration
}

// Outbox queues secondary effects in Redis so the request path never waits
// on them. Events that keep failing end up in a dead-letter list.
type Outbox struct {
	rdb   *redis.Client
	cfg   Config
	apply Applier
	log   *slog.Logger
	now   func() time.Time
}

func New(rdb *redis.Client, cfg Config, apply Applier, log *slog.Logger) *Outbox {
	if cfg.Key == "" {
		cfg.Key = "outbox"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseWait <= 0 {
		cfg.BaseWait = time.Second
	}
	return &Outbox{rdb: rdb, cfg: cfg, apply: apply, log: log, now: time.Now}
}

func (o *Outbox) delayedKey() string { return o.cfg.Key + ":delayed" }
func (o *Outbox) deadKey() string    { return o.cfg.Key + ":dead" }

// Publish enqueues the event. When Redis is unavailable the event is applied
// inline instead, so the effect is not lost.
func (o *Outbox) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = o.now().UTC()
	}

	if o.rdb != nil {
		raw, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		err = o.rdb.LPush(ctx, o.cfg.Key, raw).Err()
		if err == nil {
			return nil
		}
		o.logWarn("outbox enqueue failed, applying inline", "kind", ev.Kind, "event_id", ev.ID, "err", err)
	}

	return o.handle(ctx, ev)
}

func (o *Outbox) RecordCredentialUsage(ctx context.Context, credentialID int64) error {
	return o.Publish(ctx, Event{Kind: KindCredentialUsage, CredentialID: credentialID})
}

func (o *Outbox) AwardXP(ctx context.Context, accountID string, amount int) error {
	if amount == 0 {
		return nil
	}
	return o.Publish(ctx, Event{Kind: KindAccountXP, AccountID: accountID, Amount: amount})
}

// Drain applies every ready event and returns how many were applied.
func (o *Outbox) Drain(ctx context.Context) (int, error) {
	if o.rdb == nil {
		return 0, nil
	}
	if err := o.promoteDue(ctx); err != nil {
		return 0, err
	}

	applied := 0
	for i := 0; i < drainBatch; i++ {
		raw, err := o.rdb.RPop(ctx, o.cfg.Key).Bytes()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return applied, fmt.Errorf("pop event: %w", err)
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			o.logWarn("dropping malformed outbox event", "err", err)
			if err := o.rdb.LPush(ctx, o.deadKey(), raw).Err(); err != nil {
				return applied, fmt.Errorf("dead-letter event: %w", err)
			}
			continue
		}

		if err := o.handle(ctx, ev); err != nil {
			if err := o.retry(ctx, ev, err); err != nil {
				return applied, err
			}
			continue
		}
		applied++
	}
	return applied, nil
}

// Run drains on every tick until ctx is done.
func (o *Outbox) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Drain(ctx); err != nil && ctx.Err() == nil {
				o.logWarn("outbox drain failed", "err", err)
			}
		}
	}
}

// DeadLetters returns the number of events that gave up.
func (o *Outbox) DeadLetters(ctx context.Context) (int64, error) {
	if o.rdb == nil {
		return 0, nil
	}
	return o.rdb.LLen(ctx, o.deadKey()).Result()
}

func (o *Outbox) handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case KindAccountXP:
		return o.apply.AddXP(ctx, ev.AccountID, ev.Amount)
	case KindCredentialUsage:
		return o.apply.IncrementUsage(ctx, ev.CredentialID)
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

func (o *Outbox) retry(ctx context.Context, ev Event, cause error) error {
	ev.Attempts++
	ev.LastError = cause.Error()
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if ev.Attempts >= o.cfg.MaxAttempts {
		o.logWarn("outbox event dead-lettered", "kind", ev.Kind, "event_id", ev.ID, "attempts", ev.Attempts, "err", cause)
		if err := o.rdb.LPush(ctx, o.deadKey(), raw).Err(); err != nil {
			return fmt.Errorf("dead-letter event: %w", err)
		}
		return nil
	}

	due := o.now().Add(o.backoff(ev.Attempts))
	if err := o.rdb.ZAdd(ctx, o.delayedKey(), redis.Z{Score: float64(due.UnixMilli()), Member: raw}).Err(); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

func (o *Outbox) promoteDue(ctx context.Context) error {
	max := strconv.FormatInt(o.now().UnixMilli(), 10)
	due, err := o.rdb.ZRangeByScore(ctx, o.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return fmt.Errorf("list delayed events: %w", err)
	}
	for _, member := range due {
		removed, err := o.rdb.ZRem(ctx, o.delayedKey(), member).Result()
		if err != nil {
			return fmt.Errorf("remove delayed event: %w", err)
		}
		// Another drainer already moved it.
		if removed == 0 {
			continue
		}
		if err := o.rdb.LPush(ctx, o.cfg.Key, member).Err(); err != nil {
			return fmt.Errorf("requeue delayed event: %w", err)
		}
	}
	return nil
}

func (o *Outbox) backoff(attempts int) time.Duration {
	wait := o.cfg.BaseWait
	for i := 1; i < attempts; i++ {
		wait *= 2
		if wait >= maxBackoff {
			return maxBackoff
		}
	}
	return wait
}

func (o *Outbox) logWarn(msg string, args ...any) {
	if o.log != nil {
		o.log.Warn(msg, args...)
	}
}
