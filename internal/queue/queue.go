package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Handler processes one dispatched job id.
type Handler func(ctx context.Context, jobID string) error

// Dispatcher hands group job ids from the API to the worker over a Redis list.
type Dispatcher struct {
	rdb *redis.Client
	key string
	log *slog.Logger
}

func NewDispatcher(rdb *redis.Client, key string, log *slog.Logger) *Dispatcher {
	if key == "" {
		key = "group-jobs"
	}
	return &Dispatcher{rdb: rdb, key: key, log: log}
}

func (d *Dispatcher) Dispatch(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("empty job id")
	}
	if err := d.rdb.LPush(ctx, d.key, jobID).Err(); err != nil {
		return fmt.Errorf("dispatch job %s: %w", jobID, err)
	}
	return nil
}

// Next blocks up to wait for a job id. It returns "" when nothing arrived.
func (d *Dispatcher) Next(ctx context.Context, wait time.Duration) (string, error) {
	res, err := d.rdb.BRPop(ctx, wait, d.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pop job: %w", err)
	}
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected pop reply %v", res)
	}
	return res[1], nil
}

// Consume runs handle for each dispatched job until ctx is done. Handler
// errors are logged; the job itself is responsible for its refund.
func (d *Dispatcher) Consume(ctx context.Context, handle Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		jobID, err := d.Next(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.log.Error("queue pop failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if jobID == "" {
			continue
		}
		if err := handle(ctx, jobID); err != nil {
			d.log.Error("group job failed", "job_id", jobID, "err", err)
		}
	}
}

func (d *Dispatcher) Len(ctx context.Context) (int64, error) {
	return d.rdb.LLen(ctx, d.key).Result()
}
