package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingApplier struct {
	mu       sync.Mutex
	xp       map[string]int
	usage    map[int64]int
	failXP   int
	xpErrors int
}

func newApplier() *recordingApplier {
	return &recordingApplier{xp: map[string]int{}, usage: map[int64]int{}}
}

func (a *recordingApplier) AddXP(_ context.Context, id string, delta int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failXP > 0 {
		a.failXP--
		a.xpErrors++
		return errors.New("db unavailable")
	}
	a.xp[id] += delta
	return nil
}

func (a *recordingApplier) IncrementUsage(_ context.Context, id int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage[id]++
	return nil
}

func setupOutbox(t *testing.T, apply Applier, maxAttempts int) (*Outbox, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	o := New(client, Config{Key: "test:outbox", MaxAttempts: maxAttempts, BaseWait: time.Second}, apply, nil)
	o.now = func() time.Time { return clock }
	return o, mr, &clock
}

func TestPublishThenDrainAppliesEvents(t *testing.T) {
	apply := newApplier()
	o, mr, _ := setupOutbox(t, apply, 3)
	ctx := context.Background()

	require.NoError(t, o.AwardXP(ctx, "acc-1", 30))
	require.NoError(t, o.RecordCredentialUsage(ctx, 7))
	require.NoError(t, o.AwardXP(ctx, "acc-1", 0))

	items, err := mr.List("test:outbox")
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Empty(t, apply.xp, "nothing applied before drain")

	n, err := o.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 30, apply.xp["acc-1"])
	assert.Equal(t, 1, apply.usage[7])
}

func TestFailedEventIsRetriedWithBackoff(t *testing.T) {
	apply := newApplier()
	apply.failXP = 1
	o, _, clock := setupOutbox(t, apply, 3)
	ctx := context.Background()

	require.NoError(t, o.AwardXP(ctx, "acc-1", 10))
	n, err := o.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Not due yet.
	n, err = o.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	*clock = clock.Add(2 * time.Second)
	n, err = o.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 10, apply.xp["acc-1"])
}

func TestEventIsDeadLetteredAfterMaxAttempts(t *testing.T) {
	apply := newApplier()
	apply.failXP = 100
	o, _, clock := setupOutbox(t, apply, 2)
	ctx := context.Background()

	require.NoError(t, o.AwardXP(ctx, "acc-1", 10))
	_, err := o.Drain(ctx)
	require.NoError(t, err)

	*clock = clock.Add(time.Minute)
	_, err = o.Drain(ctx)
	require.NoError(t, err)

	dead, err := o.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)
	assert.Equal(t, 2, apply.xpErrors)
}

func TestPublishFallsBackInlineWhenRedisDown(t *testing.T) {
	apply := newApplier()
	o, mr, _ := setupOutbox(t, apply, 3)
	mr.Close()

	require.NoError(t, o.AwardXP(context.Background(), "acc-9", 5))
	assert.Equal(t, 5, apply.xp["acc-9"])
}

func TestPublishWithoutRedisAppliesInline(t *testing.T) {
	apply := newApplier()
	o := New(nil, Config{}, apply, nil)

	require.NoError(t, o.RecordCredentialUsage(context.Background(), 3))
	assert.Equal(t, 1, apply.usage[3])

	n, err := o.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBackoffIsCapped(t *testing.T) {
	o := New(nil, Config{BaseWait: time.Second}, newApplier(), nil)
	assert.Equal(t, time.Second, o.backoff(1))
	assert.Equal(t, 4*time.Second, o.backoff(3))
	assert.Equal(t, maxBackoff, o.backoff(40))
}
