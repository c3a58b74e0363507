package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/gemstudio/internal/models"
)

func groupReq(jobID string, members int) GroupRequest {
	req := GroupRequest{JobID: jobID, Prompt: "beach party", Background: pngImage()}
	for i := 0; i < members; i++ {
		req.Members = append(req.Members, pngImage())
	}
	return req
}

func newGroupFixture(t *testing.T) (*engineFixture, *GroupService, *recordingDispatcher) {
	t.Helper()
	cfg := testConfig()
	f := newEngineFixture(cfg)
	d := &recordingDispatcher{}
	return f, NewGroupService(cfg, discardLogger(), f.engine, d), d
}

func TestGroupStartReservesFullCost(t *testing.T) {
	f, svc, d := newGroupFixture(t)
	f.store.seed("u1", 10)

	started, err := svc.Start(context.Background(), "u1", groupReq("g-1", 3))
	require.NoError(t, err)

	assert.Equal(t, 4, started.Cost)
	assert.Equal(t, 6, started.Diamonds)
	assert.Equal(t, string(models.JobPending), started.Status)
	assert.Equal(t, []string{"g-1"}, d.ids)

	job := f.store.job("g-1")
	require.NotNil(t, job)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, progressQueued, job.ProgressMessage)
}

func TestGroupStartRejectsBadInput(t *testing.T) {
	f, svc, d := newGroupFixture(t)
	f.store.seed("u1", 10)

	_, err := svc.Start(context.Background(), "u1", groupReq("g-1", 0))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Start(context.Background(), "u1", groupReq("g-1", 7))
	assert.ErrorIs(t, err, ErrInvalidInput)

	req := groupReq("g-1", 2)
	req.Background = InputImage{}
	_, err = svc.Start(context.Background(), "u1", req)
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Empty(t, d.ids)
	assert.Equal(t, 10, f.store.balance("u1"))
}

func TestGroupStartInsufficientBalance(t *testing.T) {
	f, svc, d := newGroupFixture(t)
	f.store.seed("u1", 3)

	_, err := svc.Start(context.Background(), "u1", groupReq("g-1", 3))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Empty(t, d.ids)
	assert.Equal(t, 3, f.store.balance("u1"))
	assert.Nil(t, f.store.job("g-1"))
}

func TestGroupStartDispatchFailureRefunds(t *testing.T) {
	f, svc, d := newGroupFixture(t)
	f.store.seed("u1", 10)
	d.err = errors.New("redis down")

	_, err := svc.Start(context.Background(), "u1", groupReq("g-1", 2))
	require.Error(t, err)
	assert.Equal(t, 10, f.store.balance("u1"))
	assert.Nil(t, f.store.job("g-1"))
}

func TestGroupProcessSuccess(t *testing.T) {
	f, svc, _ := newGroupFixture(t)
	f.store.seed("u1", 10)
	_, err := svc.Start(context.Background(), "u1", groupReq("g-1", 3))
	require.NoError(t, err)

	require.NoError(t, svc.Process(context.Background(), "g-1"))

	job := f.store.job("g-1")
	require.NotNil(t, job)
	assert.Equal(t, models.JobSucceeded, job.Status)
	assert.NotEmpty(t, job.ResultURL)
	assert.Equal(t, 4, f.gateway.calls)
	assert.Equal(t, 6, f.store.balance("u1"))
	assert.Equal(t, 30, f.xp.total("u1"))
	assert.Empty(t, f.store.entries(models.TxRefund))
}

func TestGroupProcessStepFailureRefundsEverything(t *testing.T) {
	f, svc, _ := newGroupFixture(t)
	f.store.seed("u1", 10)
	_, err := svc.Start(context.Background(), "u1", groupReq("g-1", 3))
	require.NoError(t, err)
	f.gateway.results = []error{nil, errProvider}

	err = svc.Process(context.Background(), "g-1")
	require.Error(t, err)

	assert.Equal(t, 2, f.gateway.calls)
	assert.Equal(t, 10, f.store.balance("u1"))
	assert.Nil(t, f.store.job("g-1"))

	refunds := f.store.entries(models.TxRefund)
	require.Len(t, refunds, 1)
	assert.Equal(t, 4, refunds[0].Amount)
	assert.Zero(t, f.xp.total("u1"))
}

func TestGroupProcessCompositeFailureRefunds(t *testing.T) {
	f, svc, _ := newGroupFixture(t)
	f.store.seed("u1", 10)
	_, err := svc.Start(context.Background(), "u1", groupReq("g-1", 2))
	require.NoError(t, err)
	f.gateway.results = []error{nil, nil, errProvider}

	require.Error(t, svc.Process(context.Background(), "g-1"))
	assert.Equal(t, 10, f.store.balance("u1"))
	assert.Nil(t, f.store.job("g-1"))
}

func TestGroupProcessSwallowsTranslationFailure(t *testing.T) {
	f, svc, _ := newGroupFixture(t)
	f.store.seed("u1", 10)
	req := groupReq("g-1", 1)
	req.Caption = "Joyeux anniversaire"
	_, err := svc.Start(context.Background(), "u1", req)
	require.NoError(t, err)
	f.gateway.textErr = errors.New("quota")

	require.NoError(t, svc.Process(context.Background(), "g-1"))
	job := f.store.job("g-1")
	require.NotNil(t, job)
	assert.Equal(t, models.JobSucceeded, job.Status)
	assert.Equal(t, 8, f.store.balance("u1"))
}

func TestGroupProcessSkipsRedelivery(t *testing.T) {
	f, svc, _ := newGroupFixture(t)
	f.store.seed("u1", 10)
	_, err := svc.Start(context.Background(), "u1", groupReq("g-1", 1))
	require.NoError(t, err)

	require.NoError(t, svc.Process(context.Background(), "g-1"))
	calls := f.gateway.calls
	require.NoError(t, svc.Process(context.Background(), "g-1"))
	require.NoError(t, svc.Process(context.Background(), "missing"))

	assert.Equal(t, calls, f.gateway.calls)
	assert.Equal(t, 8, f.store.balance("u1"))
}

func TestSweeperRefundsStaleJobs(t *testing.T) {
	f, svc, _ := newGroupFixture(t)
	f.store.seed("u1", 10)
	_, err := svc.Start(context.Background(), "u1", groupReq("g-1", 1))
	require.NoError(t, err)
	_, err = f.engine.Generate(context.Background(), "u1", generateReq("done"))
	require.NoError(t, err)

	sweeper := NewSweeper(f.engine, 30*time.Minute, discardLogger())

	n, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	sweeper.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Nil(t, f.store.job("g-1"))
	assert.NotNil(t, f.store.job("done"))
	assert.Equal(t, 9, f.store.balance("u1"))

	n, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGroupProcessStopsOnceSweptMidRun(t *testing.T) {
	f, svc, _ := newGroupFixture(t)
	f.store.seed("u1", 10)
	_, err := svc.Start(context.Background(), "u1", groupReq("g-1", 2))
	require.NoError(t, err)

	sweeper := NewSweeper(f.engine, 30*time.Minute, discardLogger())
	sweeper.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	f.gateway.beforeCall = func(idx int) {
		if idx == 0 {
			n, err := sweeper.Sweep(context.Background())
			require.NoError(t, err)
			require.Equal(t, 1, n)
		}
	}

	require.NoError(t, svc.Process(context.Background(), "g-1"))

	assert.Equal(t, 1, f.gateway.calls)
	assert.Equal(t, 10, f.store.balance("u1"))
	assert.Len(t, f.store.entries(models.TxRefund), 1)
	assert.Zero(t, f.xp.total("u1"))
	assert.Zero(t, f.objects.puts)
	assert.Nil(t, f.store.job("g-1"))
}

func TestGroupProcessDiscardsResultOfRefundedJob(t *testing.T) {
	f, svc, _ := newGroupFixture(t)
	f.store.seed("u1", 10)
	_, err := svc.Start(context.Background(), "u1", groupReq("g-1", 1))
	require.NoError(t, err)

	f.gateway.beforeCall = func(idx int) {
		if idx == 1 {
			job := f.store.job("g-1")
			require.NotNil(t, job)
			f.engine.Rollback(context.Background(), job, "stale job")
		}
	}

	require.NoError(t, svc.Process(context.Background(), "g-1"))

	assert.Equal(t, 2, f.gateway.calls)
	assert.Equal(t, 1, f.objects.puts)
	assert.Zero(t, f.objects.stored())
	assert.Zero(t, f.xp.total("u1"))
	assert.Equal(t, 10, f.store.balance("u1"))
	assert.Len(t, f.store.entries(models.TxRefund), 1)
	assert.Nil(t, f.store.job("g-1"))
}

func TestSweeperSkipsJobWithRecentProgress(t *testing.T) {
	f, svc, _ := newGroupFixture(t)
	f.store.seed("u1", 10)
	f.store.clock = func() time.Time { return time.Now().Add(-time.Hour) }
	_, err := svc.Start(context.Background(), "u1", groupReq("g-1", 1))
	require.NoError(t, err)

	f.store.clock = time.Now
	require.NoError(t, f.store.UpdateProgress(context.Background(), "g-1", "Generating character 1/1"))

	sweeper := NewSweeper(f.engine, 30*time.Minute, discardLogger())
	n, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	// A job listed as stale that reports progress before the refund lands
	// keeps its charge.
	job := f.store.job("g-1")
	require.NotNil(t, job)
	assert.False(t, f.engine.rollback(context.Background(), job, "stale job", time.Now().Add(-30*time.Minute)))
	assert.NotNil(t, f.store.job("g-1"))
	assert.Equal(t, 8, f.store.balance("u1"))
	assert.Empty(t, f.store.entries(models.TxRefund))
}
