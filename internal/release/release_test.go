package release

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"escrowpay/internal/escrow"
	"escrowpay/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const escrowAddr = "0x2000000000000000000000000000000000000002"

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type countingObserver struct {
	mu       sync.Mutex
	releases map[string]int
	retries  map[string]int
	depth    int
}

func newObserver() *countingObserver {
	return &countingObserver{releases: map[string]int{}, retries: map[string]int{}}
}

func (o *countingObserver) ObserveRelease(trigger escrow.Releaser, result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.releases[string(trigger)+"/"+result]++
}

func (o *countingObserver) ObserveRetry(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries[result]++
}

func (o *countingObserver) ObserveDLQDepth(depth int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.depth = depth
}

type fixture struct {
	store  *escrow.MemoryStore
	client *escrow.FakeClient
	events *events.Recorder
	obs    *countingObserver
	dlq    *DLQ
	svc    *Service
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  escrow.NewMemoryStore(),
		client: escrow.NewFakeClient(),
		events: &events.Recorder{},
		obs:    newObserver(),
		dlq:    NewDLQ(t.TempDir()),
		now:    base,
	}
	f.svc = NewService(Config{
		Store:  f.store,
		Client: f.client,
		Retry: RetryPolicy{
			MaxAttempts:       3,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        2 * time.Millisecond,
			BackoffMultiplier: 2,
		},
		DLQ:      f.dlq,
		Events:   f.events,
		Observer: f.obs,
		Now:      func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) funded(t *testing.T, id string, rule escrow.ReleaseRule, hours int) escrow.Record {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, escrow.Record{
		ID:               id,
		ChainID:          42161,
		TokenSymbol:      "PYUSD",
		Amount:           "1000000",
		Payee:            "0x3000000000000000000000000000000000000003",
		Status:           escrow.StatusCreated,
		ReleaseRule:      rule,
		AutoReleaseHours: hours,
		CreatedAt:        base,
	}))
	rec, err := f.store.MarkFunded(ctx, id, escrow.Funding{
		Payer:         "0x4000000000000000000000000000000000000004",
		EscrowAddress: escrowAddr,
		TxHash:        "0xfund-" + id,
		At:            base,
	})
	require.NoError(t, err)
	return rec
}

func TestReleaseByPayee(t *testing.T) {
	f := newFixture(t)
	f.funded(t, "e1", escrow.RuleManual, 0)

	rec, released, err := f.svc.Release(context.Background(), "e1", escrow.ReleasedByPayee)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, escrow.StatusReleased, rec.Status)
	assert.Equal(t, escrow.ReleasedByPayee, rec.ReleasedBy)
	assert.NotEmpty(t, rec.ReleaseTxHash)
	assert.Nil(t, rec.ReleaseClaimedAt)
	assert.Equal(t, []events.Type{events.TypeReleased}, f.events.Types())
	assert.Equal(t, 1, f.obs.releases["payee/released"])
}

func TestReleaseTwiceIsNoop(t *testing.T) {
	f := newFixture(t)
	f.funded(t, "e1", escrow.RuleManual, 0)
	ctx := context.Background()

	first, _, err := f.svc.Release(ctx, "e1", escrow.ReleasedByPayee)
	require.NoError(t, err)

	second, released, err := f.svc.Release(ctx, "e1", escrow.ReleasedByTimer)
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, first.ReleaseTxHash, second.ReleaseTxHash)
	assert.Equal(t, escrow.ReleasedByPayee, second.ReleasedBy)
	assert.Equal(t, 1, f.client.ReleaseCalls)
}

func TestReleaseRejectsUnfunded(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create(context.Background(), escrow.Record{ID: "e1", Status: escrow.StatusCreated}))

	_, _, err := f.svc.Release(context.Background(), "e1", escrow.ReleasedByPayee)
	assert.ErrorIs(t, err, escrow.ErrInvalidTransition)
	assert.Equal(t, 0, f.client.ReleaseCalls)

	_, _, err = f.svc.Release(context.Background(), "missing", escrow.ReleasedByPayee)
	assert.ErrorIs(t, err, escrow.ErrNotFound)
}

func TestReleaseInProgress(t *testing.T) {
	f := newFixture(t)
	f.funded(t, "e1", escrow.RuleManual, 0)
	_, claimed, err := f.store.ClaimRelease(context.Background(), "e1", escrow.ReleasedByPayee, base)
	require.NoError(t, err)
	require.True(t, claimed)

	_, _, err = f.svc.Release(context.Background(), "e1", escrow.ReleasedByPayee)
	assert.ErrorIs(t, err, ErrReleaseInProgress)
	assert.Equal(t, 0, f.client.ReleaseCalls)
}

func TestReleaseRetriesTransientErrors(t *testing.T) {
	f := newFixture(t)
	f.funded(t, "e1", escrow.RuleManual, 0)
	f.client.ReleaseErrs = []error{errors.New("connection reset"), errors.New("timeout")}

	_, released, err := f.svc.Release(context.Background(), "e1", escrow.ReleasedByPayee)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, 3, f.client.ReleaseCalls)
	assert.Equal(t, 2, f.obs.retries["retry"])
	assert.Equal(t, 1, f.obs.retries["success"])
}

func TestReleaseFailureGoesToDLQ(t *testing.T) {
	f := newFixture(t)
	f.funded(t, "e1", escrow.RuleManual, 0)
	f.client.ReleaseErrs = []error{fmt.Errorf("%w: status 0", escrow.ErrReleaseReverted)}

	_, released, err := f.svc.Release(context.Background(), "e1", escrow.ReleasedByPayee)
	require.ErrorIs(t, err, escrow.ErrReleaseReverted)
	assert.False(t, released)
	assert.Equal(t, 1, f.client.ReleaseCalls, "reverts are not retried")

	entries, err := f.dlq.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "e1", entries[0].EscrowID)
	assert.Equal(t, "payee", entries[0].Trigger)
	assert.Equal(t, 1, f.obs.depth)
	assert.Equal(t, 1, f.svc.DLQDepth())

	rec, err := f.store.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFunded, rec.Status)
	assert.Nil(t, rec.ReleaseClaimedAt, "claim is dropped so a later attempt can run")

	_, released, err = f.svc.Release(context.Background(), "e1", escrow.ReleasedByPayee)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestReleaseAwaitsBroadcastTx(t *testing.T) {
	f := newFixture(t)
	f.funded(t, "e1", escrow.RuleManual, 0)
	f.client.AwaitErrs = []error{errors.New("connection reset by peer")}

	rec, released, err := f.svc.Release(context.Background(), "e1", escrow.ReleasedByPayee)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, 1, f.client.ReleaseCalls, "a broadcast release is never sent twice")
	assert.Equal(t, 1, f.client.AwaitCalls)
	assert.NotEmpty(t, rec.ReleaseTxHash)
	assert.Empty(t, rec.ReleasePendingTx)

	entries, err := f.dlq.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReleasePendingSurvivesFailure(t *testing.T) {
	f := newFixture(t)
	f.funded(t, "e1", escrow.RuleManual, 0)
	ctx := context.Background()
	f.client.AwaitErrs = []error{errors.New("i/o timeout"), errors.New("i/o timeout"), errors.New("i/o timeout")}

	_, released, err := f.svc.Release(ctx, "e1", escrow.ReleasedByPayee)
	require.Error(t, err)
	assert.False(t, released)
	assert.Equal(t, 1, f.client.ReleaseCalls)
	assert.Equal(t, 2, f.client.AwaitCalls)

	rec, err := f.store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFunded, rec.Status)
	require.NotEmpty(t, rec.ReleasePendingTx)
	pending := rec.ReleasePendingTx

	entries, err := f.dlq.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, pending, entries[0].TxHash)

	rec, released, err = f.svc.Release(ctx, "e1", escrow.ReleasedByPayee)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, 1, f.client.ReleaseCalls)
	assert.Equal(t, pending, rec.ReleaseTxHash)
}

func TestReleasePendingDropped(t *testing.T) {
	f := newFixture(t)
	f.funded(t, "e1", escrow.RuleManual, 0)
	ctx := context.Background()
	_, err := f.store.SetReleasePending(ctx, "e1", "0xdropped")
	require.NoError(t, err)

	rec, released, err := f.svc.Release(ctx, "e1", escrow.ReleasedByPayee)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, 1, f.client.AwaitCalls)
	assert.Equal(t, 1, f.client.ReleaseCalls, "a dropped release is sent again")
	assert.NotEqual(t, "0xdropped", rec.ReleaseTxHash)
}

func TestReleasePendingReverted(t *testing.T) {
	f := newFixture(t)
	f.funded(t, "e1", escrow.RuleManual, 0)
	ctx := context.Background()
	f.client.AwaitErrs = []error{errors.New("i/o timeout"), errors.New("i/o timeout"), errors.New("i/o timeout")}
	_, _, err := f.svc.Release(ctx, "e1", escrow.ReleasedByPayee)
	require.Error(t, err)

	f.client.AwaitErrs = []error{fmt.Errorf("%w: status 0", escrow.ErrReleaseReverted)}
	_, _, err = f.svc.Release(ctx, "e1", escrow.ReleasedByPayee)
	require.ErrorIs(t, err, escrow.ErrReleaseReverted)

	rec, err := f.store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Empty(t, rec.ReleasePendingTx, "a reverted release is forgotten")

	entries, err := f.dlq.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	rec, released, err := f.svc.Release(ctx, "e1", escrow.ReleasedByPayee)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, 2, f.client.ReleaseCalls)
	assert.Equal(t, escrow.StatusReleased, rec.Status)
}

func TestReleaseInterruptedKeepsPending(t *testing.T) {
	f := newFixture(t)
	f.funded(t, "e1", escrow.RuleManual, 0)
	ctx := context.Background()
	f.client.AwaitErrs = []error{context.DeadlineExceeded}

	_, _, err := f.svc.Release(ctx, "e1", escrow.ReleasedByPayee)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	rec, err := f.store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ReleasePendingTx)
	assert.NotNil(t, rec.ReleaseClaimedAt, "the claim stays until it expires")

	_, _, err = f.svc.Release(ctx, "e1", escrow.ReleasedByPayee)
	assert.ErrorIs(t, err, ErrReleaseInProgress)

	f.now = base.Add(escrow.ReleaseClaimTTL + time.Minute)
	out, released, err := f.svc.Release(ctx, "e1", escrow.ReleasedByTimer)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, 1, f.client.ReleaseCalls)
	assert.Equal(t, rec.ReleasePendingTx, out.ReleaseTxHash)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(errors.New("dial tcp: connection refused")))
	assert.False(t, isRetryable(nil))
	assert.False(t, isRetryable(escrow.ErrChainUnavailable))
	assert.False(t, isRetryable(context.Canceled))
	assert.False(t, isRetryable(errors.New("execution reverted: not funded")))
	assert.False(t, isRetryable(errors.New("invalid escrow address")))
}

func TestSweepReleasesDueEscrows(t *testing.T) {
	f := newFixture(t)
	f.funded(t, "due", escrow.RuleAuto, 24)
	f.funded(t, "later", escrow.RuleAuto, 72)
	f.funded(t, "manual", escrow.RuleManual, 0)
	f.funded(t, "disputed", escrow.RuleAuto, 24)
	_, err := f.store.MarkDisputed(context.Background(), "disputed", "item not received", base)
	require.NoError(t, err)

	sched := NewScheduler(f.svc, time.Minute, 10)

	f.now = base.Add(23 * time.Hour)
	n, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.now = base.Add(25 * time.Hour)
	n, err = sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for id, want := range map[string]escrow.Status{
		"due":      escrow.StatusReleased,
		"later":    escrow.StatusFunded,
		"manual":   escrow.StatusFunded,
		"disputed": escrow.StatusDisputed,
	} {
		rec, err := f.store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, rec.Status, id)
	}
	due, _ := f.store.Get(context.Background(), "due")
	assert.Equal(t, escrow.ReleasedByTimer, due.ReleasedBy)

	n, err = sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDisputedEscrowReleasedByPayee(t *testing.T) {
	f := newFixture(t)
	f.funded(t, "e1", escrow.RuleAuto, 1)
	_, err := f.store.MarkDisputed(context.Background(), "e1", "late delivery", base)
	require.NoError(t, err)

	_, _, err = f.svc.Release(context.Background(), "e1", escrow.ReleasedByTimer)
	assert.ErrorIs(t, err, escrow.ErrInvalidTransition)

	rec, released, err := f.svc.Release(context.Background(), "e1", escrow.ReleasedByPayee)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, escrow.StatusReleased, rec.Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	sched := NewScheduler(f.svc, time.Millisecond, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sched.Run(ctx), context.DeadlineExceeded)
}
