package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/cases"
	"github.com/mbd888/sentinel/internal/retry"
	"github.com/mbd888/sentinel/internal/rules"
)

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// flakyStore wraps a store and injects failures into selected reads.
type flakyStore struct {
	cases.Store
	listFailures   atomic.Int32
	windowFailures atomic.Int32
	customerCalls  atomic.Int32

	brokenCustomer string
	entered        chan struct{}
	release        chan struct{}
}

func (f *flakyStore) ListByStatus(ctx context.Context, s cases.Status, after cases.Cursor, limit int) ([]*cases.Transaction, error) {
	if f.listFailures.Add(-1) >= 0 {
		return nil, errors.New("connection reset")
	}
	return f.Store.ListByStatus(ctx, s, after, limit)
}

func (f *flakyStore) ListWindow(ctx context.Context, customerID string, from, to time.Time) ([]*cases.Transaction, error) {
	if f.windowFailures.Add(-1) >= 0 || customerID == f.brokenCustomer {
		return nil, errors.New("window query timeout")
	}
	if f.release != nil {
		close(f.entered)
		<-f.release
	}
	return f.Store.ListWindow(ctx, customerID, from, to)
}

// Transition fails on a done context the way a database round trip does.
func (f *flakyStore) Transition(ctx context.Context, tr cases.Transition) (*cases.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.Store.Transition(ctx, tr)
}

func (f *flakyStore) GetCustomer(ctx context.Context, id string) (*cases.Customer, error) {
	f.customerCalls.Add(1)
	return f.Store.GetCustomer(ctx, id)
}

type panicRule struct{}

func (panicRule) ID() rules.RuleID { return "PANIC" }

func (panicRule) Evaluate(*rules.EvalContext) *rules.Verdict { panic("boom") }

func tx(id string, ts time.Time, place, country, amount string) *cases.Transaction {
	return &cases.Transaction{
		ID:         id,
		CustomerID: "cust-1",
		Timestamp:  ts,
		Place:      place,
		Country:    country,
		Type:       rules.Debit,
		Amount:     decimal.RequireFromString(amount),
	}
}

func settled(t *cases.Transaction) *cases.Transaction {
	t.Status = cases.StatusApproved
	t.Reviewed = true
	t.Reason = cases.ReasonAutoPass
	return t
}

func newTestAuditor(t *testing.T, txs ...*cases.Transaction) (*Auditor, *flakyStore) {
	t.Helper()
	ctx := context.Background()
	mem := cases.NewMemoryStore()
	require.NoError(t, mem.CreateCustomer(ctx, &cases.Customer{
		ID: "cust-1", Name: "Grace Hopper", Email: "grace@example.com",
		HomeCity: "London", HomeCountry: "GB",
	}))
	for _, x := range txs {
		require.NoError(t, mem.CreateTransaction(ctx, x))
	}
	store := &flakyStore{Store: mem}
	svc := cases.NewService(store)
	a := NewAuditor(svc, rules.NewEngine(rules.DefaultThresholds()), testLogger()).
		WithRetry(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond})
	return a, store
}

func status(t *testing.T, s cases.Store, id string) *cases.Transaction {
	t.Helper()
	got, err := s.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return got
}

func TestRunOnce_ClearTransactionApproved(t *testing.T) {
	a, store := newTestAuditor(t, tx("tx-1", t0, "London", "GB", "42.50"))

	res, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 1, Approved: 1}, res)

	got := status(t, store, "tx-1")
	assert.Equal(t, cases.StatusApproved, got.Status)
	assert.True(t, got.Reviewed)
	assert.Equal(t, cases.ReasonAutoPass, got.Reason)
}

func TestRunOnce_VelocityHoldsBoth(t *testing.T) {
	a, store := newTestAuditor(t,
		tx("tx-1", t0, "London", "GB", "20"),
		tx("tx-2", t0.Add(45*time.Second), "London", "GB", "25"),
	)

	res, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Held)

	for _, id := range []string{"tx-1", "tx-2"} {
		got := status(t, store, id)
		assert.Equal(t, cases.StatusOnHold, got.Status)
		assert.False(t, got.Reviewed)
		assert.Equal(t, rules.RuleVelocity, rules.TagOf(got.Reason))
	}
}

func TestRunOnce_GeoAnomalyAgainstSettledHistory(t *testing.T) {
	a, store := newTestAuditor(t,
		settled(tx("tx-paris", t0, "Paris", "FR", "80")),
		tx("tx-1", t0.Add(2*time.Hour), "London", "GB", "30"),
	)

	res, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 1, Held: 1}, res)

	got := status(t, store, "tx-1")
	assert.Equal(t, cases.StatusOnHold, got.Status)
	assert.Equal(t, rules.RuleGeoAnomaly, rules.TagOf(got.Reason))
}

func TestRunOnce_WindowFailureLeavesPending(t *testing.T) {
	a, store := newTestAuditor(t,
		tx("tx-1", t0, "London", "GB", "10"),
		tx("tx-2", t0.Add(time.Hour), "London", "GB", "10"),
	)
	store.windowFailures.Store(1)

	res, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 2, Approved: 1, Failed: 1}, res)
	assert.Equal(t, cases.StatusPending, status(t, store, "tx-1").Status)
	assert.Equal(t, cases.StatusApproved, status(t, store, "tx-2").Status)

	// Next pass picks it up.
	res, err = a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Approved)
	assert.Equal(t, cases.StatusApproved, status(t, store, "tx-1").Status)
}

func TestRunOnce_EvaluatorPanicIsolated(t *testing.T) {
	a, store := newTestAuditor(t, tx("tx-1", t0, "London", "GB", "10"))
	a.engine = rules.NewEngine(rules.DefaultThresholds()).WithRules(panicRule{})

	res, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, cases.StatusPending, status(t, store, "tx-1").Status)
}

func TestRunOnce_ListRetried(t *testing.T) {
	a, store := newTestAuditor(t, tx("tx-1", t0, "London", "GB", "10"))
	store.listFailures.Store(2)

	res, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Approved)
}

func TestRunOnce_ListExhausted(t *testing.T) {
	a, store := newTestAuditor(t, tx("tx-1", t0, "London", "GB", "10"))
	store.listFailures.Store(10)

	_, err := a.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, cases.StatusPending, status(t, store, "tx-1").Status)
}

func TestRunOnce_CancelledBetweenItems(t *testing.T) {
	a, store := newTestAuditor(t, tx("tx-1", t0, "London", "GB", "10"))
	a.WithRetry(retry.Policy{MaxAttempts: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := a.RunOnce(ctx)
	if err == nil {
		assert.Equal(t, 0, res.Scanned)
	}
	assert.Equal(t, cases.StatusPending, status(t, store, "tx-1").Status)
}

func TestRunOnce_ProfileCachedPerPass(t *testing.T) {
	a, store := newTestAuditor(t,
		tx("tx-1", t0, "London", "GB", "10"),
		tx("tx-2", t0.Add(time.Hour), "London", "GB", "10"),
		tx("tx-3", t0.Add(2*time.Hour), "London", "GB", "10"),
	)

	_, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), store.customerCalls.Load())
}

func TestRunOnce_BatchSize(t *testing.T) {
	a, store := newTestAuditor(t,
		tx("tx-1", t0, "London", "GB", "10"),
		tx("tx-2", t0.Add(time.Hour), "London", "GB", "10"),
	)
	a.WithBatchSize(1)

	res, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, cases.StatusApproved, status(t, store, "tx-1").Status)
	assert.Equal(t, cases.StatusPending, status(t, store, "tx-2").Status)
}

func TestRunOnce_DormancyBeyondLookback(t *testing.T) {
	ts := t0.Add(400 * 24 * time.Hour)
	a, store := newTestAuditor(t,
		settled(tx("tx-old", t0, "London", "GB", "25")),
		tx("tx-1", ts, "London", "GB", "5000"),
	)

	res, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 1, Held: 1}, res)

	got := status(t, store, "tx-1")
	assert.Equal(t, cases.StatusOnHold, got.Status)
	assert.Equal(t, rules.RuleDormancy, rules.TagOf(got.Reason))
	assert.Contains(t, got.Reason, "after 400 days without activity")
}

func TestRunOnce_FirstActivityIsNotDormant(t *testing.T) {
	a, store := newTestAuditor(t, tx("tx-1", t0, "London", "GB", "5000"))

	res, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 1, Approved: 1}, res)
	assert.Equal(t, cases.StatusApproved, status(t, store, "tx-1").Status)
}

func TestRunOnce_FailingHeadDoesNotStarveQueue(t *testing.T) {
	a, store := newTestAuditor(t, tx("tx-1", t0.Add(time.Hour), "London", "GB", "10"))
	require.NoError(t, store.CreateCustomer(context.Background(), &cases.Customer{
		ID: "cust-2", Name: "Kathleen Booth", HomeCity: "London", HomeCountry: "GB",
	}))
	broken := tx("tx-0", t0, "London", "GB", "10")
	broken.CustomerID = "cust-2"
	require.NoError(t, store.CreateTransaction(context.Background(), broken))
	store.brokenCustomer = "cust-2"
	a.WithBatchSize(1)

	res, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 1, Failed: 1}, res)

	res, err = a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 1, Approved: 1}, res)
	assert.Equal(t, cases.StatusApproved, status(t, store, "tx-1").Status)
	assert.Equal(t, cases.StatusPending, status(t, store, "tx-0").Status)

	// An empty page wraps the cursor back to the oldest pending row.
	_, err = a.RunOnce(context.Background())
	require.NoError(t, err)
	res, err = a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 1, Failed: 1}, res)
}

func TestRunOnce_CancelMidItemStillApplies(t *testing.T) {
	a, store := newTestAuditor(t, tx("tx-1", t0, "London", "GB", "10"))
	store.entered = make(chan struct{})
	store.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		res, _ := a.RunOnce(ctx)
		done <- res
	}()
	<-store.entered
	cancel()
	close(store.release)

	res := <-done
	assert.Equal(t, Result{Scanned: 1, Approved: 1}, res)
	assert.Equal(t, cases.StatusApproved, status(t, store, "tx-1").Status)
}

func TestRunOnce_Idempotent(t *testing.T) {
	a, _ := newTestAuditor(t, tx("tx-1", t0, "London", "GB", "10"))

	_, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	res, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}
