// Package audit runs the rule engine over pending transactions.
//
// Each pass lists one page of pending transactions in (timestamp, id) order,
// loads the customer's history window for every one of them, evaluates the
// rule set and applies the verdict through the case service. A transaction
// that fails to load, evaluate or apply is logged and left pending. Pages
// rotate: a full page moves the cursor past its last row, a short page
// wraps back to the oldest, so a row that keeps failing never starves the
// rows behind it.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/cases"
	"github.com/mbd888/sentinel/internal/retry"
	"github.com/mbd888/sentinel/internal/rules"
	"github.com/mbd888/sentinel/internal/traces"
)

// DefaultBatchSize bounds the pending transactions handled per pass.
const DefaultBatchSize = 100

// itemTimeout bounds the store work for one transaction. Items run detached
// from the pass context; cancellation is observed between items.
const itemTimeout = 30 * time.Second

var errEvaluatorPanic = errors.New("audit: rule evaluation panicked")

// Result summarizes one audit pass.
type Result struct {
	Scanned  int
	Approved int
	Held     int
	Stale    int
	Failed   int
}

// Auditor evaluates pending transactions.
type Auditor struct {
	service   *cases.Service
	store     cases.Store
	engine    *rules.Engine
	batchSize int
	retry     retry.Policy
	logger    *slog.Logger

	mu     sync.Mutex
	cursor cases.Cursor
}

// NewAuditor creates an auditor over the service's store.
func NewAuditor(service *cases.Service, engine *rules.Engine, logger *slog.Logger) *Auditor {
	return &Auditor{
		service:   service,
		store:     service.Store(),
		engine:    engine,
		batchSize: DefaultBatchSize,
		retry:     retry.DefaultPolicy,
		logger:    logger,
	}
}

// WithBatchSize sets the per-pass limit.
func (a *Auditor) WithBatchSize(n int) *Auditor {
	if n > 0 {
		a.batchSize = n
	}
	return a
}

// WithRetry overrides the backoff used when listing pending transactions.
func (a *Auditor) WithRetry(p retry.Policy) *Auditor {
	a.retry = p
	return a
}

// RunOnce performs a single audit pass. The returned error is non-nil only
// when the pending list could not be read; per-transaction failures are
// counted in Result.Failed.
func (a *Auditor) RunOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "audit.RunOnce")
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()

	var res Result
	var pending []*cases.Transaction
	err := a.retry.Do(ctx, func() error {
		var err error
		pending, err = a.store.ListByStatus(ctx, cases.StatusPending, a.cursor, a.batchSize)
		return err
	})
	if err != nil {
		passesTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("list pending transactions: %w", err)
	}
	span.SetAttributes(traces.BatchSize(len(pending)), traces.RuleSetVersion(rules.Version))

	profiles := make(map[string]rules.Profile)
	interrupted := false
	for _, tx := range pending {
		if ctx.Err() != nil {
			a.logger.Info("audit pass interrupted", "remaining", len(pending)-res.Scanned)
			interrupted = true
			break
		}
		res.Scanned++

		outcome, err := a.auditItem(ctx, tx, profiles)
		if err != nil {
			res.Failed++
			evaluationsTotal.WithLabelValues("failed").Inc()
			a.logger.Warn("failed to audit transaction",
				"transactionId", tx.ID,
				"customerId", tx.CustomerID,
				"error", err,
			)
			continue
		}
		evaluationsTotal.WithLabelValues(outcome).Inc()
		switch outcome {
		case outcomeApproved:
			res.Approved++
		case outcomeHeld:
			res.Held++
		case outcomeStale:
			res.Stale++
		}
	}

	if !interrupted {
		a.advance(pending)
	}

	passesTotal.WithLabelValues("ok").Inc()
	passDuration.Observe(time.Since(start).Seconds())
	if res.Scanned > 0 {
		a.logger.Info("audit pass complete",
			"scanned", res.Scanned,
			"approved", res.Approved,
			"held", res.Held,
			"stale", res.Stale,
			"failed", res.Failed,
		)
	}
	return res, nil
}

// advance moves the cursor past a full page or wraps it after a short one.
func (a *Auditor) advance(page []*cases.Transaction) {
	if len(page) < a.batchSize {
		a.cursor = cases.Cursor{}
		return
	}
	a.cursor = cases.CursorOf(page[len(page)-1])
}

func (a *Auditor) auditItem(ctx context.Context, tx *cases.Transaction, profiles map[string]rules.Profile) (string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), itemTimeout)
	defer cancel()
	return a.auditOne(ctx, tx, profiles)
}

const (
	outcomeApproved = "approved"
	outcomeHeld     = "held"
	outcomeStale    = "stale"
)

func (a *Auditor) auditOne(ctx context.Context, tx *cases.Transaction, profiles map[string]rules.Profile) (string, error) {
	ctx, span := traces.StartSpan(ctx, "audit.evaluate",
		traces.TransactionID(tx.ID), traces.CustomerID(tx.CustomerID))
	defer span.End()

	profile, ok := profiles[tx.CustomerID]
	if !ok {
		cust, err := a.store.GetCustomer(ctx, tx.CustomerID)
		if err != nil {
			return "", fmt.Errorf("load customer: %w", err)
		}
		profile = cust.Profile()
		profiles[tx.CustomerID] = profile
	}

	from, to := a.engine.Thresholds().WindowBounds(tx.Timestamp)
	history, err := a.store.ListWindow(ctx, tx.CustomerID, from, to)
	if err != nil {
		return "", fmt.Errorf("load window: %w", err)
	}
	if !hasOlder(history, tx) {
		// Nothing inside the lookback: the latest older transaction still
		// dates the customer's last activity.
		last, err := a.store.LastBefore(ctx, tx.CustomerID, from)
		switch {
		case err == nil:
			history = append(history, last)
		case !errors.Is(err, cases.ErrTransactionNotFound):
			return "", fmt.Errorf("load last activity: %w", err)
		}
	}
	window := make([]rules.Txn, 0, len(history))
	for _, h := range history {
		window = append(window, h.RuleTxn())
	}

	verdict, err := a.evaluate(tx.RuleTxn(), profile, window)
	if err != nil {
		return "", err
	}
	if verdict.IsHold() {
		span.SetAttributes(traces.Rule(string(verdict.Rule)))
	}

	applied, err := a.service.ApplyVerdict(ctx, tx.ID, verdict)
	if err != nil {
		return "", fmt.Errorf("apply verdict: %w", err)
	}
	if !applied {
		a.logger.Debug("transaction no longer pending", "transactionId", tx.ID)
		return outcomeStale, nil
	}
	if verdict.IsHold() {
		rulesFired.WithLabelValues(string(verdict.Rule)).Inc()
		a.logger.Info("transaction held",
			"transactionId", tx.ID,
			"customerId", tx.CustomerID,
			"rule", verdict.Rule,
			"reason", verdict.Reason,
			"rules", rules.Version,
		)
		return outcomeHeld, nil
	}
	a.logger.Debug("transaction approved", "transactionId", tx.ID, "rules", rules.Version)
	return outcomeApproved, nil
}

func hasOlder(history []*cases.Transaction, tx *cases.Transaction) bool {
	for _, h := range history {
		if h.ID != tx.ID && h.Timestamp.Before(tx.Timestamp) {
			return true
		}
	}
	return false
}

func (a *Auditor) evaluate(tx rules.Txn, profile rules.Profile, window []rules.Txn) (v rules.Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errEvaluatorPanic, r)
		}
	}()
	return a.engine.Evaluate(tx, profile, window), nil
}
