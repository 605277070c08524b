package cases

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/rules"
	"github.com/mbd888/sentinel/internal/traces"
)

// Service implements the case state machine on top of a Store.
type Service struct {
	store  Store
	events EventPublisher
	now    func() time.Time
}

// NewService creates a new case service.
func NewService(store Store) *Service {
	return &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithEvents adds a publisher for case lifecycle events.
func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

// WithClock overrides the clock. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// ApplyVerdict moves a pending transaction to approved or on_hold.
// Returns applied=false when the transaction is no longer pending.
func (s *Service) ApplyVerdict(ctx context.Context, txID string, v rules.Verdict) (bool, error) {
	tr := Transition{TxID: txID, From: StatusPending, At: s.now()}
	event := EventApproved
	if v.IsHold() {
		reason := v.Tagged()
		if reason == "" {
			reason = fmt.Sprintf("[RULE:%s]", v.Rule)
		}
		tr.To = StatusOnHold
		tr.Reason = reason
		event = EventHeld
	} else {
		tr.To = StatusApproved
		tr.Reviewed = true
		tr.Reason = ReasonAutoPass
	}
	t, applied, err := s.transition(ctx, tr)
	if err != nil || !applied {
		return applied, err
	}
	s.publish(event, t, map[string]interface{}{"rule": string(v.Rule)})
	return true, nil
}

// Approve clears a held transaction after human review.
func (s *Service) Approve(ctx context.Context, txID, reviewer string) (*Transaction, bool, error) {
	t, applied, err := s.transition(ctx, Transition{
		TxID:       txID,
		From:       StatusOnHold,
		To:         StatusApproved,
		Reviewed:   true,
		ReviewedBy: reviewer,
		Reason:     ReasonManualApproval,
		At:         s.now(),
	})
	if applied {
		s.publish(EventApproved, t, nil)
	}
	return t, applied, err
}

// KeepOnHold records that a reviewer looked at a held transaction and
// deferred the decision. The hold reason is preserved.
func (s *Service) KeepOnHold(ctx context.Context, txID, reviewer string) (*Transaction, bool, error) {
	t, applied, err := s.transition(ctx, Transition{
		TxID:       txID,
		From:       StatusOnHold,
		To:         StatusOnHold,
		Reviewed:   true,
		ReviewedBy: reviewer,
		KeepReason: true,
		At:         s.now(),
	})
	if applied {
		s.publish(EventDeferred, t, nil)
	}
	return t, applied, err
}

// ConfirmFraud declines a held transaction and archives its fraud case in
// the same commit. forensicReport is stored verbatim in the archive.
func (s *Service) ConfirmFraud(ctx context.Context, txID, reviewer, forensicReport string) (*FraudCase, bool, error) {
	ctx, span := traces.StartSpan(ctx, "cases.ConfirmFraud", traces.TransactionID(txID))
	defer span.End()

	now := s.now()
	fc, err := s.store.ConfirmFraud(ctx, Transition{
		TxID:       txID,
		From:       StatusOnHold,
		To:         StatusDeclined,
		Reviewed:   true,
		ReviewedBy: reviewer,
		Reason:     ReasonConfirmedFraud,
		At:         now,
	}, Archive{ForensicReport: forensicReport, ArchivedBy: reviewer, ArchivedAt: now})
	if errors.Is(err, ErrStaleState) {
		transitionsTotal.WithLabelValues(string(StatusDeclined), "stale").Inc()
		return nil, false, nil
	}
	if err != nil {
		transitionsTotal.WithLabelValues(string(StatusDeclined), "error").Inc()
		return nil, false, fmt.Errorf("confirm fraud %s: %w", txID, err)
	}
	transitionsTotal.WithLabelValues(string(StatusDeclined), "applied").Inc()
	fraudCasesArchived.Inc()
	logging.L(ctx).Info("fraud case archived", "transaction_id", txID, "rule", fc.RuleID, "reviewer", reviewer)

	if s.events != nil {
		s.events.Publish(EventDeclined, fc.CustomerID, fc)
	}
	return fc, true, nil
}

func (s *Service) transition(ctx context.Context, tr Transition) (*Transaction, bool, error) {
	t, err := s.store.Transition(ctx, tr)
	if errors.Is(err, ErrStaleState) {
		transitionsTotal.WithLabelValues(string(tr.To), "stale").Inc()
		logging.L(ctx).Debug("stale transition skipped", "transaction_id", tr.TxID, "from", tr.From, "to", tr.To)
		return nil, false, nil
	}
	if err != nil {
		transitionsTotal.WithLabelValues(string(tr.To), "error").Inc()
		return nil, false, fmt.Errorf("transition %s %s->%s: %w", tr.TxID, tr.From, tr.To, err)
	}
	transitionsTotal.WithLabelValues(string(tr.To), "applied").Inc()
	return t, true, nil
}

func (s *Service) publish(eventType string, t *Transaction, extra map[string]interface{}) {
	if s.events == nil || t == nil {
		return
	}
	data := map[string]interface{}{
		"transactionId": t.ID,
		"status":        t.Status,
		"reason":        t.Reason,
		"reviewed":      t.Reviewed,
	}
	for k, v := range extra {
		data[k] = v
	}
	s.events.Publish(eventType, t.CustomerID, data)
}

// Get returns a transaction.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// ReviewQueue returns held transactions, oldest first.
func (s *Service) ReviewQueue(ctx context.Context, limit int) ([]*Transaction, error) {
	return s.store.ListByStatus(ctx, StatusOnHold, Cursor{}, limit)
}

// QueueDepth returns the number of held transactions.
func (s *Service) QueueDepth(ctx context.Context) (int, error) {
	return s.store.CountByStatus(ctx, StatusOnHold)
}

// GetFraudCase returns the archive entry for a declined transaction.
func (s *Service) GetFraudCase(ctx context.Context, txID string) (*FraudCase, error) {
	return s.store.GetFraudCase(ctx, txID)
}

// ListFraudCases returns archive entries, newest first.
func (s *Service) ListFraudCases(ctx context.Context, limit int) ([]*FraudCase, error) {
	return s.store.ListFraudCases(ctx, limit)
}
