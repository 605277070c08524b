package rules

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EvalContext carries one transaction and its pre-sorted history.
type EvalContext struct {
	Tx      Txn
	Profile Profile
	// Others is every other transaction of the customer in the window,
	// ordered by (timestamp, id).
	Others []Txn
	// Prior is the subset of Others ordered before Tx.
	Prior []Txn
	T     Thresholds
}

// EvalRule is a single behavioral check. A nil verdict means the rule
// did not fire.
type EvalRule interface {
	ID() RuleID
	Evaluate(ec *EvalContext) *Verdict
}

// Engine runs the ordered rule list. First hold wins.
type Engine struct {
	thresholds Thresholds
	rules      []EvalRule
}

// NewEngine creates an engine with the default rules in canonical order.
func NewEngine(t Thresholds) *Engine {
	return &Engine{thresholds: t, rules: DefaultRules()}
}

// WithRules replaces the rule list. Used by tests.
func (e *Engine) WithRules(rules ...EvalRule) *Engine {
	e.rules = rules
	return e
}

// Thresholds returns the engine's thresholds.
func (e *Engine) Thresholds() Thresholds { return e.thresholds }

// DefaultRules returns the closed rule set in evaluation order.
func DefaultRules() []EvalRule {
	return []EvalRule{
		GeoAnomalyRule{},
		SameTimeRule{},
		VelocityRule{},
		StructuringRule{},
		PassThroughRule{},
		DormancyRule{},
		MicroProbingRule{},
	}
}

// Evaluate runs the rules against tx and its window and returns the
// verdict of the first rule that fires, or Clear. The window may contain
// tx itself; it is ignored.
func (e *Engine) Evaluate(tx Txn, profile Profile, window []Txn) Verdict {
	ec := e.newContext(tx, profile, window)
	for _, rule := range e.rules {
		if v := rule.Evaluate(ec); v != nil {
			return *v
		}
	}
	return Verdict{Action: Clear}
}

func (e *Engine) newContext(tx Txn, profile Profile, window []Txn) *EvalContext {
	tx.Timestamp = tx.Timestamp.Truncate(time.Second)
	others := make([]Txn, 0, len(window))
	for _, o := range window {
		if o.ID == tx.ID {
			continue
		}
		o.Timestamp = o.Timestamp.Truncate(time.Second)
		others = append(others, o)
	}
	sort.SliceStable(others, func(i, j int) bool { return orderedBefore(others[i], others[j]) })

	n := sort.Search(len(others), func(i int) bool { return !orderedBefore(others[i], tx) })
	return &EvalContext{
		Tx:      tx,
		Profile: profile,
		Others:  others,
		Prior:   others[:n],
		T:       e.thresholds,
	}
}

func orderedBefore(a, b Txn) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

func samePlace(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// within reports |a-b| <= frac*base, allowing for epsilon.
func within(a, b, base, frac, eps decimal.Decimal) bool {
	limit := base.Abs().Mul(frac).Add(eps)
	return a.Sub(b).Abs().LessThanOrEqual(limit)
}

func hold(id RuleID, reason string) *Verdict {
	return &Verdict{Action: Hold, Rule: id, Reason: reason}
}
