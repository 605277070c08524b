// Package rules implements the deterministic fraud rule set.
//
// Every pending transaction is compared against its customer's history
// window by a closed, ordered list of behavioral rules. The first rule
// that fires decides the verdict and its ID becomes the reason tag, so the
// same inputs always yield the same verdict.
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Version identifies the rule set. Bump it whenever a rule or a default
// threshold changes so archived verdicts can be traced to the logic that
// produced them.
const Version = "2024.1"

// RuleID is the stable identifier written into reason tags.
type RuleID string

const (
	RuleGeoAnomaly   RuleID = "GEO-ANOMALY"
	RuleSameTime     RuleID = "SAME-TIME-COLLISION"
	RuleVelocity     RuleID = "VELOCITY"
	RuleStructuring  RuleID = "STRUCTURING"
	RulePassThrough  RuleID = "PASS-THROUGH"
	RuleDormancy     RuleID = "DORMANCY"
	RuleMicroProbing RuleID = "MICRO-PROBING"
)

// Action is the outcome of an evaluation.
type Action int

const (
	Clear Action = iota
	Hold
)

// String returns the action name.
func (a Action) String() string {
	if a == Hold {
		return "hold"
	}
	return "clear"
}

// Verdict is the result of evaluating one transaction.
type Verdict struct {
	Action Action
	Rule   RuleID
	Reason string
}

// IsHold reports whether the verdict holds the transaction for review.
func (v Verdict) IsHold() bool { return v.Action == Hold }

// Tagged returns the reason prefixed with its rule tag, e.g.
// "[RULE:VELOCITY] 2 transactions within 45s".
func (v Verdict) Tagged() string {
	if v.Rule == "" {
		return v.Reason
	}
	return fmt.Sprintf("[RULE:%s] %s", v.Rule, v.Reason)
}

// StripTag removes a leading "[RULE:...]" tag (everything up to the last
// closing bracket) so the reason can be shown to a customer.
func StripTag(reason string) string {
	if i := strings.LastIndex(reason, "]"); i >= 0 {
		return strings.TrimSpace(reason[i+1:])
	}
	return strings.TrimSpace(reason)
}

// TagOf extracts the rule ID from a tagged reason, or "" if untagged.
func TagOf(reason string) RuleID {
	const prefix = "[RULE:"
	if !strings.HasPrefix(reason, prefix) {
		return ""
	}
	end := strings.Index(reason, "]")
	if end < 0 {
		return ""
	}
	return RuleID(reason[len(prefix):end])
}

// TxKind distinguishes money leaving the account from money arriving.
type TxKind string

const (
	Debit  TxKind = "debit"
	Credit TxKind = "credit"
)

// Txn is the rule-facing view of a transaction.
type Txn struct {
	ID        string
	Timestamp time.Time
	Place     string
	Country   string
	Kind      TxKind
	Amount    decimal.Decimal
	// Settled is true once the transaction has left pending.
	Settled bool
	// Approved is true when the transaction was cleared (by machine or human).
	Approved bool
}

// Profile carries the customer's home location.
type Profile struct {
	CustomerID  string
	HomeCity    string
	HomeCountry string
}

// Thresholds holds every tunable constant used by the rules.
type Thresholds struct {
	GeoForeignWindow     time.Duration
	GeoDomesticWindow    time.Duration
	VelocityWindow       time.Duration
	StructuringMin       decimal.Decimal
	StructuringMax       decimal.Decimal
	StructuringTolerance decimal.Decimal // fraction of the amount
	PassThroughWindow    time.Duration
	PassThroughTolerance decimal.Decimal // fraction of the debit
	DormancyPeriod       time.Duration
	DormancyAmount       decimal.Decimal
	ProbeMaxAmount       decimal.Decimal
	ProbeFollowAmount    decimal.Decimal
	Epsilon              decimal.Decimal
	// Lookback bounds how far back the history window reaches. When the
	// window holds nothing older than the transaction, the caller supplies
	// the latest earlier transaction so dormancy still sees it.
	Lookback time.Duration
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		GeoForeignWindow:     36 * time.Hour,
		GeoDomesticWindow:    time.Hour,
		VelocityWindow:       60 * time.Second,
		StructuringMin:       decimal.NewFromInt(9000),
		StructuringMax:       decimal.NewFromInt(9999),
		StructuringTolerance: decimal.RequireFromString("0.03"),
		PassThroughWindow:    60 * time.Minute,
		PassThroughTolerance: decimal.RequireFromString("0.05"),
		DormancyPeriod:       30 * 24 * time.Hour,
		DormancyAmount:       decimal.NewFromInt(1000),
		ProbeMaxAmount:       decimal.RequireFromString("5.00"),
		ProbeFollowAmount:    decimal.NewFromInt(500),
		Epsilon:              decimal.RequireFromString("0.01"),
		Lookback:             365 * 24 * time.Hour,
	}
}

// WindowBounds returns the time range a history window must cover for a
// transaction at ts.
func (t Thresholds) WindowBounds(ts time.Time) (from, to time.Time) {
	return ts.Add(-t.Lookback), ts.Add(t.VelocityWindow)
}
