package rules

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	base   = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	london = Profile{CustomerID: "c1", HomeCity: "London", HomeCountry: "GB"}
)

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func txAt(id string, ts time.Time, amount string) Txn {
	return Txn{ID: id, Timestamp: ts, Place: "London", Country: "GB", Kind: Debit, Amount: amt(amount)}
}

func settled(t Txn) Txn {
	t.Settled = true
	t.Approved = true
	return t
}

func newEngine() *Engine { return NewEngine(DefaultThresholds()) }

func TestEvaluate_NoHistoryClears(t *testing.T) {
	v := newEngine().Evaluate(txAt("t1", base, "120.00"), london, nil)
	assert.Equal(t, Clear, v.Action)
	assert.Empty(t, v.Rule)
}

func TestEvaluate_NoHistoryOnlyStructuringFires(t *testing.T) {
	tx := txAt("t1", base, "9500")
	tx.Place, tx.Country = "Paris", "FR"
	v := newEngine().Evaluate(tx, london, nil)
	require.True(t, v.IsHold())
	assert.Equal(t, RuleStructuring, v.Rule)
}

func TestGeoAnomaly_ForeignWithinWindow(t *testing.T) {
	prior := settled(txAt("t0", base, "40"))
	tx := txAt("t1", base.Add(30*time.Minute), "60")
	tx.Place, tx.Country = "Paris", "FR"

	v := newEngine().Evaluate(tx, london, []Txn{prior})
	require.True(t, v.IsHold())
	assert.Equal(t, RuleGeoAnomaly, v.Rule)
	assert.True(t, strings.HasPrefix(v.Tagged(), "[RULE:GEO-ANOMALY] "))
}

func TestGeoAnomaly_DomesticDifferentCity(t *testing.T) {
	home := Profile{CustomerID: "c1", HomeCity: "Manchester", HomeCountry: "GB"}
	prior := settled(txAt("t0", base, "40"))
	prior.Place = "Manchester"
	tx := txAt("t1", base.Add(20*time.Minute), "60")

	v := newEngine().Evaluate(tx, home, []Txn{prior})
	require.True(t, v.IsHold())
	assert.Equal(t, RuleGeoAnomaly, v.Rule)
}

func TestGeoAnomaly_IgnoresPendingHistory(t *testing.T) {
	// Only pending history: GEO is skipped, no other rule applies.
	prior := txAt("t0", base.Add(-2*time.Hour), "40")
	prior.Place, prior.Country = "Paris", "FR"
	tx := txAt("t1", base, "60")

	v := newEngine().Evaluate(tx, london, []Txn{prior})
	assert.Equal(t, Clear, v.Action)
}

func TestGeoAnomaly_PlaceComparisonIgnoresCase(t *testing.T) {
	prior := settled(txAt("t0", base, "40"))
	tx := txAt("t1", base.Add(10*time.Minute), "60")
	tx.Place = "  london "

	v := newEngine().Evaluate(tx, london, []Txn{prior})
	assert.Equal(t, Clear, v.Action)
}

func TestSameTimeCollision_PendingOther(t *testing.T) {
	// The colliding transaction is still pending, so GEO does not see it.
	other := txAt("t0", base, "15")
	other.Place = "Leeds"
	tx := txAt("t1", base, "20")

	v := newEngine().WithRules(SameTimeRule{}).Evaluate(tx, london, []Txn{other})
	require.True(t, v.IsHold())
	assert.Equal(t, RuleSameTime, v.Rule)

	v = newEngine().Evaluate(tx, london, []Txn{other})
	assert.Equal(t, RuleSameTime, v.Rule)
}

func TestVelocity(t *testing.T) {
	first := txAt("t0", base, "10")
	second := txAt("t1", base.Add(45*time.Second), "12")

	v := newEngine().Evaluate(second, london, []Txn{first})
	require.True(t, v.IsHold())
	assert.Equal(t, RuleVelocity, v.Rule)

	// Looking forward: the earlier transaction also sees the later one.
	v = newEngine().Evaluate(first, london, []Txn{second})
	assert.Equal(t, RuleVelocity, v.Rule)
}

func TestVelocity_ExactlySixtySecondsClears(t *testing.T) {
	first := txAt("t0", base, "10")
	second := txAt("t1", base.Add(60*time.Second), "12")

	v := newEngine().Evaluate(second, london, []Txn{first})
	assert.Equal(t, Clear, v.Action)
}

func TestVelocity_SubSecondTruncated(t *testing.T) {
	first := txAt("t0", base.Add(59*time.Second+900*time.Millisecond), "10")
	second := txAt("t1", base, "12")
	second.Timestamp = base.Add(119*time.Second + 100*time.Millisecond)

	v := newEngine().Evaluate(second, london, []Txn{first})
	assert.Equal(t, Clear, v.Action)
}

func TestStructuring(t *testing.T) {
	tx := txAt("t1", base, "9500")

	v := newEngine().Evaluate(tx, london, nil)
	require.True(t, v.IsHold())
	assert.Equal(t, RuleStructuring, v.Rule)

	prior := settled(txAt("t0", base.Add(-10*24*time.Hour), "9480"))
	v = newEngine().Evaluate(tx, london, []Txn{prior})
	assert.Equal(t, Clear, v.Action)
}

func TestStructuring_PriorMustBeApproved(t *testing.T) {
	tx := txAt("t1", base, "9500")
	prior := txAt("t0", base.Add(-10*24*time.Hour), "9480")
	prior.Settled = true // declined, not approved

	v := newEngine().Evaluate(tx, london, []Txn{prior})
	assert.Equal(t, RuleStructuring, v.Rule)
}

func TestStructuring_BandEdges(t *testing.T) {
	e := newEngine()
	assert.True(t, e.Evaluate(txAt("t1", base, "9000"), london, nil).IsHold())
	assert.True(t, e.Evaluate(txAt("t1", base, "9999"), london, nil).IsHold())
	assert.False(t, e.Evaluate(txAt("t1", base, "8999.99"), london, nil).IsHold())
	assert.False(t, e.Evaluate(txAt("t1", base, "8999.995"), london, nil).IsHold())
	assert.False(t, e.Evaluate(txAt("t1", base, "9999.01"), london, nil).IsHold())
	assert.False(t, e.Evaluate(txAt("t1", base, "10000"), london, nil).IsHold())
}

func TestStructuring_ReasonNamesBand(t *testing.T) {
	v := newEngine().Evaluate(txAt("t1", base, "9999"), london, nil)
	require.True(t, v.IsHold())
	assert.Equal(t, "amount 9999.00 inside the 9000-9999 structuring band", v.Reason)
}

func TestPassThrough(t *testing.T) {
	credit := settled(txAt("t0", base, "2000"))
	credit.Kind = Credit
	debit := txAt("t1", base.Add(40*time.Minute), "1950")

	v := newEngine().Evaluate(debit, london, []Txn{credit})
	require.True(t, v.IsHold())
	assert.Equal(t, RulePassThrough, v.Rule)

	// Outside the window.
	debit.Timestamp = base.Add(61 * time.Minute)
	v = newEngine().Evaluate(debit, london, []Txn{credit})
	assert.Equal(t, Clear, v.Action)

	// Not comparable.
	debit.Timestamp = base.Add(40 * time.Minute)
	debit.Amount = amt("1500")
	v = newEngine().Evaluate(debit, london, []Txn{credit})
	assert.Equal(t, Clear, v.Action)
}

func TestDormancy(t *testing.T) {
	prior := settled(txAt("t0", base.Add(-45*24*time.Hour), "80"))

	v := newEngine().Evaluate(txAt("t1", base, "1500"), london, []Txn{prior})
	require.True(t, v.IsHold())
	assert.Equal(t, RuleDormancy, v.Rule)

	v = newEngine().Evaluate(txAt("t1", base, "500"), london, []Txn{prior})
	assert.Equal(t, Clear, v.Action)
}

func TestDormancy_RecentActivityClears(t *testing.T) {
	old := settled(txAt("t0", base.Add(-45*24*time.Hour), "80"))
	recent := settled(txAt("t2", base.Add(-3*24*time.Hour), "80"))

	v := newEngine().Evaluate(txAt("t1", base, "1500"), london, []Txn{old, recent})
	assert.Equal(t, Clear, v.Action)
}

func TestMicroProbing(t *testing.T) {
	tiny := settled(txAt("t0", base.Add(-10*time.Minute), "1.00"))

	v := newEngine().Evaluate(txAt("t1", base, "750"), london, []Txn{tiny})
	require.True(t, v.IsHold())
	assert.Equal(t, RuleMicroProbing, v.Rule)
}

func TestMicroProbing_InterveningTransactionClears(t *testing.T) {
	tiny := settled(txAt("t0", base.Add(-20*time.Minute), "1.00"))
	between := settled(txAt("t2", base.Add(-10*time.Minute), "30"))

	v := newEngine().Evaluate(txAt("t1", base, "750"), london, []Txn{tiny, between})
	assert.Equal(t, Clear, v.Action)
}

func TestEvaluate_FirstRuleWins(t *testing.T) {
	// Fires both VELOCITY and STRUCTURING; VELOCITY comes first.
	prior := txAt("t0", base, "20")
	tx := txAt("t1", base.Add(10*time.Second), "9500")

	v := newEngine().Evaluate(tx, london, []Txn{prior})
	assert.Equal(t, RuleVelocity, v.Rule)
}

func TestEvaluate_WindowContainingSelfIgnored(t *testing.T) {
	tx := txAt("t1", base, "50")
	v := newEngine().Evaluate(tx, london, []Txn{tx})
	assert.Equal(t, Clear, v.Action)
}

func TestEvaluate_Deterministic(t *testing.T) {
	window := []Txn{
		settled(txAt("a", base.Add(-2*time.Hour), "1.00")),
		settled(txAt("b", base.Add(-time.Hour), "3.00")),
		txAt("c", base.Add(-30*time.Minute), "2.00"),
	}
	reversed := []Txn{window[2], window[1], window[0]}
	tx := txAt("t1", base, "900")

	e := newEngine()
	assert.Equal(t, e.Evaluate(tx, london, window), e.Evaluate(tx, london, reversed))
}

func TestTagHelpers(t *testing.T) {
	v := Verdict{Action: Hold, Rule: RuleVelocity, Reason: "too fast"}
	tagged := v.Tagged()
	assert.Equal(t, "[RULE:VELOCITY] too fast", tagged)
	assert.Equal(t, RuleVelocity, TagOf(tagged))
	assert.Equal(t, "too fast", StripTag(tagged))
	assert.Equal(t, "plain", StripTag("plain"))
	assert.Equal(t, RuleID(""), TagOf("Manual Approval"))
}
