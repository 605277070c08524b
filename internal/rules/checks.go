package rules

import (
	"fmt"
	"time"
)

// GeoAnomalyRule flags travel that is physically implausible given the
// customer's settled history and home location.
type GeoAnomalyRule struct{}

func (GeoAnomalyRule) ID() RuleID { return RuleGeoAnomaly }

func (GeoAnomalyRule) Evaluate(ec *EvalContext) *Verdict {
	tx := ec.Tx
	var settled []Txn
	for _, o := range ec.Others {
		if o.Settled && !o.Timestamp.After(tx.Timestamp) {
			settled = append(settled, o)
		}
	}
	if len(settled) == 0 {
		return nil
	}

	for _, o := range settled {
		if o.Timestamp.Equal(tx.Timestamp) && !samePlace(o.Place, tx.Place) {
			return hold(RuleGeoAnomaly, fmt.Sprintf("%s and %s at the same second %s",
				o.Place, tx.Place, tx.Timestamp.UTC().Format(time.DateTime)))
		}
	}

	type candidate struct {
		place, country string
		dt             time.Duration
		label          string
	}
	cands := []candidate{{
		place:   ec.Profile.HomeCity,
		country: ec.Profile.HomeCountry,
		label:   "home location",
	}}
	for _, o := range settled {
		cands = append(cands, candidate{
			place:   o.Place,
			country: o.Country,
			dt:      tx.Timestamp.Sub(o.Timestamp),
			label:   "transaction " + o.ID,
		})
	}

	for _, c := range cands {
		if c.country != "" && tx.Country != "" && !samePlace(c.country, tx.Country) && c.dt <= ec.T.GeoForeignWindow {
			return hold(RuleGeoAnomaly, fmt.Sprintf("%s, %s is %s after %s in %s, %s",
				tx.Place, tx.Country, c.dt, c.label, c.place, c.country))
		}
	}
	for _, c := range cands {
		if samePlace(c.country, tx.Country) && c.place != "" && !samePlace(c.place, tx.Place) && c.dt <= ec.T.GeoDomesticWindow {
			return hold(RuleGeoAnomaly, fmt.Sprintf("%s is %s after %s in %s",
				tx.Place, c.dt, c.label, c.place))
		}
	}
	return nil
}

// SameTimeRule flags two transactions of the same customer in the same
// second at different places, regardless of status.
type SameTimeRule struct{}

func (SameTimeRule) ID() RuleID { return RuleSameTime }

func (SameTimeRule) Evaluate(ec *EvalContext) *Verdict {
	for _, o := range ec.Others {
		if o.Timestamp.Equal(ec.Tx.Timestamp) && !samePlace(o.Place, ec.Tx.Place) {
			return hold(RuleSameTime, fmt.Sprintf("transaction %s in %s at the same second as %s",
				o.ID, o.Place, ec.Tx.Place))
		}
	}
	return nil
}

// VelocityRule flags transactions less than VelocityWindow apart.
type VelocityRule struct{}

func (VelocityRule) ID() RuleID { return RuleVelocity }

func (VelocityRule) Evaluate(ec *EvalContext) *Verdict {
	for _, o := range ec.Others {
		dt := absDuration(o.Timestamp.Sub(ec.Tx.Timestamp))
		if dt < ec.T.VelocityWindow {
			return hold(RuleVelocity, fmt.Sprintf("transaction %s only %s apart", o.ID, dt))
		}
	}
	return nil
}

// StructuringRule flags amounts inside the inclusive structuring band
// unless the customer has an approved transaction of a similar amount.
// Band edges are exact; amounts are decimals.
type StructuringRule struct{}

func (StructuringRule) ID() RuleID { return RuleStructuring }

func (StructuringRule) Evaluate(ec *EvalContext) *Verdict {
	t := ec.T
	amt := ec.Tx.Amount
	if amt.LessThan(t.StructuringMin) || amt.GreaterThan(t.StructuringMax) {
		return nil
	}
	for _, p := range ec.Prior {
		if p.Approved && within(p.Amount, amt, amt, t.StructuringTolerance, t.Epsilon) {
			return nil
		}
	}
	return hold(RuleStructuring, fmt.Sprintf("amount %s inside the %s-%s structuring band",
		amt.StringFixed(2), t.StructuringMin.String(), t.StructuringMax.String()))
}

// PassThroughRule flags a debit that forwards a recent credit of a
// similar amount.
type PassThroughRule struct{}

func (PassThroughRule) ID() RuleID { return RulePassThrough }

func (PassThroughRule) Evaluate(ec *EvalContext) *Verdict {
	tx := ec.Tx
	if tx.Kind != Debit {
		return nil
	}
	for i := len(ec.Prior) - 1; i >= 0; i-- {
		p := ec.Prior[i]
		dt := tx.Timestamp.Sub(p.Timestamp)
		if dt > ec.T.PassThroughWindow {
			break
		}
		if p.Kind == Credit && within(p.Amount, tx.Amount, tx.Amount, ec.T.PassThroughTolerance, ec.T.Epsilon) {
			return hold(RulePassThrough, fmt.Sprintf("debit %s forwards credit %s of %s received %s earlier",
				tx.Amount.StringFixed(2), p.ID, p.Amount.StringFixed(2), dt))
		}
	}
	return nil
}

// DormancyRule flags a large transaction after a long quiet period.
type DormancyRule struct{}

func (DormancyRule) ID() RuleID { return RuleDormancy }

func (DormancyRule) Evaluate(ec *EvalContext) *Verdict {
	if len(ec.Prior) == 0 {
		return nil
	}
	last := ec.Prior[len(ec.Prior)-1]
	gap := ec.Tx.Timestamp.Sub(last.Timestamp)
	if gap <= ec.T.DormancyPeriod || !ec.Tx.Amount.GreaterThan(ec.T.DormancyAmount) {
		return nil
	}
	return hold(RuleDormancy, fmt.Sprintf("amount %s after %d days without activity",
		ec.Tx.Amount.StringFixed(2), int(gap.Hours()/24)))
}

// MicroProbingRule flags a tiny test charge immediately followed by a
// large one.
type MicroProbingRule struct{}

func (MicroProbingRule) ID() RuleID { return RuleMicroProbing }

func (MicroProbingRule) Evaluate(ec *EvalContext) *Verdict {
	if len(ec.Prior) == 0 {
		return nil
	}
	prev := ec.Prior[len(ec.Prior)-1]
	if prev.Amount.LessThan(ec.T.ProbeMaxAmount) && ec.Tx.Amount.GreaterThan(ec.T.ProbeFollowAmount) {
		return hold(RuleMicroProbing, fmt.Sprintf("amount %s right after probe %s of %s",
			ec.Tx.Amount.StringFixed(2), prev.ID, prev.Amount.StringFixed(2)))
	}
	return nil
}
