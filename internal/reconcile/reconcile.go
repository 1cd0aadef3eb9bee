// Package reconcile merges two independently-sourced observation sets
// into decided canonical rows plus a conflict list. It is a pure
// function over its inputs: no fetching, no persistence.
package reconcile

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/tariffdesk/rates-cli/internal/model"
	"github.com/tariffdesk/rates-cli/internal/trust"
)

// Mode controls how disagreement between the two sides is resolved.
type Mode string

const (
	// ModeStrict turns every disagreement or one-sided key into a conflict.
	ModeStrict Mode = "strict"
	// ModePreferOfficial lets an authoritative side win disagreements
	// outright; anything without a clear authoritative winner conflicts.
	ModePreferOfficial Mode = "prefer_official"
	// ModeAny always decides, using a deterministic tiebreak. It never
	// produces conflicts.
	ModeAny Mode = "any"
)

// ParseMode converts a CLI/config string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeStrict:
		return ModeStrict, nil
	case ModePreferOfficial:
		return ModePreferOfficial, nil
	case ModeAny:
		return ModeAny, nil
	default:
		return "", eris.Errorf("reconcile: unknown mode: %q (valid: strict, prefer_official, any)", s)
	}
}

// Tolerance defaults. Values agree when their difference is within the
// larger of the absolute epsilon and the relative fraction of the bigger
// magnitude. Both checks are symmetric in their arguments. The numbers
// are deployment policy, not invariants; override via Options.
var (
	DefaultAbsTolerance = decimal.RequireFromString("0.01")
	DefaultRelTolerance = decimal.RequireFromString("0.015")
)

// Options tunes a reconciliation run.
type Options struct {
	AbsTolerance decimal.Decimal
	RelTolerance decimal.Decimal
	Classifier   *trust.Classifier
}

func (o Options) withDefaults() Options {
	if o.AbsTolerance.IsZero() {
		o.AbsTolerance = DefaultAbsTolerance
	}
	if o.RelTolerance.IsZero() {
		o.RelTolerance = DefaultRelTolerance
	}
	if o.Classifier == nil {
		o.Classifier = trust.New(nil)
	}
	return o
}

// Decision is a reconciled canonical row. Primary is the observation
// that becomes the persisted value; Secondary, when set, is the agreeing
// other side kept for audit only.
type Decision struct {
	Primary       model.Observation
	Secondary     *model.Observation
	Authoritative bool
}

// Record converts a decision into the canonical rate row it implies.
func (d Decision) Record() model.RateRecord {
	k := d.Primary.Key()
	tier := model.TierSecondary
	if d.Authoritative {
		tier = model.TierOfficial
	}
	return model.RateRecord{
		Destination:   k.Destination,
		Partner:       k.Partner,
		ProductKey:    k.ProductKey,
		RuleKind:      k.RuleKind,
		Value:         d.Primary.Value,
		Currency:      strings.ToUpper(strings.TrimSpace(d.Primary.Currency)),
		EffectiveFrom: d.Primary.EffectiveFrom,
		EffectiveTo:   d.Primary.EffectiveTo,
		SourceTier:    tier,
	}
}

// Conflict is a key the two sides could not agree on. It is data, not an
// error: the caller decides whether an operator reviews it or a third
// source breaks the tie.
type Conflict struct {
	Key    model.ObservationKey `json:"key"`
	Left   *model.Observation   `json:"left,omitempty"`
	Right  *model.Observation   `json:"right,omitempty"`
	Reason string               `json:"reason"`
}

// Result is the outcome of one reconciliation run. Decided holds at most
// one decision per key; ordering is by key for determinism.
type Result struct {
	Decided   []Decision
	Conflicts []Conflict
}

// Reconcile merges the left and right observation sets. Both sides are
// grouped by the case-normalized comparability key; every key present on
// either side produces exactly one decision or one conflict. The only
// error is an invalid mode; data-quality problems become conflicts.
func Reconcile(left, right []model.Observation, mode Mode, opts Options) (Result, error) {
	switch mode {
	case ModeStrict, ModePreferOfficial, ModeAny:
	default:
		return Result{}, eris.Errorf("reconcile: unknown mode: %q", mode)
	}
	o := opts.withDefaults()

	leftByKey := groupByKey(left)
	rightByKey := groupByKey(right)

	keys := make([]model.ObservationKey, 0, len(leftByKey)+len(rightByKey))
	seen := make(map[model.ObservationKey]bool, len(leftByKey)+len(rightByKey))
	for k := range leftByKey {
		keys = append(keys, k)
		seen[k] = true
	}
	for k := range rightByKey {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var res Result
	for _, k := range keys {
		l, hasLeft := leftByKey[k]
		r, hasRight := rightByKey[k]

		switch {
		case hasLeft && hasRight:
			res.add(reconcilePair(k, l, r, mode, o))
		case hasLeft:
			res.add(reconcileSingle(k, l, true, mode, o))
		default:
			res.add(reconcileSingle(k, r, false, mode, o))
		}
	}
	return res, nil
}

func (r *Result) add(d *Decision, c *Conflict) {
	if d != nil {
		r.Decided = append(r.Decided, *d)
	}
	if c != nil {
		r.Conflicts = append(r.Conflicts, *c)
	}
}

// groupByKey keeps the first observation per key; duplicate keys within
// one side indicate an upstream adapter bug and are ignored rather than
// silently overwritten, keeping the grouping deterministic.
func groupByKey(obs []model.Observation) map[model.ObservationKey]model.Observation {
	m := make(map[model.ObservationKey]model.Observation, len(obs))
	for _, o := range obs {
		k := o.Key()
		if _, exists := m[k]; !exists {
			m[k] = o
		}
	}
	return m
}

func reconcilePair(k model.ObservationKey, l, r model.Observation, mode Mode, o Options) (*Decision, *Conflict) {
	leftAuth := o.Classifier.IsAuthoritative(l.SourceURL)
	rightAuth := o.Classifier.IsAuthoritative(r.SourceURL)

	if agrees(l, r, o) {
		// Agreement: the authoritative side becomes primary when exactly
		// one side is authoritative; otherwise left wins by convention.
		// The other side is retained as secondary for audit.
		primary, secondary, auth := l, r, leftAuth
		if rightAuth && !leftAuth {
			primary, secondary, auth = r, l, true
		}
		return &Decision{Primary: primary, Secondary: &secondary, Authoritative: auth}, nil
	}

	switch mode {
	case ModeStrict:
		return nil, disagreement(k, l, r)
	case ModePreferOfficial:
		if leftAuth != rightAuth {
			// The authoritative side wins outright; the losing value is
			// discarded, not kept as secondary.
			if leftAuth {
				return &Decision{Primary: l, Authoritative: true}, nil
			}
			return &Decision{Primary: r, Authoritative: true}, nil
		}
		return nil, disagreement(k, l, r)
	default: // ModeAny
		if rightAuth && !leftAuth {
			return &Decision{Primary: r, Secondary: &l, Authoritative: true}, nil
		}
		return &Decision{Primary: l, Secondary: &r, Authoritative: leftAuth}, nil
	}
}

func reconcileSingle(k model.ObservationKey, obs model.Observation, isLeft bool, mode Mode, o Options) (*Decision, *Conflict) {
	auth := o.Classifier.IsAuthoritative(obs.SourceURL)

	onlyOne := func(reason string) *Conflict {
		c := &Conflict{Key: k, Reason: reason}
		if isLeft {
			c.Left = &obs
		} else {
			c.Right = &obs
		}
		return c
	}

	switch mode {
	case ModeStrict:
		return nil, onlyOne("present in only one source")
	case ModePreferOfficial:
		if auth {
			return &Decision{Primary: obs, Authoritative: true}, nil
		}
		return nil, onlyOne("present only in a non-authoritative source")
	default: // ModeAny
		return &Decision{Primary: obs, Authoritative: auth}, nil
	}
}

func disagreement(k model.ObservationKey, l, r model.Observation) *Conflict {
	return &Conflict{Key: k, Left: &l, Right: &r, Reason: "sources disagree"}
}

// agrees tests whether two comparable observations describe the same
// value: decimals within tolerance and ancillary fields exactly equal.
func agrees(l, r model.Observation, o Options) bool {
	if !strings.EqualFold(strings.TrimSpace(l.Currency), strings.TrimSpace(r.Currency)) {
		return false
	}
	lv, err := decimal.NewFromString(strings.TrimSpace(l.Value))
	if err != nil {
		return false
	}
	rv, err := decimal.NewFromString(strings.TrimSpace(r.Value))
	if err != nil {
		return false
	}
	diff := lv.Sub(rv).Abs()

	maxMag := lv.Abs()
	if rv.Abs().GreaterThan(maxMag) {
		maxMag = rv.Abs()
	}
	tol := o.AbsTolerance
	if rel := o.RelTolerance.Mul(maxMag); rel.GreaterThan(tol) {
		tol = rel
	}
	return diff.LessThanOrEqual(tol)
}
