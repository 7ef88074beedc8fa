package extract

import (
	"fmt"
	"math"
)

// Limits bounds what counts as a plausible price.
type Limits struct {
	Min float64
	Max float64
}

// DefaultLimits matches the catalog's real price range with wide margins.
func DefaultLimits() Limits {
	return Limits{Min: 1, Max: 50_000}
}

func (l Limits) withDefaults() Limits {
	if l.Min <= 0 {
		l.Min = 1
	}
	if l.Max <= 0 {
		l.Max = 50_000
	}
	return l
}

// AnomalyError rejects a candidate price that looks like it was read from the
// wrong DOM element. It never escapes the extractor; it only causes a
// fall-through to the next strategy.
type AnomalyError struct {
	Price     float64
	Reference float64
	Reason    string
}

func (e *AnomalyError) Error() string {
	return fmt.Sprintf("implausible price %.2f: %s", e.Price, e.Reason)
}

// Validate checks a candidate against the bounds and, when a reference price
// for the same target is known, against the round-number drift rule. The
// round-number rule exists to catch extraction from page metadata or an
// unrelated product rather than the genuine listed price.
func (l Limits) Validate(price, reference float64) error {
	if price < l.Min {
		return &AnomalyError{Price: price, Reference: reference, Reason: fmt.Sprintf("below minimum %.2f", l.Min)}
	}
	if price > l.Max {
		return &AnomalyError{Price: price, Reference: reference, Reason: fmt.Sprintf("above maximum %.2f", l.Max)}
	}

	if reference <= 0 || !suspiciouslyRound(price) {
		return nil
	}

	// A small known price jumping to a large round one is the classic
	// wrong-element signature, so the tolerance is tighter.
	tolerance := 1.0
	if reference < 100 && price >= 1000 {
		tolerance = 0.5
	}
	deviation := math.Abs(price-reference) / reference
	if deviation > tolerance {
		return &AnomalyError{Price: price, Reference: reference, Reason: "round number drifted too far from reference"}
	}
	return nil
}

func suspiciouslyRound(price float64) bool {
	if price < 1000 {
		return false
	}
	return math.Mod(price, 100) == 0
}
