package engine

import (
	"github.com/openfroyo/grcsync/pkg/declarative"
)

// Outcome is the classification of one field by the three-way comparison.
type Outcome string

const (
	// OutcomeNoChange: the declared value already equals the live value.
	OutcomeNoChange Outcome = "no_change"
	// OutcomeUpdate: live still matches the last applied value, so writing
	// the declared value loses nothing.
	OutcomeUpdate Outcome = "update"
	// OutcomeWarning: only the live side changed; re-applying overwrites it.
	OutcomeWarning Outcome = "warning"
	// OutcomeError: both sides changed since the last apply.
	OutcomeError Outcome = "error"
)

// IsConflict reports whether the outcome produces a conflict item.
func (o Outcome) IsConflict() bool {
	return o == OutcomeWarning || o == OutcomeError
}

// Comparison holds the three pairwise equalities of a field.
type Comparison struct {
	DeclaredEqualsLive        bool
	LiveEqualsLastApplied     bool
	DeclaredEqualsLastApplied bool
}

// Compare computes the pairwise equalities of declared, live and last
// applied values. Absent values are nil.
func Compare(declared, live, lastApplied interface{}) Comparison {
	return Comparison{
		DeclaredEqualsLive:        declarative.ValuesEqual(declared, live),
		LiveEqualsLastApplied:     declarative.ValuesEqual(live, lastApplied),
		DeclaredEqualsLastApplied: declarative.ValuesEqual(declared, lastApplied),
	}
}

// Classify maps a comparison to its outcome:
//
//	decl == live                  -> no_change
//	live == last                  -> update
//	decl == last                  -> warning
//	all three pairwise different  -> error
func Classify(c Comparison) Outcome {
	switch {
	case c.DeclaredEqualsLive:
		return OutcomeNoChange
	case c.LiveEqualsLastApplied:
		return OutcomeUpdate
	case c.DeclaredEqualsLastApplied:
		return OutcomeWarning
	default:
		return OutcomeError
	}
}

// Severity returns the conflict severity of a conflicting outcome.
func (o Outcome) Severity() Severity {
	if o == OutcomeError {
		return SeverityError
	}
	return SeverityWarning
}
