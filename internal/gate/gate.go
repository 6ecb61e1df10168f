// Package gate decides whether a classifier ranking is trustworthy enough to
// name a species.
package gate

import (
	"math"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/example/flower-id/internal/classifier"
)

// Threshold is the minimum confidence, inclusive, for a prediction to be accepted.
const Threshold float32 = 0.5

// Verdict classifies the gate decision.
type Verdict int

const (
	// Unrecognized means the classifier produced nothing usable.
	Unrecognized Verdict = iota
	// Rejected means the top prediction fell below Threshold.
	Rejected
	// Accepted means the top prediction names the species.
	Accepted
)

func (v Verdict) String() string {
	switch v {
	case Rejected:
		return "rejected"
	case Accepted:
		return "accepted"
	default:
		return "unrecognized"
	}
}

// Outcome is the result of Evaluate. Label is only set when Verdict is Accepted.
type Outcome struct {
	Verdict    Verdict
	Label      string
	RawLabel   string
	Confidence float32
}

// Evaluate picks the highest-confidence prediction and compares it against
// Threshold. Non-finite confidences are skipped. Ties keep the earliest entry,
// so a correctly ordered ranking behaves exactly as if only its first element
// were inspected.
func Evaluate(predictions []classifier.Prediction) Outcome {
	var (
		top   classifier.Prediction
		found bool
	)
	for _, p := range predictions {
		c := float64(p.Confidence)
		if math.IsNaN(c) || math.IsInf(c, 0) {
			continue
		}
		if !found || p.Confidence > top.Confidence {
			top, found = p, true
		}
	}
	if !found {
		return Outcome{Verdict: Unrecognized}
	}

	if top.Confidence >= Threshold {
		return Outcome{
			Verdict:    Accepted,
			Label:      DisplayName(top.Label),
			RawLabel:   top.Label,
			Confidence: top.Confidence,
		}
	}
	return Outcome{Verdict: Rejected, RawLabel: top.Label, Confidence: top.Confidence}
}

// DisplayName capitalizes the first letter of every word and lowercases the
// rest ("bird of PARADISE" -> "Bird Of Paradise"). It is idempotent.
func DisplayName(raw string) string {
	// cases.Caser is stateful; build one per call.
	return cases.Title(language.English).String(raw)
}
