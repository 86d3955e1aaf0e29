package analysis

import (
	"context"
	"fmt"
	"strconv"
)

// Verdicts reported by AuthenticityScorer.
const (
	VerdictAuthentic    = "authentic"
	VerdictInconclusive = "inconclusive"
	VerdictSuspicious   = "suspicious"
)

var severityPenalty = map[Severity]int{
	SeverityHigh:   35,
	SeverityMedium: 15,
	SeverityLow:    5,
}

// AuthenticityScorer turns the findings of earlier stages into a 0-100 score
// and a verdict.
type AuthenticityScorer struct{}

func (AuthenticityScorer) Name() string { return "authenticity-score" }

func (AuthenticityScorer) Supports(string) bool { return true }

func (p AuthenticityScorer) Run(_ context.Context, in Input) (Output, error) {
	findings := Findings(in.Prior)
	score := 100
	counts := map[Severity]int{}
	for _, f := range findings {
		score -= severityPenalty[f.Severity]
		counts[f.Severity]++
	}
	if score < 0 {
		score = 0
	}

	verdict := VerdictSuspicious
	switch {
	case score >= 80:
		verdict = VerdictAuthentic
	case score >= 50:
		verdict = VerdictInconclusive
	}
	examined := PriorAttribute(in.Prior, AttrCoverage) == "full"
	if verdict == VerdictAuthentic && !examined {
		verdict = VerdictInconclusive
	}

	return Output{
		Provider: p.Name(),
		Summary:  fmt.Sprintf("%s (score %d, %d findings)", verdict, score, len(findings)),
		Attributes: map[string]string{
			"findings_high":   strconv.Itoa(counts[SeverityHigh]),
			"findings_medium": strconv.Itoa(counts[SeverityMedium]),
			"findings_low":    strconv.Itoa(counts[SeverityLow]),
			"examined":        strconv.FormatBool(examined),
		},
		Score:   &score,
		Verdict: verdict,
	}, nil
}
