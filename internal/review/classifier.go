// Package review runs the simulated consensus meetings that decide whether
// finished work is approved, sent back for remediation, or finalized with
// documented residual risk.
package review

import (
	"github.com/ShayCichocki/conclave/internal/config"
	"github.com/ShayCichocki/conclave/internal/lang"
	"github.com/ShayCichocki/conclave/pkg/models"
)

// Classification is the decision for one final statement and the signals
// that produced it.
type Classification struct {
	Decision models.ReviewDecision
	Signals  lang.Signals
}

// Deferrable reports whether a hold only asks for post-merge follow-up:
// deferral language is present and no hard blocker is.
func (c Classification) Deferrable() bool {
	return IsDeferrable(c.Signals)
}

// SignalClassifier decides a leader's position from a final statement.
type SignalClassifier interface {
	Classify(statement string) Classification
}

// KeywordClassifier classifies statements with keyword families.
type KeywordClassifier struct {
	detector *lang.Classifier
}

var _ SignalClassifier = (*KeywordClassifier)(nil)

// NewKeywordClassifier creates a classifier over the built-in families
// extended with the configured phrases.
func NewKeywordClassifier(extra config.KeywordsConfig) *KeywordClassifier {
	families := lang.DefaultFamilies().Merge(lang.Families{
		Approval:    extra.Approval,
		NoRisk:      extra.NoRisk,
		Deferral:    extra.Deferral,
		HardBlocker: extra.HardBlocker,
		Hold:        extra.Hold,
	})
	return &KeywordClassifier{detector: lang.NewClassifier(families)}
}

// Classify applies the rules in order:
//  1. no-risk and approval language: approved
//  2. approval with deferral language and no hard blocker: approved
//  3. any hold, risk or blocker language left: hold
//  4. approval or no-risk language alone: approved, else reviewing
func (k *KeywordClassifier) Classify(statement string) Classification {
	s := k.detector.Classify(statement)
	return Classification{Decision: decide(s), Signals: s}
}

func decide(s lang.Signals) models.ReviewDecision {
	switch {
	case s.NoRisk && s.Approval:
		return models.DecisionApproved
	case s.Approval && s.Deferral && !s.HardBlocker:
		return models.DecisionApproved
	case s.Hold || s.HardBlocker || s.Deferral:
		return models.DecisionHold
	case s.Approval || s.NoRisk:
		return models.DecisionApproved
	default:
		return models.DecisionReviewing
	}
}

// IsDeferrable reports whether signals describe a deferrable hold.
func IsDeferrable(s lang.Signals) bool {
	return s.Deferral && !s.HardBlocker
}
