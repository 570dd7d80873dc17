package review

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ShayCichocki/conclave/internal/config"
	"github.com/ShayCichocki/conclave/pkg/models"
)

func TestKeywordClassifier_Precedence(t *testing.T) {
	c := NewKeywordClassifier(config.KeywordsConfig{})

	tests := []struct {
		name       string
		statement  string
		want       models.ReviewDecision
		deferrable bool
	}{
		{"no risk and approval", "No risk here, I approve.", models.DecisionApproved, false},
		{"no blockers is not a blocker", "No blockers from QA. Approve.", models.DecisionApproved, false},
		{"approval with deferral", "Approve. Rate limiting is out of scope for the MVP; we can monitor it post-merge.", models.DecisionApproved, true},
		{"hard blocker beats deferral", "Approve for the MVP, but the data loss on retry is a must fix.", models.DecisionHold, false},
		{"plain hold", "Hold: the error messages need changes before merge.", models.DecisionHold, false},
		{"deferral alone is a deferrable hold", "We should monitor latency in a follow-up.", models.DecisionHold, true},
		{"approval alone", "LGTM, ship it.", models.DecisionApproved, false},
		{"nothing", "I read the diff.", models.DecisionReviewing, false},
		{"threshold is not hold", "The threshold values look sane.", models.DecisionReviewing, false},
		{"korean approval", "리스크 없습니다. 승인합니다.", models.DecisionApproved, false},
		{"korean hold", "보류합니다. 수정 필요합니다.", models.DecisionHold, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.statement)
			assert.Equal(t, tt.want, got.Decision)
			assert.Equal(t, tt.deferrable, got.Deferrable())
		})
	}
}

func TestKeywordClassifier_ConfiguredPhrases(t *testing.T) {
	c := NewKeywordClassifier(config.KeywordsConfig{
		Approval: []string{"rubber stamp"},
		Hold:     []string{"parking this"},
	})
	assert.Equal(t, models.DecisionApproved, c.Classify("Rubber stamp from design.").Decision)
	assert.Equal(t, models.DecisionHold, c.Classify("Parking this until the copy is final.").Decision)
}
