package review

import (
	"strings"
	"unicode"

	"github.com/ShayCichocki/conclave/internal/lang"
)

// Hold is one leader's hold position in a round.
type Hold struct {
	AgentID        string
	DepartmentID   string
	DepartmentName string
	// Note is the leader's final statement.
	Note       string
	Deferrable bool
}

// Admission is the disposition of a round's holds.
type Admission struct {
	// Admitted holds count toward revision.
	Admitted []Hold
	// Deferred holds become post-merge monitoring notes.
	Deferred []Hold
	// Overflow holds exceeded a cap and are ignored for the round.
	Overflow []Hold
}

// AdmitHolds splits holds into deferred, admitted and overflow, in input
// order. Non-deferrable holds are admitted until perRound holds have been
// admitted in total or perDepartment from one department. A cap <= 0 is
// not enforced.
func AdmitHolds(holds []Hold, perRound, perDepartment int) Admission {
	var a Admission
	byDept := make(map[string]int)

	for _, h := range holds {
		if h.Deferrable {
			a.Deferred = append(a.Deferred, h)
			continue
		}
		if perRound > 0 && len(a.Admitted) >= perRound {
			a.Overflow = append(a.Overflow, h)
			continue
		}
		if perDepartment > 0 && byDept[h.DepartmentID] >= perDepartment {
			a.Overflow = append(a.Overflow, h)
			continue
		}
		byDept[h.DepartmentID]++
		a.Admitted = append(a.Admitted, h)
	}
	return a
}

// NormalizeNote returns the dedup key for a remediation note: case-folded,
// punctuation and symbols removed, whitespace collapsed.
func NormalizeNote(note string) string {
	folded := lang.Fold(note)
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
