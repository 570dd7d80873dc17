package review

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdmitHolds_Caps(t *testing.T) {
	holds := []Hold{
		{DepartmentID: "qa", Note: "a"},
		{DepartmentID: "qa", Note: "b"},
		{DepartmentID: "design", Note: "c", Deferrable: true},
		{DepartmentID: "design", Note: "d"},
		{DepartmentID: "eng", Note: "e"},
	}

	a := AdmitHolds(holds, 2, 1)
	assert.Equal(t, []string{"a", "d"}, notes(a.Admitted))
	assert.Equal(t, []string{"c"}, notes(a.Deferred))
	assert.Equal(t, []string{"b", "e"}, notes(a.Overflow))
}

func TestAdmitHolds_NoCaps(t *testing.T) {
	holds := []Hold{{DepartmentID: "qa"}, {DepartmentID: "qa"}, {DepartmentID: "qa"}}
	a := AdmitHolds(holds, 0, 0)
	assert.Len(t, a.Admitted, 3)
	assert.Empty(t, a.Overflow)
}

// For every mix of departments and caps, no department exceeds its cap and
// the round total never exceeds the round cap.
func TestAdmitHolds_CapsNeverExceeded(t *testing.T) {
	depts := []string{"eng", "qa", "design", "ops"}
	for n := 0; n <= 12; n++ {
		var holds []Hold
		for i := 0; i < n; i++ {
			holds = append(holds, Hold{DepartmentID: depts[(i*7+n)%len(depts)], Note: fmt.Sprint(i), Deferrable: i%5 == 4})
		}
		for roundCap := 1; roundCap <= 5; roundCap++ {
			for deptCap := 1; deptCap <= 3; deptCap++ {
				a := AdmitHolds(holds, roundCap, deptCap)

				assert.LessOrEqual(t, len(a.Admitted), roundCap)
				perDept := map[string]int{}
				for _, h := range a.Admitted {
					perDept[h.DepartmentID]++
					assert.False(t, h.Deferrable)
				}
				for d, c := range perDept {
					assert.LessOrEqualf(t, c, deptCap, "department %s", d)
				}
				assert.Equal(t, n, len(a.Admitted)+len(a.Deferred)+len(a.Overflow))
			}
		}
	}
}

func TestNormalizeNote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Add a backoff cap!", "add a backoff cap"},
		{"  ADD a   backoff-cap.  ", "add a backoff cap"},
		{"Fix: «retry» logic (again)", "fix retry logic again"},
		{"재시도 로직을 수정하세요.", "재시도 로직을 수정하세요"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeNote(tt.in), tt.in)
	}
	assert.Equal(t, NormalizeNote("Add a backoff cap!"), NormalizeNote("add a BACKOFF cap"))
}

func notes(hs []Hold) []string {
	var out []string
	for _, h := range hs {
		out = append(out, h.Note)
	}
	return out
}
