package jobctrl

import (
	"testing"

	"scribed/src/core/jobtrack"
)

func TestTransitionSources(t *testing.T) {
	cases := []struct {
		to   jobtrack.JobStatus
		want []jobtrack.JobStatus
	}{
		{jobtrack.JobStatusPending, []jobtrack.JobStatus{jobtrack.JobStatusPending}},
		{jobtrack.JobStatusProcessing, []jobtrack.JobStatus{jobtrack.JobStatusPending, jobtrack.JobStatusProcessing}},
		{jobtrack.JobStatusCompleted, []jobtrack.JobStatus{jobtrack.JobStatusPending, jobtrack.JobStatusProcessing, jobtrack.JobStatusCompleted}},
		{jobtrack.JobStatusFailed, []jobtrack.JobStatus{jobtrack.JobStatusPending, jobtrack.JobStatusProcessing, jobtrack.JobStatusFailed}},
	}

	for _, tc := range cases {
		got := transitionSources(tc.to)
		if len(got) != len(tc.want) {
			t.Errorf("transitionSources(%s) = %v, want %v", tc.to, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("transitionSources(%s) = %v, want %v", tc.to, got, tc.want)
				break
			}
		}
	}

	// A terminal row never matches the guard for a different terminal, so
	// a duplicate late update affects zero rows regardless of interleaving.
	for _, from := range transitionSources(jobtrack.JobStatusFailed) {
		if from == jobtrack.JobStatusCompleted {
			t.Error("completed must not be a source for failed")
		}
	}
}
