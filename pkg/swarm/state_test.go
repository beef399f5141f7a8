package swarm

import "testing"

func TestCanTransitionAllowsDiagramEdges(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{Initializing, Discovering, true},
		{Discovering, Downloading, true},
		{Downloading, Verifying, true},
		{Verifying, Seeding, true},
		{Seeding, Paused, true},
		{Paused, Discovering, true},
		{Failed, Discovering, true},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCanTransitionRejectsSkippingStates(t *testing.T) {
	if canTransition(Initializing, Seeding) {
		t.Error("Initializing should not transition directly to Seeding")
	}
	if canTransition(Seeding, Initializing) {
		t.Error("Seeding should never transition back to Initializing")
	}
}

func TestStateStringsAreStable(t *testing.T) {
	cases := map[State]string{
		Initializing: "initializing",
		Discovering:  "discovering",
		Downloading:  "downloading",
		Verifying:    "verifying",
		Seeding:      "seeding",
		Paused:       "paused",
		Failed:       "failed",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
