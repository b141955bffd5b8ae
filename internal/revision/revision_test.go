package revision

import (
	"testing"

	"shellcore/internal/state"
)

func patch(from, to int64) Patch {
	return Patch{FromRevision: from, ToRevision: to, Ops: []Op{{Kind: OpSetActiveTab, ActiveTabID: state.TabID(to)}}}
}

func TestLogSinceReturnsOnlyNewerPatches(t *testing.T) {
	l := NewLog(10)
	l.Append(patch(0, 1))
	l.Append(patch(1, 2))
	l.Append(patch(2, 3))

	got, ok := l.Since(1)
	if !ok {
		t.Fatal("expected the range to be available")
	}
	if len(got) != 2 || got[0].ToRevision != 2 || got[1].ToRevision != 3 {
		t.Fatalf("expected patches producing revisions 2 and 3, got %+v", got)
	}
}

func TestLogSinceAtHeadReturnsEmpty(t *testing.T) {
	l := NewLog(10)
	l.Append(patch(0, 1))
	l.Append(patch(1, 2))

	got, ok := l.Since(2)
	if !ok {
		t.Fatal("expected the range to be available even though there is nothing to replay")
	}
	if len(got) != 0 {
		t.Fatalf("expected no patches past the head, got %+v", got)
	}
}

// Once the log has evicted the entry a chrome mirror needs to resume from,
// Since must signal that a full Snapshot is required rather than silently
// skip ahead.
func TestLogSinceRequiresResyncPastRetention(t *testing.T) {
	l := NewLog(2)
	l.Append(patch(0, 1))
	l.Append(patch(1, 2))
	l.Append(patch(2, 3)) // evicts the 0->1 entry

	if _, ok := l.Since(0); ok {
		t.Fatal("expected resync required for a revision older than the retained window")
	}
	got, ok := l.Since(1)
	if !ok || len(got) != 2 {
		t.Fatalf("expected both retained patches replayed from revision 1, got %v ok=%v", got, ok)
	}
}

func TestLogSinceEmptyLogAtZeroIsUpToDate(t *testing.T) {
	l := NewLog(10)
	got, ok := l.Since(0)
	if !ok || len(got) != 0 {
		t.Fatalf("expected an empty log at revision 0 to need no replay, got %v ok=%v", got, ok)
	}
}

func TestLogSinceEmptyLogPastZeroRequiresResync(t *testing.T) {
	l := NewLog(10)
	if _, ok := l.Since(5); ok {
		t.Fatal("expected a claimed revision with nothing in an empty log to require a resync")
	}
}

func TestOpKindStringCoversEveryKind(t *testing.T) {
	kinds := []OpKind{
		OpUpsertProfile, OpDeleteProfile, OpUpsertWorkspace, OpDeleteWorkspace,
		OpUpsertTab, OpDeleteTab, OpSetActiveProfile, OpSetSetting,
		OpSetWorkspaceOrder, OpSetTabOrder, OpSetActiveWorkspace, OpSetActiveTab,
		OpSetTabRuntime,
	}
	seen := map[string]bool{}
	for _, k := range kinds {
		s := k.String()
		if s == "unknown" || s == "" {
			t.Fatalf("OpKind %d stringifies to %q", int(k), s)
		}
		if seen[s] {
			t.Fatalf("duplicate OpKind string %q", s)
		}
		seen[s] = true
	}
	if got := OpKind(999).String(); got != "unknown" {
		t.Fatalf("expected unrecognized OpKind to stringify to unknown, got %q", got)
	}
}

// Apply refuses a patch whose FromRevision does not match the mirror's
// revision: the caller must resync with a full snapshot instead.
func TestApplyRejectsRevisionGap(t *testing.T) {
	s := state.New()
	s.Revision = 3
	_, err := Apply(s, patch(5, 6))
	if err == nil {
		t.Fatal("expected a gap between mirror and patch to be rejected")
	}
	se, ok := err.(*state.Error)
	if !ok || se.Kind != state.ResyncNeeded {
		t.Fatalf("expected ResyncNeeded, got %v", err)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	s := state.New()
	s.Profiles[1] = &state.Profile{ID: 1, Name: "Default"}
	p := Patch{FromRevision: 0, ToRevision: 1, Ops: []Op{
		{Kind: OpUpsertProfile, Profile: &state.Profile{ID: 1, Name: "Renamed"}},
	}}
	next, err := Apply(s, p)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if s.Profiles[1].Name != "Default" || s.Revision != 0 {
		t.Fatal("Apply mutated its input state")
	}
	if next.Profiles[1].Name != "Renamed" || next.Revision != 1 {
		t.Fatalf("Apply did not produce the successor, got %+v at revision %d", next.Profiles[1], next.Revision)
	}
}

func TestLogCapacityClampedToOne(t *testing.T) {
	l := NewLog(0)
	l.Append(patch(0, 1))
	l.Append(patch(1, 2))
	if len(l.entries) != 1 {
		t.Fatalf("expected a zero-or-negative capacity clamped to 1, got %d entries", len(l.entries))
	}
}
