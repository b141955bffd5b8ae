package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"shellcore/internal/intent"
	"shellcore/internal/revision"
	"shellcore/internal/state"
	"shellcore/pkg/logging"
)

// fakeReducer is a scripted stand-in for the supervisor's mutation thread,
// just enough to drive dispatch's parsing and response shaping without a
// real reducer or persistence store.
type fakeReducer struct {
	snap         revision.Snapshot
	submitErr    error
	lastIn       intent.Intent
	sincePatches []revision.Patch
	sinceOK      bool
}

func (f *fakeReducer) Submit(ctx context.Context, in intent.Intent) (revision.Patch, error) {
	f.lastIn = in
	if f.submitErr != nil {
		return revision.Patch{}, f.submitErr
	}
	return revision.Patch{FromRevision: f.snap.Revision, ToRevision: f.snap.Revision + 1}, nil
}

func (f *fakeReducer) Snapshot() revision.Snapshot { return f.snap }

func (f *fakeReducer) Since(fromRevision int64) ([]revision.Patch, bool) {
	return f.sincePatches, f.sinceOK
}

func testServer(r Reducer) *Server {
	log := logging.NewDefault()
	return newServer(r, nil, log, 1000, 1000)
}

// SetRateLimit takes effect on a running server without reconstruction.
func TestSetRateLimitAppliesLive(t *testing.T) {
	s := testServer(&fakeReducer{})
	if reply := s.dispatch("ui_ready"); reply != "" {
		t.Fatalf("expected the generous default limit to admit the request, got %q", reply)
	}
	s.SetRateLimit(0, 0)
	reply := s.dispatch("ui_ready")
	if !strings.HasPrefix(reply, "ERR "+state.MalformedIntent.String()) {
		t.Fatalf("expected the zeroed limit to reject, got %q", reply)
	}
}

func TestDispatchUnknownVerbIsRejected(t *testing.T) {
	s := testServer(&fakeReducer{})
	reply := s.dispatch("frobnicate 1")
	if !strings.HasPrefix(reply, "ERR "+state.MalformedIntent.String()) {
		t.Fatalf("expected a malformed-intent error, got %q", reply)
	}
	if s.Rejected() != 1 {
		t.Fatalf("expected the rejected counter to increment, got %d", s.Rejected())
	}
}

func TestDispatchUiReadySubmitsIntent(t *testing.T) {
	fr := &fakeReducer{}
	s := testServer(fr)
	reply := s.dispatch("ui_ready")
	if reply != "" {
		t.Fatalf("expected an empty reply for an accepted mutation, got %q", reply)
	}
	if fr.lastIn.Kind != intent.UiReady {
		t.Fatalf("expected a UiReady intent submitted, got %v", fr.lastIn.Kind)
	}
}

func TestDispatchActivateTabParsesID(t *testing.T) {
	fr := &fakeReducer{}
	s := testServer(fr)
	s.dispatch("activate_tab 42")
	if fr.lastIn.Kind != intent.ActivateTab || fr.lastIn.TabID != 42 {
		t.Fatalf("expected ActivateTab{TabID:42}, got %+v", fr.lastIn)
	}
}

func TestDispatchActivateTabRejectsMalformedID(t *testing.T) {
	s := testServer(&fakeReducer{})
	reply := s.dispatch("activate_tab not-a-number")
	if !strings.HasPrefix(reply, "ERR "+state.MalformedIntent.String()) {
		t.Fatalf("expected malformed-intent error, got %q", reply)
	}
}

func TestDispatchPinTabParsesOnOff(t *testing.T) {
	fr := &fakeReducer{}
	s := testServer(fr)
	s.dispatch("pin_tab 4 on")
	if fr.lastIn.Kind != intent.PinTab || fr.lastIn.TabID != 4 {
		t.Fatalf("expected PinTab{TabID:4}, got %+v", fr.lastIn)
	}
	s.dispatch("pin_tab 4 off")
	if fr.lastIn.Kind != intent.UnpinTab {
		t.Fatalf("expected UnpinTab, got %+v", fr.lastIn)
	}
	if reply := s.dispatch("pin_tab 4 sideways"); !strings.HasPrefix(reply, "ERR ") {
		t.Fatalf("expected malformed pin arg rejected, got %q", reply)
	}
}

func TestDispatchMoveTabParsesAllThreeArgs(t *testing.T) {
	fr := &fakeReducer{}
	s := testServer(fr)
	s.dispatch("move_tab 9 2 0")
	if fr.lastIn.Kind != intent.MoveTab || fr.lastIn.TabID != 9 || fr.lastIn.DestWorkspaceID != 2 || fr.lastIn.DestIndex != 0 {
		t.Fatalf("expected MoveTab{9,2,0}, got %+v", fr.lastIn)
	}
	if reply := s.dispatch("move_tab 9 2"); !strings.HasPrefix(reply, "ERR ") {
		t.Fatalf("expected missing index rejected, got %q", reply)
	}
}

func TestDispatchNewWorkspaceSplitsIDAndName(t *testing.T) {
	fr := &fakeReducer{}
	s := testServer(fr)
	s.dispatch("new_workspace 7 Research Notes")
	if fr.lastIn.Kind != intent.NewWorkspace || fr.lastIn.ProfileID != 7 || fr.lastIn.Name != "Research Notes" {
		t.Fatalf("expected NewWorkspace{ProfileID:7,Name:\"Research Notes\"}, got %+v", fr.lastIn)
	}
}

func TestDispatchSettingSetTextSplitsKeyAndValue(t *testing.T) {
	fr := &fakeReducer{}
	s := testServer(fr)
	s.dispatch("setting_set_text search_engine https://duckduckgo.com/?q=")
	if fr.lastIn.Kind != intent.SettingSetText || fr.lastIn.SettingKey != "search_engine" || fr.lastIn.SettingValue != "https://duckduckgo.com/?q=" {
		t.Fatalf("expected SettingSetText split correctly, got %+v", fr.lastIn)
	}
}

func TestDispatchFrameCommittedParsesRevision(t *testing.T) {
	fr := &fakeReducer{}
	s := testServer(fr)
	s.dispatch("frame_committed 9")
	if fr.lastIn.Kind != intent.FrameCommitted || fr.lastIn.Revision != 9 {
		t.Fatalf("expected FrameCommitted{Revision:9}, got %+v", fr.lastIn)
	}
}

func TestDispatchFrameCommittedRequiresArg(t *testing.T) {
	s := testServer(&fakeReducer{})
	reply := s.dispatch("frame_committed")
	if !strings.HasPrefix(reply, "ERR "+state.MalformedIntent.String()) {
		t.Fatalf("expected malformed-intent error for missing revision, got %q", reply)
	}
}

func TestDispatchSubmitErrorRendersErrLine(t *testing.T) {
	fr := &fakeReducer{submitErr: state.Newf(state.InvariantViolation, "cannot delete the last profile")}
	s := testServer(fr)
	reply := s.dispatch("delete_profile 1")
	want := "ERR " + state.InvariantViolation.String() + " cannot delete the last profile"
	if reply != want {
		t.Fatalf("expected %q, got %q", want, reply)
	}
}

func TestDispatchUiOverlayTogglesObserver(t *testing.T) {
	obs := &fakeOverlay{}
	s := newServer(&fakeReducer{}, obs, logging.NewDefault(), 1000, 1000)

	if reply := s.dispatch("ui_overlay on"); reply != "" {
		t.Fatalf("expected empty reply, got %q", reply)
	}
	if !obs.visible {
		t.Fatal("expected overlay set visible")
	}
	s.dispatch("ui_overlay off")
	if obs.visible {
		t.Fatal("expected overlay set hidden")
	}
}

func TestDispatchUiOverlayRejectsBadArg(t *testing.T) {
	s := testServer(&fakeReducer{})
	reply := s.dispatch("ui_overlay sideways")
	if !strings.HasPrefix(reply, "ERR "+state.MalformedIntent.String()) {
		t.Fatalf("expected malformed-intent error, got %q", reply)
	}
}

func TestHandleQueryShellStateEncodesSnapshot(t *testing.T) {
	st := state.New()
	st.ActiveProfileID = 1
	st.Profiles[1] = &state.Profile{ID: 1, Name: "Default", ActiveWorkspaceID: 1}
	st.Workspaces[1] = &state.Workspace{ID: 1, ProfileID: 1, Name: "Home", ActiveTabID: 1}
	st.Tabs[1] = &state.Tab{ID: 1, URL: "https://example.com", Title: "Example", Runtime: &state.TabRuntime{}}

	fr := &fakeReducer{snap: revision.Snapshot{Revision: 3, State: st}}
	s := testServer(fr)

	reply := s.dispatch("query_shell_state")
	var out shellState
	if err := json.Unmarshal([]byte(reply), &out); err != nil {
		t.Fatalf("expected valid JSON, got %q: %v", reply, err)
	}
	if out.Revision != 3 || out.ActiveProfileID != 1 {
		t.Fatalf("unexpected shell state: %+v", out)
	}
	if len(out.Profiles) != 1 || len(out.Workspaces) != 1 || len(out.Tabs) != 1 {
		t.Fatalf("expected one of each entity, got %+v", out)
	}
}

// A poll carrying a current_revision the log still covers is answered
// with the patch chain rather than a full snapshot.
func TestQueryShellStateWithRevisionServesPatchChain(t *testing.T) {
	fr := &fakeReducer{
		sinceOK: true,
		sincePatches: []revision.Patch{
			{FromRevision: 3, ToRevision: 4, Ops: []revision.Op{
				{Kind: revision.OpSetActiveTab, WorkspaceID: 1, ActiveTabID: 7},
			}},
			{FromRevision: 4, ToRevision: 5, Ops: []revision.Op{
				{Kind: revision.OpSetSetting, SettingKey: "homepage", SettingValue: "https://home.example"},
			}},
		},
	}
	s := testServer(fr)

	reply := s.dispatch("query_shell_state 3")
	var chain patchChain
	if err := json.Unmarshal([]byte(reply), &chain); err != nil {
		t.Fatalf("expected a patch chain, got %q: %v", reply, err)
	}
	if chain.Revision != 5 || len(chain.Patches) != 2 {
		t.Fatalf("unexpected chain: %+v", chain)
	}
	if op := chain.Patches[0].Ops[0]; op.Op != "set_active_tab" || op.ActiveTabID != 7 {
		t.Fatalf("unexpected first op: %+v", op)
	}
	if op := chain.Patches[1].Ops[0]; op.Op != "set_setting" || op.Key != "homepage" {
		t.Fatalf("unexpected second op: %+v", op)
	}
}

// A poll whose revision has aged out of the patch log resyncs with a
// full snapshot.
func TestQueryShellStateStaleRevisionFallsBackToSnapshot(t *testing.T) {
	st := state.New()
	st.ActiveProfileID = 1
	st.Profiles[1] = &state.Profile{ID: 1, Name: "Default"}
	fr := &fakeReducer{snap: revision.Snapshot{Revision: 9, State: st}, sinceOK: false}
	s := testServer(fr)

	reply := s.dispatch("query_shell_state 1")
	var out shellState
	if err := json.Unmarshal([]byte(reply), &out); err != nil {
		t.Fatalf("expected a snapshot, got %q: %v", reply, err)
	}
	if out.Revision != 9 || len(out.Profiles) != 1 {
		t.Fatalf("unexpected snapshot: %+v", out)
	}
}

func TestHandleQueryActiveURIReturnsActiveTabURL(t *testing.T) {
	st := state.New()
	st.ActiveProfileID = 1
	st.Profiles[1] = &state.Profile{ID: 1, ActiveWorkspaceID: 1}
	st.Workspaces[1] = &state.Workspace{ID: 1, ActiveTabID: 1}
	st.Tabs[1] = &state.Tab{ID: 1, URL: "https://example.com", Runtime: &state.TabRuntime{}}

	s := testServer(&fakeReducer{snap: revision.Snapshot{State: st}})
	if got := s.dispatch("query_active_uri"); got != "https://example.com" {
		t.Fatalf("expected the active tab's URL, got %q", got)
	}
}

func TestHandleNavigateRequiresActiveTab(t *testing.T) {
	st := state.New()
	st.ActiveProfileID = 1
	st.Profiles[1] = &state.Profile{ID: 1, ActiveWorkspaceID: 1}
	st.Workspaces[1] = &state.Workspace{ID: 1} // no active tab

	s := testServer(&fakeReducer{snap: revision.Snapshot{State: st}})
	reply := s.dispatch("navigate https://example.com")
	if !strings.HasPrefix(reply, "ERR "+state.InvariantViolation.String()) {
		t.Fatalf("expected invariant-violation error for no active tab, got %q", reply)
	}
}

func TestServeHTTPRejectsNonPrivilegedOrigin(t *testing.T) {
	s := testServer(&fakeReducer{})
	req := httptest.NewRequest(http.MethodGet, "/bridge", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a non-privileged origin, got %d", rec.Code)
	}
	if s.Rejected() != 1 {
		t.Fatalf("expected rejected counter to increment, got %d", s.Rejected())
	}
}

type fakeOverlay struct{ visible bool }

func (f *fakeOverlay) SetOverlay(visible bool) { f.visible = visible }
