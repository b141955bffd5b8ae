package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"shellcore/internal/state"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shellcore.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadBootSnapshotEmptyStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st, err := s.LoadBootSnapshot(ctx)
	if err != nil {
		t.Fatalf("load boot snapshot: %v", err)
	}
	if len(st.Profiles) != 0 || len(st.Workspaces) != 0 || len(st.Tabs) != 0 {
		t.Fatalf("expected an empty snapshot from a fresh store, got %+v", st)
	}
}

func TestCommitAndReloadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	st := state.New()
	profile := &state.Profile{ID: 1, Name: "Default", CreatedAt: now, LastActiveAt: now, PartitionHandle: "profile-1"}
	st.Profiles[1] = profile
	st.ActiveProfileID = 1

	ws := &state.Workspace{ID: 1, ProfileID: 1, Name: "Home", SortIndex: 0, CreatedAt: now, UpdatedAt: now}
	st.Workspaces[1] = ws
	profile.WorkspaceOrder = []state.WorkspaceID{1}
	profile.ActiveWorkspaceID = 1

	tab := &state.Tab{
		ID: 1, ProfileID: 1, WorkspaceID: 1, URL: "https://example.com", Title: "Example",
		Pinned: true, CreatedAt: now, UpdatedAt: now,
		Runtime: &state.TabRuntime{Status: state.Active},
	}
	st.Tabs[1] = tab
	ws.TabOrder = []state.TabID{1}
	ws.ActiveTabID = 1

	touched := Touched{
		Profiles:   []state.ProfileID{1},
		Workspaces: []state.WorkspaceID{1},
		Tabs:       []state.TabID{1},
		Settings:   map[string]string{"theme": "dark"},
	}
	if err := s.Commit(ctx, st, touched); err != nil {
		t.Fatalf("commit: %v", err)
	}

	loaded, err := s.LoadBootSnapshot(ctx)
	if err != nil {
		t.Fatalf("load boot snapshot: %v", err)
	}

	if len(loaded.Profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(loaded.Profiles))
	}
	lp := loaded.Profiles[1]
	if lp == nil || lp.Name != "Default" || lp.PartitionHandle != "profile-1" {
		t.Fatalf("profile not persisted correctly, got %+v", lp)
	}

	lw := loaded.Workspaces[1]
	if lw == nil || lw.Name != "Home" || lw.ProfileID != 1 {
		t.Fatalf("workspace not persisted correctly, got %+v", lw)
	}

	lt := loaded.Tabs[1]
	if lt == nil {
		t.Fatal("tab not persisted")
	}
	if lt.URL != "https://example.com" || lt.Title != "Example" || !lt.Pinned {
		t.Fatalf("tab fields not persisted correctly, got %+v", lt)
	}
	// Runtime lifecycle state is never persisted: every reloaded tab boots
	// Discarded regardless of what it was committed as.
	if lt.Runtime == nil || lt.Runtime.Status != state.Discarded {
		t.Fatalf("expected reloaded tab runtime to boot Discarded, got %+v", lt.Runtime)
	}

	if loaded.Settings["theme"] != "dark" {
		t.Fatalf("expected setting 'theme'='dark', got %q", loaded.Settings["theme"])
	}

	if loaded.ActiveProfileID == 0 {
		t.Fatal("expected an active profile to be chosen when profiles exist")
	}
}

func TestCommitDeletesCascadeInTabWorkspaceProfileOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	st := state.New()
	st.Profiles[1] = &state.Profile{ID: 1, Name: "Default", CreatedAt: now, LastActiveAt: now, PartitionHandle: "p1"}
	st.Workspaces[1] = &state.Workspace{ID: 1, ProfileID: 1, Name: "Home", CreatedAt: now, UpdatedAt: now}
	st.Tabs[1] = &state.Tab{ID: 1, ProfileID: 1, WorkspaceID: 1, URL: "about:blank", CreatedAt: now, UpdatedAt: now, Runtime: &state.TabRuntime{}}

	if err := s.Commit(ctx, st, Touched{
		Profiles:   []state.ProfileID{1},
		Workspaces: []state.WorkspaceID{1},
		Tabs:       []state.TabID{1},
	}); err != nil {
		t.Fatalf("initial commit: %v", err)
	}

	empty := state.New()
	if err := s.Commit(ctx, empty, Touched{
		DeletedTabs:       []state.TabID{1},
		DeletedWorkspaces: []state.WorkspaceID{1},
		DeletedProfiles:   []state.ProfileID{1},
	}); err != nil {
		t.Fatalf("delete commit: %v", err)
	}

	loaded, err := s.LoadBootSnapshot(ctx)
	if err != nil {
		t.Fatalf("load boot snapshot: %v", err)
	}
	if len(loaded.Profiles) != 0 || len(loaded.Workspaces) != 0 || len(loaded.Tabs) != 0 {
		t.Fatalf("expected everything deleted, got %+v", loaded)
	}
}

// seedTwoProfiles commits a fixture with two profiles: profile 1 (the
// active one) owns workspace 1 (tabs 1, 2) and workspace 2 (tab 3);
// profile 2 owns workspace 3 (tab 4).
func seedTwoProfiles(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	st := state.New()
	st.ActiveProfileID = 1
	st.Profiles[1] = &state.Profile{ID: 1, Name: "Default", CreatedAt: now, LastActiveAt: now, PartitionHandle: "p1",
		WorkspaceOrder: []state.WorkspaceID{1, 2}, ActiveWorkspaceID: 1}
	st.Profiles[2] = &state.Profile{ID: 2, Name: "Work", CreatedAt: now, LastActiveAt: now, PartitionHandle: "p2",
		WorkspaceOrder: []state.WorkspaceID{3}, ActiveWorkspaceID: 3}
	st.Workspaces[1] = &state.Workspace{ID: 1, ProfileID: 1, Name: "Home", SortIndex: 0, TabOrder: []state.TabID{1, 2}, ActiveTabID: 1, CreatedAt: now, UpdatedAt: now}
	st.Workspaces[2] = &state.Workspace{ID: 2, ProfileID: 1, Name: "Side", SortIndex: 1, TabOrder: []state.TabID{3}, ActiveTabID: 3, CreatedAt: now, UpdatedAt: now}
	st.Workspaces[3] = &state.Workspace{ID: 3, ProfileID: 2, Name: "Desk", SortIndex: 0, TabOrder: []state.TabID{4}, ActiveTabID: 4, CreatedAt: now, UpdatedAt: now}
	for id, owner := range map[state.TabID]state.WorkspaceID{1: 1, 2: 1, 3: 2, 4: 3} {
		st.Tabs[id] = &state.Tab{
			ID: id, ProfileID: st.Workspaces[owner].ProfileID, WorkspaceID: owner,
			URL: "about:blank", CreatedAt: now, UpdatedAt: now,
			Runtime: &state.TabRuntime{},
		}
	}

	if err := s.Commit(ctx, st, Touched{
		Profiles:   []state.ProfileID{1, 2},
		Workspaces: []state.WorkspaceID{1, 2, 3},
		Tabs:       []state.TabID{1, 2, 3, 4},
	}); err != nil {
		t.Fatalf("seed commit: %v", err)
	}
}

// The boot snapshot is minimal: every profile record, but only the
// active profile's workspaces and only the active workspace's tabs.
// Everything else stays on disk for the hydration loaders.
func TestLoadBootSnapshotIsMinimal(t *testing.T) {
	s := openTestStore(t)
	seedTwoProfiles(t, s)
	ctx := context.Background()

	boot, err := s.LoadBootSnapshot(ctx)
	if err != nil {
		t.Fatalf("load boot snapshot: %v", err)
	}

	if len(boot.Profiles) != 2 {
		t.Fatalf("expected both profile records, got %d", len(boot.Profiles))
	}
	if boot.ActiveProfileID != 1 {
		t.Fatalf("expected active profile 1, got %d", boot.ActiveProfileID)
	}
	if _, ok := boot.Workspaces[3]; ok {
		t.Fatal("inactive profile's workspace must not be loaded at boot")
	}
	if _, ok := boot.Tabs[4]; ok {
		t.Fatal("inactive profile's tab must not be loaded at boot")
	}
	if boot.Profiles[2].ActiveWorkspaceID != 0 || len(boot.Profiles[2].WorkspaceOrder) != 0 {
		t.Fatalf("unhydrated profile must carry no workspace pointers, got %+v", boot.Profiles[2])
	}

	w1 := boot.Workspaces[1]
	if w1 == nil || len(w1.TabOrder) != 2 || w1.ActiveTabID != 1 {
		t.Fatalf("active workspace not fully loaded, got %+v", w1)
	}
	w2 := boot.Workspaces[2]
	if w2 == nil {
		t.Fatal("active profile's other workspace record must be loaded")
	}
	if len(w2.TabOrder) != 0 || w2.ActiveTabID != 0 {
		t.Fatalf("non-active workspace must carry no tabs at boot, got %+v", w2)
	}
	if _, ok := boot.Tabs[3]; ok {
		t.Fatal("non-active workspace's tab must not be loaded at boot")
	}

	if err := boot.CheckInvariants(); err != nil {
		t.Fatalf("minimal boot snapshot violates invariants: %v", err)
	}
}

func TestHydrationLoadersReturnDeferredRows(t *testing.T) {
	s := openTestStore(t)
	seedTwoProfiles(t, s)
	ctx := context.Background()

	workspaces, err := s.LoadProfileWorkspaces(ctx, 2)
	if err != nil {
		t.Fatalf("load profile workspaces: %v", err)
	}
	if len(workspaces) != 1 || workspaces[0].ID != 3 {
		t.Fatalf("expected profile 2's workspace 3, got %+v", workspaces)
	}
	if len(workspaces[0].TabOrder) != 0 || workspaces[0].ActiveTabID != 0 {
		t.Fatalf("hydrated workspace record must not carry tab pointers yet, got %+v", workspaces[0])
	}

	stored, err := s.StoredActiveWorkspace(ctx, 2)
	if err != nil {
		t.Fatalf("stored active workspace: %v", err)
	}
	if stored != 3 {
		t.Fatalf("expected stored active workspace 3, got %d", stored)
	}

	tabs, activeTab, err := s.LoadWorkspaceTabs(ctx, 3)
	if err != nil {
		t.Fatalf("load workspace tabs: %v", err)
	}
	if len(tabs) != 1 || tabs[0].ID != 4 || activeTab != 4 {
		t.Fatalf("expected tab 4 active in workspace 3, got %+v active=%d", tabs, activeTab)
	}
	if tabs[0].Runtime == nil || tabs[0].Runtime.Status != state.Discarded {
		t.Fatalf("hydrated tab must boot Discarded, got %+v", tabs[0].Runtime)
	}
}

func TestMaxIDsCoverUnhydratedRows(t *testing.T) {
	s := openTestStore(t)
	seedTwoProfiles(t, s)

	maxProfile, maxWorkspace, maxTab, err := s.MaxIDs(context.Background())
	if err != nil {
		t.Fatalf("max ids: %v", err)
	}
	if maxProfile != 2 || maxWorkspace != 3 || maxTab != 4 {
		t.Fatalf("expected maxima 2/3/4, got %d/%d/%d", maxProfile, maxWorkspace, maxTab)
	}
}

// The revision counter and the active-profile pointer round-trip through
// the meta table, so a restarted supervisor resumes from the revision it
// last committed rather than from zero.
func TestCommitPersistsRevisionAndActiveProfile(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	st := state.New()
	st.Revision = 7
	st.ActiveProfileID = 2
	st.Profiles[1] = &state.Profile{ID: 1, Name: "Default", CreatedAt: now, LastActiveAt: now, PartitionHandle: "p1"}
	st.Profiles[2] = &state.Profile{ID: 2, Name: "Work", CreatedAt: now, LastActiveAt: now, PartitionHandle: "p2"}

	if err := s.Commit(ctx, st, Touched{Profiles: []state.ProfileID{1, 2}}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	loaded, err := s.LoadBootSnapshot(ctx)
	if err != nil {
		t.Fatalf("load boot snapshot: %v", err)
	}
	if loaded.Revision != 7 {
		t.Fatalf("expected revision 7 restored, got %d", loaded.Revision)
	}
	if loaded.ActiveProfileID != 2 {
		t.Fatalf("expected active profile 2 restored, got %d", loaded.ActiveProfileID)
	}
}

// A reorder touches only sort_index rows, and the rewritten order
// survives a reload.
func TestTabOrderReindexPersisted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	st := state.New()
	st.ActiveProfileID = 1
	st.Profiles[1] = &state.Profile{ID: 1, Name: "Default", CreatedAt: now, LastActiveAt: now, PartitionHandle: "p1", WorkspaceOrder: []state.WorkspaceID{1}, ActiveWorkspaceID: 1}
	st.Workspaces[1] = &state.Workspace{ID: 1, ProfileID: 1, Name: "Home", CreatedAt: now, UpdatedAt: now, TabOrder: []state.TabID{1, 2}}
	for _, id := range []state.TabID{1, 2} {
		st.Tabs[id] = &state.Tab{ID: id, ProfileID: 1, WorkspaceID: 1, URL: "about:blank", CreatedAt: now, UpdatedAt: now, Runtime: &state.TabRuntime{}}
	}
	if err := s.Commit(ctx, st, Touched{
		Profiles:   []state.ProfileID{1},
		Workspaces: []state.WorkspaceID{1},
		Tabs:       []state.TabID{1, 2},
	}); err != nil {
		t.Fatalf("initial commit: %v", err)
	}

	st.Workspaces[1].TabOrder = []state.TabID{2, 1}
	if err := s.Commit(ctx, st, Touched{TabOrders: []state.WorkspaceID{1}}); err != nil {
		t.Fatalf("reorder commit: %v", err)
	}

	loaded, err := s.LoadBootSnapshot(ctx)
	if err != nil {
		t.Fatalf("load boot snapshot: %v", err)
	}
	got := loaded.Workspaces[1].TabOrder
	if len(got) != 2 || got[0] != 2 || got[1] != 1 {
		t.Fatalf("expected reordered tabs [2 1] restored, got %v", got)
	}
}

func TestSaveAndLoadThumbnailPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if path, err := s.ThumbnailPath(ctx, 1); err != nil || path != "" {
		t.Fatalf("expected no thumbnail yet, got path=%q err=%v", path, err)
	}

	if err := s.SaveThumbnail(ctx, 1, "/tmp/thumbs/1.png", time.Now()); err != nil {
		t.Fatalf("save thumbnail: %v", err)
	}

	path, err := s.ThumbnailPath(ctx, 1)
	if err != nil {
		t.Fatalf("thumbnail path: %v", err)
	}
	if path != "/tmp/thumbs/1.png" {
		t.Fatalf("expected saved thumbnail path, got %q", path)
	}
}
