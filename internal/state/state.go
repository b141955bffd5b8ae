// Package state holds the canonical product-state data model: profiles,
// workspaces, tabs, the settings map, and the runtime-only tab lifecycle
// projection layered on top of it. Nothing in this package performs I/O;
// it is pure data plus the invariant checks the reducer enforces.
package state

import "time"

// RuntimeStatus is a tab's lifecycle state, advanced by the scheduler in
// response to intents and frame-commit signals. It is never persisted.
type RuntimeStatus int

const (
	// Discarded tabs have no live engine view; only metadata and an
	// optional thumbnail are held.
	Discarded RuntimeStatus = iota
	// Restoring tabs are awaiting a FrameCommitted signal before the
	// engine view is created.
	Restoring
	// Warm tabs have a live, hidden engine view counted against the
	// per-profile warm budget.
	Warm
	// Active tabs have a live, visible engine view. At most one per
	// profile.
	Active
)

func (s RuntimeStatus) String() string {
	switch s {
	case Discarded:
		return "discarded"
	case Restoring:
		return "restoring"
	case Warm:
		return "warm"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// TabRuntime is the non-persisted runtime projection of a tab. The live
// content-view handle itself is not mirrored here: the engine resource
// manager owns the handle table, keyed by tab id, and nothing outside it
// ever dereferences a handle.
type TabRuntime struct {
	Status         RuntimeStatus
	Thumbnail      string // opaque thumbnail reference, empty if none captured yet
	Loading        bool
	Error          string // set by the scheduler on EngineFailure rollback
	RestoringSince int64  // revision at which Restoring was published; gates FrameCommitted
}

// Clone returns a deep copy.
func (r *TabRuntime) Clone() *TabRuntime {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Profile is a hard storage isolation boundary.
type Profile struct {
	ID                ProfileID
	Name              string
	CreatedAt         time.Time
	LastActiveAt      time.Time
	PartitionHandle   string // opaque path the engine uses for cookies/cache/storage
	WorkspaceOrder    []WorkspaceID
	ActiveWorkspaceID WorkspaceID // 0 means none
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	c := *p
	c.WorkspaceOrder = append([]WorkspaceID(nil), p.WorkspaceOrder...)
	return &c
}

// Workspace is a soft, user-facing grouping of tabs within a profile.
type Workspace struct {
	ID          WorkspaceID
	ProfileID   ProfileID
	Name        string
	SortIndex   int
	TabOrder    []TabID
	ActiveTabID TabID // 0 means none
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Clone returns a deep copy.
func (w *Workspace) Clone() *Workspace {
	c := *w
	c.TabOrder = append([]TabID(nil), w.TabOrder...)
	return &c
}

// Tab is a metadata-only persistent record plus a runtime-only status
// projection. A tab is owned by exactly one workspace at a time.
type Tab struct {
	ID          TabID
	ProfileID   ProfileID
	WorkspaceID WorkspaceID
	URL         string
	Title       string
	FaviconRef  string
	Pinned      bool
	Muted       bool
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// Runtime is never persisted; every tab loaded from the store, at boot
	// or by later hydration, gets a fresh Discarded runtime.
	Runtime *TabRuntime
}

// Clone returns a deep copy, including the runtime projection.
func (t *Tab) Clone() *Tab {
	c := *t
	c.Runtime = t.Runtime.Clone()
	return &c
}

// recognizedSettingsKeys enumerates the keys SettingSetText accepts; any
// other key is a MalformedIntent.
var recognizedSettingsKeys = map[string]bool{
	"search_engine":               true,
	"homepage":                    true,
	"new_tab_behavior":            true,
	"new_tab_custom_url":          true,
	"keybinding_close_tab":        true,
	"keybinding_command_palette":  true,
	"keybinding_focus_navigation": true,
}

// IsRecognizedSettingKey reports whether key is one SettingSetText accepts.
func IsRecognizedSettingKey(key string) bool {
	return recognizedSettingsKeys[key]
}

// State is the canonical state snapshot: all profiles, workspaces and
// tabs, the active-profile pointer, the settings map, and the revision
// counter. It is the single source of truth the reducer transforms.
type State struct {
	Revision        int64
	ActiveProfileID ProfileID // 0 means none (only true before the first profile exists)

	Profiles   map[ProfileID]*Profile
	Workspaces map[WorkspaceID]*Workspace
	Tabs       map[TabID]*Tab

	Settings map[string]string
}

// New returns an empty canonical state ready for bootstrap.
func New() *State {
	return &State{
		Profiles:   make(map[ProfileID]*Profile),
		Workspaces: make(map[WorkspaceID]*Workspace),
		Tabs:       make(map[TabID]*Tab),
		Settings:   make(map[string]string),
	}
}

// Clone returns a deep copy of the state, including every entity and
// ordering slice, so callers can mutate the clone freely without aliasing
// the original. The reducer always operates on a clone of the prior state
// and returns the clone as the successor; it never mutates its input.
func (s *State) Clone() *State {
	c := &State{
		Revision:        s.Revision,
		ActiveProfileID: s.ActiveProfileID,
		Profiles:        make(map[ProfileID]*Profile, len(s.Profiles)),
		Workspaces:      make(map[WorkspaceID]*Workspace, len(s.Workspaces)),
		Tabs:            make(map[TabID]*Tab, len(s.Tabs)),
		Settings:        make(map[string]string, len(s.Settings)),
	}
	for id, p := range s.Profiles {
		c.Profiles[id] = p.Clone()
	}
	for id, w := range s.Workspaces {
		c.Workspaces[id] = w.Clone()
	}
	for id, t := range s.Tabs {
		c.Tabs[id] = t.Clone()
	}
	for k, v := range s.Settings {
		c.Settings[k] = v
	}
	return c
}

// CheckInvariants validates the data model's structural invariants against
// the current state. Reduce runs it on every successor state and rejects
// an intent whose successor fails it.
func (s *State) CheckInvariants() error {
	for wid, w := range s.Workspaces {
		if _, ok := s.Profiles[w.ProfileID]; !ok {
			return Newf(InvariantViolation, "workspace %d owning profile %d does not exist", wid, w.ProfileID)
		}
	}
	seenTabOwner := make(map[TabID]WorkspaceID)
	for wid, w := range s.Workspaces {
		seen := make(map[TabID]bool, len(w.TabOrder))
		for _, tid := range w.TabOrder {
			if seen[tid] {
				return Newf(InvariantViolation, "tab %d appears twice in workspace %d order", tid, wid)
			}
			seen[tid] = true
			if prev, ok := seenTabOwner[tid]; ok {
				return Newf(InvariantViolation, "tab %d appears in workspaces %d and %d", tid, prev, wid)
			}
			seenTabOwner[tid] = wid
			t, ok := s.Tabs[tid]
			if !ok {
				return Newf(InvariantViolation, "tab %d in workspace %d order does not exist", tid, wid)
			}
			if t.WorkspaceID != wid || t.ProfileID != w.ProfileID {
				return Newf(InvariantViolation, "tab %d ownership mismatches workspace %d order", tid, wid)
			}
		}
		if w.ActiveTabID != 0 {
			if _, ok := seen[w.ActiveTabID]; !ok {
				return Newf(InvariantViolation, "workspace %d active tab %d not in its order", wid, w.ActiveTabID)
			}
		}
	}
	for tid := range s.Tabs {
		if _, ok := seenTabOwner[tid]; !ok {
			return Newf(InvariantViolation, "tab %d is not owned by any workspace order", tid)
		}
	}
	if s.ActiveProfileID != 0 {
		p, ok := s.Profiles[s.ActiveProfileID]
		if !ok {
			return Newf(InvariantViolation, "active profile %d does not exist", s.ActiveProfileID)
		}
		if p.ActiveWorkspaceID != 0 {
			if _, ok := s.Workspaces[p.ActiveWorkspaceID]; !ok {
				return Newf(InvariantViolation, "profile %d active workspace %d does not exist", p.ID, p.ActiveWorkspaceID)
			}
		}
	}
	for pid, p := range s.Profiles {
		seen := make(map[WorkspaceID]bool, len(p.WorkspaceOrder))
		for _, wid := range p.WorkspaceOrder {
			if seen[wid] {
				return Newf(InvariantViolation, "workspace %d appears twice in profile %d order", wid, pid)
			}
			seen[wid] = true
			w, ok := s.Workspaces[wid]
			if !ok {
				return Newf(InvariantViolation, "workspace %d in profile %d order does not exist", wid, pid)
			}
			if w.ProfileID != pid {
				return Newf(InvariantViolation, "workspace %d ownership mismatches profile %d order", wid, pid)
			}
		}
		if p.ActiveWorkspaceID != 0 && !seen[p.ActiveWorkspaceID] {
			return Newf(InvariantViolation, "profile %d active workspace %d not in its order", pid, p.ActiveWorkspaceID)
		}
	}
	for wid, w := range s.Workspaces {
		found := false
		for _, owned := range s.Profiles[w.ProfileID].WorkspaceOrder {
			if owned == wid {
				found = true
				break
			}
		}
		if !found {
			return Newf(InvariantViolation, "workspace %d is not in its profile's order", wid)
		}
	}
	activeByProfile := make(map[ProfileID]TabID)
	for tid, t := range s.Tabs {
		if t.Runtime == nil || t.Runtime.Status != Active {
			continue
		}
		if prev, ok := activeByProfile[t.ProfileID]; ok {
			return Newf(InvariantViolation, "profile %d has two Active tabs, %d and %d", t.ProfileID, prev, tid)
		}
		activeByProfile[t.ProfileID] = tid
	}
	return nil
}
