// Package revision implements the monotonic revision counter, the ordered
// patch representation the reducer emits, and the publish/resync contract
// the bridge uses to keep chrome's mirror of canonical state converged.
package revision

import (
	"sync"

	"shellcore/internal/state"
)

// OpKind tags a single patch operation.
type OpKind int

const (
	OpUpsertProfile OpKind = iota
	OpDeleteProfile
	OpUpsertWorkspace
	OpDeleteWorkspace
	OpUpsertTab
	OpDeleteTab
	OpSetActiveProfile
	OpSetSetting
	OpSetWorkspaceOrder
	OpSetTabOrder
	OpSetActiveWorkspace
	OpSetActiveTab
	OpSetTabRuntime
)

func (k OpKind) String() string {
	switch k {
	case OpUpsertProfile:
		return "upsert_profile"
	case OpDeleteProfile:
		return "delete_profile"
	case OpUpsertWorkspace:
		return "upsert_workspace"
	case OpDeleteWorkspace:
		return "delete_workspace"
	case OpUpsertTab:
		return "upsert_tab"
	case OpDeleteTab:
		return "delete_tab"
	case OpSetActiveProfile:
		return "set_active_profile"
	case OpSetSetting:
		return "set_setting"
	case OpSetWorkspaceOrder:
		return "set_workspace_order"
	case OpSetTabOrder:
		return "set_tab_order"
	case OpSetActiveWorkspace:
		return "set_active_workspace"
	case OpSetActiveTab:
		return "set_active_tab"
	case OpSetTabRuntime:
		return "set_tab_runtime"
	default:
		return "unknown"
	}
}

// Op is one minimal, ordered mutation of chrome's state mirror. Ops are
// applied in slice order; within a single patch they are deliberately kept
// as few and as small as the reducer can make them.
type Op struct {
	Kind OpKind

	Profile   *state.Profile   // OpUpsertProfile
	Workspace *state.Workspace // OpUpsertWorkspace
	Tab       *state.Tab       // OpUpsertTab

	ProfileID   state.ProfileID   // OpDeleteProfile, OpSetActiveProfile, OpSetWorkspaceOrder, OpSetActiveWorkspace
	WorkspaceID state.WorkspaceID // OpDeleteWorkspace, OpSetTabOrder, OpSetActiveTab
	TabID       state.TabID       // OpDeleteTab

	SettingKey   string // OpSetSetting
	SettingValue string // OpSetSetting

	WorkspaceOrder []state.WorkspaceID // OpSetWorkspaceOrder
	TabOrder       []state.TabID       // OpSetTabOrder

	ActiveWorkspaceID state.WorkspaceID // OpSetActiveWorkspace (0 = null)
	ActiveTabID       state.TabID       // OpSetActiveTab (0 = null)

	// OpSetTabRuntime
	RuntimeTabID state.TabID
	Status       state.RuntimeStatus
	Thumbnail    string
	Loading      bool
	RuntimeError string
}

// Patch is the diff from one revision to the next: the prior revision it
// was computed from, the new revision it produces, and the ordered ops to
// apply. A Patch whose FromRevision no longer matches chrome's last known
// revision cannot be applied; the bridge must request a Snapshot instead.
type Patch struct {
	FromRevision int64
	ToRevision   int64
	Ops          []Op
}

// Snapshot is the full canonical state at a revision, used for the
// chrome's first state read and for resync after a missed or out-of-order
// patch.
type Snapshot struct {
	Revision int64
	State    *state.State
}

// Log is a bounded ring buffer of recently emitted patches, keyed by the
// revision they produce, so the bridge can serve a late-arriving poll
// without recomputing from canonical state — and so it can detect when a
// requested FromRevision has already aged out and a resync is required.
type Log struct {
	mu      sync.RWMutex
	entries []Patch
	cap     int
}

// NewLog returns a patch log retaining at most capacity entries.
func NewLog(capacity int) *Log {
	if capacity < 1 {
		capacity = 1
	}
	return &Log{cap: capacity}
}

// Append records a newly emitted patch, evicting the oldest entry if the
// log is at capacity.
func (l *Log) Append(p Patch) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, p)
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
}

// Since returns the ordered patches needed to bring a chrome mirror at
// fromRevision up to date, and whether that range was fully available. A
// false return means the caller has fallen too far behind and must be
// served a full Snapshot instead.
func (l *Log) Since(fromRevision int64) ([]Patch, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return nil, fromRevision == 0
	}
	oldest := l.entries[0].FromRevision
	if fromRevision < oldest {
		return nil, false
	}
	var out []Patch
	for _, p := range l.entries {
		if p.FromRevision >= fromRevision {
			out = append(out, p)
		}
	}
	return out, true
}
