package intent

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"shellcore/internal/revision"
	"shellcore/internal/state"
)

// Reduce is the core's single pure transformation: given the current
// canonical state and one intent, it produces the successor state and the
// minimal ordered patch that carries chrome's mirror from the old revision
// to the new one. Reduce never mutates s; on rejection it returns s
// unchanged (the caller's pointer, not a clone) alongside a *state.Error.
//
// ids supplies fresh, non-reused identifiers for the handful of intents
// that create entities. now is injected rather than read from the clock so
// Reduce stays a pure function of its arguments.
func Reduce(s *state.State, in Intent, ids *state.IDGenerators, now time.Time) (*state.State, revision.Patch, error) {
	c := s.Clone()
	var ops []revision.Op

	switch in.Kind {
	case UiReady:
		// No state change; the supervisor intercepts UiReady before calling
		// Reduce. Kept as a recognized kind so a stray UiReady routed here is
		// a no-op rather than malformed.

	case NewProfile:
		name := strings.TrimSpace(in.Name)
		if name == "" {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "NewProfile requires a name")
		}
		pid := state.ProfileID(ids.Profile.Next())
		p := &state.Profile{
			ID: pid, Name: name, CreatedAt: now, LastActiveAt: now,
			PartitionHandle: profilePartitionHandle(pid),
		}
		c.Profiles[pid] = p
		ops = append(ops, revision.Op{Kind: revision.OpUpsertProfile, Profile: p.Clone()})
		if c.ActiveProfileID == 0 {
			c.ActiveProfileID = pid
			ops = append(ops, revision.Op{Kind: revision.OpSetActiveProfile, ProfileID: pid})
		}

	case RenameProfile:
		p, ok := c.Profiles[in.ProfileID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "RenameProfile: profile %d does not exist", in.ProfileID)
		}
		name := strings.TrimSpace(in.Name)
		if name == "" {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "RenameProfile requires a name")
		}
		p.Name = name
		ops = append(ops, revision.Op{Kind: revision.OpUpsertProfile, Profile: p.Clone()})

	case SwitchProfile:
		p, ok := c.Profiles[in.ProfileID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "SwitchProfile: profile %d does not exist", in.ProfileID)
		}
		c.ActiveProfileID = in.ProfileID
		p.LastActiveAt = now
		ops = append(ops,
			revision.Op{Kind: revision.OpUpsertProfile, Profile: p.Clone()},
			revision.Op{Kind: revision.OpSetActiveProfile, ProfileID: in.ProfileID})
		// Bring the target profile's own active tab into view. The outgoing
		// profile's tabs are deliberately left untouched (no bulk-wake, no
		// bulk-demote): Active is a per-profile slot.
		ops = activateRuntime(c, ops, 0, profileActiveTab(c, in.ProfileID), c.Revision+1)

	case DeleteProfile:
		p, ok := c.Profiles[in.ProfileID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "DeleteProfile: profile %d does not exist", in.ProfileID)
		}
		if len(c.Profiles) == 1 {
			return s, revision.Patch{}, state.Newf(state.InvariantViolation, "DeleteProfile: cannot delete the last profile")
		}
		for _, wid := range append([]state.WorkspaceID(nil), p.WorkspaceOrder...) {
			w := c.Workspaces[wid]
			for _, tid := range append([]state.TabID(nil), w.TabOrder...) {
				delete(c.Tabs, tid)
				ops = append(ops, revision.Op{Kind: revision.OpDeleteTab, TabID: tid})
			}
			delete(c.Workspaces, wid)
			ops = append(ops, revision.Op{Kind: revision.OpDeleteWorkspace, WorkspaceID: wid})
		}
		delete(c.Profiles, in.ProfileID)
		ops = append(ops, revision.Op{Kind: revision.OpDeleteProfile, ProfileID: in.ProfileID})
		if c.ActiveProfileID == in.ProfileID {
			// Successor by creation order: the next-created profile, or the
			// previously-created one when the deleted profile was the newest.
			// Ids are strictly increasing, so id order is creation order.
			c.ActiveProfileID = successorProfile(c, in.ProfileID)
			ops = append(ops, revision.Op{Kind: revision.OpSetActiveProfile, ProfileID: c.ActiveProfileID})
			ops = activateRuntime(c, ops, 0, profileActiveTab(c, c.ActiveProfileID), c.Revision+1)
		}

	case NewWorkspace:
		p, ok := c.Profiles[in.ProfileID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "NewWorkspace: profile %d does not exist", in.ProfileID)
		}
		wid := state.WorkspaceID(ids.Workspace.Next())
		name := strings.TrimSpace(in.Name)
		if name == "" {
			name = "New workspace"
		}
		ws := &state.Workspace{
			ID: wid, ProfileID: p.ID, Name: name, SortIndex: len(p.WorkspaceOrder),
			CreatedAt: now, UpdatedAt: now,
		}
		c.Workspaces[wid] = ws
		p.WorkspaceOrder = append(p.WorkspaceOrder, wid)
		ops = append(ops,
			revision.Op{Kind: revision.OpUpsertWorkspace, Workspace: ws.Clone()},
			revision.Op{Kind: revision.OpSetWorkspaceOrder, ProfileID: p.ID, WorkspaceOrder: append([]state.WorkspaceID(nil), p.WorkspaceOrder...)},
		)
		// A profile with no prior workspace has nothing to keep active; its
		// first workspace becomes the active one without a separate
		// SwitchWorkspace intent.
		if p.ActiveWorkspaceID == 0 {
			p.ActiveWorkspaceID = wid
			ops = append(ops, revision.Op{Kind: revision.OpSetActiveWorkspace, ProfileID: p.ID, ActiveWorkspaceID: wid})
		}

	case RenameWorkspace:
		w, ok := c.Workspaces[in.WorkspaceID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "RenameWorkspace: workspace %d does not exist", in.WorkspaceID)
		}
		name := strings.TrimSpace(in.Name)
		if name == "" {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "RenameWorkspace requires a name")
		}
		w.Name = name
		w.UpdatedAt = now
		ops = append(ops, revision.Op{Kind: revision.OpUpsertWorkspace, Workspace: w.Clone()})

	case SwitchWorkspace:
		w, ok := c.Workspaces[in.WorkspaceID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "SwitchWorkspace: workspace %d does not exist", in.WorkspaceID)
		}
		p := c.Profiles[w.ProfileID]
		prevActive := profileActiveTab(c, p.ID)
		p.ActiveWorkspaceID = w.ID
		ops = append(ops, revision.Op{Kind: revision.OpSetActiveWorkspace, ProfileID: p.ID, ActiveWorkspaceID: w.ID})
		// Only the target workspace's active tab is woken; the outgoing
		// workspace's tabs keep their views but lose the visible slot.
		ops = activateRuntime(c, ops, prevActive, w.ActiveTabID, c.Revision+1)

	case DeleteWorkspace:
		w, ok := c.Workspaces[in.WorkspaceID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "DeleteWorkspace: workspace %d does not exist", in.WorkspaceID)
		}
		p := c.Profiles[w.ProfileID]
		if len(p.WorkspaceOrder) == 1 {
			return s, revision.Patch{}, state.Newf(state.InvariantViolation, "DeleteWorkspace: cannot delete a profile's last workspace")
		}
		wsIdx := indexOfWorkspace(p.WorkspaceOrder, in.WorkspaceID)
		for _, tid := range append([]state.TabID(nil), w.TabOrder...) {
			delete(c.Tabs, tid)
			ops = append(ops, revision.Op{Kind: revision.OpDeleteTab, TabID: tid})
		}
		delete(c.Workspaces, in.WorkspaceID)
		p.WorkspaceOrder = removeWorkspace(p.WorkspaceOrder, in.WorkspaceID)
		ops = append(ops,
			revision.Op{Kind: revision.OpDeleteWorkspace, WorkspaceID: in.WorkspaceID},
			revision.Op{Kind: revision.OpSetWorkspaceOrder, ProfileID: p.ID, WorkspaceOrder: append([]state.WorkspaceID(nil), p.WorkspaceOrder...)},
		)
		if p.ActiveWorkspaceID == in.WorkspaceID {
			// Successor: the next entry in the profile's order, or the
			// previous one when the deleted workspace was last.
			next := wsIdx
			if next >= len(p.WorkspaceOrder) {
				next = len(p.WorkspaceOrder) - 1
			}
			p.ActiveWorkspaceID = p.WorkspaceOrder[next]
			ops = append(ops, revision.Op{Kind: revision.OpSetActiveWorkspace, ProfileID: p.ID, ActiveWorkspaceID: p.ActiveWorkspaceID})
			ops = activateRuntime(c, ops, 0, c.Workspaces[p.ActiveWorkspaceID].ActiveTabID, c.Revision+1)
		}

	case NewTab:
		w, ok := c.Workspaces[in.WorkspaceID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "NewTab: workspace %d does not exist", in.WorkspaceID)
		}
		tid := state.TabID(ids.Tab.Next())
		url := in.URL
		if url == "" {
			url = "about:blank"
		}
		tab := &state.Tab{
			ID: tid, ProfileID: w.ProfileID, WorkspaceID: w.ID, URL: url,
			CreatedAt: now, UpdatedAt: now,
			Runtime: &state.TabRuntime{Status: state.Discarded},
		}
		c.Tabs[tid] = tab
		w.TabOrder = append(w.TabOrder, tid)
		ops = append(ops,
			revision.Op{Kind: revision.OpUpsertTab, Tab: tab.Clone()},
			revision.Op{Kind: revision.OpSetTabOrder, WorkspaceID: w.ID, TabOrder: append([]state.TabID(nil), w.TabOrder...)},
		)
		if in.MakeActive {
			prevActive := w.ActiveTabID
			if p, ok := c.Profiles[w.ProfileID]; ok && p.ActiveWorkspaceID == w.ID {
				prevActive = profileActiveTab(c, w.ProfileID)
			}
			w.ActiveTabID = tid
			ops = append(ops, revision.Op{Kind: revision.OpSetActiveTab, WorkspaceID: w.ID, ActiveTabID: tid})
			ops = activateRuntime(c, ops, prevActive, tid, c.Revision+1)
		}

	case CloseTab:
		t, ok := c.Tabs[in.TabID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "CloseTab: tab %d does not exist", in.TabID)
		}
		w := c.Workspaces[t.WorkspaceID]
		idx := indexOfTab(w.TabOrder, in.TabID)
		w.TabOrder = append(w.TabOrder[:idx], w.TabOrder[idx+1:]...)
		delete(c.Tabs, in.TabID)
		ops = append(ops,
			revision.Op{Kind: revision.OpDeleteTab, TabID: in.TabID},
			revision.Op{Kind: revision.OpSetTabOrder, WorkspaceID: w.ID, TabOrder: append([]state.TabID(nil), w.TabOrder...)},
		)
		if w.ActiveTabID == in.TabID {
			// Successor: the tab at the same index, or the new last tab; a
			// workspace emptied by the close has no active tab at all.
			next := idx
			if next >= len(w.TabOrder) {
				next = len(w.TabOrder) - 1
			}
			w.ActiveTabID = 0
			if next >= 0 {
				w.ActiveTabID = w.TabOrder[next]
			}
			ops = append(ops, revision.Op{Kind: revision.OpSetActiveTab, WorkspaceID: w.ID, ActiveTabID: w.ActiveTabID})
			// The closed tab was active; its successor inherits activation
			// the same way an explicit ActivateTab would (0 here since the
			// closed tab's own runtime was already deleted above).
			ops = activateRuntime(c, ops, 0, w.ActiveTabID, c.Revision+1)
		}

	case ActivateTab:
		t, ok := c.Tabs[in.TabID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "ActivateTab: tab %d does not exist", in.TabID)
		}
		w := c.Workspaces[t.WorkspaceID]
		// The tab losing the visible slot is the profile's currently-active
		// tab, not the target workspace's own pointer: an activation that
		// crosses workspace boundaries must still demote whatever was on
		// screen so at most one tab per profile stays Active.
		prevActive := profileActiveTab(c, w.ProfileID)
		w.ActiveTabID = t.ID
		ops = append(ops, revision.Op{Kind: revision.OpSetActiveTab, WorkspaceID: w.ID, ActiveTabID: t.ID})
		if p := c.Profiles[w.ProfileID]; p.ActiveWorkspaceID != w.ID {
			p.ActiveWorkspaceID = w.ID
			ops = append(ops, revision.Op{Kind: revision.OpSetActiveWorkspace, ProfileID: p.ID, ActiveWorkspaceID: w.ID})
		}
		ops = activateRuntime(c, ops, prevActive, t.ID, c.Revision+1)

	case MoveTab:
		t, ok := c.Tabs[in.TabID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "MoveTab: tab %d does not exist", in.TabID)
		}
		destWs, ok := c.Workspaces[in.DestWorkspaceID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "MoveTab: destination workspace %d does not exist", in.DestWorkspaceID)
		}
		if destWs.ProfileID != t.ProfileID {
			return s, revision.Patch{}, state.Newf(state.InvariantViolation, "MoveTab: cannot move a tab across profiles")
		}
		srcWs := c.Workspaces[t.WorkspaceID]
		if srcWs.ID == destWs.ID {
			srcWs.TabOrder = removeTab(srcWs.TabOrder, t.ID)
			idx := in.DestIndex
			if idx < 0 || idx > len(srcWs.TabOrder) {
				idx = len(srcWs.TabOrder)
			}
			srcWs.TabOrder = insertTab(srcWs.TabOrder, idx, t.ID)
			ops = append(ops, revision.Op{Kind: revision.OpSetTabOrder, WorkspaceID: srcWs.ID, TabOrder: append([]state.TabID(nil), srcWs.TabOrder...)})
		} else {
			srcIdx := indexOfTab(srcWs.TabOrder, t.ID)
			srcWs.TabOrder = removeTab(srcWs.TabOrder, t.ID)
			ops = append(ops, revision.Op{Kind: revision.OpSetTabOrder, WorkspaceID: srcWs.ID, TabOrder: append([]state.TabID(nil), srcWs.TabOrder...)})
			if srcWs.ActiveTabID == t.ID {
				// Same successor rule as CloseTab: same index, or the new
				// last tab; null when the source workspace is now empty.
				next := srcIdx
				if next >= len(srcWs.TabOrder) {
					next = len(srcWs.TabOrder) - 1
				}
				srcWs.ActiveTabID = 0
				if next >= 0 {
					srcWs.ActiveTabID = srcWs.TabOrder[next]
				}
				ops = append(ops, revision.Op{Kind: revision.OpSetActiveTab, WorkspaceID: srcWs.ID, ActiveTabID: srcWs.ActiveTabID})
			}
			idx := in.DestIndex
			if idx < 0 || idx > len(destWs.TabOrder) {
				idx = len(destWs.TabOrder)
			}
			destWs.TabOrder = insertTab(destWs.TabOrder, idx, t.ID)
			t.WorkspaceID = destWs.ID
			t.UpdatedAt = now
			ops = append(ops,
				revision.Op{Kind: revision.OpUpsertTab, Tab: t.Clone()},
				revision.Op{Kind: revision.OpSetTabOrder, WorkspaceID: destWs.ID, TabOrder: append([]state.TabID(nil), destWs.TabOrder...)},
			)
		}

	case PinTab:
		t, ok := c.Tabs[in.TabID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "PinTab: tab %d does not exist", in.TabID)
		}
		t.Pinned = true
		ops = append(ops, revision.Op{Kind: revision.OpUpsertTab, Tab: t.Clone()})

	case UnpinTab:
		t, ok := c.Tabs[in.TabID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "UnpinTab: tab %d does not exist", in.TabID)
		}
		t.Pinned = false
		ops = append(ops, revision.Op{Kind: revision.OpUpsertTab, Tab: t.Clone()})

	case DiscardTab:
		t, ok := c.Tabs[in.TabID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "DiscardTab: tab %d does not exist", in.TabID)
		}
		kept := t.Runtime.Thumbnail
		t.Runtime = &state.TabRuntime{Status: state.Discarded, Thumbnail: kept}
		ops = append(ops, tabRuntimeOp(t))

	case Navigate:
		t, ok := c.Tabs[in.TabID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "Navigate: tab %d does not exist", in.TabID)
		}
		if in.URL == "" {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "Navigate requires a URL")
		}
		t.URL = in.URL
		t.UpdatedAt = now
		if t.Runtime != nil {
			t.Runtime.Loading = true
		}
		ops = append(ops, revision.Op{Kind: revision.OpUpsertTab, Tab: t.Clone()})
		if t.Runtime != nil && t.Runtime.Status != state.Active {
			w := c.Workspaces[t.WorkspaceID]
			prevActive := profileActiveTab(c, w.ProfileID)
			w.ActiveTabID = t.ID
			ops = append(ops, revision.Op{Kind: revision.OpSetActiveTab, WorkspaceID: w.ID, ActiveTabID: t.ID})
			ops = activateRuntime(c, ops, prevActive, t.ID, c.Revision+1)
		}

	case SettingSetText:
		if !state.IsRecognizedSettingKey(in.SettingKey) {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "SettingSetText: unrecognized key %q", in.SettingKey)
		}
		c.Settings[in.SettingKey] = in.SettingValue
		ops = append(ops, revision.Op{Kind: revision.OpSetSetting, SettingKey: in.SettingKey, SettingValue: in.SettingValue})

	// FrameCommitted never reaches Reduce in normal operation: the
	// supervisor intercepts it before calling Reduce and hands the
	// revision straight to the lifecycle scheduler; it never modifies
	// persistent state. Kept as a recognized no-op kind so a stray one
	// routed here anyway is harmless rather than malformed.
	case FrameCommitted:

	// --- Supervisor-origin follow-ups to a completed restore ---

	case ViewReady:
		t, ok := c.Tabs[in.TabID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "ViewReady: tab %d does not exist", in.TabID)
		}
		if t.Runtime == nil || t.Runtime.Status != state.Restoring {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "ViewReady: tab %d is not restoring", in.TabID)
		}
		t.Runtime.Status = state.Active
		t.Runtime.RestoringSince = 0
		t.Runtime.Error = ""
		ops = append(ops, tabRuntimeOp(t))

	case ViewFailed:
		t, ok := c.Tabs[in.TabID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "ViewFailed: tab %d does not exist", in.TabID)
		}
		if t.Runtime == nil || t.Runtime.Status != state.Restoring {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "ViewFailed: tab %d is not restoring", in.TabID)
		}
		t.Runtime.Status = state.Discarded
		t.Runtime.RestoringSince = 0
		t.Runtime.Error = in.ErrorMessage
		ops = append(ops, tabRuntimeOp(t))

	// --- Engine-origin intents ---

	case TitleChanged:
		t, ok := c.Tabs[in.TabID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "TitleChanged: tab %d does not exist", in.TabID)
		}
		t.Title = in.Title
		t.UpdatedAt = now
		ops = append(ops, revision.Op{Kind: revision.OpUpsertTab, Tab: t.Clone()})

	case UrlChanged:
		t, ok := c.Tabs[in.TabID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "UrlChanged: tab %d does not exist", in.TabID)
		}
		t.URL = in.URL
		t.UpdatedAt = now
		ops = append(ops, revision.Op{Kind: revision.OpUpsertTab, Tab: t.Clone()})

	case FaviconChanged:
		t, ok := c.Tabs[in.TabID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "FaviconChanged: tab %d does not exist", in.TabID)
		}
		t.FaviconRef = in.FaviconRef
		ops = append(ops, revision.Op{Kind: revision.OpUpsertTab, Tab: t.Clone()})

	case LoadingChanged:
		t, ok := c.Tabs[in.TabID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "LoadingChanged: tab %d does not exist", in.TabID)
		}
		if t.Runtime == nil {
			return s, revision.Patch{}, state.Newf(state.InvariantViolation, "LoadingChanged: tab %d has no runtime projection", in.TabID)
		}
		t.Runtime.Loading = in.Loading
		ops = append(ops, tabRuntimeOp(t))

	case ThumbnailCaptured:
		t, ok := c.Tabs[in.TabID]
		if !ok {
			return s, revision.Patch{}, state.Newf(state.MalformedIntent, "ThumbnailCaptured: tab %d does not exist", in.TabID)
		}
		if t.Runtime == nil {
			return s, revision.Patch{}, state.Newf(state.InvariantViolation, "ThumbnailCaptured: tab %d has no runtime projection", in.TabID)
		}
		t.Runtime.Thumbnail = in.ThumbnailRef
		ops = append(ops, tabRuntimeOp(t))

	default:
		return s, revision.Patch{}, state.Newf(state.MalformedIntent, "unknown intent kind %v", in.Kind)
	}

	if err := c.CheckInvariants(); err != nil {
		return s, revision.Patch{}, err
	}

	from := c.Revision
	c.Revision = from + 1
	return c, revision.Patch{FromRevision: from, ToRevision: c.Revision, Ops: ops}, nil
}

func profilePartitionHandle(id state.ProfileID) string {
	return "profile-" + strconv.FormatInt(int64(id), 10)
}

func indexOfTab(order []state.TabID, id state.TabID) int {
	for i, t := range order {
		if t == id {
			return i
		}
	}
	return -1
}

func removeTab(order []state.TabID, id state.TabID) []state.TabID {
	idx := indexOfTab(order, id)
	if idx < 0 {
		return order
	}
	return append(order[:idx], order[idx+1:]...)
}

func insertTab(order []state.TabID, idx int, id state.TabID) []state.TabID {
	order = append(order, 0)
	copy(order[idx+1:], order[idx:])
	order[idx] = id
	return order
}

func indexOfWorkspace(order []state.WorkspaceID, id state.WorkspaceID) int {
	for i, w := range order {
		if w == id {
			return i
		}
	}
	return -1
}

// profileActiveTab resolves which tab, if any, currently holds the
// profile's one visible slot: the active tab of the profile's active
// workspace.
func profileActiveTab(c *state.State, profileID state.ProfileID) state.TabID {
	p, ok := c.Profiles[profileID]
	if !ok || p.ActiveWorkspaceID == 0 {
		return 0
	}
	w, ok := c.Workspaces[p.ActiveWorkspaceID]
	if !ok {
		return 0
	}
	return w.ActiveTabID
}

// successorProfile picks the active-profile successor after deleted was
// removed: the lowest surviving id above it, else the highest below it.
// Ids are strictly increasing and never reused, so this is the
// next-created/previously-created rule, and it is deterministic no matter
// how the profile map iterates.
func successorProfile(c *state.State, deleted state.ProfileID) state.ProfileID {
	ids := make([]state.ProfileID, 0, len(c.Profiles))
	for id := range c.Profiles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if id > deleted {
			return id
		}
	}
	return ids[len(ids)-1]
}

func removeWorkspace(order []state.WorkspaceID, id state.WorkspaceID) []state.WorkspaceID {
	for i, w := range order {
		if w == id {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

// tabRuntimeOp builds the minimal SetTabRuntime op for a tab whose runtime
// projection changed but whose persisted fields did not.
func tabRuntimeOp(t *state.Tab) revision.Op {
	return revision.Op{
		Kind:         revision.OpSetTabRuntime,
		RuntimeTabID: t.ID,
		Status:       t.Runtime.Status,
		Thumbnail:    t.Runtime.Thumbnail,
		Loading:      t.Runtime.Loading,
		RuntimeError: t.Runtime.Error,
	}
}

// demoteOrCancel handles a tab that is losing active status to some other
// tab. An Active tab still has a live view and is demoted to Warm. A
// Restoring tab has no live view yet — it was mid deferred-restore when a
// later ActivateTab superseded it — so it is dropped straight back to
// Discarded without ever reaching the engine manager. Any other status
// (Warm, Discarded) is left untouched: a
// Warm tab losing active status stays Warm. It returns the tab if it
// changed status, so the caller can emit a runtime op for it, or nil if
// tabID is zero or nothing changed.
func demoteOrCancel(c *state.State, tabID state.TabID) *state.Tab {
	if tabID == 0 {
		return nil
	}
	t, ok := c.Tabs[tabID]
	if !ok || t.Runtime == nil {
		return nil
	}
	switch t.Runtime.Status {
	case state.Active:
		t.Runtime.Status = state.Warm
	case state.Restoring:
		t.Runtime.Status = state.Discarded
		t.Runtime.RestoringSince = 0
	default:
		return nil
	}
	return t
}

// activateRuntime brings newActive into view — Restoring from Discarded,
// straight to Active from Warm, since a Warm tab already has a live hidden
// view and needs no restore wait — and, for callers that pass a nonzero
// prevActive, demotes or cancels it via demoteOrCancel. ActivateTab,
// NewTab(make_active), Navigate-onto-a-non-Active-tab and SwitchWorkspace
// pass the profile's currently-visible tab as prevActive; SwitchProfile and
// the delete/close successor promotions pass 0, since their outgoing tabs
// either belong to another profile's slot or are already gone.
//
// newRevision is the revision this intent will publish (c.Revision + 1,
// computed by the caller before Reduce finalizes it), stamped onto a tab
// entering Restoring so the scheduler's FrameCommitted gate and the tab's
// own runtime projection agree on which revision it is waiting for.
func activateRuntime(c *state.State, ops []revision.Op, prevActive, newActive state.TabID, newRevision int64) []revision.Op {
	if newActive != 0 && newActive != prevActive {
		if t, ok := c.Tabs[newActive]; ok {
			switch t.Runtime.Status {
			case state.Warm:
				t.Runtime.Status = state.Active
			case state.Discarded:
				t.Runtime.Status = state.Restoring
				t.Runtime.RestoringSince = newRevision
			}
			ops = append(ops, tabRuntimeOp(t))
		}
	}
	if prevActive != newActive {
		if demoted := demoteOrCancel(c, prevActive); demoted != nil {
			ops = append(ops, tabRuntimeOp(demoted))
		}
	}
	return ops
}
