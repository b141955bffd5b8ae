package revision

import "shellcore/internal/state"

// Apply replays one patch onto a state mirror, returning the successor.
// This is the same application the privileged chrome performs on its own
// mirror of canonical state; keeping an implementation here lets the
// snapshot/patch equivalence property be checked directly — applying a
// patch chain from snapshot S@r through r+1..r+k must reproduce S@(r+k)
// exactly. The input is never mutated. A patch whose FromRevision does
// not match the mirror's revision cannot be applied and returns a
// ResyncNeeded error.
func Apply(s *state.State, p Patch) (*state.State, error) {
	if s.Revision != p.FromRevision {
		return nil, state.Newf(state.ResyncNeeded, "patch from revision %d cannot apply at revision %d", p.FromRevision, s.Revision)
	}
	c := s.Clone()
	for _, op := range p.Ops {
		switch op.Kind {
		case OpUpsertProfile:
			c.Profiles[op.Profile.ID] = op.Profile.Clone()
		case OpDeleteProfile:
			delete(c.Profiles, op.ProfileID)
		case OpUpsertWorkspace:
			c.Workspaces[op.Workspace.ID] = op.Workspace.Clone()
		case OpDeleteWorkspace:
			delete(c.Workspaces, op.WorkspaceID)
		case OpUpsertTab:
			t := op.Tab.Clone()
			if prev, ok := c.Tabs[t.ID]; ok && t.Runtime == nil {
				t.Runtime = prev.Runtime.Clone()
			}
			if t.Runtime == nil {
				t.Runtime = &state.TabRuntime{}
			}
			c.Tabs[t.ID] = t
		case OpDeleteTab:
			delete(c.Tabs, op.TabID)
		case OpSetActiveProfile:
			c.ActiveProfileID = op.ProfileID
		case OpSetSetting:
			c.Settings[op.SettingKey] = op.SettingValue
		case OpSetWorkspaceOrder:
			if pr, ok := c.Profiles[op.ProfileID]; ok {
				pr.WorkspaceOrder = append([]state.WorkspaceID(nil), op.WorkspaceOrder...)
			}
		case OpSetTabOrder:
			if w, ok := c.Workspaces[op.WorkspaceID]; ok {
				w.TabOrder = append([]state.TabID(nil), op.TabOrder...)
			}
		case OpSetActiveWorkspace:
			if pr, ok := c.Profiles[op.ProfileID]; ok {
				pr.ActiveWorkspaceID = op.ActiveWorkspaceID
			}
		case OpSetActiveTab:
			if w, ok := c.Workspaces[op.WorkspaceID]; ok {
				w.ActiveTabID = op.ActiveTabID
			}
		case OpSetTabRuntime:
			if t, ok := c.Tabs[op.RuntimeTabID]; ok {
				if t.Runtime == nil {
					t.Runtime = &state.TabRuntime{}
				}
				t.Runtime.Status = op.Status
				t.Runtime.Thumbnail = op.Thumbnail
				t.Runtime.Loading = op.Loading
				t.Runtime.Error = op.RuntimeError
			}
		default:
			return nil, state.Newf(state.MalformedIntent, "unknown patch op kind %v", op.Kind)
		}
	}
	c.Revision = p.ToRevision
	return c, nil
}
