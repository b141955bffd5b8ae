// Package scheduler implements the tab lifecycle scheduler: the
// Active/Warm/Discarded/Restoring state machine and the per-profile warm
// pool, bounded by a budget and evicted least-recently-used first with
// pinned tabs spared whenever an unpinned candidate exists.
//
// Warm views are not interchangeable — each is pinned to a specific tab
// — so eviction works over a touch list keyed by tab id rather than a
// channel of fungible instances.
package scheduler

import (
	"sync"

	"shellcore/internal/state"
)

// DefaultBudget is the default per-profile warm-pool size: the number of
// hidden-but-live Warm tabs kept alongside the one Active tab.
const DefaultBudget = 8

// MinBudget is the smallest budget the scheduler will honor; configuring
// anything lower is clamped up to it so a profile always keeps a handful
// of warm neighbors around its active tab.
const MinBudget = 5

// Decision is the set of immediate follow-up effects an ActivateTab-like
// transition implies: engine calls to make right away, and warm-pool
// overflow to evict. It never includes creating a content view — that is
// deferred until the chrome has rendered the Restoring placeholder (see
// PendingRestore / OnFrameCommitted).
type Decision struct {
	// Evictions lists tabs to discard (destroy their view) to respect
	// the warm-pool budget, most-stale first.
	Evictions []state.TabID

	// MakeVisible is set when newActive already had a live view (it was
	// Warm, not Discarded) and can be shown immediately.
	MakeVisible state.TabID

	// MakeHidden is the previously active tab, if it had a live view
	// that must now be hidden (and thumbnailed) to make room.
	MakeHidden state.TabID

	// Restore is set when newActive was Discarded and must go through
	// the Restoring -> (frame commit) -> engine create -> Active
	// pipeline. The scheduler parks it in the profile's pending slot;
	// the engine is driven only once OnFrameCommitted releases it.
	Restore *PendingRestore
}

// PendingRestore describes a tab awaiting a FrameCommitted signal at or
// after AtRevision before the engine manager is asked to create its view.
type PendingRestore struct {
	TabID           state.TabID
	ProfileID       state.ProfileID
	PartitionHandle string
	URL             string
	AtRevision      int64
}

// profileLRU tracks the touch order of every non-Discarded tab in one
// profile's warm pool. The front of the list is most-recently-used.
type profileLRU struct {
	order []state.TabID
}

func (l *profileLRU) touch(id state.TabID) {
	l.remove(id)
	l.order = append([]state.TabID{id}, l.order...)
}

func (l *profileLRU) remove(id state.TabID) {
	for i, t := range l.order {
		if t == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			return
		}
	}
}

func (l *profileLRU) len() int {
	return len(l.order)
}

// Scheduler owns the per-profile LRU touch lists, the warm budget, and
// the at-most-one-per-profile pending restore slot. It is consulted (and
// updated) by the supervisor's mutation loop after every accepted intent
// that changes which tab is active, new, or closed.
type Scheduler struct {
	mu      sync.Mutex
	budget  int
	byProf  map[state.ProfileID]*profileLRU
	pending map[state.ProfileID]*PendingRestore
}

// New returns a scheduler with the given warm-pool budget, clamped to
// [MinBudget, +inf).
func New(budget int) *Scheduler {
	if budget < MinBudget {
		budget = MinBudget
	}
	return &Scheduler{
		budget:  budget,
		byProf:  make(map[state.ProfileID]*profileLRU),
		pending: make(map[state.ProfileID]*PendingRestore),
	}
}

// SetBudget changes the warm-pool budget at runtime (live config
// reload), clamped the same way New clamps it. A shrunk budget takes
// effect at the next activation's overflow sweep.
func (s *Scheduler) SetBudget(budget int) {
	if budget < MinBudget {
		budget = MinBudget
	}
	s.mu.Lock()
	s.budget = budget
	s.mu.Unlock()
}

func (s *Scheduler) lru(pid state.ProfileID) *profileLRU {
	l, ok := s.byProf[pid]
	if !ok {
		l = &profileLRU{}
		s.byProf[pid] = l
	}
	return l
}

// OnActivate is called after ActivateTab (or NewTab/SwitchWorkspace/
// SwitchProfile, which can implicitly activate) is accepted, with the
// revision the reducer's patch just published. prevActive is the tab that
// was active before this intent (0 if none). newActive's Runtime is read
// from the post-reduce state, so a Discarded->Restoring transition the
// reducer already applied is visible here.
//
// Any previously pending restore for the same profile that wasn't for
// newActive is dropped without ever calling the engine manager for it —
// this is the cancellation rule: the reducer itself reverts a superseded
// Restoring tab back to Discarded, and this just forgets the stale slot.
func (s *Scheduler) OnActivate(st *state.State, revision int64, prevActive, newActive state.TabID) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := st.Tabs[newActive]
	if !ok {
		return Decision{}
	}
	lru := s.lru(t.ProfileID)
	lru.touch(newActive)

	var d Decision
	if prevActive != 0 && prevActive != newActive {
		if prev, ok := st.Tabs[prevActive]; ok && prev.Runtime != nil && prev.Runtime.Status == state.Warm {
			d.MakeHidden = prevActive
		}
	}

	if t.Runtime != nil {
		switch t.Runtime.Status {
		case state.Active:
			d.MakeVisible = newActive
		case state.Restoring:
			var partition string
			if p, ok := st.Profiles[t.ProfileID]; ok {
				partition = p.PartitionHandle
			}
			pr := &PendingRestore{TabID: newActive, ProfileID: t.ProfileID, PartitionHandle: partition, URL: t.URL, AtRevision: revision}
			s.pending[t.ProfileID] = pr
			d.Restore = pr
		default:
			delete(s.pending, t.ProfileID)
		}
	}

	d.Evictions = s.evictOverflow(st, t.ProfileID, newActive)
	return d
}

// OnFrameCommitted reports which profiles' pending restores are now
// cleared to proceed: the chrome has rendered at least AtRevision, and the
// tab is still the one currently Restoring (not superseded since). Each
// returned entry's pending slot is cleared; the caller owns driving the
// engine manager and submitting the ViewReady/ViewFailed follow-up.
func (s *Scheduler) OnFrameCommitted(st *state.State, revision int64) []PendingRestore {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []PendingRestore
	for pid, pr := range s.pending {
		if revision < pr.AtRevision {
			continue
		}
		t, ok := st.Tabs[pr.TabID]
		if !ok || t.Runtime == nil || t.Runtime.Status != state.Restoring {
			delete(s.pending, pid)
			continue
		}
		ready = append(ready, *pr)
		delete(s.pending, pid)
	}
	return ready
}

// OnClose removes a tab from its profile's touch list and drops any
// pending restore that referenced it.
func (s *Scheduler) OnClose(profileID state.ProfileID, tabID state.TabID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru(profileID).remove(tabID)
	if pr, ok := s.pending[profileID]; ok && pr.TabID == tabID {
		delete(s.pending, profileID)
	}
}

// evictOverflow returns, oldest-first, the Warm tabs to discard so the
// profile's Warm set stays within budget. Only Warm tabs count against
// the budget and only Warm tabs are eviction candidates — the Active tab
// and a Restoring tab are never evicted. Pinned warm tabs are spared
// whenever an unpinned candidate exists anywhere in the touch list.
func (s *Scheduler) evictOverflow(st *state.State, profileID state.ProfileID, justActivated state.TabID) []state.TabID {
	lru := s.lru(profileID)
	warm := make([]state.TabID, 0, lru.len())
	for _, tid := range lru.order {
		t, ok := st.Tabs[tid]
		if !ok || tid == justActivated {
			continue
		}
		if t.Runtime != nil && t.Runtime.Status == state.Warm {
			warm = append(warm, tid)
		}
	}
	overflow := len(warm) - s.budget
	if overflow <= 0 {
		return nil
	}

	// warm is MRU-first (touch() prepends); reverse to get LRU-first so
	// eviction always takes the least-recently-used candidates.
	oldestFirst := make([]state.TabID, 0, len(warm))
	for i := len(warm) - 1; i >= 0; i-- {
		oldestFirst = append(oldestFirst, warm[i])
	}

	var unpinned, pinned []state.TabID
	for _, tid := range oldestFirst {
		if st.Tabs[tid].Pinned {
			pinned = append(pinned, tid)
		} else {
			unpinned = append(unpinned, tid)
		}
	}

	candidates := append(unpinned, pinned...)
	if len(candidates) > overflow {
		candidates = candidates[:overflow]
	}
	for _, tid := range candidates {
		lru.remove(tid)
	}
	return candidates
}
