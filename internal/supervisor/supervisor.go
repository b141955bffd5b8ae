// Package supervisor wires every component into the single mutation
// thread: the one goroutine that ever calls intent.Reduce, in arrival
// order, draining pkg/intentqueue, and the one that commits each accepted
// patch to persistence. Everything else — the bridge's websocket reads,
// the engine's event stream, thumbnail capture — runs on its own
// goroutine and only ever reaches
// canonical state by enqueuing an intent and waiting on a per-call result
// channel.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"shellcore/internal/bridge"
	"shellcore/internal/intent"
	"shellcore/internal/persistence"
	"shellcore/internal/revision"
	"shellcore/internal/scheduler"
	"shellcore/internal/state"
	"shellcore/pkg/intentqueue"
	"shellcore/pkg/logging"
	"shellcore/pkg/metrics"
)

// EngineDriver is the slice of the engine resource manager the
// supervisor drives: content-view lifecycle plus visibility and
// thumbnail capture. *engine.Engine implements it; tests substitute a
// recording fake.
type EngineDriver interface {
	CreateView(ctx context.Context, profileID state.ProfileID, partitionHandle string, tabID state.TabID, url string) error
	Navigate(ctx context.Context, tabID state.TabID, url string) error
	SetVisible(ctx context.Context, tabID state.TabID, visible bool) error
	CaptureThumbnail(ctx context.Context, tabID state.TabID) ([]byte, error)
	DestroyView(ctx context.Context, tabID state.TabID) error
}

// pending is one queued request awaiting a reducer result.
type pending struct {
	in     intent.Intent
	result chan<- result
}

type result struct {
	patch revision.Patch
	err   error
}

// Supervisor owns canonical state and is the sole writer of it. It
// exposes Submit (used by bridge.Reducer) and Since/Snapshot (read-only,
// safe from any goroutine since they only touch the revision log and a
// cloned state).
type Supervisor struct {
	log     *logging.Logger
	metrics *metrics.Collector
	store   *persistence.Store
	eng     EngineDriver
	events  <-chan intent.Intent
	sched   *scheduler.Scheduler
	ids     *state.IDGenerators
	queue   *intentqueue.Queue
	patches *revision.Log

	thumbDir string

	mu    sync.RWMutex
	state *state.State

	overlayMu sync.Mutex
	overlay   bool

	bridgeRateLimit float64
	bridgeRateBurst int

	waiters chan pending

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a supervisor around already-loaded boot state. Call Run
// to start the mutation thread. events is the engine's intent stream
// (nil when no engine is wired); thumbDir is where hideAndThumbnail
// writes captured screenshots and may be empty, in which case screenshots
// are still taken but neither written nor recorded.
func New(boot *state.State, store *persistence.Store, eng EngineDriver, events <-chan intent.Intent, sched *scheduler.Scheduler, ids *state.IDGenerators, queueCapacity int, thumbDir string, log *logging.Logger, m *metrics.Collector) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		log:             log,
		metrics:         m,
		store:           store,
		eng:             eng,
		events:          events,
		sched:           sched,
		ids:             ids,
		queue:           intentqueue.New(queueCapacity),
		patches:         revision.NewLog(256),
		thumbDir:        thumbDir,
		state:           boot,
		bridgeRateLimit: 200,
		bridgeRateBurst: 400,
		waiters:         make(chan pending, queueCapacity),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// SetBridgeRateLimit overrides the per-connection verb rate limit Bridge
// applies. Call before Bridge; it has no effect on an already-constructed
// bridge.Server.
func (sv *Supervisor) SetBridgeRateLimit(limit float64, burst int) {
	sv.bridgeRateLimit = limit
	sv.bridgeRateBurst = burst
}

// Bridge returns a bridge.Server wired to this supervisor, including as
// the ui_overlay sink: hiding the active content view behind modal
// chrome is engine-manager work the supervisor is already positioned to
// drive from the mutation thread's view of which tab is active.
func (sv *Supervisor) Bridge() *bridge.Server {
	return bridge.NewServerWithOverlay(sv, sv, sv.log, sv.bridgeRateLimit, sv.bridgeRateBurst)
}

// SetOverlay implements bridge.OverlayObserver. When the chrome shows
// modal UI over the content area, the active tab's view is hidden (its
// runtime status stays Active; no Warm demotion) so it stops compositing
// underneath the modal; when the overlay closes, the active view is shown
// again.
func (sv *Supervisor) SetOverlay(visible bool) {
	sv.overlayMu.Lock()
	if sv.overlay == visible {
		sv.overlayMu.Unlock()
		return
	}
	sv.overlay = visible
	sv.overlayMu.Unlock()

	if sv.eng == nil {
		return
	}
	activeTab := sv.currentActiveTab()
	if activeTab == 0 {
		return
	}
	go func() {
		if err := sv.eng.SetVisible(sv.ctx, activeTab, !visible); err != nil {
			sv.log.Warn("overlay set visible failed", zap.Int64("tab_id", int64(activeTab)), zap.Bool("overlay", visible), zap.Error(err))
		}
	}()
}

func (sv *Supervisor) currentActiveTab() state.TabID {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	p, ok := sv.state.Profiles[sv.state.ActiveProfileID]
	if !ok {
		return 0
	}
	w, ok := sv.state.Workspaces[p.ActiveWorkspaceID]
	if !ok {
		return 0
	}
	return w.ActiveTabID
}

// Run starts the mutation thread and the engine event drain. It blocks
// until ctx is done, then drains in-flight work and returns.
func (sv *Supervisor) Run(ctx context.Context) {
	sv.seedRestores()
	sv.wg.Add(2)
	go sv.mutationLoop(ctx)
	go sv.engineEventLoop(ctx)
	<-ctx.Done()
	sv.cancel()
	sv.wg.Wait()
}

// Submit implements bridge.Reducer: enqueue an intent from a chrome
// connection and wait for the mutation thread to apply it. It is also
// used internally (by completeRestore and hideAndThumbnail) to feed
// supervisor-origin and engine-origin follow-up intents back through the
// same serialized path as chrome-origin ones.
func (sv *Supervisor) Submit(ctx context.Context, in intent.Intent) (revision.Patch, error) {
	resultCh := make(chan result, 1)
	if !sv.queue.TryPush(in) {
		if sv.metrics != nil {
			sv.metrics.QueueRejections.Inc()
		}
		return revision.Patch{}, state.Newf(state.MalformedIntent, "intent queue full, rejected")
	}
	if sv.metrics != nil {
		sv.metrics.QueueDepth.Set(float64(sv.queue.Depth()))
	}
	select {
	case sv.waiters <- pending{in: in, result: resultCh}:
	case <-ctx.Done():
		return revision.Patch{}, ctx.Err()
	}
	select {
	case r := <-resultCh:
		return r.patch, r.err
	case <-ctx.Done():
		return revision.Patch{}, ctx.Err()
	}
}

// Snapshot implements bridge.Reducer: a consistent point-in-time copy of
// canonical state, served by query_shell_state for a first read or a
// forced resync.
func (sv *Supervisor) Snapshot() revision.Snapshot {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return revision.Snapshot{Revision: sv.state.Revision, State: sv.state.Clone()}
}

// Since implements bridge.Reducer, delegating to the patch log. A false
// return means the chrome's revision aged out of the log and the bridge
// falls back to a full snapshot; those fallbacks are counted.
func (sv *Supervisor) Since(fromRevision int64) ([]revision.Patch, bool) {
	patches, ok := sv.patches.Since(fromRevision)
	if !ok && sv.metrics != nil {
		sv.metrics.ResyncTotal.Inc()
	}
	return patches, ok
}

// seedRestores registers a pending restore for any tab already in
// Restoring when the supervisor starts — the cold-boot bootstrap leaves
// the initial tab there — so the chrome's first frame commit completes
// it the same way a live activation would.
func (sv *Supervisor) seedRestores() {
	if sv.sched == nil {
		return
	}
	sv.mu.RLock()
	st := sv.state
	sv.mu.RUnlock()
	for id, t := range st.Tabs {
		if t.Runtime != nil && t.Runtime.Status == state.Restoring {
			sv.sched.OnActivate(st, t.Runtime.RestoringSince, 0, id)
		}
	}
}

// mutationLoop is the single goroutine that ever mutates canonical state.
func (sv *Supervisor) mutationLoop(ctx context.Context) {
	defer sv.wg.Done()
	for {
		var p pending
		select {
		case p = <-sv.waiters:
		case <-ctx.Done():
			return
		}
		sv.queue.Release()
		sv.apply(ctx, p)
	}
}

func (sv *Supervisor) apply(ctx context.Context, p pending) {
	sv.mu.RLock()
	prior := sv.state
	sv.mu.RUnlock()

	// UiReady and FrameCommitted never reach Reduce: neither changes
	// canonical state, so bumping the revision counter or persisting a
	// patch for either would be observable but meaningless noise on the
	// wire. FrameCommitted instead drives the scheduler's restore gate
	// directly; UiReady is acknowledged with an empty result, and the
	// chrome reads canonical state through query_shell_state.
	switch p.in.Kind {
	case intent.UiReady:
		p.result <- result{}
		return
	case intent.FrameCommitted:
		sv.onFrameCommitted(ctx, prior, p.in.Revision)
		p.result <- result{}
		return
	}

	start := time.Now()
	prevActive := previousActiveTab(prior, p.in)

	// A switch into a profile or workspace that has never been hydrated
	// pulls its children off disk first; the hydration ops ride in the
	// same patch as the switch so every mirror sees the entities before
	// the pointers that reference them.
	prior, hydrationOps := sv.hydrateFor(ctx, prior, p.in)

	next, patch, err := intent.Reduce(prior, p.in, sv.ids, time.Now())
	if sv.metrics != nil {
		sv.metrics.IntentLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		p.result <- result{err: err}
		return
	}
	if len(hydrationOps) > 0 {
		patch.Ops = append(hydrationOps, patch.Ops...)
	}

	commitStart := time.Now()
	if sv.store != nil {
		if cerr := sv.store.Commit(ctx, next, touchedFrom(patch)); cerr != nil {
			if sv.metrics != nil {
				sv.metrics.ObserveCommit(time.Since(commitStart), cerr)
			}
			p.result <- result{err: state.Wrap(state.CommitFailure, "persist intent", cerr)}
			return
		}
	}
	if sv.metrics != nil {
		sv.metrics.ObserveCommit(time.Since(commitStart), nil)
		sv.metrics.RevisionCounter.Inc()
		sv.metrics.PatchOpsTotal.Add(float64(len(patch.Ops)))
	}

	sv.mu.Lock()
	sv.state = next
	sv.mu.Unlock()
	sv.patches.Append(patch)
	sv.observeTabCounts(next)

	sv.reclaimDeletedTabs(ctx, prior, patch)
	sv.runScheduler(ctx, prior, next, p.in, prevActive, patch.ToRevision)

	p.result <- result{patch: patch}
}

// hydrateFor materializes lazily-loaded entities the intent is about to
// reach into: a profile whose workspaces were never loaded, or a
// workspace whose tabs were never loaded (the boot snapshot carries only
// the active profile's workspaces and the active workspace's tabs). The
// returned state is a clone with the children attached; the ops replay
// the same upserts onto chrome's mirror. Hydration failure degrades to
// the unhydrated state — the switch still lands, and the next switch
// retries the load.
func (sv *Supervisor) hydrateFor(ctx context.Context, st *state.State, in intent.Intent) (*state.State, []revision.Op) {
	if sv.store == nil {
		return st, nil
	}
	switch in.Kind {
	case intent.SwitchProfile:
		p, ok := st.Profiles[in.ProfileID]
		if !ok || len(p.WorkspaceOrder) > 0 {
			return st, nil
		}
		c := st.Clone()
		ops, err := sv.hydrateProfile(ctx, c, in.ProfileID)
		if err != nil {
			sv.log.Warn("hydrate profile failed", zap.Int64("profile_id", int64(in.ProfileID)), zap.Error(err))
			return st, nil
		}
		return c, ops
	case intent.SwitchWorkspace:
		w, ok := st.Workspaces[in.WorkspaceID]
		if !ok || len(w.TabOrder) > 0 {
			return st, nil
		}
		c := st.Clone()
		ops, err := sv.hydrateWorkspace(ctx, c, in.WorkspaceID)
		if err != nil {
			sv.log.Warn("hydrate workspace failed", zap.Int64("workspace_id", int64(in.WorkspaceID)), zap.Error(err))
			return st, nil
		}
		return c, ops
	}
	return st, nil
}

// hydrateProfile attaches a profile's workspaces (and its stored active
// workspace's tabs) to c, returning the ops that replay the attachment.
func (sv *Supervisor) hydrateProfile(ctx context.Context, c *state.State, profileID state.ProfileID) ([]revision.Op, error) {
	p := c.Profiles[profileID]
	workspaces, err := sv.store.LoadProfileWorkspaces(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if len(workspaces) == 0 {
		return nil, nil
	}
	var ops []revision.Op
	for _, w := range workspaces {
		c.Workspaces[w.ID] = w
		p.WorkspaceOrder = append(p.WorkspaceOrder, w.ID)
		ops = append(ops, revision.Op{Kind: revision.OpUpsertWorkspace, Workspace: w.Clone()})
	}
	ops = append(ops, revision.Op{Kind: revision.OpSetWorkspaceOrder, ProfileID: p.ID, WorkspaceOrder: append([]state.WorkspaceID(nil), p.WorkspaceOrder...)})

	stored, err := sv.store.StoredActiveWorkspace(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if _, ok := c.Workspaces[stored]; !ok {
		stored = p.WorkspaceOrder[0]
	}
	p.ActiveWorkspaceID = stored
	ops = append(ops, revision.Op{Kind: revision.OpSetActiveWorkspace, ProfileID: p.ID, ActiveWorkspaceID: stored})

	tabOps, err := sv.hydrateWorkspace(ctx, c, stored)
	if err != nil {
		return nil, err
	}
	return append(ops, tabOps...), nil
}

// hydrateWorkspace attaches a workspace's tabs to c, returning the ops
// that replay the attachment.
func (sv *Supervisor) hydrateWorkspace(ctx context.Context, c *state.State, workspaceID state.WorkspaceID) ([]revision.Op, error) {
	w := c.Workspaces[workspaceID]
	tabs, activeTab, err := sv.store.LoadWorkspaceTabs(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if len(tabs) == 0 {
		return nil, nil
	}
	var ops []revision.Op
	for _, t := range tabs {
		c.Tabs[t.ID] = t
		w.TabOrder = append(w.TabOrder, t.ID)
		ops = append(ops, revision.Op{Kind: revision.OpUpsertTab, Tab: t.Clone()})
	}
	ops = append(ops, revision.Op{Kind: revision.OpSetTabOrder, WorkspaceID: w.ID, TabOrder: append([]state.TabID(nil), w.TabOrder...)})
	if _, ok := c.Tabs[activeTab]; !ok {
		activeTab = w.TabOrder[0]
	}
	w.ActiveTabID = activeTab
	ops = append(ops, revision.Op{Kind: revision.OpSetActiveTab, WorkspaceID: w.ID, ActiveTabID: activeTab})
	return ops, nil
}

func (sv *Supervisor) observeTabCounts(st *state.State) {
	if sv.metrics == nil {
		return
	}
	var active, warm, discarded, restoring int
	for _, t := range st.Tabs {
		if t.Runtime == nil {
			continue
		}
		switch t.Runtime.Status {
		case state.Active:
			active++
		case state.Warm:
			warm++
		case state.Discarded:
			discarded++
		case state.Restoring:
			restoring++
		}
	}
	sv.metrics.SetTabCounts(active, warm, discarded, restoring)
	sv.metrics.QueueDepth.Set(float64(sv.queue.Depth()))
}

// reclaimDeletedTabs tears down the engine view (if any) and forgets the
// scheduler's touch-list entry for every tab the patch deleted outright —
// whether by a direct CloseTab or as cascade fallout from DeleteWorkspace
// or DeleteProfile. profileID is read from the pre-reduce state since the
// tab is already gone from next.
func (sv *Supervisor) reclaimDeletedTabs(ctx context.Context, prior *state.State, patch revision.Patch) {
	for _, op := range patch.Ops {
		if op.Kind != revision.OpDeleteTab {
			continue
		}
		tabID := op.TabID
		var profileID state.ProfileID
		if t, ok := prior.Tabs[tabID]; ok {
			profileID = t.ProfileID
		}
		if sv.sched != nil {
			sv.sched.OnClose(profileID, tabID)
		}
		if sv.eng != nil {
			go func(tabID state.TabID) {
				if err := sv.eng.DestroyView(ctx, tabID); err != nil {
					sv.log.Warn("destroy view for closed tab", zap.Int64("tab_id", int64(tabID)), zap.Error(err))
				}
			}(tabID)
		}
	}
}

// runScheduler asks the scheduler what follow-up engine work an
// activation (or a discard) implies, then drives the engine resource
// manager asynchronously so a slow CDP call never blocks the mutation
// thread. Follow-up state transitions (ViewReady/ViewFailed,
// ThumbnailCaptured) are submitted later as ordinary intents once the
// asynchronous work completes.
func (sv *Supervisor) runScheduler(ctx context.Context, prior, next *state.State, in intent.Intent, prevActive state.TabID, patchRevision int64) {
	if sv.sched == nil {
		return
	}

	if in.Kind == intent.DiscardTab {
		if t, ok := next.Tabs[in.TabID]; ok {
			sv.sched.OnClose(t.ProfileID, in.TabID)
		}
		if sv.eng != nil {
			tabID := in.TabID
			go func() {
				if err := sv.eng.DestroyView(ctx, tabID); err != nil {
					sv.log.Warn("destroy view for discarded tab", zap.Int64("tab_id", int64(tabID)), zap.Error(err))
				}
			}()
		}
		return
	}

	var newActive state.TabID
	switch in.Kind {
	case intent.ActivateTab, intent.Navigate:
		newActive = in.TabID
	case intent.NewTab:
		if w, ok := next.Workspaces[in.WorkspaceID]; ok {
			newActive = w.ActiveTabID
		}
	case intent.CloseTab:
		// Only relevant if the closed tab was the active one: the reducer
		// then promoted a successor within the same workspace. The closed
		// tab is already gone from next, so its workspace comes from prior.
		if prevActive == in.TabID {
			if t, ok := prior.Tabs[in.TabID]; ok {
				if w, ok := next.Workspaces[t.WorkspaceID]; ok {
					newActive = w.ActiveTabID
				}
			}
		}
	case intent.SwitchWorkspace:
		if w, ok := next.Workspaces[in.WorkspaceID]; ok {
			newActive = w.ActiveTabID
		}
	case intent.SwitchProfile:
		if p, ok := next.Profiles[in.ProfileID]; ok {
			if w, ok := next.Workspaces[p.ActiveWorkspaceID]; ok {
				newActive = w.ActiveTabID
			}
		}
	default:
		return
	}
	if newActive == 0 || sv.eng == nil {
		return
	}

	decision := sv.sched.OnActivate(next, patchRevision, prevActive, newActive)

	// A navigate landing on a tab that already has a live view drives the
	// engine directly; a Restoring tab's navigation happens inside the
	// deferred CreateView instead. A navigation failure is not fatal: the
	// URL stands and only the loading flag is cleared.
	if in.Kind == intent.Navigate {
		if t, ok := next.Tabs[in.TabID]; ok && t.Runtime != nil && t.Runtime.Status == state.Active {
			tabID, url := in.TabID, t.URL
			go func() {
				start := time.Now()
				err := sv.eng.Navigate(ctx, tabID, url)
				if sv.metrics != nil {
					sv.metrics.ObserveEngineCall("navigate", time.Since(start), err)
				}
				if err != nil {
					sv.log.Warn("navigate failed", zap.Int64("tab_id", int64(tabID)), zap.String("url", url), zap.Error(err))
					if _, serr := sv.Submit(ctx, intent.Intent{Kind: intent.LoadingChanged, TabID: tabID, Loading: false}); serr != nil {
						sv.log.Warn("loading rollback rejected", zap.Int64("tab_id", int64(tabID)), zap.Error(serr))
					}
				}
			}()
		}
	}

	// decision.Restore stays parked in the scheduler's pending slot: the
	// engine is only asked to create the view once the chrome reports the
	// Restoring placeholder rendered (onFrameCommitted). Calling the
	// engine here would put a blank view on screen before the thumbnail.
	if decision.MakeHidden != 0 {
		go sv.hideAndThumbnail(ctx, decision.MakeHidden)
	}
	if decision.MakeVisible != 0 {
		tabID := decision.MakeVisible
		go func() {
			if err := sv.eng.SetVisible(ctx, tabID, true); err != nil {
				sv.log.Warn("show view failed", zap.Int64("tab_id", int64(tabID)), zap.Error(err))
			}
		}()
	}
	for _, tabID := range decision.Evictions {
		if sv.metrics != nil {
			sv.metrics.WarmEvictions.Inc()
		}
		tabID := tabID
		go func() {
			if err := sv.eng.DestroyView(ctx, tabID); err != nil {
				sv.log.Warn("destroy view for evicted tab", zap.Int64("tab_id", int64(tabID)), zap.Error(err))
			}
		}()
	}
}

// onFrameCommitted hands a chrome-reported rendered revision to the
// scheduler and asynchronously completes every restore it clears.
func (sv *Supervisor) onFrameCommitted(ctx context.Context, st *state.State, rev int64) {
	if sv.sched == nil || sv.eng == nil {
		return
	}
	for _, pr := range sv.sched.OnFrameCommitted(st, rev) {
		pr := pr
		go sv.completeRestore(ctx, pr)
	}
}

// completeRestore drives the engine manager's CreateView for a tab the
// scheduler cleared to restore, then feeds the outcome back through
// Submit as an ordinary ViewReady/ViewFailed intent so it is serialized
// with everything else on the mutation thread.
func (sv *Supervisor) completeRestore(ctx context.Context, pr scheduler.PendingRestore) {
	var in intent.Intent
	start := time.Now()
	err := sv.eng.CreateView(ctx, pr.ProfileID, pr.PartitionHandle, pr.TabID, pr.URL)
	if sv.metrics != nil {
		sv.metrics.ObserveEngineCall("create_view", time.Since(start), err)
	}
	if err != nil {
		sv.log.Warn("engine create view failed", zap.Int64("tab_id", int64(pr.TabID)), zap.Error(err))
		in = intent.Intent{Kind: intent.ViewFailed, TabID: pr.TabID, ErrorMessage: err.Error()}
	} else {
		in = intent.Intent{Kind: intent.ViewReady, TabID: pr.TabID}
	}
	if _, err := sv.Submit(ctx, in); err != nil {
		sv.log.Warn("view outcome intent rejected", zap.String("kind", in.Kind.String()), zap.Error(err))
	}
}

// hideAndThumbnail captures a best-effort screenshot of a tab being
// demoted from Active to Warm, persists it, and then hides the view. A
// capture failure never blocks hiding the view: a stale or missing
// thumbnail is cosmetic, an extra visible view burning GPU is not.
func (sv *Supervisor) hideAndThumbnail(ctx context.Context, tabID state.TabID) {
	if sv.eng == nil {
		return
	}
	start := time.Now()
	buf, err := sv.eng.CaptureThumbnail(ctx, tabID)
	if sv.metrics != nil {
		sv.metrics.ObserveEngineCall("capture_thumbnail", time.Since(start), err)
	}
	if err != nil {
		sv.log.Warn("capture thumbnail failed", zap.Int64("tab_id", int64(tabID)), zap.Error(err))
	} else if sv.thumbDir != "" {
		path := filepath.Join(sv.thumbDir, fmt.Sprintf("%d.png", tabID))
		if werr := os.WriteFile(path, buf, 0o644); werr != nil {
			sv.log.Warn("write thumbnail", zap.Int64("tab_id", int64(tabID)), zap.Error(werr))
		} else {
			if sv.store != nil {
				if serr := sv.store.SaveThumbnail(ctx, tabID, path, time.Now()); serr != nil {
					sv.log.Warn("save thumbnail record", zap.Int64("tab_id", int64(tabID)), zap.Error(serr))
				}
			}
			if _, err := sv.Submit(ctx, intent.Intent{Kind: intent.ThumbnailCaptured, TabID: tabID, ThumbnailRef: path}); err != nil {
				sv.log.Warn("thumbnail captured intent rejected", zap.Int64("tab_id", int64(tabID)), zap.Error(err))
			}
		}
	}
	if err := sv.eng.SetVisible(ctx, tabID, false); err != nil {
		sv.log.Warn("hide view failed", zap.Int64("tab_id", int64(tabID)), zap.Error(err))
	}
}

// engineEventLoop drains engine-origin intents (title/url/favicon/load
// changes) and submits them through the same queue as chrome-origin
// intents, so they are serialized identically.
func (sv *Supervisor) engineEventLoop(ctx context.Context) {
	defer sv.wg.Done()
	if sv.events == nil {
		return
	}
	for {
		select {
		case ev, ok := <-sv.events:
			if !ok {
				return
			}
			if _, err := sv.Submit(ctx, ev); err != nil {
				sv.log.Warn("engine-origin intent rejected", zap.String("kind", ev.Kind.String()), zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// previousActiveTab resolves, from the pre-reduce state, which tab held
// the visible slot the intent is about to reassign. For activations it is
// the profile's currently-visible tab (the active workspace's active tab),
// matching the reducer's own demotion target; for CloseTab it is the
// closed tab's workspace pointer, which is only consulted to detect that
// the closed tab itself was the active one.
func previousActiveTab(s *state.State, in intent.Intent) state.TabID {
	switch in.Kind {
	case intent.ActivateTab, intent.Navigate:
		if t, ok := s.Tabs[in.TabID]; ok {
			return profileActive(s, t.ProfileID)
		}
	case intent.CloseTab:
		if t, ok := s.Tabs[in.TabID]; ok {
			if w, ok := s.Workspaces[t.WorkspaceID]; ok {
				return w.ActiveTabID
			}
		}
	case intent.NewTab:
		if w, ok := s.Workspaces[in.WorkspaceID]; ok {
			if p, ok := s.Profiles[w.ProfileID]; ok && p.ActiveWorkspaceID == w.ID {
				return profileActive(s, w.ProfileID)
			}
			return w.ActiveTabID
		}
	case intent.SwitchWorkspace:
		if w, ok := s.Workspaces[in.WorkspaceID]; ok {
			return profileActive(s, w.ProfileID)
		}
	}
	return 0
}

func profileActive(s *state.State, profileID state.ProfileID) state.TabID {
	p, ok := s.Profiles[profileID]
	if !ok {
		return 0
	}
	w, ok := s.Workspaces[p.ActiveWorkspaceID]
	if !ok {
		return 0
	}
	return w.ActiveTabID
}

// touchedFrom derives the persistence Touched set from a patch's ops, so
// Commit only writes what actually changed.
func touchedFrom(p revision.Patch) persistence.Touched {
	var t persistence.Touched
	t.Settings = make(map[string]string)
	for _, op := range p.Ops {
		switch op.Kind {
		case revision.OpUpsertProfile:
			t.Profiles = append(t.Profiles, op.Profile.ID)
		case revision.OpDeleteProfile:
			t.DeletedProfiles = append(t.DeletedProfiles, op.ProfileID)
		case revision.OpUpsertWorkspace:
			t.Workspaces = append(t.Workspaces, op.Workspace.ID)
		case revision.OpDeleteWorkspace:
			t.DeletedWorkspaces = append(t.DeletedWorkspaces, op.WorkspaceID)
		case revision.OpUpsertTab:
			t.Tabs = append(t.Tabs, op.Tab.ID)
		case revision.OpDeleteTab:
			t.DeletedTabs = append(t.DeletedTabs, op.TabID)
		case revision.OpSetSetting:
			t.Settings[op.SettingKey] = op.SettingValue
		case revision.OpSetWorkspaceOrder:
			t.WorkspaceOrders = append(t.WorkspaceOrders, op.ProfileID)
		case revision.OpSetActiveWorkspace:
			t.Profiles = append(t.Profiles, op.ProfileID)
		case revision.OpSetTabOrder:
			t.TabOrders = append(t.TabOrders, op.WorkspaceID)
		case revision.OpSetActiveTab:
			t.Workspaces = append(t.Workspaces, op.WorkspaceID)
		case revision.OpSetTabRuntime:
			// Runtime-only facts are never persisted; nothing to touch.
		}
	}
	return t
}
