// Package engine is the resource manager wrapping the embedded
// Chromium-class engine: it owns one chromedp allocator context per
// profile (so cookies/cache/storage stay partitioned) and one browser tab
// context per live content view, and it translates the engine's own
// lifecycle events (main-frame navigation, title, favicon, load state) into the
// engine-origin intents the reducer consumes.
//
// Views are not fungible or recyclable — each is pinned to one tab for
// its lifetime — so there is no acquire/release cycle, only
// CreateView/DestroyView keyed by tab id.
package engine

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"shellcore/internal/intent"
	"shellcore/internal/state"
	"shellcore/pkg/logging"
)

// Config controls how the engine launches and partitions content views.
type Config struct {
	Headless          bool
	ProfileDataDir    string // base directory; per-profile subdirectories are derived from PartitionHandle
	ThumbnailMaxWidth int
	NavigateTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.ThumbnailMaxWidth <= 0 {
		c.ThumbnailMaxWidth = 480
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	return c
}

// view is the live engine-side state for one tab's content view.
type view struct {
	tabCtx    context.Context
	tabCancel context.CancelFunc
}

// Engine manages content views across every partitioned profile and
// publishes engine-origin intents on Events as the underlying pages load.
type Engine struct {
	cfg Config
	log *logging.Logger

	mu         sync.Mutex
	allocators map[state.ProfileID]allocator
	views      map[state.TabID]*view

	Events chan intent.Intent
}

type allocator struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns an engine with no allocators or views yet created; profile
// allocators are created lazily on first CreateView for that profile.
func New(cfg Config, log *logging.Logger) *Engine {
	return &Engine{
		cfg:        cfg.withDefaults(),
		log:        log,
		allocators: make(map[state.ProfileID]allocator),
		views:      make(map[state.TabID]*view),
		Events:     make(chan intent.Intent, 256),
	}
}

func (e *Engine) allocatorFor(profileID state.ProfileID, partitionHandle string) allocator {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.allocators[profileID]; ok {
		return a
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", e.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.UserDataDir(e.cfg.ProfileDataDir+"/"+partitionHandle),
	)
	ctx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	a := allocator{ctx: ctx, cancel: cancel}
	e.allocators[profileID] = a
	return a
}

// CreateView creates a content view for tabID under its owning profile's
// partition and begins navigation to url. It blocks until the navigation
// either resolves or times out; the caller (the supervisor, completing a
// deferred restore) is responsible for reporting the outcome as a
// ViewReady/ViewFailed intent.
func (e *Engine) CreateView(ctx context.Context, profileID state.ProfileID, partitionHandle string, tabID state.TabID, url string) error {
	a := e.allocatorFor(profileID, partitionHandle)

	tabCtx, tabCancel := chromedp.NewContext(a.ctx)

	e.mu.Lock()
	e.views[tabID] = &view{tabCtx: tabCtx, tabCancel: tabCancel}
	e.mu.Unlock()

	chromedp.ListenTarget(tabCtx, e.listenerFor(tabID))

	navCtx, cancel := context.WithTimeout(tabCtx, e.cfg.NavigateTimeout)
	defer cancel()
	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		e.mu.Lock()
		e.destroyViewLocked(tabID)
		e.mu.Unlock()
		return state.Wrap(state.EngineFailure, fmt.Sprintf("create view for tab %d", tabID), err)
	}
	return nil
}

// Navigate changes the URL of an already-live content view.
func (e *Engine) Navigate(ctx context.Context, tabID state.TabID, url string) error {
	e.mu.Lock()
	v, ok := e.views[tabID]
	e.mu.Unlock()
	if !ok {
		return state.Newf(state.EngineFailure, "navigate: tab %d has no live view", tabID)
	}
	navCtx, cancel := context.WithTimeout(v.tabCtx, e.cfg.NavigateTimeout)
	defer cancel()
	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		return state.Wrap(state.EngineFailure, fmt.Sprintf("navigate tab %d", tabID), err)
	}
	return nil
}

// SetVisible shows or hides a tab's content view. A hidden view stays
// live but is put into the frozen web lifecycle state; showing it sets
// the active state again. Only one view per profile is ever visible.
func (e *Engine) SetVisible(ctx context.Context, tabID state.TabID, visible bool) error {
	e.mu.Lock()
	v, ok := e.views[tabID]
	e.mu.Unlock()
	if !ok {
		return state.Newf(state.EngineFailure, "set visible: tab %d has no live view", tabID)
	}
	return chromedp.Run(v.tabCtx, page.SetWebLifecycleState(visibleState(visible)))
}

func visibleState(visible bool) page.SetWebLifecycleStateState {
	if visible {
		return page.SetWebLifecycleStateStateActive
	}
	return page.SetWebLifecycleStateStateFrozen
}

// CaptureThumbnail screenshots the current view and returns the image
// bytes. Writing them to disk and recording the path is the caller's
// concern.
func (e *Engine) CaptureThumbnail(ctx context.Context, tabID state.TabID) ([]byte, error) {
	e.mu.Lock()
	v, ok := e.views[tabID]
	e.mu.Unlock()
	if !ok {
		return nil, state.Newf(state.EngineFailure, "capture thumbnail: tab %d has no live view", tabID)
	}
	var buf []byte
	err := chromedp.Run(v.tabCtx, chromedp.CaptureScreenshot(&buf))
	if err != nil {
		return nil, state.Wrap(state.EngineFailure, fmt.Sprintf("capture thumbnail tab %d", tabID), err)
	}
	return buf, nil
}

// DestroyView tears down tabID's content view. Safe to call on a tab with
// no live view (no-op).
func (e *Engine) DestroyView(ctx context.Context, tabID state.TabID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyViewLocked(tabID)
	return nil
}

func (e *Engine) destroyViewLocked(tabID state.TabID) {
	v, ok := e.views[tabID]
	if !ok {
		return
	}
	v.tabCancel()
	delete(e.views, tabID)
}

// Close tears down every view and profile allocator. The Events channel
// is left open: late listener callbacks from canceled contexts may still
// attempt a send, and consumers stop draining via their own context.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for tabID := range e.views {
		e.destroyViewLocked(tabID)
	}
	for _, a := range e.allocators {
		a.cancel()
	}
}

// listenerFor returns a chromedp target event listener that translates
// CDP page/target lifecycle events for tabID into engine-origin intents:
// main-frame navigation to UrlChanged plus a FaviconChanged for the new
// origin, frame load start/stop to LoadingChanged, and target info
// updates to TitleChanged.
func (e *Engine) listenerFor(tabID state.TabID) func(ev any) {
	return func(ev any) {
		switch v := ev.(type) {
		case *page.EventFrameNavigated:
			if v.Frame.ParentID != "" {
				return
			}
			e.emit(intent.Intent{Kind: intent.UrlChanged, TabID: tabID, URL: v.Frame.URL})
			if ref := faviconRef(v.Frame.URL); ref != "" {
				e.emit(intent.Intent{Kind: intent.FaviconChanged, TabID: tabID, FaviconRef: ref})
			}
		case *page.EventFrameStoppedLoading:
			e.emit(intent.Intent{Kind: intent.LoadingChanged, TabID: tabID, Loading: false})
		case *page.EventFrameStartedLoading:
			e.emit(intent.Intent{Kind: intent.LoadingChanged, TabID: tabID, Loading: true})
		case *target.EventTargetInfoChanged:
			// The page target's info carries the document title; this is
			// the only CDP signal that fires on every <title> change.
			if v.TargetInfo == nil || v.TargetInfo.Type != "page" {
				return
			}
			e.emit(intent.Intent{Kind: intent.TitleChanged, TabID: tabID, Title: v.TargetInfo.Title})
		case *page.EventJavascriptDialogOpening:
			// Auto-dismiss: the supervisor never surfaces native dialogs.
			e.mu.Lock()
			view, ok := e.views[tabID]
			e.mu.Unlock()
			if ok {
				// Listener callbacks must not block on CDP calls.
				go func() { _ = chromedp.Run(view.tabCtx, page.HandleJavaScriptDialog(false)) }()
			}
		}
	}
}

// faviconRef derives the conventional favicon location for a page URL.
// CDP has no favicon event; the chrome resolves this reference itself,
// so only http(s) origins produce one.
func faviconRef(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/favicon.ico"
}

func (e *Engine) emit(i intent.Intent) {
	select {
	case e.Events <- i:
	default:
		if e.log != nil {
			e.log.Warn("engine event dropped, Events channel full")
		}
	}
}
