package engine

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"

	"shellcore/internal/intent"
	"shellcore/pkg/logging"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.ThumbnailMaxWidth != 480 {
		t.Fatalf("expected default thumbnail width 480, got %d", cfg.ThumbnailMaxWidth)
	}
	if cfg.NavigateTimeout != 30*time.Second {
		t.Fatalf("expected default navigate timeout 30s, got %v", cfg.NavigateTimeout)
	}
}

func drainOne(t *testing.T, e *Engine) intent.Intent {
	t.Helper()
	select {
	case in := <-e.Events:
		return in
	default:
		t.Fatal("expected an engine-origin intent emitted")
		return intent.Intent{}
	}
}

func TestListenerTranslatesMainFrameNavigation(t *testing.T) {
	e := New(Config{}, logging.NewDefault())
	listen := e.listenerFor(7)

	listen(&page.EventFrameNavigated{Frame: &cdp.Frame{URL: "https://example.com/docs"}})
	in := drainOne(t, e)
	if in.Kind != intent.UrlChanged || in.TabID != 7 || in.URL != "https://example.com/docs" {
		t.Fatalf("expected UrlChanged for tab 7, got %+v", in)
	}
	// The same main-frame navigation also refreshes the favicon reference
	// for the new origin.
	in = drainOne(t, e)
	if in.Kind != intent.FaviconChanged || in.TabID != 7 || in.FaviconRef != "https://example.com/favicon.ico" {
		t.Fatalf("expected FaviconChanged for the new origin, got %+v", in)
	}
}

func TestListenerSkipsFaviconForNonHTTPSchemes(t *testing.T) {
	e := New(Config{}, logging.NewDefault())
	listen := e.listenerFor(7)

	listen(&page.EventFrameNavigated{Frame: &cdp.Frame{URL: "about:blank"}})
	in := drainOne(t, e)
	if in.Kind != intent.UrlChanged {
		t.Fatalf("expected UrlChanged, got %+v", in)
	}
	select {
	case in := <-e.Events:
		t.Fatalf("expected no favicon for about:blank, got %+v", in)
	default:
	}
}

func TestListenerTranslatesTitleChanges(t *testing.T) {
	e := New(Config{}, logging.NewDefault())
	listen := e.listenerFor(9)

	listen(&target.EventTargetInfoChanged{TargetInfo: &target.Info{Type: "page", Title: "Example Domain"}})
	in := drainOne(t, e)
	if in.Kind != intent.TitleChanged || in.TabID != 9 || in.Title != "Example Domain" {
		t.Fatalf("expected TitleChanged for tab 9, got %+v", in)
	}
}

func TestListenerIgnoresNonPageTargetInfo(t *testing.T) {
	e := New(Config{}, logging.NewDefault())
	listen := e.listenerFor(9)

	listen(&target.EventTargetInfoChanged{TargetInfo: &target.Info{Type: "iframe", Title: "ad frame"}})
	select {
	case in := <-e.Events:
		t.Fatalf("expected non-page target info ignored, got %+v", in)
	default:
	}
}

func TestListenerIgnoresSubframeNavigation(t *testing.T) {
	e := New(Config{}, logging.NewDefault())
	listen := e.listenerFor(7)

	listen(&page.EventFrameNavigated{Frame: &cdp.Frame{URL: "https://ad.example", ParentID: cdp.FrameID("parent")}})
	select {
	case in := <-e.Events:
		t.Fatalf("expected subframe navigation ignored, got %+v", in)
	default:
	}
}

func TestListenerTranslatesLoadingTransitions(t *testing.T) {
	e := New(Config{}, logging.NewDefault())
	listen := e.listenerFor(3)

	listen(&page.EventFrameStartedLoading{})
	in := drainOne(t, e)
	if in.Kind != intent.LoadingChanged || !in.Loading {
		t.Fatalf("expected LoadingChanged{true}, got %+v", in)
	}

	listen(&page.EventFrameStoppedLoading{})
	in = drainOne(t, e)
	if in.Kind != intent.LoadingChanged || in.Loading {
		t.Fatalf("expected LoadingChanged{false}, got %+v", in)
	}
}

func TestDestroyViewWithoutLiveViewIsNoop(t *testing.T) {
	e := New(Config{}, logging.NewDefault())
	if err := e.DestroyView(context.Background(), 42); err != nil {
		t.Fatalf("expected destroying an unknown view to be a no-op, got %v", err)
	}
}

func TestOperationsOnUnknownViewFail(t *testing.T) {
	e := New(Config{}, logging.NewDefault())
	ctx := context.Background()
	if err := e.Navigate(ctx, 1, "https://example.com"); err == nil {
		t.Fatal("expected Navigate on a tab with no live view to fail")
	}
	if err := e.SetVisible(ctx, 1, true); err == nil {
		t.Fatal("expected SetVisible on a tab with no live view to fail")
	}
	if _, err := e.CaptureThumbnail(ctx, 1); err == nil {
		t.Fatal("expected CaptureThumbnail on a tab with no live view to fail")
	}
}
