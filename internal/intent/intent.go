// Package intent defines the closed set of intents the reducer accepts.
// Intents are either ui-origin (issued by chrome through the bridge) or
// engine-origin (issued by the engine resource manager's event stream).
// The set is closed: the bridge and engine translation layers are the only
// producers, and Reduce rejects anything else as MalformedIntent.
package intent

import "shellcore/internal/state"

// Kind tags which concrete intent a Intent value carries.
type Kind int

const (
	UiReady Kind = iota
	Navigate
	NewTab
	CloseTab
	ActivateTab
	MoveTab
	NewWorkspace
	RenameWorkspace
	SwitchWorkspace
	DeleteWorkspace
	NewProfile
	RenameProfile
	SwitchProfile
	DeleteProfile
	PinTab
	UnpinTab
	DiscardTab
	SettingSetText

	// FrameCommitted is chrome-origin (from the bridge's frame_committed
	// verb), not engine-origin: it carries the revision the privileged
	// chrome has rendered, gating the lifecycle scheduler's deferred
	// restore. It is intercepted by the supervisor before reaching Reduce
	// and never produces a patch; Reduce treats a stray one as a no-op.
	FrameCommitted

	// Engine-origin intents, never issued directly by chrome. The first
	// four come from internal/engine's event stream translation;
	// ThumbnailCaptured is submitted by the supervisor after it stores a
	// captured screenshot.
	TitleChanged
	UrlChanged
	FaviconChanged
	LoadingChanged
	ThumbnailCaptured

	// ViewReady and ViewFailed are supervisor-origin: emitted after a
	// deferred restore's CreateView call completes, following a
	// FrameCommitted gate. Never issued by the bridge or the engine
	// directly.
	ViewReady
	ViewFailed
)

func (k Kind) String() string {
	switch k {
	case UiReady:
		return "UiReady"
	case Navigate:
		return "Navigate"
	case NewTab:
		return "NewTab"
	case CloseTab:
		return "CloseTab"
	case ActivateTab:
		return "ActivateTab"
	case MoveTab:
		return "MoveTab"
	case NewWorkspace:
		return "NewWorkspace"
	case RenameWorkspace:
		return "RenameWorkspace"
	case SwitchWorkspace:
		return "SwitchWorkspace"
	case DeleteWorkspace:
		return "DeleteWorkspace"
	case NewProfile:
		return "NewProfile"
	case RenameProfile:
		return "RenameProfile"
	case SwitchProfile:
		return "SwitchProfile"
	case DeleteProfile:
		return "DeleteProfile"
	case PinTab:
		return "PinTab"
	case UnpinTab:
		return "UnpinTab"
	case DiscardTab:
		return "DiscardTab"
	case SettingSetText:
		return "SettingSetText"
	case FrameCommitted:
		return "FrameCommitted"
	case TitleChanged:
		return "TitleChanged"
	case UrlChanged:
		return "UrlChanged"
	case FaviconChanged:
		return "FaviconChanged"
	case LoadingChanged:
		return "LoadingChanged"
	case ThumbnailCaptured:
		return "ThumbnailCaptured"
	case ViewReady:
		return "ViewReady"
	case ViewFailed:
		return "ViewFailed"
	default:
		return "Unknown"
	}
}

// Intent is a single, self-contained instruction for the reducer. Only the
// fields relevant to Kind are populated; Reduce validates the combination.
type Intent struct {
	Kind Kind

	ProfileID   state.ProfileID
	WorkspaceID state.WorkspaceID
	TabID       state.TabID

	// Navigate, NewTab, UrlChanged
	URL string

	// NewTab
	MakeActive bool

	// NewWorkspace, RenameWorkspace, NewProfile, RenameProfile
	Name string

	// MoveTab: destination workspace and index within its order.
	DestWorkspaceID state.WorkspaceID
	DestIndex       int

	// SettingSetText
	SettingKey   string
	SettingValue string

	// TitleChanged
	Title string

	// FaviconChanged
	FaviconRef string

	// LoadingChanged
	Loading bool

	// ThumbnailCaptured
	ThumbnailRef string

	// FrameCommitted: the revision the chrome has rendered.
	Revision int64

	// ViewFailed
	ErrorMessage string
}
