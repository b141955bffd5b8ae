// Package bridge implements the chrome<->supervisor wire protocol: a
// half-duplex, text-line request/response channel carried over a
// websocket, gated by a capability allowlist so only the privileged
// browser-chrome origin can issue mutating intents. Ordinary page content
// never reaches this package; the engine isolates it entirely.
//
// There is exactly one privileged chrome connection per supervisor, so
// the connection registry is a single slot plus a rate limiter rather
// than a fan-out map.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"shellcore/internal/intent"
	"shellcore/internal/revision"
	"shellcore/internal/state"
	"shellcore/pkg/logging"
)

// PrivilegedOrigin is the only origin allowed to open a bridge connection.
// Chrome's embedder sets this on its WebSocket handshake; any other Origin
// header is refused at Upgrade.
const PrivilegedOrigin = "chrome://shellcore"

// Reducer is the subset of the core the bridge drives: submit an intent
// and get back the new revision's patch, or an error leaving state
// unchanged.
type Reducer interface {
	Submit(ctx context.Context, in intent.Intent) (revision.Patch, error)
	Snapshot() revision.Snapshot
	Since(fromRevision int64) ([]revision.Patch, bool)
}

// OverlayObserver receives the chrome overlay visibility flag. It bypasses
// the reducer entirely: ui_overlay is a supervisor-observable signal the
// engine manager uses to hide the content view behind modal chrome, not a
// canonical-state mutation.
type OverlayObserver interface {
	SetOverlay(visible bool)
}

// Server accepts the single privileged bridge connection and serves its
// line protocol.
type Server struct {
	reducer Reducer
	overlay OverlayObserver
	log     *logging.Logger

	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	mu   sync.Mutex
	conn *websocket.Conn

	rejected int64
}

// NewServer returns a bridge server for the privileged chrome origin.
func NewServer(reducer Reducer, log *logging.Logger) *Server {
	return newServer(reducer, nil, log, rate.Limit(200), 400)
}

// NewServerWithOverlay is NewServer plus a sink for ui_overlay signals.
func NewServerWithOverlay(reducer Reducer, overlay OverlayObserver, log *logging.Logger, limit float64, burst int) *Server {
	return newServer(reducer, overlay, log, rate.Limit(limit), burst)
}

func newServer(reducer Reducer, overlay OverlayObserver, log *logging.Logger, limit rate.Limit, burst int) *Server {
	return &Server{
		reducer: reducer,
		overlay: overlay,
		log:     log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return r.Header.Get("Origin") == PrivilegedOrigin
			},
		},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Rejected returns the cumulative count of requests refused by the rate
// limiter or the capability allowlist.
func (s *Server) Rejected() int64 { return atomic.LoadInt64(&s.rejected) }

// SetRateLimit changes the verb rate limit of a running server (config
// hot-reload); rate.Limiter supports this without reconstruction.
func (s *Server) SetRateLimit(limit float64, burst int) {
	s.limiter.SetLimit(rate.Limit(limit))
	s.limiter.SetBurst(burst)
}

// ServeHTTP upgrades the single bridge connection. A second concurrent
// connection attempt is refused: the protocol is half-duplex and assumes
// exactly one chrome process per supervisor instance.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Origin") != PrivilegedOrigin {
		atomic.AddInt64(&s.rejected, 1)
		http.Error(w, "origin not privileged", http.StatusForbidden)
		return
	}
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		http.Error(w, "bridge already connected", http.StatusConflict)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.mu.Unlock()
		s.log.Warn("bridge upgrade failed", zap.Error(err))
		return
	}
	s.conn = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	s.serve(conn)
}

func (s *Server) serve(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		reply := s.dispatch(string(raw))
		if reply == "" {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
			return
		}
	}
}

// dispatch parses one protocol line and returns the single-line response.
// Every request from the privileged connection is already origin-checked
// at Upgrade, so dispatch only enforces the rate limit and the verb
// allowlist.
func (s *Server) dispatch(line string) string {
	if !s.limiter.Allow() {
		atomic.AddInt64(&s.rejected, 1)
		return errLine(state.MalformedIntent, "rate limit exceeded")
	}

	verb, rest := splitVerb(line)
	switch verb {
	case "ui_ready":
		return s.submitLine(intent.Intent{Kind: intent.UiReady})

	case "query_shell_state":
		return s.handleQueryShellState(rest)

	case "query_active_uri":
		return s.handleQueryActiveURI()

	case "navigate":
		return s.handleNavigate(rest)

	case "new_tab":
		wid, err := parseID(rest)
		if err != nil {
			return errLine(state.MalformedIntent, err.Error())
		}
		return s.submitLine(intent.Intent{Kind: intent.NewTab, WorkspaceID: state.WorkspaceID(wid), MakeActive: true})

	case "close_tab":
		id, err := parseID(rest)
		if err != nil {
			return errLine(state.MalformedIntent, err.Error())
		}
		return s.submitLine(intent.Intent{Kind: intent.CloseTab, TabID: state.TabID(id)})

	case "activate_tab":
		id, err := parseID(rest)
		if err != nil {
			return errLine(state.MalformedIntent, err.Error())
		}
		return s.submitLine(intent.Intent{Kind: intent.ActivateTab, TabID: state.TabID(id)})

	case "pin_tab":
		id, arg, err := parseIDAndRest(rest)
		if err != nil {
			return errLine(state.MalformedIntent, err.Error())
		}
		kind := intent.PinTab
		switch strings.ToLower(arg) {
		case "on":
		case "off":
			kind = intent.UnpinTab
		default:
			return errLine(state.MalformedIntent, fmt.Sprintf("pin_tab requires on|off, got %q", arg))
		}
		return s.submitLine(intent.Intent{Kind: kind, TabID: state.TabID(id)})

	case "discard_tab":
		id, err := parseID(rest)
		if err != nil {
			return errLine(state.MalformedIntent, err.Error())
		}
		return s.submitLine(intent.Intent{Kind: intent.DiscardTab, TabID: state.TabID(id)})

	case "move_tab":
		fields := strings.Fields(rest)
		if len(fields) != 3 {
			return errLine(state.MalformedIntent, fmt.Sprintf("move_tab requires <tab_id> <workspace_id> <index>, got %q", rest))
		}
		tabID, err1 := strconv.ParseInt(fields[0], 10, 64)
		wsID, err2 := strconv.ParseInt(fields[1], 10, 64)
		index, err3 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil || err3 != nil {
			return errLine(state.MalformedIntent, fmt.Sprintf("move_tab: malformed arguments %q", rest))
		}
		return s.submitLine(intent.Intent{
			Kind: intent.MoveTab, TabID: state.TabID(tabID),
			DestWorkspaceID: state.WorkspaceID(wsID), DestIndex: index,
		})

	case "new_workspace":
		id, name, err := parseIDAndRest(rest)
		if err != nil {
			return errLine(state.MalformedIntent, err.Error())
		}
		return s.submitLine(intent.Intent{Kind: intent.NewWorkspace, ProfileID: state.ProfileID(id), Name: name})

	case "rename_workspace":
		id, name, err := parseIDAndRest(rest)
		if err != nil {
			return errLine(state.MalformedIntent, err.Error())
		}
		return s.submitLine(intent.Intent{Kind: intent.RenameWorkspace, WorkspaceID: state.WorkspaceID(id), Name: name})

	case "delete_workspace":
		id, err := parseID(rest)
		if err != nil {
			return errLine(state.MalformedIntent, err.Error())
		}
		return s.submitLine(intent.Intent{Kind: intent.DeleteWorkspace, WorkspaceID: state.WorkspaceID(id)})

	case "switch_workspace":
		id, err := parseID(rest)
		if err != nil {
			return errLine(state.MalformedIntent, err.Error())
		}
		return s.submitLine(intent.Intent{Kind: intent.SwitchWorkspace, WorkspaceID: state.WorkspaceID(id)})

	case "new_profile":
		name := strings.TrimSpace(rest)
		return s.submitLine(intent.Intent{Kind: intent.NewProfile, Name: name})

	case "rename_profile":
		id, name, err := parseIDAndRest(rest)
		if err != nil {
			return errLine(state.MalformedIntent, err.Error())
		}
		return s.submitLine(intent.Intent{Kind: intent.RenameProfile, ProfileID: state.ProfileID(id), Name: name})

	case "delete_profile":
		id, err := parseID(rest)
		if err != nil {
			return errLine(state.MalformedIntent, err.Error())
		}
		return s.submitLine(intent.Intent{Kind: intent.DeleteProfile, ProfileID: state.ProfileID(id)})

	case "switch_profile":
		id, err := parseID(rest)
		if err != nil {
			return errLine(state.MalformedIntent, err.Error())
		}
		return s.submitLine(intent.Intent{Kind: intent.SwitchProfile, ProfileID: state.ProfileID(id)})

	case "setting_set_text":
		key, value, err := splitArg(rest)
		if err != nil {
			return errLine(state.MalformedIntent, err.Error())
		}
		return s.submitLine(intent.Intent{Kind: intent.SettingSetText, SettingKey: key, SettingValue: value})

	case "ui_overlay":
		return s.handleOverlay(rest)

	case "frame_committed":
		rev, err := parseRevisionArg(rest)
		if err != nil {
			return errLine(state.MalformedIntent, err.Error())
		}
		return s.submitLine(intent.Intent{Kind: intent.FrameCommitted, Revision: rev})

	default:
		atomic.AddInt64(&s.rejected, 1)
		return errLine(state.MalformedIntent, fmt.Sprintf("unknown verb %q", verb))
	}
}

// submitLine submits an intent built from a parsed verb and renders the
// response: empty body for an accepted mutation, ERR <kind> <msg> for a
// rejection.
func (s *Server) submitLine(in intent.Intent) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.reducer.Submit(ctx, in)
	if err != nil {
		if se, ok := err.(*state.Error); ok {
			return errLine(se.Kind, se.Msg)
		}
		return errLine(state.CommitFailure, err.Error())
	}
	return ""
}

// handleQueryShellState serves the poll. With no argument (or any
// revision the patch log no longer retains) the response is the full
// snapshot record; with a current_revision the log still covers, the
// response is the patch chain carrying the chrome's mirror forward from
// exactly that revision. The chrome distinguishes the two shapes by the
// presence of the "patches" key.
func (s *Server) handleQueryShellState(rest string) string {
	rest = strings.TrimSpace(rest)
	if rest != "" {
		from, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return errLine(state.MalformedIntent, fmt.Sprintf("malformed revision %q", rest))
		}
		if patches, ok := s.reducer.Since(from); ok {
			chain := patchChain{Revision: from, Patches: make([]wirePatch, 0, len(patches))}
			for _, p := range patches {
				chain.Patches = append(chain.Patches, wirePatchOf(p))
				chain.Revision = p.ToRevision
			}
			b, err := json.Marshal(chain)
			if err != nil {
				return errLine(state.CommitFailure, "encode patch chain: "+err.Error())
			}
			return string(b)
		}
		// The requested revision aged out of the log: resync with a full
		// snapshot instead.
	}
	snap := s.reducer.Snapshot()
	b, err := json.Marshal(shellStateOf(snap))
	if err != nil {
		return errLine(state.CommitFailure, "encode shell state: "+err.Error())
	}
	return string(b)
}

func (s *Server) handleQueryActiveURI() string {
	snap := s.reducer.Snapshot()
	st := snap.State
	p, ok := st.Profiles[st.ActiveProfileID]
	if !ok {
		return ""
	}
	w, ok := st.Workspaces[p.ActiveWorkspaceID]
	if !ok {
		return ""
	}
	t, ok := st.Tabs[w.ActiveTabID]
	if !ok {
		return ""
	}
	return t.URL
}

func (s *Server) handleNavigate(rest string) string {
	url := strings.TrimSpace(rest)
	if url == "" {
		return errLine(state.MalformedIntent, "navigate requires a url")
	}
	snap := s.reducer.Snapshot()
	st := snap.State
	p, ok := st.Profiles[st.ActiveProfileID]
	if !ok {
		return errLine(state.InvariantViolation, "navigate: no active profile")
	}
	w, ok := st.Workspaces[p.ActiveWorkspaceID]
	if !ok {
		return errLine(state.InvariantViolation, "navigate: no active workspace")
	}
	if w.ActiveTabID == 0 {
		return errLine(state.InvariantViolation, "navigate: no active tab")
	}
	return s.submitLine(intent.Intent{Kind: intent.Navigate, TabID: w.ActiveTabID, URL: url})
}

func (s *Server) handleOverlay(rest string) string {
	arg := strings.ToLower(strings.TrimSpace(rest))
	var visible bool
	switch arg {
	case "on":
		visible = true
	case "off":
		visible = false
	default:
		return errLine(state.MalformedIntent, fmt.Sprintf("ui_overlay requires on|off, got %q", rest))
	}
	if s.overlay != nil {
		s.overlay.SetOverlay(visible)
	}
	return ""
}

// shellState is the snapshot wire record the chrome polls for.
type shellState struct {
	Revision        int64             `json:"revision"`
	ActiveProfileID state.ProfileID   `json:"active_profile_id"`
	Profiles        []shellProfile    `json:"profiles"`
	Workspaces      []shellWorkspace  `json:"workspaces"`
	Tabs            []shellTab        `json:"tabs"`
	Settings        map[string]string `json:"settings"`
}

type shellProfile struct {
	ID                state.ProfileID     `json:"id"`
	Name              string              `json:"name"`
	WorkspaceOrder    []state.WorkspaceID `json:"workspace_order"`
	ActiveWorkspaceID state.WorkspaceID   `json:"active_workspace_id"`
}

type shellWorkspace struct {
	ID          state.WorkspaceID `json:"id"`
	ProfileID   state.ProfileID   `json:"profile_id"`
	Name        string            `json:"name"`
	TabOrder    []state.TabID     `json:"tab_order"`
	ActiveTabID state.TabID       `json:"active_tab_id"`
}

type shellTab struct {
	ID               state.TabID `json:"id"`
	URL              string      `json:"url"`
	Title            string      `json:"title"`
	Loading          bool        `json:"loading"`
	ThumbnailDataURL string      `json:"thumbnail_data_url,omitempty"`
}

// shellStateOf flattens a snapshot into the wire record. Entity arrays
// are sorted by id so two snapshots of the same state serialize
// identically; orderings the chrome actually renders by come from the
// explicit *_order fields, not array position.
func shellStateOf(snap revision.Snapshot) shellState {
	st := snap.State
	out := shellState{
		Revision:        snap.Revision,
		ActiveProfileID: st.ActiveProfileID,
		Settings:        st.Settings,
	}
	for _, p := range st.Profiles {
		out.Profiles = append(out.Profiles, shellProfile{
			ID: p.ID, Name: p.Name,
			WorkspaceOrder:    p.WorkspaceOrder,
			ActiveWorkspaceID: p.ActiveWorkspaceID,
		})
	}
	sort.Slice(out.Profiles, func(i, j int) bool { return out.Profiles[i].ID < out.Profiles[j].ID })
	for _, w := range st.Workspaces {
		out.Workspaces = append(out.Workspaces, shellWorkspace{
			ID: w.ID, ProfileID: w.ProfileID, Name: w.Name,
			TabOrder:    w.TabOrder,
			ActiveTabID: w.ActiveTabID,
		})
	}
	sort.Slice(out.Workspaces, func(i, j int) bool { return out.Workspaces[i].ID < out.Workspaces[j].ID })
	for _, t := range st.Tabs {
		tab := shellTab{ID: t.ID, URL: t.URL, Title: t.Title}
		if t.Runtime != nil {
			tab.Loading = t.Runtime.Loading
			tab.ThumbnailDataURL = t.Runtime.Thumbnail
		}
		out.Tabs = append(out.Tabs, tab)
	}
	sort.Slice(out.Tabs, func(i, j int) bool { return out.Tabs[i].ID < out.Tabs[j].ID })
	return out
}

// patchChain is the incremental poll response: the ordered patches from
// the chrome's reported revision up to Revision.
type patchChain struct {
	Revision int64       `json:"revision"`
	Patches  []wirePatch `json:"patches"`
}

type wirePatch struct {
	FromRevision int64    `json:"from_revision"`
	ToRevision   int64    `json:"to_revision"`
	Ops          []wireOp `json:"ops"`
}

// wireOp is one patch operation in wire form, discriminated by Op.
type wireOp struct {
	Op string `json:"op"`

	Profile   *shellProfile   `json:"profile,omitempty"`
	Workspace *shellWorkspace `json:"workspace,omitempty"`
	Tab       *shellTab       `json:"tab,omitempty"`

	ProfileID   state.ProfileID   `json:"profile_id,omitempty"`
	WorkspaceID state.WorkspaceID `json:"workspace_id,omitempty"`
	TabID       state.TabID       `json:"tab_id,omitempty"`

	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`

	WorkspaceOrder []state.WorkspaceID `json:"workspace_order,omitempty"`
	TabOrder       []state.TabID       `json:"tab_order,omitempty"`

	ActiveWorkspaceID state.WorkspaceID `json:"active_workspace_id,omitempty"`
	ActiveTabID       state.TabID       `json:"active_tab_id,omitempty"`

	Status    string `json:"status,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Loading   bool   `json:"loading,omitempty"`
	Error     string `json:"error,omitempty"`
}

func wirePatchOf(p revision.Patch) wirePatch {
	out := wirePatch{FromRevision: p.FromRevision, ToRevision: p.ToRevision, Ops: make([]wireOp, 0, len(p.Ops))}
	for _, op := range p.Ops {
		out.Ops = append(out.Ops, wireOpOf(op))
	}
	return out
}

func wireOpOf(op revision.Op) wireOp {
	w := wireOp{Op: op.Kind.String()}
	switch op.Kind {
	case revision.OpUpsertProfile:
		w.Profile = &shellProfile{
			ID: op.Profile.ID, Name: op.Profile.Name,
			WorkspaceOrder:    op.Profile.WorkspaceOrder,
			ActiveWorkspaceID: op.Profile.ActiveWorkspaceID,
		}
	case revision.OpDeleteProfile, revision.OpSetActiveProfile:
		w.ProfileID = op.ProfileID
	case revision.OpUpsertWorkspace:
		w.Workspace = &shellWorkspace{
			ID: op.Workspace.ID, ProfileID: op.Workspace.ProfileID, Name: op.Workspace.Name,
			TabOrder:    op.Workspace.TabOrder,
			ActiveTabID: op.Workspace.ActiveTabID,
		}
	case revision.OpDeleteWorkspace:
		w.WorkspaceID = op.WorkspaceID
	case revision.OpUpsertTab:
		tab := &shellTab{ID: op.Tab.ID, URL: op.Tab.URL, Title: op.Tab.Title}
		if op.Tab.Runtime != nil {
			tab.Loading = op.Tab.Runtime.Loading
			tab.ThumbnailDataURL = op.Tab.Runtime.Thumbnail
		}
		w.Tab = tab
	case revision.OpDeleteTab:
		w.TabID = op.TabID
	case revision.OpSetSetting:
		w.Key, w.Value = op.SettingKey, op.SettingValue
	case revision.OpSetWorkspaceOrder:
		w.ProfileID = op.ProfileID
		w.WorkspaceOrder = op.WorkspaceOrder
	case revision.OpSetTabOrder:
		w.WorkspaceID = op.WorkspaceID
		w.TabOrder = op.TabOrder
	case revision.OpSetActiveWorkspace:
		w.ProfileID = op.ProfileID
		w.ActiveWorkspaceID = op.ActiveWorkspaceID
	case revision.OpSetActiveTab:
		w.WorkspaceID = op.WorkspaceID
		w.ActiveTabID = op.ActiveTabID
	case revision.OpSetTabRuntime:
		w.TabID = op.RuntimeTabID
		w.Status = op.Status.String()
		w.Thumbnail = op.Thumbnail
		w.Loading = op.Loading
		w.Error = op.RuntimeError
	}
	return w
}

func splitVerb(line string) (verb, rest string) {
	line = strings.TrimRight(line, "\r\n")
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	return line[:i], line[i+1:]
}

// splitArg splits "<key> <rest...>", trimming rest. Used by
// setting_set_text, where the key is the first token and the value is
// everything after it.
func splitArg(rest string) (key, value string, err error) {
	rest = strings.TrimSpace(rest)
	i := strings.IndexByte(rest, ' ')
	if i < 0 {
		return "", "", fmt.Errorf("expected <key> <value>, got %q", rest)
	}
	return rest[:i], strings.TrimSpace(rest[i+1:]), nil
}

// parseIDAndRest splits "<id> <name...>" for the rename_*/new_workspace
// verbs, where the first token is a strict base-10 id and the remainder
// (trimmed) is the free-form name.
func parseIDAndRest(rest string) (int64, string, error) {
	rest = strings.TrimSpace(rest)
	i := strings.IndexByte(rest, ' ')
	var idPart, namePart string
	if i < 0 {
		idPart, namePart = rest, ""
	} else {
		idPart, namePart = rest[:i], strings.TrimSpace(rest[i+1:])
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed id %q", idPart)
	}
	return id, namePart, nil
}

func parseID(rest string) (int64, error) {
	rest = strings.TrimSpace(rest)
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed id %q", rest)
	}
	return id, nil
}

func parseRevisionArg(args string) (int64, error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return 0, fmt.Errorf("frame_committed requires a revision")
	}
	rev, err := strconv.ParseInt(args, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed revision %q", args)
	}
	return rev, nil
}

func errLine(kind state.ErrorKind, msg string) string {
	return fmt.Sprintf("ERR %s %s", kind, msg)
}
