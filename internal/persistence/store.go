// Package persistence implements the supervisor's durable store: a
// SQLite-backed adapter that commits one transaction per accepted intent
// and loads the minimal boot snapshot (profiles, workspaces, tab metadata
// — never runtime lifecycle state, which always boots Discarded).
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"shellcore/internal/state"
)

// schemaVersion is recorded in meta on first open; a future migration
// ladder keys off it.
const schemaVersion = 1

const (
	metaSchemaVersion   = "schema_version"
	metaLastRevision    = "last_revision"
	metaActiveProfileID = "active_profile_id"
)

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS profiles (
	id                  INTEGER PRIMARY KEY,
	name                TEXT NOT NULL,
	created_at          INTEGER NOT NULL,
	last_active_at      INTEGER NOT NULL,
	partition_handle    TEXT NOT NULL,
	active_workspace_id INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS workspaces (
	id            INTEGER PRIMARY KEY,
	profile_id    INTEGER NOT NULL REFERENCES profiles(id),
	name          TEXT NOT NULL,
	sort_index    INTEGER NOT NULL,
	active_tab_id INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tabs (
	id           INTEGER PRIMARY KEY,
	profile_id   INTEGER NOT NULL REFERENCES profiles(id),
	workspace_id INTEGER NOT NULL REFERENCES workspaces(id),
	sort_index   INTEGER NOT NULL,
	url          TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	favicon_ref  TEXT NOT NULL DEFAULT '',
	pinned       INTEGER NOT NULL DEFAULT 0,
	muted        INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS thumbnails (
	tab_id     INTEGER PRIMARY KEY,
	path       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Store is the transactional persistence adapter: every call to Commit
// applies one accepted intent's worth of entity changes atomically.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer: the mutation thread is the only writer
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
		metaSchemaVersion, strconv.Itoa(schemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("record schema version: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// LoadBootSnapshot reads the MINIMAL persisted state needed to boot:
// every profile record, the workspaces of the active profile only, and
// the tab metadata of the active workspace only. Everything else stays
// on disk until a switch hydrates it through LoadProfileWorkspaces/
// LoadWorkspaceTabs. In the returned state, a not-yet-hydrated profile
// has an empty WorkspaceOrder and a zero ActiveWorkspaceID, and a
// not-yet-hydrated workspace has an empty TabOrder and a zero
// ActiveTabID — the stored pointers come back when the hydration loaders
// run. Runtime lifecycle fields are never persisted; every loaded tab
// boots Discarded.
func (s *Store) LoadBootSnapshot(ctx context.Context) (*state.State, error) {
	st := state.New()

	// Stored active pointers, held aside until the owning entity's
	// children are actually in memory.
	storedActiveWorkspace := make(map[state.ProfileID]state.WorkspaceID)

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at, last_active_at, partition_handle, active_workspace_id FROM profiles`)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	for rows.Next() {
		var p state.Profile
		var createdAt, lastActiveAt int64
		if err := rows.Scan(&p.ID, &p.Name, &createdAt, &lastActiveAt, &p.PartitionHandle, &p.ActiveWorkspaceID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		p.CreatedAt = time.Unix(createdAt, 0).UTC()
		p.LastActiveAt = time.Unix(lastActiveAt, 0).UTC()
		storedActiveWorkspace[p.ID] = p.ActiveWorkspaceID
		p.ActiveWorkspaceID = 0
		pc := p
		st.Profiles[p.ID] = &pc
	}
	rows.Close()

	if v, err := s.metaValue(ctx, metaLastRevision); err != nil {
		return nil, err
	} else if v != "" {
		rev, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("parse last revision %q: %w", v, perr)
		}
		st.Revision = rev
	}

	if v, err := s.metaValue(ctx, metaActiveProfileID); err != nil {
		return nil, err
	} else if v != "" {
		id, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("parse active profile id %q: %w", v, perr)
		}
		if _, ok := st.Profiles[state.ProfileID(id)]; ok {
			st.ActiveProfileID = state.ProfileID(id)
		}
	}
	if st.ActiveProfileID == 0 && len(st.Profiles) > 0 {
		// Meta missing or stale: fall back to the earliest-created profile.
		ids := make([]state.ProfileID, 0, len(st.Profiles))
		for id := range st.Profiles {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		st.ActiveProfileID = ids[0]
	}

	if st.ActiveProfileID != 0 {
		p := st.Profiles[st.ActiveProfileID]
		workspaces, err := s.LoadProfileWorkspaces(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		for _, w := range workspaces {
			st.Workspaces[w.ID] = w
			p.WorkspaceOrder = append(p.WorkspaceOrder, w.ID)
		}
		if wid := storedActiveWorkspace[p.ID]; wid != 0 {
			if _, ok := st.Workspaces[wid]; ok {
				p.ActiveWorkspaceID = wid
			}
		}

		if p.ActiveWorkspaceID != 0 {
			w := st.Workspaces[p.ActiveWorkspaceID]
			tabs, activeTab, err := s.LoadWorkspaceTabs(ctx, w.ID)
			if err != nil {
				return nil, err
			}
			for _, t := range tabs {
				st.Tabs[t.ID] = t
				w.TabOrder = append(w.TabOrder, t.ID)
			}
			if _, ok := st.Tabs[activeTab]; ok {
				w.ActiveTabID = activeTab
			}
		}
	}

	setRows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	for setRows.Next() {
		var k, v string
		if err := setRows.Scan(&k, &v); err != nil {
			setRows.Close()
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		st.Settings[k] = v
	}
	setRows.Close()

	return st, nil
}

// LoadProfileWorkspaces reads one profile's workspace records in sort
// order, for hydrating a profile being switched into. The returned
// workspaces carry empty TabOrder and zero ActiveTabID — their tabs are
// hydrated separately by LoadWorkspaceTabs.
func (s *Store) LoadProfileWorkspaces(ctx context.Context, profileID state.ProfileID) ([]*state.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, profile_id, name, sort_index, created_at, updated_at FROM workspaces WHERE profile_id = ? ORDER BY sort_index`, profileID)
	if err != nil {
		return nil, fmt.Errorf("load workspaces of profile %d: %w", profileID, err)
	}
	defer rows.Close()
	var out []*state.Workspace
	for rows.Next() {
		var w state.Workspace
		var createdAt, updatedAt int64
		if err := rows.Scan(&w.ID, &w.ProfileID, &w.Name, &w.SortIndex, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		w.CreatedAt = time.Unix(createdAt, 0).UTC()
		w.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		wc := w
		out = append(out, &wc)
	}
	return out, rows.Err()
}

// StoredActiveWorkspace returns the active-workspace pointer persisted on
// a profile row, consulted when the profile is hydrated after boot.
func (s *Store) StoredActiveWorkspace(ctx context.Context, profileID state.ProfileID) (state.WorkspaceID, error) {
	var wid state.WorkspaceID
	err := s.db.QueryRowContext(ctx, `SELECT active_workspace_id FROM profiles WHERE id = ?`, profileID).Scan(&wid)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load active workspace of profile %d: %w", profileID, err)
	}
	return wid, nil
}

// LoadWorkspaceTabs reads one workspace's tab metadata in sort order plus
// its persisted active-tab pointer, for hydrating a workspace being
// switched into. Every returned tab carries a fresh Discarded runtime.
func (s *Store) LoadWorkspaceTabs(ctx context.Context, workspaceID state.WorkspaceID) ([]*state.Tab, state.TabID, error) {
	var activeTab state.TabID
	err := s.db.QueryRowContext(ctx, `SELECT active_tab_id FROM workspaces WHERE id = ?`, workspaceID).Scan(&activeTab)
	if err == sql.ErrNoRows {
		activeTab = 0
	} else if err != nil {
		return nil, 0, fmt.Errorf("load active tab of workspace %d: %w", workspaceID, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, profile_id, workspace_id, url, title, favicon_ref, pinned, muted, created_at, updated_at FROM tabs WHERE workspace_id = ? ORDER BY sort_index`, workspaceID)
	if err != nil {
		return nil, 0, fmt.Errorf("load tabs of workspace %d: %w", workspaceID, err)
	}
	defer rows.Close()
	var out []*state.Tab
	for rows.Next() {
		var t state.Tab
		var createdAt, updatedAt int64
		var pinned, muted int
		if err := rows.Scan(&t.ID, &t.ProfileID, &t.WorkspaceID, &t.URL, &t.Title, &t.FaviconRef, &pinned, &muted, &createdAt, &updatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan tab: %w", err)
		}
		t.Pinned = pinned != 0
		t.Muted = muted != 0
		t.CreatedAt = time.Unix(createdAt, 0).UTC()
		t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		t.Runtime = &state.TabRuntime{Status: state.Discarded}
		tc := t
		out = append(out, &tc)
	}
	return out, activeTab, rows.Err()
}

// MaxIDs returns the highest profile, workspace and tab id present in
// the store. Id generators must be seeded from these rather than from
// the boot snapshot: the snapshot is minimal, and an id issued below an
// unloaded row's id would silently overwrite it on commit.
func (s *Store) MaxIDs(ctx context.Context) (profile, workspace, tab int64, err error) {
	for _, q := range []struct {
		table string
		dst   *int64
	}{
		{"profiles", &profile},
		{"workspaces", &workspace},
		{"tabs", &tab},
	} {
		if err = s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM `+q.table).Scan(q.dst); err != nil {
			return 0, 0, 0, fmt.Errorf("max id of %s: %w", q.table, err)
		}
	}
	return profile, workspace, tab, nil
}

func (s *Store) metaValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load meta %q: %w", key, err)
	}
	return v, nil
}

// Commit persists every entity touched by one accepted intent, in a
// single transaction. snap is the successor state after Reduce; touched
// lists exactly which ids changed so Commit does not have to diff the
// whole state on every intent.
type Touched struct {
	Profiles          []state.ProfileID
	Workspaces        []state.WorkspaceID
	Tabs              []state.TabID
	DeletedProfiles   []state.ProfileID
	DeletedWorkspaces []state.WorkspaceID
	DeletedTabs       []state.TabID
	Settings          map[string]string

	// TabOrders lists workspaces whose tab ordering changed: every member
	// tab's sort_index is rewritten from the workspace's current order.
	// WorkspaceOrders likewise for profiles and workspace sort_index.
	TabOrders       []state.WorkspaceID
	WorkspaceOrders []state.ProfileID
}

// Commit atomically applies Touched's changes against snap, rolling back
// entirely on any failure. On a failure the supervisor reports the intent
// as a CommitFailure and keeps its prior canonical state; nothing retries
// the commit.
func (s *Store) Commit(ctx context.Context, snap *state.State, t Touched) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	// Deletes cascade at the SQL level too: canonical state may hold only
	// a hydrated subset of a profile's or workspace's children, so the
	// patch's DeleteTab ops cannot be trusted to enumerate every row.
	for _, id := range t.DeletedTabs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tabs WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete tab %d: %w", id, err)
		}
	}
	for _, id := range t.DeletedWorkspaces {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tabs WHERE workspace_id = ?`, id); err != nil {
			return fmt.Errorf("delete tabs of workspace %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete workspace %d: %w", id, err)
		}
	}
	for _, id := range t.DeletedProfiles {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tabs WHERE profile_id = ?`, id); err != nil {
			return fmt.Errorf("delete tabs of profile %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM workspaces WHERE profile_id = ?`, id); err != nil {
			return fmt.Errorf("delete workspaces of profile %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete profile %d: %w", id, err)
		}
	}

	for _, id := range t.Profiles {
		p := snap.Profiles[id]
		if p == nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO profiles (id, name, created_at, last_active_at, partition_handle, active_workspace_id)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name=excluded.name, last_active_at=excluded.last_active_at, active_workspace_id=excluded.active_workspace_id
		`, p.ID, p.Name, p.CreatedAt.Unix(), p.LastActiveAt.Unix(), p.PartitionHandle, p.ActiveWorkspaceID); err != nil {
			return fmt.Errorf("upsert profile %d: %w", id, err)
		}
	}

	for _, id := range t.Workspaces {
		w := snap.Workspaces[id]
		if w == nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workspaces (id, profile_id, name, sort_index, active_tab_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name=excluded.name, sort_index=excluded.sort_index, active_tab_id=excluded.active_tab_id, updated_at=excluded.updated_at
		`, w.ID, w.ProfileID, w.Name, w.SortIndex, w.ActiveTabID, w.CreatedAt.Unix(), w.UpdatedAt.Unix()); err != nil {
			return fmt.Errorf("upsert workspace %d: %w", id, err)
		}
	}

	for _, id := range t.Tabs {
		tb := snap.Tabs[id]
		if tb == nil {
			continue
		}
		sortIndex := indexInOrder(snap.Workspaces[tb.WorkspaceID], id)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tabs (id, profile_id, workspace_id, sort_index, url, title, favicon_ref, pinned, muted, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET workspace_id=excluded.workspace_id, sort_index=excluded.sort_index, url=excluded.url,
				title=excluded.title, favicon_ref=excluded.favicon_ref, pinned=excluded.pinned, muted=excluded.muted, updated_at=excluded.updated_at
		`, tb.ID, tb.ProfileID, tb.WorkspaceID, sortIndex, tb.URL, tb.Title, tb.FaviconRef, boolInt(tb.Pinned), boolInt(tb.Muted), tb.CreatedAt.Unix(), tb.UpdatedAt.Unix()); err != nil {
			return fmt.Errorf("upsert tab %d: %w", id, err)
		}
	}

	for _, wid := range t.TabOrders {
		w := snap.Workspaces[wid]
		if w == nil {
			continue
		}
		for i, tid := range w.TabOrder {
			if _, err := tx.ExecContext(ctx, `UPDATE tabs SET sort_index = ?, workspace_id = ? WHERE id = ?`, i, wid, tid); err != nil {
				return fmt.Errorf("reindex tab %d: %w", tid, err)
			}
		}
	}

	for _, pid := range t.WorkspaceOrders {
		p := snap.Profiles[pid]
		if p == nil {
			continue
		}
		for i, wid := range p.WorkspaceOrder {
			if _, err := tx.ExecContext(ctx, `UPDATE workspaces SET sort_index = ? WHERE id = ?`, i, wid); err != nil {
				return fmt.Errorf("reindex workspace %d: %w", wid, err)
			}
		}
	}

	for k, v := range t.Settings {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value
		`, k, v); err != nil {
			return fmt.Errorf("upsert setting %q: %w", k, err)
		}
	}

	for _, kv := range [][2]string{
		{metaLastRevision, strconv.FormatInt(snap.Revision, 10)},
		{metaActiveProfileID, strconv.FormatInt(int64(snap.ActiveProfileID), 10)},
	} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value
		`, kv[0], kv[1]); err != nil {
			return fmt.Errorf("upsert meta %q: %w", kv[0], err)
		}
	}

	return tx.Commit()
}

// SaveThumbnail records the on-disk path for a captured tab thumbnail.
// Thumbnail bytes themselves live under the configured thumbnail
// directory, named by tab id; only the path reference is tracked here.
func (s *Store) SaveThumbnail(ctx context.Context, tabID state.TabID, path string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thumbnails (tab_id, path, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(tab_id) DO UPDATE SET path=excluded.path, updated_at=excluded.updated_at
	`, tabID, path, at.Unix())
	return err
}

// ThumbnailPath returns the stored path for a tab's thumbnail, or "" if
// none has been captured.
func (s *Store) ThumbnailPath(ctx context.Context, tabID state.TabID) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx, `SELECT path FROM thumbnails WHERE tab_id = ?`, tabID).Scan(&path)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return path, err
}

func indexInOrder(w *state.Workspace, id state.TabID) int {
	if w == nil {
		return 0
	}
	for i, t := range w.TabOrder {
		if t == id {
			return i
		}
	}
	return 0
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
