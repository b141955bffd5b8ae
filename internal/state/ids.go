package state

import "sync/atomic"

// ProfileID, WorkspaceID and TabID are stable, monotonically increasing
// identifiers. Each is scoped to its own entity kind and is never reused,
// even after the entity it named is deleted.
type (
	ProfileID   int64
	WorkspaceID int64
	TabID       int64
)

// IDGenerator issues strictly increasing ids for one entity kind. Ids are
// never reused, even after the entity they named is deleted, and are
// independent of wall-clock time.
type IDGenerator struct {
	next int64
}

// NewIDGenerator returns a generator whose first issued id is 1.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{next: 0}
}

// Next returns the next id in the sequence.
func (g *IDGenerator) Next() int64 {
	return atomic.AddInt64(&g.next, 1)
}

// AdvancePast ensures the next issued id is strictly greater than seen,
// used at boot to seed generators past every id already on disk.
func (g *IDGenerator) AdvancePast(seen int64) {
	for {
		cur := atomic.LoadInt64(&g.next)
		if cur >= seen {
			return
		}
		if atomic.CompareAndSwapInt64(&g.next, cur, seen) {
			return
		}
	}
}

// IDGenerators bundles the three independent per-kind sequences the
// reducer draws fresh ids from.
type IDGenerators struct {
	Profile   *IDGenerator
	Workspace *IDGenerator
	Tab       *IDGenerator
}

// NewIDGenerators returns a fresh set of generators, all starting at 1.
func NewIDGenerators() *IDGenerators {
	return &IDGenerators{
		Profile:   NewIDGenerator(),
		Workspace: NewIDGenerator(),
		Tab:       NewIDGenerator(),
	}
}
