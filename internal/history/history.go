package history

// History is the full event log of one workflow run, grouped by branch. A
// branch is identified by the root location shared by all events the cursor
// records while executing it.
//
// A History is built once when the run is pulled from the store and is
// read-only afterwards: every branched context shares the same *History and
// never mutates it. New events are committed to the store and only become
// visible to the next execution pass.
type History struct {
	branches map[string][]Event
}

// New returns an empty history.
func New() *History {
	return &History{branches: make(map[string][]Event)}
}

// Insert appends ev at location loc. loc is the leaf location of the event;
// its parent identifies the branch. Callers must insert events of one branch
// in cursor order.
//
// Insert is only used while materializing a history from store rows, before
// the history is handed to a workflow context.
func (h *History) Insert(loc Location, ev Event) {
	key := loc.Parent().String()
	h.branches[key] = append(h.branches[key], ev)
}

// Branch returns the events recorded under the given branch root, in cursor
// order. The returned slice is shared; callers must not modify it.
func (h *History) Branch(root Location) []Event {
	return h.branches[root.String()]
}

// At returns the idx-th event of the branch rooted at root, or nil when the
// cursor has moved past everything recorded there.
func (h *History) At(root Location, idx int) *Event {
	events := h.branches[root.String()]
	if idx < 0 || idx >= len(events) {
		return nil
	}
	return &events[idx]
}

// Len returns the total number of recorded events.
func (h *History) Len() int {
	n := 0
	for _, evs := range h.branches {
		n += len(evs)
	}
	return n
}

// Cursor is a workflow context's position within history during a single
// execution pass. It advances by exactly one step per completed operation.
type Cursor struct {
	// Root is the branch this cursor walks.
	Root Location

	// Idx is the offset of the next operation within the branch.
	Idx int

	// LoopLocation is the location of the innermost enclosing loop event,
	// or nil outside loops. It is recorded alongside inner events so the
	// store can associate them with their loop.
	LoopLocation Location
}

// Current returns the leaf location the next operation will record at.
func (c *Cursor) Current() Location {
	return c.Root.Append(c.Idx)
}

// Advance moves the cursor past the current operation.
func (c *Cursor) Advance() {
	c.Idx++
}

// Branch returns a child cursor rooted at the current location. The caller
// advances the parent separately; the two cursors never share storage.
func (c *Cursor) Branch() Cursor {
	return Cursor{
		Root:         c.Current(),
		Idx:          0,
		LoopLocation: c.LoopLocation.Clone(),
	}
}
