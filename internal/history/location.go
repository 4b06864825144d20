// Package history models the durable execution history of a workflow run:
// locations in the control-flow tree, the typed events recorded at them, and
// the cursor the engine advances while replaying or extending that history.
package history

import (
	"fmt"
	"strconv"
	"strings"
)

// Location addresses a point in a workflow's control-flow tree as an ordered
// sequence of branch indices. Two locations are siblings when they share a
// parent prefix and differ only in the last index.
//
// Replaying the same workflow code against the same history must visit
// locations in the same order every time; every engine operation derives its
// location purely from the cursor, never from wall-clock or I/O state.
type Location []int

// RootLocation is the starting point of a top-level workflow run.
var RootLocation = Location{}

// Append returns a new location extended by idx. The receiver is not
// modified and no storage is shared with the result.
func (l Location) Append(idx int) Location {
	out := make(Location, len(l), len(l)+1)
	copy(out, l)
	return append(out, idx)
}

// Parent returns the location with the last index removed. The parent of the
// root is the root.
func (l Location) Parent() Location {
	if len(l) == 0 {
		return RootLocation
	}
	return l[:len(l)-1].Clone()
}

// Tail returns the last index, or -1 for the root.
func (l Location) Tail() int {
	if len(l) == 0 {
		return -1
	}
	return l[len(l)-1]
}

// Clone returns an independent copy. A nil receiver yields nil.
func (l Location) Clone() Location {
	if l == nil {
		return nil
	}
	out := make(Location, len(l))
	copy(out, l)
	return out
}

// Equal reports whether l and other address the same point.
func (l Location) Equal(other Location) bool {
	if len(l) != len(other) {
		return false
	}
	for i := range l {
		if l[i] != other[i] {
			return false
		}
	}
	return true
}

// String renders the location as dot-separated indices ("0.2.1"). The root
// renders as "root".
func (l Location) String() string {
	if len(l) == 0 {
		return "root"
	}
	parts := make([]string, len(l))
	for i, idx := range l {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, ".")
}

// ParseLocation is the inverse of String.
func ParseLocation(s string) (Location, error) {
	if s == "" || s == "root" {
		return RootLocation, nil
	}
	parts := strings.Split(s, ".")
	out := make(Location, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("parse location %q: %w", s, err)
		}
		out[i] = n
	}
	return out, nil
}
