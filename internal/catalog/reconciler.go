// Package catalog maintains the terminal's local mirror of the remote
// product catalog. Remote snapshots arrive tagged with their provenance;
// a pure reducer decides which snapshots may replace the accepted list so
// that a transient empty read of the local mirror never blanks the menu.
package catalog

import (
	"github.com/tillcode/tillgrid/internal/domain"
)

// Provenance tags a snapshot with its origin.
type Provenance int

const (
	FromCache Provenance = iota
	FromServer
)

func (p Provenance) String() string {
	if p == FromServer {
		return "server"
	}
	return "cache"
}

// Snapshot is one observation of the remote product collection.
type Snapshot struct {
	Items      []domain.Product
	Provenance Provenance
}

// Reducer folds snapshots into the accepted product list.
//
// A from-server snapshot is always accepted, empty or not: the server is
// authoritative. A from-cache snapshot is accepted unless it is empty and a
// non-empty snapshot has ever been accepted, in which case the previous
// accepted list is retained.
type Reducer struct {
	accepted     []domain.Product
	seenNonEmpty bool
}

// NewReducer returns a reducer seeded with a previously accepted list,
// typically restored from the durable cache at startup.
func NewReducer(accepted []domain.Product) *Reducer {
	return &Reducer{
		accepted:     accepted,
		seenNonEmpty: len(accepted) > 0,
	}
}

// Apply folds one snapshot and reports whether it was accepted.
func (r *Reducer) Apply(snap Snapshot) (accepted bool) {
	if snap.Provenance == FromCache && len(snap.Items) == 0 && r.seenNonEmpty {
		return false
	}
	r.accepted = snap.Items
	if len(snap.Items) > 0 {
		r.seenNonEmpty = true
	}
	return true
}

// Accepted returns the current accepted list.
func (r *Reducer) Accepted() []domain.Product {
	return r.accepted
}

// SeenNonEmpty reports whether any non-empty snapshot has ever been accepted.
func (r *Reducer) SeenNonEmpty() bool {
	return r.seenNonEmpty
}
