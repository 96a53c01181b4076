// Package tracking correlates detections across frames and turns region
// changes of tracked identities into crossing events.
//
// Identity is the detection class label, so two objects of the same class
// in one frame cannot be told apart: only the first confident one is
// tracked.
package tracking

import (
	"sort"

	"github.com/ayusman/smartpantry/internal/region"
)

// TrackedObject is the last known state of one identity.
type TrackedObject struct {
	Identity      string        `json:"identity"`
	Position      region.Point  `json:"position"`
	Region        region.Region `json:"region"`
	LastSeenFrame int64         `json:"last_seen_frame"`
	// Misses counts consecutive frames the identity was not reported in.
	Misses int `json:"misses"`
}

// Table holds the tracked objects keyed by identity.
type Table map[string]TrackedObject

// Clone returns a copy that can be modified independently.
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for id, obj := range t {
		out[id] = obj
	}
	return out
}

// Identities returns the tracked identities in sorted order.
func (t Table) Identities() []string {
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Positions returns the last known position of every tracked identity.
func (t Table) Positions() map[string]region.Point {
	out := make(map[string]region.Point, len(t))
	for id, obj := range t {
		out[id] = obj.Position
	}
	return out
}
