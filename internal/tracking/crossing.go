package tracking

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ayusman/smartpantry/internal/region"
)

// CrossingEvent records that an identity moved between two regions.
type CrossingEvent struct {
	Identity   string        `json:"identity"`
	From       region.Region `json:"from"`
	To         region.Region `json:"to"`
	FrameIndex int64         `json:"frame_index"`
	Sign       int           `json:"sign"`
}

func (e CrossingEvent) String() string {
	return fmt.Sprintf("%s %s->%s @%d (%+d)", e.Identity, e.From, e.To, e.FrameIndex, e.Sign)
}

// Plan is the outcome of one frame before it is committed: the events to
// record and the table to install once they are recorded.
type Plan struct {
	FrameIndex int64
	Events     []CrossingEvent
	Next       Table
	Seeded     []string // first sightings
	Evicted    []string
}

// Tracker is the per-identity region state machine. A first sighting seeds
// state without an event. An identity present in consecutive frames (or
// back within its grace window) emits one event when its region changes.
type Tracker struct {
	signs       region.Table
	graceFrames int

	mu      sync.RWMutex
	objects Table
}

// NewTracker creates a tracker. graceFrames is how many consecutive frames
// an identity may be missing before it is evicted; 0 evicts immediately.
func NewTracker(signs region.Table, graceFrames int) *Tracker {
	if graceFrames < 0 {
		graceFrames = 0
	}
	return &Tracker{
		signs:       signs,
		graceFrames: graceFrames,
		objects:     make(Table),
	}
}

// Objects returns a copy of the tracked table.
func (t *Tracker) Objects() Table {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.objects.Clone()
}

// Plan computes the events and next table for a correlated frame without
// changing the tracker.
func (t *Tracker) Plan(corr Correlation) Plan {
	t.mu.RLock()
	defer t.mu.RUnlock()

	plan := Plan{
		FrameIndex: corr.FrameIndex,
		Next:       make(Table, len(t.objects)+len(corr.Associations)),
	}

	seen := make(map[string]bool, len(corr.Associations))
	for _, a := range corr.Associations {
		seen[a.Identity] = true

		prev, tracked := t.objects[a.Identity]
		switch {
		case !tracked:
			plan.Seeded = append(plan.Seeded, a.Identity)
		case prev.Region != a.Region:
			// A validated table has an entry for every pair of distinct
			// regions in its scheme.
			if sign, ok := t.signs.Sign(prev.Region, a.Region); ok {
				plan.Events = append(plan.Events, CrossingEvent{
					Identity:   a.Identity,
					From:       prev.Region,
					To:         a.Region,
					FrameIndex: corr.FrameIndex,
					Sign:       sign,
				})
			}
		}

		plan.Next[a.Identity] = TrackedObject{
			Identity:      a.Identity,
			Position:      a.Position,
			Region:        a.Region,
			LastSeenFrame: corr.FrameIndex,
		}
	}

	for id, obj := range t.objects {
		if seen[id] {
			continue
		}
		obj.Misses++
		if obj.Misses > t.graceFrames {
			plan.Evicted = append(plan.Evicted, id)
			continue
		}
		plan.Next[id] = obj
	}
	sort.Strings(plan.Evicted)

	return plan
}

// Commit installs the table of a plan whose events have been recorded.
func (t *Tracker) Commit(plan Plan) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.objects = plan.Next
}

// Step plans and immediately commits a frame. It suits callers that do not
// persist events.
func (t *Tracker) Step(corr Correlation) []CrossingEvent {
	plan := t.Plan(corr)
	t.Commit(plan)
	return plan.Events
}

// Reset forgets every tracked identity.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.objects = make(Table)
}
