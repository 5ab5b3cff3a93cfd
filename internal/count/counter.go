package count

import (
	"time"

	"github.com/yk-abe/people-counter/pkg/vision"
)

// sweepInterval is how many updates pass between stale-track sweeps.
const sweepInterval = 100

// FrameContext carries the frame identity stamped onto crossing events.
type FrameContext struct {
	Seq       uint64
	Timestamp time.Time
}

// Delta reports what a single update produced: the number of new IN and
// OUT events in this call only, plus one event record per crossing.
type Delta struct {
	In     int
	Out    int
	Events []vision.CrossingEvent
}

// Snapshot is the cumulative counter state. Gates maps the line or door
// name to its counts; Totals aggregates across all gates.
type Snapshot struct {
	Mode   string                       `json:"mode"`
	Gates  map[string]vision.GateCounts `json:"gates"`
	Totals vision.GateCounts            `json:"totals"`
}

// Counter converts per-frame track positions into counting events.
// Implementations are not safe for concurrent use: the processing loop
// owns all mutation, and consumers read published Snapshot copies.
type Counter interface {
	// Update feeds one frame's confirmed tracks into the counter.
	Update(frame FrameContext, tracks []vision.Track) Delta
	// Snapshot returns the cumulative counts.
	Snapshot() Snapshot
	// Reset clears all counts and per-track state.
	Reset()
	// ResetGate clears one named line or door. It reports whether the
	// name was known.
	ResetGate(name string) bool
}

func aggregate(gates map[string]vision.GateCounts) vision.GateCounts {
	var total vision.GateCounts
	for _, g := range gates {
		total.Enter += g.Enter
		total.Exit += g.Exit
	}
	total.Occupancy = total.Enter - total.Exit
	return total
}
