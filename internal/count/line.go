package count

import (
	"github.com/yk-abe/people-counter/internal/config"
	"github.com/yk-abe/people-counter/pkg/vision"
)

type lineGeom struct {
	name     string
	position float32
	vertical bool
}

type lineTotals struct {
	in  int
	out int
}

// lineTrackState is the per-track arena entry. crossed doubles as the
// lifetime latch: once set, the track can never count again on any
// line, so the entry can be evicted safely after the track disappears
// because tracker IDs are never reused.
type lineTrackState struct {
	x, y     float32
	crossed  bool
	lastSeen uint64
}

// LineCounter counts directional crossings of one or more configured
// lines. A "vertical" orientation line sits at a fixed y and counts
// top-to-bottom movement as IN; a "horizontal" orientation line sits at
// a fixed x and counts left-to-right as IN. Each track counts at most
// once in its lifetime across all lines.
type LineCounter struct {
	lines      []lineGeom
	totals     map[string]*lineTotals
	tracks     map[int]*lineTrackState
	evictAfter uint64
	tick       uint64
}

// NewLineCounter builds a counter for the configured lines. The config
// must already be validated.
func NewLineCounter(cfg config.CountingConfig) *LineCounter {
	c := &LineCounter{
		lines:      make([]lineGeom, 0, len(cfg.Lines)),
		totals:     make(map[string]*lineTotals, len(cfg.Lines)),
		tracks:     make(map[int]*lineTrackState),
		evictAfter: uint64(cfg.EvictAfterTicks),
	}
	for _, line := range cfg.Lines {
		c.lines = append(c.lines, lineGeom{
			name:     line.Name,
			position: line.Position,
			vertical: line.Orientation == config.OrientationVertical,
		})
		c.totals[line.Name] = &lineTotals{}
	}
	return c
}

// Update advances the counter by one frame of track positions.
func (c *LineCounter) Update(frame FrameContext, tracks []vision.Track) Delta {
	c.tick++
	var delta Delta

	for _, track := range tracks {
		cx, cy := track.Rect.CenterX(), track.Rect.CenterY()
		state, seen := c.tracks[track.ID]
		if !seen {
			// First sighting cannot be a crossing.
			c.tracks[track.ID] = &lineTrackState{x: cx, y: cy, lastSeen: c.tick}
			continue
		}
		state.lastSeen = c.tick

		if !state.crossed {
			for _, line := range c.lines {
				dir, fired := line.crossing(state.x, state.y, cx, cy)
				if !fired {
					continue
				}
				state.crossed = true
				totals := c.totals[line.name]
				if dir == vision.DirectionIn {
					totals.in++
					delta.In++
				} else {
					totals.out++
					delta.Out++
				}
				delta.Events = append(delta.Events, vision.CrossingEvent{
					Direction: dir,
					Gate:      line.name,
					TrackID:   track.ID,
					FrameSeq:  frame.Seq,
					Timestamp: frame.Timestamp,
				})
				// First crossing wins; no other line may count this track.
				break
			}
		}

		state.x, state.y = cx, cy
	}

	if c.tick%sweepInterval == 0 {
		c.sweep()
	}
	return delta
}

// crossing tests the strict side-change condition. A centroid resting
// exactly on the line does not re-trigger.
func (g lineGeom) crossing(prevX, prevY, x, y float32) (vision.Direction, bool) {
	prev, cur := prevX, x
	if g.vertical {
		prev, cur = prevY, y
	}
	switch {
	case prev < g.position && cur >= g.position:
		return vision.DirectionIn, true
	case prev > g.position && cur <= g.position:
		return vision.DirectionOut, true
	}
	return 0, false
}

// Snapshot returns cumulative per-line and aggregate counts.
func (c *LineCounter) Snapshot() Snapshot {
	gates := make(map[string]vision.GateCounts, len(c.totals))
	for name, t := range c.totals {
		gates[name] = vision.GateCounts{
			Enter:     t.in,
			Exit:      t.out,
			Occupancy: t.in - t.out,
		}
	}
	return Snapshot{
		Mode:   config.ModeSingleLine,
		Gates:  gates,
		Totals: aggregate(gates),
	}
}

// Reset clears every count, every stored centroid and every lifetime
// latch.
func (c *LineCounter) Reset() {
	for _, t := range c.totals {
		*t = lineTotals{}
	}
	c.tracks = make(map[int]*lineTrackState)
}

// ResetGate zeroes one line's totals. Per-track latches are shared
// across lines and stay intact.
func (c *LineCounter) ResetGate(name string) bool {
	t, ok := c.totals[name]
	if !ok {
		return false
	}
	*t = lineTotals{}
	return true
}

func (c *LineCounter) sweep() {
	if c.evictAfter == 0 {
		return
	}
	for id, state := range c.tracks {
		if c.tick-state.lastSeen > c.evictAfter {
			delete(c.tracks, id)
		}
	}
}

// trackCount reports the arena size, for eviction tests.
func (c *LineCounter) trackCount() int {
	return len(c.tracks)
}

var _ Counter = (*LineCounter)(nil)
