package count

import (
	"sort"

	"github.com/yk-abe/people-counter/internal/config"
	"github.com/yk-abe/people-counter/pkg/vision"
)

// historyWindow is the fixed number of side samples smoothed per line.
const historyWindow = 7

// doorSides packs the smoothed side of lines A and B into two bits.
type doorSides uint8

const (
	sideAPos doorSides = 1 << 0
	sideBPos doorSides = 1 << 1
)

// enterEdge and exitEdge mark the compound-state transitions that fire
// counting events: enter on A pos to neg, exit on B pos to neg. The two
// edges are independent and may fire on the same transition.
var (
	enterEdge [4][4]bool
	exitEdge  [4][4]bool
)

func init() {
	for prev := doorSides(0); prev < 4; prev++ {
		for next := doorSides(0); next < 4; next++ {
			enterEdge[prev][next] = prev&sideAPos != 0 && next&sideAPos == 0
			exitEdge[prev][next] = prev&sideBPos != 0 && next&sideBPos == 0
		}
	}
}

type segment struct {
	x1, y1, x2, y2 float32
}

// side reports whether the point lies in the non-negative half-plane of
// the segment's supporting line.
func (s segment) side(x, y float32) bool {
	return (x-s.x1)*(s.y2-s.y1)-(y-s.y1)*(s.x2-s.x1) >= 0
}

func pushSample(h []bool, v bool) []bool {
	h = append(h, v)
	if len(h) > historyWindow {
		h = h[1:]
	}
	return h
}

// majority reports "pos" when strictly more than half the samples are
// non-negative, rejecting single-frame jitter at the boundary.
func majority(h []bool) bool {
	pos := 0
	for _, v := range h {
		if v {
			pos++
		}
	}
	return float32(pos)/float32(len(h)) > 0.5
}

func packSides(aPos, bPos bool) doorSides {
	var s doorSides
	if aPos {
		s |= sideAPos
	}
	if bPos {
		s |= sideBPos
	}
	return s
}

type doorTrackState struct {
	histA, histB []bool
	prev         doorSides
	hasPrev      bool
	entered      bool
	exited       bool
	lastSeen     uint64
}

type doorState struct {
	name   string
	lineA  segment
	lineB  segment
	enter  int
	exit   int
	tracks map[int]*doorTrackState
}

// DoorCounter counts entries and exits through named two-line doors.
// A person entering crosses line A from its positive to its negative
// half-plane; exiting crosses line B the same way. Each track can enter
// and exit each door at most once.
type DoorCounter struct {
	doors      []*doorState
	byName     map[string]*doorState
	evictAfter uint64
	tick       uint64
}

// NewDoorCounter builds a counter for the configured doors. The config
// must already be validated.
func NewDoorCounter(cfg config.CountingConfig) *DoorCounter {
	names := make([]string, 0, len(cfg.Doors))
	for name := range cfg.Doors {
		names = append(names, name)
	}
	sort.Strings(names)

	c := &DoorCounter{
		doors:      make([]*doorState, 0, len(names)),
		byName:     make(map[string]*doorState, len(names)),
		evictAfter: uint64(cfg.EvictAfterTicks),
	}
	for _, name := range names {
		geom := cfg.Doors[name]
		door := &doorState{
			name:   name,
			lineA:  segment{geom.LineA[0], geom.LineA[1], geom.LineA[2], geom.LineA[3]},
			lineB:  segment{geom.LineB[0], geom.LineB[1], geom.LineB[2], geom.LineB[3]},
			tracks: make(map[int]*doorTrackState),
		}
		c.doors = append(c.doors, door)
		c.byName[name] = door
	}
	return c
}

// Update advances every door by one frame of track positions.
func (c *DoorCounter) Update(frame FrameContext, tracks []vision.Track) Delta {
	c.tick++
	var delta Delta

	for _, track := range tracks {
		cx, cy := track.Rect.CenterX(), track.Rect.CenterY()
		for _, door := range c.doors {
			st, ok := door.tracks[track.ID]
			if !ok {
				st = &doorTrackState{}
				door.tracks[track.ID] = st
			}
			st.lastSeen = c.tick
			st.histA = pushSample(st.histA, door.lineA.side(cx, cy))
			st.histB = pushSample(st.histB, door.lineB.side(cx, cy))
			state := packSides(majority(st.histA), majority(st.histB))

			if !st.hasPrev {
				st.prev = state
				st.hasPrev = true
				continue
			}

			if enterEdge[st.prev][state] && !st.entered {
				st.entered = true
				door.enter++
				delta.In++
				delta.Events = append(delta.Events, crossingEvent(vision.DirectionIn, door.name, track.ID, frame))
			}
			if exitEdge[st.prev][state] && !st.exited {
				st.exited = true
				door.exit++
				delta.Out++
				delta.Events = append(delta.Events, crossingEvent(vision.DirectionOut, door.name, track.ID, frame))
			}
			st.prev = state
		}
	}

	if c.tick%sweepInterval == 0 {
		c.sweep()
	}
	return delta
}

func crossingEvent(dir vision.Direction, gate string, trackID int, frame FrameContext) vision.CrossingEvent {
	return vision.CrossingEvent{
		Direction: dir,
		Gate:      gate,
		TrackID:   trackID,
		FrameSeq:  frame.Seq,
		Timestamp: frame.Timestamp,
	}
}

// Snapshot returns cumulative per-door and aggregate counts.
func (c *DoorCounter) Snapshot() Snapshot {
	gates := make(map[string]vision.GateCounts, len(c.doors))
	for _, door := range c.doors {
		gates[door.name] = vision.GateCounts{
			Enter:     door.enter,
			Exit:      door.exit,
			Occupancy: door.enter - door.exit,
		}
	}
	return Snapshot{
		Mode:   config.ModeMultiDoor,
		Gates:  gates,
		Totals: aggregate(gates),
	}
}

// Reset zeroes every door and clears all per-track state and latches.
func (c *DoorCounter) Reset() {
	for _, door := range c.doors {
		door.enter = 0
		door.exit = 0
		door.tracks = make(map[int]*doorTrackState)
	}
}

// ResetGate zeroes one door, including its per-track latches, so the
// same tracks can be recounted there.
func (c *DoorCounter) ResetGate(name string) bool {
	door, ok := c.byName[name]
	if !ok {
		return false
	}
	door.enter = 0
	door.exit = 0
	door.tracks = make(map[int]*doorTrackState)
	return true
}

func (c *DoorCounter) sweep() {
	if c.evictAfter == 0 {
		return
	}
	for _, door := range c.doors {
		for id, st := range door.tracks {
			if c.tick-st.lastSeen > c.evictAfter {
				delete(door.tracks, id)
			}
		}
	}
}

// trackCount reports the total arena size across doors, for eviction
// tests.
func (c *DoorCounter) trackCount() int {
	n := 0
	for _, door := range c.doors {
		n += len(door.tracks)
	}
	return n
}

var _ Counter = (*DoorCounter)(nil)
