package vision

import "time"

// Rect is an axis-aligned box in original-frame pixel coordinates.
type Rect struct {
	X1, Y1, X2, Y2 float32
}

// Width returns the box width, clamped at zero.
func (r Rect) Width() float32 {
	if r.X2 < r.X1 {
		return 0
	}
	return r.X2 - r.X1
}

// Height returns the box height, clamped at zero.
func (r Rect) Height() float32 {
	if r.Y2 < r.Y1 {
		return 0
	}
	return r.Y2 - r.Y1
}

// Area returns the box area, zero for degenerate boxes.
func (r Rect) Area() float32 {
	return r.Width() * r.Height()
}

// CenterX returns the horizontal center of the box.
func (r Rect) CenterX() float32 { return (r.X1 + r.X2) / 2 }

// CenterY returns the vertical center of the box.
func (r Rect) CenterY() float32 { return (r.Y1 + r.Y2) / 2 }

// IoU computes intersection-over-union between two boxes. A small epsilon
// in the denominator keeps degenerate zero-area boxes from dividing by zero.
func IoU(a, b Rect) float32 {
	ix1 := maxf(a.X1, b.X1)
	iy1 := maxf(a.Y1, b.Y1)
	ix2 := minf(a.X2, b.X2)
	iy2 := minf(a.Y2, b.Y2)

	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	return inter / (a.Area() + b.Area() - inter + 1e-6)
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

// Detection is one scored, class-labeled box in original-frame coordinates.
type Detection struct {
	Rect       Rect
	Confidence float32
	ClassID    int
}

// Track is one tracked identity for a single frame: the id is stable across
// frames, the box and confidence are this frame's observation.
type Track struct {
	ID         int
	Rect       Rect
	Confidence float32
	Embedding  []float32
}

// Direction labels a counting event.
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
)

// String returns the wire name of the direction.
func (d Direction) String() string {
	if d == DirectionOut {
		return "out"
	}
	return "in"
}

// MarshalJSON encodes the direction as its wire name.
func (d Direction) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// CrossingEvent is emitted once per counted crossing.
type CrossingEvent struct {
	Direction Direction `json:"direction"`
	Gate      string    `json:"gate"`
	TrackID   int       `json:"track_id"`
	FrameSeq  uint64    `json:"frame_seq"`
	Timestamp time.Time `json:"timestamp"`
}

// GateCounts is the cumulative state of one door.
type GateCounts struct {
	Enter     int `json:"enter"`
	Exit      int `json:"exit"`
	Occupancy int `json:"occupancy"`
}
