package count

import (
	"testing"
	"time"

	"github.com/yk-abe/people-counter/internal/config"
	"github.com/yk-abe/people-counter/pkg/vision"
)

func singleLineCfg(lines ...config.LineConfig) config.CountingConfig {
	return config.CountingConfig{
		Mode:            config.ModeSingleLine,
		EvictAfterTicks: 300,
		Lines:           lines,
	}
}

func trackAt(id int, x, y float32) vision.Track {
	return vision.Track{
		ID:   id,
		Rect: vision.Rect{X1: x - 5, Y1: y - 5, X2: x + 5, Y2: y + 5},
	}
}

var seq uint64

func frame() FrameContext {
	seq++
	return FrameContext{Seq: seq, Timestamp: time.Unix(1700000000, 0)}
}

func TestLineCountsDownwardCrossingAsIn(t *testing.T) {
	c := NewLineCounter(singleLineCfg(config.LineConfig{Name: "main", Position: 140, Orientation: config.OrientationVertical}))

	// First sighting stores the centroid, no event possible.
	if d := c.Update(frame(), []vision.Track{trackAt(1, 50, 100)}); d.In != 0 || d.Out != 0 {
		t.Fatalf("first sighting produced delta %+v", d)
	}

	d := c.Update(frame(), []vision.Track{trackAt(1, 50, 150)})
	if d.In != 1 || d.Out != 0 {
		t.Fatalf("crossing delta = %+v, want one IN", d)
	}
	if len(d.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(d.Events))
	}
	ev := d.Events[0]
	if ev.Direction != vision.DirectionIn || ev.Gate != "main" || ev.TrackID != 1 {
		t.Errorf("event = %+v", ev)
	}

	// Continuing in the same direction fires nothing further.
	if d := c.Update(frame(), []vision.Track{trackAt(1, 50, 200)}); d.In != 0 {
		t.Errorf("post-crossing delta = %+v", d)
	}

	snap := c.Snapshot()
	if snap.Gates["main"].Enter != 1 || snap.Gates["main"].Exit != 0 {
		t.Errorf("snapshot = %+v", snap.Gates["main"])
	}
	if snap.Totals.Occupancy != 1 {
		t.Errorf("total occupancy = %d, want 1", snap.Totals.Occupancy)
	}
}

func TestLineCountsUpwardCrossingAsOut(t *testing.T) {
	c := NewLineCounter(singleLineCfg(config.LineConfig{Name: "main", Position: 140, Orientation: config.OrientationVertical}))

	c.Update(frame(), []vision.Track{trackAt(1, 50, 200)})
	d := c.Update(frame(), []vision.Track{trackAt(1, 50, 100)})
	if d.Out != 1 || d.In != 0 {
		t.Fatalf("delta = %+v, want one OUT", d)
	}
	if d.Events[0].Direction != vision.DirectionOut {
		t.Errorf("direction = %v", d.Events[0].Direction)
	}
}

func TestLineHorizontalOrientationTestsX(t *testing.T) {
	c := NewLineCounter(singleLineCfg(config.LineConfig{Name: "hall", Position: 50, Orientation: config.OrientationHorizontal}))

	c.Update(frame(), []vision.Track{trackAt(1, 30, 200)})
	d := c.Update(frame(), []vision.Track{trackAt(1, 70, 200)})
	if d.In != 1 {
		t.Fatalf("left-to-right delta = %+v, want one IN", d)
	}

	c.Update(frame(), []vision.Track{trackAt(2, 80, 200)})
	d = c.Update(frame(), []vision.Track{trackAt(2, 20, 200)})
	if d.Out != 1 {
		t.Fatalf("right-to-left delta = %+v, want one OUT", d)
	}
}

func TestLineExactlyOncePerTrackLifetime(t *testing.T) {
	c := NewLineCounter(singleLineCfg(config.LineConfig{Name: "main", Position: 140, Orientation: config.OrientationVertical}))

	// Oscillate across the line many times.
	ys := []float32{100, 200, 100, 200, 100, 200, 100}
	for _, y := range ys {
		c.Update(frame(), []vision.Track{trackAt(1, 50, y)})
	}

	snap := c.Snapshot()
	total := snap.Totals.Enter + snap.Totals.Exit
	if total != 1 {
		t.Errorf("track counted %d times over its lifetime, want 1 (snapshot %+v)", total, snap.Totals)
	}
}

func TestLineRestingOnLineDoesNotRetrigger(t *testing.T) {
	c := NewLineCounter(singleLineCfg(config.LineConfig{Name: "main", Position: 140, Orientation: config.OrientationVertical}))

	c.Update(frame(), []vision.Track{trackAt(1, 50, 150)})
	// Landing exactly on the line from above is a completed crossing.
	d := c.Update(frame(), []vision.Track{trackAt(1, 50, 140)})
	if d.Out != 1 {
		t.Fatalf("landing on line delta = %+v, want one OUT", d)
	}
	// Staying on the line, or stepping off it, fires nothing more.
	for _, y := range []float32{140, 140, 130, 140, 150} {
		if d := c.Update(frame(), []vision.Track{trackAt(1, 50, y)}); d.In != 0 || d.Out != 0 {
			t.Fatalf("on-line wobble at y=%v produced delta %+v", y, d)
		}
	}
}

func TestLineFirstCrossingWinsAcrossLines(t *testing.T) {
	c := NewLineCounter(singleLineCfg(
		config.LineConfig{Name: "upper", Position: 100, Orientation: config.OrientationVertical},
		config.LineConfig{Name: "lower", Position: 200, Orientation: config.OrientationVertical},
	))

	c.Update(frame(), []vision.Track{trackAt(1, 50, 90)})

	// One step across both lines: only the first configured line counts.
	d := c.Update(frame(), []vision.Track{trackAt(1, 50, 250)})
	if d.In != 1 || len(d.Events) != 1 {
		t.Fatalf("delta = %+v, want exactly one IN", d)
	}
	if d.Events[0].Gate != "upper" {
		t.Errorf("event gate = %q, want upper", d.Events[0].Gate)
	}

	// Crossing the second line later is still latched out.
	c.Update(frame(), []vision.Track{trackAt(1, 50, 150)})
	if d := c.Update(frame(), []vision.Track{trackAt(1, 50, 250)}); d.In != 0 || d.Out != 0 {
		t.Errorf("latched track produced delta %+v", d)
	}

	snap := c.Snapshot()
	if snap.Gates["lower"].Enter != 0 || snap.Gates["lower"].Exit != 0 {
		t.Errorf("lower line counted a latched track: %+v", snap.Gates["lower"])
	}
}

func TestLineIndependentTracks(t *testing.T) {
	c := NewLineCounter(singleLineCfg(config.LineConfig{Name: "main", Position: 140, Orientation: config.OrientationVertical}))

	c.Update(frame(), []vision.Track{trackAt(1, 40, 100), trackAt(2, 60, 200)})
	d := c.Update(frame(), []vision.Track{trackAt(1, 40, 200), trackAt(2, 60, 100)})
	if d.In != 1 || d.Out != 1 {
		t.Fatalf("delta = %+v, want one IN and one OUT", d)
	}

	snap := c.Snapshot()
	if snap.Totals.Enter != 1 || snap.Totals.Exit != 1 || snap.Totals.Occupancy != 0 {
		t.Errorf("totals = %+v", snap.Totals)
	}
}

func TestLineResetClearsEverything(t *testing.T) {
	c := NewLineCounter(singleLineCfg(config.LineConfig{Name: "main", Position: 140, Orientation: config.OrientationVertical}))

	c.Update(frame(), []vision.Track{trackAt(1, 50, 100)})
	c.Update(frame(), []vision.Track{trackAt(1, 50, 200)})
	c.Reset()

	snap := c.Snapshot()
	if snap.Totals.Enter != 0 || snap.Totals.Exit != 0 || snap.Totals.Occupancy != 0 {
		t.Fatalf("totals after reset = %+v", snap.Totals)
	}

	// The same track ID may be counted again after a reset.
	c.Update(frame(), []vision.Track{trackAt(1, 50, 100)})
	d := c.Update(frame(), []vision.Track{trackAt(1, 50, 200)})
	if d.In != 1 {
		t.Errorf("recount after reset delta = %+v", d)
	}
}

func TestLineResetGate(t *testing.T) {
	c := NewLineCounter(singleLineCfg(
		config.LineConfig{Name: "a", Position: 100, Orientation: config.OrientationVertical},
		config.LineConfig{Name: "b", Position: 200, Orientation: config.OrientationVertical},
	))

	c.Update(frame(), []vision.Track{trackAt(1, 50, 90)})
	c.Update(frame(), []vision.Track{trackAt(1, 50, 110)})
	c.Update(frame(), []vision.Track{trackAt(2, 50, 190)})
	c.Update(frame(), []vision.Track{trackAt(2, 50, 210)})

	if !c.ResetGate("a") {
		t.Fatal("ResetGate(a) = false")
	}
	if c.ResetGate("nope") {
		t.Fatal("ResetGate(nope) = true")
	}

	snap := c.Snapshot()
	if snap.Gates["a"].Enter != 0 {
		t.Errorf("line a not reset: %+v", snap.Gates["a"])
	}
	if snap.Gates["b"].Enter != 1 {
		t.Errorf("line b lost its count: %+v", snap.Gates["b"])
	}
}

func TestLineEvictsStaleTrackState(t *testing.T) {
	cfg := singleLineCfg(config.LineConfig{Name: "main", Position: 140, Orientation: config.OrientationVertical})
	cfg.EvictAfterTicks = 10
	c := NewLineCounter(cfg)

	c.Update(frame(), []vision.Track{trackAt(1, 50, 100)})
	if c.trackCount() != 1 {
		t.Fatalf("trackCount = %d", c.trackCount())
	}

	// Run empty updates past the next sweep boundary.
	for i := 0; i < 2*sweepInterval; i++ {
		c.Update(frame(), nil)
	}
	if c.trackCount() != 0 {
		t.Errorf("stale track state not evicted, trackCount = %d", c.trackCount())
	}
}

func TestLineDeltaIsPerCall(t *testing.T) {
	c := NewLineCounter(singleLineCfg(config.LineConfig{Name: "main", Position: 140, Orientation: config.OrientationVertical}))

	c.Update(frame(), []vision.Track{trackAt(1, 50, 100)})
	first := c.Update(frame(), []vision.Track{trackAt(1, 50, 200)})
	if first.In != 1 {
		t.Fatalf("first delta = %+v", first)
	}
	second := c.Update(frame(), []vision.Track{trackAt(1, 50, 200)})
	if second.In != 0 || second.Out != 0 {
		t.Errorf("delta is cumulative: %+v", second)
	}
}
