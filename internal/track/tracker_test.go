package track

import (
	"testing"

	"github.com/yk-abe/people-counter/internal/config"
	"github.com/yk-abe/people-counter/pkg/vision"
)

func det(x1, y1, x2, y2 float32) vision.Detection {
	return vision.Detection{Rect: vision.Rect{X1: x1, Y1: y1, X2: x2, Y2: y2}, Confidence: 0.9}
}

func newTracker(maxAge, minHits int) *Tracker {
	return NewTracker(config.TrackingConfig{MaxAge: maxAge, MinHits: minHits, IoUThreshold: 0.3})
}

func mustUpdate(t *testing.T, tr *Tracker, dets []vision.Detection) []vision.Track {
	t.Helper()
	out, err := tr.Update(dets)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	return out
}

func TestTrackerKeepsIdentityAcrossFrames(t *testing.T) {
	tr := newTracker(5, 1)

	first := mustUpdate(t, tr, []vision.Detection{det(0, 0, 10, 10)})
	if len(first) != 1 {
		t.Fatalf("frame 1: got %d tracks, want 1", len(first))
	}

	// Slightly moved box must keep the same ID.
	second := mustUpdate(t, tr, []vision.Detection{det(1, 1, 11, 11)})
	if len(second) != 1 {
		t.Fatalf("frame 2: got %d tracks, want 1", len(second))
	}
	if second[0].ID != first[0].ID {
		t.Errorf("ID changed across frames: %d -> %d", first[0].ID, second[0].ID)
	}
	if second[0].Rect.X1 != 1 {
		t.Errorf("track box not updated: %+v", second[0].Rect)
	}
}

func TestTrackerConfirmsAfterMinHits(t *testing.T) {
	tr := newTracker(5, 3)

	for frame := 1; frame <= 2; frame++ {
		if out := mustUpdate(t, tr, []vision.Detection{det(0, 0, 10, 10)}); len(out) != 0 {
			t.Fatalf("frame %d: track confirmed before minHits, got %v", frame, out)
		}
	}
	out := mustUpdate(t, tr, []vision.Detection{det(0, 0, 10, 10)})
	if len(out) != 1 {
		t.Fatalf("frame 3: got %d tracks, want confirmed track", len(out))
	}
}

func TestTrackerSeparateTracksForDisjointDetections(t *testing.T) {
	tr := newTracker(5, 1)

	out := mustUpdate(t, tr, []vision.Detection{
		det(0, 0, 10, 10),
		det(100, 100, 110, 110),
	})
	if len(out) != 2 {
		t.Fatalf("got %d tracks, want 2", len(out))
	}
	if out[0].ID == out[1].ID {
		t.Errorf("disjoint detections share ID %d", out[0].ID)
	}
}

func TestTrackerMatchesBestOverlap(t *testing.T) {
	tr := newTracker(5, 1)

	initial := mustUpdate(t, tr, []vision.Detection{
		det(0, 0, 10, 10),
		det(8, 0, 18, 10),
	})
	if len(initial) != 2 {
		t.Fatalf("setup produced %d tracks", len(initial))
	}

	// A detection overlapping both tracks must continue the one it
	// overlaps more (IoU 0.54 vs 0.33 here).
	next := mustUpdate(t, tr, []vision.Detection{det(3, 0, 13, 10)})
	if len(next) != 1 {
		t.Fatalf("got %d tracks, want 1", len(next))
	}
	if next[0].ID != initial[0].ID {
		t.Errorf("matched track %d, want best-overlap track %d", next[0].ID, initial[0].ID)
	}
}

func TestTrackerDropsStaleAndNeverReusesIDs(t *testing.T) {
	tr := newTracker(2, 1)

	first := mustUpdate(t, tr, []vision.Detection{det(0, 0, 10, 10)})
	if len(first) != 1 {
		t.Fatalf("setup produced %d tracks", len(first))
	}

	// Miss the track for more than maxAge frames.
	for i := 0; i < 3; i++ {
		mustUpdate(t, tr, nil)
	}
	if tr.Count() != 0 {
		t.Fatalf("stale track not evicted, count = %d", tr.Count())
	}

	// The same box reappearing is a new identity.
	again := mustUpdate(t, tr, []vision.Detection{det(0, 0, 10, 10)})
	if len(again) != 1 {
		t.Fatalf("got %d tracks after reappearance", len(again))
	}
	if again[0].ID == first[0].ID {
		t.Errorf("track ID %d reused after eviction", first[0].ID)
	}
}

func TestTrackerReset(t *testing.T) {
	tr := newTracker(5, 1)

	before := mustUpdate(t, tr, []vision.Detection{det(0, 0, 10, 10)})
	tr.Reset()
	if tr.Count() != 0 {
		t.Fatalf("count = %d after reset", tr.Count())
	}

	after := mustUpdate(t, tr, []vision.Detection{det(0, 0, 10, 10)})
	if len(after) != 1 {
		t.Fatalf("got %d tracks after reset", len(after))
	}
	if after[0].ID == before[0].ID {
		t.Errorf("ID %d reused after reset", before[0].ID)
	}
}

func TestTrackerAttachesEmbedding(t *testing.T) {
	tr := newTracker(5, 1)

	out := mustUpdate(t, tr, []vision.Detection{det(0, 0, 10, 10)})
	emb := []float32{0.6, 0.8}
	tr.SetEmbedding(out[0].ID, emb)

	next := mustUpdate(t, tr, []vision.Detection{det(0, 0, 10, 10)})
	if len(next) != 1 || next[0].Embedding == nil {
		t.Fatalf("embedding not carried: %+v", next)
	}
	if next[0].Embedding[0] != 0.6 {
		t.Errorf("embedding = %v", next[0].Embedding)
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	if got := CosineSimilarity(a, a); got != 1 {
		t.Errorf("similarity(a,a) = %v, want 1", got)
	}
	if got := CosineSimilarity(a, b); got != 0 {
		t.Errorf("similarity(a,b) = %v, want 0", got)
	}
	if got := CosineSimilarity(a, []float32{1, 0, 0}); got != 0 {
		t.Errorf("mismatched lengths = %v, want 0", got)
	}
}

func TestNormalize(t *testing.T) {
	v := normalize([]float32{3, 4})
	if !approx(v[0], 0.6) || !approx(v[1], 0.8) {
		t.Errorf("normalize = %v", v)
	}
	zero := normalize([]float32{0, 0})
	if zero[0] != 0 || zero[1] != 0 {
		t.Errorf("normalize zero vector = %v", zero)
	}
}

func TestClampRect(t *testing.T) {
	r := clampRect(vision.Rect{X1: -10, Y1: -5, X2: 700, Y2: 500}, 640, 480)
	if r.Min.X != 0 || r.Min.Y != 0 || r.Max.X != 640 || r.Max.Y != 480 {
		t.Errorf("clamped rect = %v", r)
	}
}

func approx(a, b float32) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-4
}
