package detect

import (
	"math"
	"testing"

	"github.com/yk-abe/people-counter/pkg/vision"
)

type cand struct {
	cx, cy, w, h float32
	scores       []float32
}

// tensorFor lays candidates out attribute-major, the way the model
// emits them.
func tensorFor(classes int, cands []cand, lb Letterbox) RawOutput {
	cells := len(cands)
	data := make([]float32, (4+classes)*cells)
	for j, c := range cands {
		data[0*cells+j] = c.cx
		data[1*cells+j] = c.cy
		data[2*cells+j] = c.w
		data[3*cells+j] = c.h
		for ci, s := range c.scores {
			data[(4+ci)*cells+j] = s
		}
	}
	return RawOutput{Data: data, Cells: cells, Classes: classes, Letterbox: lb}
}

func identityLB() Letterbox {
	return Letterbox{Scale: 1}
}

func approxEqual(a, b, tol float32) bool {
	return math.Abs(float64(a-b)) <= float64(tol)
}

func TestDecodePicksArgmaxClass(t *testing.T) {
	out := tensorFor(3, []cand{
		{cx: 50, cy: 50, w: 20, h: 40, scores: []float32{0.1, 0.9, 0.3}},
	}, identityLB())

	dets, err := NewDecoder(0.5, 0.45).Decode(out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("got %d detections, want 1", len(dets))
	}
	if dets[0].ClassID != 1 {
		t.Errorf("ClassID = %d, want 1", dets[0].ClassID)
	}
	if dets[0].Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", dets[0].Confidence)
	}
	want := vision.Rect{X1: 40, Y1: 30, X2: 60, Y2: 70}
	if dets[0].Rect != want {
		t.Errorf("Rect = %+v, want %+v", dets[0].Rect, want)
	}
}

func TestDecodeDropsAtOrBelowThreshold(t *testing.T) {
	out := tensorFor(1, []cand{
		{cx: 10, cy: 10, w: 4, h: 4, scores: []float32{0.5}},  // == threshold, dropped
		{cx: 30, cy: 30, w: 4, h: 4, scores: []float32{0.49}}, // below, dropped
		{cx: 50, cy: 50, w: 4, h: 4, scores: []float32{0.51}}, // kept
	}, identityLB())

	dets, err := NewDecoder(0.5, 0.45).Decode(out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("got %d detections, want 1", len(dets))
	}
	if dets[0].Confidence != 0.51 {
		t.Errorf("kept confidence %v, want 0.51", dets[0].Confidence)
	}
}

func TestDecodeEmptyTensor(t *testing.T) {
	dets, err := NewDecoder(0.5, 0.45).Decode(RawOutput{Letterbox: identityLB()})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(dets) != 0 {
		t.Errorf("got %d detections from empty tensor", len(dets))
	}
}

func TestDecodeShortTensorFails(t *testing.T) {
	out := RawOutput{Data: make([]float32, 3), Cells: 2, Classes: 1, Letterbox: identityLB()}
	if _, err := NewDecoder(0.5, 0.45).Decode(out); err == nil {
		t.Fatal("expected error for truncated tensor")
	}
}

func TestDecodeUndoesLetterbox(t *testing.T) {
	lb := FitLetterbox(1920, 1080, 640)
	orig := vision.Rect{X1: 100, Y1: 200, X2: 400, Y2: 800}
	model := lb.ToModel(orig)

	out := tensorFor(1, []cand{{
		cx:     (model.X1 + model.X2) / 2,
		cy:     (model.Y1 + model.Y2) / 2,
		w:      model.X2 - model.X1,
		h:      model.Y2 - model.Y1,
		scores: []float32{0.8},
	}}, lb)

	dets, err := NewDecoder(0.5, 0.45).Decode(out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("got %d detections, want 1", len(dets))
	}
	got := dets[0].Rect
	for _, pair := range [][2]float32{
		{got.X1, orig.X1}, {got.Y1, orig.Y1}, {got.X2, orig.X2}, {got.Y2, orig.Y2},
	} {
		if !approxEqual(pair[0], pair[1], 0.01) {
			t.Errorf("round trip %+v, want %+v", got, orig)
			break
		}
	}
}

func TestFitLetterbox(t *testing.T) {
	lb := FitLetterbox(1920, 1080, 640)
	if !approxEqual(lb.Scale, 640.0/1920.0, 1e-6) {
		t.Errorf("Scale = %v", lb.Scale)
	}
	if !approxEqual(lb.PadX, 0, 1e-4) {
		t.Errorf("PadX = %v, want 0", lb.PadX)
	}
	if !approxEqual(lb.PadY, 140, 1e-4) {
		t.Errorf("PadY = %v, want 140", lb.PadY)
	}

	// Portrait frame pads on the x axis instead.
	lb = FitLetterbox(1080, 1920, 640)
	if !approxEqual(lb.PadY, 0, 1e-4) {
		t.Errorf("portrait PadY = %v, want 0", lb.PadY)
	}
	if !approxEqual(lb.PadX, 140, 1e-4) {
		t.Errorf("portrait PadX = %v, want 140", lb.PadX)
	}
}

func TestNMSSuppressesOverlap(t *testing.T) {
	a := vision.Detection{Rect: vision.Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}, Confidence: 0.9}
	b := vision.Detection{Rect: vision.Rect{X1: 1, Y1: 1, X2: 11, Y2: 11}, Confidence: 0.8}

	kept := NMS([]vision.Detection{b, a}, 0.45)
	if len(kept) != 1 {
		t.Fatalf("kept %d boxes, want 1", len(kept))
	}
	if kept[0].Confidence != 0.9 {
		t.Errorf("survivor confidence %v, want the higher 0.9", kept[0].Confidence)
	}
}

func TestNMSKeepsDisjointBoxes(t *testing.T) {
	a := vision.Detection{Rect: vision.Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}, Confidence: 0.9}
	b := vision.Detection{Rect: vision.Rect{X1: 100, Y1: 100, X2: 110, Y2: 110}, Confidence: 0.8}

	kept := NMS([]vision.Detection{a, b}, 0.45)
	if len(kept) != 2 {
		t.Fatalf("kept %d boxes, want 2", len(kept))
	}
	if kept[0].Confidence < kept[1].Confidence {
		t.Error("result not ordered by descending confidence")
	}
}

func TestNMSIdempotent(t *testing.T) {
	dets := []vision.Detection{
		{Rect: vision.Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}, Confidence: 0.9},
		{Rect: vision.Rect{X1: 2, Y1: 2, X2: 12, Y2: 12}, Confidence: 0.7},
		{Rect: vision.Rect{X1: 50, Y1: 50, X2: 60, Y2: 60}, Confidence: 0.6},
		{Rect: vision.Rect{X1: 51, Y1: 51, X2: 61, Y2: 61}, Confidence: 0.5},
	}
	once := NMS(dets, 0.45)
	twice := NMS(once, 0.45)
	if len(once) != len(twice) {
		t.Fatalf("second pass changed count: %d -> %d", len(once), len(twice))
	}
	for i := range once {
		if once[i] != twice[i] {
			t.Errorf("box %d changed on second pass: %+v -> %+v", i, once[i], twice[i])
		}
	}
}

func TestNMSDegenerateBox(t *testing.T) {
	dets := []vision.Detection{
		{Rect: vision.Rect{X1: 5, Y1: 5, X2: 5, Y2: 5}, Confidence: 0.9},
		{Rect: vision.Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}, Confidence: 0.8},
	}
	kept := NMS(dets, 0.45)
	if len(kept) != 2 {
		t.Fatalf("kept %d boxes, want 2 (zero-area box must not divide by zero)", len(kept))
	}
}

func TestFilterClass(t *testing.T) {
	dets := []vision.Detection{
		{ClassID: 0, Confidence: 0.9},
		{ClassID: 2, Confidence: 0.8},
		{ClassID: 0, Confidence: 0.7},
	}
	persons := FilterClass(dets, 0)
	if len(persons) != 2 {
		t.Fatalf("got %d persons, want 2", len(persons))
	}
	for _, d := range persons {
		if d.ClassID != 0 {
			t.Errorf("wrong class %d in filtered set", d.ClassID)
		}
	}
}
