package detect

import (
	"fmt"
	"sort"

	"github.com/yk-abe/people-counter/pkg/vision"
)

// Letterbox holds the resize-and-pad transform that maps a frame into
// the model's square input. Scale is applied before padding.
type Letterbox struct {
	Scale float32
	PadX  float32
	PadY  float32
}

// FitLetterbox computes the transform for a srcW x srcH frame into an
// inputSize x inputSize model input, preserving aspect ratio.
func FitLetterbox(srcW, srcH, inputSize int) Letterbox {
	scaleW := float32(inputSize) / float32(srcW)
	scaleH := float32(inputSize) / float32(srcH)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}
	return Letterbox{
		Scale: scale,
		PadX:  (float32(inputSize) - float32(srcW)*scale) / 2,
		PadY:  (float32(inputSize) - float32(srcH)*scale) / 2,
	}
}

// ToModel maps a frame-space rect into model-input space.
func (lb Letterbox) ToModel(r vision.Rect) vision.Rect {
	return vision.Rect{
		X1: r.X1*lb.Scale + lb.PadX,
		Y1: r.Y1*lb.Scale + lb.PadY,
		X2: r.X2*lb.Scale + lb.PadX,
		Y2: r.Y2*lb.Scale + lb.PadY,
	}
}

// ToFrame maps a model-input rect back into frame space.
func (lb Letterbox) ToFrame(r vision.Rect) vision.Rect {
	return vision.Rect{
		X1: (r.X1 - lb.PadX) / lb.Scale,
		Y1: (r.Y1 - lb.PadY) / lb.Scale,
		X2: (r.X2 - lb.PadX) / lb.Scale,
		Y2: (r.Y2 - lb.PadY) / lb.Scale,
	}
}

// RawOutput is one inference result: the flattened detector tensor in
// attribute-major layout (attribute a of cell j at index a*Cells+j,
// attributes being cx, cy, w, h followed by the per-class scores) plus
// the transform needed to map boxes back to the frame.
type RawOutput struct {
	Data      []float32
	Cells     int
	Classes   int
	Letterbox Letterbox
}

// Decoder turns raw detector output into deduplicated detections in
// frame coordinates.
type Decoder struct {
	confThreshold float32
	nmsThreshold  float32
}

// NewDecoder creates a decoder with the given confidence and NMS IoU
// thresholds.
func NewDecoder(confThreshold, nmsThreshold float32) *Decoder {
	return &Decoder{
		confThreshold: confThreshold,
		nmsThreshold:  nmsThreshold,
	}
}

// Decode scores every cell, drops low-confidence candidates, maps the
// survivors back to frame coordinates and suppresses duplicates. The
// result is ordered by descending confidence. No candidates is an empty
// result, not an error.
func (d *Decoder) Decode(out RawOutput) ([]vision.Detection, error) {
	if out.Cells == 0 {
		return nil, nil
	}
	want := (4 + out.Classes) * out.Cells
	if len(out.Data) < want {
		return nil, fmt.Errorf("tensor too short: have %d values, want %d", len(out.Data), want)
	}
	if out.Letterbox.Scale <= 0 {
		return nil, fmt.Errorf("letterbox scale %v must be positive", out.Letterbox.Scale)
	}

	candidates := make([]vision.Detection, 0, 32)
	for j := 0; j < out.Cells; j++ {
		conf := float32(0)
		classID := 0
		for c := 0; c < out.Classes; c++ {
			score := out.Data[(4+c)*out.Cells+j]
			if score > conf {
				conf = score
				classID = c
			}
		}
		if conf <= d.confThreshold {
			continue
		}

		cx := out.Data[0*out.Cells+j]
		cy := out.Data[1*out.Cells+j]
		w := out.Data[2*out.Cells+j]
		h := out.Data[3*out.Cells+j]
		box := out.Letterbox.ToFrame(vision.Rect{
			X1: cx - w/2,
			Y1: cy - h/2,
			X2: cx + w/2,
			Y2: cy + h/2,
		})
		candidates = append(candidates, vision.Detection{
			Rect:       box,
			Confidence: conf,
			ClassID:    classID,
		})
	}

	return NMS(candidates, d.nmsThreshold), nil
}

// NMS runs class-agnostic greedy non-max suppression: highest
// confidence first, removing every remaining box whose IoU with the
// kept box exceeds the threshold.
func NMS(dets []vision.Detection, iouThreshold float32) []vision.Detection {
	if len(dets) == 0 {
		return nil
	}
	sorted := make([]vision.Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]vision.Detection, 0, len(sorted))
	suppressed := make([]bool, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] {
				continue
			}
			if vision.IoU(sorted[i].Rect, sorted[j].Rect) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// FilterClass keeps only detections of the given class.
func FilterClass(dets []vision.Detection, classID int) []vision.Detection {
	filtered := make([]vision.Detection, 0, len(dets))
	for _, det := range dets {
		if det.ClassID == classID {
			filtered = append(filtered, det)
		}
	}
	return filtered
}
