package track

import (
	"fmt"
	"image"
	"math"
	"sync"

	"gocv.io/x/gocv"

	"github.com/yk-abe/people-counter/pkg/vision"
)

// Re-identification model input dimensions (width x height).
const (
	reidInputW = 128
	reidInputH = 256
)

// Result is the outcome of one re-identification attempt. A failure is
// reported in Err and leaves Unique false; callers treat it as "no
// information", never as a counting signal.
type Result struct {
	Unique    bool
	Embedding []float32
	Err       error
}

// Identifier computes appearance embeddings for track crops and flags
// tracks that do not resemble any previously seen track.
type Identifier interface {
	Process(img gocv.Mat, trackID int, box vision.Rect, frameSeq uint64) Result
	Close() error
}

// Noop is the Identifier used when re-identification is disabled.
type Noop struct{}

func (Noop) Process(gocv.Mat, int, vision.Rect, uint64) Result { return Result{} }
func (Noop) Close() error                                      { return nil }

type knownEmbedding struct {
	vec      []float32
	lastSeen uint64
}

// Embedder runs an ONNX appearance-embedding model over track crops
// and keeps the most recent embedding per track for similarity lookups.
type Embedder struct {
	net       gocv.Net
	threshold float32

	mu    sync.Mutex
	known map[int]knownEmbedding
}

// NewEmbedder loads the embedding model from modelPath. Two tracks with
// cosine similarity at or above similarityThreshold are treated as the
// same person.
func NewEmbedder(modelPath string, similarityThreshold float32) (*Embedder, error) {
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return nil, fmt.Errorf("load reid model %s: network is empty", modelPath)
	}
	return &Embedder{
		net:       net,
		threshold: similarityThreshold,
		known:     make(map[int]knownEmbedding),
	}, nil
}

// Process crops the track's box out of the frame, embeds it and checks
// the embedding against every other known track.
func (e *Embedder) Process(img gocv.Mat, trackID int, box vision.Rect, frameSeq uint64) Result {
	crop := clampRect(box, img.Cols(), img.Rows())
	if crop.Dx() < 2 || crop.Dy() < 2 {
		return Result{Err: fmt.Errorf("track %d: crop %v too small", trackID, crop)}
	}

	region := img.Region(crop)
	defer region.Close()

	blob := gocv.BlobFromImage(region, 1.0/255.0,
		image.Pt(reidInputW, reidInputH),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	e.net.SetInput(blob, "")
	output := e.net.Forward("")
	defer output.Close()

	raw, err := output.DataPtrFloat32()
	if err != nil {
		return Result{Err: fmt.Errorf("track %d: read embedding: %w", trackID, err)}
	}
	embedding := normalize(append([]float32(nil), raw...))

	e.mu.Lock()
	defer e.mu.Unlock()

	unique := true
	for otherID, other := range e.known {
		if otherID == trackID {
			continue
		}
		if CosineSimilarity(embedding, other.vec) >= e.threshold {
			unique = false
			break
		}
	}
	e.known[trackID] = knownEmbedding{vec: embedding, lastSeen: frameSeq}

	return Result{Unique: unique, Embedding: embedding}
}

// Sweep drops embeddings last refreshed before minSeq, bounding memory
// as track IDs accumulate.
func (e *Embedder) Sweep(minSeq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, entry := range e.known {
		if entry.lastSeen < minSeq {
			delete(e.known, id)
		}
	}
}

// KnownCount returns the number of tracks with a stored embedding.
func (e *Embedder) KnownCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.known)
}

// Close releases the network.
func (e *Embedder) Close() error {
	return e.net.Close()
}

// CosineSimilarity computes the cosine similarity of two normalized
// vectors, clamped into [-1, 1]. Mismatched lengths compare as 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(math.Min(1.0, math.Max(-1.0, dot)))
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

func clampRect(r vision.Rect, w, h int) image.Rectangle {
	x1 := clampInt(int(r.X1), 0, w-1)
	y1 := clampInt(int(r.Y1), 0, h-1)
	x2 := clampInt(int(r.X2), x1+1, w)
	y2 := clampInt(int(r.Y2), y1+1, h)
	return image.Rect(x1, y1, x2, y2)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
