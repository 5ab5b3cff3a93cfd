package track

import (
	"sync"

	"github.com/yk-abe/people-counter/internal/config"
	"github.com/yk-abe/people-counter/pkg/vision"
)

// state is the per-track bookkeeping between frames.
type state struct {
	rect            vision.Rect
	confidence      float32
	hits            int
	timeSinceUpdate int
	embedding       []float32
}

// Tracker is a SORT-like IoU tracker: detections are greedily matched
// to the track they overlap most, unmatched detections open new tracks,
// and tracks unseen for maxAge frames are removed. Track IDs are never
// reused within a process.
type Tracker struct {
	mu      sync.Mutex
	tracks  map[int]*state
	nextID  int
	maxAge  int
	minHits int
	iouMin  float32
}

// NewTracker creates a tracker with the configured matching parameters.
func NewTracker(cfg config.TrackingConfig) *Tracker {
	return &Tracker{
		tracks:  make(map[int]*state),
		maxAge:  cfg.MaxAge,
		minHits: cfg.MinHits,
		iouMin:  cfg.IoUThreshold,
	}
}

// Update matches detections against known tracks and returns the
// confirmed tracks visible in this frame, in detection order. A track
// is confirmed once it has been matched minHits times. The error is
// always nil; it is part of the pipeline's tracker contract.
func (t *Tracker) Update(dets []vision.Detection) ([]vision.Track, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, tr := range t.tracks {
		tr.timeSinceUpdate++
	}

	ids := make([]int, 0, len(t.tracks))
	for id := range t.tracks {
		ids = append(ids, id)
	}

	matched := make(map[int]bool, len(t.tracks))
	out := make([]vision.Track, 0, len(dets))

	for _, det := range dets {
		bestIoU := t.iouMin
		bestID := 0
		found := false
		for _, id := range ids {
			if matched[id] {
				continue
			}
			if overlap := vision.IoU(det.Rect, t.tracks[id].rect); overlap > bestIoU {
				bestIoU = overlap
				bestID = id
				found = true
			}
		}

		var id int
		if found {
			id = bestID
			tr := t.tracks[id]
			tr.rect = det.Rect
			tr.confidence = det.Confidence
			tr.hits++
			tr.timeSinceUpdate = 0
			matched[id] = true
		} else {
			t.nextID++
			id = t.nextID
			t.tracks[id] = &state{
				rect:       det.Rect,
				confidence: det.Confidence,
				hits:       1,
			}
		}

		if tr := t.tracks[id]; tr.hits >= t.minHits {
			out = append(out, vision.Track{
				ID:         id,
				Rect:       tr.rect,
				Confidence: tr.confidence,
				Embedding:  tr.embedding,
			})
		}
	}

	for id, tr := range t.tracks {
		if tr.timeSinceUpdate > t.maxAge {
			delete(t.tracks, id)
		}
	}

	return out, nil
}

// SetEmbedding attaches a re-identification embedding to a live track.
func (t *Tracker) SetEmbedding(id int, embedding []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.tracks[id]; ok {
		tr.embedding = embedding
	}
}

// Count returns the number of tracks currently alive, confirmed or not.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracks)
}

// Reset drops all track state. IDs continue from where they left off so
// old and new tracks can never be confused.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = make(map[int]*state)
}
