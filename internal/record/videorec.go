package record

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yk-abe/people-counter/internal/logger"
	"github.com/yk-abe/people-counter/internal/metrics"
	"github.com/yk-abe/people-counter/internal/mjpeg"
)

// Buffer about two seconds of annotated frames.
const frameQueueSize = 60

var (
	// ErrAlreadyRecording is returned by Start while a recording is active.
	ErrAlreadyRecording = errors.New("already recording")
	// ErrNotRecording is returned by Stop when no recording is active.
	ErrNotRecording = errors.New("not recording")
)

// VideoRecorder appends annotated JPEG frames to an MJPEG file. Frames
// arrive over a buffered channel so the processing tick never waits on
// disk.
type VideoRecorder struct {
	mu           sync.RWMutex
	file         *os.File
	filename     string
	basePath     string
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	startTime    time.Time
	frameChan    chan []byte
	wg           sync.WaitGroup
	metrics      *metrics.Metrics
}

// RecordingStatus is the JSON shape returned by the recording API.
type RecordingStatus struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	FrameCount   uint64    `json:"frame_count"`
	BytesWritten uint64    `json:"bytes_written"`
	DurationMS   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}

// NewVideoRecorder creates a recorder writing into basePath.
func NewVideoRecorder(basePath string, m *metrics.Metrics) *VideoRecorder {
	return &VideoRecorder{
		basePath:  basePath,
		frameChan: make(chan []byte, frameQueueSize),
		metrics:   m,
	}
}

// Dir returns the directory recordings are written to.
func (r *VideoRecorder) Dir() string { return r.basePath }

// Start opens a new timestamped file and begins accepting frames.
func (r *VideoRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return ErrAlreadyRecording
	}

	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return fmt.Errorf("create recording dir: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("recording_%s.mjpeg", timestamp)
	path := filepath.Join(r.basePath, filename)

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create recording file: %w", err)
	}

	r.file = file
	r.filename = filename
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.startTime = time.Now()

	if r.metrics != nil {
		r.metrics.RecordingActive.Store(1)
		r.metrics.RecordingBytes.Store(0)
		r.metrics.RecordingFrames.Store(0)
	}

	r.wg.Add(1)
	go r.writeFrames()

	logger.Info("Recorder", "Recording started: %s", filename)
	return nil
}

// Stop drains pending frames, syncs and closes the file.
func (r *VideoRecorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return ErrNotRecording
	}
	r.recording = false
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordingActive.Store(0)
	}

	if r.file != nil {
		if err := r.file.Sync(); err != nil {
			return fmt.Errorf("sync recording: %w", err)
		}
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("close recording: %w", err)
		}
		r.file = nil
	}

	logger.Info("Recorder", "Recording stopped: %s (%d frames, %d bytes)",
		r.filename, r.frameCount, r.bytesWritten)
	return nil
}

// SendFrame queues a frame for writing. Returns false if the recorder is
// idle or the queue is full.
func (r *VideoRecorder) SendFrame(frame []byte) bool {
	r.mu.RLock()
	recording := r.recording
	r.mu.RUnlock()

	if !recording {
		return false
	}

	select {
	case r.frameChan <- frame:
		return true
	default:
		return false
	}
}

func (r *VideoRecorder) writeFrames() {
	defer r.wg.Done()

	for {
		r.mu.RLock()
		recording := r.recording
		r.mu.RUnlock()

		if !recording {
			for len(r.frameChan) > 0 {
				r.writeFrame(<-r.frameChan)
			}
			return
		}

		select {
		case frame := <-r.frameChan:
			r.writeFrame(frame)
		case <-time.After(100 * time.Millisecond):
			// Check recording state periodically
		}
	}
}

func (r *VideoRecorder) writeFrame(frame []byte) {
	if !mjpeg.Valid(frame) {
		logger.Warn("Recorder", "Skipping malformed JPEG frame (%d bytes)", len(frame))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return
	}

	n, err := r.file.Write(frame)
	if err != nil {
		logger.Error("Recorder", "Write failed: %v", err)
		return
	}

	r.bytesWritten += uint64(n)
	r.frameCount++
	if r.metrics != nil {
		r.metrics.RecordingBytes.Add(uint64(n))
		r.metrics.RecordingFrames.Add(1)
	}
}

// IsRecording reports whether a recording is in progress.
func (r *VideoRecorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status.
func (r *VideoRecorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}

	return RecordingStatus{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		DurationMS:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// Close stops any active recording.
func (r *VideoRecorder) Close() error {
	if r.IsRecording() {
		return r.Stop()
	}
	return nil
}
