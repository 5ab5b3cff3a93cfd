package capture

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/yk-abe/people-counter/internal/config"
	"github.com/yk-abe/people-counter/internal/logger"
	"github.com/yk-abe/people-counter/internal/metrics"
)

// reconnectDelay is the fixed wait between reopen attempts for
// streaming sources.
const reconnectDelay = 2 * time.Second

// Frame is one captured image with its capture metadata. The receiver
// owns the Mat and must call Close when done with it.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Image     gocv.Mat
}

// Close releases the frame's pixel buffer.
func (f *Frame) Close() {
	if f.Image.Ptr() != nil {
		f.Image.Close()
	}
}

// grabber is the capture handle. gocv.VideoCapture satisfies it; tests
// inject fakes.
type grabber interface {
	Read(m *gocv.Mat) bool
	Close() error
}

type openFunc func(source string) (grabber, error)

func defaultOpen(source string) (grabber, error) {
	var (
		cap *gocv.VideoCapture
		err error
	)
	if id, convErr := strconv.Atoi(source); convErr == nil {
		cap, err = gocv.VideoCaptureDevice(id)
	} else {
		cap, err = gocv.VideoCaptureFile(source)
	}
	if err != nil {
		return nil, err
	}
	return cap, nil
}

// isFiniteFile reports whether the source is a local file, for which
// end-of-stream is terminal rather than a reconnect trigger.
func isFiniteFile(source string) bool {
	if _, err := strconv.Atoi(source); err == nil {
		return false
	}
	return !strings.Contains(source, "://")
}

// Source owns a capture device/file/stream handle and publishes frames
// into a bounded buffer from its own goroutine. When the buffer is full
// the oldest frame is dropped so the consumer always sees the freshest
// image.
type Source struct {
	source     string
	reconnect  bool
	finite     bool
	targetFPS  int
	retryDelay time.Duration

	open    openFunc
	grab    grabber
	frames  chan Frame
	metrics *metrics.Metrics

	seq     atomic.Uint64
	started atomic.Bool
	stopped atomic.Bool
	done    atomic.Bool

	stopChan chan struct{}
	wg       sync.WaitGroup

	fpsMu     sync.Mutex
	fpsWindow []time.Time
}

// New creates a Source for the configured input. Nothing is opened
// until Start.
func New(cfg config.InputConfig, m *metrics.Metrics) *Source {
	bufSize := cfg.BufferSize
	if bufSize <= 0 {
		bufSize = 2
	}
	return &Source{
		source:     cfg.Source,
		reconnect:  cfg.Reconnect,
		finite:     isFiniteFile(cfg.Source),
		targetFPS:  cfg.TargetFPS,
		retryDelay: reconnectDelay,
		open:       defaultOpen,
		frames:     make(chan Frame, bufSize),
		metrics:    m,
		stopChan:   make(chan struct{}),
	}
}

// Start opens the capture handle and launches the capture goroutine.
// An unopenable finite file is a hard error; an unopenable stream is
// retried from the capture loop when reconnect is enabled.
func (s *Source) Start() error {
	grab, err := s.open(s.source)
	if err != nil {
		if s.finite || !s.reconnect {
			return fmt.Errorf("open capture source %q: %w", s.source, err)
		}
		logger.Warn("Capture", "source %s unavailable, will retry: %v", s.source, err)
	} else {
		s.grab = grab
	}

	s.started.Store(true)
	s.wg.Add(1)
	go s.run()
	logger.Info("Capture", "started source %s (finite=%v reconnect=%v)", s.source, s.finite, s.reconnect)
	return nil
}

// Frames returns the frame buffer. The channel is closed once the
// source has stopped and will deliver any still-buffered frames first.
// A nil Source yields a nil channel, which never delivers.
func (s *Source) Frames() <-chan Frame {
	if s == nil {
		return nil
	}
	return s.frames
}

// Stop terminates the capture loop, releases the handle and discards
// any frames the consumer did not take.
func (s *Source) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
	// run() closes frames on exit; if it never launched, close here so
	// the drain terminates.
	if !s.started.Load() {
		close(s.frames)
	}
	for frame := range s.frames {
		frame.Close()
	}
}

// Stopped reports whether the capture loop has exited, either via Stop
// or because a finite source reached its end.
func (s *Source) Stopped() bool {
	return s.done.Load()
}

// FPS returns the number of frames delivered within the last second.
func (s *Source) FPS() float64 {
	s.fpsMu.Lock()
	defer s.fpsMu.Unlock()
	s.pruneFPSLocked(time.Now())
	return float64(len(s.fpsWindow))
}

func (s *Source) run() {
	defer s.wg.Done()
	defer s.done.Store(true)
	defer close(s.frames)
	defer s.release()

	img := gocv.NewMat()
	defer img.Close()

	var readInterval time.Duration
	if s.finite && s.targetFPS > 0 {
		readInterval = time.Second / time.Duration(s.targetFPS)
	}

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		if s.grab == nil {
			if !s.reopen() {
				return
			}
		}

		readStart := time.Now()
		if ok := s.grab.Read(&img); !ok || img.Empty() {
			s.metrics.ReadErrors.Add(1)
			if s.finite {
				logger.Info("Capture", "end of file source %s after %d frames", s.source, s.seq.Load())
				return
			}
			if !s.reconnect {
				logger.Error("Capture", "read failed on %s and reconnect is disabled", s.source)
				return
			}
			logger.Warn("Capture", "read failed on %s, reconnecting in %s", s.source, s.retryDelay)
			s.release()
			select {
			case <-time.After(s.retryDelay):
			case <-s.stopChan:
				return
			}
			continue
		}

		frame := Frame{
			Seq:       s.seq.Add(1),
			Timestamp: time.Now(),
			Image:     img.Clone(),
		}
		s.publish(frame)
		s.metrics.FramesCaptured.Add(1)
		s.recordDelivery(frame.Timestamp)

		// Pace file playback so a recording is consumed in near real time.
		if readInterval > 0 {
			if wait := readInterval - time.Since(readStart); wait > 0 {
				select {
				case <-time.After(wait):
				case <-s.stopChan:
					return
				}
			}
		}
	}
}

// publish inserts the frame, evicting the oldest buffered frame when
// the buffer is full. Only the capture goroutine sends, so eviction
// always frees a slot for the retry.
func (s *Source) publish(frame Frame) {
	for {
		select {
		case s.frames <- frame:
			return
		default:
		}
		select {
		case old := <-s.frames:
			old.Close()
			s.metrics.FramesDropped.Add(1)
		default:
		}
	}
}

// reopen retries the source with a fixed delay until it opens, the
// source stops, or reconnecting is not allowed.
func (s *Source) reopen() bool {
	for {
		grab, err := s.open(s.source)
		if err == nil {
			s.grab = grab
			s.metrics.CaptureReconnects.Add(1)
			logger.Info("Capture", "reconnected to %s", s.source)
			return true
		}
		if s.finite || !s.reconnect {
			logger.Error("Capture", "cannot reopen %s: %v", s.source, err)
			return false
		}
		logger.Warn("Capture", "reopen %s failed, retrying in %s: %v", s.source, s.retryDelay, err)
		select {
		case <-time.After(s.retryDelay):
		case <-s.stopChan:
			return false
		}
	}
}

func (s *Source) release() {
	if s.grab != nil {
		if err := s.grab.Close(); err != nil {
			logger.Warn("Capture", "close capture handle: %v", err)
		}
		s.grab = nil
	}
}

func (s *Source) recordDelivery(now time.Time) {
	s.fpsMu.Lock()
	s.fpsWindow = append(s.fpsWindow, now)
	s.pruneFPSLocked(now)
	fps := float64(len(s.fpsWindow))
	s.fpsMu.Unlock()
	s.metrics.SetCaptureFPS(fps)
}

func (s *Source) pruneFPSLocked(now time.Time) {
	cutoff := now.Add(-time.Second)
	idx := 0
	for idx < len(s.fpsWindow) && s.fpsWindow[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		s.fpsWindow = append(s.fpsWindow[:0], s.fpsWindow[idx:]...)
	}
}
