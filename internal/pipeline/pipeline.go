package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/yk-abe/people-counter/internal/annotate"
	"github.com/yk-abe/people-counter/internal/capture"
	"github.com/yk-abe/people-counter/internal/config"
	"github.com/yk-abe/people-counter/internal/count"
	"github.com/yk-abe/people-counter/internal/detect"
	"github.com/yk-abe/people-counter/internal/events"
	"github.com/yk-abe/people-counter/internal/logger"
	"github.com/yk-abe/people-counter/internal/metrics"
	"github.com/yk-abe/people-counter/internal/record"
	"github.com/yk-abe/people-counter/internal/track"
	"github.com/yk-abe/people-counter/pkg/vision"
)

// frameWait bounds how long a tick waits for a frame before yielding.
const frameWait = 100 * time.Millisecond

// ErrStopped is returned for commands issued after Stop.
var ErrStopped = errors.New("pipeline stopped")

// Tracker matches detections to persistent identities across frames.
type Tracker interface {
	Update(dets []vision.Detection) ([]vision.Track, error)
	SetEmbedding(id int, embedding []float32)
	Reset()
}

// Status is the published pipeline state served to the dashboard.
type Status struct {
	DeviceID      string         `json:"device_id"`
	Source        string         `json:"source"`
	Mode          string         `json:"mode"`
	Running       bool           `json:"running"`
	FrameSeq      uint64         `json:"frame_seq"`
	Ticks         uint64         `json:"ticks"`
	CaptureFPS    float64        `json:"capture_fps"`
	ProcessFPS    float64        `json:"process_fps"`
	Detections    int            `json:"detections"`
	TrackCount    int            `json:"tracks"`
	Degraded      bool           `json:"degraded"`
	UniquePeople  int            `json:"unique_people"`
	Counts        count.Snapshot `json:"counts"`
	FramesDropped uint64         `json:"frames_dropped"`
	Reconnects    uint64         `json:"reconnects"`
	Recording     bool           `json:"recording"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Options are the pipeline's collaborators. Tracker, Counter, Decoder and
// Identifier fall back to the configured defaults when nil; TickLog,
// Recorder and Bus are optional.
type Options struct {
	Detector   detect.Detector
	Decoder    *detect.Decoder
	Tracker    Tracker
	Identifier track.Identifier
	Counter    count.Counter
	Metrics    *metrics.Metrics
	TickLog    *record.TickLog
	Recorder   *record.VideoRecorder
	Bus        *events.Bus
}

type cmdKind int

const (
	cmdReset cmdKind = iota
	cmdResetGate
	cmdChangeSource
)

type command struct {
	kind  cmdKind
	arg   string
	reply chan error
}

// Pipeline owns the capture source and the processing loop. One goroutine
// reads frames, one runs ticks; they share only the bounded frame channel
// and the published status/frame pair behind pubMu.
type Pipeline struct {
	cfg       config.Config
	detector  detect.Detector
	decoder   *detect.Decoder
	tracker   Tracker
	reid      track.Identifier
	counter   count.Counter
	annotator *annotate.Annotator
	ticklog   *record.TickLog
	recorder  *record.VideoRecorder
	bus       *events.Bus
	metrics   *metrics.Metrics
	frames    *frameHub

	srcMu  sync.Mutex
	source *capture.Source

	pubMu      sync.RWMutex
	latestJPEG []byte
	status     Status

	cmds    chan command
	stop    chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup

	// Loop-private state, touched only by run().
	tick      uint64
	fpsWindow []time.Time
	startTime time.Time
}

// New assembles a pipeline. Call Start to open the source and begin
// processing.
func New(cfg config.Config, opts Options) *Pipeline {
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	decoder := opts.Decoder
	if decoder == nil {
		decoder = detect.NewDecoder(cfg.Detection.ConfThreshold, cfg.Detection.IoUThreshold)
	}

	var tracker Tracker = opts.Tracker
	if tracker == nil {
		tracker = track.NewTracker(cfg.Tracking)
	}

	var reid track.Identifier = opts.Identifier
	if reid == nil {
		reid = track.Noop{}
	}

	counter := opts.Counter
	if counter == nil {
		if cfg.Counting.Mode == config.ModeMultiDoor {
			counter = count.NewDoorCounter(cfg.Counting)
		} else {
			counter = count.NewLineCounter(cfg.Counting)
		}
	}

	p := &Pipeline{
		cfg:       cfg,
		detector:  opts.Detector,
		decoder:   decoder,
		tracker:   tracker,
		reid:      reid,
		counter:   counter,
		annotator: annotate.New(cfg.Counting),
		ticklog:   opts.TickLog,
		recorder:  opts.Recorder,
		bus:       opts.Bus,
		metrics:   m,
		frames:    newFrameHub(m),
		cmds:      make(chan command),
		stop:      make(chan struct{}),
	}
	p.status = Status{
		DeviceID:  cfg.DeviceID,
		Source:    cfg.Input.Source,
		Mode:      cfg.Counting.Mode,
		Counts:    counter.Snapshot(),
		Timestamp: time.Now(),
	}
	return p
}

// Start opens the capture source and launches the processing loop.
func (p *Pipeline) Start() error {
	src := capture.New(p.cfg.Input, p.metrics)
	if err := src.Start(); err != nil {
		return err
	}

	p.srcMu.Lock()
	p.source = src
	p.srcMu.Unlock()

	p.startTime = time.Now()
	p.pubMu.Lock()
	p.status.Running = true
	p.pubMu.Unlock()

	p.wg.Add(1)
	go p.run()

	logger.Info("Pipeline", "Started (source=%s mode=%s)", p.cfg.Input.Source, p.cfg.Counting.Mode)
	return nil
}

// Stop halts processing, letting the in-flight tick finish, then releases
// the capture source.
func (p *Pipeline) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	close(p.stop)
	p.wg.Wait()

	p.srcMu.Lock()
	src := p.source
	p.source = nil
	p.srcMu.Unlock()
	if src != nil {
		src.Stop()
	}

	p.frames.closeAll()

	p.pubMu.Lock()
	p.status.Running = false
	p.pubMu.Unlock()

	logger.Info("Pipeline", "Stopped")
}

// Status returns a copy of the latest published state.
func (p *Pipeline) Status() Status {
	p.pubMu.RLock()
	defer p.pubMu.RUnlock()
	return p.status
}

// LatestFrame returns the most recent annotated JPEG, or nil before the
// first tick. Callers must not modify the returned slice.
func (p *Pipeline) LatestFrame() []byte {
	p.pubMu.RLock()
	defer p.pubMu.RUnlock()
	return p.latestJPEG
}

// SubscribeFrames registers a stream client for annotated frames.
func (p *Pipeline) SubscribeFrames() (int, <-chan []byte) {
	return p.frames.Subscribe()
}

// UnsubscribeFrames removes a stream client.
func (p *Pipeline) UnsubscribeFrames(id int) {
	p.frames.Unsubscribe(id)
}

// Events returns the crossing-event bus, nil when none is wired.
func (p *Pipeline) Events() *events.Bus { return p.bus }

// Recorder returns the video recorder, nil when none is wired.
func (p *Pipeline) Recorder() *record.VideoRecorder { return p.recorder }

// Reset zeroes all counters and track state.
func (p *Pipeline) Reset() error {
	return p.send(command{kind: cmdReset})
}

// ResetGate zeroes one named line or door.
func (p *Pipeline) ResetGate(name string) error {
	return p.send(command{kind: cmdResetGate, arg: name})
}

// ChangeSource swaps the capture source. The new source is opened first;
// on failure the old source keeps running and the error is returned.
func (p *Pipeline) ChangeSource(descriptor string) error {
	return p.send(command{kind: cmdChangeSource, arg: descriptor})
}

func (p *Pipeline) send(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case p.cmds <- cmd:
	case <-p.stop:
		return ErrStopped
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-p.stop:
		return ErrStopped
	}
}

func (p *Pipeline) currentSource() *capture.Source {
	p.srcMu.Lock()
	defer p.srcMu.Unlock()
	return p.source
}

func (p *Pipeline) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stop:
			return
		case cmd := <-p.cmds:
			p.execute(cmd)
			continue
		default:
		}

		frame, ok := p.nextFrame(p.currentSource().Frames())
		if !ok {
			continue
		}
		p.processTick(&frame)
		frame.Close()
	}
}

// nextFrame waits up to frameWait for a frame, then drains the queue to
// the most recent one so processing never lags behind capture. A nil
// channel (no source configured) just waits out the interval.
func (p *Pipeline) nextFrame(frames <-chan capture.Frame) (capture.Frame, bool) {
	var frame capture.Frame
	select {
	case f, ok := <-frames:
		if !ok {
			p.markSourceEnded()
			p.idle()
			return capture.Frame{}, false
		}
		frame = f
	case <-time.After(frameWait):
		return capture.Frame{}, false
	case <-p.stop:
		return capture.Frame{}, false
	}

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return frame, true
			}
			// Skipped frames are drops too, same counter as the
			// producer side.
			frame.Close()
			p.metrics.FramesDropped.Add(1)
			frame = f
		default:
			return frame, true
		}
	}
}

// idle waits a bounded interval so a drained source does not spin the loop.
func (p *Pipeline) idle() {
	select {
	case <-time.After(frameWait):
	case <-p.stop:
	}
}

func (p *Pipeline) markSourceEnded() {
	p.pubMu.Lock()
	defer p.pubMu.Unlock()
	if p.status.Running {
		p.status.Running = false
		p.status.Timestamp = time.Now()
		logger.Info("Pipeline", "Source ended, final counts remain available")
	}
}

func (p *Pipeline) processTick(frame *capture.Frame) {
	start := time.Now()
	p.tick++
	p.recordTick(start)

	dets, degraded := p.runDetection(frame.Image)

	tracks, err := p.tracker.Update(dets)
	if err != nil {
		logger.Warn("Pipeline", "Tracker failed on frame %d: %v", frame.Seq, err)
		p.metrics.TrackErrors.Add(1)
		degraded = true
		tracks = nil
	}

	p.runReID(frame, tracks)

	delta := p.counter.Update(count.FrameContext{Seq: frame.Seq, Timestamp: frame.Timestamp}, tracks)
	for _, ev := range delta.Events {
		logger.Info("Pipeline", "Count %s at %s: track %d (frame %d)",
			ev.Direction, ev.Gate, ev.TrackID, ev.FrameSeq)
		if p.bus != nil {
			p.bus.Publish(ev)
		}
	}
	if delta.In > 0 {
		p.metrics.PeopleEntered.Add(uint64(delta.In))
	}
	if delta.Out > 0 {
		p.metrics.PeopleExited.Add(uint64(delta.Out))
	}
	if degraded {
		p.metrics.DegradedTicks.Add(1)
	}

	snap := p.counter.Snapshot()
	p.metrics.Occupancy.Store(int64(snap.Totals.Occupancy))

	p.annotator.Draw(&frame.Image, tracks, snap, p.processFPS(start))
	jpeg, err := annotate.EncodeJPEG(frame.Image)
	if err != nil {
		logger.Warn("Pipeline", "Frame %d encode failed: %v", frame.Seq, err)
		jpeg = nil
	}

	p.publish(jpeg, frame, snap, len(dets), len(tracks), degraded)

	if jpeg != nil {
		p.frames.broadcast(jpeg)
		if p.recorder != nil {
			p.recorder.SendFrame(jpeg)
		}
	}

	if p.ticklog != nil {
		err := p.ticklog.Append(record.TickRecord{
			Timestamp:  frame.Timestamp,
			FrameSeq:   frame.Seq,
			Detections: len(dets),
			Tracks:     len(tracks),
			DeltaIn:    delta.In,
			DeltaOut:   delta.Out,
			Enter:      snap.Totals.Enter,
			Exit:       snap.Totals.Exit,
			Occupancy:  snap.Totals.Occupancy,
			Degraded:   degraded,
		})
		if err != nil {
			logger.Warn("Pipeline", "Tick log append failed: %v", err)
		}
	}

	p.metrics.FramesProcessed.Add(1)
	p.metrics.UpdateTickLatency(time.Since(start))
}

// runDetection returns this frame's person detections. Any detector or
// decoder failure degrades the tick to zero detections.
func (p *Pipeline) runDetection(img gocv.Mat) ([]vision.Detection, bool) {
	raw, err := p.detector.Infer(img)
	if err != nil {
		logger.Warn("Pipeline", "Detector failed: %v", err)
		p.metrics.DetectErrors.Add(1)
		return nil, true
	}

	dets, err := p.decoder.Decode(raw)
	if err != nil {
		logger.Warn("Pipeline", "Decode failed: %v", err)
		p.metrics.DetectErrors.Add(1)
		return nil, true
	}

	return detect.FilterClass(dets, p.cfg.Detection.PersonClassID), false
}

// runReID refreshes appearance embeddings at the configured cadence. A
// failure disables the feature for the rest of this tick only.
func (p *Pipeline) runReID(frame *capture.Frame, tracks []vision.Track) {
	if !p.cfg.ReID.Enabled || len(tracks) == 0 {
		return
	}
	every := p.cfg.ReID.EveryNFrames
	if every <= 0 {
		every = 1
	}
	if p.tick%uint64(every) != 0 {
		return
	}

	for i := range tracks {
		res := p.reid.Process(frame.Image, tracks[i].ID, tracks[i].Rect, frame.Seq)
		if res.Err != nil {
			logger.Warn("Pipeline", "ReID failed for track %d: %v", tracks[i].ID, res.Err)
			p.metrics.ReIDErrors.Add(1)
			return
		}
		if res.Embedding != nil {
			tracks[i].Embedding = res.Embedding
			p.tracker.SetEmbedding(tracks[i].ID, res.Embedding)
		}
	}

	if s, ok := p.reid.(interface{ Sweep(uint64) }); ok {
		if horizon := uint64(p.cfg.Counting.EvictAfterTicks); horizon > 0 && frame.Seq > horizon {
			s.Sweep(frame.Seq - horizon)
		}
	}
}

func (p *Pipeline) publish(jpeg []byte, frame *capture.Frame, snap count.Snapshot, dets, trackCount int, degraded bool) {
	unique := 0
	if k, ok := p.reid.(interface{ KnownCount() int }); ok && p.cfg.ReID.Enabled {
		unique = k.KnownCount()
	}

	status := Status{
		DeviceID:      p.cfg.DeviceID,
		Source:        p.cfg.Input.Source,
		Mode:          p.cfg.Counting.Mode,
		Running:       true,
		FrameSeq:      frame.Seq,
		Ticks:         p.tick,
		CaptureFPS:    p.metrics.CaptureFPS(),
		ProcessFPS:    p.processFPS(time.Now()),
		Detections:    dets,
		TrackCount:    trackCount,
		Degraded:      degraded,
		UniquePeople:  unique,
		Counts:        snap,
		FramesDropped: p.metrics.FramesDropped.Load(),
		Reconnects:    p.metrics.CaptureReconnects.Load(),
		Recording:     p.recorder != nil && p.recorder.IsRecording(),
		UptimeSeconds: int64(time.Since(p.startTime).Seconds()),
		Timestamp:     time.Now(),
	}

	p.pubMu.Lock()
	if jpeg != nil {
		p.latestJPEG = jpeg
	}
	p.status = status
	p.pubMu.Unlock()
}

func (p *Pipeline) execute(cmd command) {
	var err error
	switch cmd.kind {
	case cmdReset:
		p.counter.Reset()
		p.tracker.Reset()
		logger.Info("Pipeline", "Counters reset")
	case cmdResetGate:
		if p.counter.ResetGate(cmd.arg) {
			logger.Info("Pipeline", "Gate %s reset", cmd.arg)
		} else {
			err = fmt.Errorf("unknown gate %q", cmd.arg)
		}
	case cmdChangeSource:
		err = p.changeSource(cmd.arg)
	}

	snap := p.counter.Snapshot()
	p.metrics.Occupancy.Store(int64(snap.Totals.Occupancy))
	p.pubMu.Lock()
	p.status.Counts = snap
	p.status.Timestamp = time.Now()
	p.pubMu.Unlock()

	cmd.reply <- err
}

func (p *Pipeline) changeSource(descriptor string) error {
	if descriptor == "" {
		return fmt.Errorf("empty source descriptor")
	}

	next := p.cfg.Input
	next.Source = descriptor
	src := capture.New(next, p.metrics)
	if err := src.Start(); err != nil {
		return fmt.Errorf("open source %q: %w", descriptor, err)
	}

	p.srcMu.Lock()
	old := p.source
	p.source = src
	p.srcMu.Unlock()
	if old != nil {
		old.Stop()
	}

	p.cfg.Input.Source = descriptor
	p.pubMu.Lock()
	p.status.Source = descriptor
	p.status.Running = true
	p.pubMu.Unlock()

	logger.Info("Pipeline", "Source switched to %s", descriptor)
	return nil
}

// recordTick and processFPS maintain a one-second rolling window. Both
// run only on the processing goroutine.
func (p *Pipeline) recordTick(now time.Time) {
	p.fpsWindow = append(p.fpsWindow, now)
	p.pruneFPS(now)
}

func (p *Pipeline) processFPS(now time.Time) float64 {
	p.pruneFPS(now)
	return float64(len(p.fpsWindow))
}

func (p *Pipeline) pruneFPS(now time.Time) {
	cutoff := now.Add(-time.Second)
	keep := 0
	for keep < len(p.fpsWindow) && p.fpsWindow[keep].Before(cutoff) {
		keep++
	}
	p.fpsWindow = p.fpsWindow[keep:]
}
