package record

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yk-abe/people-counter/internal/config"
	"github.com/yk-abe/people-counter/internal/logger"
)

// TickRecord is one processing tick's counting state.
type TickRecord struct {
	Timestamp  time.Time
	FrameSeq   uint64
	Detections int
	Tracks     int
	DeltaIn    int
	DeltaOut   int
	Enter      int
	Exit       int
	Occupancy  int
	Degraded   bool
}

type jsonTick struct {
	SessionID  string    `json:"session_id"`
	Timestamp  time.Time `json:"timestamp"`
	FrameSeq   uint64    `json:"frame_seq"`
	Detections int       `json:"detections"`
	Tracks     int       `json:"tracks"`
	DeltaIn    int       `json:"delta_in"`
	DeltaOut   int       `json:"delta_out"`
	Enter      int       `json:"enter"`
	Exit       int       `json:"exit"`
	Occupancy  int       `json:"occupancy"`
	Degraded   bool      `json:"degraded"`
}

var csvHeader = []string{
	"session_id", "timestamp", "frame_seq", "detections", "tracks",
	"delta_in", "delta_out", "enter", "exit", "occupancy", "degraded",
}

// TickLog appends one record per processing tick to a CSV or JSON-lines
// file. Records from different runs share the file and are told apart by
// the per-run session id.
type TickLog struct {
	mu        sync.Mutex
	enabled   bool
	format    string
	sessionID string
	file      *os.File
	csvW      *csv.Writer
}

// NewTickLog opens the log file in append mode. A disabled config
// returns a no-op log.
func NewTickLog(cfg config.LoggingConfig) (*TickLog, error) {
	if !cfg.Enabled {
		return &TickLog{}, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}

	file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open tick log: %w", err)
	}

	l := &TickLog{
		enabled:   true,
		format:    cfg.Format,
		sessionID: uuid.New().String(),
		file:      file,
	}

	if cfg.Format == config.LogFormatCSV {
		l.csvW = csv.NewWriter(file)
		info, err := file.Stat()
		if err == nil && info.Size() == 0 {
			if err := l.csvW.Write(csvHeader); err != nil {
				file.Close()
				return nil, fmt.Errorf("write csv header: %w", err)
			}
			l.csvW.Flush()
		}
	}

	logger.Info("TickLog", "Logging to %s (format=%s session=%s)", cfg.Path, cfg.Format, l.sessionID)
	return l, nil
}

// SessionID returns this run's session identifier.
func (l *TickLog) SessionID() string { return l.sessionID }

// Append writes one tick record.
func (l *TickLog) Append(rec TickRecord) error {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.csvW != nil {
		row := []string{
			l.sessionID,
			rec.Timestamp.Format(time.RFC3339Nano),
			strconv.FormatUint(rec.FrameSeq, 10),
			strconv.Itoa(rec.Detections),
			strconv.Itoa(rec.Tracks),
			strconv.Itoa(rec.DeltaIn),
			strconv.Itoa(rec.DeltaOut),
			strconv.Itoa(rec.Enter),
			strconv.Itoa(rec.Exit),
			strconv.Itoa(rec.Occupancy),
			strconv.FormatBool(rec.Degraded),
		}
		if err := l.csvW.Write(row); err != nil {
			return fmt.Errorf("append tick: %w", err)
		}
		l.csvW.Flush()
		return l.csvW.Error()
	}

	line, err := json.Marshal(jsonTick{
		SessionID:  l.sessionID,
		Timestamp:  rec.Timestamp,
		FrameSeq:   rec.FrameSeq,
		Detections: rec.Detections,
		Tracks:     rec.Tracks,
		DeltaIn:    rec.DeltaIn,
		DeltaOut:   rec.DeltaOut,
		Enter:      rec.Enter,
		Exit:       rec.Exit,
		Occupancy:  rec.Occupancy,
		Degraded:   rec.Degraded,
	})
	if err != nil {
		return fmt.Errorf("marshal tick: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append tick: %w", err)
	}
	return nil
}

// Close flushes and closes the log file.
func (l *TickLog) Close() error {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.csvW != nil {
		l.csvW.Flush()
	}
	return l.file.Close()
}
