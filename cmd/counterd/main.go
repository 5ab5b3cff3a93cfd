package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/yk-abe/people-counter/internal/config"
	"github.com/yk-abe/people-counter/internal/detect"
	"github.com/yk-abe/people-counter/internal/events"
	"github.com/yk-abe/people-counter/internal/logger"
	"github.com/yk-abe/people-counter/internal/metrics"
	"github.com/yk-abe/people-counter/internal/pipeline"
	"github.com/yk-abe/people-counter/internal/record"
	"github.com/yk-abe/people-counter/internal/track"
	"github.com/yk-abe/people-counter/internal/web"
	"github.com/yk-abe/people-counter/internal/webrtc"
)

var (
	// Command-line flags
	configPath  = flag.String("config", "", "Path to YAML config file (defaults used when empty)")
	source      = flag.String("source", "", "Override input source (device index, file or URL)")
	httpAddr    = flag.String("http", "", "Override HTTP server address")
	maxClients  = flag.Int("max-clients", 10, "Maximum WebRTC clients")
	stunServers = flag.String("stun", "stun:stun.l.google.com:19302", "STUN server URLs (comma-separated)")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

// Server wires the pipeline, the event transports and the HTTP surface
// into one process.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	cfg    config.Config

	metrics    *metrics.Metrics
	detector   *detect.YOLO
	embedder   *track.Embedder
	ticklog    *record.TickLog
	recorder   *record.VideoRecorder
	bus        *events.Bus
	pipe       *pipeline.Pipeline
	webrtc     *webrtc.Server
	httpServer *http.Server
}

func main() {
	flag.Parse()

	// Initialize logger
	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	logger.Info("Main", "People counter starting...")
	logger.Info("Main", "Log level: %s", level)

	cfg := config.Default()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Error("Main", "Failed to load config: %v", err)
			os.Exit(1)
		}
		logger.Info("Main", "Config loaded from %s", *configPath)
	} else {
		logger.Info("Main", "No config file given, using defaults")
	}
	if *source != "" {
		cfg.Input.Source = *source
	}
	if *httpAddr != "" {
		cfg.Server.Addr = *httpAddr
	}

	// Create recordings directory
	if err := os.MkdirAll(cfg.Recording.OutputDir, 0755); err != nil {
		logger.Error("Main", "Failed to create recordings directory: %v", err)
		os.Exit(1)
	}

	// Create server
	srv, err := NewServer(cfg)
	if err != nil {
		logger.Error("Main", "Failed to create server: %v", err)
		os.Exit(1)
	}

	// Start server
	if err := srv.Start(); err != nil {
		logger.Error("Main", "Failed to start server: %v", err)
		os.Exit(1)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	// Graceful shutdown
	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}

// NewServer assembles all components from the configuration.
func NewServer(cfg config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	m := metrics.New()

	detector, err := detect.NewYOLO(cfg.Detection.ModelPath, cfg.Detection.InputSize)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load detection model: %w", err)
	}

	var embedder *track.Embedder
	if cfg.ReID.Enabled {
		embedder, err = track.NewEmbedder(cfg.ReID.ModelPath, cfg.ReID.SimilarityThreshold)
		if err != nil {
			cancel()
			detector.Close()
			return nil, fmt.Errorf("failed to load re-id model: %w", err)
		}
	}

	// Brokers are optional at startup: a counter that cannot reach its
	// broker still counts.
	bus := events.NewBus(m)
	if cfg.Events.MQTT.Enabled {
		sink, err := events.NewMQTTSink(cfg.Events.MQTT, cfg.DeviceID)
		if err != nil {
			logger.Warn("Main", "MQTT sink unavailable, continuing without it: %v", err)
		} else {
			bus.AddSink(sink)
		}
	}
	if cfg.Events.AMQP.Enabled {
		sink, err := events.NewAMQPSink(cfg.Events.AMQP, cfg.DeviceID)
		if err != nil {
			logger.Warn("Main", "AMQP sink unavailable, continuing without it: %v", err)
		} else {
			bus.AddSink(sink)
		}
	}

	var ticklog *record.TickLog
	if cfg.Logging.Enabled {
		ticklog, err = record.NewTickLog(cfg.Logging)
		if err != nil {
			cancel()
			detector.Close()
			if embedder != nil {
				embedder.Close()
			}
			return nil, fmt.Errorf("failed to open tick log: %w", err)
		}
	}

	rec := record.NewVideoRecorder(cfg.Recording.OutputDir, m)

	opts := pipeline.Options{
		Detector: detector,
		Metrics:  m,
		TickLog:  ticklog,
		Recorder: rec,
		Bus:      bus,
	}
	if embedder != nil {
		opts.Identifier = embedder
	}
	pipe := pipeline.New(cfg, opts)

	webrtcSrv := webrtc.NewServer(strings.Split(*stunServers, ","), *maxClients, cfg.DeviceID)

	webSrv := web.NewServer(cfg, pipe, webrtcSrv)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: webSrv.Handler(),
	}

	return &Server{
		ctx:        ctx,
		cancel:     cancel,
		cfg:        cfg,
		metrics:    m,
		detector:   detector,
		embedder:   embedder,
		ticklog:    ticklog,
		recorder:   rec,
		bus:        bus,
		pipe:       pipe,
		webrtc:     webrtcSrv,
		httpServer: httpServer,
	}, nil
}

// Start starts all server components
func (s *Server) Start() error {
	logger.Info("Main", "Starting people counter...")
	logger.Info("Main", "  Input source: %s", s.cfg.Input.Source)
	logger.Info("Main", "  Counting mode: %s", s.cfg.Counting.Mode)
	logger.Info("Main", "  HTTP server: %s", s.cfg.Server.Addr)
	logger.Info("Main", "  Metrics server: %s", s.cfg.Server.MetricsAddr)
	logger.Info("Main", "  pprof server: %s", s.cfg.Server.PprofAddr)
	logger.Info("Main", "  Recording path: %s", s.cfg.Recording.OutputDir)

	// Start pprof server
	if addr := s.cfg.Server.PprofAddr; addr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				logger.Error("Main", "pprof server error: %v", err)
			}
		}()
	}

	// Start metrics server
	if addr := s.cfg.Server.MetricsAddr; addr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", addr)
			if err := s.metrics.StartServer(addr); err != nil {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	s.bus.Start()
	s.webrtc.Start(s.bus)

	if err := s.pipe.Start(); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.pushStatus()

	// Start HTTP server
	go func() {
		logger.Info("Main", "Starting HTTP server on %s", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	logger.Info("Main", "Server started successfully")
	return nil
}

// pushStatus forwards periodic status snapshots to the status-capable
// sinks and to connected WebRTC peers.
func (s *Server) pushStatus() {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.Server.StatusIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(s.pipe.Status())
			if err != nil {
				logger.Warn("Main", "Status marshal failed: %v", err)
				continue
			}
			s.bus.PublishStatus(payload)
			s.webrtc.PushStatus(payload)
		}
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	// Stop status pushes and processing first so streams drain and close
	s.cancel()
	s.wg.Wait()
	s.pipe.Stop()

	// Close transports and components
	s.webrtc.Close()
	s.bus.Stop()
	if s.ticklog != nil {
		s.ticklog.Close()
	}
	s.recorder.Close()
	s.detector.Close()
	if s.embedder != nil {
		s.embedder.Close()
	}

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
