package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"syscall"
	"time"

	"scan-station/activity"
	"scan-station/analysis"
	"scan-station/binder"
	"scan-station/camera"
	"scan-station/capture"
	"scan-station/compress"
	"scan-station/config"
	"scan-station/preview"
	"scan-station/web"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConfigPath = "config.toml"
	AppName           = "Scan Station"
	AppVersion        = "1.0.0"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger

	// Components
	camera    *camera.Adapter
	preview   *preview.Server
	store     *activity.SQLiteStore
	recorder  *activity.Logger
	sessions  *capture.Manager
	webServer *web.Server
	closers   []func() error
}

func main() {
	var (
		configPath = flag.String("config", DefaultConfigPath, "Path to configuration file")
		logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		version    = flag.Bool("version", false, "Show version information")
		help       = flag.Bool("help", false, "Show help information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", AppName, AppVersion)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if *help {
		fmt.Printf("%s v%s\n\n", AppName, AppVersion)
		fmt.Println("Camera capture and food analysis station")
		fmt.Println("\nUsage:")
		flag.PrintDefaults()
		fmt.Println("\nEnvironment Variables:")
		fmt.Println("  SCAN_ANALYSIS_API_KEY - Analysis endpoint key")
		fmt.Println("  ANTHROPIC_API_KEY     - Anthropic key for the anthropic backend")
		fmt.Println("  GOOGLE_CLOUD_PROJECT  - Project for the vertex backend")
		os.Exit(0)
	}

	// Logging settings live in the config, so read it before the logger exists
	cfg, err := config.LoadConfig(*configPath, nil)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := createLogger(*logLevel, cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting "+AppName,
		zap.String("version", AppVersion),
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH))

	logger.Info("Configuration loaded",
		zap.String("config", *configPath),
		zap.Int("web_port", cfg.Server.WebPort),
		zap.String("camera_backend", cfg.Camera.Backend),
		zap.String("analysis_backend", cfg.Analysis.Backend))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := NewApplication(cfg, logger)
	if err := app.Start(ctx); err != nil {
		logger.Error("Failed to start application", zap.Error(err))
		app.Stop()
		os.Exit(1)
	}

	runErr := app.Run(ctx)
	logger.Info("Shutting down...")

	done := make(chan struct{})
	go func() {
		app.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Shutdown complete")
	case <-time.After(time.Duration(cfg.Timeouts.ShutdownTimeout) * time.Second):
		logger.Warn("Shutdown timeout reached, forcing exit")
		os.Exit(1)
	}

	if runErr != nil {
		logger.Error("Application stopped with error", zap.Error(runErr))
		os.Exit(1)
	}
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config, logger *zap.Logger) *Application {
	return &Application{
		config: cfg,
		logger: logger,
	}
}

// Start builds every component. Nothing is serving until Run.
func (a *Application) Start(ctx context.Context) error {
	a.logger.Info("Starting application components")

	a.initializeCamera()

	if err := a.initializeStorage(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	orchestrator, barcodes, err := a.initializeAnalysis(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize analysis: %w", err)
	}

	a.preview = preview.NewServer(a.config.Preview, a.config.Server.AllowedOrigins, a.logger.Named("preview"))

	a.sessions = capture.NewManager(capture.Deps{
		Camera:         a.camera,
		Binder:         binder.New(a.config.ReadyFallback(), a.config.PlayRetryDelay(), a.logger.Named("binder")),
		Surface:        a.preview,
		Analyzer:       orchestrator,
		Activity:       a.recorder,
		JPEGQuality:    a.config.Camera.JPEGQuality,
		MaxUploadBytes: int64(a.config.Limits.MaxUploadSizeMB) << 20,
	}, a.config.Limits.MaxSessions, time.Duration(a.config.Timeouts.SessionIdleMinutes)*time.Minute, a.logger.Named("capture"))

	a.webServer = web.NewServer(a.config, web.Deps{
		Sessions: a.sessions,
		Cameras:  a.camera,
		Preview:  a.preview,
		Barcodes: barcodes,
		Meals:    activity.NewMealLog(a.store, a.recorder, a.logger.Named("meals")),
		Feed:     a.store,
		Activity: a.recorder,
	}, a.logger.Named("web"))

	a.logger.Info("Application started successfully",
		zap.String("web_url", fmt.Sprintf("http://%s:%d", a.config.Server.BindIP, a.config.Server.WebPort)),
		zap.Int("max_sessions", a.config.Limits.MaxSessions))

	return nil
}

// initializeCamera selects the camera backend
func (a *Application) initializeCamera() {
	cfg := a.config.Camera
	frameTimeout := time.Duration(cfg.FrameTimeoutMS) * time.Millisecond

	var source camera.Source
	switch cfg.Backend {
	case "gstreamer":
		source = camera.NewGStreamerSource(cfg, a.config.Limits.MaxFrameSizeMB<<20, a.logger.Named("gstreamer"))
	default:
		source = camera.NewMediaDevicesSource(frameTimeout, a.logger.Named("mediadevices"))
	}

	startupDelay := time.Duration(a.config.Timeouts.CameraStartupDelay) * time.Millisecond
	a.camera = camera.NewAdapter(source, cfg, startupDelay, a.logger.Named("camera"))

	a.logger.Info("Camera initialized", zap.String("source", source.Name()))
}

// initializeStorage opens the activity store and its write queue
func (a *Application) initializeStorage() error {
	store, err := activity.NewSQLiteStore(a.config.Storage.Path, a.logger.Named("store"))
	if err != nil {
		return err
	}
	a.store = store

	writeTimeout := time.Duration(a.config.Storage.WriteTimeoutMS) * time.Millisecond
	a.recorder = activity.NewLogger(store, writeTimeout, a.logger.Named("activity"))
	return nil
}

// initializeAnalysis builds the configured analyzer behind the retry
// orchestrator. Barcode lookups always go to the remote endpoint.
func (a *Application) initializeAnalysis(ctx context.Context) (*analysis.Orchestrator, *analysis.BarcodeService, error) {
	httpClient := &http.Client{Timeout: a.config.AnalysisTimeout() + 5*time.Second}
	remote := analysis.NewRemoteAnalyzer(a.config.Analysis, httpClient, a.logger.Named("remote"))

	var analyzer analysis.Analyzer
	switch a.config.Analysis.Backend {
	case "vertex":
		vertex, err := analysis.NewVertexAnalyzer(ctx, a.config.Vertex, a.logger.Named("vertex"))
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, vertex.Close)
		analyzer = vertex
	case "anthropic":
		analyzer = analysis.NewClaudeAnalyzer(a.config.Anthropic, a.logger.Named("anthropic"))
	default:
		analyzer = remote
	}

	orchestrator := analysis.NewOrchestrator(analyzer, compress.New(a.config.Compression.Levels), analysis.Options{
		Timeout:    a.config.AnalysisTimeout(),
		Backoff:    a.config.AnalysisBackoff(),
		MaxRetries: a.config.Analysis.MaxRetries,
	}, a.logger.Named("analysis"))

	a.logger.Info("Analysis initialized",
		zap.String("analyzer", analyzer.Name()),
		zap.Duration("max_duration", orchestrator.MaxDuration()))

	return orchestrator, analysis.NewBarcodeService(remote, a.logger.Named("barcode")), nil
}

// Run serves until ctx is done or a component fails
func (a *Application) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.sessions.Run(gctx) })
	g.Go(func() error { return a.webServer.Serve(gctx) })

	return g.Wait()
}

// Stop releases every component in dependency order
func (a *Application) Stop() {
	a.logger.Info("Stopping application")

	if a.sessions != nil {
		a.sessions.CloseAll()
	}
	if a.preview != nil {
		if err := a.preview.Stop(); err != nil {
			a.logger.Error("Error stopping preview", zap.Error(err))
		}
	}
	if a.camera != nil {
		a.camera.Release()
	}

	if a.recorder != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.recorder.Wait(flushCtx); err != nil {
			a.logger.Warn("Activity writes still pending", zap.Error(err))
		}
		cancel()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("Error closing activity store", zap.Error(err))
		}
	}

	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Error("Error closing component", zap.Error(err))
		}
	}

	a.logger.Info("All components stopped")
}

// createLogger creates a structured logger writing to stdout and a
// timestamped file, keeping the newest cfg.MaxLogFiles files
func createLogger(level string, cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	outputs := []string{"stdout"}
	errorOutputs := []string{"stderr"}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log dir: %w", err)
		}
		ts := time.Now().Format("20060102-150405")
		logFile := filepath.Join(cfg.Dir, fmt.Sprintf("scan-station-%s.log", ts))

		files, _ := filepath.Glob(filepath.Join(cfg.Dir, "scan-station-*.log"))
		if keep := cfg.MaxLogFiles - 1; keep >= 0 && len(files) > keep {
			sort.Strings(files) // lexicographic order matches timestamp
			for _, f := range files[:len(files)-keep] {
				_ = os.Remove(f)
			}
		}

		outputs = append(outputs, logFile)
		errorOutputs = append(errorOutputs, logFile)
	}

	zapConfig := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputs,
		ErrorOutputPaths: errorOutputs,
	}

	return zapConfig.Build()
}
