package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"scan-station/config"
	"scan-station/device"

	"go.uber.org/zap"
)

// GStreamerSource captures MJPEG frames from a gst-launch-1.0 pipeline.
// It covers libcamera (Raspberry Pi), avfoundation (macOS) and v4l2 devices.
type GStreamerSource struct {
	config       config.CameraConfig
	maxFrameSize int
	logger       *zap.Logger
	launcher     string
	devGlob      string
}

// NewGStreamerSource creates a gst-launch-backed source
func NewGStreamerSource(cfg config.CameraConfig, maxFrameSize int, logger *zap.Logger) *GStreamerSource {
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 85
	}
	if maxFrameSize <= 0 {
		maxFrameSize = 4 * 1024 * 1024
	}
	return &GStreamerSource{
		config:       cfg,
		maxFrameSize: maxFrameSize,
		logger:       logger,
		launcher:     "gst-launch-1.0",
		devGlob:      "/dev/video*",
	}
}

func (s *GStreamerSource) Name() string { return "gstreamer" }

// Enumerate lists configured devices plus any v4l2 nodes present
func (s *GStreamerSource) Enumerate(ctx context.Context) ([]DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []DeviceInfo
	add := func(id string, facing device.Facing) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, DeviceInfo{ID: id, Label: id, Facing: facing})
	}

	add(s.config.EnvironmentDevice, device.FacingEnvironment)
	add(s.config.UserDevice, device.FacingUser)

	nodes, err := filepath.Glob(s.devGlob)
	if err != nil {
		return nil, fmt.Errorf("failed to list video nodes: %w", err)
	}
	for _, n := range nodes {
		add(n, device.FacingDefault)
	}
	return out, nil
}

// Open starts a pipeline for c and waits for its first frame
func (s *GStreamerSource) Open(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	devicePath := c.DeviceID
	if devicePath != "" && strings.HasPrefix(devicePath, "/dev/") {
		if _, err := os.Stat(devicePath); err != nil {
			if c.Exact {
				return nil, device.WithKind(device.FailureOverconstrained,
					fmt.Errorf("device %s unavailable: %w", devicePath, err))
			}
			s.logger.Info("Requested device missing, using any camera", zap.String("device", devicePath))
			devicePath = ""
		}
	}

	pipeline := buildPipeline(devicePath, c, s.config.FlipMethod, s.config.JPEGQuality, s.logger)

	gstCtx, gstCancel := context.WithCancel(context.Background())
	args := append([]string{"-q"}, strings.Fields(pipeline)...)
	cmd := exec.CommandContext(gstCtx, s.launcher, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		gstCancel()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		gstCancel()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	s.logger.Info("Starting GStreamer MJPEG pipeline", zap.String("pipeline", pipeline))

	if err := cmd.Start(); err != nil {
		gstCancel()
		return nil, fmt.Errorf("failed to start GStreamer: %w", err)
	}

	stream := newGstStream(stdout, s.maxFrameSize, s.frameTimeout(), s.logger)
	stream.cmd = cmd
	stream.cancel = gstCancel

	stream.wg.Add(1)
	go func() {
		defer stream.wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			stream.noteStderr(line)
			s.logger.Debug("gstreamer_stderr", zap.String("line", line))
		}
	}()

	if err := stream.waitFirstFrame(ctx); err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

func (s *GStreamerSource) frameTimeout() time.Duration {
	if s.config.FrameTimeoutMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(s.config.FrameTimeoutMS) * time.Millisecond
}

// buildPipeline constructs the gst-launch pipeline for one acquisition
func buildPipeline(devicePath string, c Constraints, flipMethod string, quality int, logger *zap.Logger) string {
	var pipeline strings.Builder

	var caps []string
	if c.Width > 0 {
		caps = append(caps, fmt.Sprintf("width=%d", c.Width))
	}
	if c.Height > 0 {
		caps = append(caps, fmt.Sprintf("height=%d", c.Height))
	}
	if c.FPS > 0 {
		caps = append(caps, fmt.Sprintf("framerate=%d/1", c.FPS))
	}

	fdSink := false
	switch {
	case isAVFoundationDevice(devicePath):
		pipeline.WriteString(fmt.Sprintf("avfvideosrc device-index=%s capture-screen=false capture-screen-cursor=false", devicePath))
		fdSink = true
	case strings.HasPrefix(devicePath, "/base/"):
		pipeline.WriteString(fmt.Sprintf(`libcamerasrc camera-name="%s"`, devicePath))
		caps = append([]string{"format=NV12"}, caps...)
	case devicePath != "":
		pipeline.WriteString(fmt.Sprintf("v4l2src device=%s", devicePath))
	default:
		pipeline.WriteString("autovideosrc")
	}

	if len(caps) > 0 {
		pipeline.WriteString(" ! video/x-raw," + strings.Join(caps, ","))
	}

	if flipMethod != "" {
		if flip := flipElement(flipMethod); flip != "" {
			pipeline.WriteString(flip)
		} else if logger != nil {
			logger.Warn("Unknown flip method", zap.String("method", flipMethod))
		}
	}

	pipeline.WriteString(" ! queue max-size-buffers=2 max-size-time=0 max-size-bytes=0 leaky=downstream")
	pipeline.WriteString(" ! videoconvert")
	pipeline.WriteString(fmt.Sprintf(" ! jpegenc quality=%d", quality))

	if fdSink {
		pipeline.WriteString(" ! fdsink fd=1")
	} else {
		pipeline.WriteString(" ! multifilesink location=/dev/stdout")
	}

	return pipeline.String()
}

func flipElement(method string) string {
	switch method {
	case "vertical-flip":
		return " ! videoflip video-direction=5"
	case "horizontal-flip":
		return " ! videoflip video-direction=4"
	case "rotate-180":
		return " ! videoflip video-direction=2"
	case "rotate-90":
		return " ! videoflip video-direction=1"
	case "rotate-270":
		return " ! videoflip video-direction=3"
	default:
		return ""
	}
}

// isAVFoundationDevice reports whether the device is a macOS camera index
func isAVFoundationDevice(devicePath string) bool {
	if devicePath == "" || len(devicePath) > 4 {
		return false
	}
	for _, r := range devicePath {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// gstStream keeps the latest JPEG frame produced by a pipeline
type gstStream struct {
	logger       *zap.Logger
	stdout       io.ReadCloser
	maxFrameSize int
	timeout      time.Duration

	cmd    *exec.Cmd
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	latest     []byte
	stderrTail []string
	loopErr    error

	frameCount uint64
	closed     atomic.Bool
	first      chan struct{}
	firstOnce  sync.Once
	done       chan struct{}
}

func newGstStream(stdout io.ReadCloser, maxFrameSize int, timeout time.Duration, logger *zap.Logger) *gstStream {
	g := &gstStream{
		logger:       logger,
		stdout:       stdout,
		maxFrameSize: maxFrameSize,
		timeout:      timeout,
		first:        make(chan struct{}),
		done:         make(chan struct{}),
	}
	g.wg.Add(1)
	go g.readLoop()
	return g
}

func (g *gstStream) readLoop() {
	defer g.wg.Done()
	defer close(g.done)

	reader := bufio.NewReader(g.stdout)
	for {
		frame, err := readJPEGFrame(reader, g.maxFrameSize)
		if err != nil {
			if errors.Is(err, errFrameTooLarge) {
				g.logger.Warn("JPEG frame too large, resyncing")
				continue
			}
			g.mu.Lock()
			g.loopErr = err
			g.mu.Unlock()
			if !g.closed.Load() && !errors.Is(err, io.EOF) {
				g.logger.Error("Error reading JPEG frame", zap.Error(err))
			}
			return
		}

		g.mu.Lock()
		g.latest = frame
		g.mu.Unlock()

		n := atomic.AddUint64(&g.frameCount, 1)
		if n%100 == 0 {
			g.logger.Debug("MJPEG frames captured",
				zap.Uint64("count", n),
				zap.Int("frame_size", len(frame)))
		}
		g.firstOnce.Do(func() { close(g.first) })
	}
}

// waitFirstFrame blocks until the pipeline produced a frame, exited, or
// timed out
func (g *gstStream) waitFirstFrame(ctx context.Context) error {
	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case <-g.first:
		return nil
	case <-g.done:
		return g.exitError()
	case <-timer.C:
		return ErrFrameTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gstStream) exitError() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	tail := strings.Join(g.stderrTail, "; ")
	if tail == "" {
		if g.loopErr != nil {
			return fmt.Errorf("pipeline stopped before first frame: %w", g.loopErr)
		}
		return errors.New("pipeline stopped before first frame")
	}
	return fmt.Errorf("pipeline stopped before first frame: %s", tail)
}

func (g *gstStream) noteStderr(line string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stderrTail = append(g.stderrTail, line)
	if len(g.stderrTail) > 5 {
		g.stderrTail = g.stderrTail[len(g.stderrTail)-5:]
	}
}

func (g *gstStream) ReadFrame() (image.Image, error) {
	if g.closed.Load() {
		return nil, ErrHandleStopped
	}

	select {
	case <-g.first:
	case <-g.done:
		return nil, g.exitError()
	case <-time.After(g.timeout):
		return nil, ErrFrameTimeout
	}

	g.mu.Lock()
	data := g.latest
	g.mu.Unlock()

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, nil
}

func (g *gstStream) Tracks() int {
	if g.closed.Load() {
		return 0
	}
	select {
	case <-g.done:
		return 0
	default:
		return 1
	}
}

func (g *gstStream) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}

	if g.cmd != nil && g.cmd.Process != nil {
		g.cmd.Process.Signal(syscall.SIGINT)
	}
	if g.cancel != nil {
		g.cancel()
	}
	g.stdout.Close()

	waitDone := make(chan struct{})
	go func() {
		g.wg.Wait()
		if g.cmd != nil {
			g.cmd.Wait()
		}
		close(waitDone)
	}()

	select {
	case <-waitDone:
		g.logger.Info("MJPEG capture stopped",
			zap.Uint64("frames_captured", atomic.LoadUint64(&g.frameCount)))
	case <-time.After(5 * time.Second):
		g.logger.Warn("Capture stop timeout, forcing kill")
		if g.cmd != nil && g.cmd.Process != nil {
			g.cmd.Process.Kill()
		}
	}
	return nil
}

var errFrameTooLarge = errors.New("frame too large")

// readJPEGFrame reads one JPEG frame delimited by SOI (0xFFD8) and
// EOI (0xFFD9) markers
func readJPEGFrame(reader *bufio.Reader, maxSize int) ([]byte, error) {
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != 0xFF {
			continue
		}

		next, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if next != 0xD8 {
			if next == 0xFF {
				reader.UnreadByte()
			}
			continue
		}

		frame := make([]byte, 0, 64*1024)
		frame = append(frame, 0xFF, 0xD8)
		for {
			b, err := reader.ReadByte()
			if err != nil {
				return nil, err
			}
			frame = append(frame, b)

			if len(frame) >= 4 && frame[len(frame)-2] == 0xFF && frame[len(frame)-1] == 0xD9 {
				return frame, nil
			}
			if len(frame) > maxSize {
				return nil, errFrameTooLarge
			}
		}
	}
}
