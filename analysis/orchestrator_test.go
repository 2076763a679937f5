package analysis

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"scan-station/compress"
	"scan-station/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type call struct {
	bytes int
	width int
}

// scriptedAnalyzer runs one step per call; calls past the script reuse the
// last step
type scriptedAnalyzer struct {
	mu    sync.Mutex
	steps []func(ctx context.Context) (*ProductInfo, error)
	calls []call
}

func (s *scriptedAnalyzer) Name() string { return "scripted" }

func (s *scriptedAnalyzer) AnalyzeImage(ctx context.Context, data []byte) (*ProductInfo, error) {
	s.mu.Lock()
	n := len(s.calls)
	c := call{bytes: len(data)}
	if cfg, err := jpeg.DecodeConfig(bytes.NewReader(data)); err == nil {
		c.width = cfg.Width
	}
	s.calls = append(s.calls, c)
	step := s.steps[min(n, len(s.steps)-1)]
	s.mu.Unlock()
	return step(ctx)
}

func (s *scriptedAnalyzer) Calls() []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call(nil), s.calls...)
}

func hang(ctx context.Context) (*ProductInfo, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func succeed(name string) func(context.Context) (*ProductInfo, error) {
	return func(context.Context) (*ProductInfo, error) {
		return &ProductInfo{Name: &name}, nil
	}
}

func fail(err error) func(context.Context) (*ProductInfo, error) {
	return func(context.Context) (*ProductInfo, error) {
		return nil, err
	}
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), uint8(x + y), 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func testCompressor() *compress.Compressor {
	return compress.New(config.Default().Compression.Levels)
}

func newTestOrchestrator(t *testing.T, a Analyzer, retries int) *Orchestrator {
	return NewOrchestrator(a, testCompressor(), Options{
		Timeout:    30 * time.Millisecond,
		Backoff:    time.Millisecond,
		MaxRetries: retries,
	}, zaptest.NewLogger(t))
}

func TestAnalyzeRetriesWithStrongerCompression(t *testing.T) {
	a := &scriptedAnalyzer{steps: []func(context.Context) (*ProductInfo, error){
		hang, hang, succeed("Apple"),
	}}
	o := newTestOrchestrator(t, a, 2)

	result := o.Analyze(context.Background(), testJPEG(t, 1280, 720))

	require.True(t, result.IsSuccess())
	assert.Equal(t, "Apple", result.Food.Name)
	assert.Equal(t, 2, result.Retries())

	levels := make([]int, len(result.Attempts))
	for i, at := range result.Attempts {
		levels[i] = at.Level
	}
	assert.Equal(t, []int{0, 1, 2}, levels)

	calls := a.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []int{600, 400, 300}, []int{calls[0].width, calls[1].width, calls[2].width})
	assert.Contains(t, result.Attempts[0].Err, string(KindTimeout))
}

func TestAnalyzeFallbackAfterExhaustion(t *testing.T) {
	a := &scriptedAnalyzer{steps: []func(context.Context) (*ProductInfo, error){
		fail(&RemoteError{Status: 500, Message: "boom"}),
	}}
	o := newTestOrchestrator(t, a, 2)

	result := o.Analyze(context.Background(), testJPEG(t, 320, 240))

	assert.Equal(t, OutcomeFallback, result.Outcome)
	assert.Len(t, result.Attempts, 3)
	assert.NotEmpty(t, result.Warnings)
	assert.NotEmpty(t, result.Reason)
	assert.Contains(t, result.Reason, string(KindRemote))
	assert.Equal(t, float64(DefaultHealthScore), result.Food.HealthScore)
	assert.NotNil(t, result.Food.Ingredients)
	assert.NotNil(t, result.Food.Vitamins)
	assert.Equal(t, "Analysis unavailable", result.Food.Name)
}

func TestAnalyzeLevelsClampAtMax(t *testing.T) {
	a := &scriptedAnalyzer{steps: []func(context.Context) (*ProductInfo, error){
		fail(errors.New("connection reset")),
	}}
	o := newTestOrchestrator(t, a, 4)

	result := o.Analyze(context.Background(), testJPEG(t, 800, 600))

	require.Len(t, result.Attempts, 5)
	prev := -1
	for _, at := range result.Attempts {
		if at.Level < prev {
			t.Errorf("level decreased: %d after %d", at.Level, prev)
		}
		prev = at.Level
	}
	assert.Equal(t, 2, result.Attempts[4].Level)
}

func TestAnalyzeMalformedIsRetried(t *testing.T) {
	a := &scriptedAnalyzer{steps: []func(context.Context) (*ProductInfo, error){
		func(context.Context) (*ProductInfo, error) { return nil, nil },
		succeed("Bread"),
	}}
	o := newTestOrchestrator(t, a, 2)

	result := o.Analyze(context.Background(), testJPEG(t, 200, 200))

	require.True(t, result.IsSuccess())
	require.Len(t, result.Attempts, 2)
	assert.Contains(t, result.Attempts[0].Err, string(KindMalformed))
}

func TestAnalyzeIgnoresUnresponsiveAnalyzer(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	a := &scriptedAnalyzer{steps: []func(context.Context) (*ProductInfo, error){
		func(context.Context) (*ProductInfo, error) {
			<-release
			return nil, nil
		},
	}}
	o := newTestOrchestrator(t, a, 1)

	start := time.Now()
	result := o.Analyze(context.Background(), testJPEG(t, 64, 64))

	assert.Equal(t, OutcomeFallback, result.Outcome)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAnalyzeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &scriptedAnalyzer{steps: []func(context.Context) (*ProductInfo, error){
		func(ctx context.Context) (*ProductInfo, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}
	o := newTestOrchestrator(t, a, 2)

	result := o.Analyze(ctx, testJPEG(t, 64, 64))

	assert.Equal(t, OutcomeFallback, result.Outcome)
	assert.Len(t, result.Attempts, 1)
	assert.Contains(t, result.Reason, string(KindCancelled))
}

func TestAnalyzeUndecodableImageSentAsIs(t *testing.T) {
	a := &scriptedAnalyzer{steps: []func(context.Context) (*ProductInfo, error){
		succeed("Mystery"),
	}}
	o := newTestOrchestrator(t, a, 0)

	raw := []byte("not an image")
	result := o.Analyze(context.Background(), raw)

	require.True(t, result.IsSuccess())
	assert.Equal(t, len(raw), a.Calls()[0].bytes)
}

func TestMaxDuration(t *testing.T) {
	o := NewOrchestrator(&scriptedAnalyzer{}, testCompressor(), Options{
		Timeout:    15 * time.Second,
		Backoff:    1500 * time.Millisecond,
		MaxRetries: 2,
	}, zaptest.NewLogger(t))

	// Three attempts and two backoffs; no backoff follows the last attempt
	if got := o.MaxDuration(); got != 48*time.Second {
		t.Errorf("MaxDuration() = %v, want 48s", got)
	}
}
