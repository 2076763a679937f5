package analysis

import (
	"context"
	"fmt"
	"time"

	"scan-station/compress"

	"go.uber.org/zap"
)

// Analyzer submits an encoded image to an analysis capability
type Analyzer interface {
	Name() string
	AnalyzeImage(ctx context.Context, jpeg []byte) (*ProductInfo, error)
}

// Options bound the retry policy
type Options struct {
	Timeout    time.Duration // per attempt
	Backoff    time.Duration // between attempts
	MaxRetries int
}

// Orchestrator runs the compress, send, retry and fallback policy
type Orchestrator struct {
	analyzer   Analyzer
	compressor *compress.Compressor
	opts       Options
	logger     *zap.Logger
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(analyzer Analyzer, compressor *compress.Compressor, opts Options, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		analyzer:   analyzer,
		compressor: compressor,
		opts:       opts,
		logger:     logger.With(zap.String("analyzer", analyzer.Name())),
	}
}

// MaxDuration is the worst-case time Analyze can take
func (o *Orchestrator) MaxDuration() time.Duration {
	attempts := time.Duration(o.opts.MaxRetries + 1)
	return attempts*o.opts.Timeout + time.Duration(o.opts.MaxRetries)*o.opts.Backoff
}

type attemptResult struct {
	info *ProductInfo
	err  error
}

// Analyze always returns a complete result. Each retry uses a compression
// level at least as high as the previous attempt.
func (o *Orchestrator) Analyze(ctx context.Context, image []byte) *Result {
	result := &Result{
		Analyzer: o.analyzer.Name(),
		Warnings: []string{},
		Attempts: []Attempt{},
	}

	level := 0
	var lastErr *AnalysisError

	for attempt := 0; attempt <= o.opts.MaxRetries; attempt++ {
		payload, usedLevel := o.payload(image, level)

		start := time.Now()
		info, err := o.send(ctx, payload)
		rec := Attempt{
			Number:   attempt + 1,
			Level:    usedLevel,
			Bytes:    len(payload),
			Duration: time.Since(start),
		}

		if err == nil {
			result.Attempts = append(result.Attempts, rec)
			result.Outcome = OutcomeSuccess
			result.Food = Normalize(info)

			o.logger.Info("Analysis succeeded",
				zap.Int("attempt", rec.Number),
				zap.Int("level", rec.Level),
				zap.Int("bytes", rec.Bytes),
				zap.Duration("duration", rec.Duration))
			return result
		}

		lastErr = &AnalysisError{
			Kind:    classify(err, ctx),
			Attempt: rec.Number,
			Level:   usedLevel,
			Err:     err,
		}
		rec.Err = lastErr.Error()
		result.Attempts = append(result.Attempts, rec)

		if lastErr.Kind == KindCancelled {
			break
		}
		if attempt == o.opts.MaxRetries {
			break
		}

		level = min(usedLevel+1, o.compressor.MaxLevel())

		o.logger.Warn("Analysis attempt failed, retrying",
			zap.Int("attempt", rec.Number),
			zap.Int("max_attempts", o.opts.MaxRetries+1),
			zap.String("kind", string(lastErr.Kind)),
			zap.Int("next_level", level),
			zap.Duration("backoff", o.opts.Backoff),
			zap.Error(err))

		select {
		case <-time.After(o.opts.Backoff):
		case <-ctx.Done():
			lastErr = &AnalysisError{Kind: KindCancelled, Attempt: rec.Number, Level: usedLevel, Err: ctx.Err()}
		}
		if lastErr.Kind == KindCancelled {
			break
		}
	}

	result.Outcome = OutcomeFallback
	result.Food = UnavailableFood()
	result.Reason = fmt.Sprintf("analysis unavailable after %d attempt(s)", len(result.Attempts))
	result.Warnings = []string{
		"Automatic analysis was unavailable, so the nutrition values shown are placeholders. Review them before saving or discard this entry.",
	}
	if lastErr != nil {
		result.Reason = fmt.Sprintf("%s: %s", result.Reason, lastErr.Kind)
		result.Warnings = append(result.Warnings, fmt.Sprintf("Last error: %v", lastErr.Err))
	}

	o.logger.Warn("Analysis exhausted, returning fallback",
		zap.Int("attempts", len(result.Attempts)),
		zap.String("reason", result.Reason))
	return result
}

// payload compresses image at level. Undecodable images are sent as-is so
// the capability can still report on them.
func (o *Orchestrator) payload(image []byte, level int) ([]byte, int) {
	out, err := o.compressor.Compress(image, level)
	if err != nil {
		o.logger.Warn("Compression failed, sending original image",
			zap.Int("level", level), zap.Error(err))
		clamped, _ := o.compressor.Level(level)
		return image, clamped
	}
	return out.Data, out.Level
}

// send runs one attempt raced against its timeout, so an analyzer that
// ignores its context still cannot exceed the bound
func (o *Orchestrator) send(ctx context.Context, payload []byte) (*ProductInfo, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		info, err := o.analyzer.AnalyzeImage(attemptCtx, payload)
		done <- attemptResult{info: info, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil && r.info == nil {
			return nil, ErrMalformedResponse
		}
		return r.info, r.err
	case <-attemptCtx.Done():
		return nil, attemptCtx.Err()
	}
}
