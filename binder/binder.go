// Package binder attaches a live capture stream to a display surface and
// decides when the stream is actually playing.
package binder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Visibility controls how hard a surface insists on being painted
type Visibility string

const (
	VisibilityVisible Visibility = "visible"
	VisibilityForced  Visibility = "forced"
)

// Trigger names the path that started playback
type Trigger string

const (
	TriggerReadyEvent Trigger = "ready-event"
	TriggerFallback   Trigger = "fallback-timer"
)

// Stream is the live source a surface displays
type Stream interface {
	ReadFrame() (image.Image, error)
	LiveTracks() int
}

// Surface is a display target for a live stream
type Surface interface {
	SetSource(s Stream) error
	SetVisibility(v Visibility)
	Play(ctx context.Context) error
	// OnCanPlay registers fn to run when the surface can start playback.
	// fn may run on any goroutine and more than once.
	OnCanPlay(fn func())
}

// StreamBindError reports that the stream never became playable
type StreamBindError struct {
	Err error
}

func (e *StreamBindError) Error() string {
	return fmt.Sprintf("failed to start stream, try upload instead: %v", e.Err)
}

func (e *StreamBindError) Unwrap() error { return e.Err }

// ErrNoLiveTracks is returned when binding a stream that already ended
var ErrNoLiveTracks = errors.New("stream has no live tracks")

// Binder binds streams to surfaces
type Binder struct {
	readyFallback time.Duration
	retryDelay    time.Duration
	logger        *zap.Logger
}

// New creates a binder. readyFallback is how long to wait for the ready
// event before forcing playback; retryDelay is the pause before the single
// play retry.
func New(readyFallback, retryDelay time.Duration, logger *zap.Logger) *Binder {
	return &Binder{
		readyFallback: readyFallback,
		retryDelay:    retryDelay,
		logger:        logger,
	}
}

// Binding tracks one bind attempt
type Binding struct {
	done    chan struct{}
	cancel  context.CancelFunc
	settle  sync.Once
	start   sync.Once
	timer   *time.Timer
	timerMu sync.Mutex

	trigger Trigger
	err     error
}

// Wait blocks until the binding settled or was cancelled and returns the
// bind error, if any
func (b *Binding) Wait() error {
	<-b.done
	return b.err
}

// Done is closed once the binding settled
func (b *Binding) Done() <-chan struct{} {
	return b.done
}

// Trigger reports which path started playback
func (b *Binding) Trigger() Trigger {
	<-b.done
	return b.trigger
}

// Cancel abandons the binding without invoking either callback
func (b *Binding) Cancel() {
	b.cancel()
}

// Bind attaches stream to surface and invokes exactly one of onReady or
// onError, at most once, unless the binding is cancelled first.
func (bd *Binder) Bind(ctx context.Context, surface Surface, stream Stream, onReady func(), onError func(error)) *Binding {
	ctx, cancel := context.WithCancel(ctx)
	b := &Binding{
		done:   make(chan struct{}),
		cancel: cancel,
	}

	finish := func(trigger Trigger, err error, notify bool) {
		b.settle.Do(func() {
			b.stopTimer()
			b.trigger = trigger
			b.err = err

			if notify {
				if err != nil && onError != nil {
					onError(err)
				}
				if err == nil && onReady != nil {
					onReady()
				}
			}

			close(b.done)
			cancel()
		})
	}

	if stream.LiveTracks() == 0 {
		finish("", &StreamBindError{Err: ErrNoLiveTracks}, true)
		return b
	}

	if err := surface.SetSource(stream); err != nil {
		finish("", &StreamBindError{Err: err}, true)
		return b
	}
	surface.SetVisibility(VisibilityVisible)

	play := func(trigger Trigger) {
		b.start.Do(func() {
			b.stopTimer()
			bd.logger.Debug("Starting playback", zap.String("trigger", string(trigger)))
			go func() {
				err := bd.playWithRetry(ctx, surface)
				if ctx.Err() != nil && err != nil {
					finish(trigger, ctx.Err(), false)
					return
				}
				if err != nil {
					finish(trigger, &StreamBindError{Err: err}, true)
					return
				}
				finish(trigger, nil, true)
			}()
		})
	}

	surface.OnCanPlay(func() { play(TriggerReadyEvent) })

	b.timerMu.Lock()
	b.timer = time.AfterFunc(bd.readyFallback, func() {
		bd.logger.Debug("Ready event not observed, forcing playback",
			zap.Duration("fallback", bd.readyFallback))
		play(TriggerFallback)
	})
	b.timerMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			finish("", ctx.Err(), false)
		case <-b.done:
		}
	}()

	return b
}

// playWithRetry attempts playback, then once more with forced visibility
func (bd *Binder) playWithRetry(ctx context.Context, surface Surface) error {
	err := surface.Play(ctx)
	if err == nil {
		return nil
	}

	bd.logger.Warn("Playback failed, retrying with forced visibility",
		zap.Duration("delay", bd.retryDelay), zap.Error(err))

	select {
	case <-time.After(bd.retryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	surface.SetVisibility(VisibilityForced)
	if err := surface.Play(ctx); err != nil {
		return err
	}
	return nil
}

func (b *Binding) stopTimer() {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
}
