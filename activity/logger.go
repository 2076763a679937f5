// Package activity records what the station did. Writes are detached from
// the caller and their failures never reach it.
package activity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Activity types
const (
	TypeFoodScan    = "food_scan"
	TypeBarcodeScan = "barcode_scan"
	TypeMealLogged  = "meal_logged"
	TypeCameraError = "camera_error"
)

// Logger appends activity entries in the background
type Logger struct {
	store   Store
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time

	wg sync.WaitGroup
}

// NewLogger creates a logger writing to store. A nil store discards entries.
func NewLogger(store Store, timeout time.Duration, logger *zap.Logger) *Logger {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Logger{
		store:   store,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// LogActivity returns immediately. The write runs on its own goroutine,
// bounded by the logger's timeout; failures are logged at Warn.
func (l *Logger) LogActivity(activityType, description string, metadata map[string]any) {
	if l == nil || l.store == nil {
		return
	}

	entry := Entry{
		ID:          uuid.NewString(),
		Type:        activityType,
		Description: description,
		Metadata:    copyMetadata(metadata),
		CreatedAt:   l.now(),
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				l.logger.Warn("Activity write panicked",
					zap.String("type", entry.Type),
					zap.String("panic", fmt.Sprint(r)))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()

		if err := l.store.AppendActivity(ctx, entry); err != nil {
			l.logger.Warn("Failed to record activity",
				zap.String("type", entry.Type),
				zap.String("id", entry.ID),
				zap.Error(err))
			return
		}
		l.logger.Debug("Activity recorded",
			zap.String("type", entry.Type),
			zap.String("id", entry.ID))
	}()
}

// Wait blocks until pending writes finish or ctx is done
func (l *Logger) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pending activity writes: %w", ctx.Err())
	}
}

func copyMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
