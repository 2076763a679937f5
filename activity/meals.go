package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"scan-station/analysis"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNothingToConfirm is returned when a confirmation carries no food
var ErrNothingToConfirm = errors.New("nothing to confirm")

// History is the recent meal list with day and week totals
type History struct {
	Meals []Meal `json:"meals"`
	Today Totals `json:"today"`
	Week  Totals `json:"week"`
}

// MealLog records confirmed meals and reports history
type MealLog struct {
	store    Store
	activity *Logger
	logger   *zap.Logger
	now      func() time.Time
}

// NewMealLog creates a meal log
func NewMealLog(store Store, activity *Logger, logger *zap.Logger) *MealLog {
	return &MealLog{
		store:    store,
		activity: activity,
		logger:   logger,
		now:      time.Now,
	}
}

// Confirm stores a meal synchronously, since the caller shows the saved
// record, and logs the confirmation as activity
func (m *MealLog) Confirm(ctx context.Context, sessionID, source string, outcome analysis.Outcome, food analysis.Food) (Meal, error) {
	if food.Name == "" {
		return Meal{}, ErrNothingToConfirm
	}

	meal := Meal{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Source:    source,
		Outcome:   outcome,
		Food:      food,
		CreatedAt: m.now(),
	}
	if err := m.store.SaveMeal(ctx, meal); err != nil {
		return Meal{}, fmt.Errorf("failed to save meal: %w", err)
	}

	m.logger.Info("Meal logged",
		zap.String("meal_id", meal.ID),
		zap.String("session_id", sessionID),
		zap.String("name", food.Name),
		zap.Float64("calories", food.Calories))

	m.activity.LogActivity(TypeMealLogged, fmt.Sprintf("Logged %s", food.Name), map[string]any{
		"meal_id":    meal.ID,
		"session_id": sessionID,
		"source":     source,
		"calories":   food.Calories,
	})
	return meal, nil
}

// History returns the newest meals plus totals since local midnight and
// over the last seven days including today
func (m *MealLog) History(ctx context.Context, limit int) (*History, error) {
	meals, err := m.store.RecentMeals(ctx, limit)
	if err != nil {
		return nil, err
	}

	now := m.now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	today, err := m.store.TotalsSince(ctx, startOfDay)
	if err != nil {
		return nil, err
	}
	week, err := m.store.TotalsSince(ctx, startOfDay.AddDate(0, 0, -6))
	if err != nil {
		return nil, err
	}

	return &History{Meals: meals, Today: today, Week: week}, nil
}
