package activity

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"scan-station/analysis"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFS embed.FS

// Timestamps are stored as fixed-width UTC text so they sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one row of the append-only activity log
type Entry struct {
	ID          string         `json:"id"`
	Type        string         `json:"activity_type"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Meal is a confirmed analysis result
type Meal struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Source    string           `json:"source"`
	Outcome   analysis.Outcome `json:"outcome"`
	Food      analysis.Food    `json:"food"`
	CreatedAt time.Time        `json:"created_at"`
}

// Totals sums macros over a set of meals
type Totals struct {
	Meals    int     `json:"meals"`
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
}

// Store persists activity entries and meals
type Store interface {
	AppendActivity(ctx context.Context, e Entry) error
	RecentActivity(ctx context.Context, limit int) ([]Entry, error)
	SaveMeal(ctx context.Context, m Meal) error
	RecentMeals(ctx context.Context, limit int) ([]Meal, error)
	TotalsSince(ctx context.Context, since time.Time) (Totals, error)
	Close() error
}

// SQLiteStore implements Store on SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the database at path
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("error enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("error setting busy timeout: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing schema: %w", err)
	}

	logger.Info("Activity store opened", zap.String("path", path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

func initializeSchema(db *sql.DB) error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("error reading schema file: %w", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		return fmt.Errorf("error executing schema: %w", err)
	}
	return nil
}

// AppendActivity inserts an entry. Existing rows are never updated.
func (s *SQLiteStore) AppendActivity(ctx context.Context, e Entry) error {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, activity_type, description, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.Type, e.Description, string(meta), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}
	return nil
}

// RecentActivity returns the newest entries first
func (s *SQLiteStore) RecentActivity(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, activity_type, description, metadata, created_at
		FROM activity_log
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var meta, createdAt string
		if err := rows.Scan(&e.ID, &e.Type, &e.Description, &meta, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			s.logger.Warn("Skipping undecodable activity metadata",
				zap.String("id", e.ID), zap.Error(err))
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveMeal inserts a meal
func (s *SQLiteStore) SaveMeal(ctx context.Context, m Meal) error {
	food, err := json.Marshal(m.Food)
	if err != nil {
		return fmt.Errorf("failed to encode food: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO meals (
			id, session_id, source, outcome, name,
			calories, protein, carbs, fat, health_score,
			food, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.SessionID, m.Source, string(m.Outcome), m.Food.Name,
		m.Food.Calories, m.Food.Protein, m.Food.Carbs, m.Food.Fat, m.Food.HealthScore,
		string(food), formatTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert meal: %w", err)
	}
	return nil
}

// RecentMeals returns the newest meals first
func (s *SQLiteStore) RecentMeals(ctx context.Context, limit int) ([]Meal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, source, outcome, food, created_at
		FROM meals
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query meals: %w", err)
	}
	defer rows.Close()

	meals := []Meal{}
	for rows.Next() {
		var m Meal
		var outcome, food, createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Source, &outcome, &food, &createdAt); err != nil {
			return nil, err
		}
		m.Outcome = analysis.Outcome(outcome)
		if err := json.Unmarshal([]byte(food), &m.Food); err != nil {
			return nil, fmt.Errorf("failed to decode meal %s: %w", m.ID, err)
		}
		m.CreatedAt = parseTime(createdAt)
		meals = append(meals, m)
	}
	return meals, rows.Err()
}

// TotalsSince sums meals created at or after since
func (s *SQLiteStore) TotalsSince(ctx context.Context, since time.Time) (Totals, error) {
	var t Totals
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(calories), 0), COALESCE(SUM(protein), 0),
			COALESCE(SUM(carbs), 0), COALESCE(SUM(fat), 0)
		FROM meals
		WHERE created_at >= ?
	`, formatTime(since)).Scan(&t.Meals, &t.Calories, &t.Protein, &t.Carbs, &t.Fat)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to sum meals: %w", err)
	}
	return t, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
