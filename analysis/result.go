// Package analysis sends captured images to a remote analysis capability
// with per-attempt timeouts, retry with stronger compression, and a
// fallback result when every attempt fails.
package analysis

import (
	"time"
)

// Dietary flags as reported by the analysis capability
type Dietary struct {
	Vegan      bool `json:"vegan"`
	Vegetarian bool `json:"vegetarian"`
	GlutenFree bool `json:"glutenFree"`
	DairyFree  bool `json:"dairyFree"`
}

// Food is a fully populated productInfo record
type Food struct {
	Name            string   `json:"name"`
	Calories        float64  `json:"calories"`
	Protein         float64  `json:"protein"`
	Carbs           float64  `json:"carbs"`
	Fat             float64  `json:"fat"`
	HealthScore     float64  `json:"healthScore"`
	Ingredients     []string `json:"ingredients"`
	Warnings        []string `json:"warnings"`
	Recommendations []string `json:"recommendations"`
	ServingSize     string   `json:"servingSize"`
	Vitamins        []string `json:"vitamins"`
	Minerals        []string `json:"minerals"`
	Dietary         Dietary  `json:"dietary"`
}

// ProductInfo is the productInfo object as received on the wire. Absent
// fields stay nil so Normalize can backfill them.
type ProductInfo struct {
	Name            *string      `json:"name,omitempty"`
	Calories        *float64     `json:"calories,omitempty"`
	Protein         *float64     `json:"protein,omitempty"`
	Carbs           *float64     `json:"carbs,omitempty"`
	Fat             *float64     `json:"fat,omitempty"`
	HealthScore     *float64     `json:"healthScore,omitempty"`
	Ingredients     []string     `json:"ingredients,omitempty"`
	Warnings        []string     `json:"warnings,omitempty"`
	Recommendations []string     `json:"recommendations,omitempty"`
	ServingSize     *string      `json:"servingSize,omitempty"`
	Vitamins        []string     `json:"vitamins,omitempty"`
	Minerals        []string     `json:"minerals,omitempty"`
	Dietary         *DietaryInfo `json:"dietary,omitempty"`
}

// DietaryInfo is the wire form of Dietary
type DietaryInfo struct {
	Vegan      *bool `json:"vegan,omitempty"`
	Vegetarian *bool `json:"vegetarian,omitempty"`
	GlutenFree *bool `json:"glutenFree,omitempty"`
	DairyFree  *bool `json:"dairyFree,omitempty"`
}

// DefaultHealthScore is used when the capability omits a health score
const DefaultHealthScore = 5

// Template returns the record used to backfill missing fields
func Template() Food {
	return Food{
		Name:            "Unknown food",
		HealthScore:     DefaultHealthScore,
		Ingredients:     []string{},
		Warnings:        []string{},
		Recommendations: []string{},
		ServingSize:     "1 serving",
		Vitamins:        []string{},
		Minerals:        []string{},
	}
}

// UnavailableFood is the placeholder returned with a fallback result
func UnavailableFood() Food {
	f := Template()
	f.Name = "Analysis unavailable"
	f.Warnings = []string{"Nutrition values could not be determined from this image."}
	f.Recommendations = []string{"Review the entry and enter values manually, or retake the photo."}
	return f
}

// Normalize returns a complete Food, taking every field absent from p from
// the template
func Normalize(p *ProductInfo) Food {
	return Overlay(Template(), p)
}

// Overlay returns base with every field present in p replaced
func Overlay(base Food, p *ProductInfo) Food {
	f := base
	if p == nil {
		return f
	}

	if p.Name != nil && *p.Name != "" {
		f.Name = *p.Name
	}
	setFloat(&f.Calories, p.Calories)
	setFloat(&f.Protein, p.Protein)
	setFloat(&f.Carbs, p.Carbs)
	setFloat(&f.Fat, p.Fat)
	setFloat(&f.HealthScore, p.HealthScore)
	if p.ServingSize != nil && *p.ServingSize != "" {
		f.ServingSize = *p.ServingSize
	}

	setList(&f.Ingredients, p.Ingredients)
	setList(&f.Warnings, p.Warnings)
	setList(&f.Recommendations, p.Recommendations)
	setList(&f.Vitamins, p.Vitamins)
	setList(&f.Minerals, p.Minerals)

	if d := p.Dietary; d != nil {
		setBool(&f.Dietary.Vegan, d.Vegan)
		setBool(&f.Dietary.Vegetarian, d.Vegetarian)
		setBool(&f.Dietary.GlutenFree, d.GlutenFree)
		setBool(&f.Dietary.DairyFree, d.DairyFree)
	}
	return f
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setList(dst *[]string, v []string) {
	if v != nil {
		*dst = append([]string{}, v...)
	}
}

// Outcome discriminates Result
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFallback Outcome = "fallback"
)

// Attempt records one request to the analysis capability
type Attempt struct {
	Number   int           `json:"number"`
	Level    int           `json:"level"`
	Bytes    int           `json:"bytes"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

// Result is either Success{Food} or Fallback{Reason, Food, Warnings}. Food
// is always fully populated.
type Result struct {
	Outcome  Outcome   `json:"outcome"`
	Food     Food      `json:"food"`
	Reason   string    `json:"reason,omitempty"`
	Warnings []string  `json:"warnings"`
	Attempts []Attempt `json:"attempts"`
	Analyzer string    `json:"analyzer"`
}

// IsSuccess reports whether the analysis succeeded
func (r *Result) IsSuccess() bool {
	return r.Outcome == OutcomeSuccess
}

// Retries returns the number of attempts after the first
func (r *Result) Retries() int {
	if len(r.Attempts) == 0 {
		return 0
	}
	return len(r.Attempts) - 1
}
