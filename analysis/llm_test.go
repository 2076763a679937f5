package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"scan-station/config"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseModelResponse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantName string
		wantErr  error
	}{
		{
			name:     "plain json",
			input:    `{"productInfo":{"name":"Soup"}}`,
			wantName: "Soup",
		},
		{
			name:     "json fence",
			input:    "```json\n{\"productInfo\":{\"name\":\"Rice\"}}\n```",
			wantName: "Rice",
		},
		{
			name:     "bare fence",
			input:    "```\n{\"productInfo\":{\"name\":\"Tea\"}}\n```",
			wantName: "Tea",
		},
		{
			name:     "surrounded by prose",
			input:    "Here is the analysis:\n{\"productInfo\":{\"name\":\"Pasta\"}}\nEnjoy!",
			wantName: "Pasta",
		},
		{
			name:    "empty",
			input:   "  ",
			wantErr: ErrMalformedResponse,
		},
		{
			name:    "no json",
			input:   "I cannot help with that.",
			wantErr: ErrMalformedResponse,
		},
		{
			name:    "neither field",
			input:   `{"other":1}`,
			wantErr: ErrMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := parseModelResponse(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("parseModelResponse() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			require.NoError(t, err)
			require.NotNil(t, info.Name)
			assert.Equal(t, tt.wantName, *info.Name)
		})
	}
}

func TestParseModelResponseError(t *testing.T) {
	_, err := parseModelResponse(`{"error":"not a food item"}`)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "not a food item", remote.Message)
}

func TestNormalize(t *testing.T) {
	name := "Oatmeal"
	cal := 150.0
	zero := 0.0
	vegan := true

	food := Normalize(&ProductInfo{
		Name:        &name,
		Calories:    &cal,
		Fat:         &zero,
		Ingredients: []string{"oats", "water"},
		Dietary:     &DietaryInfo{Vegan: &vegan},
	})

	assert.Equal(t, "Oatmeal", food.Name)
	assert.Equal(t, 150.0, food.Calories)
	assert.Equal(t, 0.0, food.Fat)
	assert.Equal(t, float64(DefaultHealthScore), food.HealthScore)
	assert.Equal(t, "1 serving", food.ServingSize)
	assert.Equal(t, []string{"oats", "water"}, food.Ingredients)
	assert.Equal(t, []string{}, food.Warnings)
	assert.True(t, food.Dietary.Vegan)
	assert.False(t, food.Dietary.GlutenFree)

	data, err := json.Marshal(food)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, key := range []string{"name", "calories", "protein", "carbs", "fat", "healthScore",
		"ingredients", "warnings", "recommendations", "servingSize", "vitamins", "minerals", "dietary"} {
		if fields[key] == nil {
			t.Errorf("normalized food missing %q", key)
		}
	}
}

func TestNormalizeNil(t *testing.T) {
	assert.Equal(t, Template(), Normalize(nil))
}

func TestOverlayKeepsBase(t *testing.T) {
	base := Normalize(nil)
	base.Name = "Apple"
	base.Calories = 95
	base.Ingredients = []string{"apple"}

	cal := 80.0
	food := Overlay(base, &ProductInfo{Calories: &cal})

	assert.Equal(t, "Apple", food.Name)
	assert.Equal(t, 80.0, food.Calories)
	assert.Equal(t, []string{"apple"}, food.Ingredients)
	assert.Equal(t, "1 serving", food.ServingSize)
	assert.Equal(t, 95.0, base.Calories, "base is not modified")
}

func TestClaudeAnalyzer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)

		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Content []struct {
					Type string `json:"type"`
				} `json:"content"`
			} `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		if assert.Len(t, req.Messages, 1) && assert.Len(t, req.Messages[0].Content, 2) {
			assert.Equal(t, "image", req.Messages[0].Content[0].Type)
			assert.Equal(t, "text", req.Messages[0].Content[1].Type)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "test-model",
			"content": [{"type": "text", "text": "` + "```json\\n{\\\"productInfo\\\":{\\\"name\\\":\\\"Curry\\\"}}\\n```" + `"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 10}
		}`))
	}))
	defer srv.Close()

	cfg := config.AnthropicConfig{APIKey: "k", Model: "test-model", MaxTokens: 256}
	c := NewClaudeAnalyzer(cfg, zaptest.NewLogger(t), option.WithBaseURL(srv.URL), option.WithMaxRetries(0))

	info, err := c.AnalyzeImage(context.Background(), []byte{0xff, 0xd8, 0xff, 0xd9})
	require.NoError(t, err)
	require.NotNil(t, info.Name)
	assert.Equal(t, "Curry", *info.Name)
}
