package analysis

import (
	"context"
	"fmt"
	"strings"

	"scan-station/config"

	"cloud.google.com/go/vertexai/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// VertexAnalyzer asks a Gemini model on Vertex AI to describe the food
type VertexAnalyzer struct {
	client *genai.Client
	model  *genai.GenerativeModel
	logger *zap.Logger
}

// NewVertexAnalyzer creates the Vertex client. Close releases it.
func NewVertexAnalyzer(ctx context.Context, cfg config.VertexConfig, logger *zap.Logger) (*VertexAnalyzer, error) {
	opts := []option.ClientOption{}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := genai.NewClient(ctx, cfg.ProjectID, cfg.Location, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create vertex client: %w", err)
	}

	model := client.GenerativeModel(cfg.Model)
	model.ResponseMIMEType = "application/json"

	logger.Info("Vertex analyzer ready",
		zap.String("project", cfg.ProjectID),
		zap.String("location", cfg.Location),
		zap.String("model", cfg.Model))

	return &VertexAnalyzer{client: client, model: model, logger: logger}, nil
}

func (v *VertexAnalyzer) Name() string { return "vertex" }

// AnalyzeImage sends the prompt and image in a single request
func (v *VertexAnalyzer) AnalyzeImage(ctx context.Context, jpeg []byte) (*ProductInfo, error) {
	resp, err := v.model.GenerateContent(ctx, genai.Text(foodPrompt), genai.ImageData("jpeg", jpeg))
	if err != nil {
		return nil, fmt.Errorf("vertex request failed: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("%w: no candidates", ErrMalformedResponse)
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	return parseModelResponse(text.String())
}

// Close releases the underlying client
func (v *VertexAnalyzer) Close() error {
	return v.client.Close()
}
