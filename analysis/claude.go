package analysis

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"scan-station/config"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

// ClaudeAnalyzer asks an Anthropic model to describe the food
type ClaudeAnalyzer struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	logger    *zap.Logger
}

// NewClaudeAnalyzer creates an Anthropic-backed analyzer. Extra request
// options are appended after the API key.
func NewClaudeAnalyzer(cfg config.AnthropicConfig, logger *zap.Logger, opts ...option.RequestOption) *ClaudeAnalyzer {
	client := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, opts...)...)
	return &ClaudeAnalyzer{
		client:    &client,
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
		logger:    logger,
	}
}

func (c *ClaudeAnalyzer) Name() string { return "anthropic" }

// AnalyzeImage sends the image followed by the prompt
func (c *ClaudeAnalyzer) AnalyzeImage(ctx context.Context, jpeg []byte) (*ProductInfo, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64("image/jpeg", base64.StdEncoding.EncodeToString(jpeg)),
				anthropic.NewTextBlock(foodPrompt),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	c.logger.Debug("Model response received",
		zap.String("model", c.model),
		zap.Int("chars", text.Len()))

	return parseModelResponse(text.String())
}
