package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"scan-station/config"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 1 << 20

// RemoteAnalyzer calls the JSON-over-HTTP analysis function
type RemoteAnalyzer struct {
	endpoint        string
	barcodeEndpoint string
	apiKey          string
	client          *http.Client
	limiter         *rate.Limiter
	logger          *zap.Logger
}

// NewRemoteAnalyzer creates an HTTP analyzer. client may be nil.
func NewRemoteAnalyzer(cfg config.AnalysisConfig, client *http.Client, logger *zap.Logger) *RemoteAnalyzer {
	if client == nil {
		client = &http.Client{}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	barcodeEndpoint := cfg.BarcodeEndpoint
	if barcodeEndpoint == "" {
		barcodeEndpoint = cfg.Endpoint
	}

	return &RemoteAnalyzer{
		endpoint:        cfg.Endpoint,
		barcodeEndpoint: barcodeEndpoint,
		apiKey:          cfg.APIKey,
		client:          client,
		limiter:         rate.NewLimiter(limit, burst),
		logger:          logger,
	}
}

func (r *RemoteAnalyzer) Name() string { return "remote" }

// AnalyzeImage posts {imageData} and decodes {productInfo} or {error}
func (r *RemoteAnalyzer) AnalyzeImage(ctx context.Context, jpeg []byte) (*ProductInfo, error) {
	body := map[string]string{
		"imageData": "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg),
	}
	env, _, err := r.post(ctx, r.endpoint, body)
	if err != nil {
		return nil, err
	}
	return env.result()
}

// LookupBarcode posts {barcode} to the barcode endpoint
func (r *RemoteAnalyzer) LookupBarcode(ctx context.Context, code string) (*ProductInfo, error) {
	env, status, err := r.post(ctx, r.barcodeEndpoint, map[string]string{"barcode": code})
	if status == http.StatusNotFound {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return env.result()
}

func (r *RemoteAnalyzer) post(ctx context.Context, endpoint string, payload any) (*envelope, int, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("rate limiter: %w", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
		req.Header.Set("apikey", r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		// Surface deadline errors unwrapped by url.Error for classification
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, 0, ctxErr
		}
		return nil, 0, fmt.Errorf("analysis request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && env.Error != "" {
			msg = env.Error
		}
		r.logger.Debug("Analysis service returned error status",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg))
		return nil, resp.StatusCode, &RemoteError{Status: resp.StatusCode, Message: msg}
	}

	if decodeErr != nil {
		return nil, resp.StatusCode, errors.Join(ErrMalformedResponse, decodeErr)
	}
	return &env, resp.StatusCode, nil
}
