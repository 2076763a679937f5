package config

import (
	"os"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// TestLoadConfigDefaults tests default configuration loading
func TestLoadConfigDefaults(t *testing.T) {
	// Use non-existent file to trigger defaults
	cfg, err := LoadConfig("non-existent-config.toml", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.WebPort != 8080 {
		t.Errorf("Default Server.WebPort = %d, want 8080", cfg.Server.WebPort)
	}

	if cfg.Camera.Backend != "mediadevices" {
		t.Errorf("Default Camera.Backend = %s, want mediadevices", cfg.Camera.Backend)
	}

	if cfg.Binder.ReadyFallbackMS != 500 {
		t.Errorf("Default Binder.ReadyFallbackMS = %d, want 500", cfg.Binder.ReadyFallbackMS)
	}

	if cfg.Analysis.MaxRetries != 2 {
		t.Errorf("Default Analysis.MaxRetries = %d, want 2", cfg.Analysis.MaxRetries)
	}

	if cfg.AnalysisTimeout() != 15*time.Second {
		t.Errorf("Default AnalysisTimeout = %v, want 15s", cfg.AnalysisTimeout())
	}

	if cfg.AnalysisBackoff() != 1500*time.Millisecond {
		t.Errorf("Default AnalysisBackoff = %v, want 1.5s", cfg.AnalysisBackoff())
	}
}

// TestCompressionLevelDefaults tests the default compression ladder
func TestCompressionLevelDefaults(t *testing.T) {
	cfg, err := LoadConfig("non-existent-config.toml", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	want := []CompressionLevel{
		{MaxDimension: 600, Quality: 0.6},
		{MaxDimension: 400, Quality: 0.4},
		{MaxDimension: 300, Quality: 0.3},
	}

	if len(cfg.Compression.Levels) != len(want) {
		t.Fatalf("Compression levels = %d, want %d", len(cfg.Compression.Levels), len(want))
	}

	for i, level := range want {
		if cfg.Compression.Levels[i] != level {
			t.Errorf("Level %d = %+v, want %+v", i, cfg.Compression.Levels[i], level)
		}
	}
}

// TestLoadConfigFromFile tests loading config from TOML file
func TestLoadConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test-config-*.toml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	configContent := `
[server]
web_port = 9090

[camera]
backend = "gstreamer"
environment_device = "/dev/video2"
ideal_width = 1920

[analysis]
backend = "anthropic"
timeout_seconds = 5
max_retries = 1
backoff_ms = 200

[[compression.levels]]
max_dimension = 800
quality = 0.7

[[compression.levels]]
max_dimension = 500
quality = 0.5
`

	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	tmpFile.Close()

	cfg, err := LoadConfig(tmpFile.Name(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.WebPort != 9090 {
		t.Errorf("Server.WebPort = %d, want 9090", cfg.Server.WebPort)
	}

	if cfg.Camera.Backend != "gstreamer" {
		t.Errorf("Camera.Backend = %s, want gstreamer", cfg.Camera.Backend)
	}

	if cfg.Camera.EnvironmentDevice != "/dev/video2" {
		t.Errorf("Camera.EnvironmentDevice = %s, want /dev/video2", cfg.Camera.EnvironmentDevice)
	}

	// Untouched fields keep their defaults
	if cfg.Camera.IdealHeight != 720 {
		t.Errorf("Camera.IdealHeight = %d, want default 720", cfg.Camera.IdealHeight)
	}

	if cfg.Analysis.Backend != "anthropic" {
		t.Errorf("Analysis.Backend = %s, want anthropic", cfg.Analysis.Backend)
	}

	if cfg.AnalysisTimeout() != 5*time.Second {
		t.Errorf("AnalysisTimeout = %v, want 5s", cfg.AnalysisTimeout())
	}

	if len(cfg.Compression.Levels) != 2 {
		t.Fatalf("Compression levels = %d, want 2 (file replaces defaults)", len(cfg.Compression.Levels))
	}

	if cfg.Compression.Levels[0].MaxDimension != 800 {
		t.Errorf("Level 0 MaxDimension = %d, want 800", cfg.Compression.Levels[0].MaxDimension)
	}
}

// TestSaveConfig tests configuration saving
func TestSaveConfig(t *testing.T) {
	cfg := Default()
	cfg.Server.WebPort = 8181
	cfg.Camera.UserDevice = "/dev/video0"
	cfg.Analysis.Endpoint = "https://example.test/functions/v1/analyze-food"

	tmpFile, err := os.CreateTemp("", "test-save-config-*.toml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	if err := SaveConfig(cfg, tmpFile.Name()); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loadedCfg, err := LoadConfig(tmpFile.Name(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if loadedCfg.Server.WebPort != cfg.Server.WebPort {
		t.Errorf("Saved/loaded WebPort mismatch: %d != %d", loadedCfg.Server.WebPort, cfg.Server.WebPort)
	}

	if loadedCfg.Camera.UserDevice != cfg.Camera.UserDevice {
		t.Errorf("Saved/loaded UserDevice mismatch: %s != %s", loadedCfg.Camera.UserDevice, cfg.Camera.UserDevice)
	}

	if loadedCfg.Analysis.Endpoint != cfg.Analysis.Endpoint {
		t.Errorf("Saved/loaded Endpoint mismatch: %s != %s", loadedCfg.Analysis.Endpoint, cfg.Analysis.Endpoint)
	}

	if len(loadedCfg.Compression.Levels) != 3 {
		t.Errorf("Saved/loaded levels = %d, want 3", len(loadedCfg.Compression.Levels))
	}
}

// TestInvalidConfigFile tests handling of invalid config files
func TestInvalidConfigFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test-invalid-config-*.toml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	invalidConfig := `
[camera
ideal_width = "not a number"
`

	if _, err := tmpFile.WriteString(invalidConfig); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	tmpFile.Close()

	_, err = LoadConfig(tmpFile.Name(), zaptest.NewLogger(t))
	if err == nil {
		t.Error("Expected error for invalid config file")
	}
}

// TestValidate tests configuration validation
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.WebPort = 0 },
			wantErr: true,
		},
		{
			name:    "unknown camera backend",
			mutate:  func(c *Config) { c.Camera.Backend = "v4l" },
			wantErr: true,
		},
		{
			name:    "unknown analysis backend",
			mutate:  func(c *Config) { c.Analysis.Backend = "local" },
			wantErr: true,
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Analysis.MaxRetries = -1 },
			wantErr: true,
		},
		{
			name:    "empty levels",
			mutate:  func(c *Config) { c.Compression.Levels = nil },
			wantErr: true,
		},
		{
			name: "level not smaller than previous",
			mutate: func(c *Config) {
				c.Compression.Levels = []CompressionLevel{
					{MaxDimension: 600, Quality: 0.6},
					{MaxDimension: 600, Quality: 0.4},
				}
			},
			wantErr: true,
		},
		{
			name: "quality increases",
			mutate: func(c *Config) {
				c.Compression.Levels = []CompressionLevel{
					{MaxDimension: 600, Quality: 0.4},
					{MaxDimension: 400, Quality: 0.6},
				}
			},
			wantErr: true,
		},
		{
			name: "quality out of range",
			mutate: func(c *Config) {
				c.Compression.Levels = []CompressionLevel{{MaxDimension: 600, Quality: 1.5}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestEnvironmentOverrides tests secrets pulled from the environment
func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("SCAN_ANALYSIS_API_KEY", "anon-key")
	t.Setenv("GOOGLE_PROJECT_ID", "station-project")

	cfg, err := LoadConfig("non-existent-config.toml", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Anthropic.APIKey != "test-key" {
		t.Errorf("Anthropic.APIKey = %q, want test-key", cfg.Anthropic.APIKey)
	}

	if cfg.Analysis.APIKey != "anon-key" {
		t.Errorf("Analysis.APIKey = %q, want anon-key", cfg.Analysis.APIKey)
	}

	if cfg.Vertex.ProjectID != "station-project" {
		t.Errorf("Vertex.ProjectID = %q, want station-project", cfg.Vertex.ProjectID)
	}
}
