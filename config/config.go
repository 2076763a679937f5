package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

// Config represents the station configuration
type Config struct {
	Server      ServerConfig      `toml:"server" json:"server"`
	Camera      CameraConfig      `toml:"camera" json:"camera"`
	Binder      BinderConfig      `toml:"binder" json:"binder"`
	Preview     PreviewConfig     `toml:"preview" json:"preview"`
	Compression CompressionConfig `toml:"compression" json:"compression"`
	Analysis    AnalysisConfig    `toml:"analysis" json:"analysis"`
	Vertex      VertexConfig      `toml:"vertex" json:"vertex"`
	Anthropic   AnthropicConfig   `toml:"anthropic" json:"anthropic"`
	Storage     StorageConfig     `toml:"storage" json:"storage"`
	Timeouts    TimeoutConfig     `toml:"timeouts" json:"timeouts"`
	Logging     LoggingConfig     `toml:"logging" json:"logging"`
	Limits      LimitConfig       `toml:"limits" json:"limits"`
}

// ServerConfig holds web server settings
type ServerConfig struct {
	WebPort        int      `toml:"web_port" json:"web_port"`
	BindIP         string   `toml:"bind_ip" json:"bind_ip"`
	StaticDir      string   `toml:"static_dir" json:"static_dir"`
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins"`
}

// CameraConfig holds camera acquisition settings
type CameraConfig struct {
	Backend              string  `toml:"backend" json:"backend"` // "mediadevices" or "gstreamer"
	UserDevice           string  `toml:"user_device" json:"user_device"`
	EnvironmentDevice    string  `toml:"environment_device" json:"environment_device"`
	IdealWidth           int     `toml:"ideal_width" json:"ideal_width"`
	IdealHeight          int     `toml:"ideal_height" json:"ideal_height"`
	FPS                  int     `toml:"fps" json:"fps"`
	Probe                bool    `toml:"probe" json:"probe"`
	RequireSecureContext bool    `toml:"require_secure_context" json:"require_secure_context"`
	FlipMethod           string  `toml:"flip_method" json:"flip_method"`
	JPEGQuality          int     `toml:"jpeg_quality" json:"jpeg_quality"`
	FrameTimeoutMS       int     `toml:"frame_timeout_ms" json:"frame_timeout_ms"`
	MinFrameRate         float64 `toml:"min_frame_rate" json:"min_frame_rate"`
}

// BinderConfig holds stream readiness settings
type BinderConfig struct {
	ReadyFallbackMS int `toml:"ready_fallback_ms" json:"ready_fallback_ms"`
	PlayRetryMS     int `toml:"play_retry_ms" json:"play_retry_ms"`
}

// PreviewConfig holds WebRTC preview settings
type PreviewConfig struct {
	STUNServers    []string `toml:"stun_servers" json:"stun_servers"`
	TURNServers    []string `toml:"turn_servers" json:"turn_servers"`
	TURNUsername   string   `toml:"turn_username" json:"turn_username"`
	TURNCredential string   `toml:"turn_credential" json:"-"`
	MaxViewers     int      `toml:"max_viewers" json:"max_viewers"`
	FPS            int      `toml:"fps" json:"fps"`
	Quality        int      `toml:"quality" json:"quality"`
	MaxDimension   int      `toml:"max_dimension" json:"max_dimension"`
	SendBufferSize int      `toml:"send_buffer_size" json:"send_buffer_size"`
}

// CompressionLevel is a (max dimension, quality) pair used by the compressor
type CompressionLevel struct {
	MaxDimension int     `toml:"max_dimension" json:"max_dimension"`
	Quality      float64 `toml:"quality" json:"quality"`
}

// CompressionConfig holds the ordered compression levels
type CompressionConfig struct {
	Levels []CompressionLevel `toml:"levels" json:"levels"`
}

// AnalysisConfig holds remote analysis settings
type AnalysisConfig struct {
	Backend           string  `toml:"backend" json:"backend"` // "remote", "vertex" or "anthropic"
	Endpoint          string  `toml:"endpoint" json:"endpoint"`
	BarcodeEndpoint   string  `toml:"barcode_endpoint" json:"barcode_endpoint"`
	APIKey            string  `toml:"api_key" json:"-"`
	TimeoutSeconds    float64 `toml:"timeout_seconds" json:"timeout_seconds"`
	MaxRetries        int     `toml:"max_retries" json:"max_retries"`
	BackoffMS         int     `toml:"backoff_ms" json:"backoff_ms"`
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `toml:"burst" json:"burst"`
}

// VertexConfig holds Vertex AI settings
type VertexConfig struct {
	ProjectID       string `toml:"project_id" json:"project_id"`
	Location        string `toml:"location" json:"location"`
	CredentialsFile string `toml:"credentials_file" json:"credentials_file"`
	Model           string `toml:"model" json:"model"`
}

// AnthropicConfig holds Anthropic settings
type AnthropicConfig struct {
	APIKey    string `toml:"api_key" json:"-"`
	Model     string `toml:"model" json:"model"`
	MaxTokens int    `toml:"max_tokens" json:"max_tokens"`
}

// StorageConfig holds activity store settings
type StorageConfig struct {
	Path           string `toml:"path" json:"path"`
	WriteTimeoutMS int    `toml:"write_timeout_ms" json:"write_timeout_ms"`
}

// TimeoutConfig holds timeout and delay settings
type TimeoutConfig struct {
	CameraStartupDelay  int `toml:"camera_startup_delay_ms" json:"camera_startup_delay_ms"`
	ShutdownTimeout     int `toml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
	HTTPShutdownTimeout int `toml:"http_shutdown_timeout_seconds" json:"http_shutdown_timeout_seconds"`
	SessionIdleMinutes  int `toml:"session_idle_minutes" json:"session_idle_minutes"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Dir         string `toml:"dir" json:"dir"`
	MaxLogFiles int    `toml:"max_log_files" json:"max_log_files"`
}

// LimitConfig holds resource limit settings
type LimitConfig struct {
	MaxUploadSizeMB int `toml:"max_upload_size_mb" json:"max_upload_size_mb"`
	MaxFrameSizeMB  int `toml:"max_frame_size_mb" json:"max_frame_size_mb"`
	MaxSessions     int `toml:"max_sessions" json:"max_sessions"`
	HistoryLimit    int `toml:"history_limit" json:"history_limit"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			WebPort:        8080,
			BindIP:         "0.0.0.0",
			StaticDir:      "web/static",
			AllowedOrigins: []string{"*"},
		},
		Camera: CameraConfig{
			Backend:        "mediadevices",
			IdealWidth:     1280,
			IdealHeight:    720,
			FPS:            30,
			Probe:          true,
			JPEGQuality:    92,
			FrameTimeoutMS: 2000,
			MinFrameRate:   10,
		},
		Binder: BinderConfig{
			ReadyFallbackMS: 500,
			PlayRetryMS:     250,
		},
		Preview: PreviewConfig{
			STUNServers:    []string{"stun:stun.l.google.com:19302"},
			MaxViewers:     4,
			FPS:            10,
			Quality:        60,
			MaxDimension:   640,
			SendBufferSize: 256,
		},
		Compression: CompressionConfig{
			Levels: []CompressionLevel{
				{MaxDimension: 600, Quality: 0.6},
				{MaxDimension: 400, Quality: 0.4},
				{MaxDimension: 300, Quality: 0.3},
			},
		},
		Analysis: AnalysisConfig{
			Backend:           "remote",
			Endpoint:          "http://localhost:54321/functions/v1/analyze-food",
			BarcodeEndpoint:   "http://localhost:54321/functions/v1/analyze-food",
			TimeoutSeconds:    15,
			MaxRetries:        2,
			BackoffMS:         1500,
			RequestsPerSecond: 2,
			Burst:             2,
		},
		Vertex: VertexConfig{
			Location: "us-central1",
			Model:    "gemini-1.5-flash",
		},
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-5",
			MaxTokens: 2048,
		},
		Storage: StorageConfig{
			Path:           "scan-station.db",
			WriteTimeoutMS: 5000,
		},
		Timeouts: TimeoutConfig{
			CameraStartupDelay:  300,
			ShutdownTimeout:     30,
			HTTPShutdownTimeout: 5,
			SessionIdleMinutes:  15,
		},
		Logging: LoggingConfig{
			Dir:         "logs",
			MaxLogFiles: 20,
		},
		Limits: LimitConfig{
			MaxUploadSizeMB: 10,
			MaxFrameSizeMB:  4,
			MaxSessions:     8,
			HistoryLimit:    50,
		},
	}
}

// LoadConfig loads configuration from a TOML file on top of the defaults
func LoadConfig(configPath string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config := Default()

	if _, err := os.Stat(configPath); err == nil {
		// Levels are replaced wholesale rather than merged index by index.
		var probe struct {
			Compression struct {
				Levels []CompressionLevel `toml:"levels"`
			} `toml:"compression"`
		}
		if _, err := toml.DecodeFile(configPath, &probe); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		if len(probe.Compression.Levels) > 0 {
			config.Compression.Levels = nil
		}

		if _, err := toml.DecodeFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		logger.Info("Config loaded from file", zap.String("path", configPath))
	} else {
		logger.Info("Config file not found, using defaults", zap.String("path", configPath))
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyEnv fills secrets and cloud settings from the environment when unset
func (c *Config) applyEnv() {
	if c.Analysis.APIKey == "" {
		c.Analysis.APIKey = os.Getenv("SCAN_ANALYSIS_API_KEY")
	}
	if c.Anthropic.APIKey == "" {
		c.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.Vertex.ProjectID == "" {
		c.Vertex.ProjectID = os.Getenv("GOOGLE_PROJECT_ID")
	}
	if v := os.Getenv("GOOGLE_LOCATION"); v != "" {
		c.Vertex.Location = v
	}
	if c.Vertex.CredentialsFile == "" {
		c.Vertex.CredentialsFile = os.Getenv("GOOGLE_CREDENTIALS_FILE")
	}
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	if c.Server.WebPort <= 0 || c.Server.WebPort > 65535 {
		return fmt.Errorf("server.web_port %d out of range", c.Server.WebPort)
	}

	switch c.Camera.Backend {
	case "mediadevices", "gstreamer":
	default:
		return fmt.Errorf("unsupported camera.backend %q", c.Camera.Backend)
	}

	switch c.Analysis.Backend {
	case "remote", "vertex", "anthropic":
	default:
		return fmt.Errorf("unsupported analysis.backend %q", c.Analysis.Backend)
	}

	if c.Analysis.MaxRetries < 0 {
		return fmt.Errorf("analysis.max_retries must not be negative")
	}
	if c.Analysis.TimeoutSeconds <= 0 {
		return fmt.Errorf("analysis.timeout_seconds must be positive")
	}

	levels := c.Compression.Levels
	if len(levels) == 0 {
		return fmt.Errorf("compression.levels must not be empty")
	}
	for i, l := range levels {
		if l.MaxDimension <= 0 {
			return fmt.Errorf("compression level %d: max_dimension must be positive", i)
		}
		if l.Quality <= 0 || l.Quality > 1 {
			return fmt.Errorf("compression level %d: quality %.2f outside (0, 1]", i, l.Quality)
		}
		if i > 0 {
			prev := levels[i-1]
			if l.MaxDimension >= prev.MaxDimension || l.Quality >= prev.Quality {
				return fmt.Errorf("compression level %d must be strictly smaller than level %d", i, i-1)
			}
		}
	}

	return nil
}

// AnalysisTimeout returns the per-attempt analysis timeout
func (c *Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.Analysis.TimeoutSeconds * float64(time.Second))
}

// AnalysisBackoff returns the delay between analysis attempts
func (c *Config) AnalysisBackoff() time.Duration {
	return time.Duration(c.Analysis.BackoffMS) * time.Millisecond
}

// ReadyFallback returns the stream readiness fallback delay
func (c *Config) ReadyFallback() time.Duration {
	return time.Duration(c.Binder.ReadyFallbackMS) * time.Millisecond
}

// PlayRetryDelay returns the delay before the single play retry
func (c *Config) PlayRetryDelay() time.Duration {
	return time.Duration(c.Binder.PlayRetryMS) * time.Millisecond
}

// SaveConfig saves the current configuration to a file
func SaveConfig(config *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
