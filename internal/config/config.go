// Package config loads pipeline configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	LogLevel    string            `yaml:"log_level" env:"LOG_LEVEL"`
	Encryption  EncryptionConfig  `yaml:"encryption"`
	Store       StoreConfig       `yaml:"store"`
	Audit       AuditConfig       `yaml:"audit"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// EncryptionConfig holds encryption-related configuration.
type EncryptionConfig struct {
	PreferredAlgorithm  string   `yaml:"preferred_algorithm" env:"ENCRYPTION_PREFERRED_ALGORITHM"`
	SupportedAlgorithms []string `yaml:"supported_algorithms" env:"ENCRYPTION_SUPPORTED_ALGORITHMS"`
	ChunkSize           int      `yaml:"chunk_size" env:"ENCRYPTION_CHUNK_SIZE"` // Size of each encryption chunk in bytes
	Provider            ProviderConfig `yaml:"provider"`
}

// ProviderConfig selects and configures the key provider backend.
type ProviderConfig struct {
	Backend string    `yaml:"backend" env:"PROVIDER_BACKEND"` // rawkey, mock, kms
	KeyID   string    `yaml:"key_id" env:"PROVIDER_KEY_ID"`   // Mock key id or KMS key id/ARN/alias
	KMS     KMSConfig `yaml:"kms"`
}

// KMSConfig holds KMS connection settings, used when the provider backend is
// "kms".
type KMSConfig struct {
	Region        string        `yaml:"region" env:"KMS_REGION"`
	Endpoint      string        `yaml:"endpoint" env:"KMS_ENDPOINT"` // Leave empty for AWS default, or set for a compatible endpoint
	AccessKey     string        `yaml:"access_key" env:"KMS_ACCESS_KEY"`
	SecretKey     string        `yaml:"secret_key" env:"KMS_SECRET_KEY"`
	CacheTTL      time.Duration `yaml:"cache_ttl" env:"KMS_CACHE_TTL"`
	CacheMaxItems int           `yaml:"cache_max_items" env:"KMS_CACHE_MAX_ITEMS"`
}

// StoreConfig selects and configures envelope set persistence.
type StoreConfig struct {
	Backend string `yaml:"backend" env:"STORE_BACKEND"` // memory, s3
	S3      S3Config `yaml:"s3"`
}

// S3Config holds S3 store settings.
type S3Config struct {
	Bucket       string `yaml:"bucket" env:"STORE_S3_BUCKET"`
	Prefix       string `yaml:"prefix" env:"STORE_S3_PREFIX"`
	Region       string `yaml:"region" env:"STORE_S3_REGION"`
	Endpoint     string `yaml:"endpoint" env:"STORE_S3_ENDPOINT"`
	UsePathStyle bool   `yaml:"use_path_style" env:"STORE_S3_USE_PATH_STYLE"`
	AccessKey    string `yaml:"access_key" env:"STORE_S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"STORE_S3_SECRET_KEY"`
}

// AuditConfig holds event logger configuration.
type AuditConfig struct {
	MaxEvents int `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
}

// DiagnosticsConfig holds the optional diagnostics HTTP listener settings.
type DiagnosticsConfig struct {
	Enabled    bool   `yaml:"enabled" env:"DIAGNOSTICS_ENABLED"`
	ListenAddr string `yaml:"listen_addr" env:"DIAGNOSTICS_LISTEN_ADDR"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, jaeger, otlp
	JaegerEndpoint  string  `yaml:"jaeger_endpoint" env:"TRACING_JAEGER_ENDPOINT"`
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := &Config{
		LogLevel: "info",
		Encryption: EncryptionConfig{
			PreferredAlgorithm: "AES256-GCM",
			ChunkSize:          64 * 1024,
			Provider: ProviderConfig{
				Backend: "rawkey",
				KMS: KMSConfig{
					Region:        "us-east-1",
					CacheTTL:      5 * time.Minute,
					CacheMaxItems: 256,
				},
			},
		},
		Store: StoreConfig{
			Backend: "memory",
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Audit: AuditConfig{
			MaxEvents: 1000,
		},
		Diagnostics: DiagnosticsConfig{
			Enabled:    false,
			ListenAddr: ":9090",
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "envelope-pipeline",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
	}

	// Load from file if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("ENCRYPTION_PREFERRED_ALGORITHM"); v != "" {
		config.Encryption.PreferredAlgorithm = v
	}
	if v := os.Getenv("ENCRYPTION_SUPPORTED_ALGORITHMS"); v != "" {
		// Comma-separated list of algorithms
		config.Encryption.SupportedAlgorithms = strings.Split(v, ",")
		for i := range config.Encryption.SupportedAlgorithms {
			config.Encryption.SupportedAlgorithms[i] = strings.TrimSpace(config.Encryption.SupportedAlgorithms[i])
		}
	}
	if v := os.Getenv("ENCRYPTION_CHUNK_SIZE"); v != "" {
		var size int
		if _, err := fmt.Sscanf(v, "%d", &size); err == nil && size > 0 {
			config.Encryption.ChunkSize = size
		}
	}
	if v := os.Getenv("PROVIDER_BACKEND"); v != "" {
		config.Encryption.Provider.Backend = v
	}
	if v := os.Getenv("PROVIDER_KEY_ID"); v != "" {
		config.Encryption.Provider.KeyID = v
	}
	if v := os.Getenv("KMS_REGION"); v != "" {
		config.Encryption.Provider.KMS.Region = v
	}
	if v := os.Getenv("KMS_ENDPOINT"); v != "" {
		config.Encryption.Provider.KMS.Endpoint = v
	}
	if v := os.Getenv("KMS_ACCESS_KEY"); v != "" {
		config.Encryption.Provider.KMS.AccessKey = v
	}
	if v := os.Getenv("KMS_SECRET_KEY"); v != "" {
		config.Encryption.Provider.KMS.SecretKey = v
	}
	if v := os.Getenv("KMS_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Encryption.Provider.KMS.CacheTTL = d
		}
	}
	if v := os.Getenv("KMS_CACHE_MAX_ITEMS"); v != "" {
		var items int
		if _, err := fmt.Sscanf(v, "%d", &items); err == nil && items > 0 {
			config.Encryption.Provider.KMS.CacheMaxItems = items
		}
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		config.Store.Backend = v
	}
	if v := os.Getenv("STORE_S3_BUCKET"); v != "" {
		config.Store.S3.Bucket = v
	}
	if v := os.Getenv("STORE_S3_PREFIX"); v != "" {
		config.Store.S3.Prefix = v
	}
	if v := os.Getenv("STORE_S3_REGION"); v != "" {
		config.Store.S3.Region = v
	}
	if v := os.Getenv("STORE_S3_ENDPOINT"); v != "" {
		config.Store.S3.Endpoint = v
	}
	if v := os.Getenv("STORE_S3_USE_PATH_STYLE"); v != "" {
		config.Store.S3.UsePathStyle = v == "true" || v == "1"
	}
	if v := os.Getenv("STORE_S3_ACCESS_KEY"); v != "" {
		config.Store.S3.AccessKey = v
	}
	if v := os.Getenv("STORE_S3_SECRET_KEY"); v != "" {
		config.Store.S3.SecretKey = v
	}
	if v := os.Getenv("AUDIT_MAX_EVENTS"); v != "" {
		var maxEvents int
		if _, err := fmt.Sscanf(v, "%d", &maxEvents); err == nil && maxEvents > 0 {
			config.Audit.MaxEvents = maxEvents
		}
	}
	if v := os.Getenv("DIAGNOSTICS_ENABLED"); v != "" {
		config.Diagnostics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DIAGNOSTICS_LISTEN_ADDR"); v != "" {
		config.Diagnostics.ListenAddr = v
	}
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		config.Tracing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TRACING_SERVICE_NAME"); v != "" {
		config.Tracing.ServiceName = v
	}
	if v := os.Getenv("TRACING_SERVICE_VERSION"); v != "" {
		config.Tracing.ServiceVersion = v
	}
	if v := os.Getenv("TRACING_EXPORTER"); v != "" {
		config.Tracing.Exporter = v
	}
	if v := os.Getenv("TRACING_JAEGER_ENDPOINT"); v != "" {
		config.Tracing.JaegerEndpoint = v
	}
	if v := os.Getenv("TRACING_OTLP_ENDPOINT"); v != "" {
		config.Tracing.OtlpEndpoint = v
	}
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		var ratio float64
		if _, err := fmt.Sscanf(v, "%f", &ratio); err == nil && ratio >= 0 && ratio <= 1 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	if v := os.Getenv("TRACING_REDACT_SENSITIVE"); v != "" {
		config.Tracing.RedactSensitive = v == "true" || v == "1"
	}
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	switch c.Encryption.Provider.Backend {
	case "rawkey":
	case "mock":
		if c.Encryption.Provider.KeyID == "" {
			return fmt.Errorf("mock provider requires a key id")
		}
	case "kms":
		if c.Encryption.Provider.KeyID == "" {
			return fmt.Errorf("kms provider requires a key id")
		}
	default:
		return fmt.Errorf("invalid provider backend: %s", c.Encryption.Provider.Backend)
	}

	if c.Encryption.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.Encryption.ChunkSize)
	}

	switch c.Store.Backend {
	case "memory":
	case "s3":
		if c.Store.S3.Bucket == "" {
			return fmt.Errorf("s3 store requires a bucket")
		}
	default:
		return fmt.Errorf("invalid store backend: %s", c.Store.Backend)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "stdout", "jaeger", "otlp":
		default:
			return fmt.Errorf("invalid tracing exporter: %s", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
			return fmt.Errorf("sampling ratio must be between 0.0 and 1.0, got %f", c.Tracing.SamplingRatio)
		}
	}

	return nil
}
