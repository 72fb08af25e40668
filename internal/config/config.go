/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// FeedBackend selects the push transport for live play notifications.
type FeedBackend string

const (
	FeedNATS  FeedBackend = "nats"
	FeedRedis FeedBackend = "redis"
	FeedLocal FeedBackend = "local"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	DBBackend   DatabaseBackend
	DBDSN       string

	// Clip storage. Filesystem is used unless S3Bucket is set.
	ClipRoot        string
	ClipBaseURL     string // Public prefix for filesystem clips (e.g., https://cdn.example.com/clips)
	S3AccessKeyID   string
	S3SecretKey     string
	S3Region        string
	S3Bucket        string
	S3Endpoint      string // For S3-compatible services (MinIO, Spaces, etc.)
	S3PublicBaseURL string // Optional CDN/CloudFront URL
	S3UsePathStyle  bool   // Required for MinIO

	// Redis backs the shared clip cache and, optionally, the play feed.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheEnabled  bool

	// Live play notifications
	FeedBackend FeedBackend
	NATSURL     string

	// Speech provider (ElevenLabs)
	ElevenLabsAPIKey  string
	ElevenLabsBaseURL string
	VoiceID           string
	VoiceModelID      string
	VoiceStability    float64
	VoiceSimilarity   float64

	// Engine behaviour
	GenerationTimeout      time.Duration
	LoadTimeout            time.Duration
	BacklogTimeout         time.Duration
	MaxConsecutiveFailures int
	PrefetchDepth          int

	// Playback device
	GStreamerBin string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	ConfigFile string
}

// fileConfig is the optional YAML layer. Environment variables win over it.
type fileConfig struct {
	Environment string `yaml:"environment"`
	HTTP        struct {
		Bind string `yaml:"bind"`
		Port int    `yaml:"port"`
	} `yaml:"http"`
	Database struct {
		Backend string `yaml:"backend"`
		DSN     string `yaml:"dsn"`
	} `yaml:"database"`
	Voice struct {
		ID         string  `yaml:"id"`
		Model      string  `yaml:"model"`
		Stability  float64 `yaml:"stability"`
		Similarity float64 `yaml:"similarity_boost"`
	} `yaml:"voice"`
	Engine struct {
		GenerationTimeoutMS    int `yaml:"generation_timeout_ms"`
		LoadTimeoutMS          int `yaml:"load_timeout_ms"`
		BacklogTimeoutMS       int `yaml:"backlog_timeout_ms"`
		MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
		PrefetchDepth          int `yaml:"prefetch_depth"`
	} `yaml:"engine"`
	Feed struct {
		Backend string `yaml:"backend"`
		NATSURL string `yaml:"nats_url"`
	} `yaml:"feed"`
}

// Load reads the optional YAML file and environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	path := getEnvAny([]string{"PLAYCALL_CONFIG_FILE"}, "")
	fc, err := readFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment: getEnvAny([]string{"PLAYCALL_ENV"}, orString(fc.Environment, "development")),
		HTTPBind:    getEnvAny([]string{"PLAYCALL_HTTP_BIND"}, orString(fc.HTTP.Bind, "127.0.0.1")),
		HTTPPort:    getEnvIntAny([]string{"PLAYCALL_HTTP_PORT"}, orInt(fc.HTTP.Port, 8090)),
		DBBackend:   DatabaseBackend(getEnvAny([]string{"PLAYCALL_DB_BACKEND"}, orString(fc.Database.Backend, string(DatabaseSQLite)))),
		DBDSN:       getEnvAny([]string{"PLAYCALL_DB_DSN"}, fc.Database.DSN),

		ClipRoot:        getEnvAny([]string{"PLAYCALL_CLIP_ROOT"}, "./clips"),
		ClipBaseURL:     getEnvAny([]string{"PLAYCALL_CLIP_BASE_URL"}, ""),
		S3AccessKeyID:   getEnvAny([]string{"PLAYCALL_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretKey:     getEnvAny([]string{"PLAYCALL_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:        getEnvAny([]string{"PLAYCALL_S3_REGION", "AWS_REGION"}, "us-east-1"),
		S3Bucket:        getEnvAny([]string{"PLAYCALL_S3_BUCKET", "S3_BUCKET"}, ""),
		S3Endpoint:      getEnvAny([]string{"PLAYCALL_S3_ENDPOINT", "S3_ENDPOINT"}, ""),
		S3PublicBaseURL: getEnvAny([]string{"PLAYCALL_S3_PUBLIC_BASE_URL", "S3_PUBLIC_BASE_URL"}, ""),
		S3UsePathStyle:  getEnvBoolAny([]string{"PLAYCALL_S3_USE_PATH_STYLE", "S3_USE_PATH_STYLE"}, false),

		RedisAddr:     getEnvAny([]string{"PLAYCALL_REDIS_ADDR"}, "localhost:6379"),
		RedisPassword: getEnvAny([]string{"PLAYCALL_REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"PLAYCALL_REDIS_DB"}, 0),
		CacheEnabled:  getEnvBoolAny([]string{"PLAYCALL_CACHE_ENABLED"}, false),

		FeedBackend: FeedBackend(getEnvAny([]string{"PLAYCALL_FEED_BACKEND"}, orString(fc.Feed.Backend, string(FeedLocal)))),
		NATSURL:     getEnvAny([]string{"PLAYCALL_NATS_URL", "NATS_URL"}, orString(fc.Feed.NATSURL, "nats://localhost:4222")),

		ElevenLabsAPIKey:  getEnvAny([]string{"PLAYCALL_ELEVENLABS_API_KEY", "ELEVENLABS_API_KEY"}, ""),
		ElevenLabsBaseURL: getEnvAny([]string{"PLAYCALL_ELEVENLABS_BASE_URL"}, "https://api.elevenlabs.io/v1"),
		VoiceID:           getEnvAny([]string{"PLAYCALL_VOICE_ID", "ELEVENLABS_VOICE_ID"}, fc.Voice.ID),
		VoiceModelID:      getEnvAny([]string{"PLAYCALL_VOICE_MODEL"}, orString(fc.Voice.Model, "eleven_monolingual_v1")),
		VoiceStability:    getEnvFloatAny([]string{"PLAYCALL_VOICE_STABILITY"}, orFloat(fc.Voice.Stability, 0.5)),
		VoiceSimilarity:   getEnvFloatAny([]string{"PLAYCALL_VOICE_SIMILARITY_BOOST"}, orFloat(fc.Voice.Similarity, 0.5)),

		GenerationTimeout:      time.Duration(getEnvIntAny([]string{"PLAYCALL_GENERATION_TIMEOUT_MS"}, orInt(fc.Engine.GenerationTimeoutMS, 30000))) * time.Millisecond,
		LoadTimeout:            time.Duration(getEnvIntAny([]string{"PLAYCALL_LOAD_TIMEOUT_MS"}, orInt(fc.Engine.LoadTimeoutMS, 10000))) * time.Millisecond,
		BacklogTimeout:         time.Duration(getEnvIntAny([]string{"PLAYCALL_BACKLOG_TIMEOUT_MS"}, orInt(fc.Engine.BacklogTimeoutMS, 15000))) * time.Millisecond,
		MaxConsecutiveFailures: getEnvIntAny([]string{"PLAYCALL_MAX_CONSECUTIVE_FAILURES"}, orInt(fc.Engine.MaxConsecutiveFailures, 3)),
		PrefetchDepth:          getEnvIntAny([]string{"PLAYCALL_PREFETCH_DEPTH"}, orInt(fc.Engine.PrefetchDepth, 1)),

		GStreamerBin: getEnvAny([]string{"PLAYCALL_GSTREAMER_BIN"}, "gst-launch-1.0"),

		TracingEnabled:    getEnvBoolAny([]string{"PLAYCALL_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"PLAYCALL_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"PLAYCALL_TRACING_SAMPLE_RATE"}, 1.0),

		ConfigFile: path,
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("PLAYCALL_DB_DSN must be provided")
	}

	switch cfg.FeedBackend {
	case FeedNATS, FeedRedis, FeedLocal:
	default:
		return nil, fmt.Errorf("unsupported feed backend %q", cfg.FeedBackend)
	}

	if cfg.GenerationTimeout <= 0 || cfg.LoadTimeout <= 0 || cfg.BacklogTimeout <= 0 {
		return nil, fmt.Errorf("engine timeouts must be positive")
	}

	if cfg.MaxConsecutiveFailures < 1 {
		return nil, fmt.Errorf("PLAYCALL_MAX_CONSECUTIVE_FAILURES must be at least 1")
	}

	if cfg.PrefetchDepth < 0 {
		cfg.PrefetchDepth = 0
	}

	if strings.EqualFold(cfg.Environment, "production") {
		if cfg.ElevenLabsAPIKey == "" || cfg.VoiceID == "" {
			return nil, fmt.Errorf("PLAYCALL_ELEVENLABS_API_KEY and PLAYCALL_VOICE_ID are required in production")
		}
	}

	return cfg, nil
}

// HTTPAddr returns the bind address of the status server.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPBind, c.HTTPPort)
}

func readFile(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config file: %w", err)
	}
	return fc, nil
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func orFloat(v, def float64) float64 {
	if v != 0 {
		return v
	}
	return def
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
