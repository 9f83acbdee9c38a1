// Package config loads the daemon configuration from a file and the
// environment. Zero values mean "unspecified" and are replaced by Defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AICPUSD_"

// Config holds runtime parameters for the daemon.
type Config struct {
	Addr     string `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`

	AsyncWorkers      int   `json:"async_workers" yaml:"async_workers" toml:"async_workers"`
	AsyncQueueDepth   int   `json:"async_queue_depth" yaml:"async_queue_depth" toml:"async_queue_depth"`
	GatherCacheNum    int   `json:"gather_cache_num" yaml:"gather_cache_num" toml:"gather_cache_num"`
	GatherTimeoutMs   int64 `json:"gather_timeout_ms" yaml:"gather_timeout_ms" toml:"gather_timeout_ms"`
	DispatchWorkers   int   `json:"dispatch_workers" yaml:"dispatch_workers" toml:"dispatch_workers"`
	InputPollMs       int64 `json:"input_poll_ms" yaml:"input_poll_ms" toml:"input_poll_ms"`
	HostPoolBlocks    int   `json:"host_pool_blocks" yaml:"host_pool_blocks" toml:"host_pool_blocks"`
	HostPoolBlockSize int   `json:"host_pool_block_size" yaml:"host_pool_block_size" toml:"host_pool_block_size"`
	HasThread         bool  `json:"has_thread" yaml:"has_thread" toml:"has_thread"`
	AbnormalBreak     bool  `json:"abnormal_break" yaml:"abnormal_break" toml:"abnormal_break"`
	AbnormalEnqueue   bool  `json:"abnormal_enqueue" yaml:"abnormal_enqueue" toml:"abnormal_enqueue"`
	AbnormalEnabled   bool  `json:"abnormal_enabled" yaml:"abnormal_enabled" toml:"abnormal_enabled"`

	QueueBackend string `json:"queue_backend" yaml:"queue_backend" toml:"queue_backend"`
	QueueDepth   int    `json:"queue_depth" yaml:"queue_depth" toml:"queue_depth"`
	RedisAddr    string `json:"redis_addr" yaml:"redis_addr" toml:"redis_addr"`
	RedisPrefix  string `json:"redis_prefix" yaml:"redis_prefix" toml:"redis_prefix"`

	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
	CORSAllowedMethods []string `json:"cors_allowed_methods" yaml:"cors_allowed_methods" toml:"cors_allowed_methods"`
	CORSAllowedHeaders []string `json:"cors_allowed_headers" yaml:"cors_allowed_headers" toml:"cors_allowed_headers"`
	MaxBodyBytes       int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// Defaults returns the configuration used when nothing is specified.
func Defaults() Config {
	return Config{
		Addr:         ":8080",
		LogLevel:     "info",
		QueueBackend: "memory",
		RedisAddr:    "127.0.0.1:6379",
		RedisPrefix:  "aicpusd",
		MaxBodyBytes: 1 << 20,
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Merge fills the zero fields of c from base.
func (c Config) Merge(base Config) Config {
	out := c
	if out.Addr == "" {
		out.Addr = base.Addr
	}
	if out.LogLevel == "" {
		out.LogLevel = base.LogLevel
	}
	if out.QueueBackend == "" {
		out.QueueBackend = base.QueueBackend
	}
	if out.RedisAddr == "" {
		out.RedisAddr = base.RedisAddr
	}
	if out.RedisPrefix == "" {
		out.RedisPrefix = base.RedisPrefix
	}
	if out.MaxBodyBytes == 0 {
		out.MaxBodyBytes = base.MaxBodyBytes
	}
	if out.AsyncWorkers == 0 {
		out.AsyncWorkers = base.AsyncWorkers
	}
	if out.AsyncQueueDepth == 0 {
		out.AsyncQueueDepth = base.AsyncQueueDepth
	}
	if out.GatherCacheNum == 0 {
		out.GatherCacheNum = base.GatherCacheNum
	}
	if out.GatherTimeoutMs == 0 {
		out.GatherTimeoutMs = base.GatherTimeoutMs
	}
	if out.DispatchWorkers == 0 {
		out.DispatchWorkers = base.DispatchWorkers
	}
	if out.InputPollMs == 0 {
		out.InputPollMs = base.InputPollMs
	}
	if out.HostPoolBlocks == 0 {
		out.HostPoolBlocks = base.HostPoolBlocks
	}
	if out.HostPoolBlockSize == 0 {
		out.HostPoolBlockSize = base.HostPoolBlockSize
	}
	if out.QueueDepth == 0 {
		out.QueueDepth = base.QueueDepth
	}
	if len(out.CORSAllowedOrigins) == 0 {
		out.CORSAllowedOrigins = base.CORSAllowedOrigins
	}
	if len(out.CORSAllowedMethods) == 0 {
		out.CORSAllowedMethods = base.CORSAllowedMethods
	}
	if len(out.CORSAllowedHeaders) == 0 {
		out.CORSAllowedHeaders = base.CORSAllowedHeaders
	}
	out.HasThread = out.HasThread || base.HasThread
	out.AbnormalBreak = out.AbnormalBreak || base.AbnormalBreak
	out.AbnormalEnqueue = out.AbnormalEnqueue || base.AbnormalEnqueue
	out.AbnormalEnabled = out.AbnormalEnabled || base.AbnormalEnabled
	out.CORSEnabled = out.CORSEnabled || base.CORSEnabled
	return out
}

// Validate rejects values the daemon cannot run with.
func (c Config) Validate() error {
	switch c.QueueBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown queue backend %q (want memory|redis)", c.QueueBackend)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	if c.AsyncWorkers < 0 || c.AsyncQueueDepth < 0 || c.GatherCacheNum < 0 || c.DispatchWorkers < 0 {
		return fmt.Errorf("worker and queue sizes must not be negative")
	}
	if c.GatherTimeoutMs < 0 || c.InputPollMs < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// FromEnv reads the AICPUSD_* overrides. Unset or malformed variables leave
// the field zero.
func FromEnv(getenv func(string) string) Config {
	e := env{getenv: getenv}
	return Config{
		Addr:               e.str("ADDR"),
		LogLevel:           e.str("LOG_LEVEL"),
		AsyncWorkers:       e.int("ASYNC_WORKERS"),
		AsyncQueueDepth:    e.int("ASYNC_QUEUE_DEPTH"),
		GatherCacheNum:     e.int("GATHER_CACHE_NUM"),
		GatherTimeoutMs:    int64(e.int("GATHER_TIMEOUT_MS")),
		DispatchWorkers:    e.int("DISPATCH_WORKERS"),
		InputPollMs:        int64(e.int("INPUT_POLL_MS")),
		HostPoolBlocks:     e.int("HOST_POOL_BLOCKS"),
		HostPoolBlockSize:  e.int("HOST_POOL_BLOCK_SIZE"),
		HasThread:          e.bool("HAS_THREAD"),
		AbnormalBreak:      e.bool("ABNORMAL_BREAK"),
		AbnormalEnqueue:    e.bool("ABNORMAL_ENQUEUE"),
		AbnormalEnabled:    e.bool("ABNORMAL_ENABLED"),
		QueueBackend:       e.str("QUEUE_BACKEND"),
		QueueDepth:         e.int("QUEUE_DEPTH"),
		RedisAddr:          e.str("REDIS_ADDR"),
		RedisPrefix:        e.str("REDIS_PREFIX"),
		CORSEnabled:        e.bool("CORS_ENABLED"),
		CORSAllowedOrigins: SplitCSV(e.str("CORS_ALLOWED_ORIGINS")),
		CORSAllowedMethods: SplitCSV(e.str("CORS_ALLOWED_METHODS")),
		CORSAllowedHeaders: SplitCSV(e.str("CORS_ALLOWED_HEADERS")),
		MaxBodyBytes:       int64(e.int("MAX_BODY_BYTES")),
	}
}

type env struct{ getenv func(string) string }

func (e env) str(key string) string { return strings.TrimSpace(e.getenv(EnvPrefix + key)) }

func (e env) int(key string) int {
	n, err := strconv.Atoi(e.str(key))
	if err != nil {
		return 0
	}
	return n
}

func (e env) bool(key string) bool {
	s := strings.ToLower(e.str(key))
	return s == "1" || s == "true" || s == "yes"
}

// SplitCSV splits a comma separated list, dropping empty items.
func SplitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
