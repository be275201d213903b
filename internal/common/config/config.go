package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edgecomet/pagerender/internal/common/configtypes"
	"github.com/edgecomet/pagerender/internal/render/memwatch"
	"github.com/edgecomet/pagerender/internal/render/raster"
	"github.com/edgecomet/pagerender/internal/render/scheduler"
	"github.com/edgecomet/pagerender/pkg/types"
)

const (
	// SafetyMargin is added to render_timeout for the fasthttp read/write timeouts
	// so the server does not cut a response the engine is still producing
	SafetyMargin = 10 * time.Second

	defaultRenderTimeout    = 30 * time.Second
	defaultShutdownTimeout  = 30 * time.Second
	defaultWatchInterval    = 5 * time.Second
	defaultModeratePercent  = 80
	defaultCriticalPercent  = 92
	defaultMaxPixels        = 64 * 1024 * 1024
	defaultMaxDimension     = 16384
	defaultMemoryHeadroom   = 256 * 1024 * 1024
	defaultPageCacheLimit   = 128 * 1024 * 1024
	defaultTileCacheLimit   = 64 * 1024 * 1024
	defaultCacheFloorBytes  = 16 * 1024 * 1024
	defaultMetricsPath      = "/metrics"
	defaultMetricsNamespace = "pagerender"
)

var metricsNamespacePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RenderServiceConfig is the render-service configuration file
type RenderServiceConfig struct {
	Server      ServerConfig              `yaml:"server"`
	Redis       configtypes.RedisConfig   `yaml:"redis"`
	Scheduler   SchedulerConfig           `yaml:"scheduler"`
	Cache       CacheConfig               `yaml:"cache"`
	Renderer    RendererConfig            `yaml:"renderer"`
	MemoryWatch MemoryWatchConfig         `yaml:"memory_watch"`
	Documents   DocumentsConfig           `yaml:"documents"`
	Log         configtypes.LogConfig     `yaml:"log"`
	Metrics     configtypes.MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	ID            string         `yaml:"id"`
	Listen        string         `yaml:"listen"`
	RenderTimeout types.Duration `yaml:"render_timeout"` // per-request limit on render endpoints
}

// ServerTimeout returns the fasthttp read/write timeout
func (s *ServerConfig) ServerTimeout() time.Duration {
	return s.RenderTimeout.ToDuration() + SafetyMargin
}

type SchedulerConfig struct {
	Parallelism     int            `yaml:"parallelism"`
	ShutdownTimeout types.Duration `yaml:"shutdown_timeout"`
}

type CacheConfig struct {
	Page CacheBudgetConfig `yaml:"page"`
	Tile CacheBudgetConfig `yaml:"tile"`
}

// CacheBudgetConfig feeds bitmapcache.ComputeBudget
type CacheBudgetConfig struct {
	LimitBytes int64 `yaml:"limit_bytes"`
	FloorBytes int64 `yaml:"floor_bytes"`
}

type RendererConfig struct {
	MaxPixels           int64 `yaml:"max_pixels"`
	MaxDimension        int   `yaml:"max_dimension"`
	MemoryHeadroomBytes int64 `yaml:"memory_headroom_bytes"`
}

type MemoryWatchConfig struct {
	Enabled         bool           `yaml:"enabled"`
	Interval        types.Duration `yaml:"interval"`
	ModeratePercent float64        `yaml:"moderate_percent"`
	CriticalPercent float64        `yaml:"critical_percent"`
}

type DocumentsConfig struct {
	// Root is the only directory /documents/open may read from. Empty disables the endpoint.
	Root string `yaml:"root"`
}

// SchedulerSettings converts the scheduler section
func (cfg *RenderServiceConfig) SchedulerSettings() scheduler.Config {
	return scheduler.Config{
		Parallelism:     cfg.Scheduler.Parallelism,
		ShutdownTimeout: cfg.Scheduler.ShutdownTimeout.ToDuration(),
	}
}

// RasterSettings converts the renderer section
func (cfg *RenderServiceConfig) RasterSettings() *raster.Config {
	return &raster.Config{
		MaxPixels:           cfg.Renderer.MaxPixels,
		MaxDimension:        cfg.Renderer.MaxDimension,
		MemoryHeadroomBytes: cfg.Renderer.MemoryHeadroomBytes,
	}
}

// MemoryWatchSettings converts the memory_watch section
func (cfg *RenderServiceConfig) MemoryWatchSettings() memwatch.Config {
	return memwatch.Config{
		Interval:        cfg.MemoryWatch.Interval.ToDuration(),
		ModeratePercent: cfg.MemoryWatch.ModeratePercent,
		CriticalPercent: cfg.MemoryWatch.CriticalPercent,
	}
}

// LoadConfig reads, defaults and validates a configuration file
func LoadConfig(configPath string) (*RenderServiceConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML strictly, so misspelled keys fail instead of being ignored
func ParseConfig(data []byte) (*RenderServiceConfig, error) {
	var cfg RenderServiceConfig
	if err := unmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func unmarshalStrict(data []byte, v interface{}) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(v); err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "field") && strings.Contains(errStr, "not found") {
			return fmt.Errorf("unknown configuration field (check for typos): %w", err)
		}
		return err
	}
	return nil
}

func (cfg *RenderServiceConfig) applyDefaults() {
	// If both outputs are disabled, enable console
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = configtypes.LogLevelInfo
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = configtypes.LogFormatConsole
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = configtypes.LogFormatText
	}

	if cfg.Server.RenderTimeout == 0 {
		cfg.Server.RenderTimeout = types.Duration(defaultRenderTimeout)
	}

	if cfg.Scheduler.Parallelism == 0 {
		cfg.Scheduler.Parallelism = scheduler.DefaultParallelism
	}
	if cfg.Scheduler.ShutdownTimeout == 0 {
		cfg.Scheduler.ShutdownTimeout = types.Duration(defaultShutdownTimeout)
	}

	applyCacheDefaults(&cfg.Cache.Page, defaultPageCacheLimit)
	applyCacheDefaults(&cfg.Cache.Tile, defaultTileCacheLimit)

	if cfg.Renderer.MaxPixels == 0 {
		cfg.Renderer.MaxPixels = defaultMaxPixels
	}
	if cfg.Renderer.MaxDimension == 0 {
		cfg.Renderer.MaxDimension = defaultMaxDimension
	}
	if cfg.Renderer.MemoryHeadroomBytes == 0 {
		cfg.Renderer.MemoryHeadroomBytes = defaultMemoryHeadroom
	}

	if cfg.MemoryWatch.Interval == 0 {
		cfg.MemoryWatch.Interval = types.Duration(defaultWatchInterval)
	}
	if cfg.MemoryWatch.ModeratePercent == 0 {
		cfg.MemoryWatch.ModeratePercent = defaultModeratePercent
	}
	if cfg.MemoryWatch.CriticalPercent == 0 {
		cfg.MemoryWatch.CriticalPercent = defaultCriticalPercent
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetricsPath
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = defaultMetricsNamespace
	}
}

func applyCacheDefaults(c *CacheBudgetConfig, limit int64) {
	if c.LimitBytes == 0 {
		c.LimitBytes = limit
	}
	if c.FloorBytes == 0 {
		c.FloorBytes = defaultCacheFloorBytes
	}
}

// Validate checks configuration validity
func (cfg *RenderServiceConfig) Validate() error {
	if cfg.Server.ID == "" {
		return fmt.Errorf("server.id is required")
	}
	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	} else if err := configtypes.ValidateListen(cfg.Server.Listen); err != nil {
		return fmt.Errorf("invalid server.listen: %w", err)
	}
	if cfg.Server.RenderTimeout < 0 {
		return fmt.Errorf("server.render_timeout must be positive")
	}

	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	schedulerSettings := cfg.SchedulerSettings()
	if err := schedulerSettings.Validate(); err != nil {
		return fmt.Errorf("invalid scheduler: %w", err)
	}

	for name, c := range map[string]CacheBudgetConfig{"page": cfg.Cache.Page, "tile": cfg.Cache.Tile} {
		if c.FloorBytes < 0 {
			return fmt.Errorf("cache.%s.floor_bytes must be >= 0, got %d", name, c.FloorBytes)
		}
	}

	if err := cfg.RasterSettings().Validate(); err != nil {
		return fmt.Errorf("invalid renderer: %w", err)
	}

	if cfg.MemoryWatch.Enabled {
		settings := cfg.MemoryWatchSettings()
		if err := settings.Validate(); err != nil {
			return fmt.Errorf("invalid memory_watch: %w", err)
		}
	}

	if cfg.Documents.Root != "" {
		info, err := os.Stat(cfg.Documents.Root)
		if err != nil {
			return fmt.Errorf("invalid documents.root: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("documents.root %s is not a directory", cfg.Documents.Root)
		}
	}

	if err := validateLog(&cfg.Log); err != nil {
		return err
	}
	return validateMetrics(&cfg.Metrics, cfg.Server.Listen)
}

func validateLog(log *configtypes.LogConfig) error {
	if !configtypes.ValidLogLevels[log.Level] {
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn, error, dpanic, panic, or fatal)", log.Level)
	}
	if log.Console.Level != "" && !configtypes.ValidLogLevels[log.Console.Level] {
		return fmt.Errorf("invalid log.console.level: %s", log.Console.Level)
	}
	if log.Console.Enabled && log.Console.Format != configtypes.LogFormatJSON && log.Console.Format != configtypes.LogFormatConsole {
		return fmt.Errorf("invalid log.console.format: %s (must be json or console)", log.Console.Format)
	}

	if !log.File.Enabled {
		return nil
	}
	if log.File.Path == "" {
		return fmt.Errorf("log.file.path must be specified when file logging is enabled")
	}
	if log.File.Level != "" && !configtypes.ValidLogLevels[log.File.Level] {
		return fmt.Errorf("invalid log.file.level: %s", log.File.Level)
	}
	if log.File.Format != configtypes.LogFormatJSON && log.File.Format != configtypes.LogFormatText {
		return fmt.Errorf("invalid log.file.format: %s (must be json or text)", log.File.Format)
	}
	rotation := log.File.Rotation
	if rotation.MaxSize < 0 {
		return fmt.Errorf("log.file.rotation.max_size must be >= 0, got %d", rotation.MaxSize)
	}
	if rotation.MaxAge < 0 {
		return fmt.Errorf("log.file.rotation.max_age must be >= 0, got %d", rotation.MaxAge)
	}
	if rotation.MaxBackups < 0 {
		return fmt.Errorf("log.file.rotation.max_backups must be >= 0, got %d", rotation.MaxBackups)
	}
	return nil
}

func validateMetrics(m *configtypes.MetricsConfig, serverListen string) error {
	if !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("invalid metrics.path: %s (must start with /)", m.Path)
	}
	if !metricsNamespacePattern.MatchString(m.Namespace) {
		return fmt.Errorf("invalid metrics.namespace: %s (must match [a-zA-Z_][a-zA-Z0-9_]*)", m.Namespace)
	}
	if !m.Enabled {
		return nil
	}
	if m.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics enabled")
	}
	if err := configtypes.ValidateListen(m.Listen); err != nil {
		return fmt.Errorf("invalid metrics.listen: %w", err)
	}
	if configtypes.SamePort(m.Listen, serverListen) {
		return fmt.Errorf("metrics.listen %s must use a different port than server.listen %s", m.Listen, serverListen)
	}
	return nil
}

// GetConfigPath resolves the config file path
func GetConfigPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("config path cannot be empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path: %w", err)
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return "", fmt.Errorf("config file does not exist: %s", absPath)
	}

	return absPath, nil
}
