package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecomet/pagerender/internal/common/configtypes"
	"github.com/edgecomet/pagerender/pkg/types"
)

const minimalYAML = `
server:
  id: "rs-1"
  listen: ":8081"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "render-service.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	docsRoot := t.TempDir()
	configYAML := `
server:
  id: "rs-test-1"
  listen: "0.0.0.0:8081"
  render_timeout: 20s

redis:
  enabled: true
  addr: "localhost:6380"
  password: "test123"
  db: 1

scheduler:
  parallelism: 4
  shutdown_timeout: 1m

cache:
  page:
    limit_bytes: 1048576
    floor_bytes: 524288
  tile:
    limit_bytes: -1

renderer:
  max_pixels: 1000000
  max_dimension: 4096
  memory_headroom_bytes: 0

memory_watch:
  enabled: true
  interval: 2s
  moderate_percent: 75
  critical_percent: 90

documents:
  root: "` + docsRoot + `"

log:
  level: "debug"
  console:
    enabled: true
    format: "json"

metrics:
  enabled: true
  listen: ":9090"
  namespace: "render_test"
`

	cfg, err := LoadConfig(writeConfig(t, configYAML))
	require.NoError(t, err)

	assert.Equal(t, "rs-test-1", cfg.Server.ID)
	assert.Equal(t, "0.0.0.0:8081", cfg.Server.Listen)
	assert.Equal(t, types.Duration(20*time.Second), cfg.Server.RenderTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ServerTimeout())

	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "localhost:6380", cfg.Redis.Addr)
	assert.Equal(t, "test123", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)

	sched := cfg.SchedulerSettings()
	assert.Equal(t, 4, sched.Parallelism)
	assert.Equal(t, time.Minute, sched.ShutdownTimeout)

	assert.Equal(t, CacheBudgetConfig{LimitBytes: 1048576, FloorBytes: 524288}, cfg.Cache.Page)
	assert.Equal(t, int64(-1), cfg.Cache.Tile.LimitBytes)
	assert.Equal(t, int64(defaultCacheFloorBytes), cfg.Cache.Tile.FloorBytes)

	raster := cfg.RasterSettings()
	assert.Equal(t, int64(1000000), raster.MaxPixels)
	assert.Equal(t, 4096, raster.MaxDimension)
	assert.Equal(t, int64(defaultMemoryHeadroom), raster.MemoryHeadroomBytes, "zero headroom takes the default")

	watch := cfg.MemoryWatchSettings()
	assert.True(t, cfg.MemoryWatch.Enabled)
	assert.Equal(t, 2*time.Second, watch.Interval)
	assert.Equal(t, 75.0, watch.ModeratePercent)
	assert.Equal(t, 90.0, watch.CriticalPercent)

	assert.Equal(t, docsRoot, cfg.Documents.Root)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Console.Format)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "render_test", cfg.Metrics.Namespace)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, types.Duration(defaultRenderTimeout), cfg.Server.RenderTimeout)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 2, cfg.Scheduler.Parallelism)
	assert.Equal(t, types.Duration(defaultShutdownTimeout), cfg.Scheduler.ShutdownTimeout)
	assert.Equal(t, int64(defaultPageCacheLimit), cfg.Cache.Page.LimitBytes)
	assert.Equal(t, int64(defaultTileCacheLimit), cfg.Cache.Tile.LimitBytes)
	assert.Equal(t, int64(defaultMaxPixels), cfg.Renderer.MaxPixels)
	assert.Equal(t, defaultMaxDimension, cfg.Renderer.MaxDimension)
	assert.False(t, cfg.MemoryWatch.Enabled)
	assert.Equal(t, types.Duration(defaultWatchInterval), cfg.MemoryWatch.Interval)
	assert.Empty(t, cfg.Documents.Root)

	assert.Equal(t, configtypes.LogLevelInfo, cfg.Log.Level)
	assert.True(t, cfg.Log.Console.Enabled)
	assert.Equal(t, configtypes.LogFormatConsole, cfg.Log.Console.Format)
	assert.Equal(t, configtypes.LogFormatText, cfg.Log.File.Format)

	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "pagerender", cfg.Metrics.Namespace)
}

func TestLoadConfig_UnknownField(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalYAML+"\nschedular:\n  parallelism: 3\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "check for typos")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestValidate(t *testing.T) {
	notADir := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(notADir, []byte("x"), 0644))

	tests := []struct {
		name    string
		extra   string
		server  string
		wantErr string
	}{
		{
			name:    "missing id",
			server:  "server:\n  listen: \":8081\"\n",
			wantErr: "server.id is required",
		},
		{
			name:    "missing listen",
			server:  "server:\n  id: rs\n",
			wantErr: "server.listen is required",
		},
		{
			name:    "bad listen",
			server:  "server:\n  id: rs\n  listen: \":99999\"\n",
			wantErr: "invalid server.listen",
		},
		{
			name:    "redis enabled without addr",
			extra:   "redis:\n  enabled: true\n",
			wantErr: "redis.addr is required",
		},
		{
			name:    "negative parallelism",
			extra:   "scheduler:\n  parallelism: -1\n",
			wantErr: "invalid scheduler",
		},
		{
			name:    "negative floor",
			extra:   "cache:\n  tile:\n    floor_bytes: -5\n",
			wantErr: "cache.tile.floor_bytes",
		},
		{
			name:    "negative max pixels",
			extra:   "renderer:\n  max_pixels: -1\n",
			wantErr: "invalid renderer",
		},
		{
			name:    "memory watch thresholds inverted",
			extra:   "memory_watch:\n  enabled: true\n  moderate_percent: 90\n  critical_percent: 85\n",
			wantErr: "invalid memory_watch",
		},
		{
			name:    "documents root missing",
			extra:   "documents:\n  root: /definitely/not/here\n",
			wantErr: "invalid documents.root",
		},
		{
			name:    "documents root is a file",
			extra:   "documents:\n  root: " + notADir + "\n",
			wantErr: "is not a directory",
		},
		{
			name:    "bad log level",
			extra:   "log:\n  level: loud\n",
			wantErr: "invalid log.level",
		},
		{
			name:    "bad console format",
			extra:   "log:\n  console:\n    enabled: true\n    format: text\n",
			wantErr: "invalid log.console.format",
		},
		{
			name:    "file without path",
			extra:   "log:\n  file:\n    enabled: true\n",
			wantErr: "log.file.path must be specified",
		},
		{
			name:    "negative rotation",
			extra:   "log:\n  file:\n    enabled: true\n    path: /tmp/x.log\n    rotation:\n      max_age: -1\n",
			wantErr: "max_age",
		},
		{
			name:    "metrics without listen",
			extra:   "metrics:\n  enabled: true\n",
			wantErr: "metrics.listen is required",
		},
		{
			name:    "metrics port collides",
			extra:   "metrics:\n  enabled: true\n  listen: \"127.0.0.1:8081\"\n",
			wantErr: "different port",
		},
		{
			name:    "metrics path",
			extra:   "metrics:\n  path: metrics\n",
			wantErr: "invalid metrics.path",
		},
		{
			name:    "metrics namespace",
			extra:   "metrics:\n  namespace: \"1bad\"\n",
			wantErr: "invalid metrics.namespace",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := tt.server
			if server == "" {
				server = strings.TrimPrefix(minimalYAML, "\n")
			}
			_, err := ParseConfig([]byte(server + tt.extra))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetConfigPath(t *testing.T) {
	path := writeConfig(t, minimalYAML)

	got, err := GetConfigPath(path)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))

	_, err = GetConfigPath("")
	assert.Error(t, err)

	_, err = GetConfigPath(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
