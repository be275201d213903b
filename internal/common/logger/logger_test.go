package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/edgecomet/pagerender/internal/common/configtypes"
)

func fileConfig(path, level, format string) configtypes.LogConfig {
	return configtypes.LogConfig{
		Level: level,
		File: configtypes.FileLogConfig{
			Enabled: true,
			Path:    path,
			Format:  format,
			Rotation: configtypes.RotationConfig{
				MaxSize:    10,
				MaxAge:     7,
				MaxBackups: 3,
			},
		},
	}
}

func readLog(t *testing.T, dl *DynamicLogger, path string) string {
	t.Helper()
	_ = dl.Sync()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(content)
}

func TestNewLogger_ConsoleOnly(t *testing.T) {
	dl, err := NewLogger(configtypes.LogConfig{
		Level:   "info",
		Console: configtypes.ConsoleLogConfig{Enabled: true, Format: "console"},
	})
	require.NoError(t, err)
	require.NotNil(t, dl)
	assert.NotNil(t, dl.consoleLevel)
	assert.Nil(t, dl.fileLevel)

	dl.Info("test console logging")
}

func TestNewLogger_FileJSON(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "render.log")

	dl, err := NewLogger(fileConfig(logPath, "debug", "json"))
	require.NoError(t, err)

	dl.Debug("page rendered", zap.Int("page_index", 3))

	content := readLog(t, dl, logPath)
	assert.Contains(t, content, `"msg":"page rendered"`)
	assert.Contains(t, content, `"page_index":3`)
}

func TestNewLogger_TextFormat_NoColorCodes(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "render.log")

	dl, err := NewLogger(fileConfig(logPath, "info", "text"))
	require.NoError(t, err)

	dl.Info("cache trimmed")
	dl.Warn("circuit breaker tripped")

	content := readLog(t, dl, logPath)
	assert.Contains(t, content, "INFO")
	assert.Contains(t, content, "WARN")
	assert.NotContains(t, content, "\x1b[", "text format should not contain ANSI color codes")
}

func TestNewLogger_Errors(t *testing.T) {
	tests := []struct {
		name   string
		config configtypes.LogConfig
	}{
		{
			name:   "no outputs enabled",
			config: configtypes.LogConfig{Level: "info"},
		},
		{
			name: "file enabled without path",
			config: configtypes.LogConfig{
				Level: "info",
				File:  configtypes.FileLogConfig{Enabled: true, Format: "json"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dl, err := NewLogger(tt.config)
			assert.Error(t, err)
			assert.Nil(t, dl)
		})
	}
}

func TestNewLogger_PerOutputLevels(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "render.log")
	config := fileConfig(logPath, "warn", "json")
	config.Console = configtypes.ConsoleLogConfig{Enabled: true, Format: "console", Level: "debug"}
	config.File.Level = "error"

	dl, err := NewLogger(config)
	require.NoError(t, err)

	assert.Equal(t, zapcore.DebugLevel, dl.consoleLevel.Level())
	assert.Equal(t, zapcore.ErrorLevel, dl.fileLevel.Level())
	assert.Equal(t, zapcore.DebugLevel, dl.Level())

	dl.Warn("filtered from file")
	dl.Error("written to file")

	content := readLog(t, dl, logPath)
	assert.NotContains(t, content, "filtered from file")
	assert.Contains(t, content, "written to file")
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"dpanic", zapcore.DPanicLevel},
		{"fatal", zapcore.FatalLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLogLevel(tt.input))
		})
	}
}

func TestResolveLogLevel(t *testing.T) {
	assert.Equal(t, zapcore.ErrorLevel, resolveLogLevel("error", zapcore.DebugLevel))
	assert.Equal(t, zapcore.DebugLevel, resolveLogLevel("", zapcore.DebugLevel))
}

func TestStartupOverride(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "render.log")

	dl, err := NewLoggerWithStartupOverride(fileConfig(logPath, "error", "json"))
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, dl.fileLevel.Level())

	dl.Info("starting render service")
	dl.SwitchToConfiguredLevel()
	assert.Equal(t, zapcore.ErrorLevel, dl.fileLevel.Level())

	dl.Info("after switch")

	content := readLog(t, dl, logPath)
	assert.Contains(t, content, "starting render service")
	assert.NotContains(t, content, "after switch")
}

func TestStartupOverride_VerboseLevelUnchanged(t *testing.T) {
	dl, err := NewLoggerWithStartupOverride(fileConfig(filepath.Join(t.TempDir(), "r.log"), "debug", "json"))
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, dl.fileLevel.Level())
}

func TestSetLevel(t *testing.T) {
	dl, err := NewLogger(fileConfig(filepath.Join(t.TempDir(), "r.log"), "info", "json"))
	require.NoError(t, err)

	require.NoError(t, dl.SetLevel("debug"))
	assert.Equal(t, zapcore.DebugLevel, dl.Level())

	assert.Error(t, dl.SetLevel("loud"))
	assert.Equal(t, zapcore.DebugLevel, dl.Level())
}

func TestEnsureInfoLevelForShutdown(t *testing.T) {
	dl, err := NewLogger(fileConfig(filepath.Join(t.TempDir(), "r.log"), "error", "json"))
	require.NoError(t, err)

	dl.EnsureInfoLevelForShutdown()
	assert.Equal(t, zapcore.InfoLevel, dl.fileLevel.Level())

	require.NoError(t, dl.SetLevel("debug"))
	dl.EnsureInfoLevelForShutdown()
	assert.Equal(t, zapcore.DebugLevel, dl.fileLevel.Level(), "more verbose levels are kept")
}

func TestNewDefaultLogger(t *testing.T) {
	dl, err := NewDefaultLogger()
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, dl.Level())
}
