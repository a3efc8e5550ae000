package pkg

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(t *testing.T) *Config
	}{
		{
			name: "default config",
			cfg:  func(t *testing.T) *Config { return nil },
		},
		{
			name: "console format",
			cfg: func(t *testing.T) *Config {
				c := DefaultConfig()
				c.Format = LogFormatConsole
				c.Console.NoColor = true
				return c
			},
		},
		{
			name: "stderr output",
			cfg: func(t *testing.T) *Config {
				c := DefaultConfig()
				c.Console.Output = "stderr"
				c.Level = "warn"
				return c
			},
		},
		{
			name: "no output",
			cfg: func(t *testing.T) *Config {
				c := DefaultConfig()
				c.Console.Enable = false
				return c
			},
		},
		{
			name: "invalid level falls back to info",
			cfg: func(t *testing.T) *Config {
				c := DefaultConfig()
				c.Level = "invalid"
				c.Console.Enable = false
				return c
			},
		},
		{
			name: "async writer",
			cfg: func(t *testing.T) *Config {
				c := DefaultConfig()
				c.Console.Enable = false
				c.AsyncWrite = true
				c.BufferSize = 16
				return c
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg(t))
			require.NoError(t, err)
			require.NotNil(t, logger)
			logger.Info().Str("test", tt.name).Msg("logger created")
			assert.NoError(t, logger.Close())
		})
	}
}

func TestLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "node.log")

	cfg := DefaultConfig()
	cfg.Console.Enable = false
	cfg.File.Enable = true
	cfg.File.Path = path

	logger, err := New(cfg)
	require.NoError(t, err)

	logger.Info().Str("key", "value").Msg("written to file")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Contains(t, string(data), `"key":"value"`)
}

func TestLoggerWithFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Console.Enable = false
	cfg.Fields = Fields{"service": "simpledht"}

	logger, err := New(cfg)
	require.NoError(t, err)

	child := logger.WithFields(Fields{"component": "router"})
	assert.Equal(t, Fields{"service": "simpledht", "component": "router"}, child.Fields())

	// Parent is untouched
	assert.Equal(t, Fields{"service": "simpledht"}, logger.Fields())

	withErr := child.WithError(errors.New("boom"))
	fields := withErr.Fields()
	assert.Equal(t, "boom", fields["error"])
	assert.Equal(t, "*errors.errorString", fields["error_type"])

	assert.Same(t, child, child.WithError(nil))
}

func TestLoggerUpdateLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Console.Enable = false

	logger, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, logger.UpdateLevel("debug"))
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())

	assert.Error(t, logger.UpdateLevel("nope"))
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())
}

func TestNewNop(t *testing.T) {
	logger := NewNop()
	require.NotNil(t, logger)
	logger.Error().Msg("discarded")
	assert.NoError(t, logger.Close())
}
