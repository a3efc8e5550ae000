package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotNil(t, cfg)
	assert.NoError(t, cfg.Validate())
	assert.True(t, cfg.IsBootstrap())
}

func TestConfigValidation(t *testing.T) {
	withDefaults := func(mutate func(*Config)) *Config {
		c := DefaultConfig()
		mutate(c)
		return c
	}

	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:    "valid config",
			config:  DefaultConfig(),
			wantErr: false,
		},
		{
			name:    "valid bootstrap",
			config:  withDefaults(func(c *Config) { c.Bootstrap = "127.0.0.1:11108" }),
			wantErr: false,
		},
		{
			name:    "empty host",
			config:  withDefaults(func(c *Config) { c.Host = "" }),
			wantErr: true,
		},
		{
			name:    "invalid port (negative)",
			config:  withDefaults(func(c *Config) { c.Port = -1 }),
			wantErr: true,
		},
		{
			name:    "invalid port (too large)",
			config:  withDefaults(func(c *Config) { c.Port = 70000 }),
			wantErr: true,
		},
		{
			name:    "invalid HTTP port",
			config:  withDefaults(func(c *Config) { c.HTTPPort = -1 }),
			wantErr: true,
		},
		{
			name:    "invalid health port",
			config:  withDefaults(func(c *Config) { c.HealthPort = 65536 }),
			wantErr: true,
		},
		{
			name:    "bootstrap without port",
			config:  withDefaults(func(c *Config) { c.Bootstrap = "localhost" }),
			wantErr: true,
		},
		{
			name:    "zero dial timeout",
			config:  withDefaults(func(c *Config) { c.DialTimeout = 0 }),
			wantErr: true,
		},
		{
			name:    "zero request timeout",
			config:  withDefaults(func(c *Config) { c.RequestTimeout = 0 }),
			wantErr: true,
		},
		{
			name:    "tiny frame size",
			config:  withDefaults(func(c *Config) { c.MaxFrameSize = 10 }),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigFields(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 11108, cfg.Port)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 0, cfg.HealthPort)
	assert.Equal(t, 3*time.Second, cfg.DialTimeout)
	assert.Equal(t, 16<<20, cfg.MaxFrameSize)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestAddressAndBootstrap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "10.0.2.2"
	cfg.Port = 11112
	assert.Equal(t, "10.0.2.2:11112", cfg.Address())

	cfg.Bootstrap = "10.0.2.2:11108"
	assert.False(t, cfg.IsBootstrap())

	cfg.Bootstrap = cfg.Address()
	assert.True(t, cfg.IsBootstrap(), "pointing at yourself starts a ring")
}
