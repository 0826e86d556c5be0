package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	t.Run("valid anthropic key", func(t *testing.T) {
		err := v.ValidateAPIKey("sk-ant-test123", "anthropic")
		assert.NoError(t, err)
	})

	t.Run("invalid anthropic key", func(t *testing.T) {
		err := v.ValidateAPIKey("invalid-key", "anthropic")
		assert.Error(t, err)
	})

	t.Run("valid openai key", func(t *testing.T) {
		err := v.ValidateAPIKey("sk-test123", "openai")
		assert.NoError(t, err)
	})

	t.Run("invalid openai key", func(t *testing.T) {
		err := v.ValidateAPIKey("invalid-key", "openai")
		assert.Error(t, err)
	})

	t.Run("empty key", func(t *testing.T) {
		err := v.ValidateAPIKey("", "anthropic")
		assert.Error(t, err)
	})
}

func TestValidateBackend(t *testing.T) {
	v := NewValidator()

	t.Run("valid backends", func(t *testing.T) {
		backends := []string{"disabled", "memory", "file", "sqlite", "blob", "redis"}
		for _, backend := range backends {
			err := v.ValidateBackend(backend)
			assert.NoError(t, err, "backend %s should be valid", backend)
		}
	})

	t.Run("empty backend", func(t *testing.T) {
		err := v.ValidateBackend("")
		assert.NoError(t, err) // Empty selects the default
	})

	t.Run("invalid backend", func(t *testing.T) {
		err := v.ValidateBackend("mysql")
		assert.Error(t, err)
	})
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	t.Run("valid levels", func(t *testing.T) {
		levels := []string{"debug", "info", "warn", "error"}
		for _, level := range levels {
			err := v.ValidateLogLevel(level)
			assert.NoError(t, err, "level %s should be valid", level)
		}
	})

	t.Run("invalid level", func(t *testing.T) {
		err := v.ValidateLogLevel("invalid")
		assert.Error(t, err)
	})
}

func TestValidatePort(t *testing.T) {
	v := NewValidator()

	t.Run("valid port", func(t *testing.T) {
		assert.NoError(t, v.ValidatePort(8080))
	})

	t.Run("zero port", func(t *testing.T) {
		assert.Error(t, v.ValidatePort(0))
	})

	t.Run("port out of range", func(t *testing.T) {
		assert.Error(t, v.ValidatePort(70000))
	})
}

func TestValidateSchedule(t *testing.T) {
	v := NewValidator()

	t.Run("valid expression", func(t *testing.T) {
		assert.NoError(t, v.ValidateSchedule("0 3 * * *"))
	})

	t.Run("invalid expression", func(t *testing.T) {
		err := v.ValidateSchedule("every day at three")
		assert.Error(t, err)
	})

	t.Run("empty expression", func(t *testing.T) {
		assert.Error(t, v.ValidateSchedule(""))
	})
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("valid config", func(t *testing.T) {
		cfg := validTestConfig()

		errors := v.ValidateConfig(cfg)
		assert.Empty(t, errors)
	})

	t.Run("multiple errors", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.AI.Profiles[0].APIKey = "invalid-key"
		cfg.Storage.Backend = "mysql"
		cfg.Logging.Level = "invalid"

		errors := v.ValidateConfig(cfg)
		assert.NotEmpty(t, errors)
		assert.GreaterOrEqual(t, len(errors), 3)
	})

	t.Run("gateway without secret", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Gateway.SharedSecret = ""

		errors := v.ValidateConfig(cfg)
		assert.NotEmpty(t, errors)
	})
}
