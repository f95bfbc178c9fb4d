package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "value")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "oops")
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_BAD_BOOL", "oops")
	t.Setenv("TEST_EMPTY", "")

	assert.Equal(t, "value", EnvOrDefault("TEST_STR", "fallback"))
	assert.Equal(t, "fallback", EnvOrDefault("TEST_EMPTY", "fallback"))
	assert.Equal(t, "fallback", EnvOrDefault("TEST_MISSING_STR", "fallback"))

	assert.Equal(t, 42, EnvIntOrDefault("TEST_INT", 0))
	assert.Equal(t, 7, EnvIntOrDefault("TEST_BAD_INT", 7))
	assert.Equal(t, 7, EnvIntOrDefault("TEST_MISSING_INT", 7))

	assert.True(t, EnvBoolOrDefault("TEST_BOOL", false))
	assert.True(t, EnvBoolOrDefault("TEST_BAD_BOOL", true))
	assert.False(t, EnvBoolOrDefault("TEST_MISSING_BOOL", false))
}
