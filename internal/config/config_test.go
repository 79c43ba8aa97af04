package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis/backend/internal/core"
)

func TestDefaults(t *testing.T) {
	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, s.Port)
	assert.Equal(t, core.SeverityHigh, s.AutoSuspendSeverity)
	assert.Equal(t, time.Hour, s.MisuseWindow)
	assert.Equal(t, 5, s.MisuseThreshold)
	assert.Equal(t, int64(50000), s.MaxInputBytes)
	assert.Equal(t, 0.65, s.MLFlagThreshold)
	assert.Equal(t, 5*time.Minute, s.CooldownDuration)
	assert.Equal(t, 80.0, s.HeatThreshold)
	assert.Equal(t, 4, s.WorkerCount)
	assert.Equal(t, 10*time.Second, s.PostCheckTimeout)
	assert.Equal(t, 24*time.Hour, s.SuspensionTTL)
	assert.Equal(t, []string{"rules/default_rules.yaml"}, s.RuleFiles)
	assert.False(t, s.DegradedMode)
	assert.True(t, s.IsDevelopment())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9191")
	t.Setenv("MISUSE_WINDOW_SECONDS", "120")
	t.Setenv("RULE_FILES", "a.yaml,b.yaml")
	t.Setenv("DEGRADED_MODE", "true")
	t.Setenv("ENVIRONMENT", "production")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9191, s.Port)
	assert.Equal(t, 2*time.Minute, s.MisuseWindow)
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, s.RuleFiles)
	assert.True(t, s.DegradedMode)
	assert.False(t, s.IsDevelopment())
}

func TestInvalidSeverityRejected(t *testing.T) {
	t.Setenv("AUTO_SUSPEND_SEVERITY", "catastrophic")
	_, err := Load()
	assert.Error(t, err)
}
