package heartbeat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*types.HeartbeatConfig)
		ok     bool
	}{
		{"defaults pass", nil, true},
		{"standard cron passes", func(c *types.HeartbeatConfig) { c.CronSchedule = "*/5 * * * *" }, true},
		{"descriptor cron passes", func(c *types.HeartbeatConfig) { c.CronSchedule = "@hourly" }, true},
		{"garbage cron fails", func(c *types.HeartbeatConfig) { c.CronSchedule = "every tuesday" }, false},
		{"negative interval fails", func(c *types.HeartbeatConfig) { c.IntervalSeconds = -1 }, false},
		{"quiet hour out of range fails", func(c *types.HeartbeatConfig) { c.QuietHours.EndHour = 24 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tc.mutate != nil {
				tc.mutate(cfg)
			}
			err := ValidateConfig(cfg)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errdefs.IsValidation(err))
			}
		})
	}

	assert.True(t, errdefs.IsValidation(ValidateConfig(nil)))
}

func TestNormalizeConfigFillsDefaults(t *testing.T) {
	got := normalizeConfig(&types.HeartbeatConfig{Enabled: true})

	assert.True(t, got.Enabled)
	assert.Equal(t, DefaultIntervalSeconds, got.IntervalSeconds)
	assert.Equal(t, DefaultTopKWorkers, got.TopKWorkers)
	assert.Equal(t, DefaultMinWakeScore, got.MinWakeScore)
	assert.Equal(t, DefaultIdempotencyTTLMinutes, got.IdempotencyTTLMinutes)
	assert.Zero(t, got.JitterMaxSeconds)

	kept := normalizeConfig(&types.HeartbeatConfig{IntervalSeconds: 60, TopKWorkers: 1})
	assert.Equal(t, 60, kept.IntervalSeconds)
	assert.Equal(t, 1, kept.TopKWorkers)
}

func TestLoadConfigMissingFileMeansDisabled(t *testing.T) {
	ws, err := workspace.Init(t.TempDir(), &types.Company{CompanyID: "acme"})
	require.NoError(t, err)

	cfg, err := loadConfig(ws)
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, DefaultIntervalSeconds, cfg.IntervalSeconds)
}
