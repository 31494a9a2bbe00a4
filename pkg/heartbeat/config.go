package heartbeat

import (
	"github.com/robfig/cron/v3"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

// Defaults applied to unset config fields. Heartbeat stays off until a
// config with enabled=true is saved for the workspace.
const (
	DefaultIntervalSeconds       = 300
	DefaultTopKWorkers           = 3
	DefaultMinWakeScore          = 5
	DefaultDueHorizonMinutes     = 24 * 60
	DefaultStuckRunningMinutes   = 30
	DefaultOkSuppressionMinutes  = 60
	DefaultMaxAutoActionsPerTick = 3
	DefaultMaxAutoActionsPerHour = 12
	DefaultIdempotencyTTLMinutes = 24 * 60
)

// DefaultConfig returns the disabled baseline configuration.
func DefaultConfig() *types.HeartbeatConfig {
	return &types.HeartbeatConfig{
		IntervalSeconds:        DefaultIntervalSeconds,
		TopKWorkers:            DefaultTopKWorkers,
		MinWakeScore:           DefaultMinWakeScore,
		DueHorizonMinutes:      DefaultDueHorizonMinutes,
		StuckJobRunningMinutes: DefaultStuckRunningMinutes,
		OkSuppressionMinutes:   DefaultOkSuppressionMinutes,
		MaxAutoActionsPerTick:  DefaultMaxAutoActionsPerTick,
		MaxAutoActionsPerHour:  DefaultMaxAutoActionsPerHour,
		IdempotencyTTLMinutes:  DefaultIdempotencyTTLMinutes,
	}
}

// ValidateConfig rejects configs that would misbehave at tick time.
func ValidateConfig(c *types.HeartbeatConfig) error {
	if c == nil {
		return errdefs.Validationf("config is required")
	}
	if c.CronSchedule != "" {
		if _, err := cron.ParseStandard(c.CronSchedule); err != nil {
			return errdefs.Validationf("invalid cron_schedule %q: %v", c.CronSchedule, err)
		}
	}
	if c.IntervalSeconds < 0 {
		return errdefs.Validationf("interval_seconds must not be negative")
	}
	if h := c.QuietHours; h.StartHour < 0 || h.StartHour > 23 || h.EndHour < 0 || h.EndHour > 23 {
		return errdefs.Validationf("quiet_hours hours must be within 0..23")
	}
	return nil
}

// normalizeConfig fills unset numeric fields with defaults so a partial
// config.yaml behaves predictably. jitter_max_seconds is left alone:
// zero means no jitter.
func normalizeConfig(c *types.HeartbeatConfig) *types.HeartbeatConfig {
	out := *c
	if out.IntervalSeconds <= 0 {
		out.IntervalSeconds = DefaultIntervalSeconds
	}
	if out.TopKWorkers <= 0 {
		out.TopKWorkers = DefaultTopKWorkers
	}
	if out.MinWakeScore <= 0 {
		out.MinWakeScore = DefaultMinWakeScore
	}
	if out.DueHorizonMinutes <= 0 {
		out.DueHorizonMinutes = DefaultDueHorizonMinutes
	}
	if out.StuckJobRunningMinutes <= 0 {
		out.StuckJobRunningMinutes = DefaultStuckRunningMinutes
	}
	if out.OkSuppressionMinutes <= 0 {
		out.OkSuppressionMinutes = DefaultOkSuppressionMinutes
	}
	if out.JitterMaxSeconds < 0 {
		out.JitterMaxSeconds = 0
	}
	if out.MaxAutoActionsPerTick <= 0 {
		out.MaxAutoActionsPerTick = DefaultMaxAutoActionsPerTick
	}
	if out.MaxAutoActionsPerHour <= 0 {
		out.MaxAutoActionsPerHour = DefaultMaxAutoActionsPerHour
	}
	if out.IdempotencyTTLMinutes <= 0 {
		out.IdempotencyTTLMinutes = DefaultIdempotencyTTLMinutes
	}
	return &out
}

// loadConfig reads the workspace heartbeat config; a missing file means
// the disabled defaults.
func loadConfig(ws *workspace.Workspace) (*types.HeartbeatConfig, error) {
	cfg, err := ws.LoadHeartbeatConfig()
	if err != nil {
		if errdefs.IsNotFound(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}
	return normalizeConfig(cfg), nil
}
