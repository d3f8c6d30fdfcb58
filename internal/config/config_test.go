package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		mut  func(c *Config)
	}{
		{"zero max hypotheses", func(c *Config) { c.MaxHypotheses = 0 }},
		{"negative max iterations", func(c *Config) { c.MaxIterations = -1 }},
		{"negative mutation budget", func(c *Config) { c.MaxMutationsPerSession = -1 }},
		{"negative cooldown", func(c *Config) { c.CriticalCooldown = -1 }},
		{"zero agent iterations", func(c *Config) { c.MaxAgentIterations = 0 }},
		{"zero context threshold", func(c *Config) { c.ContextThresholdTokens = 0 }},
		{"zero max checkpoints", func(c *Config) { c.MaxCheckpointsPerInvestigation = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mut(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
