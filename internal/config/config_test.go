package config

import (
	"testing"
	"time"
)

func TestDefault_Values(t *testing.T) {
	c := Default()
	if c == nil {
		t.Fatal("Default() returned nil")
	}
	if c.ChannelPostRate != 20 {
		t.Errorf("ChannelPostRate = %v, want 20", c.ChannelPostRate)
	}
	if c.FreeAlertDelay != 30*time.Minute {
		t.Errorf("FreeAlertDelay = %v, want 30m", c.FreeAlertDelay)
	}
	if c.FreeDailyCap != 10 || c.PremiumDailyCap != 50 {
		t.Errorf("daily caps = %d/%d, want 10/50", c.FreeDailyCap, c.PremiumDailyCap)
	}
	if c.ScoreThreshold != 7.5 {
		t.Errorf("ScoreThreshold = %v, want 7.5", c.ScoreThreshold)
	}
	if c.SampleThreshold != 30 {
		t.Errorf("SampleThreshold = %v, want 30", c.SampleThreshold)
	}
	if c.ConfidenceThreshold != 0.6 {
		t.Errorf("ConfidenceThreshold = %v, want 0.6", c.ConfidenceThreshold)
	}
	if c.LLMTimeout != 20*time.Second {
		t.Errorf("LLMTimeout = %v, want 20s", c.LLMTimeout)
	}
}

func TestValidate_RejectsBadDeadlines(t *testing.T) {
	c := Default()
	c.StageDeadline = 5 * time.Second // shorter than the 20s LLM timeout
	if err := c.Validate(); err == nil {
		t.Fatal("Validate() accepted stage deadline shorter than LLM timeout")
	}
}

func TestValidate_RejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero fanout", func(c *Config) { c.WorkerFanout = 0 }},
		{"confidence above one", func(c *Config) { c.ConfidenceThreshold = 1.5 }},
		{"zero sample threshold", func(c *Config) { c.SampleThreshold = 0 }},
		{"zero channel rate", func(c *Config) { c.ChannelPostRate = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Errorf("Validate() accepted invalid config")
			}
		})
	}
}
