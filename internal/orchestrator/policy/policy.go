// Package policy defines configurable policy parameters for orchestrator behavior.
// This centralizes thresholds and timings so the supervisor, review protocol,
// and delegation queue can be configured and tested without a config file.
package policy

import (
	"time"

	"github.com/ShayCichocki/conclave/internal/config"
)

// Config contains all configurable policy parameters for the orchestrator.
type Config struct {
	// Supervisor timeouts and output handling
	Supervisor SupervisorPolicy

	// Review consensus caps and pacing
	Review ReviewPolicy

	// Delegation dispatch pacing
	Delegation DelegationPolicy
}

// SupervisorPolicy controls agent process supervision.
type SupervisorPolicy struct {
	// IdleTimeout fires when a run produces no output for this long.
	IdleTimeout time.Duration

	// HardTimeout fires this long after launch regardless of activity.
	HardTimeout time.Duration

	// TerminateGrace is the wait between SIGTERM and SIGKILL.
	TerminateGrace time.Duration

	// InterruptGrace is the wait after each step of the pause escalation.
	InterruptGrace time.Duration

	// DedupWindow suppresses an identical output line seen again within it.
	DedupWindow time.Duration

	// TailLines is how many trailing output lines a failure report keeps.
	TailLines int

	// MeetingTurn bounds one simulated meeting statement.
	MeetingTurn time.Duration
}

// ReviewPolicy controls the review consensus protocol.
type ReviewPolicy struct {
	// MaxRounds is the round after which review force-finalizes.
	MaxRounds int

	// HoldCapPerRound is the number of holds admitted per round across departments.
	HoldCapPerRound int

	// HoldCapPerDepartment is the number of holds admitted per department per round.
	HoldCapPerDepartment int

	// RemediationBudget is the number of remediation requests a task may make.
	RemediationBudget int

	// NextRoundDelay is the wait before an automatically scheduled round.
	NextRoundDelay time.Duration

	// PresenceTTL is how long an agent is shown as "in a meeting" after speaking.
	PresenceTTL time.Duration
}

// DelegationPolicy controls delegation dispatch.
type DelegationPolicy struct {
	// JitterMin and JitterMax bound the delay before dispatching the next subtask.
	JitterMin time.Duration
	JitterMax time.Duration
}

// Default returns the default policy configuration.
func Default() *Config {
	return FromConfig(config.Default())
}

// FromConfig derives policy from loaded configuration.
func FromConfig(cfg *config.Config) *Config {
	p := &Config{
		Supervisor: SupervisorPolicy{
			IdleTimeout:    cfg.Timeouts.Idle,
			HardTimeout:    cfg.Timeouts.Hard,
			TerminateGrace: cfg.Timeouts.TerminateGrace,
			InterruptGrace: cfg.Timeouts.InterruptGrace,
			DedupWindow:    cfg.Output.DedupWindow,
			TailLines:      cfg.Output.TailLines,
			MeetingTurn:    cfg.Timeouts.MeetingTurn,
		},
		Review: ReviewPolicy{
			MaxRounds:            cfg.Review.MaxRounds,
			HoldCapPerRound:      cfg.Review.HoldCapPerRound,
			HoldCapPerDepartment: cfg.Review.HoldCapPerDepartment,
			RemediationBudget:    cfg.Review.RemediationBudget,
			NextRoundDelay:       cfg.Review.NextRoundDelay,
			PresenceTTL:          cfg.Review.PresenceTTL,
		},
		Delegation: DelegationPolicy{
			JitterMin: cfg.Delegation.JitterMin,
			JitterMax: cfg.Delegation.JitterMax,
		},
	}
	p.Validate()
	return p
}

// Validate clamps policy values into acceptable ranges.
func (c *Config) Validate() error {
	if c.Supervisor.IdleTimeout <= 0 {
		c.Supervisor.IdleTimeout = 8 * time.Minute
	}
	if c.Supervisor.HardTimeout <= 0 {
		c.Supervisor.HardTimeout = 45 * time.Minute
	}
	if c.Supervisor.TerminateGrace <= 0 {
		c.Supervisor.TerminateGrace = 3 * time.Second
	}
	if c.Supervisor.InterruptGrace <= 0 {
		c.Supervisor.InterruptGrace = c.Supervisor.TerminateGrace
	}
	if c.Supervisor.TailLines < 1 {
		c.Supervisor.TailLines = 40
	}
	if c.Supervisor.MeetingTurn <= 0 {
		c.Supervisor.MeetingTurn = 2 * time.Minute
	}
	if c.Review.MaxRounds < 1 {
		c.Review.MaxRounds = 3
	}
	if c.Review.HoldCapPerRound < 0 {
		c.Review.HoldCapPerRound = 0
	}
	if c.Review.HoldCapPerDepartment < 0 {
		c.Review.HoldCapPerDepartment = 0
	}
	if c.Review.RemediationBudget < 0 {
		c.Review.RemediationBudget = 0
	}
	if c.Delegation.JitterMax < c.Delegation.JitterMin {
		c.Delegation.JitterMax = c.Delegation.JitterMin
	}
	return nil
}
