package models

import "time"

// AgentRole is an agent's position within its department.
type AgentRole string

const (
	// RoleLeader represents the department in consensus meetings.
	RoleLeader AgentRole = "team_leader"
	// RoleMember is a regular department member.
	RoleMember AgentRole = "member"
)

// Agent is a simulated department member backed by a provider.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id" yaml:"id"`
	// Name is the display name used in transcripts.
	Name string `json:"name" yaml:"name"`
	// DepartmentID is the department the agent belongs to.
	DepartmentID string `json:"department_id" yaml:"department"`
	// Role is the agent's position in the department.
	Role AgentRole `json:"role" yaml:"role"`
	// Provider is the execution backend for this agent.
	Provider Provider `json:"provider" yaml:"provider"`
}

// IsLeader reports whether the agent leads its department.
func (a *Agent) IsLeader() bool {
	return a.Role == RoleLeader
}

// Department is an organizational unit with one leader.
type Department struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	// Planning marks the department whose leader chairs meetings.
	Planning bool `json:"planning,omitempty" yaml:"planning"`
	// Keywords relate task text to this department.
	Keywords []string `json:"keywords,omitempty" yaml:"keywords"`
}

// ExecutionSession gives repeated runs of one task a stable identity.
type ExecutionSession struct {
	SessionID string    `json:"session_id"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	Provider  Provider  `json:"provider"`
	OpenedAt  time.Time `json:"opened_at"`
	// Runs counts how many supervised runs have used the session.
	Runs int `json:"runs"`
}
