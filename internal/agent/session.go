package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/conclave/pkg/models"
)

// SessionRegistry tracks the execution session of each task. A session is
// kept across runs while the agent and provider stay the same, so prompts
// can declare continuity.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*models.ExecutionSession
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*models.ExecutionSession)}
}

// Open returns the task's session for agentID/provider, creating one if
// none exists or rotating it if the agent or provider changed. rotated is
// true when a previous session was replaced.
func (r *SessionRegistry) Open(taskID, agentID string, provider models.Provider) (session models.ExecutionSession, rotated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[taskID]; ok {
		if s.AgentID == agentID && s.Provider == provider {
			s.Runs++
			return *s, false
		}
		rotated = true
	}

	s := &models.ExecutionSession{
		SessionID: uuid.New().String(),
		TaskID:    taskID,
		AgentID:   agentID,
		Provider:  provider,
		OpenedAt:  time.Now(),
		Runs:      1,
	}
	r.sessions[taskID] = s
	return *s, rotated
}

// Get returns the task's current session.
func (r *SessionRegistry) Get(taskID string) (models.ExecutionSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[taskID]
	if !ok {
		return models.ExecutionSession{}, false
	}
	return *s, true
}

// Close drops the task's session.
func (r *SessionRegistry) Close(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, taskID)
}

// Len returns the number of open sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
