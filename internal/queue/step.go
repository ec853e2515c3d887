package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/msageha/taskrouter/internal/model"
)

// Step is one escalation level of a precision queue. Its associated agent
// set is recomputed off the matching path and read under a lock.
type Step struct {
	Expression model.Expression
	Timeout    time.Duration

	mu     sync.RWMutex
	agents []string
	index  map[string]bool
}

func newStep(cfg model.StepConfig) *Step {
	return &Step{
		Expression: cfg.Expression,
		Timeout:    time.Duration(cfg.TimeoutSec) * time.Second,
		index:      make(map[string]bool),
	}
}

// Agents returns the associated agent ids in id order.
func (s *Step) Agents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.agents...)
}

func (s *Step) Associated(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index[agentID]
}

func (s *Step) setAgents(ids []string) {
	sort.Strings(ids)
	index := make(map[string]bool, len(ids))
	for _, id := range ids {
		index[id] = true
	}
	s.mu.Lock()
	s.agents = ids
	s.index = index
	s.mu.Unlock()
}
