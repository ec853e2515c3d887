// Package pool holds the process-wide registries of MRDs, agents and
// precision queues. Each registry is injected where needed and owns its own
// locking.
package pool

import (
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/taskrouter/internal/agent"
	"github.com/msageha/taskrouter/internal/model"
	"github.com/msageha/taskrouter/internal/queue"
)

type MRDPool struct {
	mu   sync.RWMutex
	mrds map[string]model.MRD
}

func NewMRDPool() *MRDPool {
	return &MRDPool{mrds: make(map[string]model.MRD)}
}

func (p *MRDPool) Get(id string) (model.MRD, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.mrds[id]
	return m, ok
}

func (p *MRDPool) Put(m model.MRD) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mrds[m.ID] = m
}

func (p *MRDPool) Delete(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.mrds[id]
	delete(p.mrds, id)
	return ok
}

// Map returns a copy keyed by id.
func (p *MRDPool) Map() map[string]model.MRD {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]model.MRD, len(p.mrds))
	for k, v := range p.mrds {
		out[k] = v
	}
	return out
}

func (p *MRDPool) All() []model.MRD {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.MRD, 0, len(p.mrds))
	for _, m := range p.mrds {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type AgentPool struct {
	mu     sync.RWMutex
	agents map[string]*agent.Agent
}

func NewAgentPool() *AgentPool {
	return &AgentPool{agents: make(map[string]*agent.Agent)}
}

func (p *AgentPool) Get(id string) (*agent.Agent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.agents[id]
	return a, ok
}

func (p *AgentPool) Put(a *agent.Agent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents[a.ID()] = a
}

func (p *AgentPool) Delete(id string) (*agent.Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[id]
	delete(p.agents, id)
	return a, ok
}

// All returns the agents sorted by id.
func (p *AgentPool) All() []*agent.Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*agent.Agent, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (p *AgentPool) Views() []queue.AgentView {
	all := p.All()
	out := make([]queue.AgentView, len(all))
	for i, a := range all {
		out[i] = a
	}
	return out
}

func (p *AgentPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.agents)
}

type QueuePool struct {
	mu     sync.RWMutex
	queues map[string]*queue.PrecisionQueue
	agents *AgentPool
	group  singleflight.Group
}

func NewQueuePool(agents *AgentPool) *QueuePool {
	return &QueuePool{
		queues: make(map[string]*queue.PrecisionQueue),
		agents: agents,
	}
}

func (p *QueuePool) Get(id string) (*queue.PrecisionQueue, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.queues[id]
	return q, ok
}

func (p *QueuePool) Put(q *queue.PrecisionQueue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues[q.ID] = q
}

func (p *QueuePool) Delete(id string) (*queue.PrecisionQueue, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[id]
	delete(p.queues, id)
	return q, ok
}

// All returns the queues sorted by id.
func (p *QueuePool) All() []*queue.PrecisionQueue {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*queue.PrecisionQueue, 0, len(p.queues))
	for _, q := range p.queues {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *QueuePool) ByMRD(mrdID string) []*queue.PrecisionQueue {
	var out []*queue.PrecisionQueue
	for _, q := range p.All() {
		if q.MRDID == mrdID {
			out = append(out, q)
		}
	}
	return out
}

// EvaluateSteps recomputes one queue's step associations. Concurrent calls
// for the same queue share a single evaluation.
func (p *QueuePool) EvaluateSteps(queueID string) {
	q, ok := p.Get(queueID)
	if !ok {
		return
	}
	p.group.Do(queueID, func() (interface{}, error) {
		q.EvaluateAgentsAssociatedWithSteps(p.agents.Views())
		return nil, nil
	})
}

func (p *QueuePool) EvaluateAll() {
	for _, q := range p.All() {
		p.EvaluateSteps(q.ID)
	}
}

// NotifyAgentAvailable wakes the routers of every queue on mrdID.
func (p *QueuePool) NotifyAgentAvailable(mrdID, agentID string) {
	for _, q := range p.ByMRD(mrdID) {
		q.Submit(queue.RouteEvent{Type: queue.RouteAgentAvailable, AgentID: agentID})
	}
}

// WakeAll signals every router to re-scan.
func (p *QueuePool) WakeAll() {
	for _, q := range p.All() {
		q.Submit(queue.RouteEvent{Type: queue.RouteAgentAvailable})
	}
}
