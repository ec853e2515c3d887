// Package queue implements precision queues: ordered escalation steps over
// agent routing attributes plus a priority/FIFO list of queued media.
package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/msageha/taskrouter/internal/agent"
	"github.com/msageha/taskrouter/internal/model"
)

// RouteEventType names the triggers a queue's router reacts to.
type RouteEventType string

const (
	RouteNewRequest     RouteEventType = "NEW_REQUEST"
	RouteStepTimeout    RouteEventType = "STEP_TIMEOUT"
	RouteAgentAvailable RouteEventType = "AGENT_AVAILABLE"
)

type RouteEvent struct {
	Type      RouteEventType
	QueueTask *model.QueueTask
	AgentID   string
}

// Router is the per-queue matcher. It lives outside this package.
type Router interface {
	Submit(RouteEvent)
}

// AgentView is the read side of an agent needed to associate it with steps.
type AgentView interface {
	ID() string
	Attributes() map[string]string
	HasSkill(mrdID string) bool
}

type PrecisionQueue struct {
	ID    string
	Name  string
	MRDID string

	// routeMu serializes routing decisions for this queue. Lock order:
	// routeMu, then the conversation lock, then any internal mutex.
	routeMu sync.Mutex

	mu                    sync.RWMutex
	serviceLevelThreshold int
	agentOrder            string
	steps                 []*Step
	tasks                 []*model.QueueTask
	router                Router
}

func New(cfg model.QueueConfig) (*PrecisionQueue, error) {
	q := &PrecisionQueue{ID: cfg.ID}
	if err := q.Update(cfg); err != nil {
		return nil, err
	}
	return q, nil
}

// Update replaces the queue definition. Queued media keep their position;
// step pointers beyond the new last step are clamped.
func (q *PrecisionQueue) Update(cfg model.QueueConfig) error {
	if cfg.ID != q.ID {
		return fmt.Errorf("queue id mismatch: %s != %s", cfg.ID, q.ID)
	}
	if len(cfg.Steps) == 0 {
		return fmt.Errorf("queue %s: at least one step is required", cfg.ID)
	}
	steps := make([]*Step, 0, len(cfg.Steps))
	for i, sc := range cfg.Steps {
		if err := ValidateExpression(sc.Expression); err != nil {
			return fmt.Errorf("queue %s step %d: %w", cfg.ID, i, err)
		}
		steps = append(steps, newStep(sc))
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.Name = cfg.Name
	q.MRDID = cfg.MRDID
	q.serviceLevelThreshold = cfg.ServiceLevelThreshold
	q.agentOrder = cfg.AgentOrder
	q.steps = steps
	last := len(steps) - 1
	for _, qt := range q.tasks {
		if qt.CurrentStep > last {
			qt.CurrentStep = last
		}
	}
	return nil
}

func (q *PrecisionQueue) LockRouting()   { q.routeMu.Lock() }
func (q *PrecisionQueue) UnlockRouting() { q.routeMu.Unlock() }

func (q *PrecisionQueue) SetRouter(r Router) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.router = r
}

func (q *PrecisionQueue) Router() Router {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.router
}

// Submit forwards ev to the queue's router, if one is attached.
func (q *PrecisionQueue) Submit(ev RouteEvent) {
	if r := q.Router(); r != nil {
		r.Submit(ev)
	}
}

func (q *PrecisionQueue) AgentOrder() string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.agentOrder == "" {
		return model.AgentOrderLongestAvailable
	}
	return q.agentOrder
}

func (q *PrecisionQueue) ServiceLevelThreshold() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.serviceLevelThreshold
}

// Enqueue inserts qt after every entry of higher or equal priority that was
// enqueued no later. It returns false when the media is already queued.
func (q *PrecisionQueue) Enqueue(qt *model.QueueTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.tasks {
		if existing.MediaID == qt.MediaID {
			return false
		}
	}
	if last := len(q.steps) - 1; qt.CurrentStep > last {
		qt.CurrentStep = last
	}
	c := *qt
	pos := sort.Search(len(q.tasks), func(i int) bool {
		return before(&c, q.tasks[i])
	})
	q.tasks = append(q.tasks, nil)
	copy(q.tasks[pos+1:], q.tasks[pos:])
	q.tasks[pos] = &c
	return true
}

// before orders by priority descending, then enqueue time ascending.
func before(a, b *model.QueueTask) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.EnqueueTime.Before(b.EnqueueTime)
}

// Peek returns a copy of the head without removing it.
func (q *PrecisionQueue) Peek() (model.QueueTask, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if len(q.tasks) == 0 {
		return model.QueueTask{}, false
	}
	return *q.tasks[0], true
}

// Dequeue removes and returns the head.
func (q *PrecisionQueue) Dequeue() (model.QueueTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return model.QueueTask{}, false
	}
	head := *q.tasks[0]
	q.tasks = q.tasks[1:]
	return head, true
}

func (q *PrecisionQueue) Get(mediaID string) (model.QueueTask, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, qt := range q.tasks {
		if qt.MediaID == mediaID {
			return *qt, true
		}
	}
	return model.QueueTask{}, false
}

func (q *PrecisionQueue) RemoveByMediaID(mediaID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, qt := range q.tasks {
		if qt.MediaID == mediaID {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveByTaskID removes every entry of the task and returns how many.
func (q *PrecisionQueue) RemoveByTaskID(taskID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.tasks[:0]
	removed := 0
	for _, qt := range q.tasks {
		if qt.TaskID == taskID {
			removed++
			continue
		}
		kept = append(kept, qt)
	}
	for i := len(kept); i < len(q.tasks); i++ {
		q.tasks[i] = nil
	}
	q.tasks = kept
	return removed
}

func (q *PrecisionQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.tasks)
}

// Snapshot returns copies of the queued entries in routing order.
func (q *PrecisionQueue) Snapshot() []model.QueueTask {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]model.QueueTask, len(q.tasks))
	for i, qt := range q.tasks {
		out[i] = *qt
	}
	return out
}

// AdvanceStep moves a queued media to the next step. It reports the new step
// index and false when the media is absent or already on the last step.
func (q *PrecisionQueue) AdvanceStep(mediaID string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, qt := range q.tasks {
		if qt.MediaID != mediaID {
			continue
		}
		if qt.CurrentStep >= len(q.steps)-1 {
			return qt.CurrentStep, false
		}
		qt.CurrentStep++
		return qt.CurrentStep, true
	}
	return 0, false
}

// StepForElapsed returns the step a media should be on after waiting for
// elapsed since it was enqueued.
func (q *PrecisionQueue) StepForElapsed(elapsed time.Duration) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var acc time.Duration
	for i, s := range q.steps {
		if i == len(q.steps)-1 {
			return i
		}
		acc += s.Timeout
		if elapsed < acc {
			return i
		}
	}
	return 0
}

// StepStartOffset returns how long after enqueue step index starts.
func (q *PrecisionQueue) StepStartOffset(index int) time.Duration {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var acc time.Duration
	for i := 0; i < index && i < len(q.steps); i++ {
		acc += q.steps[i].Timeout
	}
	return acc
}

func (q *PrecisionQueue) Steps() []*Step {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]*Step(nil), q.steps...)
}

func (q *PrecisionQueue) StepAt(index int) *Step {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if index < 0 || index >= len(q.steps) {
		return nil
	}
	return q.steps[index]
}

// NextStep returns the step after index, or false from the last step.
func (q *PrecisionQueue) NextStep(index int) (*Step, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if index+1 >= len(q.steps) || index < 0 {
		return nil, false
	}
	return q.steps[index+1], true
}

func (q *PrecisionQueue) StepIndex(step *Step) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for i, s := range q.steps {
		if s == step {
			return i
		}
	}
	return -1
}

// IsLastStep reports whether index is the terminal escalation level, which
// carries no timeout.
func (q *PrecisionQueue) IsLastStep(index int) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return index >= len(q.steps)-1
}

// EvaluateAgentsAssociatedWithSteps recomputes every step's agent set from
// the agents holding this queue's MRD.
func (q *PrecisionQueue) EvaluateAgentsAssociatedWithSteps(agents []AgentView) {
	steps := q.Steps()
	q.mu.RLock()
	mrdID := q.MRDID
	q.mu.RUnlock()

	type view struct {
		id    string
		attrs map[string]string
	}
	views := make([]view, 0, len(agents))
	for _, a := range agents {
		if a.HasSkill(mrdID) {
			views = append(views, view{id: a.ID(), attrs: a.Attributes()})
		}
	}
	for _, s := range steps {
		ids := make([]string, 0, len(views))
		for _, v := range views {
			if Match(s.Expression, v.attrs) {
				ids = append(ids, v.id)
			}
		}
		s.setAgents(ids)
	}
}

// AgentsUpTo returns the union of the agent sets of steps 0..index.
func (q *PrecisionQueue) AgentsUpTo(index int) []string {
	seen := make(map[string]bool)
	var out []string
	for i, s := range q.Steps() {
		if i > index {
			break
		}
		for _, id := range s.Agents() {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}

// CandidateLookup returns the ordering inputs of an agent available on the
// queue's MRD.
type CandidateLookup func(agentID string) (agent.Candidate, bool)

// OrderAgentsBy returns the available agents of a step in routing order. The
// longest_available criterion sorts by ascending skill change time, then id.
func (q *PrecisionQueue) OrderAgentsBy(criteria string, stepIndex int, lookup CandidateLookup) []agent.Candidate {
	step := q.StepAt(stepIndex)
	if step == nil {
		return nil
	}
	var out []agent.Candidate
	for _, id := range step.Agents() {
		if c, ok := lookup(id); ok {
			out = append(out, c)
		}
	}
	switch criteria {
	case model.AgentOrderLongestAvailable, "":
		sort.SliceStable(out, func(i, j int) bool {
			if !out[i].ChangedAt.Equal(out[j].ChangedAt) {
				return out[i].ChangedAt.Before(out[j].ChangedAt)
			}
			return out[i].AgentID < out[j].AgentID
		})
	}
	return out
}
