package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/msageha/taskrouter/internal/agent"
	"github.com/msageha/taskrouter/internal/clock"
	"github.com/msageha/taskrouter/internal/events"
	"github.com/msageha/taskrouter/internal/lock"
	"github.com/msageha/taskrouter/internal/model"
	"github.com/msageha/taskrouter/internal/offer"
	"github.com/msageha/taskrouter/internal/pool"
	"github.com/msageha/taskrouter/internal/queue"
	"github.com/msageha/taskrouter/internal/store"
	"github.com/msageha/taskrouter/internal/timer"
)

// EngineOptions carries the collaborators of the routing engine.
type EngineOptions struct {
	Config   model.Config
	Clock    clock.Clock
	Tasks    store.TaskRepository
	Presence store.PresenceStore
	Events   events.Publisher
	Offer    offer.Client
	Logger   *log.Logger
}

// core is the state shared by every routing component.
type core struct {
	config    model.Config
	clock     clock.Clock
	mrds      *pool.MRDPool
	agents    *pool.AgentPool
	queues    *pool.QueuePool
	tasks     store.TaskRepository
	presence  store.PresenceStore
	events    events.Publisher
	offer     offer.Client
	convLocks *lock.MutexMap
	scheduler *timer.Scheduler
	counters  *Counters
	logger    *log.Logger
	logLevel  LogLevel
	ctx       context.Context
}

// Engine owns the routing components and the per-queue routers.
type Engine struct {
	*core
	lifecycle  *Lifecycle
	agentState *AgentStateService
	steps      *StepTimer
	ttl        *TTLTimer

	refMu   sync.Mutex
	mu      sync.Mutex
	routers map[string]*TaskRouter

	cancel    context.CancelFunc
	startedAt time.Time
	closeOnce sync.Once
}

func NewEngine(opts EngineOptions) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Tasks == nil || opts.Presence == nil {
		mem := store.NewMemoryStore()
		if opts.Tasks == nil {
			opts.Tasks = mem
		}
		if opts.Presence == nil {
			opts.Presence = mem
		}
	}
	if opts.Events == nil {
		opts.Events = events.NewBus(0)
	}
	if opts.Offer == nil {
		opts.Offer = offer.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	shards := opts.Config.Routing.ConversationLockShards
	if shards <= 0 {
		shards = model.DefaultConversationLockShards
	}

	ctx, cancel := context.WithCancel(context.Background())
	agents := pool.NewAgentPool()
	c := &core{
		config:    opts.Config,
		clock:     opts.Clock,
		mrds:      pool.NewMRDPool(),
		agents:    agents,
		queues:    pool.NewQueuePool(agents),
		tasks:     opts.Tasks,
		presence:  opts.Presence,
		events:    opts.Events,
		offer:     opts.Offer,
		convLocks: lock.NewMutexMap(shards),
		scheduler: timer.NewScheduler(opts.Clock),
		counters:  &Counters{},
		logger:    opts.Logger,
		logLevel:  parseLogLevel(opts.Config.Logging.Level),
		ctx:       ctx,
	}
	c.scheduler.SetPanicHandler(func(key string, r any) {
		logf(c.logger, c.logLevel, "scheduler", LogLevelError, "timer_panic key=%s panic=%v", key, r)
	})

	e := &Engine{
		core:      c,
		routers:   make(map[string]*TaskRouter),
		cancel:    cancel,
		startedAt: opts.Clock.Now(),
	}
	e.steps = NewStepTimer(c)
	e.ttl = NewTTLTimer(c)
	e.lifecycle = NewLifecycle(c, e.steps, e.ttl)
	e.agentState = NewAgentStateService(c)
	e.agentState.SetLifecycle(e.lifecycle)
	e.lifecycle.SetAgentStateService(e.agentState)
	e.ttl.SetLifecycle(e.lifecycle)
	return e
}

func (e *Engine) Lifecycle() *Lifecycle                         { return e.lifecycle }
func (e *Engine) AgentState() *AgentStateService                { return e.agentState }
func (e *Engine) Counters() *Counters                           { return e.counters }
func (e *Engine) Scheduler() *timer.Scheduler                   { return e.scheduler }
func (e *Engine) Queue(id string) (*queue.PrecisionQueue, bool) { return e.queues.Get(id) }
func (e *Engine) Agent(id string) (*agent.Agent, bool)          { return e.agents.Get(id) }
func (e *Engine) MRD(id string) (model.MRD, bool)               { return e.mrds.Get(id) }

// ApplyRouting brings the pools in line with rc. Agents that disappear are
// logged out first; queues that disappear have their waiting media closed.
func (e *Engine) ApplyRouting(rc *model.RoutingConfig) error {
	e.refMu.Lock()
	defer e.refMu.Unlock()

	wantMRD := make(map[string]bool, len(rc.MRDs))
	for _, m := range rc.MRDs {
		wantMRD[m.ID] = true
		e.mrds.Put(m)
	}
	mrds := e.mrds.Map()
	for id := range mrds {
		if !wantMRD[id] {
			delete(mrds, id)
		}
	}

	wantAgent := make(map[string]bool, len(rc.Agents))
	for _, cfg := range rc.Agents {
		wantAgent[cfg.ID] = true
		if a, ok := e.agents.Get(cfg.ID); ok {
			a.Update(cfg, mrds)
			continue
		}
		e.agents.Put(agent.New(cfg, mrds, e.clock))
		e.log(LogLevelInfo, "agent_added agent=%s", cfg.ID)
	}
	for _, a := range e.agents.All() {
		if wantAgent[a.ID()] {
			continue
		}
		if _, err := e.agentState.RequestState(a.ID(), model.AgentStateLogout, model.ReasonAgentLogout); err != nil {
			e.log(LogLevelWarn, "agent_remove_logout agent=%s error=%v", a.ID(), err)
		}
		e.agents.Delete(a.ID())
		e.log(LogLevelInfo, "agent_removed agent=%s", a.ID())
	}

	wantQueue := make(map[string]bool, len(rc.Queues))
	for _, cfg := range rc.Queues {
		wantQueue[cfg.ID] = true
		if q, ok := e.queues.Get(cfg.ID); ok {
			if err := q.Update(cfg); err != nil {
				return fmt.Errorf("update queue %s: %w", cfg.ID, err)
			}
			continue
		}
		q, err := queue.New(cfg)
		if err != nil {
			return fmt.Errorf("create queue %s: %w", cfg.ID, err)
		}
		e.queues.Put(q)
		e.startRouter(q)
		e.log(LogLevelInfo, "queue_added queue=%s mrd=%s steps=%d", q.ID, q.MRDID, len(cfg.Steps))
	}
	for _, q := range e.queues.All() {
		if !wantQueue[q.ID] {
			e.removeQueue(q)
		}
	}

	for id := range e.mrds.Map() {
		if !wantMRD[id] {
			e.mrds.Delete(id)
		}
	}

	e.queues.EvaluateAll()
	e.queues.WakeAll()
	return nil
}

func (e *Engine) startRouter(q *queue.PrecisionQueue) {
	r := NewTaskRouter(e.core, q, e.lifecycle)
	e.mu.Lock()
	e.routers[q.ID] = r
	e.mu.Unlock()
	q.SetRouter(r)
	r.Start()
}

func (e *Engine) removeQueue(q *queue.PrecisionQueue) {
	e.queues.Delete(q.ID)
	e.mu.Lock()
	r := e.routers[q.ID]
	delete(e.routers, q.ID)
	e.mu.Unlock()
	if r != nil {
		r.Stop()
	}
	q.SetRouter(nil)

	for _, qt := range q.Snapshot() {
		if err := e.lifecycle.CloseMedia(qt.TaskID, qt.MediaID, model.ReasonForcedClosed); err != nil {
			e.log(LogLevelWarn, "queue_remove_close queue=%s media=%s error=%v", q.ID, qt.MediaID, err)
		}
	}
	e.log(LogLevelInfo, "queue_removed queue=%s", q.ID)
}

// QueueStatus is one queue's entry in a status report.
type QueueStatus struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	MRDID   string            `json:"mrd_id"`
	Depth   int               `json:"depth"`
	Entries []model.QueueTask `json:"entries,omitempty"`
}

type StatusReport struct {
	Metrics model.Metrics    `json:"metrics"`
	Agents  []model.Presence `json:"agents"`
	Queues  []QueueStatus    `json:"queues"`
}

// Status builds a point-in-time report. Queue entries are included when
// detail is set.
func (e *Engine) Status(detail bool) StatusReport {
	rep := StatusReport{
		Metrics: model.Metrics{
			QueueDepth: make(map[string]int),
			Agents:     make(map[string]int),
			Counters:   e.counters.Snapshot(),
			Timers:     e.scheduler.Len(),
			StartedAt:  e.startedAt.UTC().Format(time.RFC3339),
		},
	}
	for _, q := range e.queues.All() {
		qs := QueueStatus{ID: q.ID, Name: q.Name, MRDID: q.MRDID, Depth: q.Len()}
		if detail {
			qs.Entries = q.Snapshot()
		}
		rep.Queues = append(rep.Queues, qs)
		rep.Metrics.QueueDepth[q.ID] = qs.Depth
	}
	for _, a := range e.agents.All() {
		p := a.Presence()
		rep.Agents = append(rep.Agents, p)
		rep.Metrics.Agents[string(p.State)]++
	}
	sort.Slice(rep.Agents, func(i, j int) bool { return rep.Agents[i].AgentID < rep.Agents[j].AgentID })
	return rep
}

// Close stops the routers and timers and waits for running callbacks.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		e.mu.Lock()
		routers := make([]*TaskRouter, 0, len(e.routers))
		for _, r := range e.routers {
			routers = append(routers, r)
		}
		e.mu.Unlock()
		for _, r := range routers {
			r.Stop()
		}
		e.scheduler.Close()
		e.scheduler.Wait()
	})
}

func (e *Engine) log(level LogLevel, format string, args ...any) {
	logf(e.logger, e.logLevel, "reference", level, format, args...)
}
