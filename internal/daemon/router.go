package daemon

import (
	"runtime/debug"
	"sort"
	"sync"

	"github.com/msageha/taskrouter/internal/agent"
	"github.com/msageha/taskrouter/internal/model"
	"github.com/msageha/taskrouter/internal/queue"
)

// TaskRouter matches the media of one precision queue to agents. Triggers
// are coalesced into a 1-slot signal consumed by a single scan goroutine.
type TaskRouter struct {
	*core
	queue     *queue.PrecisionQueue
	lifecycle *Lifecycle
	handlers  map[queue.RouteEventType]func(queue.RouteEvent)

	signal   chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewTaskRouter(c *core, q *queue.PrecisionQueue, lc *Lifecycle) *TaskRouter {
	r := &TaskRouter{
		core:      c,
		queue:     q,
		lifecycle: lc,
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	r.handlers = map[queue.RouteEventType]func(queue.RouteEvent){
		queue.RouteNewRequest:     r.onNewRequest,
		queue.RouteStepTimeout:    r.onWake,
		queue.RouteAgentAvailable: r.onWake,
	}
	return r
}

// Submit dispatches ev. It never blocks on a scan.
func (r *TaskRouter) Submit(ev queue.RouteEvent) {
	h, ok := r.handlers[ev.Type]
	if !ok {
		r.log(LogLevelWarn, "unknown_event queue=%s type=%s", r.queue.ID, ev.Type)
		return
	}
	h(ev)
}

// onNewRequest enqueues and starts the step timer before signalling, so the
// media is visible to the very next scan.
func (r *TaskRouter) onNewRequest(ev queue.RouteEvent) {
	if ev.QueueTask == nil {
		return
	}
	qt := *ev.QueueTask
	if !r.queue.Enqueue(&qt) {
		r.log(LogLevelDebug, "duplicate_enqueue queue=%s media=%s", r.queue.ID, qt.MediaID)
	}
	if cur, ok := r.queue.Get(qt.MediaID); ok {
		r.lifecycle.steps.Start(r.queue, cur)
	}
	r.wake()
}

func (r *TaskRouter) onWake(queue.RouteEvent) {
	r.wake()
}

func (r *TaskRouter) wake() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *TaskRouter) Start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *TaskRouter) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *TaskRouter) loop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case <-r.signal:
			r.safeScan()
		}
	}
}

func (r *TaskRouter) safeScan() {
	defer func() {
		if rec := recover(); rec != nil {
			r.log(LogLevelError, "scan_panic queue=%s panic=%v\n%s", r.queue.ID, rec, debug.Stack())
		}
	}()
	r.scan()
}

// scan routes queue heads until one cannot be placed.
func (r *TaskRouter) scan() {
	r.queue.LockRouting()
	defer r.queue.UnlockRouting()
	for {
		select {
		case <-r.done:
			return
		default:
		}
		head, ok := r.queue.Peek()
		if !ok {
			return
		}
		if !r.routeHead(head) {
			return
		}
	}
}

// routeHead tries to reserve an agent for head. It reports whether head left
// the queue, either reserved or dropped as stale.
func (r *TaskRouter) routeHead(head model.QueueTask) bool {
	r.convLocks.Lock(head.ConversationID)
	defer r.convLocks.Unlock(head.ConversationID)

	t, err := r.tasks.Find(head.TaskID)
	var m *model.TaskMedia
	if err == nil {
		m = t.Media(head.MediaID)
	}
	if m == nil || m.State != model.MediaStateQueued {
		r.queue.RemoveByMediaID(head.MediaID)
		r.lifecycle.steps.Stop(head.MediaID)
		r.counters.staleDequeued.Add(1)
		r.log(LogLevelWarn, "stale_dequeued queue=%s task=%s media=%s error=%v", r.queue.ID, head.TaskID, head.MediaID, err)
		return true
	}

	candidates := r.candidates(head, m)
	if len(candidates) == 0 {
		return false
	}
	attempts := r.config.Routing.MaxReserveAttempts
	if attempts <= 0 {
		attempts = model.DefaultMaxReserveAttempts
	}
	for i, c := range candidates {
		if i >= attempts {
			break
		}
		a, ok := r.agents.Get(c.AgentID)
		if !ok {
			continue
		}
		if !a.Reserve(refFor(t, m)) {
			r.log(LogLevelDebug, "reserve_lost queue=%s media=%s agent=%s", r.queue.ID, m.ID, a.ID())
			continue
		}
		return r.commit(t, m, a)
	}
	return false
}

// commit finishes a reservation the agent has already granted.
func (r *TaskRouter) commit(t *model.Task, m *model.TaskMedia, a *agent.Agent) bool {
	if err := m.SetMediaState(model.MediaStateReserved); err != nil {
		r.lifecycle.releaseFailed(a, m.ID)
		r.log(LogLevelError, "reserve_transition media=%s error=%v", m.ID, err)
		return false
	}
	m.AgentID = a.ID()
	if err := r.lifecycle.offerMedia(r.ctx, t, m); err != nil {
		r.lifecycle.releaseFailed(a, m.ID)
		r.log(LogLevelWarn, "offer_failed queue=%s task=%s media=%s agent=%s error=%v", r.queue.ID, t.ID, m.ID, a.ID(), err)
		return false
	}
	t.AssignedTo = a.ID()
	t.UpdatedAt = r.clock.Now().UTC()
	if err := r.tasks.Save(t); err != nil {
		r.lifecycle.releaseFailed(a, m.ID)
		r.log(LogLevelError, "save_task task=%s error=%v", t.ID, err)
		return false
	}
	r.lifecycle.steps.Stop(m.ID)
	r.lifecycle.ttl.Stop(m.ID)
	r.queue.RemoveByMediaID(m.ID)
	r.counters.reservations.Add(1)
	r.lifecycle.publishReserved(t, m, model.MediaStateQueued)
	r.log(LogLevelInfo, "reserved queue=%s task=%s media=%s agent=%s", r.queue.ID, t.ID, m.ID, a.ID())
	return true
}

// candidates returns the agents to try for head: the sticky agent alone when
// it is available, otherwise the first step in 0..current with an available
// agent, fewest active media first and then in queue order.
func (r *TaskRouter) candidates(head model.QueueTask, m *model.TaskMedia) []agent.Candidate {
	mrdID := r.queue.MRDID
	if m.StickyAgentID != "" {
		if a, ok := r.agents.Get(m.StickyAgentID); ok {
			if c, ok := a.Candidate(mrdID); ok {
				return []agent.Candidate{c}
			}
		}
	}
	lookup := func(id string) (agent.Candidate, bool) {
		a, ok := r.agents.Get(id)
		if !ok {
			return agent.Candidate{}, false
		}
		return a.Candidate(mrdID)
	}
	order := r.queue.AgentOrder()
	for i := 0; i <= head.CurrentStep; i++ {
		ordered := r.queue.OrderAgentsBy(order, i, lookup)
		if len(ordered) == 0 {
			continue
		}
		sort.SliceStable(ordered, func(a, b int) bool { return ordered[a].Active < ordered[b].Active })
		return ordered
	}
	return nil
}

func (r *TaskRouter) log(level LogLevel, format string, args ...any) {
	logf(r.logger, r.logLevel, "router", level, format, args...)
}
