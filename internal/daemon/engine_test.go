package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskrouter/internal/clock"
	"github.com/msageha/taskrouter/internal/events"
	"github.com/msageha/taskrouter/internal/model"
	"github.com/msageha/taskrouter/internal/offer"
	"github.com/msageha/taskrouter/internal/queue"
	"github.com/msageha/taskrouter/internal/store"
)

type recordedEvent struct {
	Type events.EventType
	Data map[string]interface{}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) Publish(et events.EventType, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Type: et, Data: data})
}

func (r *eventRecorder) ofType(et events.EventType) []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]interface{}
	for _, ev := range r.events {
		if ev.Type == et {
			out = append(out, ev.Data)
		}
	}
	return out
}

func term(attr, op, value string) model.Expression {
	return model.Expression{Term: &model.Term{Attribute: attr, Operator: op, Value: value}}
}

// testRouting has two queues: q-chat escalates from gold-tier agents to any
// English speaker after 5s, q-email takes any agent with a lang attribute.
func testRouting() *model.RoutingConfig {
	return &model.RoutingConfig{
		MRDs: []model.MRD{
			{ID: "chat", Name: "Chat", Interruptible: true, MaxRequestsPerAgent: 1, RequestTTLSec: 60},
			{ID: "email", Name: "Email", Interruptible: true, AutoJoin: true, MaxRequestsPerAgent: 2, RequestTTLSec: 30},
		},
		Agents: []model.AgentConfig{
			{ID: "a-gold", Attributes: map[string]string{"tier": "gold", "lang": "en"}, MRDs: []string{"chat"}},
			{ID: "a-en", Attributes: map[string]string{"lang": "en"}, MRDs: []string{"chat", "email"}},
		},
		Queues: []model.QueueConfig{
			{
				ID: "q-chat", Name: "Chat", MRDID: "chat",
				Steps: []model.StepConfig{
					{TimeoutSec: 5, Expression: term("tier", queue.OpEq, "gold")},
					{Expression: term("lang", queue.OpEq, "en")},
				},
			},
			{
				ID: "q-email", Name: "Email", MRDID: "email",
				Steps: []model.StepConfig{
					{Expression: term("lang", queue.OpExists, "")},
				},
			},
		},
	}
}

// stubOffer records offers and revokes. While fail is set every offer is
// refused after onOffer has run.
type stubOffer struct {
	mu      sync.Mutex
	fail    bool
	onOffer func(offer.Request)
	offers  []offer.Request
	revokes []offer.Request
}

func (s *stubOffer) Offer(_ context.Context, req offer.Request) error {
	s.mu.Lock()
	s.offers = append(s.offers, req)
	fail, hook := s.fail, s.onOffer
	s.onOffer = nil
	s.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	if fail {
		return errors.New("offer endpoint unavailable")
	}
	return nil
}

func (s *stubOffer) Revoke(_ context.Context, req offer.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokes = append(s.revokes, req)
	return nil
}

func (s *stubOffer) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *stubOffer) setOnOffer(fn func(offer.Request)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOffer = fn
}

func (s *stubOffer) counts() (offers, revokes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offers), len(s.revokes)
}

func newOfferTestEngine(t *testing.T, cfg model.Config, oc *stubOffer) *testEngine {
	t.Helper()
	return newTestEngineWithOffer(t, cfg, clock.NewFake(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)), store.NewMemoryStore(), oc)
}

type testEngine struct {
	*Engine
	clk    *clock.FakeClock
	store  *store.MemoryStore
	events *eventRecorder
}

func newTestEngine(t *testing.T, cfg model.Config) *testEngine {
	t.Helper()
	return newTestEngineWith(t, cfg, clock.NewFake(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)), store.NewMemoryStore())
}

func newTestEngineWith(t *testing.T, cfg model.Config, clk *clock.FakeClock, mem *store.MemoryStore) *testEngine {
	t.Helper()
	return newTestEngineWithOffer(t, cfg, clk, mem, nil)
}

func newTestEngineWithOffer(t *testing.T, cfg model.Config, clk *clock.FakeClock, mem *store.MemoryStore, oc offer.Client) *testEngine {
	t.Helper()
	rec := &eventRecorder{}
	e := NewEngine(EngineOptions{
		Config:   cfg,
		Clock:    clk,
		Tasks:    mem,
		Presence: mem,
		Events:   rec,
		Offer:    oc,
	})
	t.Cleanup(e.Close)
	require.NoError(t, e.ApplyRouting(testRouting()))
	return &testEngine{Engine: e, clk: clk, store: mem, events: rec}
}

// settle waits for fired timers and runs every router's scan to completion.
func (te *testEngine) settle() {
	te.scheduler.Wait()
	for i := 0; i < 2; i++ {
		te.mu.Lock()
		routers := make([]*TaskRouter, 0, len(te.routers))
		for _, r := range te.routers {
			routers = append(routers, r)
		}
		te.mu.Unlock()
		for _, r := range routers {
			r.scan()
		}
	}
}

func (te *testEngine) advance(d time.Duration) {
	te.clk.Advance(d)
	te.settle()
}

func (te *testEngine) ready(t *testing.T, agentID string) {
	t.Helper()
	for _, s := range []model.AgentState{model.AgentStateLogin, model.AgentStateNotReady, model.AgentStateReady} {
		res, err := te.AgentState().RequestState(agentID, s, model.ReasonNone)
		require.NoError(t, err)
		require.True(t, res.Changed, "transition to %s", s)
	}
}

func (te *testEngine) enqueue(t *testing.T, conv, mrd, queueID string) *model.Task {
	t.Helper()
	task, err := te.Lifecycle().EnqueueTask(context.Background(), EnqueueRequest{
		ConversationID: conv,
		MRDID:          mrd,
		QueueID:        queueID,
	})
	require.NoError(t, err)
	return task
}

func (te *testEngine) media(t *testing.T, taskID string) *model.TaskMedia {
	t.Helper()
	task, err := te.store.Find(taskID)
	require.NoError(t, err)
	require.Len(t, task.Medias, 1)
	return task.Medias[0]
}

func (te *testEngine) skill(t *testing.T, agentID, mrdID string) model.SkillState {
	t.Helper()
	a, ok := te.Agent(agentID)
	require.True(t, ok)
	s, ok := a.SkillState(mrdID)
	require.True(t, ok)
	return s
}

func (te *testEngine) queueLen(t *testing.T, id string) int {
	t.Helper()
	q, ok := te.Queue(id)
	require.True(t, ok)
	return q.Len()
}

func TestEngine_StepEscalationReachesWiderStep(t *testing.T) {
	te := newTestEngine(t, model.Config{})
	te.ready(t, "a-en")

	task := te.enqueue(t, "c1", "chat", "q-chat")
	te.settle()
	assert.Equal(t, model.MediaStateQueued, te.media(t, task.ID).State)
	assert.Equal(t, 1, te.queueLen(t, "q-chat"))

	te.advance(5 * time.Second)

	m := te.media(t, task.ID)
	assert.Equal(t, model.MediaStateReserved, m.State)
	assert.Equal(t, "a-en", m.AgentID)
	assert.Equal(t, 0, te.queueLen(t, "q-chat"))
	assert.EqualValues(t, 1, te.Counters().Snapshot().StepEscalations)
	assert.Len(t, te.events.ofType(events.EventAgentReserved), 1)
}

func TestEngine_FirstStepPreferredWhenAvailable(t *testing.T) {
	te := newTestEngine(t, model.Config{})
	te.ready(t, "a-en")
	te.ready(t, "a-gold")

	task := te.enqueue(t, "c1", "chat", "q-chat")
	te.settle()

	assert.Equal(t, "a-gold", te.media(t, task.ID).AgentID)
}

func TestEngine_CapacityOneActivatesAndFreesOnClose(t *testing.T) {
	te := newTestEngine(t, model.Config{})
	te.ready(t, "a-gold")

	first := te.enqueue(t, "c1", "chat", "q-chat")
	te.settle()
	m := te.media(t, first.ID)
	require.Equal(t, model.MediaStateReserved, m.State)

	require.NoError(t, te.Lifecycle().ActivateMedia(first.ID, m.ID))
	assert.Equal(t, model.SkillStateActive, te.skill(t, "a-gold", "chat"))

	second := te.enqueue(t, "c2", "chat", "q-chat")
	te.settle()
	assert.Equal(t, model.MediaStateQueued, te.media(t, second.ID).State)

	require.NoError(t, te.Lifecycle().CloseTask(first.ID, model.ReasonDone))
	assert.Equal(t, model.SkillStateReady, te.skill(t, "a-gold", "chat"))
	te.settle()

	m2 := te.media(t, second.ID)
	assert.Equal(t, model.MediaStateReserved, m2.State)
	assert.Equal(t, "a-gold", m2.AgentID)
}

func TestEngine_LogoutClosesActiveAndReroutesReserved(t *testing.T) {
	te := newTestEngine(t, model.Config{})
	te.ready(t, "a-en")

	first := te.enqueue(t, "c1", "email", "q-email")
	te.settle()
	m1 := te.media(t, first.ID)
	require.NoError(t, te.Lifecycle().ActivateMedia(first.ID, m1.ID))

	second := te.enqueue(t, "c2", "email", "q-email")
	te.settle()
	require.Equal(t, model.MediaStateReserved, te.media(t, second.ID).State)

	res, err := te.AgentState().RequestState("a-en", model.AgentStateLogout, model.ReasonAgentLogout)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	_, err = te.store.Find(first.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = te.store.Find(second.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	closed := te.events.ofType(events.EventTaskStateChanged)
	require.Len(t, closed, 2)
	for _, ev := range closed {
		assert.Equal(t, string(model.ReasonAgentLogout), ev["reason_code"])
	}
	assert.Equal(t, model.SkillStateLogout, te.skill(t, "a-en", "chat"))
	assert.Equal(t, model.SkillStateLogout, te.skill(t, "a-en", "email"))

	rerouted, err := te.store.FindByConversation("c2")
	require.NoError(t, err)
	require.Len(t, rerouted, 1)
	assert.Equal(t, model.MediaStateQueued, rerouted[0].Medias[0].State)
	assert.Empty(t, rerouted[0].Medias[0].StickyAgentID)
	assert.Equal(t, 1, te.queueLen(t, "q-email"))
}

func TestEngine_TTLAbandonsQueuedMedia(t *testing.T) {
	te := newTestEngine(t, model.Config{})

	task := te.enqueue(t, "c1", "email", "q-email")
	te.advance(29 * time.Second)
	_, err := te.store.Find(task.ID)
	require.NoError(t, err)

	te.advance(time.Second)

	_, err = te.store.Find(task.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Len(t, te.events.ofType(events.EventNoAgentAvailable), 1)
	closed := te.events.ofType(events.EventTaskStateChanged)
	require.Len(t, closed, 1)
	assert.Equal(t, string(model.ReasonNoAgentAvailable), closed[0]["reason_code"])
	assert.EqualValues(t, 1, te.Counters().Snapshot().Abandoned)
	assert.Equal(t, 0, te.queueLen(t, "q-email"))
	assert.Equal(t, 0, te.Scheduler().Len())
}

func TestEngine_TTLMarksReservedMediaForDeletion(t *testing.T) {
	te := newTestEngine(t, model.Config{})
	te.ready(t, "a-en")

	task := te.enqueue(t, "c1", "email", "q-email")
	te.settle()
	m := te.media(t, task.ID)
	require.Equal(t, model.MediaStateReserved, m.State)
	// Reservation stops the TTL; re-arm it to model a late expiry.
	te.ttl.Start(task, m)
	te.advance(30 * time.Second)
	assert.True(t, te.media(t, task.ID).MarkedForDeletion)

	out, err := te.Lifecycle().RejectTask(task.ID, m.ID, model.ReasonRONA)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Len(t, te.events.ofType(events.EventNoAgentAvailable), 1)
	_, err = te.store.Find(task.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEngine_RerouteLeavesNoTimersOnOldTask(t *testing.T) {
	te := newTestEngine(t, model.Config{})
	te.ready(t, "a-en")

	task := te.enqueue(t, "c1", "email", "q-email")
	te.settle()
	old := te.media(t, task.ID)

	out, err := te.Lifecycle().RejectTask(task.ID, old.ID, model.ReasonNone)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.NotEqual(t, task.ID, out.ID)

	assert.False(t, te.steps.Pending(old.ID))
	assert.False(t, te.ttl.Pending(old.ID))
	_, err = te.store.Find(task.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.EqualValues(t, 1, te.Counters().Snapshot().Reroutes)

	te.settle()
	nm := te.media(t, out.ID)
	assert.Equal(t, model.MediaStateReserved, nm.State)
	assert.Equal(t, "a-en", nm.AgentID)
	assert.False(t, te.ttl.Pending(nm.ID))
}

func TestEngine_RONAMovesAgentToNotReady(t *testing.T) {
	te := newTestEngine(t, model.Config{Routing: model.RoutingSettings{RONANotReady: true}})
	te.ready(t, "a-en")

	task := te.enqueue(t, "c1", "email", "q-email")
	te.settle()
	m := te.media(t, task.ID)

	out, err := te.Lifecycle().RejectTask(task.ID, m.ID, model.ReasonNone)
	require.NoError(t, err)
	require.NotNil(t, out)
	te.settle()

	a, _ := te.Agent("a-en")
	state, reason := a.State()
	assert.Equal(t, model.AgentStateNotReady, state)
	assert.Equal(t, model.ReasonRONA, reason)
	assert.Equal(t, model.MediaStateQueued, te.media(t, out.ID).State)
}

func TestEngine_CloseTaskLeavesNoTimers(t *testing.T) {
	te := newTestEngine(t, model.Config{})

	task := te.enqueue(t, "c1", "chat", "q-chat")
	m := te.media(t, task.ID)
	require.True(t, te.steps.Pending(m.ID))
	require.True(t, te.ttl.Pending(m.ID))

	require.NoError(t, te.Lifecycle().CloseTask(task.ID, model.ReasonCancelled))

	assert.False(t, te.steps.Pending(m.ID))
	assert.False(t, te.ttl.Pending(m.ID))
	assert.Equal(t, 0, te.queueLen(t, "q-chat"))
	assert.Equal(t, 0, te.Scheduler().Len())
	assert.ErrorIs(t, te.Lifecycle().CloseTask(task.ID, model.ReasonDone), model.ErrNotFound)
}

func TestEngine_DeferredNotReadyAppliesAfterActivation(t *testing.T) {
	te := newTestEngine(t, model.Config{})
	te.ready(t, "a-en")

	task := te.enqueue(t, "c1", "email", "q-email")
	te.settle()
	m := te.media(t, task.ID)

	res, err := te.AgentState().RequestState("a-en", model.AgentStateNotReady, model.ReasonNone)
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.False(t, res.Changed)
	assert.Equal(t, model.SkillStateNotReady, te.skill(t, "a-en", "chat"))

	require.NoError(t, te.Lifecycle().ActivateMedia(task.ID, m.ID))

	a, _ := te.Agent("a-en")
	state, _ := a.State()
	assert.Equal(t, model.AgentStateNotReady, state)
	assert.Equal(t, model.SkillStatePendingNotReady, te.skill(t, "a-en", "email"))

	require.NoError(t, te.Lifecycle().CloseTask(task.ID, model.ReasonDone))
	assert.Equal(t, model.SkillStateNotReady, te.skill(t, "a-en", "email"))
}

func TestEngine_AutoJoinReservesOnHandlingAgent(t *testing.T) {
	te := newTestEngine(t, model.Config{})
	te.ready(t, "a-en")

	task := te.enqueue(t, "c1", "chat", "q-chat")
	te.advance(5 * time.Second)
	m := te.media(t, task.ID)
	require.Equal(t, "a-en", m.AgentID)
	require.NoError(t, te.Lifecycle().ActivateMedia(task.ID, m.ID))

	joined := te.enqueue(t, "c1", "email", "q-email")
	assert.Equal(t, task.ID, joined.ID)
	em := joined.MediaByMRD("email")
	require.NotNil(t, em)
	assert.Equal(t, model.MediaStateReserved, em.State)
	assert.Equal(t, "a-en", em.AgentID)
	assert.Equal(t, 0, te.queueLen(t, "q-email"))

	_, err := te.Lifecycle().EnqueueTask(context.Background(), EnqueueRequest{ConversationID: "c1", MRDID: "email", QueueID: "q-email"})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
}

func TestEngine_ActivationForceClosesInterruptibleMedia(t *testing.T) {
	te := newTestEngine(t, model.Config{})
	te.ready(t, "a-en")

	task := te.enqueue(t, "c1", "chat", "q-chat")
	te.advance(5 * time.Second)
	chat := te.media(t, task.ID)
	require.NoError(t, te.Lifecycle().ActivateMedia(task.ID, chat.ID))

	joined := te.enqueue(t, "c1", "email", "q-email")
	email := joined.MediaByMRD("email")
	require.NoError(t, te.Lifecycle().ActivateMedia(task.ID, email.ID))

	stored, err := te.store.Find(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MediaStateClosed, stored.Media(chat.ID).State)
	assert.Equal(t, model.MediaStateActive, stored.Media(email.ID).State)
}

func TestEngine_RevokeInProcessTask(t *testing.T) {
	te := newTestEngine(t, model.Config{})

	chat := te.enqueue(t, "c1", "chat", "q-chat")
	revoked, err := te.Lifecycle().RevokeInProcessTask(context.Background(), chat.ID)
	require.NoError(t, err)
	assert.Empty(t, revoked)

	email := te.enqueue(t, "c2", "email", "q-email")
	revoked, err = te.Lifecycle().RevokeInProcessTask(context.Background(), email.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{email.Medias[0].ID}, revoked)

	_, err = te.store.Find(email.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Len(t, te.events.ofType(events.EventRevokeResource), 1)
	assert.Equal(t, 0, te.queueLen(t, "q-email"))
}

func TestEngine_CancelResource(t *testing.T) {
	te := newTestEngine(t, model.Config{})

	te.enqueue(t, "c1", "chat", "q-chat")
	n, err := te.Lifecycle().CancelResource(context.Background(), "c1", "chat", model.ReasonNone)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	closed := te.events.ofType(events.EventTaskStateChanged)
	require.Len(t, closed, 1)
	assert.Equal(t, string(model.ReasonCancelled), closed[0]["reason_code"])

	_, err = te.Lifecycle().CancelResource(context.Background(), "c1", "chat", model.ReasonNone)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEngine_AssignAgentDirect(t *testing.T) {
	te := newTestEngine(t, model.Config{})

	_, err := te.Lifecycle().AssignAgent(context.Background(), AssignRequest{ConversationID: "c1", MRDID: "chat", AgentID: "a-gold"})
	assert.ErrorIs(t, err, model.ErrAgentUnavailable)

	_, err = te.AgentState().RequestState("a-gold", model.AgentStateLogin, model.ReasonNone)
	require.NoError(t, err)

	task, err := te.Lifecycle().AssignAgent(context.Background(), AssignRequest{ConversationID: "c1", MRDID: "chat", AgentID: "a-gold"})
	require.NoError(t, err)
	m := task.Medias[0]
	assert.Equal(t, model.MediaStateReserved, m.State)
	assert.Equal(t, model.RoutingModeDirect, m.RoutingMode)
	assert.Equal(t, "a-gold", m.AgentID)

	_, err = te.Lifecycle().AssignAgent(context.Background(), AssignRequest{ConversationID: "c2", MRDID: "chat", AgentID: "a-gold"})
	assert.ErrorIs(t, err, model.ErrAgentUnavailable)

	require.NoError(t, te.Lifecycle().ActivateMedia(task.ID, m.ID))
	assert.Equal(t, model.SkillStateNotReady, te.skill(t, "a-gold", "chat"))

	out, err := te.Lifecycle().Reroute(task.ID, m.ID, model.ReasonCancelled)
	require.NoError(t, err)
	assert.Nil(t, out)
	_, err = te.store.Find(task.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEngine_ReplayRestoresWaitingWork(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	mem := store.NewMemoryStore()

	first := newTestEngineWith(t, model.Config{}, clk, mem)
	first.ready(t, "a-en")
	reserved := first.enqueue(t, "c1", "email", "q-email")
	queued := first.enqueue(t, "c2", "chat", "q-chat")
	first.settle()
	require.Equal(t, model.MediaStateReserved, first.media(t, reserved.ID).State)
	first.Close()

	clk.Advance(2 * time.Second)
	second := newTestEngineWith(t, model.Config{}, clk, mem)
	n, err := second.Replay()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rm := second.media(t, reserved.ID)
	assert.Equal(t, model.MediaStateQueued, rm.State)
	assert.Empty(t, rm.AgentID)
	assert.Equal(t, 1, second.queueLen(t, "q-email"))
	assert.Equal(t, 1, second.queueLen(t, "q-chat"))
	assert.True(t, second.ttl.Pending(rm.ID))

	qm := second.media(t, queued.ID)
	deadline, ok := second.Scheduler().Deadline(stepKey(qm.ID))
	require.True(t, ok)
	assert.True(t, qm.EnqueueTime.Add(5*time.Second).Equal(deadline))
	assert.EqualValues(t, 2, second.Counters().Snapshot().ReplayedOnStart)
}

func TestEngine_ReplayClosesLostActiveMedia(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	mem := store.NewMemoryStore()

	first := newTestEngineWith(t, model.Config{}, clk, mem)
	first.ready(t, "a-en")
	task := first.enqueue(t, "c1", "email", "q-email")
	first.settle()
	require.NoError(t, first.Lifecycle().ActivateMedia(task.ID, first.media(t, task.ID).ID))
	first.Close()

	second := newTestEngineWith(t, model.Config{}, clk, mem)
	n, err := second.Replay()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = mem.Find(task.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	closed := second.events.ofType(events.EventTaskStateChanged)
	require.Len(t, closed, 1)
	assert.Equal(t, string(model.ReasonFailover), closed[0]["reason_code"])
}

func TestEngine_ApplyRoutingRemovesQueueAndAgent(t *testing.T) {
	te := newTestEngine(t, model.Config{})
	te.ready(t, "a-en")

	queued := te.enqueue(t, "c1", "chat", "q-chat")
	reserved := te.enqueue(t, "c2", "email", "q-email")
	te.settle()
	require.Equal(t, model.MediaStateReserved, te.media(t, reserved.ID).State)

	rc := testRouting()
	rc.Queues = rc.Queues[1:]
	rc.Agents = rc.Agents[:1]
	require.NoError(t, te.ApplyRouting(rc))

	_, ok := te.Queue("q-chat")
	assert.False(t, ok)
	_, err := te.store.Find(queued.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, ok = te.Agent("a-en")
	assert.False(t, ok)
	_, err = te.store.Find(reserved.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	rerouted, err := te.store.FindByConversation("c2")
	require.NoError(t, err)
	require.Len(t, rerouted, 1)
	assert.Equal(t, model.MediaStateQueued, rerouted[0].Medias[0].State)

	var reasons []string
	for _, ev := range te.events.ofType(events.EventTaskStateChanged) {
		reasons = append(reasons, ev["reason_code"].(string))
	}
	assert.ElementsMatch(t, []string{string(model.ReasonForcedClosed), string(model.ReasonAgentLogout)}, reasons)
}

func TestEngine_StatusReport(t *testing.T) {
	te := newTestEngine(t, model.Config{})
	te.ready(t, "a-gold")
	te.enqueue(t, "c1", "email", "q-email")

	rep := te.Status(true)
	require.Len(t, rep.Agents, 2)
	assert.Equal(t, "a-en", rep.Agents[0].AgentID)
	assert.Equal(t, 1, rep.Metrics.QueueDepth["q-email"])
	assert.Equal(t, 1, rep.Metrics.Agents[string(model.AgentStateReady)])
	assert.EqualValues(t, 1, rep.Metrics.Counters.TasksEnqueued)
	for _, q := range rep.Queues {
		if q.ID == "q-email" {
			assert.Len(t, q.Entries, 1)
		}
	}
}

func TestEngine_OfferFailureLeavesMediaQueued(t *testing.T) {
	oc := &stubOffer{fail: true}
	te := newOfferTestEngine(t, model.Config{}, oc)
	te.ready(t, "a-en")

	task := te.enqueue(t, "c1", "email", "q-email")
	te.settle()

	m := te.media(t, task.ID)
	assert.Equal(t, model.MediaStateQueued, m.State)
	assert.Empty(t, m.AgentID)
	assert.False(t, m.Offer)
	assert.Equal(t, 1, te.queueLen(t, "q-email"))
	assert.True(t, te.ttl.Pending(m.ID))
	offers, _ := oc.counts()
	assert.GreaterOrEqual(t, offers, 1)
	assert.GreaterOrEqual(t, te.Counters().Snapshot().OfferFailures, int64(1))

	a, _ := te.Agent("a-en")
	_, reserved := a.Reservation()
	assert.False(t, reserved)
	assert.True(t, a.AvailableFor("email"))
	assert.Empty(t, te.events.ofType(events.EventAgentReserved))

	oc.setFail(false)
	te.settle()

	m = te.media(t, task.ID)
	assert.Equal(t, model.MediaStateReserved, m.State)
	assert.Equal(t, "a-en", m.AgentID)
	assert.True(t, m.Offer)
	assert.False(t, te.ttl.Pending(m.ID))
	assert.Equal(t, 0, te.queueLen(t, "q-email"))
}

func TestEngine_NotReadyDuringFailedOfferIsApplied(t *testing.T) {
	oc := &stubOffer{fail: true}
	te := newOfferTestEngine(t, model.Config{}, oc)
	te.ready(t, "a-en")

	var deferred bool
	oc.setOnOffer(func(offer.Request) {
		res, err := te.AgentState().RequestState("a-en", model.AgentStateNotReady, model.ReasonCode("BREAK"))
		if err == nil {
			deferred = res.Deferred
		}
	})

	task := te.enqueue(t, "c1", "email", "q-email")
	te.settle()

	assert.True(t, deferred)
	assert.Equal(t, model.MediaStateQueued, te.media(t, task.ID).State)
	a, _ := te.Agent("a-en")
	state, reason := a.State()
	assert.Equal(t, model.AgentStateNotReady, state)
	assert.Equal(t, model.ReasonCode("BREAK"), reason)
	assert.Equal(t, model.SkillStateNotReady, te.skill(t, "a-en", "email"))
	assert.Equal(t, model.SkillStateNotReady, te.skill(t, "a-en", "chat"))
	assert.False(t, a.AvailableFor("email"))
}

func TestEngine_NotReadyDuringFailedDirectOfferIsApplied(t *testing.T) {
	oc := &stubOffer{fail: true}
	te := newOfferTestEngine(t, model.Config{}, oc)
	te.ready(t, "a-gold")
	oc.setOnOffer(func(offer.Request) {
		_, _ = te.AgentState().RequestState("a-gold", model.AgentStateNotReady, model.ReasonCode("BREAK"))
	})

	_, err := te.Lifecycle().AssignAgent(context.Background(), AssignRequest{ConversationID: "c1", MRDID: "chat", AgentID: "a-gold"})
	require.Error(t, err)

	a, _ := te.Agent("a-gold")
	_, reserved := a.Reservation()
	assert.False(t, reserved)
	state, _ := a.State()
	assert.Equal(t, model.AgentStateNotReady, state)
	assert.Equal(t, model.SkillStateNotReady, te.skill(t, "a-gold", "chat"))
}

func TestEngine_RevokeOnlyForOfferedMedia(t *testing.T) {
	oc := &stubOffer{}
	te := newOfferTestEngine(t, model.Config{}, oc)

	queued := te.enqueue(t, "c2", "email", "q-email")
	n, err := te.Lifecycle().CancelResource(context.Background(), "c2", "email", model.ReasonNone)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, revokes := oc.counts()
	assert.Zero(t, revokes)
	_, err = te.store.Find(queued.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	te.ready(t, "a-en")
	task := te.enqueue(t, "c1", "email", "q-email")
	te.settle()
	m := te.media(t, task.ID)
	require.Equal(t, model.MediaStateReserved, m.State)
	assert.True(t, m.Offer)

	n, err = te.Lifecycle().CancelResource(context.Background(), "c1", "email", model.ReasonNone)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	oc.mu.Lock()
	defer oc.mu.Unlock()
	require.Len(t, oc.offers, 1)
	assert.Equal(t, "a-en", oc.offers[0].AgentID)
	require.Len(t, oc.revokes, 1)
	assert.Equal(t, m.ID, oc.revokes[0].MediaID)
	assert.Equal(t, "a-en", oc.revokes[0].AgentID)
	assert.Equal(t, string(model.ReasonCancelled), oc.revokes[0].Reason)
}

func TestEngine_RONAAgentNotReservedAgain(t *testing.T) {
	te := newTestEngine(t, model.Config{Routing: model.RoutingSettings{RONANotReady: true}})
	te.ready(t, "a-en")

	first := te.enqueue(t, "c1", "email", "q-email")
	te.settle()
	m := te.media(t, first.ID)
	require.Equal(t, model.MediaStateReserved, m.State)
	second := te.enqueue(t, "c2", "email", "q-email")
	te.settle()
	require.Equal(t, model.MediaStateQueued, te.media(t, second.ID).State)

	out, err := te.Lifecycle().RejectTask(first.ID, m.ID, model.ReasonRONA)
	require.NoError(t, err)
	require.NotNil(t, out)
	te.settle()

	a, _ := te.Agent("a-en")
	_, reserved := a.Reservation()
	assert.False(t, reserved)
	state, _ := a.State()
	assert.Equal(t, model.AgentStateNotReady, state)
	assert.Equal(t, model.MediaStateQueued, te.media(t, second.ID).State)
	assert.Equal(t, model.MediaStateQueued, te.media(t, out.ID).State)
	assert.Equal(t, 2, te.queueLen(t, "q-email"))
	assert.Len(t, te.events.ofType(events.EventAgentReserved), 1)
}

func TestEngine_StepTimeoutWaitsForRoutingLock(t *testing.T) {
	te := newTestEngine(t, model.Config{})
	task := te.enqueue(t, "c1", "chat", "q-chat")
	mediaID := task.Medias[0].ID
	q, ok := te.Queue("q-chat")
	require.True(t, ok)

	q.LockRouting()
	te.clk.Advance(5 * time.Second)
	qt, ok := q.Get(mediaID)
	require.True(t, ok)
	assert.Equal(t, 0, qt.CurrentStep)
	q.UnlockRouting()

	te.scheduler.Wait()
	qt, ok = q.Get(mediaID)
	require.True(t, ok)
	assert.Equal(t, 1, qt.CurrentStep)
}
