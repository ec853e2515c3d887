package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskrouter/internal/agent"
	"github.com/msageha/taskrouter/internal/model"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeAgent struct {
	id     string
	attrs  map[string]string
	skills []string
}

func (f fakeAgent) ID() string                    { return f.id }
func (f fakeAgent) Attributes() map[string]string { return f.attrs }
func (f fakeAgent) HasSkill(mrdID string) bool {
	for _, s := range f.skills {
		if s == mrdID {
			return true
		}
	}
	return false
}

func chatQueueConfig() model.QueueConfig {
	return model.QueueConfig{
		ID:    "q-chat",
		Name:  "Chat Support",
		MRDID: "chat",
		Steps: []model.StepConfig{
			{TimeoutSec: 5, Expression: term("tier", OpEq, "gold")},
			{TimeoutSec: 10, Expression: term("tier", OpExists, "")},
			{Expression: term("lang", OpEq, "en")},
		},
	}
}

func newChatQueue(t *testing.T) *PrecisionQueue {
	t.Helper()
	q, err := New(chatQueueConfig())
	require.NoError(t, err)
	return q
}

func qt(media string, priority int, offset time.Duration) *model.QueueTask {
	return &model.QueueTask{
		ConversationID: "conv-" + media,
		TaskID:         "task-" + media,
		MediaID:        media,
		MRDID:          "chat",
		Priority:       priority,
		EnqueueTime:    epoch.Add(offset),
	}
}

func mediaIDs(q *PrecisionQueue) []string {
	var out []string
	for _, e := range q.Snapshot() {
		out = append(out, e.MediaID)
	}
	return out
}

func TestNew_RejectsInvalidDefinitions(t *testing.T) {
	cfg := chatQueueConfig()
	cfg.Steps = nil
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = chatQueueConfig()
	cfg.Steps[1].Expression = model.Expression{}
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestPrecisionQueue_PriorityThenFIFO(t *testing.T) {
	q := newChatQueue(t)
	require.True(t, q.Enqueue(qt("a", 1, 0)))
	require.True(t, q.Enqueue(qt("b", 5, time.Second)))
	require.True(t, q.Enqueue(qt("c", 1, -time.Second)))
	require.True(t, q.Enqueue(qt("d", 5, 2*time.Second)))
	require.True(t, q.Enqueue(qt("e", 1, 0)))
	assert.False(t, q.Enqueue(qt("a", 9, 0)), "duplicate media is rejected")

	assert.Equal(t, []string{"b", "d", "c", "a", "e"}, mediaIDs(q))

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "b", head.MediaID)
	assert.Equal(t, 5, q.Len(), "peek never removes")

	head, ok = q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "b", head.MediaID)
	assert.Equal(t, 4, q.Len())
}

func TestPrecisionQueue_Remove(t *testing.T) {
	q := newChatQueue(t)
	q.Enqueue(qt("a", 0, 0))
	q.Enqueue(qt("b", 0, time.Second))
	second := qt("b2", 0, 2*time.Second)
	second.TaskID = "task-b"
	q.Enqueue(second)

	assert.True(t, q.RemoveByMediaID("a"))
	assert.False(t, q.RemoveByMediaID("a"))
	assert.Equal(t, 2, q.RemoveByTaskID("task-b"))
	assert.Equal(t, 0, q.Len())
	_, ok := q.Peek()
	assert.False(t, ok)
	_, ok = q.Dequeue()
	assert.False(t, ok)
}

func TestPrecisionQueue_AdvanceStep(t *testing.T) {
	q := newChatQueue(t)
	q.Enqueue(qt("a", 0, 0))

	step, ok := q.AdvanceStep("a")
	assert.True(t, ok)
	assert.Equal(t, 1, step)
	step, ok = q.AdvanceStep("a")
	assert.True(t, ok)
	assert.Equal(t, 2, step)
	step, ok = q.AdvanceStep("a")
	assert.False(t, ok, "last step is terminal")
	assert.Equal(t, 2, step)

	got, _ := q.Get("a")
	assert.Equal(t, 2, got.CurrentStep)
	_, ok = q.AdvanceStep("missing")
	assert.False(t, ok)
}

func TestPrecisionQueue_StepNavigation(t *testing.T) {
	q := newChatQueue(t)
	assert.Len(t, q.Steps(), 3)
	next, ok := q.NextStep(0)
	require.True(t, ok)
	assert.Equal(t, 1, q.StepIndex(next))
	_, ok = q.NextStep(2)
	assert.False(t, ok)
	assert.Nil(t, q.StepAt(3))
	assert.True(t, q.IsLastStep(2))
	assert.False(t, q.IsLastStep(1))
	assert.Equal(t, 5*time.Second, q.StepAt(0).Timeout)
}

func TestPrecisionQueue_StepForElapsed(t *testing.T) {
	q := newChatQueue(t)
	tests := []struct {
		elapsed time.Duration
		want    int
	}{
		{0, 0},
		{4 * time.Second, 0},
		{5 * time.Second, 1},
		{14 * time.Second, 1},
		{15 * time.Second, 2},
		{time.Hour, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, q.StepForElapsed(tt.elapsed), tt.elapsed.String())
	}
	assert.Equal(t, 15*time.Second, q.StepStartOffset(2))
}

func TestPrecisionQueue_UpdateClampsStepPointers(t *testing.T) {
	q := newChatQueue(t)
	q.Enqueue(qt("a", 0, 0))
	q.AdvanceStep("a")
	q.AdvanceStep("a")

	cfg := chatQueueConfig()
	cfg.Steps = cfg.Steps[:1]
	require.NoError(t, q.Update(cfg))
	got, _ := q.Get("a")
	assert.Equal(t, 0, got.CurrentStep)

	cfg.ID = "other"
	assert.Error(t, q.Update(cfg))
}

func TestPrecisionQueue_EscalationOnlyWidens(t *testing.T) {
	q := newChatQueue(t)
	q.EvaluateAgentsAssociatedWithSteps([]AgentView{
		fakeAgent{id: "gold-en", attrs: map[string]string{"tier": "gold", "lang": "en"}, skills: []string{"chat"}},
		fakeAgent{id: "silver-fr", attrs: map[string]string{"tier": "silver", "lang": "fr"}, skills: []string{"chat"}},
		fakeAgent{id: "plain-en", attrs: map[string]string{"lang": "en"}, skills: []string{"chat"}},
		fakeAgent{id: "gold-no-chat", attrs: map[string]string{"tier": "gold"}, skills: []string{"email"}},
	})

	assert.Equal(t, []string{"gold-en"}, q.StepAt(0).Agents())
	assert.Equal(t, []string{"gold-en", "silver-fr"}, q.StepAt(1).Agents())
	assert.Equal(t, []string{"gold-en", "plain-en"}, q.StepAt(2).Agents())

	var prev []string
	for k := 0; k < 3; k++ {
		pool := q.AgentsUpTo(k)
		for _, id := range prev {
			assert.Contains(t, pool, id, "step %d dropped %s", k, id)
		}
		prev = pool
	}
	assert.Equal(t, []string{"gold-en", "plain-en", "silver-fr"}, prev)
}

func TestPrecisionQueue_OrderAgentsBy(t *testing.T) {
	q := newChatQueue(t)
	q.EvaluateAgentsAssociatedWithSteps([]AgentView{
		fakeAgent{id: "b", attrs: map[string]string{"lang": "en"}, skills: []string{"chat"}},
		fakeAgent{id: "a", attrs: map[string]string{"lang": "en"}, skills: []string{"chat"}},
		fakeAgent{id: "c", attrs: map[string]string{"lang": "en"}, skills: []string{"chat"}},
		fakeAgent{id: "busy", attrs: map[string]string{"lang": "en"}, skills: []string{"chat"}},
	})
	changed := map[string]time.Time{
		"a": epoch.Add(2 * time.Second),
		"b": epoch,
		"c": epoch.Add(2 * time.Second),
	}
	lookup := func(id string) (agent.Candidate, bool) {
		at, ok := changed[id]
		return agent.Candidate{AgentID: id, ChangedAt: at}, ok
	}

	got := q.OrderAgentsBy(q.AgentOrder(), 2, lookup)
	var ids []string
	for _, c := range got {
		ids = append(ids, c.AgentID)
	}
	assert.Equal(t, []string{"b", "a", "c"}, ids)
	assert.Nil(t, q.OrderAgentsBy(q.AgentOrder(), 7, lookup))
}

type recordingRouter struct{ events []RouteEvent }

func (r *recordingRouter) Submit(ev RouteEvent) { r.events = append(r.events, ev) }

func TestPrecisionQueue_SubmitForwardsToRouter(t *testing.T) {
	q := newChatQueue(t)
	q.Submit(RouteEvent{Type: RouteAgentAvailable})

	r := &recordingRouter{}
	q.SetRouter(r)
	q.Submit(RouteEvent{Type: RouteStepTimeout})
	require.Len(t, r.events, 1)
	assert.Equal(t, RouteStepTimeout, r.events[0].Type)
}
