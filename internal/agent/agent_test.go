package agent

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskrouter/internal/clock"
	"github.com/msageha/taskrouter/internal/model"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testMRDs() map[string]model.MRD {
	return map[string]model.MRD{
		"chat":  {ID: "chat", Name: "Chat", Interruptible: true, AutoJoin: true, MaxRequestsPerAgent: 1},
		"email": {ID: "email", Name: "Email", Interruptible: true, MaxRequestsPerAgent: 3},
		"voice": {ID: "voice", Name: "Voice", Interruptible: false, MaxRequestsPerAgent: 1},
	}
}

func newReadyAgent(t *testing.T, mrds ...string) (*Agent, *clock.FakeClock) {
	t.Helper()
	fc := clock.NewFake(epoch)
	a := New(model.AgentConfig{ID: "agent-y", MRDs: mrds, Attributes: map[string]string{"lang": "en"}}, testMRDs(), fc)
	require.True(t, a.RequestState(model.AgentStateLogin, "").Changed)
	require.True(t, a.RequestState(model.AgentStateNotReady, "").Changed)
	require.True(t, a.RequestState(model.AgentStateReady, "").Changed)
	return a, fc
}

func ref(media, mrd string) TaskRef {
	return TaskRef{ConversationID: "conv-" + media, TaskID: "task-" + media, MediaID: media, MRDID: mrd, Mode: model.RoutingModeQueue}
}

func skillStates(a *Agent) map[string]model.SkillState {
	out := map[string]model.SkillState{}
	for _, id := range a.SkillIDs() {
		s, _ := a.SkillState(id)
		out[id] = s
	}
	return out
}

func TestAgent_LoginIsTwoPhase(t *testing.T) {
	fc := clock.NewFake(epoch)
	a := New(model.AgentConfig{ID: "a1", MRDs: []string{"chat", "email"}}, testMRDs(), fc)

	st, _ := a.State()
	assert.Equal(t, model.AgentStateLogout, st)
	assert.Equal(t, map[string]model.SkillState{"chat": model.SkillStateLogout, "email": model.SkillStateLogout}, skillStates(a))

	res := a.RequestState(model.AgentStateLogin, "")
	require.True(t, res.Changed)
	assert.Equal(t, model.AgentStateLogin, res.Current)
	require.Len(t, res.SkillChanges, 4)
	assert.Equal(t, model.SkillStateLogin, res.SkillChanges[0].To)
	assert.Equal(t, model.SkillStateLogin, res.SkillChanges[1].To)
	assert.Equal(t, model.SkillStateNotReady, res.SkillChanges[2].To)
	assert.Equal(t, model.SkillStateNotReady, res.SkillChanges[3].To)
}

func TestAgent_ReadyRequestsReadyOnSkills(t *testing.T) {
	a, _ := newReadyAgent(t, "chat", "email")
	assert.Equal(t, map[string]model.SkillState{"chat": model.SkillStateReady, "email": model.SkillStateReady}, skillStates(a))
	assert.True(t, a.AvailableFor("chat"))
}

func TestAgent_RejectedTransitionsReportUnchanged(t *testing.T) {
	a, _ := newReadyAgent(t, "chat")
	res := a.RequestState(model.AgentStateReady, "")
	assert.False(t, res.Changed)
	assert.Equal(t, model.AgentStateReady, res.Current)

	a.RequestState(model.AgentStateLogout, model.ReasonNone)
	res = a.RequestState(model.AgentStateReady, "")
	assert.False(t, res.Changed)
	assert.Equal(t, model.AgentStateLogout, res.Current)
}

func TestAgent_NotReadyWithLoadGoesPending(t *testing.T) {
	a, _ := newReadyAgent(t, "chat", "email")
	require.True(t, a.Reserve(ref("m1", "email")))
	a.Activate(ref("m1", "email"))
	s, _ := a.SkillState("email")
	require.Equal(t, model.SkillStateActive, s)

	res := a.RequestState(model.AgentStateNotReady, "BREAK")
	require.True(t, res.Changed)
	assert.Equal(t, model.AgentStateNotReady, res.Current)
	assert.Equal(t, map[string]model.SkillState{"chat": model.SkillStateNotReady, "email": model.SkillStatePendingNotReady}, skillStates(a))

	changes, ok := a.RemoveActive("m1")
	require.True(t, ok)
	require.Len(t, changes, 1)
	assert.Equal(t, model.SkillStateNotReady, changes[0].To)
}

func TestAgent_NotReadyDeferredByReservation(t *testing.T) {
	a, _ := newReadyAgent(t, "chat", "email")
	require.True(t, a.Reserve(ref("m1", "chat")))

	res := a.RequestState(model.AgentStateNotReady, "LUNCH")
	assert.False(t, res.Changed, "global flip waits for the reservation")
	assert.True(t, res.Deferred)
	assert.Equal(t, model.AgentStateReady, res.Current)
	assert.Equal(t, map[string]model.SkillState{"chat": model.SkillStateReady, "email": model.SkillStateNotReady}, skillStates(a),
		"skill mutations are kept even though the call reports unchanged")

	_, ok := a.TakePendingNotReady()
	assert.False(t, ok, "nothing to re-apply while reserved")

	a.Activate(ref("m1", "chat"))
	reason, ok := a.TakePendingNotReady()
	require.True(t, ok)
	assert.Equal(t, model.ReasonCode("LUNCH"), reason)

	res = a.RequestState(model.AgentStateNotReady, reason)
	assert.True(t, res.Changed)
	assert.Equal(t, model.AgentStateNotReady, res.Current)
	s, _ := a.SkillState("chat")
	assert.Equal(t, model.SkillStatePendingNotReady, s)
}

func TestAgent_PendingNotReadyBlocksAvailability(t *testing.T) {
	a, _ := newReadyAgent(t, "chat", "email")
	require.True(t, a.Reserve(ref("m1", "chat")))
	require.True(t, a.RequestState(model.AgentStateNotReady, "BREAK").Deferred)

	require.True(t, a.ReleaseReservation("m1"))
	state, _ := a.State()
	assert.Equal(t, model.AgentStateReady, state)
	assert.False(t, a.AvailableFor("chat"), "a released agent with NOT_READY pending is not offered work")

	reason, ok := a.TakePendingNotReady()
	require.True(t, ok)
	assert.Equal(t, model.ReasonCode("BREAK"), reason)
	assert.True(t, a.AvailableFor("chat"))
}

func TestAgent_GlobalNotReadyOnlyWhenAllSkillsDown(t *testing.T) {
	a, _ := newReadyAgent(t, "chat", "email", "voice")
	res := a.RequestState(model.AgentStateNotReady, "")
	require.True(t, res.Changed)
	for id, s := range skillStates(a) {
		assert.Contains(t, []model.SkillState{model.SkillStateNotReady, model.SkillStatePendingNotReady}, s, id)
	}
}

func TestAgent_NotReadyToNotReadyUpdatesReason(t *testing.T) {
	a, _ := newReadyAgent(t, "chat")
	a.RequestState(model.AgentStateNotReady, "BREAK")
	res := a.RequestState(model.AgentStateNotReady, "TRAINING")
	assert.True(t, res.Changed)
	assert.Equal(t, model.ReasonCode("TRAINING"), res.ReasonCode)
}

func TestAgent_CapacityOneScenario(t *testing.T) {
	a, _ := newReadyAgent(t, "chat")

	require.True(t, a.Reserve(ref("m1", "chat")))
	assert.False(t, a.Reserve(ref("m2", "chat")), "one reservation at a time")

	act := a.Activate(ref("m1", "chat"))
	require.Len(t, act.SkillChanges, 1)
	assert.Equal(t, model.SkillStateActive, act.SkillChanges[0].To)
	assert.Equal(t, 1, act.QueuedActive)
	assert.False(t, a.AvailableFor("chat"), "capacity reached")

	changes, ok := a.RemoveActive("m1")
	require.True(t, ok)
	require.Len(t, changes, 1)
	assert.Equal(t, model.SkillStateReady, changes[0].To)
	assert.True(t, a.AvailableFor("chat"))
}

func TestAgent_CapacityThreeGoesBusy(t *testing.T) {
	a, _ := newReadyAgent(t, "email")
	for _, m := range []string{"e1", "e2", "e3"} {
		require.True(t, a.Reserve(ref(m, "email")), m)
		a.Activate(ref(m, "email"))
	}
	s, _ := a.SkillState("email")
	assert.Equal(t, model.SkillStateBusy, s)
	assert.False(t, a.AvailableFor("email"))

	a.RemoveActive("e2")
	s, _ = a.SkillState("email")
	assert.Equal(t, model.SkillStateActive, s)
	assert.True(t, a.AvailableFor("email"))
	assert.LessOrEqual(t, a.ActiveCount("email"), 3)
}

func TestAgent_NonInterruptibleBlocksOtherMRDs(t *testing.T) {
	a, _ := newReadyAgent(t, "voice", "email")
	require.True(t, a.Reserve(ref("v1", "voice")))
	a.Activate(ref("v1", "voice"))

	assert.True(t, a.NonInterruptible())
	assert.False(t, a.AvailableFor("email"))

	a.RemoveActive("v1")
	assert.False(t, a.NonInterruptible())
	assert.True(t, a.AvailableFor("email"))
}

func TestAgent_DirectModeDoesNotCountTowardsLoad(t *testing.T) {
	a, _ := newReadyAgent(t, "email")
	r := ref("d1", "email")
	r.Mode = model.RoutingModeDirect
	require.NoError(t, a.ReserveDirect(r))
	act := a.Activate(r)
	assert.Empty(t, act.SkillChanges)
	assert.Equal(t, 0, act.QueuedActive)
	s, _ := a.SkillState("email")
	assert.Equal(t, model.SkillStateReady, s)
}

func TestAgent_ReserveDirectErrors(t *testing.T) {
	fc := clock.NewFake(epoch)
	a := New(model.AgentConfig{ID: "a1", MRDs: []string{"chat"}}, testMRDs(), fc)
	assert.ErrorIs(t, a.ReserveDirect(ref("m1", "chat")), model.ErrAgentUnavailable)

	a.RequestState(model.AgentStateLogin, "")
	assert.ErrorIs(t, a.ReserveDirect(ref("m1", "email")), model.ErrNotFound)
	require.NoError(t, a.ReserveDirect(ref("m1", "chat")))
	assert.ErrorIs(t, a.ReserveDirect(ref("m2", "chat")), model.ErrAgentUnavailable)
}

func TestAgent_LogoutDetachesWork(t *testing.T) {
	a, _ := newReadyAgent(t, "chat", "email")
	require.True(t, a.Reserve(ref("e1", "email")))
	a.Activate(ref("e1", "email"))
	require.True(t, a.Reserve(ref("c1", "chat")))

	res := a.RequestState(model.AgentStateLogout, model.ReasonAgentLogout)
	require.True(t, res.Changed)
	require.NotNil(t, res.Reserved)
	assert.Equal(t, "c1", res.Reserved.MediaID)
	require.Len(t, res.Active, 1)
	assert.Equal(t, "e1", res.Active[0].MediaID)

	_, reserved := a.Reservation()
	assert.False(t, reserved)
	assert.Empty(t, a.ActiveRefs())
	assert.Equal(t, map[string]model.SkillState{"chat": model.SkillStateLogout, "email": model.SkillStateLogout}, skillStates(a))
}

func TestAgent_RequestSkillState(t *testing.T) {
	a, _ := newReadyAgent(t, "chat", "email")

	_, err := a.RequestSkillState("voice", model.SkillStateReady)
	assert.ErrorIs(t, err, model.ErrNotFound)

	res, err := a.RequestSkillState("chat", model.SkillStateNotReady)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, model.SkillStateNotReady, res.Change.To)
	assert.False(t, a.AvailableFor("chat"))

	a.RequestState(model.AgentStateNotReady, "BREAK")
	res, err = a.RequestSkillState("email", model.SkillStateReady)
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.NotNil(t, res.GlobalChange)
	assert.Equal(t, model.AgentStateReady, res.GlobalChange.Current)
	assert.True(t, a.AvailableFor("email"))
}

func TestAgent_SkillRequestIgnoredWhenLoggedOut(t *testing.T) {
	fc := clock.NewFake(epoch)
	a := New(model.AgentConfig{ID: "a1", MRDs: []string{"chat"}}, testMRDs(), fc)
	res, err := a.RequestSkillState("chat", model.SkillStateReady)
	require.NoError(t, err)
	assert.False(t, res.Changed)
}

func TestAgent_ConcurrentReserveSingleWinner(t *testing.T) {
	a, _ := newReadyAgent(t, "email")
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if a.Reserve(ref("m"+string(rune('a'+i%26)), "email")) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestAgent_UpdateSyncsSkills(t *testing.T) {
	a, fc := newReadyAgent(t, "chat")
	fc.Advance(time.Minute)
	a.Update(model.AgentConfig{ID: "agent-y", MRDs: []string{"email"}, Attributes: map[string]string{"lang": "fr"}}, testMRDs())

	assert.Equal(t, []string{"email"}, a.SkillIDs())
	s, _ := a.SkillState("email")
	assert.Equal(t, model.SkillStateNotReady, s)
	assert.Equal(t, "fr", a.Attributes()["lang"])
}

func TestAgent_CandidateAndPresence(t *testing.T) {
	a, fc := newReadyAgent(t, "chat", "email")
	c, ok := a.Candidate("chat")
	require.True(t, ok)
	assert.Equal(t, "agent-y", c.AgentID)
	assert.Equal(t, epoch, c.ChangedAt)

	fc.Advance(time.Second)
	p := a.Presence()
	assert.Equal(t, model.AgentStateReady, p.State)
	require.Len(t, p.Skills, 2)
	assert.Equal(t, "chat", p.Skills[0].MRDID)
	assert.Equal(t, epoch.Add(time.Second), p.UpdatedAt)
}
