package daemon

import (
	"errors"
	"fmt"

	"github.com/msageha/taskrouter/internal/agent"
	"github.com/msageha/taskrouter/internal/events"
	"github.com/msageha/taskrouter/internal/model"
)

// AgentStateService applies global and per-skill state requests and carries
// out their side effects: presence persistence, events, queue wake-ups and
// the logout cascade.
type AgentStateService struct {
	*core
	lifecycle *Lifecycle
}

func NewAgentStateService(c *core) *AgentStateService {
	return &AgentStateService{core: c}
}

func (s *AgentStateService) SetLifecycle(lc *Lifecycle) {
	s.lifecycle = lc
}

// RequestState changes an agent's global state. Disallowed transitions are
// reported through StateResult.Changed, not as errors.
//
// LOGOUT reroutes the reserved media and closes the tasks of every active
// one, so it must not be called while holding a conversation lock.
func (s *AgentStateService) RequestState(agentID string, requested model.AgentState, reason model.ReasonCode) (agent.StateResult, error) {
	a, ok := s.agents.Get(agentID)
	if !ok {
		return agent.StateResult{}, fmt.Errorf("agent %s: %w", agentID, model.ErrNotFound)
	}
	if !model.IsAgentState(string(requested)) {
		return agent.StateResult{}, fmt.Errorf("%w: unknown agent state %q", model.ErrInvalidRequest, requested)
	}
	res := a.RequestState(requested, reason)
	s.applySkillChanges(a, res.SkillChanges)

	if res.Reserved != nil && s.lifecycle != nil {
		if _, err := s.lifecycle.Reroute(res.Reserved.TaskID, res.Reserved.MediaID, model.ReasonAgentLogout); err != nil && !errors.Is(err, model.ErrNotFound) {
			s.log(LogLevelWarn, "logout_reroute agent=%s task=%s error=%v", agentID, res.Reserved.TaskID, err)
		}
	}
	closed := make(map[string]bool)
	for _, ref := range res.Active {
		if closed[ref.TaskID] || s.lifecycle == nil {
			continue
		}
		closed[ref.TaskID] = true
		if err := s.lifecycle.CloseTask(ref.TaskID, model.ReasonAgentLogout); err != nil && !errors.Is(err, model.ErrNotFound) {
			s.log(LogLevelWarn, "logout_close agent=%s task=%s error=%v", agentID, ref.TaskID, err)
		}
	}

	s.savePresence(a)
	s.publishState(a, res)
	if res.Changed && res.Current == model.AgentStateReady {
		for _, id := range a.SkillIDs() {
			s.queues.NotifyAgentAvailable(id, agentID)
		}
	}
	return res, nil
}

// RequestSkillState applies READY or NOT_READY to one skill of an agent.
func (s *AgentStateService) RequestSkillState(agentID, mrdID string, requested model.SkillState) (agent.SkillResult, error) {
	a, ok := s.agents.Get(agentID)
	if !ok {
		return agent.SkillResult{}, fmt.Errorf("agent %s: %w", agentID, model.ErrNotFound)
	}
	if requested != model.SkillStateReady && requested != model.SkillStateNotReady {
		return agent.SkillResult{}, fmt.Errorf("%w: skill state %q cannot be requested", model.ErrInvalidRequest, requested)
	}
	res, err := a.RequestSkillState(mrdID, requested)
	if err != nil {
		return res, err
	}
	if res.Changed {
		s.applySkillChanges(a, []agent.SkillChange{res.Change})
	}
	if res.GlobalChange != nil {
		s.publishState(a, *res.GlobalChange)
	}
	if !res.Changed {
		s.log(LogLevelDebug, "skill_unchanged agent=%s mrd=%s requested=%s", agentID, mrdID, requested)
	}
	return res, nil
}

// applySkillChanges publishes each skill change in order, persists presence
// and wakes the queues of skills that became able to take work.
func (s *AgentStateService) applySkillChanges(a *agent.Agent, changes []agent.SkillChange) {
	if len(changes) == 0 {
		return
	}
	for _, ch := range changes {
		s.events.Publish(events.EventAgentSkillStateChanged, map[string]interface{}{
			"agent_id": a.ID(),
			"mrd_id":   ch.MRDID,
			"previous": string(ch.From),
			"state":    string(ch.To),
		})
		s.log(LogLevelDebug, "skill_changed agent=%s mrd=%s from=%s to=%s", a.ID(), ch.MRDID, ch.From, ch.To)
	}
	s.savePresence(a)
	for _, ch := range changes {
		if ch.To == model.SkillStateReady || ch.To == model.SkillStateActive {
			s.queues.NotifyAgentAvailable(ch.MRDID, a.ID())
		}
	}
}

// afterRelease runs once an agent's reservation is gone without the media
// becoming active.
func (s *AgentStateService) afterRelease(a *agent.Agent, mrdID string) {
	s.applyDeferredNotReady(a)
	s.queues.NotifyAgentAvailable(mrdID, a.ID())
}

// applyDeferredNotReady re-issues a NOT_READY that waited for the
// reservation to clear.
func (s *AgentStateService) applyDeferredNotReady(a *agent.Agent) {
	if a == nil {
		return
	}
	reason, ok := a.TakePendingNotReady()
	if !ok {
		return
	}
	s.log(LogLevelInfo, "deferred_not_ready agent=%s reason=%s", a.ID(), reason)
	res := a.RequestState(model.AgentStateNotReady, reason)
	s.applySkillChanges(a, res.SkillChanges)
	s.savePresence(a)
	s.publishState(a, res)
}

func (s *AgentStateService) savePresence(a *agent.Agent) {
	if err := s.presence.SavePresence(a.Presence()); err != nil {
		s.log(LogLevelError, "save_presence agent=%s error=%v", a.ID(), err)
	}
}

func (s *AgentStateService) publishState(a *agent.Agent, res agent.StateResult) {
	et := events.EventAgentStateUnchanged
	if res.Changed {
		et = events.EventAgentStateChanged
	}
	s.events.Publish(et, map[string]interface{}{
		"agent_id":    a.ID(),
		"previous":    string(res.Previous),
		"state":       string(res.Current),
		"reason_code": string(res.ReasonCode),
		"deferred":    res.Deferred,
	})
	s.log(LogLevelInfo, "state agent=%s previous=%s current=%s changed=%t deferred=%t", a.ID(), res.Previous, res.Current, res.Changed, res.Deferred)
}

func (s *AgentStateService) log(level LogLevel, format string, args ...any) {
	logf(s.logger, s.logLevel, "agent_state", level, format, args...)
}
