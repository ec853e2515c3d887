package agent

import (
	"fmt"
	"sort"

	"github.com/msageha/taskrouter/internal/model"
)

// StateResult describes the outcome of a global state request. Skill changes
// are reported even when Changed is false.
type StateResult struct {
	Changed      bool
	Previous     model.AgentState
	Current      model.AgentState
	ReasonCode   model.ReasonCode
	SkillChanges []SkillChange
	// Deferred is set when NOT_READY waits for a reservation to clear.
	Deferred bool
	// Reserved and Active carry the work detached from the agent by LOGOUT.
	Reserved *TaskRef
	Active   []TaskRef
}

// RequestState applies a global state request. It never returns an error;
// disallowed transitions come back with Changed=false.
func (a *Agent) RequestState(requested model.AgentState, reason model.ReasonCode) StateResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	res := StateResult{Previous: a.state, Current: a.state, ReasonCode: a.reason}
	if _, ok := NextAgentState(a.state, requested); !ok {
		return res
	}

	switch requested {
	case model.AgentStateLogin:
		a.loginLocked(&res)
	case model.AgentStateNotReady:
		a.notReadyLocked(reason, &res)
	case model.AgentStateReady:
		a.readyLocked(&res)
	case model.AgentStateLogout:
		a.logoutLocked(reason, &res)
	}
	if res.Changed {
		a.changedAt = a.clock.Now()
	}
	res.Current = a.state
	res.ReasonCode = a.reason
	return res
}

// loginLocked puts every skill through LOGIN and then NOT_READY so listeners
// observe both phases.
func (a *Agent) loginLocked(res *StateResult) {
	a.state = model.AgentStateLogin
	a.reason = model.ReasonNone
	for _, id := range a.skillOrder {
		res.SkillChanges = append(res.SkillChanges, a.setSkillLocked(id, model.SkillStateLogin))
	}
	for _, id := range a.skillOrder {
		a.skills[id].notReadyRequested = true
		res.SkillChanges = append(res.SkillChanges, a.setSkillLocked(id, model.SkillStateNotReady))
	}
	res.Changed = true
}

func (a *Agent) notReadyLocked(reason model.ReasonCode, res *StateResult) {
	if a.state == model.AgentStateNotReady {
		a.reason = reason
		res.Changed = true
		return
	}

	var reservedMRD string
	deferred := a.state == model.AgentStateReady && a.reserved != nil
	if deferred {
		reservedMRD = a.reserved.MRDID
	}

	for _, id := range a.skillOrder {
		s := a.skills[id]
		if s.state == model.SkillStateLogout || id == reservedMRD {
			continue
		}
		s.notReadyRequested = true
		target := model.SkillStateNotReady
		if a.activeOnLocked(id, true) > 0 {
			target = model.SkillStatePendingNotReady
		}
		if s.state != target {
			res.SkillChanges = append(res.SkillChanges, a.setSkillLocked(id, target))
		}
	}

	if deferred {
		r := reason
		a.pendingNotReady = &r
		res.Deferred = true
		return
	}
	for _, id := range a.skillOrder {
		if isAvailableSkill(a.skills[id].state) {
			return
		}
	}
	a.state = model.AgentStateNotReady
	a.reason = reason
	res.Changed = true
}

func (a *Agent) readyLocked(res *StateResult) {
	a.state = model.AgentStateReady
	a.reason = model.ReasonNone
	a.pendingNotReady = nil
	for _, id := range a.skillOrder {
		s := a.skills[id]
		s.notReadyRequested = false
		next := NextSkillState(model.SkillStateReady, s.state, a.loadLocked(id))
		if next != s.state {
			res.SkillChanges = append(res.SkillChanges, a.setSkillLocked(id, next))
		}
	}
	res.Changed = true
}

func (a *Agent) logoutLocked(reason model.ReasonCode, res *StateResult) {
	if a.reserved != nil {
		r := *a.reserved
		res.Reserved = &r
		a.reserved = nil
	}
	for _, ref := range a.active {
		res.Active = append(res.Active, ref)
	}
	sort.Slice(res.Active, func(i, j int) bool { return res.Active[i].MediaID < res.Active[j].MediaID })
	a.active = make(map[string]TaskRef)
	a.pendingNotReady = nil

	for _, id := range a.skillOrder {
		s := a.skills[id]
		s.notReadyRequested = false
		if s.state != model.SkillStateLogout {
			res.SkillChanges = append(res.SkillChanges, a.setSkillLocked(id, model.SkillStateLogout))
		}
	}
	a.state = model.AgentStateLogout
	a.reason = reason
	res.Changed = true
}

// SkillResult describes the outcome of a per-skill request.
type SkillResult struct {
	Changed bool
	Change  SkillChange
	// GlobalChange is set when a READY skill pulled a NOT_READY agent back to
	// READY.
	GlobalChange *StateResult
}

// RequestSkillState applies an explicit READY or NOT_READY request to one
// skill.
func (a *Agent) RequestSkillState(mrdID string, requested model.SkillState) (SkillResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.skills[mrdID]
	if !ok {
		return SkillResult{}, fmt.Errorf("agent %s skill %s: %w", a.id, mrdID, model.ErrNotFound)
	}
	var res SkillResult
	switch requested {
	case model.SkillStateReady:
		if a.state == model.AgentStateLogout || a.state == model.AgentStateLogin {
			return res, nil
		}
		s.notReadyRequested = false
		load := a.loadLocked(mrdID)
		next := NextSkillState(requested, s.state, load)
		if next == s.state {
			return res, nil
		}
		res.Changed = true
		res.Change = a.setSkillLocked(mrdID, next)
		// Global state is READY as soon as one skill is.
		if a.state == model.AgentStateNotReady {
			prev := a.state
			a.state = model.AgentStateReady
			a.reason = model.ReasonNone
			a.changedAt = a.clock.Now()
			res.GlobalChange = &StateResult{Changed: true, Previous: prev, Current: a.state}
		}
	case model.SkillStateNotReady:
		if a.state == model.AgentStateLogout {
			return res, nil
		}
		s.notReadyRequested = true
		next := NextSkillState(requested, s.state, a.loadLocked(mrdID))
		if next == s.state {
			return res, nil
		}
		res.Changed = true
		res.Change = a.setSkillLocked(mrdID, next)
	}
	return res, nil
}
