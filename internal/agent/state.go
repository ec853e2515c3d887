package agent

import "github.com/msageha/taskrouter/internal/model"

// Global agent transitions (current → requested).
var validAgentTransitions = map[model.AgentState]map[model.AgentState]bool{
	model.AgentStateLogout: {
		model.AgentStateLogin: true,
	},
	model.AgentStateLogin: {
		model.AgentStateNotReady: true,
		model.AgentStateLogout:   true,
	},
	model.AgentStateReady: {
		model.AgentStateNotReady: true,
		model.AgentStateLogout:   true,
	},
	model.AgentStateNotReady: {
		model.AgentStateReady:    true,
		model.AgentStateNotReady: true,
		model.AgentStateLogout:   true,
	},
}

// NextAgentState reports whether requested is reachable from current.
func NextAgentState(current, requested model.AgentState) (model.AgentState, bool) {
	if validAgentTransitions[current][requested] {
		return requested, true
	}
	return current, false
}

// Load is the per-skill input to the skill state machine.
type Load struct {
	ActiveQueued int
	Capacity     int
	GlobalReady  bool
	// NotReadyRequested is set while a NOT_READY request for the skill is
	// outstanding, so a drained skill settles on NOT_READY.
	NotReadyRequested bool
}

func (l Load) capacityState() model.SkillState {
	switch {
	case l.ActiveQueued <= 0:
		return model.SkillStateReady
	case l.ActiveQueued >= l.Capacity:
		return model.SkillStateBusy
	default:
		return model.SkillStateActive
	}
}

// NextSkillState applies an explicit request to a skill state. Requests that
// are not allowed from current return current unchanged.
func NextSkillState(requested, current model.SkillState, load Load) model.SkillState {
	switch requested {
	case model.SkillStateReady:
		switch current {
		case model.SkillStateNotReady:
			return load.capacityState()
		case model.SkillStatePendingNotReady, model.SkillStateActive:
			if load.GlobalReady && load.ActiveQueued == 0 {
				return model.SkillStateReady
			}
		}
	case model.SkillStateActive:
		if current == model.SkillStateReady || current == model.SkillStateBusy {
			return model.SkillStateActive
		}
	case model.SkillStateBusy:
		if current == model.SkillStateActive {
			return model.SkillStateBusy
		}
	case model.SkillStateNotReady:
		switch current {
		case model.SkillStateReady:
			return model.SkillStateNotReady
		case model.SkillStateActive, model.SkillStateBusy:
			return model.SkillStatePendingNotReady
		case model.SkillStatePendingNotReady:
			if load.ActiveQueued == 0 {
				return model.SkillStateNotReady
			}
		}
	}
	return current
}

// EvaluateSkillState moves a skill after its queued-mode load changed. A
// rising load moves at most one step, so the first task on a READY skill
// yields ACTIVE even at capacity 1; a falling load settles fully.
func EvaluateSkillState(current model.SkillState, load Load) model.SkillState {
	switch current {
	case model.SkillStatePendingNotReady:
		if load.ActiveQueued > 0 {
			return current
		}
		if load.GlobalReady && !load.NotReadyRequested {
			return model.SkillStateReady
		}
		return model.SkillStateNotReady
	case model.SkillStateReady:
		if load.ActiveQueued > 0 {
			return NextSkillState(model.SkillStateActive, current, load)
		}
	case model.SkillStateActive:
		if load.ActiveQueued == 0 {
			return model.SkillStateReady
		}
		if load.ActiveQueued >= load.Capacity {
			return NextSkillState(model.SkillStateBusy, current, load)
		}
	case model.SkillStateBusy:
		if load.ActiveQueued < load.Capacity {
			next := NextSkillState(model.SkillStateActive, current, load)
			if load.ActiveQueued == 0 {
				return model.SkillStateReady
			}
			return next
		}
	}
	return current
}

// isAvailableSkill reports whether a skill still counts as available for the
// purposes of the global NOT_READY decision.
func isAvailableSkill(s model.SkillState) bool {
	switch s {
	case model.SkillStateNotReady, model.SkillStatePendingNotReady, model.SkillStateLogout:
		return false
	}
	return true
}

// canTakeWork reports whether a skill state accepts a new reservation.
func canTakeWork(s model.SkillState) bool {
	return s == model.SkillStateReady || s == model.SkillStateActive
}
