package model

import "fmt"

// AgentState is the global availability of an agent.
type AgentState string

const (
	AgentStateLogin    AgentState = "LOGIN"
	AgentStateLogout   AgentState = "LOGOUT"
	AgentStateReady    AgentState = "READY"
	AgentStateNotReady AgentState = "NOT_READY"
)

// SkillState is the availability of an agent on one MediaRoutingDomain.
type SkillState string

const (
	SkillStateLogin           SkillState = "LOGIN"
	SkillStateLogout          SkillState = "LOGOUT"
	SkillStateReady           SkillState = "READY"
	SkillStateNotReady        SkillState = "NOT_READY"
	SkillStateActive          SkillState = "ACTIVE"
	SkillStateBusy            SkillState = "BUSY"
	SkillStatePendingNotReady SkillState = "PENDING_NOT_READY"
	SkillStateInterrupted     SkillState = "INTERRUPTED"
)

// MediaState is the lifecycle state of one TaskMedia.
type MediaState string

const (
	MediaStateQueued   MediaState = "QUEUED"
	MediaStateReserved MediaState = "RESERVED"
	MediaStateActive   MediaState = "ACTIVE"
	MediaStateClosed   MediaState = "CLOSED"
)

// TaskState is the overall state of a Task.
type TaskState string

const (
	TaskStateActive TaskState = "ACTIVE"
	TaskStateClosed TaskState = "CLOSED"
)

// ReasonCode explains why a task or media left the routable set.
type ReasonCode string

const (
	ReasonNone             ReasonCode = ""
	ReasonAgentLogout      ReasonCode = "AGENT_LOGOUT"
	ReasonNoAgentAvailable ReasonCode = "NO_AGENT_AVAILABLE"
	ReasonRONA             ReasonCode = "RONA"
	ReasonDone             ReasonCode = "DONE"
	ReasonCancelled        ReasonCode = "CANCELLED"
	ReasonForcedClosed     ReasonCode = "FORCED_CLOSED"
	ReasonFailover         ReasonCode = "FAILOVER"
)

// RoutingMode tells whether a media reached its agent through a precision
// queue or through a forced direct assignment. Only queue-mode media count
// towards the load used by the skill state machine.
type RoutingMode string

const (
	RoutingModeQueue  RoutingMode = "QUEUE"
	RoutingModeDirect RoutingMode = "DIRECT"
)

var validAgentStates = map[AgentState]bool{
	AgentStateLogin:    true,
	AgentStateLogout:   true,
	AgentStateReady:    true,
	AgentStateNotReady: true,
}

var validReasonCodes = map[ReasonCode]bool{
	ReasonAgentLogout:      true,
	ReasonNoAgentAvailable: true,
	ReasonRONA:             true,
	ReasonDone:             true,
	ReasonCancelled:        true,
	ReasonForcedClosed:     true,
	ReasonFailover:         true,
}

// Media transitions: QUEUED → RESERVED → ACTIVE → CLOSED, with early close
// from QUEUED (TTL, cancel) and RESERVED (reroute, revoke).
var validMediaTransitions = map[MediaState]map[MediaState]bool{
	MediaStateQueued: {
		MediaStateReserved: true,
		MediaStateClosed:   true,
	},
	MediaStateReserved: {
		MediaStateActive: true,
		MediaStateClosed: true,
		MediaStateQueued: true, // failover replay
	},
	MediaStateActive: {
		MediaStateClosed: true,
	},
}

func IsAgentState(s string) bool {
	return validAgentStates[AgentState(s)]
}

func IsReasonCode(s string) bool {
	return validReasonCodes[ReasonCode(s)]
}

func IsMediaTerminal(s MediaState) bool {
	return s == MediaStateClosed
}

func ValidateMediaTransition(from, to MediaState) error {
	if IsMediaTerminal(from) {
		return fmt.Errorf("%w: media is already %s", ErrInvalidTransition, from)
	}
	allowed, ok := validMediaTransitions[from]
	if !ok {
		return fmt.Errorf("unknown media state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: media %s → %s", ErrInvalidTransition, from, to)
	}
	return nil
}
