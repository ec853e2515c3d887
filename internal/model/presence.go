package model

import "time"

// Presence is the persisted projection of an agent's availability.
type Presence struct {
	AgentID    string          `json:"agent_id"`
	State      AgentState      `json:"state"`
	ReasonCode ReasonCode      `json:"reason_code,omitempty"`
	Skills     []SkillPresence `json:"skills"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type SkillPresence struct {
	MRDID       string     `json:"mrd_id"`
	State       SkillState `json:"state"`
	ActiveTasks int        `json:"active_tasks"`
	ChangedAt   time.Time  `json:"changed_at"`
}
