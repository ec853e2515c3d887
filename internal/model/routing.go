package model

// RoutingConfig is the reference data loaded from routing.yaml.
type RoutingConfig struct {
	MRDs   []MRD         `yaml:"mrds" json:"mrds" validate:"dive"`
	Agents []AgentConfig `yaml:"agents" json:"agents" validate:"dive"`
	Queues []QueueConfig `yaml:"queues" json:"queues" validate:"dive"`
}

// MRD is a MediaRoutingDomain (skill): a channel or work type with its own
// per-agent capacity and interruptibility.
type MRD struct {
	ID                  string `yaml:"id" json:"id" validate:"required"`
	Name                string `yaml:"name" json:"name" validate:"required"`
	Interruptible       bool   `yaml:"interruptible" json:"interruptible"`
	AutoJoin            bool   `yaml:"auto_join" json:"auto_join"`
	MaxRequestsPerAgent int    `yaml:"max_requests_per_agent" json:"max_requests_per_agent" validate:"gte=1"`
	RequestTTLSec       int    `yaml:"request_ttl_sec" json:"request_ttl_sec" validate:"gte=0"`
}

type AgentConfig struct {
	ID         string            `yaml:"id" json:"id" validate:"required"`
	Name       string            `yaml:"name" json:"name"`
	Attributes map[string]string `yaml:"attributes" json:"attributes"`
	MRDs       []string          `yaml:"mrds" json:"mrds" validate:"required,min=1,dive,required"`
}

type QueueConfig struct {
	ID                    string       `yaml:"id" json:"id" validate:"required"`
	Name                  string       `yaml:"name" json:"name" validate:"required"`
	MRDID                 string       `yaml:"mrd_id" json:"mrd_id" validate:"required"`
	ServiceLevelThreshold int          `yaml:"service_level_threshold" json:"service_level_threshold" validate:"gte=0"`
	AgentOrder            string       `yaml:"agent_order" json:"agent_order" validate:"omitempty,oneof=longest_available"`
	Steps                 []StepConfig `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
}

type StepConfig struct {
	TimeoutSec int        `yaml:"timeout_sec" json:"timeout_sec" validate:"gte=0"`
	Expression Expression `yaml:"expression" json:"expression"`
}

// Expression is a boolean matching rule over agent routing attributes.
// Exactly one of Term, And or Or is set.
type Expression struct {
	Term *Term        `yaml:"term,omitempty" json:"term,omitempty"`
	And  []Expression `yaml:"and,omitempty" json:"and,omitempty"`
	Or   []Expression `yaml:"or,omitempty" json:"or,omitempty"`
}

type Term struct {
	Attribute string `yaml:"attribute" json:"attribute" validate:"required"`
	Operator  string `yaml:"operator" json:"operator" validate:"required,oneof=eq neq gt gte lt lte exists"`
	Value     string `yaml:"value" json:"value"`
}

// FindMRD returns the MRD with the given id, or nil.
func (c *RoutingConfig) FindMRD(id string) *MRD {
	for i := range c.MRDs {
		if c.MRDs[i].ID == id {
			return &c.MRDs[i]
		}
	}
	return nil
}
