// Package config loads config.yaml and routing.yaml from the state directory
// and keeps the routing reference data live.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/msageha/taskrouter/internal/model"
	"github.com/msageha/taskrouter/internal/queue"
	atomicyaml "github.com/msageha/taskrouter/internal/yaml"
)

const (
	ConfigFileName  = "config.yaml"
	RoutingFileName = "routing.yaml"
)

var validate = validator.New()

// Load reads <dir>/config.yaml. A missing file yields the zero Config; every
// field has a default applied where it is used. Unknown keys are rejected.
func Load(dir string) (model.Config, error) {
	var cfg model.Config
	err := atomicyaml.ReadStrict(filepath.Join(dir, ConfigFileName), &cfg)
	if errors.Is(err, os.ErrNotExist) {
		return model.Config{}, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if cfg.Routing.AgentOrder != "" && cfg.Routing.AgentOrder != model.AgentOrderLongestAvailable {
		return cfg, fmt.Errorf("routing.agent_order: unsupported value %q", cfg.Routing.AgentOrder)
	}
	return cfg, nil
}

// LoadRouting reads and validates a routing reference file.
func LoadRouting(path string) (*model.RoutingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return ParseRouting(data)
}

// ParseRouting decodes routing.yaml content. Unknown keys are rejected.
func ParseRouting(data []byte) (*model.RoutingConfig, error) {
	rc := &model.RoutingConfig{}
	if err := atomicyaml.DecodeStrict(data, rc); err != nil {
		return nil, fmt.Errorf("parse routing: %w", err)
	}
	if err := ValidateRouting(rc); err != nil {
		return nil, err
	}
	return rc, nil
}

// SaveRouting validates rc and writes it atomically, keeping a .bak copy.
func SaveRouting(path string, rc *model.RoutingConfig) error {
	if err := ValidateRouting(rc); err != nil {
		return err
	}
	return atomicyaml.AtomicWrite(path, rc)
}

// ValidateRouting applies struct tag rules and cross-reference checks.
func ValidateRouting(rc *model.RoutingConfig) error {
	if err := validate.Struct(rc); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, formatFieldError(fe))
			}
			return fmt.Errorf("%w: %s", model.ErrInvalidRequest, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("validate routing: %w", err)
	}

	var problems []string
	mrds := make(map[string]bool, len(rc.MRDs))
	for _, m := range rc.MRDs {
		if mrds[m.ID] {
			problems = append(problems, fmt.Sprintf("duplicate mrd id %q", m.ID))
		}
		mrds[m.ID] = true
	}

	agents := make(map[string]bool, len(rc.Agents))
	for _, a := range rc.Agents {
		if agents[a.ID] {
			problems = append(problems, fmt.Sprintf("duplicate agent id %q", a.ID))
		}
		agents[a.ID] = true
		for _, id := range a.MRDs {
			if !mrds[id] {
				problems = append(problems, fmt.Sprintf("agent %s: unknown mrd %q", a.ID, id))
			}
		}
	}

	queues := make(map[string]bool, len(rc.Queues))
	for _, q := range rc.Queues {
		if queues[q.ID] {
			problems = append(problems, fmt.Sprintf("duplicate queue id %q", q.ID))
		}
		queues[q.ID] = true
		if !mrds[q.MRDID] {
			problems = append(problems, fmt.Sprintf("queue %s: unknown mrd %q", q.ID, q.MRDID))
		}
		for i, s := range q.Steps {
			if err := queue.ValidateExpression(s.Expression); err != nil {
				problems = append(problems, fmt.Sprintf("queue %s step %d: %v", q.ID, i, err))
			}
			if i < len(q.Steps)-1 && s.TimeoutSec <= 0 {
				problems = append(problems, fmt.Sprintf("queue %s step %d: timeout_sec must be > 0 before the last step", q.ID, i))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", model.ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

func formatFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}
