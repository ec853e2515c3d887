// Package setup initializes a taskrouter state directory.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/taskrouter/internal/config"
	"github.com/msageha/taskrouter/internal/model"
	atomicyaml "github.com/msageha/taskrouter/internal/yaml"
	"github.com/msageha/taskrouter/templates"
)

// StateDirName is the state directory created inside the project directory.
const StateDirName = ".taskrouter"

// Run creates <projectDir>/.taskrouter with its directory layout, a default
// config.yaml and a sample routing.yaml.
func Run(projectDir string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, StateDirName)

	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{"logs", "locks", "state"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig()
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.AtomicWrite(filepath.Join(base, config.ConfigFileName), cfg); err != nil {
		return fmt.Errorf("write %s: %w", config.ConfigFileName, err)
	}

	routing, err := fs.ReadFile(templates.FS, config.RoutingFileName)
	if err != nil {
		return fmt.Errorf("read routing template: %w", err)
	}
	if _, err := config.ParseRouting(routing); err != nil {
		return fmt.Errorf("routing template: %w", err)
	}
	if err := atomicyaml.AtomicWriteRaw(filepath.Join(base, config.RoutingFileName), routing); err != nil {
		return fmt.Errorf("write %s: %w", config.RoutingFileName, err)
	}

	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}
	return nil
}

// generateConfig reads the template config and fills the paths a daemon
// needs when the template leaves them blank.
func generateConfig() (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, config.ConfigFileName)
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join("state", "tasks.db")
	}
	if cfg.Events.AuditLog == "" {
		cfg.Events.AuditLog = filepath.Join("logs", "audit.jsonl")
	}
	return &cfg, nil
}
