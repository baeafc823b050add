// Package setup handles mend project initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mendcore/mend/internal/config"
	"github.com/mendcore/mend/internal/state"
	mendyaml "github.com/mendcore/mend/internal/yaml"
	"github.com/mendcore/mend/templates"
)

// Run initializes the .mend/ directory structure in the given project
// directory. projectName overrides the auto-detected name (defaults to the
// directory basename if empty).
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := config.Dir(absDir)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		"state",
		"locks",
		filepath.Join("logs", "archive"),
		"escalations",
		"quarantine",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(absDir, projectName)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := mendyaml.AtomicWrite(config.ConfigFile(base), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	store := state.NewStore(base, state.Options{
		LockTimeout: cfg.State.LockTimeout(),
		Bounds:      cfg.State.Bounds(),
	})
	if err := store.Init(); err != nil {
		return fmt.Errorf("initialize state: %w", err)
	}
	return nil
}

// generateConfig parses the embedded template as the base and fills in the
// per-project fields. Parsing the template also proves the shipped defaults
// load cleanly.
func generateConfig(projectDir, projectName string) (*config.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	cfg := config.Default()
	if err := yamlv3.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	cfg.Project.Root = projectDir

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("template defaults invalid: %w", err)
	}
	return cfg, nil
}
