/*
Package config loads a project's tccp.yaml into a typed Config. Parsing itself
is a thin gopkg.in/yaml.v3 unmarshal; the interesting behavior — merging
slurm.* overrides across global/project/job layers — lives in pkg/alloc, which
consumes the JobSpec.Slurm and Config.Slurm fields this package only carries.
*/
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// JobSpec is one entry of the "jobs" map in tccp.yaml.
type JobSpec struct {
	Script  string       `yaml:"script,omitempty"`
	Package string       `yaml:"package,omitempty"`
	Args    []string     `yaml:"args,omitempty"`
	Time    string       `yaml:"time,omitempty"`
	Ports   []int        `yaml:"ports,omitempty"`
	Slurm   SlurmOverride `yaml:"slurm,omitempty"`
}

// SlurmOverride is one layer of resource overrides (global, project, or
// per-job). Empty fields mean "inherit from the next layer out".
type SlurmOverride struct {
	Partition      string `yaml:"partition,omitempty"`
	Nodes          int    `yaml:"nodes,omitempty"`
	CPUsPerTask    int    `yaml:"cpus_per_task,omitempty"`
	Memory         string `yaml:"memory,omitempty"`
	GPUType        string `yaml:"gpu_type,omitempty"`
	GPUCount       int    `yaml:"gpu_count,omitempty"`
	Time           string `yaml:"time,omitempty"`
	MailType       string `yaml:"mail_type,omitempty"`
	NodeConstraint string `yaml:"node_constraint,omitempty"`
	ExcludeNodes   string `yaml:"exclude_nodes,omitempty"`
}

// Config is the parsed contents of a project's tccp.yaml (spec.md §6).
type Config struct {
	Name   string             `yaml:"name,omitempty"`
	Type   string             `yaml:"type,omitempty"`
	GPU    string             `yaml:"gpu,omitempty"`
	Slurm  SlurmOverride      `yaml:"slurm,omitempty"`
	RoData []RoDataDir        `yaml:"rodata,omitempty"`
	Env    string             `yaml:"env,omitempty"`
	Output string             `yaml:"output,omitempty"`
	Cache  string             `yaml:"cache,omitempty"`
	Jobs   map[string]JobSpec `yaml:"jobs,omitempty"`

	// Dir is the project root the config was loaded from; not a YAML field.
	Dir string `yaml:"-"`
}

// RoDataDir is one configured read-only-data directory synced once per
// allocation rather than every run.
type RoDataDir struct {
	Label string `yaml:"label"`
	Path  string `yaml:"path"`
}

// Load reads tccp.yaml from dir and applies the project-name default.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, "tccp.yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.Dir = dir
	if cfg.Name == "" {
		cfg.Name = filepath.Base(dir)
	}
	return &cfg, nil
}

// JobByName resolves a job by name, falling back to the implicit "main" job
// (python main.py) when no jobs are declared at all.
func (c *Config) JobByName(name string) (JobSpec, bool) {
	if c.Jobs == nil && name == "main" {
		return JobSpec{Script: "main.py"}, true
	}
	spec, ok := c.Jobs[name]
	return spec, ok
}
