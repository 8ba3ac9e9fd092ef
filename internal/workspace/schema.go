// Package workspace turns workspace.yaml into an executable project tree: one
// task registry per project, lifecycle tasks per phase and command actions.
package workspace

import (
	yamlutil "github.com/msageha/taskweave/internal/yaml"
)

const DefaultRootName = "workspace"

// File is the on-disk shape of workspace.yaml.
type File struct {
	yamlutil.SchemaHeader `yaml:",inline"`
	Name                  string        `yaml:"name,omitempty"`
	Phases                []PhaseSpec   `yaml:"phases"`
	Projects              []ProjectSpec `yaml:"projects"`
}

type PhaseSpec struct {
	ID        string   `yaml:"id"`
	Parent    string   `yaml:"parent,omitempty"`
	DependsOn []string `yaml:"depends_on,omitempty"`
}

type ProjectSpec struct {
	Name        string        `yaml:"name"`
	Dir         string        `yaml:"dir,omitempty"`
	Tasks       []TaskSpec    `yaml:"tasks,omitempty"`
	Subprojects []ProjectSpec `yaml:"subprojects,omitempty"`
}

// TaskSpec declares one task. A nil DependsOn inherits the phase's
// dependencies; an explicit empty list means no dependencies.
type TaskSpec struct {
	ID          string            `yaml:"id"`
	Description string            `yaml:"description,omitempty"`
	Phase       string            `yaml:"phase,omitempty"`
	DependsOn   []string          `yaml:"depends_on,omitempty"`
	Children    []string          `yaml:"children,omitempty"`
	Run         []string          `yaml:"run,omitempty"`
	Message     string            `yaml:"message,omitempty"`
	Config      map[string]string `yaml:"config,omitempty"`
}
