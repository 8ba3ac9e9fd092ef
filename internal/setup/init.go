// Package setup scaffolds the .taskweave/ directory of a project.
package setup

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/taskweave/internal/config"
	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/workspace"
	atomicyaml "github.com/msageha/taskweave/internal/yaml"
	"github.com/msageha/taskweave/templates"
)

// DirName is the per-project working directory.
const DirName = ".taskweave"

// subdirs are created empty; the daemon fills them.
var subdirs = []string{"logs", "state", "quarantine"}

// Run scaffolds projectDir/.taskweave with a config and a starter workspace.
// An empty projectName falls back to the directory's basename. Run refuses to
// touch an existing .taskweave.
func Run(projectDir, projectName string) error {
	root, err := filepath.Abs(projectDir)
	if err != nil {
		return errors.Wrap(err, "resolve project dir")
	}
	base := filepath.Join(root, DirName)
	if _, err := os.Stat(base); err == nil {
		return errors.Errorf("%s already exists", base)
	}
	for _, d := range subdirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return errors.Wrapf(err, "create directory %s", d)
		}
	}

	if projectName == "" {
		projectName = filepath.Base(root)
	}
	cfg, err := renderConfig(projectName)
	if err != nil {
		return errors.Wrap(err, "generate config")
	}
	if err := atomicyaml.AtomicWrite(filepath.Join(base, config.FileName), cfg); err != nil {
		return errors.Wrapf(err, "write %s", config.FileName)
	}

	wsPath := filepath.Join(base, cfg.Workspace.File)
	tmpl, err := fs.ReadFile(templates.FS, "workspace.yaml")
	if err != nil {
		return errors.Wrap(err, "read workspace template")
	}
	if err := atomicyaml.AtomicWriteRaw(wsPath, tmpl); err != nil {
		return errors.Wrapf(err, "write %s", wsPath)
	}
	// The daemon refuses to start on a workspace that does not load.
	_, err = workspace.Load(wsPath)
	return errors.Wrap(err, "workspace template")
}

// renderConfig fills the embedded config template for projectName and checks
// the result the way config.Load would.
func renderConfig(projectName string) (*model.Config, error) {
	raw, err := fs.ReadFile(templates.FS, config.FileName)
	if err != nil {
		return nil, errors.Wrap(err, "read config template")
	}
	cfg := new(model.Config)
	if err := yamlv3.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config template")
	}
	cfg.Project.Name = projectName
	config.ApplyDefaults(cfg)
	if err := config.Validate(*cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
