package daemon

import (
	"errors"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/msageha/taskweave/internal/model"
	yamlutil "github.com/msageha/taskweave/internal/yaml"
)

// executionsSnapshot is the on-disk form of state/executions.yaml.
type executionsSnapshot struct {
	yamlutil.SchemaHeader `yaml:",inline"`
	Executions            []model.ExecutionStatus `yaml:"executions"`
	UpdatedAt             *time.Time              `yaml:"updated_at"`
}

func (d *Daemon) snapshotPath() string {
	return filepath.Join(d.dir, "state", "executions.yaml")
}

// writeSnapshot persists the finished executions. Running ones are left out:
// they cannot be resumed by a later daemon.
func (d *Daemon) writeSnapshot(now time.Time) error {
	var finished []model.ExecutionStatus
	for _, st := range d.tracker.List() {
		if model.IsTerminal(st.Status) {
			finished = append(finished, st)
		}
	}
	updatedAt := now.UTC()
	return yamlutil.AtomicWrite(d.snapshotPath(), executionsSnapshot{
		SchemaHeader: yamlutil.NewHeader(yamlutil.FileTypeStateExecutions),
		Executions:   finished,
		UpdatedAt:    &updatedAt,
	})
}

// restoreSnapshot loads finished executions from a previous run into the
// tracker. A corrupt snapshot is quarantined and recovered from its backup or
// replaced by an empty one.
func (d *Daemon) restoreSnapshot() int {
	path := d.snapshotPath()
	snap, err := readSnapshot(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0
	}
	if err != nil {
		d.log(model.LogLevelWarn, "snapshot_corrupt file=%s error=%v", path, err)
		if rerr := yamlutil.RecoverCorruptedFile(d.dir, path, yamlutil.FileTypeStateExecutions); rerr != nil {
			d.log(model.LogLevelError, "snapshot_recover_failed file=%s error=%v", path, rerr)
			return 0
		}
		if snap, err = readSnapshot(path); err != nil {
			d.log(model.LogLevelError, "snapshot_unreadable file=%s error=%v", path, err)
			return 0
		}
	}

	var finished []model.ExecutionStatus
	for _, st := range snap.Executions {
		if model.IsTerminal(st.Status) {
			finished = append(finished, st)
		}
	}
	n := d.tracker.Restore(finished)
	d.log(model.LogLevelInfo, "snapshot_restored executions=%d", n)
	return n
}

func readSnapshot(path string) (*executionsSnapshot, error) {
	var snap executionsSnapshot
	if err := yamlutil.ReadFile(path, yamlutil.FileTypeStateExecutions, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
