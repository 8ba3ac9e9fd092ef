// Package tracker folds the execution event stream into queryable
// per-execution status.
package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/msageha/taskweave/internal/model"
)

// Tracker is safe for concurrent use. Entries are immutable *ExecutionStatus
// values swapped in with CompareAndSwap.
type Tracker struct {
	entries sync.Map // model.ExecutionID -> *model.ExecutionStatus
	now     func() time.Time
}

func New() *Tracker {
	return &Tracker{now: func() time.Time { return time.Now().UTC() }}
}

// Handle applies one event. Events for an execution that was never started are
// ignored, as are task.output events.
func (t *Tracker) Handle(event model.ExecutionEvent) {
	if event.Type == model.EventExecutionStarted && event.ParentProject == "" {
		t.start(event)
		return
	}

	for {
		v, ok := t.entries.Load(event.ExecutionID)
		if !ok {
			return
		}
		cur := v.(*model.ExecutionStatus)
		next, changed := t.apply(cur, event)
		if !changed {
			return
		}
		if t.entries.CompareAndSwap(event.ExecutionID, cur, next) {
			return
		}
	}
}

func (t *Tracker) start(event model.ExecutionEvent) {
	status := &model.ExecutionStatus{
		ExecutionID: event.ExecutionID,
		ProjectName: event.Project,
		TaskID:      event.TaskID,
		Status:      model.RunStatusRunning,
		StartTime:   t.now(),
	}
	if !event.Timestamp.IsZero() {
		status.StartTime = event.Timestamp
	}
	t.entries.Store(event.ExecutionID, status)
}

func (t *Tracker) apply(cur *model.ExecutionStatus, event model.ExecutionEvent) (*model.ExecutionStatus, bool) {
	if model.IsTerminal(cur.Status) {
		return cur, false
	}

	next := *cur
	switch event.Type {
	case model.EventTaskStarted:
		next.TotalTasks++
	case model.EventTaskCompleted:
		next.CompletedTasks++
	case model.EventTaskFailed:
		next.FailedTasks++
	case model.EventTaskSkipped:
		next.SkippedTasks++
	case model.EventExecutionCompleted, model.EventExecutionFailed:
		// Subproject-level execution events do not end the execution.
		if event.ParentProject != "" {
			return cur, false
		}
		next.Status = model.RunStatusCompleted
		if event.Type == model.EventExecutionFailed {
			next.Status = model.RunStatusFailed
		}
		end := t.now()
		if !event.Timestamp.IsZero() {
			end = event.Timestamp
		}
		next.EndTime = &end
		next.Message = event.Message
	default:
		return cur, false
	}
	return &next, true
}

// Get returns a copy of the current status of id.
func (t *Tracker) Get(id model.ExecutionID) (model.ExecutionStatus, bool) {
	v, ok := t.entries.Load(id)
	if !ok {
		return model.ExecutionStatus{}, false
	}
	return *v.(*model.ExecutionStatus), true
}

// List returns every tracked execution ordered by start time, then id.
func (t *Tracker) List() []model.ExecutionStatus {
	var out []model.ExecutionStatus
	t.entries.Range(func(_, v any) bool {
		out = append(out, *v.(*model.ExecutionStatus))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ExecutionID < out[j].ExecutionID
	})
	return out
}

// Restore inserts previously persisted entries. Existing ids are kept.
func (t *Tracker) Restore(statuses []model.ExecutionStatus) int {
	n := 0
	for i := range statuses {
		s := statuses[i]
		if s.ExecutionID == "" {
			continue
		}
		if _, loaded := t.entries.LoadOrStore(s.ExecutionID, &s); !loaded {
			n++
		}
	}
	return n
}

// Evict removes terminal entries that ended before cutoff.
func (t *Tracker) Evict(cutoff time.Time) int {
	n := 0
	t.entries.Range(func(k, v any) bool {
		s := v.(*model.ExecutionStatus)
		if model.IsTerminal(s.Status) && s.EndTime != nil && s.EndTime.Before(cutoff) {
			if t.entries.CompareAndDelete(k, v) {
				n++
			}
		}
		return true
	})
	return n
}

// Len returns the number of tracked executions.
func (t *Tracker) Len() int {
	n := 0
	t.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
