package daemon

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/msageha/taskweave/internal/engine"
	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/uds"
)

// ExecuteParams are the parameters of the execute command. With Watch set the
// reply is a stream of events closed by the final execution status.
type ExecuteParams struct {
	Project string   `json:"project"`
	Task    string   `json:"task"`
	Args    []string `json:"args,omitempty"`
	Watch   bool     `json:"watch,omitempty"`
}

type ExecuteResult struct {
	ExecutionID model.ExecutionID `json:"execution_id"`
}

// ExecutionParams address one execution (status, watch, cancel).
type ExecutionParams struct {
	ExecutionID string `json:"execution_id"`
}

type ExecutionsResult struct {
	Executions []model.ExecutionStatus `json:"executions"`
	Running    []model.ExecutionID     `json:"running,omitempty"`
}

type ReloadResult struct {
	Path     string    `json:"path"`
	Projects int       `json:"projects"`
	LoadedAt time.Time `json:"loaded_at"`
}

type CacheClearResult struct {
	Cleared int `json:"cleared"`
}

type PingResult struct {
	Status  string `json:"status"`
	PID     int    `json:"pid"`
	Version string `json:"version"`
}

func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(PingResult{Status: "ok", PID: os.Getpid(), Version: Version})
	})

	d.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		d.log(model.LogLevelInfo, "shutdown_requested via=uds")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle("reload", d.handleReload)
	d.server.HandleStream("execute", d.handleExecute)
	d.server.HandleStream("watch", d.handleWatch)
	d.server.Handle("status", d.handleStatus)
	d.server.Handle("executions", d.handleExecutions)
	d.server.Handle("cancel", d.handleCancel)
	d.server.Handle("cache_clear", d.handleCacheClear)
}

func (d *Daemon) handleReload(req *uds.Request) *uds.Response {
	ws, err := d.reloadWorkspace()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	return uds.SuccessResponse(ReloadResult{
		Path:     ws.Path,
		Projects: countProjects(ws.Root),
		LoadedAt: d.loader.LoadedAt(),
	})
}

// handleExecute submits an execution. Without watch it answers with the id
// right away. With watch it subscribes before submitting so no event is missed
// and streams until the execution finishes. A client that disconnects stops
// the stream, not the execution.
func (d *Daemon) handleExecute(ctx context.Context, req *uds.Request, send func(any) error) *uds.Response {
	var params ExecuteParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if params.Project == "" || params.Task == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "project and task are required")
	}

	ws, err := d.loader.Current()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeUnavailable, err.Error())
	}

	id := model.NewExecutionID()
	var (
		ch     <-chan model.ExecutionEvent
		cancel = func() {}
	)
	if params.Watch {
		ch, cancel = d.collector.Subscribe(id)
	}
	defer cancel()

	if err := d.service.SubmitWithID(d.ctx, id, ws.Root, params.Project, params.Task, params.Args); err != nil {
		d.log(model.LogLevelInfo, "execute_rejected project=%s task=%s error=%v", params.Project, params.Task, err)
		return submitError(err)
	}

	if !params.Watch {
		return uds.SuccessResponse(ExecuteResult{ExecutionID: id})
	}
	return d.stream(ctx, id, ch, send)
}

func submitError(err error) *uds.Response {
	switch {
	case errors.Is(err, engine.ErrProjectNotFound):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.Is(err, engine.ErrServiceClosed):
		return uds.ErrorResponse(uds.ErrCodeUnavailable, err.Error())
	default:
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
}

// handleWatch streams the future events of an execution. Earlier events are
// not replayed; a finished execution ends the stream immediately with its
// final status, even when the collector no longer knows it (restored from the
// snapshot or its stream already evicted).
func (d *Daemon) handleWatch(ctx context.Context, req *uds.Request, send func(any) error) *uds.Response {
	id, resp := d.executionParam(req)
	if resp != nil {
		return resp
	}
	status, ok := d.tracker.Get(id)
	if !ok {
		return uds.ErrorResponse(uds.ErrCodeNotFound, "execution not found: "+id.String())
	}
	if model.IsTerminal(status.Status) {
		return uds.SuccessResponse(status)
	}

	ch, cancel := d.collector.Subscribe(id)
	defer cancel()
	// The tracker sees the terminal event before the collector, so a finish
	// between Get and Subscribe shows up here.
	if status, _ := d.tracker.Get(id); model.IsTerminal(status.Status) {
		return uds.SuccessResponse(status)
	}
	return d.stream(ctx, id, ch, send)
}

// stream forwards events from ch until the collector closes it, then replies
// with the tracked status.
func (d *Daemon) stream(ctx context.Context, id model.ExecutionID, ch <-chan model.ExecutionEvent, send func(any) error) *uds.Response {
	for {
		select {
		case <-ctx.Done():
			if d.ctx.Err() != nil {
				return uds.ErrorResponse(uds.ErrCodeUnavailable, "daemon shutting down")
			}
			return nil
		case ev, ok := <-ch:
			if !ok {
				status, found := d.tracker.Get(id)
				if !found {
					return uds.ErrorResponse(uds.ErrCodeNotFound, "execution not found: "+id.String())
				}
				return uds.SuccessResponse(status)
			}
			if err := send(ev); err != nil {
				d.log(model.LogLevelDebug, "stream_send_error execution=%s error=%v", id, err)
				return nil
			}
		}
	}
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	id, resp := d.executionParam(req)
	if resp != nil {
		return resp
	}
	status, ok := d.tracker.Get(id)
	if !ok {
		return uds.ErrorResponse(uds.ErrCodeNotFound, "execution not found: "+id.String())
	}
	return uds.SuccessResponse(status)
}

func (d *Daemon) handleExecutions(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(ExecutionsResult{
		Executions: d.tracker.List(),
		Running:    d.service.Running(),
	})
}

func (d *Daemon) handleCancel(req *uds.Request) *uds.Response {
	id, resp := d.executionParam(req)
	if resp != nil {
		return resp
	}
	if err := d.service.Cancel(id); err != nil {
		if errors.Is(err, engine.ErrExecutionNotFound) {
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(map[string]string{"status": "cancel_requested", "execution_id": id.String()})
}

func (d *Daemon) handleCacheClear(req *uds.Request) *uds.Response {
	n := d.cache.Clear()
	d.log(model.LogLevelInfo, "cache_cleared entries=%d", n)
	return uds.SuccessResponse(CacheClearResult{Cleared: n})
}

func (d *Daemon) executionParam(req *uds.Request) (model.ExecutionID, *uds.Response) {
	var params ExecutionParams
	if err := req.DecodeParams(&params); err != nil {
		return "", uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	id, err := model.ParseExecutionID(params.ExecutionID)
	if err != nil {
		return "", uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	return id, nil
}
