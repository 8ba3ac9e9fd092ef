// Package status renders daemon, execution and event information for the CLI.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/taskweave/internal/daemon"
	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/uds"
)

type DaemonStatus struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Version string `json:"version,omitempty"`
}

type Summary struct {
	Daemon     DaemonStatus            `json:"daemon"`
	Executions []model.ExecutionStatus `json:"executions,omitempty"`
	Running    []model.ExecutionID     `json:"running,omitempty"`
}

// Run prints whether the daemon in dir is up and, if so, its executions.
func Run(dir string, jsonOutput bool, w io.Writer) error {
	client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	client.SetTimeout(5 * time.Second)

	summary := Summary{Daemon: CheckDaemon(client)}
	if summary.Daemon.Running {
		resp, err := client.SendCommand("executions", nil)
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return err
		}
		var list daemon.ExecutionsResult
		if err := resp.Decode(&list); err != nil {
			return fmt.Errorf("decode executions: %w", err)
		}
		summary.Executions = list.Executions
		summary.Running = list.Running
	}

	if jsonOutput {
		return writeJSON(w, summary)
	}
	writeSummary(w, summary)
	return nil
}

// CheckDaemon pings the daemon behind client.
func CheckDaemon(client *uds.Client) DaemonStatus {
	resp, err := client.SendCommand("ping", nil)
	if err != nil || !resp.Success {
		return DaemonStatus{Running: false}
	}
	var ping daemon.PingResult
	if err := resp.Decode(&ping); err != nil {
		return DaemonStatus{Running: true}
	}
	return DaemonStatus{Running: true, PID: ping.PID, Version: ping.Version}
}

func writeSummary(w io.Writer, s Summary) {
	if !s.Daemon.Running {
		fmt.Fprintln(w, "Daemon: stopped")
		return
	}
	fmt.Fprintf(w, "Daemon: running (pid %d, version %s)\n", s.Daemon.PID, s.Daemon.Version)
	fmt.Fprintf(w, "Running executions: %d\n", len(s.Running))
	if len(s.Executions) > 0 {
		fmt.Fprintln(w)
		writeTable(w, s.Executions)
	}
}

// WriteExecution prints one execution status.
func WriteExecution(w io.Writer, st model.ExecutionStatus, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(w, st)
	}
	fmt.Fprintf(w, "Execution: %s\n", st.ExecutionID)
	fmt.Fprintf(w, "Project:   %s\n", st.ProjectName)
	if st.TaskID != "" {
		fmt.Fprintf(w, "Task:      %s\n", st.TaskID)
	}
	fmt.Fprintf(w, "Status:    %s\n", st.Status)
	fmt.Fprintf(w, "Started:   %s\n", st.StartTime.Local().Format(time.RFC3339))
	if st.EndTime != nil {
		fmt.Fprintf(w, "Finished:  %s\n", st.EndTime.Local().Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Duration:  %s\n", st.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "Tasks:     total=%d completed=%d failed=%d skipped=%d\n",
		st.TotalTasks, st.CompletedTasks, st.FailedTasks, st.SkippedTasks)
	if st.Message != "" {
		fmt.Fprintf(w, "Message:   %s\n", st.Message)
	}
	return nil
}

// WriteExecutions prints a table of executions, oldest first.
func WriteExecutions(w io.Writer, list []model.ExecutionStatus, jsonOutput bool) error {
	if jsonOutput {
		if list == nil {
			list = []model.ExecutionStatus{}
		}
		return writeJSON(w, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No executions.")
		return nil
	}
	writeTable(w, list)
	return nil
}

func writeTable(w io.Writer, list []model.ExecutionStatus) {
	fmt.Fprintf(w, "%-41s  %-14s  %-14s  %-9s  %-11s  %s\n", "EXECUTION", "PROJECT", "TASK", "STATUS", "DONE/FAIL", "STARTED")
	for _, st := range list {
		fmt.Fprintf(w, "%-41s  %-14s  %-14s  %-9s  %-11s  %s\n",
			st.ExecutionID, st.ProjectName, st.TaskID, st.Status,
			fmt.Sprintf("%d/%d", st.CompletedTasks, st.FailedTasks),
			st.StartTime.Local().Format("2006-01-02 15:04:05"))
	}
}

// FormatEvent renders one event as a log-style line. Subproject events name
// their parent; failure details follow on indented lines.
func FormatEvent(ev model.ExecutionEvent) string {
	var b strings.Builder
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(ts.Local().Format("15:04:05"))
	b.WriteByte(' ')
	fmt.Fprintf(&b, "%-19s ", ev.Type)

	scope := ev.Project
	if ev.ParentProject != "" {
		scope = ev.ParentProject + "/" + ev.Project
	}
	if ev.TaskID != "" && !ev.Type.IsExecutionLevel() {
		scope += ":" + ev.TaskID
	}
	b.WriteString("[" + scope + "]")

	if ev.Message != "" {
		b.WriteString(" " + ev.Message)
	}
	if ev.ErrorDetails != "" && ev.ErrorDetails != ev.Message {
		for _, line := range strings.Split(strings.TrimRight(ev.ErrorDetails, "\n"), "\n") {
			b.WriteString("\n    " + line)
		}
	}
	return b.String()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
