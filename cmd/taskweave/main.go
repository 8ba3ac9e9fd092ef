package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/msageha/taskweave/internal/cache"
	"github.com/msageha/taskweave/internal/config"
	"github.com/msageha/taskweave/internal/daemon"
	"github.com/msageha/taskweave/internal/engine"
	"github.com/msageha/taskweave/internal/events"
	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/setup"
	"github.com/msageha/taskweave/internal/status"
	"github.com/msageha/taskweave/internal/tracker"
	"github.com/msageha/taskweave/internal/uds"
	"github.com/msageha/taskweave/internal/workspace"
)

const version = "0.1.0"

func main() {
	daemon.Version = version

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "reload":
		runReload(os.Args[2:])
	case "run":
		runRun(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "cache":
		runCache(os.Args[2:])
	case "version":
		fmt.Printf("taskweave %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runInit(args []string) {
	dir := "."
	var name string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			i++
			name = args[i]
		default:
			dir = args[i]
		}
	}

	if err := setup.Run(dir, name); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized %s/ in %s\n", setup.DirName, absDir)
}

func runDaemon(_ []string) {
	dir := requireDir()
	cfg := mustLoadConfig(dir)

	d, err := daemon.New(dir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runStop(_ []string) {
	resp := send("shutdown", nil)
	printData(resp)
}

func runReload(_ []string) {
	resp := send("reload", nil)
	printData(resp)
}

func runRun(args []string) {
	var watch, local bool
	var positional, taskArgs []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--watch":
			watch = true
		case "--local":
			local = true
		case "--":
			taskArgs = append(taskArgs, args[i+1:]...)
			i = len(args)
		default:
			positional = append(positional, args[i])
		}
	}
	if len(positional) < 2 {
		fmt.Fprintln(os.Stderr, "usage: taskweave run <project> <task> [args...] [--watch] [--local]")
		os.Exit(1)
	}
	project, taskID := positional[0], positional[1]
	taskArgs = append(positional[2:], taskArgs...)

	if local {
		os.Exit(runLocal(project, taskID, taskArgs))
	}

	params := daemon.ExecuteParams{Project: project, Task: taskID, Args: taskArgs, Watch: watch}
	if !watch {
		resp := stream("execute", params, nil)
		var result daemon.ExecuteResult
		if err := resp.Decode(&result); err != nil {
			fmt.Fprintf(os.Stderr, "run: decode response: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(result.ExecutionID)
		return
	}

	resp := stream("execute", params, printEvent)
	os.Exit(finish(resp))
}

// runLocal executes in-process without a daemon and returns the exit code.
func runLocal(projectName, taskID string, args []string) int {
	dir := requireDir()
	cfg := mustLoadConfig(dir)

	wsPath := cfg.Workspace.File
	if !filepath.IsAbs(wsPath) {
		wsPath = filepath.Join(dir, wsPath)
	}
	ws, err := workspace.Load(wsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}
	project := ws.Project(projectName)
	if project == nil {
		fmt.Fprintf(os.Stderr, "run: project %q not found\n", projectName)
		return 1
	}
	if err := project.Validate(taskID); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}

	level := model.ParseLogLevel(cfg.Logging.Level)
	logger := log.New(os.Stderr, "", 0)

	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()
	tr := tracker.New()
	bus.Attach(tr.Handle)
	bus.Attach(func(ev model.ExecutionEvent) {
		fmt.Println(status.FormatEvent(ev))
	})

	executor := engine.NewExecutor(cache.New(cfg.Engine.Cache), bus, logger, level)
	executor.SetTaskTimeout(time.Duration(cfg.Engine.TaskTimeoutSec) * time.Second)
	executor.RegisterService(engine.ServiceConfig, cfg)
	service := engine.NewService(executor, bus, logger, level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	id := model.NewExecutionID()
	if _, err := service.Run(ctx, id, project, taskID, args); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
	}

	st, ok := tr.Get(id)
	if !ok {
		return 1
	}
	fmt.Println()
	status.WriteExecution(os.Stdout, st, false)
	if st.Status != model.RunStatusCompleted {
		return 1
	}
	return 0
}

func runStatus(args []string) {
	jsonOutput := false
	var id string
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			id = a
		}
	}

	if id == "" {
		if err := status.Run(requireDir(), jsonOutput, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			os.Exit(1)
		}
		return
	}

	resp := send("status", daemon.ExecutionParams{ExecutionID: id})
	var st model.ExecutionStatus
	if err := resp.Decode(&st); err != nil {
		fmt.Fprintf(os.Stderr, "status: decode response: %v\n", err)
		os.Exit(1)
	}
	status.WriteExecution(os.Stdout, st, jsonOutput)
}

func runList(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: taskweave list [--json]\n", a)
			os.Exit(1)
		}
	}

	resp := send("executions", nil)
	var result daemon.ExecutionsResult
	if err := resp.Decode(&result); err != nil {
		fmt.Fprintf(os.Stderr, "list: decode response: %v\n", err)
		os.Exit(1)
	}
	status.WriteExecutions(os.Stdout, result.Executions, jsonOutput)
}

func runWatch(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskweave watch <execution_id>")
		os.Exit(1)
	}
	resp := stream("watch", daemon.ExecutionParams{ExecutionID: args[0]}, printEvent)
	os.Exit(finish(resp))
}

func runCancel(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskweave cancel <execution_id>")
		os.Exit(1)
	}
	resp := send("cancel", daemon.ExecutionParams{ExecutionID: args[0]})
	printData(resp)
}

func runCache(args []string) {
	if len(args) != 1 || args[0] != "clear" {
		fmt.Fprintln(os.Stderr, "usage: taskweave cache clear")
		os.Exit(1)
	}
	resp := send("cache_clear", nil)
	var result daemon.CacheClearResult
	resp.Decode(&result)
	fmt.Printf("cleared %d cached result(s)\n", result.Cleared)
}

func printEvent(raw json.RawMessage) error {
	var ev model.ExecutionEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	fmt.Println(status.FormatEvent(ev))
	return nil
}

// finish prints the final status of a stream and returns the exit code.
func finish(resp *uds.Response) int {
	var st model.ExecutionStatus
	if err := resp.Decode(&st); err != nil {
		fmt.Fprintf(os.Stderr, "decode status: %v\n", err)
		return 1
	}
	fmt.Println()
	status.WriteExecution(os.Stdout, st, false)
	if st.Status != model.RunStatusCompleted {
		return 1
	}
	return 0
}

func client() *uds.Client {
	return uds.NewClient(filepath.Join(requireDir(), uds.DefaultSocketName))
}

// send issues a request and exits on transport or daemon errors.
func send(command string, params any) *uds.Response {
	resp, err := client().SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}
	exitOnError(command, resp)
	return resp
}

// stream issues a streaming request, cancelled by SIGINT, and exits on errors.
func stream(command string, params any, onItem func(json.RawMessage) error) *uds.Response {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if onItem == nil {
		onItem = func(json.RawMessage) error { return nil }
	}
	resp, err := client().Stream(ctx, command, params, onItem)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "interrupted; the execution keeps running in the daemon")
		os.Exit(130)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}
	exitOnError(command, resp)
	return resp
}

func exitOnError(command string, resp *uds.Response) {
	if resp.Success {
		return
	}
	code := ""
	msg := "unknown error"
	if resp.Error != nil {
		code = resp.Error.Code
		msg = resp.Error.Message
	}
	fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", command, code, msg)
	os.Exit(1)
}

func printData(resp *uds.Response) {
	out, _ := json.MarshalIndent(json.RawMessage(resp.Data), "", "  ")
	fmt.Println(string(out))
}

func requireDir() string {
	dir := findDir()
	if dir == "" {
		fmt.Fprintf(os.Stderr, "error: %s/ directory not found. Run 'taskweave init' first.\n", setup.DirName)
		os.Exit(1)
	}
	return dir
}

// findDir searches for .taskweave/ in the current directory and ancestors.
func findDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, setup.DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func mustLoadConfig(dir string) model.Config {
	cfg, err := config.Load(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `taskweave %s - task graph execution engine

Usage: taskweave <command> [options]

Setup:
  init [dir] [--name <name>]   Initialize .taskweave/

Daemon:
  daemon                       Run the daemon in the foreground
  stop                         Ask the daemon to shut down
  reload                       Re-read workspace.yaml

Executions:
  run <project> <task> [args...] [--watch] [--local]
                               Execute a task across a project tree
  status [execution_id] [--json]
                               Show daemon or execution status
  list [--json]                List tracked executions
  watch <execution_id>         Stream events of a running execution
  cancel <execution_id>        Cancel a running execution
  cache clear                  Drop all cached task results

Other:
  version                      Show version
  help                         Show this help

`, version)
}
