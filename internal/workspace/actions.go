package workspace

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/msageha/taskweave/internal/task"
)

// commandAction runs argv (plus the task arguments) in the project directory.
// Output lines are forwarded to the environment as they are produced; a
// non-zero exit is a failed result, a command that cannot start is an error.
func commandAction(argv []string) task.ConfiguredAction {
	return func(ctx context.Context, env task.Environment, project task.ProjectContext, cfg map[string]string, args []string) (task.Result, error) {
		name := argv[0]
		cmd := exec.CommandContext(ctx, name, append(argv[1:len(argv):len(argv)], args...)...)
		cmd.Dir = project.Dir
		cmd.Env = append(os.Environ(), commandEnv(project, cfg)...)

		pr, pw := io.Pipe()
		cmd.Stdout = pw
		cmd.Stderr = pw

		scanned := make(chan struct{})
		go func() {
			defer close(scanned)
			scanner := bufio.NewScanner(pr)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				env.Output(scanner.Text())
			}
			_, _ = io.Copy(io.Discard, pr)
		}()

		if err := cmd.Start(); err != nil {
			pw.Close()
			<-scanned
			return task.Result{}, fmt.Errorf("start %s: %w", name, err)
		}
		waitErr := cmd.Wait()
		pw.Close()
		<-scanned

		command := strings.Join(argv, " ")
		var exitErr *exec.ExitError
		switch {
		case waitErr == nil:
			return task.Success(command + " succeeded"), nil
		case ctx.Err() != nil:
			return task.Failure(command + " cancelled"), nil
		case errors.As(waitErr, &exitErr):
			return task.Failure(fmt.Sprintf("%s exited with code %d", command, exitErr.ExitCode())), nil
		default:
			return task.Result{}, fmt.Errorf("wait %s: %w", name, waitErr)
		}
	}
}

// messageAction succeeds with msg, expanding ${KEY} from the task config.
func messageAction(msg string) task.ConfiguredAction {
	return func(_ context.Context, env task.Environment, _ task.ProjectContext, cfg map[string]string, _ []string) (task.Result, error) {
		expanded := os.Expand(msg, func(key string) string { return cfg[key] })
		env.Output(expanded)
		return task.Success(expanded), nil
	}
}

// bind adapts a configured action to a plain one with a fixed configuration.
func bind(action task.ConfiguredAction, cfg map[string]string) task.Action {
	if action == nil {
		return nil
	}
	return func(ctx context.Context, env task.Environment, project task.ProjectContext, args []string) (task.Result, error) {
		return action(ctx, env, project, cfg, args)
	}
}

func commandEnv(project task.ProjectContext, cfg map[string]string) []string {
	out := []string{
		"TASKWEAVE_PROJECT=" + project.Name,
		"TASKWEAVE_PROJECT_DIR=" + project.Dir,
	}
	if project.Parent != "" {
		out = append(out, "TASKWEAVE_PARENT_PROJECT="+project.Parent)
	}
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+cfg[k])
	}
	return out
}
