// Package daemon runs the long-lived taskweave server: it owns the engine,
// the event pipeline and the execution tracker, and serves them to the CLI over
// a Unix domain socket.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/taskweave/internal/cache"
	"github.com/msageha/taskweave/internal/engine"
	"github.com/msageha/taskweave/internal/events"
	"github.com/msageha/taskweave/internal/lock"
	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/telemetry"
	"github.com/msageha/taskweave/internal/tracker"
	"github.com/msageha/taskweave/internal/uds"
	"github.com/msageha/taskweave/internal/workspace"
)

// Version is reported by ping and attached to telemetry resources.
var Version = "dev"

const (
	lockFileName    = "daemon.lock"
	logFileName     = "daemon.log"
	auditFileName   = "events.jsonl"
	metricsFileName = "metrics.jsonl"
	tracesFileName  = "traces.jsonl"
)

// Daemon is the taskweave server process.
type Daemon struct {
	dir      string
	config   model.Config
	logLevel model.LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	loader    *workspace.Loader
	bus       *events.Bus
	collector *events.Collector
	tracker   *tracker.Tracker
	audit     *events.AuditLogger
	cache     *cache.ResultCache
	executor  *engine.Executor
	service   *engine.Service

	stopAudit         func()
	telemetryShutdown telemetry.ShutdownFunc
	telemetryFiles    []io.Closer

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New creates a daemon rooted at dir (the .taskweave directory) that logs to
// logs/daemon.log.
func New(dir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(dir, "logs", logFileName)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(dir, cfg, logFile, logFile), nil
}

func newDaemon(dir string, cfg model.Config, w io.Writer, closer io.Closer) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	level := model.ParseLogLevel(cfg.Logging.Level)
	logger := log.New(w, "", 0)

	server := uds.NewServer(filepath.Join(dir, uds.DefaultSocketName))
	server.SetLogger(logger)
	if cfg.Daemon.ConnTimeoutSec > 0 {
		server.SetConnTimeout(time.Duration(cfg.Daemon.ConnTimeoutSec) * time.Second)
	}

	bus := events.NewBus(cfg.Events.BufferSize)
	collector := events.NewCollector(cfg.Events.BufferSize)
	tr := tracker.New()
	// The tracker is attached first so a stream's final status already
	// reflects the terminal event the collector delivers.
	bus.Attach(tr.Handle)
	bus.Attach(collector.Publish)

	c := cache.New(cfg.Engine.Cache)
	executor := engine.NewExecutor(c, bus, logger, level)
	executor.SetTaskTimeout(time.Duration(cfg.Engine.TaskTimeoutSec) * time.Second)
	executor.RegisterService(engine.ServiceConfig, cfg)

	return &Daemon{
		dir:       dir,
		config:    cfg,
		logLevel:  level,
		logger:    logger,
		logFile:   closer,
		fileLock:  lock.NewFileLock(filepath.Join(dir, lockFileName)),
		server:    server,
		loader:    workspace.NewLoader(workspacePath(dir, cfg)),
		bus:       bus,
		collector: collector,
		tracker:   tr,
		cache:     c,
		executor:  executor,
		service:   engine.NewService(executor, bus, logger, level),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func workspacePath(dir string, cfg model.Config) string {
	if filepath.IsAbs(cfg.Workspace.File) {
		return cfg.Workspace.File
	}
	return filepath.Join(dir, cfg.Workspace.File)
}

// Run starts the daemon and blocks until a signal or a shutdown request has
// been fully processed.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Start brings every component up and returns once the socket is listening.
func (d *Daemon) Start() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(model.LogLevelInfo, "daemon_starting pid=%d dir=%s", os.Getpid(), d.dir)

	ws, err := d.loader.Current()
	if err != nil {
		d.cleanup()
		return err
	}
	d.log(model.LogLevelInfo, "workspace_loaded path=%s projects=%d", ws.Path, countProjects(ws.Root))

	if err := d.startTelemetry(); err != nil {
		d.cleanup()
		return err
	}
	if err := d.startAudit(); err != nil {
		d.cleanup()
		return err
	}

	d.restoreSnapshot()

	if d.config.Workspace.Watch {
		if err := d.startWatcher(); err != nil {
			d.cleanup()
			return err
		}
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(model.LogLevelInfo, "uds_listening socket=%s", filepath.Join(d.dir, uds.DefaultSocketName))

	d.ticker = time.NewTicker(time.Duration(d.snapshotInterval()) * time.Second)
	d.wg.Add(1)
	go d.tickerLoop()

	d.log(model.LogLevelInfo, "daemon_ready")
	return nil
}

func (d *Daemon) startTelemetry() error {
	tcfg := d.config.Telemetry
	if !tcfg.MetricsEnabled && !tcfg.TracesEnabled {
		return nil
	}

	metricsOut, err := d.openLog(metricsFileName, tcfg.MetricsEnabled)
	if err != nil {
		return err
	}
	tracesOut, err := d.openLog(tracesFileName, tcfg.TracesEnabled)
	if err != nil {
		return err
	}

	shutdown, err := telemetry.Setup(tcfg, Version, metricsOut, tracesOut)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	d.telemetryShutdown = shutdown

	instruments, err := engine.NewInstruments()
	if err != nil {
		return fmt.Errorf("telemetry instruments: %w", err)
	}
	d.executor.SetInstruments(instruments)
	d.log(model.LogLevelInfo, "telemetry_enabled metrics=%t traces=%t", tcfg.MetricsEnabled, tcfg.TracesEnabled)
	return nil
}

// openLog opens logs/name for appending, or returns io.Discard when the signal
// is disabled.
func (d *Daemon) openLog(name string, enabled bool) (io.Writer, error) {
	if !enabled {
		return io.Discard, nil
	}
	path := filepath.Join(d.dir, "logs", name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	d.telemetryFiles = append(d.telemetryFiles, f)
	return f, nil
}

func (d *Daemon) startAudit() error {
	if !d.config.Events.AuditLog {
		return nil
	}
	audit, err := events.NewAuditLogger(filepath.Join(d.dir, "logs", auditFileName), d.config.Events.AuditMaxBytes)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	audit.EnableChecksum(true)
	d.audit = audit
	d.stopAudit = d.bus.Subscribe(events.AllEvents, func(ev model.ExecutionEvent) {
		if err := audit.Record(ev); err != nil {
			d.log(model.LogLevelWarn, "audit_write_error execution=%s error=%v", ev.ExecutionID, err)
		}
	})
	return nil
}

func (d *Daemon) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Editors replace files by rename, so the directory is watched rather than
	// the file itself.
	if err := watcher.Add(filepath.Dir(d.loader.Path())); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(d.loader.Path()), err)
	}
	d.watcher = watcher

	d.wg.Add(1)
	go d.fsnotifyLoop()
	return nil
}

// fsnotifyLoop reloads the workspace whenever its file changes.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	target := filepath.Clean(d.loader.Path())
	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				d.log(model.LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.reloadWorkspace()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(model.LogLevelError, "fsnotify_error error=%v", err)
		}
	}
}

func (d *Daemon) reloadWorkspace() (*workspace.Workspace, error) {
	ws, err := d.loader.Reload()
	if err != nil {
		d.log(model.LogLevelWarn, "workspace_reload_failed error=%v", err)
		return nil, err
	}
	d.log(model.LogLevelInfo, "workspace_reloaded projects=%d", countProjects(ws.Root))
	return ws, nil
}

// tickerLoop evicts expired executions and persists the snapshot.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.maintain(time.Now())
		}
	}
}

func (d *Daemon) maintain(now time.Time) {
	cutoff := now.Add(-time.Duration(d.retention()) * time.Second)
	evicted := d.tracker.Evict(cutoff)
	retired := d.collector.Evict(cutoff)
	if evicted > 0 || retired > 0 {
		d.log(model.LogLevelDebug, "evicted executions=%d streams=%d", evicted, retired)
	}
	if err := d.writeSnapshot(now); err != nil {
		d.log(model.LogLevelWarn, "snapshot_write_error error=%v", err)
	}
}

func (d *Daemon) retention() int {
	if d.config.Tracker.RetentionSec > 0 {
		return d.config.Tracker.RetentionSec
	}
	return 3600
}

func (d *Daemon) snapshotInterval() int {
	if d.config.Daemon.SnapshotIntervalSec > 0 {
		return d.config.Daemon.SnapshotIntervalSec
	}
	return 10
}

// waitSignals blocks until a shutdown signal arrives or Shutdown is called.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log(model.LogLevelInfo, "signal_received signal=%s", sig)
		// A second signal skips the graceful drain.
		go func() {
			<-sigCh
			d.log(model.LogLevelWarn, "second_signal_received forcing exit")
			os.Exit(1)
		}()
	case <-d.ctx.Done():
	}

	d.Shutdown()
}

// Shutdown stops accepting requests, cancels running executions, writes a
// final snapshot and releases resources. Safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(model.LogLevelInfo, "shutdown_started")

		d.cancel()
		if d.ticker != nil {
			d.ticker.Stop()
		}
		if d.watcher != nil {
			d.watcher.Close()
		}
		d.server.Stop()

		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
		defer cancel()

		if err := d.service.Shutdown(ctx); err != nil {
			d.log(model.LogLevelWarn, "shutdown_timeout after=%ds running=%d", timeout, len(d.service.Running()))
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			d.log(model.LogLevelWarn, "background_loops_not_drained")
		}

		if err := d.writeSnapshot(time.Now()); err != nil {
			d.log(model.LogLevelWarn, "snapshot_write_error error=%v", err)
		}

		d.cleanup()
		d.log(model.LogLevelInfo, "daemon_stopped")
	})
}

func (d *Daemon) cleanup() {
	if d.stopAudit != nil {
		d.stopAudit()
	}
	d.bus.Close()
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			d.log(model.LogLevelWarn, "audit_close_error error=%v", err)
		}
	}
	if d.telemetryShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.telemetryShutdown(ctx); err != nil {
			d.log(model.LogLevelWarn, "telemetry_shutdown_error error=%v", err)
		}
		cancel()
	}
	for _, f := range d.telemetryFiles {
		f.Close()
	}

	os.Remove(filepath.Join(d.dir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level model.LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), level, msg)
}

func countProjects(root *engine.Project) int {
	n := 0
	_ = root.Walk(func(*engine.Project, string) error {
		n++
		return nil
	})
	return n
}
