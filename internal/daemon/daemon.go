package daemon

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/msageha/taskrouter/internal/clock"
	"github.com/msageha/taskrouter/internal/config"
	"github.com/msageha/taskrouter/internal/events"
	"github.com/msageha/taskrouter/internal/lock"
	"github.com/msageha/taskrouter/internal/model"
	"github.com/msageha/taskrouter/internal/offer"
	"github.com/msageha/taskrouter/internal/store"
	"github.com/msageha/taskrouter/internal/uds"
)

// Daemon is the main router process: it owns the engine and serves the UDS
// command surface.
type Daemon struct {
	dir      string
	config   model.Config
	logLevel LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *config.Watcher
	bus      *events.Bus
	audit    *events.AuditLogger
	engine   *Engine

	clock    clock.Clock
	tasks    store.TaskRepository
	presence store.PresenceStore
	closers  []io.Closer

	routingMu sync.Mutex
	shutdown  sync.Once
	stopped   chan struct{}
}

// New creates a Daemon rooted at dir, logging to dir/logs/daemon.log.
func New(dir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(dir, "logs", "daemon.log")
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
	server := uds.NewServer(filepath.Join(dir, uds.DefaultSocketName))
	logger := log.New(w, "", 0)
	server.SetLogger(logger)

	return &Daemon{
		dir:      dir,
		config:   cfg,
		logLevel: parseLogLevel(cfg.Logging.Level),
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(dir, "locks", "daemon.lock")),
		server:   server,
		clock:    clock.Real(),
		stopped:  make(chan struct{}),
	}
}

// SetRepository replaces the SQLite store. Must be called before Run().
func (d *Daemon) SetRepository(tasks store.TaskRepository, presence store.PresenceStore) {
	d.tasks = tasks
	d.presence = presence
}

// SetClock overrides the wall clock. Must be called before Run().
func (d *Daemon) SetClock(c clock.Clock) {
	d.clock = c
}

// Engine returns the routing engine once the daemon has started.
func (d *Daemon) Engine() *Engine { return d.engine }

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

func (d *Daemon) start() error {
	// Step 1: Acquire file lock
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	// Step 2: Open the task store
	if d.tasks == nil {
		path := d.config.Storage.Path
		if path == "" {
			path = filepath.Join("state", "tasks.db")
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(d.dir, path)
		}
		s, err := store.NewSQLiteStore(path)
		if err != nil {
			d.cleanup()
			return fmt.Errorf("open store: %w", err)
		}
		d.tasks, d.presence = s, s
		d.closers = append(d.closers, s)
	}

	// Step 3: Event bus and audit trail
	bufSize := d.config.Events.BufferSize
	if bufSize <= 0 {
		bufSize = model.DefaultEventBufferSize
	}
	d.bus = events.NewBus(bufSize)
	d.bus.SetPanicHandler(func(et events.EventType, r any) {
		d.log(LogLevelError, "subscriber panic event=%s recovered=%v", et, r)
	})
	auditPath := d.config.Events.AuditLog
	if auditPath == "" {
		auditPath = filepath.Join("logs", "audit"+events.LogFileExtension)
	}
	if !filepath.IsAbs(auditPath) {
		auditPath = filepath.Join(d.dir, auditPath)
	}
	audit, err := events.NewAuditLogger(auditPath, d.config.Events.MaxLogBytes)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open audit log: %w", err)
	}
	audit.SetErrorHandler(func(err error) {
		d.log(LogLevelWarn, "audit write error=%v", err)
	})
	d.audit = audit
	d.bus.SubscribeAll(audit.Subscriber())

	// Step 4: Build the engine and load reference data
	d.engine = NewEngine(EngineOptions{
		Config:   d.config,
		Clock:    d.clock,
		Tasks:    d.tasks,
		Presence: d.presence,
		Events:   d.bus,
		Offer:    d.offerClient(),
		Logger:   d.logger,
	})
	rc, err := d.loadRouting()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("load routing: %w", err)
	}
	if err := d.engine.ApplyRouting(rc); err != nil {
		d.cleanup()
		return fmt.Errorf("apply routing: %w", err)
	}
	d.log(LogLevelInfo, "routing loaded mrds=%d agents=%d queues=%d", len(rc.MRDs), len(rc.Agents), len(rc.Queues))

	// Step 5: Replay persisted tasks
	if _, err := d.engine.Replay(); err != nil {
		d.cleanup()
		return fmt.Errorf("replay: %w", err)
	}

	// Step 6: Register UDS handlers and start serving
	maxReq := int64(d.config.Daemon.MaxConcurrentRequests)
	if maxReq <= 0 {
		maxReq = model.DefaultMaxConcurrentRequests
	}
	d.server.SetMaxConcurrent(maxReq, d.requestTimeout())
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(LogLevelInfo, "UDS server listening on %s", filepath.Join(d.dir, uds.DefaultSocketName))

	// Step 7: Watch routing.yaml
	d.watcher = config.NewWatcher(d.routingPath(),
		time.Duration(d.config.Watcher.DebounceMs)*time.Millisecond, d.onRoutingChange)
	d.watcher.SetErrorHandler(func(err error) {
		d.log(LogLevelWarn, "routing watcher error=%v", err)
	})
	if err := d.watcher.Start(); err != nil {
		d.log(LogLevelWarn, "routing watcher disabled: %v", err)
		d.watcher = nil
	}

	d.log(LogLevelInfo, "daemon ready")
	return nil
}

func (d *Daemon) offerClient() offer.Client {
	if d.config.Offer.URL == "" {
		return offer.Noop{}
	}
	sec := d.config.Offer.TimeoutSec
	if sec <= 0 {
		sec = model.DefaultOfferTimeoutSec
	}
	var opts []offer.Option
	if d.config.Offer.RevokeURL != "" {
		opts = append(opts, offer.WithRevokeURL(d.config.Offer.RevokeURL))
	}
	return offer.NewHTTPClient(d.config.Offer.URL, time.Duration(sec)*time.Second, opts...)
}

func (d *Daemon) requestTimeout() time.Duration {
	sec := d.config.Daemon.RequestTimeoutSec
	if sec <= 0 {
		sec = model.DefaultRequestTimeoutSec
	}
	return time.Duration(sec) * time.Second
}

// loadRouting reads routing.yaml. A missing file is an empty configuration.
func (d *Daemon) loadRouting() (*model.RoutingConfig, error) {
	rc, err := config.LoadRouting(d.routingPath())
	if errors.Is(err, fs.ErrNotExist) {
		return &model.RoutingConfig{}, nil
	}
	return rc, err
}

func (d *Daemon) onRoutingChange(rc *model.RoutingConfig) {
	d.routingMu.Lock()
	defer d.routingMu.Unlock()
	if err := d.engine.ApplyRouting(rc); err != nil {
		d.log(LogLevelError, "routing reload failed: %v", err)
		return
	}
	d.log(LogLevelInfo, "routing reloaded mrds=%d agents=%d queues=%d", len(rc.MRDs), len(rc.Agents), len(rc.Queues))
}

// waitSignals blocks until a shutdown signal is received or Shutdown is
// called from elsewhere.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)
		go func() {
			<-sigCh
			d.log(LogLevelWarn, "received second signal, forcing exit")
			os.Exit(1)
		}()
		d.Shutdown()
	case <-d.stopped:
	}
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		if d.watcher != nil {
			d.watcher.Stop()
		}
		if d.server != nil {
			d.server.Stop()
		}

		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = model.DefaultShutdownTimeoutSec
		}
		done := make(chan struct{})
		go func() {
			if d.engine != nil {
				d.engine.Close()
			}
			close(done)
		}()
		select {
		case <-done:
			d.log(LogLevelInfo, "routers drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(LogLevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		d.log(LogLevelInfo, "daemon stopped")
		d.cleanup()
		close(d.stopped)
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	_ = os.Remove(filepath.Join(d.dir, uds.DefaultSocketName))
	if d.bus != nil {
		d.bus.Close()
	}
	if d.audit != nil {
		_ = d.audit.Close()
	}
	for _, c := range d.closers {
		_ = c.Close()
	}
	_ = d.fileLock.Unlock()
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	logf(d.logger, d.logLevel, "daemon", level, format, args...)
}
