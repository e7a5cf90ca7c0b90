package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/travisgalloway/caw/internal/config"
	"github.com/travisgalloway/caw/internal/core"
	"github.com/travisgalloway/caw/internal/logging"
	"github.com/travisgalloway/caw/internal/server"
	"github.com/travisgalloway/caw/internal/service"
	"github.com/travisgalloway/caw/internal/spawner"
)

// Coordination timeouts.
const (
	HealthTimeout     = 3 * time.Second
	HeartbeatInterval = 15 * time.Second
	StaleTimeout      = 60 * time.Second
)

// Role is what this process resolved to after the lock-file race.
type Role string

const (
	RoleDaemon Role = "daemon"
	RoleClient Role = "client"
)

// Daemon is one process attached to a database: either the daemon serving
// the RPC surface, or a client monitoring the daemon's health for handoff.
type Daemon struct {
	cfg      *config.Config
	services *service.Services
	registry *spawner.Registry
	srv      *server.Server
	logger   *logging.Logger

	lockPath  string
	sessionID string
	role      Role
}

// New wires a daemon over already-opened services.
func New(cfg *config.Config, svcs *service.Services, registry *spawner.Registry, srv *server.Server, logger *logging.Logger) *Daemon {
	return &Daemon{
		cfg:      cfg,
		services: svcs,
		registry: registry,
		srv:      srv,
		logger:   logger,
		lockPath: config.LockFilePath(cfg.DBPath),
	}
}

// Role reports what the process resolved to.
func (d *Daemon) Role() Role { return d.role }

// SessionID reports this process's session identity.
func (d *Daemon) SessionID() string { return d.sessionID }

// Run resolves the daemon race and blocks serving (daemon) or monitoring
// (client) until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	// Stale state from crashed processes goes first.
	if _, err := d.services.Locks.ReleaseStale(ctx, StaleTimeout.Milliseconds()); err != nil {
		d.logger.Warn("releasing stale workflow locks failed", "error", err)
	}
	if _, err := d.services.Sessions.CleanupStale(ctx, StaleTimeout.Milliseconds()); err != nil {
		d.logger.Warn("cleaning stale sessions failed", "error", err)
	}

	if lf := d.liveDaemonLock(); lf != nil {
		return d.runClient(ctx, lf)
	}

	// No live daemon: clear any stale daemon session row and race for the
	// lock file.
	d.removeStaleDaemonSession(ctx)
	if os.Remove(d.lockPath) == nil {
		d.logger.Info("removed stale lock file")
	}

	sess, err := d.services.Sessions.Register(ctx, os.Getpid(), true)
	if err != nil {
		return err
	}
	d.sessionID = sess.ID

	err = WriteLockFileExclusive(d.lockPath, &LockFile{
		PID:       os.Getpid(),
		Port:      d.cfg.Port,
		SessionID: sess.ID,
	})
	if err != nil {
		if !os.IsExist(err) {
			return err
		}
		// Lost the race; demote to client against whoever won.
		d.logger.Info("lost daemon race, becoming client")
		if err := d.services.Sessions.Deregister(ctx, sess.ID); err != nil {
			d.logger.Warn("deregistering daemon session failed", "error", err)
		}
		lf, rerr := ReadLockFile(d.lockPath)
		if rerr != nil {
			return rerr
		}
		return d.runClient(ctx, lf)
	}

	return d.runDaemon(ctx)
}

// liveDaemonLock returns the lock file when it names a live, healthy
// daemon.
func (d *Daemon) liveDaemonLock() *LockFile {
	lf, err := ReadLockFile(d.lockPath)
	if err != nil {
		return nil
	}
	if lf.ShuttingDown || !PIDAlive(lf.PID) {
		return nil
	}
	if !server.HealthCheck(lf.Port, HealthTimeout) {
		return nil
	}
	return lf
}

func (d *Daemon) removeStaleDaemonSession(ctx context.Context) {
	stale, err := d.services.Sessions.Daemon(ctx)
	if err != nil || stale == nil {
		return
	}
	if !PIDAlive(stale.PID) {
		d.logger.Info("removing stale daemon session", "session_id", stale.ID)
		if err := d.services.Sessions.Deregister(ctx, stale.ID); err != nil {
			d.logger.Warn("stale daemon session cleanup failed", "error", err)
		}
	}
}

// runDaemon serves the RPC surface, heartbeats the session, and resumes
// interrupted workflows.
func (d *Daemon) runDaemon(ctx context.Context) error {
	d.role = RoleDaemon
	logger := d.logger.WithSession(d.sessionID)
	logger.Info("running as daemon", "transport", d.cfg.Transport, "port", d.cfg.Port)

	defer d.cleanup(logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := d.services.Sessions.Heartbeat(gctx, d.sessionID); err != nil {
					logger.Warn("session heartbeat failed", "error", err)
				}
			}
		}
	})

	g.Go(func() error {
		report, err := d.registry.ResumeWorkflows(gctx)
		if err != nil {
			logger.Warn("workflow resume pass failed", "error", err)
			return nil
		}
		if len(report.Resumed) > 0 || len(report.Skipped) > 0 {
			logger.Info("workflow resume pass finished",
				"resumed", len(report.Resumed), "skipped", len(report.Skipped), "errors", len(report.Errors))
		}
		return nil
	})

	switch d.cfg.Transport {
	case config.TransportHTTP:
		g.Go(func() error { return d.srv.StartHTTP(d.cfg.Port) })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return d.srv.Shutdown(shutdownCtx)
		})
	default:
		// The HTTP surface still runs for child-agent callbacks and health,
		// with stdio as the primary client transport.
		g.Go(func() error { return d.srv.StartHTTP(d.cfg.Port) })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return d.srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error { return d.srv.ServeStdio(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// cleanup flags shutdown in the lock file, tears down spawners, and unlinks
// the lock file if this session still owns it.
func (d *Daemon) cleanup(logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if lf, err := ReadLockFile(d.lockPath); err == nil && lf.SessionID == d.sessionID {
		lf.ShuttingDown = true
		if err := RewriteLockFile(d.lockPath, lf); err != nil {
			logger.Warn("flagging shutdown in lock file failed", "error", err)
		}
	}

	d.registry.ShutdownAll(ctx)

	if err := d.services.Sessions.Deregister(ctx, d.sessionID); err != nil {
		logger.Warn("session deregister failed", "error", err)
	}
	if err := RemoveLockFileIfOwner(d.lockPath, d.sessionID); err != nil {
		logger.Warn("lock file removal failed", "error", err)
	}
	logger.Info("daemon shut down")
}

// runClient registers a non-daemon session and monitors the daemon,
// attempting promotion when it dies. A lock-file watch reacts faster than
// the heartbeat-interval poll.
func (d *Daemon) runClient(ctx context.Context, daemonLock *LockFile) error {
	d.role = RoleClient
	sess, err := d.services.Sessions.Register(ctx, os.Getpid(), false)
	if err != nil {
		return err
	}
	d.sessionID = sess.ID
	logger := d.logger.WithSession(sess.ID)
	logger.Info("running as client", "daemon_pid", daemonLock.PID, "daemon_port", daemonLock.Port)

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.services.Sessions.Deregister(cleanupCtx, d.sessionID); err != nil {
			logger.Warn("session deregister failed", "error", err)
		}
	}()

	lockEvents := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(d.lockPath)); err == nil {
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case ev, okCh := <-watcher.Events:
						if !okCh {
							return
						}
						if ev.Name == d.lockPath {
							select {
							case lockEvents <- struct{}{}:
							default:
							}
						}
					case <-watcher.Errors:
					}
				}
			}()
		}
	}

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lockEvents:
		case <-ticker.C:
		}

		if err := d.services.Sessions.Heartbeat(ctx, d.sessionID); err != nil {
			logger.Warn("session heartbeat failed", "error", err)
		}
		if d.liveDaemonLock() != nil {
			continue
		}

		logger.Info("daemon unhealthy, attempting promotion")
		if d.tryPromote(ctx, logger) {
			return d.runDaemon(ctx)
		}
	}
}

// tryPromote removes the dead daemon's state and races for the lock file.
func (d *Daemon) tryPromote(ctx context.Context, logger *logging.Logger) bool {
	d.removeStaleDaemonSession(ctx)
	if err := os.Remove(d.lockPath); err != nil && !os.IsNotExist(err) {
		logger.Warn("removing dead daemon lock file failed", "error", err)
		return false
	}

	err := WriteLockFileExclusive(d.lockPath, &LockFile{
		PID:       os.Getpid(),
		Port:      d.cfg.Port,
		SessionID: d.sessionID,
	})
	if err != nil {
		if os.IsExist(err) {
			logger.Info("lost promotion race")
			return false
		}
		logger.Warn("promotion lock write failed", "error", err)
		return false
	}

	if err := d.services.Sessions.PromoteToDaemon(ctx, d.sessionID); err != nil {
		if !core.IsCode(err, core.CodeSessionNotFound) {
			logger.Warn("session promotion failed", "error", err)
		}
	}
	logger.Info("promoted to daemon")
	return true
}
