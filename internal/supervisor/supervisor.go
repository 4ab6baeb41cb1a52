// Package supervisor keeps crawl roles alive. Each role writes a heartbeat
// file as it logs; a role whose heartbeat goes stale is cancelled and
// relaunched in resume mode.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/logging"
	"github.com/JakeFAU/distcrawl/internal/metrics"
)

// RunFunc runs one role until ctx is cancelled. resume is true on every
// launch after the first, so the role reloads its persisted state.
type RunFunc func(ctx context.Context, resume bool) error

// Config tunes liveness checks.
type Config struct {
	StallTimeout  time.Duration
	CheckInterval time.Duration
	// StopGrace bounds how long a stalled role may take to exit after
	// cancellation before it is relaunched anyway.
	StopGrace time.Duration
	// RestartDelay spaces relaunches of a role that exited with an error.
	RestartDelay time.Duration
}

type role struct {
	name      string
	heartbeat string
	run       RunFunc
	resume    bool
}

// Supervisor runs roles side by side and restarts stalled or failed ones.
type Supervisor struct {
	cfg    Config
	roles  []*role
	logger *zap.Logger
	now    func() time.Time
}

// New returns a Supervisor.
func New(cfg Config, logger *zap.Logger) *Supervisor {
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 10 * time.Minute
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 30 * time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = cfg.CheckInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{cfg: cfg, logger: logger, now: time.Now}
}

// Add registers a role. heartbeat is the file the role touches while it is
// alive; an empty path disables stall detection for the role. When resume
// is set the first launch already resumes.
func (s *Supervisor) Add(name, heartbeat string, resume bool, run RunFunc) {
	s.roles = append(s.roles, &role{name: name, heartbeat: heartbeat, run: run, resume: resume})
}

// Run launches every role and blocks until all of them finished or ctx is
// cancelled. A role that returns nil on its own is finished and not
// relaunched. A role failing with crawler.ErrPermanent stops every role and
// its error is returned.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.roles) == 0 {
		return errors.New("supervisor has no roles")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range s.roles {
		g.Go(func() error {
			return s.supervise(gctx, r)
		})
	}
	return g.Wait()
}

func (s *Supervisor) supervise(ctx context.Context, r *role) error {
	logger := s.logger.With(zap.String("role", r.name))
	resume := r.resume
	for {
		roleCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		started := s.now()
		go func(resume bool) {
			done <- r.run(roleCtx, resume)
		}(resume)
		logger.Info("role started", zap.Bool("resume", resume))

		stalled, err := s.watch(ctx, r, started, done)
		cancel()
		if stalled {
			metrics.ObserveStall(r.name)
			logger.Warn("role stalled, restarting", zap.Duration("stall_timeout", s.cfg.StallTimeout))
			s.awaitExit(logger, done)
			resume = true
			continue
		}
		if ctx.Err() != nil {
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("role exited during shutdown", zap.Error(err))
			}
			return nil
		}
		if err == nil {
			logger.Info("role finished")
			return nil
		}
		if errors.Is(err, crawler.ErrPermanent) {
			logger.Error("role failed permanently", zap.Error(err))
			return fmt.Errorf("%s: %w", r.name, err)
		}
		logger.Error("role failed, restarting", zap.Error(err), zap.Duration("delay", s.cfg.RestartDelay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.RestartDelay):
		}
		resume = true
	}
}

// watch waits for the role to exit and reports whether it stalled first.
// On ctx cancellation it waits for the role to return.
func (s *Supervisor) watch(ctx context.Context, r *role, started time.Time, done <-chan error) (bool, error) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return false, err
		case <-ctx.Done():
			return false, <-done
		case <-ticker.C:
			if s.stalled(r, started) {
				return true, nil
			}
		}
	}
}

func (s *Supervisor) stalled(r *role, started time.Time) bool {
	if r.heartbeat == "" {
		return false
	}
	last := started
	if beat, ok := logging.LastBeat(r.heartbeat); ok && beat.After(last) {
		last = beat
	}
	return s.now().Sub(last) > s.cfg.StallTimeout
}

func (s *Supervisor) awaitExit(logger *zap.Logger, done <-chan error) {
	select {
	case <-done:
	case <-time.After(s.cfg.StopGrace):
		logger.Error("stalled role ignored cancellation", zap.Duration("grace", s.cfg.StopGrace))
	}
}

// ExecRole runs a role as a child process of the binary at path. Relaunches
// append --resume to args.
func ExecRole(path string, args []string, logger *zap.Logger) RunFunc {
	return func(ctx context.Context, resume bool) error {
		argv := append([]string(nil), args...)
		if resume {
			argv = append(argv, "--resume")
		}
		cmd := exec.CommandContext(ctx, path, argv...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
		cmd.WaitDelay = 30 * time.Second
		if logger != nil {
			logger.Debug("exec role", zap.String("path", path), zap.Strings("args", argv))
		}
		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("run %v: %w", argv, err)
		}
		return nil
	}
}
