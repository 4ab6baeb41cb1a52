package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/fetcher"
	"github.com/JakeFAU/distcrawl/internal/index"
	"github.com/JakeFAU/distcrawl/internal/logging"
	"github.com/JakeFAU/distcrawl/internal/scheduler"
	"github.com/JakeFAU/distcrawl/internal/supervisor"
)

// newCoordinatorCmd runs every coordinator role in one process under the
// supervisor.
func newCoordinatorCmd() *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run the scheduler, indexer and fetcher endpoint in one process",
		Long: `Runs the scheduler and indexer loops and the HTTP endpoint fetchers talk to.
A role whose heartbeat goes stale is cancelled and relaunched with its
persisted state. The process exits once both loops have handled a stop
message.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Config().RequireSecret(); err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			roles := newRoleSet(cancel, 2)
			sup := newSupervisor(a)
			sup.Add(scheduler.Role, roleHeartbeat(a, scheduler.Role), resume, roles.track(schedulerRole(a)))
			sup.Add(index.Role, roleHeartbeat(a, index.Role), resume, roles.track(indexerRole(a)))
			sup.Add(serverRole, "", false, serverRoleFunc(a))
			return sup.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "reload persisted scheduler and index state on start")
	return withServices(cmd, "coordinator")
}

// newServerCmd runs only the fetcher endpoint.
func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the fetcher endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Config().RequireSecret(); err != nil {
				return err
			}
			return serverRoleFunc(a)(cmd.Context(), false)
		},
	}
	// Accepted so the supervisor can relaunch every role the same way.
	cmd.Flags().Bool("resume", false, "ignored; the endpoint keeps no state of its own")
	return withServices(cmd, serverRole)
}

// newSchedulerCmd runs the scheduler loop once, without supervision.
func newSchedulerCmd() *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run the scheduler loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return schedulerRole(a)(cmd.Context(), resume)
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "reload persisted frontier, robots and seen state")
	return withServices(cmd, scheduler.Role)
}

// newIndexerCmd runs the indexer loop once, without supervision.
func newIndexerCmd() *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "indexer",
		Short: "Run the index builder loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return indexerRole(a)(cmd.Context(), resume)
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "note a relaunch; the index always reopens from disk")
	return withServices(cmd, index.Role)
}

var supervisableRoles = []string{scheduler.Role, index.Role, serverRole, fetcher.Role}

// newSuperviseCmd runs roles as child processes of this binary and
// relaunches them with --resume when their heartbeat goes stale.
func newSuperviseCmd() *cobra.Command {
	var (
		roles  []string
		resume bool
	)
	cmd := &cobra.Command{
		Use:   "supervise",
		Short: "Run roles as child processes and relaunch stalled ones",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range roles {
				if !slices.Contains(supervisableRoles, r) {
					return fmt.Errorf("unknown role %q, want one of %v", r, supervisableRoles)
				}
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate executable: %w", err)
			}
			var base []string
			if path := cmd.Flag("config").Value.String(); path != "" {
				base = append(base, "--config", path)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			control := 0
			for _, r := range roles {
				if r == scheduler.Role || r == index.Role {
					control++
				}
			}
			set := newRoleSet(cancel, control)

			sup := supervisor.New(supervisor.Config{
				StallTimeout:  cfg.Supervisor.StallTimeout,
				CheckInterval: cfg.Supervisor.CheckInterval,
			}, logger.Named("supervisor"))
			for _, r := range roles {
				run := supervisor.ExecRole(self, append([]string{r}, base...), logger)
				heartbeat := filepath.Join(cfg.Paths.HeartbeatDir(), r)
				if r == serverRole {
					heartbeat = ""
				}
				if r == scheduler.Role || r == index.Role {
					run = set.track(run)
				}
				sup.Add(r, heartbeat, resume, run)
			}
			logger.Info("supervising roles", zap.Strings("roles", roles))
			return sup.Run(ctx)
		},
	}
	cmd.Flags().StringSliceVar(&roles, "roles", []string{scheduler.Role, index.Role, serverRole},
		"roles to run as child processes")
	cmd.Flags().BoolVar(&resume, "resume", false, "start every role with --resume")
	return cmd
}
