package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/distcrawl/internal/fetcher"
)

// newFetcherCmd runs one fetcher agent against the configured coordinator.
func newFetcherCmd() *cobra.Command {
	var supervised bool
	cmd := &cobra.Command{
		Use:   "fetcher",
		Short: "Download batches from the coordinator and upload the results",
		Long: `Handshakes with the coordinator, claims fetch batches, downloads them in
rounds and uploads the archive in parts. With --supervised the agent is
relaunched when its heartbeat goes stale or it fails with a retryable error.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Config().RequireSecret(); err != nil {
				return err
			}
			if !supervised {
				return fetcherRole(a)(cmd.Context(), false)
			}
			sup := newSupervisor(a)
			sup.Add(fetcher.Role, roleHeartbeat(a, fetcher.Role), false, fetcherRole(a))
			return sup.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&supervised, "supervised", false, "relaunch the agent when it stalls or fails")
	cmd.Flags().Bool("resume", false, "ignored; a fetcher holds no state across restarts")
	return withServices(cmd, fetcher.Role)
}
