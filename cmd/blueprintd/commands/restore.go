package commands

import (
	"fmt"

	"github.com/blueprintd/blueprintd/pkg/snapshot"
	"github.com/blueprintd/blueprintd/pkg/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRestoreCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "restore [snapshot]",
		Short: "Restore instances and network reservations from a snapshot",
		Long: `Restore a snapshot written by "blueprintd backup" into the database.

Documents in the snapshot replace documents with the same ID; other
documents are kept. The network layout is replaced as a whole. Without an
argument the newest snapshot is restored.

Stop the daemon first: it holds instances and reservations in memory and
would overwrite the restored state.`,
		Args: cobra.MaximumNArgs(1),
		Example: `  # Restore the newest snapshot
  blueprintd restore

  # Inspect a snapshot without writing anything
  blueprintd restore snapshot-20261017T081500.000Z.json --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var name string
			if len(args) == 1 {
				name = args[0]
			}

			s, err := loadSettings()
			if err != nil {
				return err
			}

			log.Info().
				Str("backend", s.Backup.Backend).
				Str("snapshot", name).
				Bool("dry_run", dryRun).
				Msg("Restoring backup")

			backend, err := newBackend(ctx, s)
			if err != nil {
				return err
			}
			mgr := snapshot.NewManager(backend, telemetry.NewZerologLogger(log.Logger))

			var snap *snapshot.Snapshot
			if dryRun {
				snap, err = mgr.Fetch(ctx, name)
				if err != nil {
					return err
				}
			} else {
				store, err := openStore(ctx, s)
				if err != nil {
					return err
				}
				defer store.Close()

				snap, err = mgr.Restore(ctx, name, store)
				if err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(snap)
			}

			networks := 0
			if snap.Layout != nil {
				networks = len(snap.Layout.Networks)
			}
			verb := "Restored"
			if dryRun {
				verb = "Would restore"
			}
			fmt.Printf("✓ %s snapshot taken %s: %d instance(s), %d network(s)\n",
				verb, snap.Taken.Local().Format("2006-01-02 15:04:05"), len(snap.Documents), networks)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be restored without writing")

	return cmd
}
