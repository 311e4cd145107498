package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Johnny-Darko/WabbaDownloader/downloader"
	"github.com/Johnny-Darko/WabbaDownloader/internal"
)

var discardCmd = &cobra.Command{
	Use:   "discard <modlist-file>",
	Short: "Forget saved progress for a modlist",
	Long: `discard drops the persisted download records for a modlist and
destination pair. Files already on disk are left alone; the next run
re-checks them against the manifest from scratch.`,
	Args: cobra.ExactArgs(1),
	RunE: runDiscard,
}

func init() {
	discardCmd.Flags().StringVarP(&flagDest, "dest", "d", ".", "destination directory of the job to discard")
	discardCmd.Flags().StringVar(&flagDB, "db", "", "progress database path (default from config)")
	rootCmd.AddCommand(discardCmd)
}

func runDiscard(cmd *cobra.Command, args []string) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return err
	}
	if flagDB != "" {
		cfg.DatabasePath = flagDB
	}

	store, err := downloader.OpenStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	jobID, err := store.EnsureJob(cmd.Context(), args[0], flagDest)
	if err != nil {
		return err
	}
	return store.DiscardJob(cmd.Context(), jobID)
}
