package cli

import (
	"github.com/spf13/cobra"

	"connecto/config"
	"connecto/storage"
	"connecto/ui"
)

var (
	historyLimit int
	historyKind  string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent pairings, syncs and key removals",
	Long: `Show the local pairing history, newest first.

Examples:
  connecto history
  connecto history --kind sync --limit 5`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment(cmd)
		if err != nil {
			return err
		}

		store, err := storage.OpenPath(config.DatabasePath(env.dataDir))
		if err != nil {
			return err
		}
		defer func() {
			_ = store.Close()
		}()

		events, err := store.GetPairingEvents(storage.PairingEventFilter{Kind: historyKind, Limit: historyLimit})
		if err != nil {
			return err
		}
		if len(events) == 0 {
			env.ui.Info("No pairing history yet.")
			return nil
		}
		env.ui.Printf("%s", ui.RenderHistory(events))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "number of rows to show")
	historyCmd.Flags().StringVar(&historyKind, "kind", "", "only show one kind: pair, listen, sync or key_removed")
}
