package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kekkai-sec/kekkai/internal/config"
	"github.com/kekkai-sec/kekkai/internal/observability"
	"github.com/kekkai-sec/kekkai/internal/store"
)

// newHistoryCmd creates the `history` command, listing recent runs from
// the scan-history database.
func newHistoryCmd() *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Lists recent scan runs from the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("no database configured: set database.url or KEKKAI_DATABASE_URL")
			}

			limit, _ := cmd.Flags().GetInt("limit")

			pool, err := pgxpool.New(ctx, cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("failed to connect to the database: %w", err)
			}
			defer pool.Close()

			st, err := store.New(ctx, pool, logger)
			if err != nil {
				return err
			}
			runs, err := st.RecentRuns(ctx, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tREPO\tCOMMIT\tSTATUS\tFINDINGS\tFINISHED")
			for _, r := range runs {
				commit := r.CommitSHA
				if len(commit) > 12 {
					commit = commit[:12]
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.RunID, r.RepoPath, commit, r.Status, r.TotalFindings,
					r.FinishedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}

	historyCmd.Flags().Int("limit", 20, "Maximum number of runs to list")
	return historyCmd
}
