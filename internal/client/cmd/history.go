package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rudransh-shrivastava/transfile/internal/store"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyPrune time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "list past transfers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		history, err := store.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer history.Close()

		if historyPrune > 0 {
			n, err := history.Prune(cmd.Context(), time.Now().Add(-historyPrune))
			if err != nil {
				return err
			}
			log.WithField("records", n).Info("pruned history")
		}

		recs, err := history.List(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no transfers yet")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "UPDATED\tDIRECTION\tSTATE\tNAME\tSIZE\tDONE\tPEER")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				humanize.Time(r.UpdatedAt), r.Direction, r.State, r.Name,
				humanize.Bytes(uint64(r.Size)), percent(r.Transferred, r.Size), r.Peer)
		}
		return w.Flush()
	},
}

func percent(n, total int64) string {
	if total <= 0 {
		return "100%"
	}
	return fmt.Sprintf("%d%%", n*100/total)
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of records to show, 0 for all")
	historyCmd.Flags().DurationVar(&historyPrune, "prune", 0, "delete records not updated within this duration first, e.g. 720h")
}
