package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/remotehub/internal/core"
	"go.olrik.dev/remotehub/internal/store"
)

func NewListCommand() *cobra.Command {
	var history bool
	var limit int

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List saved connection configurations",
		Long:    `List saved connection configurations, or recent connection events with --history.`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(core.GetStorePath(), store.NewKeyringVault(core.GetKeyringPath()))
			if err != nil {
				return err
			}
			defer st.Close()

			if history {
				return printHistory(st, limit)
			}
			return printSaved(st)
		},
	}

	listCmd.Flags().BoolVar(&history, "history", false, "show recent connection events instead")
	listCmd.Flags().IntVar(&limit, "limit", 20, "number of history events to show")

	return listCmd
}

func printSaved(st *store.Store) error {
	entries, err := st.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No saved connections.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tPORT\tCWD\tTITLE\tUPDATED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			e.Host, e.Port, e.Cwd, e.DisplayTitle, e.UpdatedAt.Format(time.DateTime))
	}
	return w.Flush()
}

func printHistory(st *store.Store, limit int) error {
	events, err := st.History(limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No connection history.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tHOST\tCWD")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.DateTime), e.EventType, e.Host, e.Cwd)
	}
	return w.Flush()
}
