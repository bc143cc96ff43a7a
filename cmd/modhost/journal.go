package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/artpar/modhost/bootstrap"
	"github.com/artpar/modhost/config"
	"github.com/artpar/modhost/ports"
	"github.com/spf13/cobra"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show module lifecycle history",
	Long: `Print recorded module lifecycle events, newest first.

Examples:
  modhost journal
  modhost journal --limit 20
  modhost journal --module 3`,
	RunE: runJournal,
}

var (
	journalLimit  int
	journalModule int64
)

func init() {
	rootCmd.AddCommand(journalCmd)

	journalCmd.Flags().IntVarP(&journalLimit, "limit", "n", 50, "number of entries to show")
	journalCmd.Flags().Int64VarP(&journalModule, "module", "m", 0, "show one module's history, oldest first")
}

func runJournal(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	journal, closeFn, err := bootstrap.JournalReader(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	var entries []ports.JournalEntry
	if journalModule > 0 {
		entries, err = journal.ForModule(cmd.Context(), journalModule)
	} else {
		entries, err = journal.Recent(cmd.Context(), journalLimit)
	}
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No journal entries.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tMODULE\tREV\tEVENT\tSTATE\tERROR")
	fmt.Fprintln(w, "----\t------\t---\t-----\t-----\t-----")
	for _, e := range entries {
		state := e.ToState
		if e.FromState != "" {
			state = e.FromState + " -> " + e.ToState
		}
		fmt.Fprintf(w, "%s\t%s#%d\t%d\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format(time.DateTime), e.Module, e.ModuleID, e.Revision, e.Event, state, e.Error)
	}
	return w.Flush()
}
