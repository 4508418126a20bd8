package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailbatch/internal/history"
)

var (
	historyTemplate  string
	historyMockOnly  bool
	historyLimit     int
	historyOlderThan time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Batch run history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List finished batches, newest first",
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one batch with the outcome of every row",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete old batch records",
	RunE:  runHistoryClear,
}

func init() {
	historyListCmd.Flags().StringVar(&historyTemplate, "template", "", "only batches of this template")
	historyListCmd.Flags().BoolVar(&historyMockOnly, "mock", false, "only mock batches")
	historyListCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of batches")

	historyClearCmd.Flags().DurationVar(&historyOlderThan, "older-than", 30*24*time.Hour, "delete batches finished before this age")

	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyClearCmd)
	rootCmd.AddCommand(historyCmd)
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	runs, err := application.History().List(cmd.Context(), history.ListFilter{
		Template: historyTemplate,
		MockOnly: historyMockOnly,
		Limit:    historyLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if len(runs) == 0 {
		fmt.Println("No batches found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFINISHED\tTEMPLATE\tFILE\tSTATE\tSENT\tFAILED\tMOCK")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%t\n",
			run.ID[:8],
			run.FinishedAt.Local().Format("2006-01-02 15:04"),
			run.Template,
			run.FileName,
			run.State,
			run.Sent,
			run.Failed,
			run.Mock,
		)
	}
	w.Flush()

	stats, err := application.History().Stats(cmd.Context())
	if err == nil {
		fmt.Printf("\nTotal: %d batches, %d sent, %d failed\n", stats.Runs, stats.Sent, stats.Failed)
	}
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	run, err := findRun(cmd, application.History(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("ID:       %s\n", run.ID)
	fmt.Printf("Summary:  %s\n", run.Summary)
	fmt.Printf("Template: %s\n", run.Template)
	fmt.Printf("File:     %s\n", run.FileName)
	if run.Output != "" {
		fmt.Printf("Output:   %s\n", run.Output)
	}
	if run.OutputErr != "" {
		fmt.Printf("Output error: %s\n", run.OutputErr)
	}
	fmt.Printf("Started:  %s\n", run.StartedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Finished: %s\n", run.FinishedAt.Local().Format("2006-01-02 15:04:05"))

	if len(run.Messages) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROW\tTO\tSUBJECT\tSTATUS\tREASON")
	for _, m := range run.Messages {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", m.Row+1, m.To, m.Subject, m.Status, m.Reason)
	}
	return w.Flush()
}

// findRun accepts a full ID or the 8-character prefix printed by list
func findRun(cmd *cobra.Command, store *history.Storage, id string) (*history.Run, error) {
	run, err := store.Get(cmd.Context(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run != nil {
		return run, nil
	}

	runs, err := store.List(cmd.Context(), history.ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	for _, r := range runs {
		if len(id) >= 8 && len(r.ID) >= len(id) && r.ID[:len(id)] == id {
			return store.Get(cmd.Context(), r.ID)
		}
	}
	return nil, fmt.Errorf("run not found: %s", id)
}

func runHistoryClear(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	n, err := application.History().Clear(cmd.Context(), historyOlderThan)
	if err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}

	fmt.Printf("Deleted %d batches\n", n)
	return nil
}
