package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailbatch/internal/app"
	"github.com/foxzi/mailbatch/internal/batch"
	"github.com/foxzi/mailbatch/internal/dataset"
	"github.com/foxzi/mailbatch/internal/tabular"
	"github.com/foxzi/mailbatch/internal/template"
)

var (
	sendFile     string
	sendTemplate string
	sendSurface  string
	sendMock     bool
	previewRow   int
	previewFill  bool
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one message per spreadsheet row",
	Long: `Send fills the webmail compose window for every row of the file and
sends it. Rows already marked sent are skipped, so a stopped batch can be
resumed with the written copy. Press Ctrl+C to stop after the current row.`,
	RunE: runSend,
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Render a template for one row",
	Long: `Preview prints the subject and body a row would receive. With --fill
the compose window is filled with the first row instead and left open
until Ctrl+C, when the draft is discarded.`,
	RunE: runPreview,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Show the columns and row status of a spreadsheet",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "recipient spreadsheet (.xlsx or .csv)")
	sendCmd.Flags().StringVarP(&sendTemplate, "template", "t", "", "template name")
	sendCmd.Flags().StringVar(&sendSurface, "surface", "", "compose surface driver (browser, sim)")
	sendCmd.Flags().BoolVar(&sendMock, "mock", false, "fill every draft but discard it instead of sending")
	sendCmd.MarkFlagRequired("file")
	sendCmd.MarkFlagRequired("template")

	previewCmd.Flags().StringVarP(&sendFile, "file", "f", "", "recipient spreadsheet (.xlsx or .csv)")
	previewCmd.Flags().StringVarP(&sendTemplate, "template", "t", "", "template name")
	previewCmd.Flags().IntVar(&previewRow, "row", 1, "row number to render, starting at 1")
	previewCmd.Flags().BoolVar(&previewFill, "fill", false, "fill the compose window instead of printing")
	previewCmd.Flags().StringVar(&sendSurface, "surface", "", "compose surface driver for --fill (browser, sim)")
	previewCmd.MarkFlagRequired("template")

	rootCmd.AddCommand(sendCmd, previewCmd, inspectCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	summary, err := application.Send(cmd.Context(), app.SendOptions{
		File:     sendFile,
		Template: sendTemplate,
		Surface:  sendSurface,
		Mock:     sendMock,
	})
	if summary != nil {
		printSummary(summary)
	}
	if errors.Is(err, batch.ErrValidation) {
		return err
	}
	if err != nil {
		return fmt.Errorf("batch failed: %w", err)
	}
	return nil
}

func printSummary(s *batch.Summary) {
	fmt.Println(s.String())
	if s.RunID != "" {
		fmt.Printf("  Run:    %s\n", s.RunID)
	}
	if s.Output != "" {
		fmt.Printf("  Output: %s\n", s.Output)
	}
	if s.OutputErr != "" {
		fmt.Printf("  Output error: %s\n", s.OutputErr)
	}
	fmt.Printf("  Took:   %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
}

func runPreview(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	if previewFill {
		return application.FillPreview(cmd.Context(), app.SendOptions{
			File:     sendFile,
			Template: sendTemplate,
			Surface:  sendSurface,
		})
	}

	catalog, err := application.LoadCatalog(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}
	tmpl := catalog.Get(sendTemplate)
	if tmpl == nil {
		return fmt.Errorf("template not found: %s (available: %s)", sendTemplate, strings.Join(catalog.Names(), ", "))
	}

	var row *dataset.Row
	if sendFile != "" {
		ds, err := application.LoadDataset(sendFile)
		if err != nil {
			return err
		}
		if previewRow < 1 || previewRow > ds.Len() {
			return fmt.Errorf("row %d out of range (file has %d rows)", previewRow, ds.Len())
		}
		row = ds.Rows[previewRow-1]
	}

	printRendered(template.NewEngine(application.Logger()), tmpl, row)
	return nil
}

func printRendered(engine *template.Engine, tmpl *template.Template, row *dataset.Row) {
	var result *template.RenderResult
	if row != nil {
		result = engine.Render(tmpl, row)
		fmt.Printf("To:\n  %s\n\n", row.Email())
	} else {
		result = engine.Render(tmpl, nil)
	}

	fmt.Printf("Subject:\n  %s\n\n", result.Subject)

	if result.Text != "" {
		fmt.Printf("Text:\n")
		for _, line := range strings.Split(result.Text, "\n") {
			fmt.Printf("  %s\n", line)
		}
		fmt.Println()
	}

	if len(tmpl.Attachments) > 0 {
		fmt.Printf("Attachments:\n")
		for _, a := range tmpl.Attachments {
			fmt.Printf("  - %s (%s)\n", a.Name, a.Source)
		}
		fmt.Println()
	}

	if len(result.Missing) > 0 {
		fmt.Printf("Unresolved placeholders: %s\n", strings.Join(result.Missing, ", "))
	}
}

func runInspect(cmd *cobra.Command, args []string) error {
	ds, err := tabular.ParseFile(args[0])
	if err != nil {
		return err
	}

	emailCol, ok := tabular.FindEmailColumn(ds.Rows)
	if !ok {
		emailCol = "(none)"
	}
	counts := ds.Counts()
	emails := ds.RecipientEmails()

	fmt.Printf("File:     %s\n", args[0])
	fmt.Printf("Rows:     %d\n", ds.Len())
	fmt.Printf("Columns:  %s\n", strings.Join(ds.Headers, ", "))
	fmt.Printf("Email:    %s\n", emailCol)
	fmt.Printf("Status:   %d sent, %d failed, %d pending\n", counts.Sent, counts.Failed, counts.Unset)
	fmt.Printf("Sendable: %d addresses\n\n", len(emails))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROW\tEMAIL\tSTATUS\tREASON")
	for i, row := range ds.Rows {
		reason, _ := row.Get(dataset.ColumnReason)
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, row.Email(), row.Status(), dataset.ValueString(reason))
	}
	return w.Flush()
}
