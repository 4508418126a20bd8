package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailbatch/internal/template"
)

var (
	templateName        string
	templateLabel       string
	templateDescription string
	templateSubject     string
	templateBodyFile    string
	templateAttachments []string
	templateFromDir     string
	templateIndex       string
	templateStored      bool
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Template management commands",
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the templates of the configured source",
	RunE:  runTemplateList,
}

var templateShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show template details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateShow,
}

var templateImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import templates into the local store",
	Long: `Import stores one template built from flags, or with --dir every
template of a directory index. Existing templates with the same name
are replaced.`,
	RunE: runTemplateImport,
}

var templateDeleteCmd = &cobra.Command{
	Use:   "delete <id|name>",
	Short: "Delete a template from the local store",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateDelete,
}

func init() {
	templateListCmd.Flags().BoolVar(&templateStored, "store", false, "list the local store instead of the configured source")

	templateImportCmd.Flags().StringVar(&templateName, "name", "", "template name")
	templateImportCmd.Flags().StringVar(&templateLabel, "label", "", "display label")
	templateImportCmd.Flags().StringVar(&templateDescription, "description", "", "template description")
	templateImportCmd.Flags().StringVar(&templateSubject, "subject", "", "subject with {{placeholders}}")
	templateImportCmd.Flags().StringVar(&templateBodyFile, "body", "", "HTML or Markdown body file")
	templateImportCmd.Flags().StringArrayVar(&templateAttachments, "attach", nil, "attachment locator (repeatable)")
	templateImportCmd.Flags().StringVar(&templateFromDir, "dir", "", "import every template of a directory index")
	templateImportCmd.Flags().StringVar(&templateIndex, "index", template.DefaultIndex, "index file name for --dir")

	templateCmd.AddCommand(
		templateListCmd,
		templateShowCmd,
		templateImportCmd,
		templateDeleteCmd,
	)
	rootCmd.AddCommand(templateCmd)
}

func runTemplateList(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	var templates []*template.Template
	if templateStored {
		templates, err = application.Templates().List(cmd.Context())
	} else {
		var catalog *template.Catalog
		catalog, err = application.LoadCatalog(cmd.Context())
		if catalog != nil {
			templates = catalog.All()
		}
	}
	if err != nil {
		return fmt.Errorf("failed to list templates: %w", err)
	}

	if len(templates) == 0 {
		fmt.Println("No templates found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tLABEL\tSUBJECT\tATTACHMENTS")
	for _, tmpl := range templates {
		subject := tmpl.Subject
		if len(subject) > 40 {
			subject = subject[:37] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", tmpl.Name, tmpl.DisplayName(), subject, len(tmpl.Attachments))
	}
	w.Flush()

	fmt.Printf("\nTotal: %d templates\n", len(templates))
	return nil
}

func runTemplateShow(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	catalog, err := application.LoadCatalog(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}

	tmpl := catalog.Get(args[0])
	if tmpl == nil {
		// Fall back to the local store
		tmpl, err = application.Templates().Find(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get template: %w", err)
		}
	}
	if tmpl == nil {
		return fmt.Errorf("template not found: %s", args[0])
	}

	fmt.Printf("Name:        %s\n", tmpl.Name)
	fmt.Printf("Label:       %s\n", tmpl.DisplayName())
	if tmpl.Description != "" {
		fmt.Printf("Description: %s\n", tmpl.Description)
	}
	if tmpl.ID != "" {
		fmt.Printf("ID:          %s\n", tmpl.ID)
		fmt.Printf("Version:     %d\n", tmpl.Version)
		fmt.Printf("Updated:     %s\n", tmpl.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("\nSubject:\n  %s\n", tmpl.Subject)

	if tmpl.Body != "" {
		fmt.Printf("\nBody:\n")
		lines := strings.Split(tmpl.Body, "\n")
		if len(lines) > 20 {
			for _, line := range lines[:20] {
				fmt.Printf("  %s\n", line)
			}
			fmt.Printf("  ... (%d more lines)\n", len(lines)-20)
		} else {
			for _, line := range lines {
				fmt.Printf("  %s\n", line)
			}
		}
	}

	if len(tmpl.Attachments) > 0 {
		fmt.Printf("\nAttachments:\n")
		for _, a := range tmpl.Attachments {
			fmt.Printf("  - %s: %s\n", a.Name, a.Source)
		}
	}

	return nil
}

func runTemplateImport(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	var templates []*template.Template
	if templateFromDir != "" {
		p := template.NewDirProvider(templateFromDir, templateIndex, application.Logger())
		templates, err = p.List(cmd.Context())
		if err != nil {
			return err
		}
	} else {
		tmpl, err := templateFromFlags()
		if err != nil {
			return err
		}
		templates = []*template.Template{tmpl}
	}

	engine := template.NewEngine(application.Logger())
	store := application.Templates()
	for _, tmpl := range templates {
		if err := engine.Validate(tmpl); err != nil {
			return fmt.Errorf("invalid template: %w", err)
		}
		if err := store.Put(cmd.Context(), tmpl); err != nil {
			return fmt.Errorf("failed to store template %q: %w", tmpl.Name, err)
		}
		fmt.Printf("Imported %s (version %d)\n", tmpl.Name, tmpl.Version)
	}
	return nil
}

func templateFromFlags() (*template.Template, error) {
	if templateName == "" || templateSubject == "" {
		return nil, fmt.Errorf("--name and --subject are required without --dir")
	}

	tmpl := &template.Template{
		Name:        templateName,
		Label:       templateLabel,
		Description: templateDescription,
		Subject:     templateSubject,
	}

	if templateBodyFile != "" {
		body, err := template.ReadBodyFile(templateBodyFile)
		if err != nil {
			return nil, err
		}
		tmpl.Body = body
	}

	for _, src := range templateAttachments {
		tmpl.Attachments = append(tmpl.Attachments, template.Attachment{Source: src})
	}
	return tmpl, nil
}

func runTemplateDelete(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	store := application.Templates()
	tmpl, err := store.Find(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get template: %w", err)
	}
	if tmpl == nil {
		return fmt.Errorf("template not found: %s", args[0])
	}

	if _, err := store.Delete(cmd.Context(), tmpl.Name); err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}

	fmt.Printf("Template deleted: %s\n", tmpl.Name)
	return nil
}
