package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailbatch/internal/app"
	"github.com/foxzi/mailbatch/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailbatch",
	Short: "Mailbatch - spreadsheet mail merge through a webmail compose window",
	Long: `Mailbatch fills the compose window of a webmail client once per
spreadsheet row, sends each message through the client and writes the
outcome of every row back to a timestamped copy of the spreadsheet.`,
	SilenceUsage: true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailbatch version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults apply when omitted)")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd, versionCmd)
}

// loadConfig reads the config file, or returns the defaults when none
// was given
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openApp loads the configuration and opens the application
func openApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	application, err := app.New(cfg, version)
	if err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}
	return application, nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Surface:   %s\n", cfg.Surface.Driver)
	fmt.Printf("  Templates: %s\n", cfg.Templates.Source)
	fmt.Printf("  Output:    %s\n", cfg.Output.Driver)
	fmt.Printf("  Storage:   %s\n", cfg.Storage.Path)
	fmt.Printf("  Mock mode: %t\n", cfg.Batch.MockMode)
	fmt.Printf("  Delay:     %s\n", cfg.Batch.InterSendDelay)
	if cfg.Quota.Enabled() {
		fmt.Printf("  Quota:     enabled\n")
	}
	if cfg.Control.Enabled {
		fmt.Printf("  Control:   %s\n", cfg.Control.ListenAddr)
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics:   %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}

	return nil
}
