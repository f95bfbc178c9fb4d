// Command devkeys runs the developer credential and metering service and
// administers its database from the command line.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/robotpdf/devkeys/internal/config"
	"github.com/spf13/cobra"
)

// Global flags
var envFile string

// For testing
var osExit = os.Exit

var rootCmd = &cobra.Command{
	Use:   "devkeys",
	Short: "Developer credential and metering service",
	Long: `devkeys issues API key/secret pairs to developers, authenticates metered
tool calls, enforces monthly quotas and per-minute rate limits, and records
every accepted call.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnvFile(envFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", config.EnvOrDefault("ENV_FILE", ".env"), "Path to .env file")
	rootCmd.AddCommand(serverCmd, migrateCmd, developersCmd)
}

// loadEnvFile loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}
