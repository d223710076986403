package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"investi/internal/config"
)

var version = "0.3.0"

var (
	cfgPath string
)

var rootCmd = &cobra.Command{
	Use:   "investi",
	Short: "Task and trigger engine for the investment agent team",
	Long: `investi runs the persistent task book for a team of investment agents:
one-time reminders, recurring reviews, and conditional market triggers are
stored durably, evaluated on a fixed cadence, and handed to the owning
agent when they fire.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("investi %s\n", version)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default config file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "investi.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default ./investi.yaml, ~/.investi/investi.yaml)")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func main() {
	// A local .env is optional; real deployments set the environment.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
