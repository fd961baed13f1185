package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "servidor",
	Short:         "Method orchestration server",
	Long:          "servidor runs automation methods on their weekly schedule, replays missed slots and executes requests dropped in the intake directory.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./servidor.yaml", "path to config (yaml, toml or json)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(methodsCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(execCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
