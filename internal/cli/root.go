// Package cli implements the hypatia command tree.
package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/hypatia-ai/hypatia/internal/cli.version=1.2.3"
	version = "0.4.1"
	logo    = "\n" +
		"  _                       _   _\n" +
		" | |__  _   _ _ __   __ _| |_(_) __ _\n" +
		" | '_ \\| | | | '_ \\ / _` | __| |/ _` |\n" +
		" | | | | |_| | |_) | (_| | |_| | (_| |\n" +
		" |_| |_|\\__, | .__/ \\__,_|\\__|_|\\__,_|\n" +
		"        |___/|_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "hypatia",
	Short: "hypatia - multi-agent hypothesis tournament engine",
	Long:  color.CyanString(logo) + "\nGenerate, review, evolve and rank research hypotheses with a pool of typed agents.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(topCmd)
	rootCmd.AddCommand(statusCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("hypatia %s\n", version)
	},
}
