// Package commands implements the devbridge CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "devbridge",
		Short: "DevBridge - chat-driven AI coding agent",
		Long: `DevBridge links a chat account to an AI coding agent: registered chats
get a project workspace, and every message becomes a planned and executed
coding task whose results are sent back into the chat.

Examples:
  devbridge serve
  devbridge serve --config ./config.yaml
  devbridge sessions`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSessionsCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
