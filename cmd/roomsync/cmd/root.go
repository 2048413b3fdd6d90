package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "roomsync",
	Short: "Collaborative chat room client",
	Long: `roomsync joins a shared chat room. Messages appear locally as soon as they
are sent and are reconciled with the backend in the background; presence and
typing indicators travel over the message bus.

Available commands:
  chat       Join a room and chat from the terminal
  version    Print the version number

Configuration is read from the environment and an optional .env file.

Use "roomsync [command] --help" for more information about a specific command.`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
