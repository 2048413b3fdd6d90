package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nfrund/roomsync/cmd/roomsync/internal/console"
	"github.com/nfrund/roomsync/internal/app"
	"github.com/nfrund/roomsync/internal/config"
	"github.com/nfrund/roomsync/internal/logging"
	"github.com/nfrund/roomsync/internal/room"
)

var (
	chatRoom    string
	chatHandle  string
	chatBackend string
)

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Join a room and chat from the terminal",
	Long: `Join a room and chat from the terminal. Every line you type is sent as a
message; lines starting with a slash are commands (try /help).

Examples:
  roomsync chat                          # join the configured room
  roomsync chat --room lobby --handle ann
  roomsync chat --backend badger         # persist messages in BADGER_DIR`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatRoom, "room", "", "room to join (overrides ROOMSYNC_ROOM)")
	chatCmd.Flags().StringVar(&chatHandle, "handle", "", "display handle (overrides ROOMSYNC_HANDLE, random when empty)")
	chatCmd.Flags().StringVar(&chatBackend, "backend", "", "memory, badger or surreal (overrides ROOMSYNC_BACKEND)")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	logger := logging.New()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if chatBackend != "" {
		cfg.Backend = chatBackend
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error("Failed to release dependencies", "error", err)
		}
	}()

	r, err := room.New(ctx, deps.RoomOptions(chatRoom, chatHandle))
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	defer r.Close()

	return console.New(r, cmd.InOrStdin(), cmd.OutOrStdout()).Run(ctx)
}
