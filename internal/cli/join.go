package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"listen-room/internal/api"
	"listen-room/internal/database"
	"listen-room/internal/identity"
	"listen-room/internal/room"
	"listen-room/internal/services"

	"github.com/spf13/cobra"
)

// joinCmd represents the join command
var joinCmd = &cobra.Command{
	Use:   "join <room-code>",
	Short: "Join a room and open an interactive shell",
	Long: `Join looks the room up by code, creating it when it does not exist yet,
connects to its channel and reads commands from standard input until
"leave", end of input or an interrupt.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		user, err := identity.FromConfig(cfg.Identity)
		if err != nil {
			return fmt.Errorf("read identity: %w", err)
		}
		provider := identity.Static{User: user}
		if user == nil {
			logger.Warn("No identity configured, joining anonymously; chat is read-only")
		}

		client := api.NewClient(cfg.API.URL, cfg.API.RequestTimeout,
			api.WithIdentity(provider),
			api.WithLogger(logger))

		opts := room.Options{Logger: logger}
		if mirror := openMirror(); mirror != nil {
			defer mirror.Close()
			opts.Mirror = mirror
		}

		joinCtx, cancel := context.WithTimeout(ctx, cfg.API.RequestTimeout+cfg.Connection.ConnectTimeout)
		session, err := room.Join(joinCtx, cfg, client, provider, args[0], opts)
		cancel()
		if err != nil {
			return fmt.Errorf("join room %s: %w", args[0], err)
		}
		defer session.Leave()

		sh := newShell(session, client, cmd.OutOrStdout())
		sh.printf("Joined %s (%s) as client %s\n", session.Room().Name, session.Room().RoomCode, session.ClientID())
		defer sh.watch()()

		return sh.run(ctx, cmd.InOrStdin())
	},
}

// openMirror connects the optional Redis event mirror. A Redis outage never
// prevents joining.
func openMirror() *services.EventMirror {
	if cfg.Redis.URL == "" {
		return nil
	}
	rc, err := database.NewRedisConnection(&cfg.Redis, logger)
	if err != nil {
		logger.Warn("Event mirror disabled", "error", err)
		return nil
	}
	return services.NewEventMirror(rc, cfg.Redis.Channel, logger)
}
