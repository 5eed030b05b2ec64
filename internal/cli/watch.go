package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"listen-room/internal/database"
	"listen-room/internal/services"

	"github.com/spf13/cobra"
)

var errNoRedis = errors.New("REDIS_URL is not set")

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch <room-code>",
	Short: "Print the mirrored events of a room",
	Long:  `Watch follows the Redis channel that joined sessions mirror their events to and prints each one as a JSON line.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Redis.URL == "" {
			return errNoRedis
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rc, err := database.NewRedisConnection(&cfg.Redis, logger)
		if err != nil {
			return err
		}
		mirror := services.NewEventMirror(rc, cfg.Redis.Channel, logger)
		defer mirror.Close()

		pubsub := mirror.Subscribe(ctx, args[0])
		defer pubsub.Close()

		out := cmd.OutOrStdout()
		enc := json.NewEncoder(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-ch:
				if !ok {
					return nil
				}
				event, err := services.DecodeEvent(msg)
				if err != nil {
					logger.Warn("Skipping undecodable event", "error", err)
					continue
				}
				if err := enc.Encode(event); err != nil {
					return fmt.Errorf("write event: %w", err)
				}
			}
		}
	},
}
