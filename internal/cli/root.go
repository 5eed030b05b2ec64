// Package cli is the command-line front end: it joins a room and drives the
// session from an interactive shell.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"listen-room/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg    *config.Config
	logger *slog.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "listenroom",
	Short: "Join a shared listening room from the terminal",
	Long: `listenroom keeps a local session in step with a shared listening room:
playback position, the track queue and the room chat.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		logger = newLogger(cfg.Log, cmd.ErrOrStderr())
		slog.SetDefault(logger)
		return nil
	},
}

// Execute adds all child commands to the root command and runs it.
// This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("api-url", "", "Base URL of the resource API (e.g. http://localhost:8000)")
	flags.String("ws-url", "", "Base URL of the room channel (derived from --api-url when empty)")
	flags.Int64("user-id", 0, "User id to act as")
	flags.String("username", "", "Display name to act as")
	flags.String("token", "", "Bearer token issued by the login service")
	flags.String("redis-url", "", "Mirror session events to this Redis instance")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.String("log-format", "", "Log format: text or json")

	bindFlag("LISTENROOM_API_URL", "api-url")
	bindFlag("LISTENROOM_WS_URL", "ws-url")
	bindFlag("LISTENROOM_USER_ID", "user-id")
	bindFlag("LISTENROOM_USERNAME", "username")
	bindFlag("LISTENROOM_TOKEN", "token")
	bindFlag("REDIS_URL", "redis-url")
	bindFlag("LOG_LEVEL", "log-level")
	bindFlag("LOG_FORMAT", "log-format")

	rootCmd.AddCommand(joinCmd, watchCmd)
}

func bindFlag(key, flag string) {
	cobra.CheckErr(viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)))
}

// newLogger builds the process logger from the log settings. Unknown levels
// fall back to info.
func newLogger(lc config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(lc.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
