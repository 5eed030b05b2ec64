package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"listen-room/internal/api"
	"listen-room/internal/chat"
	"listen-room/internal/queue"
	"listen-room/internal/room"
	"listen-room/internal/subscription"
	"listen-room/internal/websocket"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
)

var errLeave = errors.New("leave requested")

// shell reads commands for a joined session, one per line.
type shell struct {
	session *room.Session
	client  *api.Client
	out     io.Writer
	outMu   sync.Mutex

	// ctx is the context of the command being executed
	ctx context.Context
}

func newShell(session *room.Session, client *api.Client, out io.Writer) *shell {
	return &shell{session: session, client: client, out: out, ctx: context.Background()}
}

func (sh *shell) printf(format string, args ...any) {
	sh.outMu.Lock()
	defer sh.outMu.Unlock()
	fmt.Fprintf(sh.out, format, args...)
}

// run reads lines until leave, end of input or ctx is done.
func (sh *shell) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			sh.printf("Leaving %s\n", sh.session.Room().RoomCode)
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := sh.exec(ctx, line); err != nil {
				if errors.Is(err, errLeave) {
					return nil
				}
				sh.printf("error: %v\n", err)
			}
		}
	}
}

// exec runs one command line.
func (sh *shell) exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	args, err := shellwords.Parse(line)
	if err != nil {
		return fmt.Errorf("parse %q: %w", line, err)
	}
	sh.ctx = ctx

	// A fresh tree per line keeps flag state from leaking between commands.
	cmd := sh.commands()
	cmd.SetArgs(args)
	return cmd.Execute()
}

// watch prints session events as they happen. The returned func stops it.
func (sh *shell) watch() func() {
	handles := []*subscription.Handle{
		sh.session.Chat().Subscribe(func(ev chat.Event) {
			switch ev.Type {
			case chat.EntryAdded:
				if !ev.Entry.Provisional() {
					sh.printf("%s\n", formatEntry(ev.Entry))
				}
			case chat.EntryFailed:
				sh.printf("! message not delivered: %s\n", ev.Entry.Text)
			}
		}),
		sh.session.Queue().Subscribe(func(ev queue.Event) {
			if ev.CurrentChanged && ev.Current != nil {
				sh.printf("> now at #%d: %s\n", ev.CurrentIndex+1, trackLabel(*ev.Current))
			}
		}),
		sh.session.Playback().Subscribe(func(f *websocket.Frame) {
			sh.printf("~ %s from %s\n", f.Type, shortID(f.ClientID))
		}),
		sh.session.SubscribeStatus(func(ev websocket.Event) {
			switch ev.Type {
			case websocket.EventReconnecting:
				sh.printf("* connection lost, retry %d in %s\n", ev.Attempt, ev.Delay)
			case websocket.EventReconnected:
				sh.printf("* reconnected\n")
			case websocket.EventReconnectExhausted:
				sh.printf("* gave up reconnecting, type leave\n")
			}
		}),
	}
	return func() {
		for _, h := range handles {
			h.Unsubscribe()
		}
	}
}

func (sh *shell) commands() *cobra.Command {
	root := &cobra.Command{
		Use:           "room",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(sh.out)
	root.SetErr(sh.out)
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		&cobra.Command{
			Use:   "play [seconds]",
			Short: "Resume playback, optionally from a position",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				pos, err := positionArg(args, sh.session.Playback().State().Position)
				if err != nil {
					return err
				}
				return sh.session.Playback().Play(pos)
			},
		},
		&cobra.Command{
			Use:   "pause [seconds]",
			Short: "Pause playback",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				pos, err := positionArg(args, sh.session.Playback().State().Position)
				if err != nil {
					return err
				}
				return sh.session.Playback().Pause(pos)
			},
		},
		&cobra.Command{
			Use:   "seek <seconds>",
			Short: "Jump to a position",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				pos, err := positionArg(args, 0)
				if err != nil {
					return err
				}
				return sh.session.Playback().Seek(pos)
			},
		},
		&cobra.Command{
			Use:   "add <music-id>...",
			Short: "Append tracks to the queue",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ids, err := idArgs(args)
				if err != nil {
					return err
				}
				for _, id := range ids {
					item, err := sh.session.Queue().Add(sh.ctx, id)
					if err != nil {
						return fmt.Errorf("add track %d: %w", id, err)
					}
					sh.printf("queued %s as item %d\n", trackLabel(*item), item.ID)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "rm <item-id>",
			Short: "Remove a queue item",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ids, err := idArgs(args)
				if err != nil {
					return err
				}
				return sh.session.Queue().Remove(sh.ctx, ids[0])
			},
		},
		&cobra.Command{
			Use:   "mv <item-id> <target-item-id>",
			Short: "Move a queue item to where another one is",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				ids, err := idArgs(args)
				if err != nil {
					return err
				}
				return sh.session.Queue().Reorder(sh.ctx, ids[0], ids[1])
			},
		},
		&cobra.Command{
			Use:   "select <n>",
			Short: "Play the n-th queue entry (1-based)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 1 {
					return fmt.Errorf("invalid queue position %q", args[0])
				}
				return sh.session.SelectTrack(n - 1)
			},
		},
		&cobra.Command{
			Use:   "next",
			Short: "Skip to the next queue entry",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ok, err := sh.session.Next()
				if err == nil && !ok {
					sh.printf("already at the end of the queue\n")
				}
				return err
			},
		},
		&cobra.Command{
			Use:   "prev",
			Short: "Go back to the previous queue entry",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ok, err := sh.session.Previous()
				if err == nil && !ok {
					sh.printf("already at the start of the queue\n")
				}
				return err
			},
		},
		&cobra.Command{
			Use:   "say <text>...",
			Short: "Send a chat message",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				entry, err := sh.session.Chat().SendMessage(sh.ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				sh.printf("%s\n", formatEntry(entry))
				return nil
			},
		},
		&cobra.Command{
			Use:   "search <query>...",
			Short: "Search the track catalogue",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				tracks, err := sh.client.SearchTracks(sh.ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				if len(tracks) == 0 {
					sh.printf("no tracks found\n")
				}
				for _, t := range tracks {
					sh.printf("%6d  %s - %s\n", t.ID, t.Artist, t.Title)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "queue",
			Short: "Show the queue",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				items := sh.session.Queue().Items()
				current := sh.session.Queue().CurrentIndex()
				if len(items) == 0 {
					sh.printf("queue is empty\n")
				}
				for i, item := range items {
					marker := " "
					if i == current {
						marker = ">"
					}
					sh.printf("%s %2d. [%d] %s\n", marker, i+1, item.ID, trackLabel(item))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "chat",
			Short: "Show the chat feed",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				for _, e := range sh.session.Chat().Entries() {
					sh.printf("%s\n", formatEntry(e))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show connection and playback state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				r := sh.session.Room()
				state := sh.session.Playback().State()
				sh.printf("room      %s (%s)\n", r.Name, r.RoomCode)
				sh.printf("channel   %s\n", sh.session.State())
				sh.printf("listeners %d\n", sh.session.UsersCount())
				m := sh.session.Metrics()
				sh.printf("frames    %d sent, %d received, %d dropped (rtt %s)\n",
					m.FramesSent, m.FramesReceived, m.FramesDropped, m.LastRTT)
				if state.Track == nil {
					sh.printf("playback  nothing loaded\n")
					return nil
				}
				verb := "paused"
				if state.Playing {
					verb = "playing"
				}
				sh.printf("playback  %s %q at %.1fs\n", verb, state.Track.Title, state.Position)
				return nil
			},
		},
		&cobra.Command{
			Use:   "leave",
			Short: "Leave the room",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return errLeave
			},
		},
	)
	return root
}

func positionArg(args []string, fallback float64) (float64, error) {
	if len(args) == 0 {
		return fallback, nil
	}
	pos, err := strconv.ParseFloat(args[0], 64)
	if err != nil || pos < 0 {
		return 0, fmt.Errorf("invalid position %q", args[0])
	}
	return pos, nil
}

func idArgs(args []string) ([]int64, error) {
	ids := make([]int64, len(args))
	for i, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", a)
		}
		ids[i] = id
	}
	return ids, nil
}
