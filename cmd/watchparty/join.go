package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/sendrec/watchparty/internal/client"
	"github.com/sendrec/watchparty/internal/playback"
	"github.com/sendrec/watchparty/internal/player"
	"github.com/sendrec/watchparty/internal/session"
)

var joinCmd = &cobra.Command{
	Use:   "join <session-id>",
	Short: "Follow a session with a local player",
	Long: `Join a watch session and keep a local player in step with it.

With --mpv-socket the player is an mpv instance started with
--input-ipc-server=<socket>. With --headless, or without a socket, a virtual
player is used. Either player also takes commands from stdin: play, pause,
seek <seconds>, sync, status and quit.`,
	Args: cobra.ExactArgs(1),
	RunE: runJoin,
}

var (
	flagMPVSocket string
	flagHeadless  bool
	flagThreshold float64
)

func init() {
	joinCmd.Flags().StringVar(&flagMPVSocket, "mpv-socket", "", "path of the mpv IPC socket to drive")
	joinCmd.Flags().BoolVar(&flagHeadless, "headless", false, "use the built-in virtual player instead of mpv")
	joinCmd.Flags().Float64Var(&flagThreshold, "threshold", playback.DefaultThreshold, "tolerated drift in seconds before the player is corrected (env SYNC_THRESHOLD)")
	joinCmd.MarkFlagsMutuallyExclusive("mpv-socket", "headless")
}

// localPlayer is a player that reports its own transport actions.
type localPlayer interface {
	playback.Player
	OnEvent(fn func(playback.Event))
}

func runJoin(cmd *cobra.Command, args []string) error {
	sessionID := args[0]
	if !session.ValidID(sessionID) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := viewerConfig(cmd)
	if err != nil {
		return err
	}
	logger = logger.With("session_id", sessionID)
	c := client.New(cfg.ServerURL, logger)

	var (
		p    localPlayer
		done <-chan struct{}
	)
	if flagMPVSocket != "" && !flagHeadless {
		mpv, err := player.DialMPV(ctx, flagMPVSocket, logger)
		if err != nil {
			return err
		}
		defer mpv.Close()
		p, done = mpv, mpv.Done()
	} else {
		p = player.NewVirtual(clockwork.NewRealClock())
	}

	syncer := playback.New(playback.Config{
		Store:     c,
		SessionID: sessionID,
		Player:    p,
		Resolver:  playback.NewResolver(c),
		Policy:    playback.NewPolicy(cfg.SyncThreshold),
		Logger:    logger,
	})
	p.OnEvent(syncer.Notify)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- syncer.Run(runCtx) }()

	lines := make(chan string)
	go scanLines(cmd.InOrStdin(), lines)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "following session %s as %s\n", sessionID, syncer.Origin())
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-done:
			fmt.Fprintln(out, "player exited")
			break loop
		case err := <-runErr:
			return err
		case line, ok := <-lines:
			if !ok {
				if done == nil {
					break loop
				}
				lines = nil
				continue
			}
			quit, err := runCommand(ctx, line, p, syncer, out)
			if err != nil {
				fmt.Fprintln(out, "error:", err)
			}
			if quit {
				break loop
			}
		}
	}

	cancel()
	err = <-runErr
	syncer.Wait()
	return err
}

func scanLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

var errUnknownCommand = errors.New("unknown command (play, pause, seek <seconds>, sync, status, quit)")

// runCommand executes one interactive command against the local player.
// Transport commands reach the session through the player's own events.
func runCommand(ctx context.Context, line string, p playback.Player, syncer *playback.Synchronizer, out io.Writer) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch fields[0] {
	case "play":
		return false, p.Play()
	case "pause":
		return false, p.Pause()
	case "seek":
		if len(fields) != 2 {
			return false, errors.New("usage: seek <seconds>")
		}
		seconds, err := strconv.ParseFloat(fields[1], 64)
		if err != nil || seconds < 0 {
			return false, fmt.Errorf("invalid position %q", fields[1])
		}
		return false, p.Seek(seconds)
	case "sync":
		return false, syncer.SyncNow(ctx)
	case "status":
		return false, writeStatus(out, p, syncer)
	case "quit", "exit":
		return true, nil
	default:
		return false, errUnknownCommand
	}
}

func writeStatus(out io.Writer, p playback.Player, syncer *playback.Synchronizer) error {
	position, err := p.Position()
	if err != nil {
		return err
	}
	paused, err := p.Paused()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "player: %s position=%.3f paused=%t\n", syncer.Status(), position, paused)
	if err := syncer.LastError(); err != nil {
		fmt.Fprintf(out, "last error: %v\n", err)
	}
	if state, ok := syncer.Current(); ok {
		fmt.Fprintf(out, "session: media=%s time=%.3f playing=%t updated_at=%d\n",
			state.URL, state.Time, state.Playing, state.UpdatedAt)
	}
	return nil
}
