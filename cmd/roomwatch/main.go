// roomwatch follows a room on an AgentRoom server and prints its timeline and
// agent status as they change.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/agentroom/internal/syncclient"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	var (
		server   string
		room     string
		interval time.Duration
		verbose  bool
	)

	flagSet := pflag.NewFlagSet("roomwatch", pflag.ContinueOnError)
	flagSet.StringVar(&server, "server", "http://localhost:5000", "AgentRoom server base URL")
	flagSet.StringVar(&room, "room", "", "room ID to follow (required)")
	flagSet.DurationVar(&interval, "interval", syncclient.DefaultPollInterval, "timeline poll interval")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log sync activity to stderr")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if room == "" {
		return errors.New("--room is required")
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	printer := &viewPrinter{out: out}
	client, err := syncclient.New(server, room, syncclient.Options{
		PollInterval: interval,
		OnChange:     printer.print,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = client.Run(ctx)
	switch {
	case errors.Is(err, syncclient.ErrRoomEnded):
		fmt.Fprintln(out, "room ended")
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

// viewPrinter prints messages not yet shown and status transitions.
type viewPrinter struct {
	out        io.Writer
	shown      map[string]bool
	status     string
	connection string
}

func (p *viewPrinter) print(state syncclient.State) {
	if p.shown == nil {
		p.shown = make(map[string]bool)
	}
	for _, m := range state.Messages {
		if p.shown[m.ID] {
			continue
		}
		p.shown[m.ID] = true
		fmt.Fprintf(p.out, "%s  %-5s  %s\n", m.CreatedAt.Local().Format("15:04:05"), m.Sender, m.Content)
	}
	if s := string(state.Status); s != p.status {
		p.status = s
		fmt.Fprintf(p.out, "-- agent %s\n", s)
	}
	if state.Connection != "" && state.Connection != p.connection {
		p.connection = state.Connection
		fmt.Fprintf(p.out, "-- client %s\n", state.Connection)
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `roomwatch follows one room and prints new messages and agent status.

Usage:
  roomwatch --room <id> [flags]

Flags:
%s`, flagSet.FlagUsages())
}
