package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"streambot/internal/config"
	"streambot/internal/monitor"
	"streambot/internal/storage"
	"streambot/internal/twitch"
	logx "streambot/pkg/logx"
)

// ErrUsage marks a malformed command line.
var ErrUsage = errors.New("usage error")

type command struct {
	name  string
	args  string
	about string
}

var commands = []command{
	{"run", "", "run the monitor (default)"},
	{"channels list", "", "show tracked channels"},
	{"channels add", "<name>...", "start tracking channels"},
	{"channels remove", "<name>...", "stop tracking channels"},
	{"check", "", "probe every tracked channel once and print the result"},
	{"help", "", "show this help"},
}

// PrintHelp writes the command overview.
func PrintHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: bot [-config path] [-env path] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s %s\t%s\n", c.name, c.args, c.about)
	}
	_ = tw.Flush()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Secrets can be supplied as TELEGRAM_TOKEN, TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET.")
}

// RunCommand executes an operator command against the configured store. It
// never starts the monitor loop, so it is safe next to a running daemon.
func RunCommand(ctx context.Context, cfgPath string, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", ErrUsage)
	}
	if args[0] == "help" {
		PrintHelp(out)
		return nil
	}

	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return err
	}
	log := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "cli"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return err
	}
	defer store.Close()

	switch args[0] {
	case "channels":
		if len(args) < 2 {
			return fmt.Errorf("%w: channels needs list, add or remove", ErrUsage)
		}
		return runChannels(ctx, store, args[1], args[2:], out)
	case "check":
		probe, err := newProbe(cfg, log)
		if err != nil {
			return err
		}
		return runCheck(ctx, cfg, probe, store, out)
	default:
		return fmt.Errorf("%w: unknown command %q", ErrUsage, args[0])
	}
}

func runChannels(ctx context.Context, store storage.Store, sub string, names []string, out io.Writer) error {
	switch sub {
	case "list":
		list, err := store.ListChannels(ctx)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(out, "No channels tracked.")
			return nil
		}
		fmt.Fprintf(out, "Tracked channels (%d):\n", len(list))
		for _, ch := range list {
			fmt.Fprintf(out, "  %s\n", ch)
		}
		return nil

	case "add", "remove":
		if len(names) == 0 {
			return fmt.Errorf("%w: channels %s needs at least one name", ErrUsage, sub)
		}
		var errs []error
		for _, raw := range names {
			name, err := storage.NormalizeChannel(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%q: %w", raw, err))
				continue
			}
			if sub == "add" {
				err = store.AddChannel(ctx, name)
			} else {
				err = store.RemoveChannel(ctx, name)
			}
			switch {
			case err == nil && sub == "add":
				fmt.Fprintf(out, "Now tracking %s\n", name)
			case err == nil:
				fmt.Fprintf(out, "Stopped tracking %s\n", name)
			case errors.Is(err, storage.ErrChannelExists):
				fmt.Fprintf(out, "%s is already tracked\n", name)
			case errors.Is(err, storage.ErrChannelNotFound):
				fmt.Fprintf(out, "%s is not tracked\n", name)
			default:
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
		return errors.Join(errs...)

	default:
		return fmt.Errorf("%w: unknown channels command %q", ErrUsage, sub)
	}
}

func newProbe(cfg *config.Config, log logx.Logger) (*twitch.Probe, error) {
	tc, err := mapTwitchConfig(cfg)
	if err != nil {
		return nil, err
	}
	return twitch.New(tc, nil, log)
}

// runCheck is the operator's CheckNow: one informational probe pass that
// leaves notification bookkeeping alone.
func runCheck(ctx context.Context, cfg *config.Config, probe monitor.Probe, store storage.Store, out io.Writer) error {
	mcfg, err := mapMonitorConfig(cfg)
	if err != nil {
		return err
	}
	mon, err := monitor.New(mcfg, monitor.Deps{Probe: probe, Source: store})
	if err != nil {
		return err
	}
	if err := probe.InitSession(ctx); err != nil {
		return fmt.Errorf("twitch session: %w", err)
	}
	results, err := mon.CheckNow(ctx)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(out, "No channels tracked.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tSTATUS\tVIEWERS\tCATEGORY\tTITLE")
	failed := 0
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
			fmt.Fprintf(tw, "%s\terror\t-\t-\t%s\n", r.Channel, r.Err)
		case r.Status.Live:
			fmt.Fprintf(tw, "%s\tlive\t%s\t%s\t%s\n", r.Channel,
				strconv.Itoa(r.Status.ViewerCount), r.Status.Category, oneLine(r.Status.Title))
		default:
			fmt.Fprintf(tw, "%s\toffline\t-\t-\t-\n", r.Channel)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d probes failed", failed, len(results))
	}
	return nil
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "-"
	}
	return s
}
