package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/kvcoord/api"
	"pkt.systems/kvcoord/client"
	"pkt.systems/kvcoord/event"
	"pkt.systems/kvcoord/watch"
)

// watchRecord is the JSON line written per change.
type watchRecord struct {
	Watch string        `json:"watch"`
	Index uint64        `json:"index"`
	Time  time.Time     `json:"time"`
	Pair  *api.KVPair   `json:"pair,omitempty"`
	Pairs []*api.KVPair `json:"pairs,omitempty"`
}

func newWatchCommand(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream changes of a key or prefix",
	}
	cmd.AddCommand(
		newWatchTargetCommand(env, "key", "Watch a single key", func(cli *client.Client, target string, cfg watch.Config) (*watch.Watcher, error) {
			return watch.Key(cli, target, cfg)
		}),
		newWatchTargetCommand(env, "prefix", "Watch every key under a prefix", func(cli *client.Client, target string, cfg watch.Config) (*watch.Watcher, error) {
			return watch.KeyPrefix(cli, target, cfg)
		}),
	)
	return cmd
}

type watcherFactory func(cli *client.Client, target string, cfg watch.Config) (*watch.Watcher, error)

func newWatchTargetCommand(env *cliEnv, kind, short string, build watcherFactory) *cobra.Command {
	var (
		settings []string
		once     bool
		output   string
	)
	cmd := &cobra.Command{
		Use:     kind + " " + strings.ToUpper(kind),
		Short:   short,
		Example: fmt.Sprintf(`  kvcoord watch %s config/app --set wait=1m --set max-attempts=5`, kind),
		Args:    cobra.ExactArgs(1),
		RunE: withEnv(env, func(cmd *cobra.Command, args []string, cli *client.Client) error {
			mode, err := parseOutputMode(output)
			if err != nil {
				return err
			}
			target := args[0]
			logger := env.subsystem("cli.watch").With("target", target)
			cfg, err := watchConfigFromSettings(env.cfg.WatchConfig(kind+":"+target, env.logger), settings)
			if err != nil {
				return err
			}
			w, err := build(cli, target, cfg)
			if err != nil {
				return err
			}
			var failure error
			out := cmd.OutOrStdout()
			w.On(event.Change, func(ev event.Event) {
				if err := printChange(out, mode, w, ev); err != nil {
					logger.Warn("cli.watch.write_failed", "error", err)
				}
				if once {
					w.End()
				}
			})
			w.On(event.Error, func(ev event.Event) {
				failure = ev.Err
				logger.Warn("cli.watch.error", "error", ev.Err, "status", ev.Response.Status())
			})
			w.On(event.End, func(event.Event) {
				logger.Debug("cli.watch.end", "index", w.Index(), "last_update", describeAge(w.UpdateTime(), time.Now()))
			})
			if err := w.Start(cmd.Context()); err != nil {
				return err
			}
			<-w.Done()
			if once || cmd.Context().Err() != nil {
				return nil
			}
			// The watcher stopped on its own, so the last error is terminal.
			return failure
		}),
	}
	cmd.Flags().StringArrayVar(&settings, "set", nil, "watch option as key=value (wait, timeout, index, backoff-factor, backoff-max, max-attempts, name)")
	cmd.Flags().BoolVar(&once, "once", false, "exit after the first change")
	cmd.Flags().StringVarP(&output, "output", "o", string(outputJSON), "output format (json|text)")
	return cmd
}

// watchConfigFromSettings overlays key=value settings on base.
func watchConfigFromSettings(base watch.Config, settings []string) (watch.Config, error) {
	if len(settings) == 0 {
		return base, nil
	}
	values := make(map[string]string, len(settings))
	for _, s := range settings {
		k, v, ok := strings.Cut(s, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return watch.Config{}, fmt.Errorf("invalid --set %q (want key=value)", s)
		}
		values[strings.TrimSpace(k)] = v
	}
	parsed, err := watch.ParseOptions(values)
	if err != nil {
		return watch.Config{}, err
	}
	for k := range values {
		switch normalizeOptionKey(k) {
		case "wait":
			base.Options.Wait = parsed.Options.Wait
		case "timeout":
			base.Options.Timeout = parsed.Options.Timeout
		case "index":
			base.Options.Index = parsed.Options.Index
		case "backofffactor":
			base.BackoffFactor = parsed.BackoffFactor
		case "backoffmax":
			base.BackoffMax = parsed.BackoffMax
		case "maxattempts":
			base.MaxAttempts = parsed.MaxAttempts
		case "name":
			base.Name = parsed.Name
		}
	}
	return base, nil
}

func normalizeOptionKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', '.', ' ':
			return -1
		}
		return r
	}, strings.ToLower(key))
}

func printChange(w io.Writer, mode outputMode, watcher *watch.Watcher, ev event.Event) error {
	idx, _ := ev.Response.Index()
	rec := watchRecord{Watch: watcher.ID(), Index: idx, Time: watcher.UpdateTime().UTC()}
	switch data := ev.Data.(type) {
	case *api.KVPair:
		rec.Pair = data
	case []*api.KVPair:
		rec.Pairs = data
	}
	if mode == outputJSON {
		return writeJSONLine(w, rec)
	}
	switch {
	case rec.Pair != nil:
		_, err := fmt.Fprintf(w, "index %s\t%s\n", humanize.Comma(int64(idx)), describePair(rec.Pair))
		return err
	case rec.Pairs != nil:
		if _, err := fmt.Fprintf(w, "index %s\t%d keys\n", humanize.Comma(int64(idx)), len(rec.Pairs)); err != nil {
			return err
		}
		for _, p := range rec.Pairs {
			if _, err := fmt.Fprintf(w, "  %s\n", describePair(p)); err != nil {
				return err
			}
		}
		return nil
	default:
		_, err := fmt.Fprintf(w, "index %s\t(absent)\n", humanize.Comma(int64(idx)))
		return err
	}
}
