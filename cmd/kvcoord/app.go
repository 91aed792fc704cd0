package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/kvcoord"
	"pkt.systems/kvcoord/client"
	"pkt.systems/kvcoord/internal/pathutil"
	"pkt.systems/kvcoord/internal/svcfields"
	"pkt.systems/pslog"
)

// exitCodeError carries a child process exit status out of a command.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitCodeError) Unwrap() error { return e.err }

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("KVCOORD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "kvcoord")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			if exitErr.err != nil {
				fmt.Fprintf(os.Stderr, "%s\n", exitErr.err)
			}
			return exitErr.code
		}
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// cliEnv resolves the shared configuration once per invocation and owns the
// resources built from it.
type cliEnv struct {
	v          *viper.Viper
	baseLogger pslog.Logger

	loaded     bool
	cfg        kvcoord.Config
	logger     pslog.Logger
	configFile string
	telemetry  *kvcoord.Telemetry
}

func (e *cliEnv) load(ctx context.Context) error {
	if e.loaded {
		return nil
	}
	configFile, err := loadConfigFile(e.v)
	if err != nil {
		return err
	}
	e.configFile = configFile
	cfg := bindConfig(e.v)
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfg = cfg
	e.logger = e.baseLogger
	if level, ok := pslog.ParseLevel(cfg.LogLevel); ok {
		e.logger = e.logger.LogLevel(level)
	}
	if configFile != "" {
		svcfields.WithSubsystem(e.logger, "cli.config").Debug("cli.config.loaded", "path", configFile)
	}
	tel, err := kvcoord.SetupTelemetry(ctx, cfg.TelemetryConfig(), e.logger)
	if err != nil {
		return err
	}
	e.telemetry = tel
	e.loaded = true
	return nil
}

func (e *cliEnv) cleanup() {
	if e.telemetry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.telemetry.Shutdown(ctx)
	e.telemetry = nil
}

func (e *cliEnv) client() (*client.Client, error) {
	return client.New(e.cfg.Address, e.cfg.ClientOptions(e.logger)...)
}

func (e *cliEnv) subsystem(name string) pslog.Logger {
	return svcfields.WithSubsystem(e.logger, name)
}

// withEnv wraps a command body with config loading and cleanup.
func withEnv(env *cliEnv, run func(cmd *cobra.Command, args []string, cli *client.Client) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := env.load(cmd.Context()); err != nil {
			return err
		}
		defer env.cleanup()
		cli, err := env.client()
		if err != nil {
			return err
		}
		return run(cmd, args, cli)
	}
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	env := &cliEnv{v: v, baseLogger: baseLogger}
	defaults := kvcoord.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "kvcoord",
		Short:         "kvcoord coordinates processes with locks and watches over a Consul-compatible KV store",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Run a command while holding a lock
  kvcoord lock service/leader -- ./run-leader.sh

  # Stream changes under a prefix as JSON lines
  kvcoord watch prefix config/ --set wait=1m

  # Start an in-memory development store
  kvcoord dev --listen 127.0.0.1:8500
`,
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.kvcoord/config.yaml)")
	flags.StringP("address", "a", defaults.Address, "KV agent HTTP address")
	flags.String("token", "", "ACL token sent as X-Consul-Token")
	flags.String("datacenter", "", "datacenter to query")
	flags.String("consistency", "", "read consistency mode (consistent|stale)")
	flags.Duration("http-timeout", defaults.HTTPTimeout, "timeout for non-blocking requests")
	flags.String("log-level", defaults.LogLevel, "log level (trace|debug|info|warn|error|none)")
	flags.String("metrics-listen", kvcoord.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", kvcoord.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("session-name", defaults.SessionName, "name of sessions created for locks")
	flags.Duration("session-ttl", defaults.SessionTTL, "TTL of sessions created for locks")
	flags.Duration("lock-delay", defaults.LockDelay, "lock-delay of sessions created for locks (0 keeps the server default)")
	flags.Duration("lock-wait-time", defaults.LockWaitTime, "blocking wait of lock reads")
	flags.Duration("lock-retry-time", defaults.LockRetryTime, "pause between contended lock attempts")
	flags.Duration("lock-wait-timeout", defaults.LockWaitTimeout, "client-side padding on lock reads")
	flags.Duration("watch-wait", defaults.WatchWait, "blocking wait of watch reads")
	flags.Duration("backoff-factor", defaults.BackoffFactor, "base delay of watch backoff")
	flags.Duration("backoff-max", defaults.BackoffMax, "maximum single watch backoff delay")
	flags.Int("max-attempts", defaults.MaxAttempts, "consecutive watch failures before giving up (0 retries forever, negative fails fast)")

	bindFlags(v, flags)

	cmd.AddCommand(
		newLockCommand(env),
		newWatchCommand(env),
		newKVCommand(env),
		newSessionCommand(env),
		newDevCommand(env),
		newConfigCommand(),
		newVersionCommand(),
	)
	return cmd
}

var configKeys = []string{
	"config",
	"address", "token", "datacenter", "consistency", "http-timeout", "log-level",
	"metrics-listen", "pprof-listen", "otlp-endpoint", "enable-profiling-metrics",
	"session-name", "session-ttl", "lock-delay", "lock-wait-time", "lock-retry-time", "lock-wait-timeout",
	"watch-wait", "backoff-factor", "backoff-max", "max-attempts",
}

// bindFlags lets KVCOORD_* environment variables and config file entries
// stand in for every persistent flag.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	v.SetEnvPrefix("KVCOORD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, name := range configKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
}

func bindConfig(v *viper.Viper) kvcoord.Config {
	return kvcoord.Config{
		Address:                v.GetString("address"),
		Token:                  v.GetString("token"),
		Datacenter:             v.GetString("datacenter"),
		Consistency:            v.GetString("consistency"),
		HTTPTimeout:            v.GetDuration("http-timeout"),
		LogLevel:               v.GetString("log-level"),
		MetricsListen:          v.GetString("metrics-listen"),
		PprofListen:            v.GetString("pprof-listen"),
		OTLPEndpoint:           v.GetString("otlp-endpoint"),
		EnableProfilingMetrics: v.GetBool("enable-profiling-metrics"),
		SessionName:            v.GetString("session-name"),
		SessionTTL:             v.GetDuration("session-ttl"),
		LockDelay:              v.GetDuration("lock-delay"),
		LockWaitTime:           v.GetDuration("lock-wait-time"),
		LockRetryTime:          v.GetDuration("lock-retry-time"),
		LockWaitTimeout:        v.GetDuration("lock-wait-timeout"),
		WatchWait:              v.GetDuration("watch-wait"),
		BackoffFactor:          v.GetDuration("backoff-factor"),
		BackoffMax:             v.GetDuration("backoff-max"),
		MaxAttempts:            v.GetInt("max-attempts"),
	}
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := kvcoord.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	p, err := pathutil.ExpandUserAndEnv(p)
	if err != nil || p == "" {
		return p, err
	}
	return filepath.Abs(p)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
