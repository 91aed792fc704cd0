package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/kvcoord"
	"pkt.systems/kvcoord/duration"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage kvcoord configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.kvcoord/config.yaml"
	if path, err := kvcoord.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default kvcoord configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := kvcoord.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the persistent flags, with durations rendered the
// way the flags accept them.
type configDefaults struct {
	Address                string `yaml:"address"`
	Token                  string `yaml:"token"`
	Datacenter             string `yaml:"datacenter"`
	Consistency            string `yaml:"consistency"`
	HTTPTimeout            string `yaml:"http-timeout"`
	LogLevel               string `yaml:"log-level"`
	MetricsListen          string `yaml:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen"`
	OTLPEndpoint           string `yaml:"otlp-endpoint"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics"`
	SessionName            string `yaml:"session-name"`
	SessionTTL             string `yaml:"session-ttl"`
	LockDelay              string `yaml:"lock-delay"`
	LockWaitTime           string `yaml:"lock-wait-time"`
	LockRetryTime          string `yaml:"lock-retry-time"`
	LockWaitTimeout        string `yaml:"lock-wait-timeout"`
	WatchWait              string `yaml:"watch-wait"`
	BackoffFactor          string `yaml:"backoff-factor"`
	BackoffMax             string `yaml:"backoff-max"`
	MaxAttempts            int    `yaml:"max-attempts"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	cfg := kvcoord.DefaultConfig()
	defaults := configDefaults{
		Address:                cfg.Address,
		Consistency:            cfg.Consistency,
		HTTPTimeout:            duration.Format(cfg.HTTPTimeout),
		LogLevel:               cfg.LogLevel,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
		SessionName:            cfg.SessionName,
		SessionTTL:             duration.Format(cfg.SessionTTL),
		LockDelay:              duration.Format(cfg.LockDelay),
		LockWaitTime:           duration.Format(cfg.LockWaitTime),
		LockRetryTime:          duration.Format(cfg.LockRetryTime),
		LockWaitTimeout:        duration.Format(cfg.LockWaitTimeout),
		WatchWait:              duration.Format(cfg.WatchWait),
		BackoffFactor:          duration.Format(cfg.BackoffFactor),
		BackoffMax:             duration.Format(cfg.BackoffMax),
		MaxAttempts:            cfg.MaxAttempts,
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
