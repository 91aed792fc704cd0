package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/kvcoord/client"
	"pkt.systems/kvcoord/event"
	"pkt.systems/kvcoord/lock"
)

const (
	envLockKey     = "KVCOORD_LOCK_KEY"
	envLockSession = "KVCOORD_LOCK_SESSION"
	envLockAddress = "KVCOORD_LOCK_ADDRESS"

	defaultChildStopGrace = 10 * time.Second
)

func newLockCommand(env *cliEnv) *cobra.Command {
	var (
		value     string
		sessionID string
		timeout   time.Duration
		stopGrace time.Duration
		behavior  string
	)
	cmd := &cobra.Command{
		Use:   "lock KEY -- COMMAND [ARGS...]",
		Short: "Run a command while holding a distributed lock",
		Long: `Acquire KEY, run COMMAND while the lock is held, and release the lock when
the command exits. If ownership of the lock is lost the command receives
SIGTERM, then SIGKILL after --stop-grace. The exit status of the command is
returned.`,
		Example: `  kvcoord lock service/leader -- ./leader.sh --port 8080`,
		Args:    cobra.MinimumNArgs(2),
		RunE: withEnv(env, func(cmd *cobra.Command, args []string, cli *client.Client) error {
			if dash := cmd.ArgsLenAtDash(); dash >= 0 && dash != 1 {
				return fmt.Errorf("expected exactly one KEY before --")
			}
			key, argv := args[0], args[1:]
			logger := env.subsystem("cli.lock").With("key", key)

			cfg := env.cfg.LockConfig(key, []byte(value), logger)
			if sessionID != "" {
				cfg.Session = lock.SessionConfig{ID: sessionID, TTL: env.cfg.SessionTTL}
			} else if behavior != "" {
				cfg.Session.Behavior = behavior
			}
			l, err := lock.New(cli, cli, cfg)
			if err != nil {
				return err
			}
			l.On(event.Retry, func(ev event.Event) {
				info, _ := ev.Data.(lock.RetryInfo)
				logger.Info("cli.lock.waiting", "leader", info.Leader)
			})

			ctx := cmd.Context()
			if timeout > 0 {
				acquireCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				timer := time.AfterFunc(timeout, func() {
					if !l.Held() {
						cancel()
					}
				})
				defer timer.Stop()
				ctx = acquireCtx
			}

			var childErr error
			err = lock.Hold(ctx, l, func(holdCtx context.Context) error {
				logger.Info("cli.lock.acquired", "session", l.SessionID())
				childErr = runChild(holdCtx, argv, childEnv(key, l.SessionID(), env.cfg.Address), stopGrace, cmd)
				return childErr
			})
			if childErr != nil {
				var exitErr *exec.ExitError
				if errors.As(childErr, &exitErr) {
					code := exitErr.ExitCode()
					if code < 0 {
						code = 1
					}
					return &exitCodeError{code: code}
				}
				return childErr
			}
			if err != nil {
				if errors.Is(err, context.Canceled) && timeout > 0 && cmd.Context().Err() == nil {
					return fmt.Errorf("lock %s not acquired within %s", key, timeout)
				}
				if errors.Is(err, lock.ErrOwnershipLost) || errors.Is(err, lock.ErrSessionStale) {
					logger.Warn("cli.lock.lost", "reason", err)
				}
				return err
			}
			return nil
		}),
	}
	flags := cmd.Flags()
	flags.StringVar(&value, "value", "", "value stored in the lock key while held")
	flags.StringVar(&sessionID, "session", "", "use an existing session instead of creating one")
	flags.StringVar(&behavior, "behavior", "", "behavior of the created session on invalidation (release|delete)")
	flags.DurationVar(&timeout, "timeout", 0, "give up if the lock is not acquired within this duration (0 waits forever)")
	flags.DurationVar(&stopGrace, "stop-grace", defaultChildStopGrace, "time between SIGTERM and SIGKILL when the lock is lost")
	return cmd
}

func childEnv(key, session, address string) []string {
	return append(os.Environ(),
		envLockKey+"="+key,
		envLockSession+"="+session,
		envLockAddress+"="+address,
	)
}

func runChild(ctx context.Context, argv []string, environ []string, grace time.Duration, cmd *cobra.Command) error {
	child := exec.CommandContext(ctx, argv[0], argv[1:]...)
	child.Env = environ
	child.Stdin = cmd.InOrStdin()
	child.Stdout = cmd.OutOrStdout()
	child.Stderr = cmd.ErrOrStderr()
	child.Cancel = func() error {
		return child.Process.Signal(syscall.SIGTERM)
	}
	child.WaitDelay = grace
	if err := child.Run(); err != nil {
		if ctx.Err() != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return fmt.Errorf("command stopped with status %d: %w", exitErr.ExitCode(), ctx.Err())
			}
		}
		return err
	}
	return nil
}
