package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/kvcoord/api"
	"pkt.systems/kvcoord/client"
	"pkt.systems/kvcoord/duration"
)

func newSessionCommand(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage sessions",
	}
	cmd.AddCommand(
		newSessionCreateCommand(env),
		newSessionRenewCommand(env),
		newSessionDestroyCommand(env),
		newSessionInfoCommand(env),
		newSessionListCommand(env),
	)
	return cmd
}

func newSessionCreateCommand(env *cliEnv) *cobra.Command {
	var (
		name      string
		node      string
		behavior  string
		ttl       time.Duration
		lockDelay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session and print its ID",
		Args:  cobra.NoArgs,
		RunE: withEnv(env, func(cmd *cobra.Command, args []string, cli *client.Client) error {
			req := api.SessionRequest{Name: name, Node: node, Behavior: behavior}
			if ttl > 0 {
				req.TTL = duration.Format(ttl)
			}
			if cmd.Flags().Changed("lock-delay") {
				req.LockDelay = duration.Format(lockDelay)
			}
			_, id, err := cli.SessionCreate(cmd.Context(), req)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "session name")
	cmd.Flags().StringVar(&node, "node", "", "node the session is attached to")
	cmd.Flags().StringVar(&behavior, "behavior", api.SessionBehaviorRelease, "what happens to held keys on invalidation (release|delete)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "session TTL (0 creates a session without TTL)")
	cmd.Flags().DurationVar(&lockDelay, "lock-delay", 0, "lock-delay applied after invalidation")
	return cmd
}

func newSessionRenewCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "renew ID",
		Short: "Renew a session TTL",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(env, func(cmd *cobra.Command, args []string, cli *client.Client) error {
			_, entry, err := cli.SessionRenew(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), entry)
		}),
	}
}

func newSessionDestroyCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy ID",
		Short: "Destroy a session, releasing its locks",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(env, func(cmd *cobra.Command, args []string, cli *client.Client) error {
			_, ok, err := cli.SessionDestroy(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), ok)
			return err
		}),
	}
}

func newSessionInfoCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "info ID",
		Short: "Describe a session",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(env, func(cmd *cobra.Command, args []string, cli *client.Client) error {
			_, entry, err := cli.SessionInfo(cmd.Context(), args[0], api.QueryOptions{})
			if err != nil {
				return err
			}
			if entry == nil {
				return fmt.Errorf("session %q not found", args[0])
			}
			return writeJSON(cmd.OutOrStdout(), entry)
		}),
	}
}

func newSessionListCommand(env *cliEnv) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List sessions",
		Args:    cobra.NoArgs,
		RunE: withEnv(env, func(cmd *cobra.Command, args []string, cli *client.Client) error {
			mode, err := parseOutputMode(output)
			if err != nil {
				return err
			}
			_, entries, err := cli.SessionList(cmd.Context(), api.QueryOptions{})
			if err != nil {
				return err
			}
			if mode == outputJSON {
				if entries == nil {
					entries = []*api.SessionEntry{}
				}
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			for _, e := range entries {
				fmt.Fprintln(cmd.OutOrStdout(), describeSession(e))
			}
			return nil
		}),
	}
	cmd.Flags().StringVarP(&output, "output", "o", string(outputJSON), "output format (json|text)")
	return cmd
}
