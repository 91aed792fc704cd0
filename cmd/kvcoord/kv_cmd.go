package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"pkt.systems/kvcoord/api"
	"pkt.systems/kvcoord/client"
)

func newKVCommand(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Read and write keys",
	}
	cmd.AddCommand(
		newKVGetCommand(env),
		newKVPutCommand(env),
		newKVDeleteCommand(env),
		newKVListCommand(env),
	)
	return cmd
}

func newKVGetCommand(env *cliEnv) *cobra.Command {
	var raw bool
	var output string
	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Print a key",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(env, func(cmd *cobra.Command, args []string, cli *client.Client) error {
			mode, err := parseOutputMode(output)
			if err != nil {
				return err
			}
			_, pair, err := cli.KVGet(cmd.Context(), args[0], api.QueryOptions{})
			if err != nil {
				return err
			}
			if pair == nil {
				return fmt.Errorf("key %q not found", args[0])
			}
			out := cmd.OutOrStdout()
			switch {
			case raw:
				_, err = out.Write(pair.Value)
				return err
			case mode == outputText:
				_, err = fmt.Fprintln(out, describePair(pair))
				return err
			default:
				return writeJSON(out, pair)
			}
		}),
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "write only the value bytes")
	cmd.Flags().StringVarP(&output, "output", "o", string(outputJSON), "output format (json|text)")
	return cmd
}

func newKVPutCommand(env *cliEnv) *cobra.Command {
	var (
		flags   uint64
		cas     int64
		acquire string
		release string
	)
	cmd := &cobra.Command{
		Use:   "put KEY [VALUE|-]",
		Short: "Write a key (VALUE '-' or omitted reads stdin)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withEnv(env, func(cmd *cobra.Command, args []string, cli *client.Client) error {
			var value []byte
			if len(args) == 2 && args[1] != "-" {
				value = []byte(args[1])
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				value = data
			}
			w := api.WriteOptions{Flags: flags, Acquire: acquire, Release: release}
			if cas >= 0 {
				idx := uint64(cas)
				w.CAS = &idx
			}
			_, ok, err := cli.KVPut(cmd.Context(), args[0], value, w)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatBool(ok))
			if !ok {
				return &exitCodeError{code: 2}
			}
			return nil
		}),
	}
	cmd.Flags().Uint64Var(&flags, "flags", 0, "opaque flags stored with the key")
	cmd.Flags().Int64Var(&cas, "cas", -1, "only write if the key's modify index matches (0 creates only)")
	cmd.Flags().StringVar(&acquire, "acquire", "", "acquire the key for this session")
	cmd.Flags().StringVar(&release, "release", "", "release the key held by this session")
	return cmd
}

func newKVDeleteCommand(env *cliEnv) *cobra.Command {
	var recurse bool
	var cas int64
	cmd := &cobra.Command{
		Use:     "delete KEY",
		Aliases: []string{"rm"},
		Short:   "Delete a key or prefix",
		Args:    cobra.ExactArgs(1),
		RunE: withEnv(env, func(cmd *cobra.Command, args []string, cli *client.Client) error {
			var casPtr *uint64
			if cas >= 0 {
				idx := uint64(cas)
				casPtr = &idx
			}
			_, ok, err := cli.KVDelete(cmd.Context(), args[0], recurse, casPtr)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatBool(ok))
			if !ok {
				return &exitCodeError{code: 2}
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&recurse, "recurse", false, "delete every key under the prefix")
	cmd.Flags().Int64Var(&cas, "cas", -1, "only delete if the key's modify index matches")
	return cmd
}

func newKVListCommand(env *cliEnv) *cobra.Command {
	var keysOnly bool
	var separator string
	var output string
	cmd := &cobra.Command{
		Use:     "list [PREFIX]",
		Aliases: []string{"ls"},
		Short:   "List keys under a prefix",
		Args:    cobra.MaximumNArgs(1),
		RunE: withEnv(env, func(cmd *cobra.Command, args []string, cli *client.Client) error {
			mode, err := parseOutputMode(output)
			if err != nil {
				return err
			}
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			out := cmd.OutOrStdout()
			if keysOnly || separator != "" {
				_, keys, err := cli.KVKeys(cmd.Context(), prefix, separator, api.QueryOptions{})
				if err != nil {
					return err
				}
				if mode == outputJSON {
					return writeJSON(out, keys)
				}
				for _, k := range keys {
					fmt.Fprintln(out, k)
				}
				return nil
			}
			_, pairs, err := cli.KVList(cmd.Context(), prefix, api.QueryOptions{})
			if err != nil {
				return err
			}
			if mode == outputJSON {
				if pairs == nil {
					pairs = []*api.KVPair{}
				}
				return writeJSON(out, pairs)
			}
			for _, p := range pairs {
				fmt.Fprintln(out, describePair(p))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&keysOnly, "keys", false, "list key names only")
	cmd.Flags().StringVar(&separator, "separator", "", "fold keys at this separator (implies --keys)")
	cmd.Flags().StringVarP(&output, "output", "o", string(outputJSON), "output format (json|text)")
	return cmd
}
