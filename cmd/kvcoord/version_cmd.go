package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/kvcoord/internal/version"
)

func newVersionCommand() *cobra.Command {
	var semverOnly bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the kvcoord version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if semverOnly {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Semver())
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current())
			return err
		},
	}
	cmd.Flags().BoolVar(&semverOnly, "semver", false, "print only the semantic version")
	return cmd
}
