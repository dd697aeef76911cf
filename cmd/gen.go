// hashbuild gen ninja [profile]
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var genCmd = &cobra.Command{
	Use:   "gen",
	Short: "Export the build for another build tool",
}

var genNinjaCmd = &cobra.Command{
	Use:   "ninja [profile]",
	Short: "Write temp/build.ninja with fingerprint-named objects",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newBuilder(profileArg(args))
		if err != nil {
			return err
		}
		path, err := b.Generate(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	// hashbuild gen subcommand
	rootCmd.AddCommand(genCmd)
	genCmd.AddCommand(genNinjaCmd)
}
