// hashbuild run [profile] [-- args...]
package cmd

import (
	"github.com/spf13/cobra"
)

func doRun(cmd *cobra.Command, args []string) error {
	var programArgs []string
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		args, programArgs = args[:dash], args[dash:]
	}
	if len(args) > 1 {
		return cobra.MaximumNArgs(1)(cmd, args)
	}

	b, err := newBuilder(profileArg(args))
	if err != nil {
		return err
	}
	return b.BuildAndRun(cmd.Context(), programArgs)
}

var runCmd = &cobra.Command{
	Use:   "run [profile] [-- args...]",
	Short: "Build and run the binary",
	Long:  `Build and run the binary. Arguments after -- are passed to the program.`,
	Args:  cobra.ArbitraryArgs,
	RunE:  doRun,
}

func init() {
	// hashbuild run subcommand
	rootCmd.AddCommand(runCmd)
}
