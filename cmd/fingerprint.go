// hashbuild fingerprint <file>...
package cmd

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/qobs-build/hashbuild/internal/config"
	"github.com/qobs-build/hashbuild/internal/fingerprint"
)

var (
	flagFingerprintProfile  string
	flagFingerprintIncludes []string
	flagFingerprintClosure  bool
)

// fingerprintFiles prints `<fingerprint>  <file>` per file followed by the
// directories that resolved its includes. Without a project the given -I
// directories are the only search path.
func fingerprintFiles(cmd *cobra.Command, out io.Writer, files []string) error {
	includes := flagFingerprintIncludes
	fp := func(file string) (fingerprint.Result, error) {
		return fingerprint.Of(file, includes)
	}

	b, err := newBuilder(flagFingerprintProfile)
	switch {
	case err == nil:
		includes = slices.Concat(b.IncludeDirs(), includes)
		if len(flagFingerprintIncludes) == 0 {
			fp = func(file string) (fingerprint.Result, error) {
				return b.Fingerprint(cmd.Context(), file)
			}
		}
	case errors.Is(err, config.ErrNoConfigFile):
	default:
		return err
	}

	for _, file := range files {
		if flagFingerprintClosure {
			text, _, err := fingerprint.Engine{}.Closure(file, includes)
			if err != nil {
				return err
			}
			out.Write(text)
			continue
		}

		res, err := fp(file)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s  %s\n", res.Fingerprint, file)
		for _, dir := range res.Touched {
			fmt.Fprintf(out, "    %s\n", dir)
		}
	}
	return nil
}

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint <file>...",
	Short: "Print the fingerprint of translation units",
	Long: `Print the fingerprint of translation units and the include directories
that contributed to it. Inside a project the profile's include directories and
fingerprint mode are used.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fingerprintFiles(cmd, cmd.OutOrStdout(), args)
	},
}

func init() {
	// hashbuild fingerprint subcommand
	rootCmd.AddCommand(fingerprintCmd)
	fingerprintCmd.Flags().StringVarP(&flagFingerprintProfile, "profile", "p", profileArg(nil), "Profile whose include directories are searched")
	fingerprintCmd.Flags().StringSliceVarP(&flagFingerprintIncludes, "include", "I", nil, "Extra include directory, searched after the profile's")
	fingerprintCmd.Flags().BoolVar(&flagFingerprintClosure, "closure", false, "Print the expanded text that is hashed instead")
}
