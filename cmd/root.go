// hashbuild [profile]
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/qobs-build/hashbuild/internal/builder"
	"github.com/qobs-build/hashbuild/internal/config"
	"github.com/qobs-build/hashbuild/internal/msg"
)

var flagGenerator EnumValue = NewEnumValue(builder.GeneratorHashbuild, map[string]string{
	builder.GeneratorHashbuild: "Compile in-process through the object cache (default)",
	builder.GeneratorNinja:     "Generate build.ninja and run ninja",
})

func doBuild(cmd *cobra.Command, args []string) error {
	b, err := newBuilder(profileArg(args))
	if err != nil {
		return err
	}
	report, err := b.Build(cmd.Context())
	if report != nil {
		msg.Log.Debug("build finished", "outcome", report.Outcome, "compiled", report.Compiled, "units", len(report.Units))
	}
	return err
}

var rootCmd = &cobra.Command{
	Use:   "hashbuild [profile]",
	Short: "Content-addressed incremental C builds",
	Long: `Builds the C sources of the project in the current directory (or --dir).
Every translation unit is fingerprinted by the text of its #include closure and
only compiled when no object with that fingerprint is cached in temp/outputs.

The profile defaults to the platform name (linux, darwin, win32, ...).`,
	Args:          cobra.MaximumNArgs(1),
	RunE:          doBuild,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initSettings)

	pf := rootCmd.PersistentFlags()
	pf.StringP("dir", "C", ".", "Project directory")
	pf.IntP("jobs", "j", 0, "Number of parallel compiles (default: logical cores)")
	pf.BoolP("verbose", "v", false, "Print debug diagnostics")
	pf.Bool("strict-link", false, "Fail the run when linking fails")
	pf.Bool("no-verify", false, "Trust cached objects without checking their integrity marker")
	pf.String("cache-dir", "", "Object cache directory (default: <dir>/temp/outputs)")
	for _, name := range []string{"dir", "jobs", "verbose", "strict-link", "no-verify", "cache-dir"} {
		viper.BindPFlag(name, pf.Lookup(name))
	}

	rootCmd.Flags().VarP(&flagGenerator, "gen", "g", "Generator to build with, one of "+flagGenerator.HelpString())
	rootCmd.RegisterFlagCompletionFunc("gen", flagGenerator.CompletionFunc())
}

// initSettings lets every persistent flag also come from HASHBUILD_<FLAG>
func initSettings() {
	viper.SetEnvPrefix("hashbuild")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	msg.SetVerbose(viper.GetBool("verbose"))
}

func builderOptions() builder.Options {
	return builder.Options{
		Jobs:       viper.GetInt("jobs"),
		Verify:     !viper.GetBool("no-verify"),
		StrictLink: viper.GetBool("strict-link"),
		CacheDir:   viper.GetString("cache-dir"),
		Generator:  flagGenerator.Value(),
	}
}

func projectDir() string {
	if dir := viper.GetString("dir"); dir != "" {
		return dir
	}
	return "."
}

func profileArg(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return config.DefaultProfileName(runtime.GOOS)
}

func newBuilder(profile string) (*builder.Builder, error) {
	return builder.NewBuilderInDirectory(projectDir(), profile, builderOptions())
}

// exitStatus is the process status for err: the compiler's or linker's own
// status when one failed, the program's for `run`, 1 otherwise
func exitStatus(err error) int {
	var withStatus interface{ ExitStatus() int }
	if errors.As(err, &withStatus) && withStatus.ExitStatus() > 0 {
		return withStatus.ExitStatus()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode()
	}
	return 1
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}

	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		// the program or ninja already reported
	case errors.Is(err, context.Canceled):
		msg.Error("interrupted")
	default:
		msg.Error("%v", err)
	}
	if errors.Is(err, config.ErrNoConfigFile) || errors.Is(err, config.ErrProfileNotFound) {
		fmt.Fprintf(os.Stderr, "Run `%s init` to create a %s.\n", getProgramName(), config.ConfigFiles[0])
	}
	os.Exit(exitStatus(err))
}
