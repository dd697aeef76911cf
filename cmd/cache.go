// hashbuild cache stats, hashbuild cache verify
package cmd

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/qobs-build/hashbuild/internal/builder"
	"github.com/qobs-build/hashbuild/internal/objcache"
)

var errCorruptEntries = errors.New("cache has corrupt entries")

var flagFix bool

// openCache opens the cache without requiring a profile file
func openCache() (*objcache.Cache, error) {
	dir := viper.GetString("cache-dir")
	switch {
	case dir == "":
		dir = filepath.Join(projectDir(), builder.TempDir, builder.OutputsDir)
	case !filepath.IsAbs(dir):
		dir = filepath.Join(projectDir(), dir)
	}
	return objcache.New(dir, true)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the object cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the number and size of cached objects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := openCache()
		if err != nil {
			return err
		}
		count, size, err := cache.Stats()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n%d objects, %s\n", cache.Dir(), count, humanBytes(size))
		return nil
	},
}

var cacheVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check every cached object against its integrity marker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := openCache()
		if err != nil {
			return err
		}
		bad, err := cache.Verify()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, fp := range bad {
			fmt.Fprintf(out, "%s %s\n", color.HiRedString("corrupt"), cache.ObjectPath(fp))
			if flagFix {
				if err := cache.Remove(fp); err != nil {
					return err
				}
			}
		}
		if len(bad) == 0 {
			fmt.Fprintln(out, "all entries verified")
			return nil
		}
		if flagFix {
			fmt.Fprintf(out, "removed %d entries\n", len(bad))
			return nil
		}
		return fmt.Errorf("%w: %d", errCorruptEntries, len(bad))
	},
}

func init() {
	// hashbuild cache subcommands
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheVerifyCmd)
	cacheVerifyCmd.Flags().BoolVar(&flagFix, "fix", false, "Remove corrupt entries so the next build recompiles them")
}
