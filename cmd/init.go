// hashbuild init [name], hashbuild new [path]
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/qobs-build/hashbuild/internal/msg"
)

func writefile(content string, elem ...string) {
	path := filepath.Join(elem...)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err = os.WriteFile(path, []byte(content), 0o644); err != nil {
			msg.Fatal("create file %s: %v", path, err)
		}
		fmt.Fprintf(msg.Out, "%s file: %s\n", color.HiGreenString("Created"), filepath.ToSlash(path))
	}
}

func mkdir(elem ...string) {
	path := filepath.Join(elem...)
	if err := os.MkdirAll(path, 0o755); err != nil {
		msg.Fatal("mkdir %s: %v", path, err)
	}
}

func getProgramName() string {
	if len(os.Args) == 0 {
		return "hashbuild"
	}
	basename := filepath.Base(os.Args[0])
	return strings.TrimSuffix(basename, filepath.Ext(basename))
}

// profileTemplate has one profile per platform name the build defaults to
func profileTemplate(name string, shared bool) string {
	output := name
	if shared {
		output = "lib" + name + ".so"
	}

	var sb strings.Builder
	for _, profile := range []string{"linux", "darwin", "freebsd", "win32"} {
		fmt.Fprintf(&sb, "[%s]\n", profile)
		fmt.Fprintf(&sb, "output = %q\n", output)
		sb.WriteString("sources = [\"source\"]\n")
		sb.WriteString("includes = [\"include\"]\n")
		sb.WriteString("defines = []\n")
		if shared {
			sb.WriteString("shared = true\n")
		}
		switch profile {
		case "linux", "freebsd":
			sb.WriteString("links = [\"m\"]\n")
		case "win32":
			sb.WriteString("ldflags = [\"-std=c23\"]\n")
		default:
			sb.WriteString("links = []\n")
		}
		fmt.Fprintf(&sb, "\n[%s.'\"DEBUG\" in environ']\n", profile)
		sb.WriteString("defines = [\"DEBUG\"]\n\n")
	}
	return sb.String()
}

// initIn initializes a project in an existing directory
func initIn(dir, name string, shared bool) {
	writefile(profileTemplate(name, shared), dir, "build.toml")

	mkdir(dir, "source")
	mkdir(dir, "include")

	if shared {
		writefile(`#include "`+name+`.h"

int `+name+`_answer(void) {
    return 42;
}
`, dir, "source", name+".c")

		writefile(`#pragma once

int `+name+`_answer(void);
`, dir, "include", name+".h")
	} else {
		writefile(`#include <stdio.h>

int main(void) {
    puts("Hello, World!");
    return 0;
}
`, dir, "source", "main.c")
	}

	// .gitignore
	writefile(`temp/
`, dir, ".gitignore")

	programName := getProgramName()
	fmt.Fprintf(msg.Out, "You can now do %s to build, or %s to build and run.\n",
		color.HiCyanString(programName+" -C "+dir), color.HiCyanString(programName+" -C "+dir+" run"))
}

var shared bool

var initCmd = &cobra.Command{
	Use:   "init [name]",
	Short: "Create a new project in the current directory",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := "app"
		if len(args) > 0 {
			name = args[0]
		} else if cwd, err := os.Getwd(); err == nil {
			name = filepath.Base(cwd)
		}
		initIn(".", name, shared)
	},
}

var newCmd = &cobra.Command{
	Use:   "new [path]",
	Short: "Create a new project in a new directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mkdir(args[0])
		initIn(args[0], filepath.Base(args[0]), shared)
	},
}

func init() {
	// hashbuild init subcommand
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVarP(&shared, "shared", "s", false, "Create a shared library project")

	// hashbuild new subcommand
	rootCmd.AddCommand(newCmd)
	newCmd.Flags().BoolVarP(&shared, "shared", "s", false, "Create a shared library project")
}
