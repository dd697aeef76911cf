package toolchain

import (
	"os"
	"os/exec"
)

var commonCCompilers = []string{"clang", "gcc", "icx", "icc", "tcc", "cc"}

// FindCompiler returns $CC, or the first common C compiler found on PATH, or ""
func FindCompiler() string {
	if cc := os.Getenv("CC"); cc != "" {
		return cc
	}

	for _, compiler := range commonCCompilers {
		path, err := exec.LookPath(compiler)
		if err == nil {
			return path
		}
	}

	return ""
}
