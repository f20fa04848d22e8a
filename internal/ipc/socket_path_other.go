//go:build !windows

package ipc

import "os"

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return perUserSocketPath(dir)
	}
	return perUserSocketPath(os.TempDir())
}
