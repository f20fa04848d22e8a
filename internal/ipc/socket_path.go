package ipc

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultSocketPath is where the session broker listens unless configured
// otherwise. It is stable per user so every driver process finds it.
func DefaultSocketPath() string {
	return defaultSocketPath()
}

func perUserSocketPath(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("pvgpu-broker-%d.sock", os.Getuid()))
}
