//go:build windows

package ipc

import (
	"os"
	"path/filepath"
)

func defaultSocketPath() string {
	// os.TempDir() can be long enough on Windows to exceed the
	// 108-character sun_path limit once the file name is added.
	dir := filepath.Join(os.TempDir(), "pvgpu")
	os.MkdirAll(dir, 0o700)
	return perUserSocketPath(dir)
}
