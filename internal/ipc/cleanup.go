//go:build !windows

package ipc

import "os"

// removeSocket removes a Unix domain socket file.
func removeSocket(path string) {
	os.Remove(path)
}
