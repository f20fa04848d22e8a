//go:build windows

package ipc

import (
	"os"
	"time"
)

func removeSocket(path string) {
	// File locks may persist briefly after the socket is closed.
	for i := 0; i < 5; i++ {
		err := os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
