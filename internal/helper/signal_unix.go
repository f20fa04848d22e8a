//go:build !windows

package helper

import (
	"os"
	"os/signal"
	"syscall"
)

// signalNotify also stops on SIGHUP so the broker ends with the session.
func signalNotify(ch chan<- os.Signal) {
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
}
