//go:build windows

package helper

import (
	"os"
	"os/signal"
)

// Only os.Interrupt is delivered on Windows.
func signalNotify(ch chan<- os.Signal) {
	signal.Notify(ch, os.Interrupt)
}
