//go:build !unix

package handles

import "errors"

// CounterFile is unavailable on this platform.
type CounterFile struct{}

func OpenCounterFile(path string) (*CounterFile, error) {
	return nil, errors.New("shared counter files need unix mmap")
}

func (c *CounterFile) Next() (uint64, error) { return 0, errors.New("no counter") }
func (c *CounterFile) Value() uint64         { return 0 }
func (c *CounterFile) Close() error          { return nil }
