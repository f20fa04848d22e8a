//go:build !(darwin || linux)

package hostrt

import "fmt"

func Open(path string) (*Library, error) {
	return nil, fmt.Errorf("%w: dynamic loading is not supported on this platform", ErrNoLibrary)
}

func (l *Library) Close() error { return nil }
