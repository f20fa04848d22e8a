//go:build darwin || linux

package hostrt

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// Open loads the runtime library at path and binds whichever entry points
// it exports.
func Open(path string) (*Library, error) {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, fmt.Errorf("%w: dlopen %s: %w", ErrNoLibrary, path, err)
	}
	l := &Library{Path: path, handle: h}
	bind(h, "pvgpu_allocate", &l.allocate)
	bind(h, "pvgpu_deallocate", &l.deallocate)
	bind(h, "pvgpu_get_command_buffer", &l.getCommandBuffer)
	bind(h, "pvgpu_render", &l.render)
	bind(h, "pvgpu_present", &l.present)
	bind(h, "pvgpu_wait", &l.wait)
	bind(h, "pvgpu_query_fences", &l.queryFences)
	if l.render == nil {
		purego.Dlclose(h)
		return nil, fmt.Errorf("%w: %s does not export pvgpu_render", ErrNoLibrary, path)
	}
	return l, nil
}

// bind leaves *fptr nil when the symbol is missing.
func bind(lib uintptr, name string, fptr any) {
	sym, err := purego.Dlsym(lib, name)
	if err != nil || sym == 0 {
		return
	}
	purego.RegisterFunc(fptr, sym)
}

func (l *Library) Close() error {
	if l.handle == 0 {
		return nil
	}
	err := purego.Dlclose(l.handle)
	l.handle = 0
	return err
}
