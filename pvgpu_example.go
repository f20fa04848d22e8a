//go:build ignore

// This file walks through the public API of the pvgpu package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	pvgpu "github.com/tinyrange/pvgpu"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// =========================================================================
	// Config - defaults, or a YAML file
	// =========================================================================
	cfg := pvgpu.DefaultConfig()
	if len(os.Args) > 1 {
		var err error
		if cfg, err = pvgpu.LoadConfig(os.Args[1]); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	// =========================================================================
	// Adapter - loads the host runtime named by cfg.HostLibrary
	// =========================================================================
	adapter, err := pvgpu.OpenAdapter(cfg, log)
	if err != nil {
		return fmt.Errorf("open adapter: %w", err)
	}
	defer adapter.Close()

	d := adapter.NewDevice("example")
	d.SetErrorSink(func(err error) { log.Warn("deferred error", "err", err) })

	// =========================================================================
	// Resources
	// =========================================================================
	rt, err := d.CreateTexture2D(pvgpu.TextureDesc{
		Format:      3, // R8G8B8A8_UNORM
		Width:       640,
		Height:      480,
		MipLevels:   1,
		ArrayLayers: 1,
		Usage:       1 << 4, // render target
	})
	if err != nil {
		return fmt.Errorf("create render target: %w", err)
	}
	constants, err := d.CreateBuffer(pvgpu.BufferDesc{
		SizeBytes: 256,
		CPUAccess: pvgpu.CPUAccessWrite,
	})
	if err != nil {
		return fmt.Errorf("create buffer: %w", err)
	}

	// Map / Unmap with a non-blocking attempt first.
	m, err := d.Map(constants, 0, pvgpu.MapWrite|pvgpu.MapDoNotWait)
	if errors.Is(err, pvgpu.ErrStillDrawing) {
		m, err = d.Map(constants, 0, pvgpu.MapWrite)
	}
	if err != nil {
		return fmt.Errorf("map: %w", err)
	}
	copy(m.Data, []byte("hello"))
	if err := d.Unmap(constants); err != nil {
		return fmt.Errorf("unmap: %w", err)
	}

	// =========================================================================
	// Rendering, flush and present
	// =========================================================================
	if err := d.SetRenderTargets([]*pvgpu.Resource{rt}, nil); err != nil {
		return err
	}
	if err := d.Clear(pvgpu.ClearColor, [4]float32{0, 0, 0, 1}, 0, 0); err != nil {
		return err
	}
	fence, err := d.Present(rt, 1)
	if err != nil {
		var perr *pvgpu.Error
		if errors.As(err, &perr) {
			return fmt.Errorf("present failed in %s: %w", perr.Op, err)
		}
		return err
	}
	fmt.Printf("presented at fence %d\n", fence)

	if err := d.WaitIdle(time.Second); errors.Is(err, pvgpu.ErrDeviceLost) {
		return fmt.Errorf("device lost: %w", err)
	}

	// =========================================================================
	// Entry point table
	// =========================================================================
	tbl := pvgpu.Entries(d, log)
	for _, name := range tbl.Names() {
		if !tbl.Implemented(name) {
			fmt.Printf("stub: %s\n", name)
		}
	}
	if _, err := tbl.Call("GenerateMips", rt); errors.Is(err, pvgpu.ErrNoEntry) {
		fmt.Println("GenerateMips is not supported")
	}
	return d.DestroyResource(constants)
}
