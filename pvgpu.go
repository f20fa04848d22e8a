// Package pvgpu is the guest side of a paravirtualized GPU. A Device
// records graphics work as host command packets, tracks the guest memory
// each submission touches and hands finished streams to the host runtime.
package pvgpu

import (
	"log/slog"

	"github.com/tinyrange/pvgpu/internal/config"
	"github.com/tinyrange/pvgpu/internal/ddi"
	"github.com/tinyrange/pvgpu/internal/protocol"
	"github.com/tinyrange/pvgpu/internal/resource"
	"github.com/tinyrange/pvgpu/internal/umd"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal/umd
// -----------------------------------------------------------------------------

// Adapter owns the host runtime and the services shared by its devices.
type Adapter = umd.Adapter

// Device is one rendering context on an Adapter.
type Device = umd.Device

// Runtime is a host runtime an Adapter can drive.
type Runtime = umd.Runtime

// Config is the adapter configuration, usually loaded from YAML.
type Config = config.Config

// Error represents a failed Device operation with structured information.
type Error = umd.Error

// Resource is a buffer or 2D texture created on a Device.
type Resource = resource.Resource

// ResourceDesc describes a resource to create.
type ResourceDesc = resource.Desc

// BufferDesc and TextureDesc are the two shapes of a ResourceDesc.
type (
	BufferDesc  = resource.BufferDesc
	TextureDesc = resource.TextureDesc
)

type (
	MapMode        = umd.MapMode
	Mapped         = umd.Mapped
	VertexBuffer   = umd.VertexBuffer
	ConstantBuffer = umd.ConstantBuffer
	TextureCopy    = umd.TextureCopy
	ViewDesc       = umd.ViewDesc
	SamplerDesc    = umd.SamplerDesc
)

// Table dispatches driver entry points by name.
type Table = ddi.Table

const (
	ResourceBuffer    = resource.KindBuffer
	ResourceTexture2D = resource.KindTexture2D
)

// CPU access flags for BufferDesc and TextureDesc.
const (
	CPUAccessRead  = resource.CPUAccessRead
	CPUAccessWrite = resource.CPUAccessWrite
)

// Map modes.
const (
	MapRead      = umd.MapRead
	MapWrite     = umd.MapWrite
	MapDoNotWait = umd.MapDoNotWait
)

// Clear flags.
const (
	ClearColor   = protocol.ClearColor
	ClearDepth   = protocol.ClearDepth
	ClearStencil = protocol.ClearStencil
)

// Common sentinel errors. Every error a Device returns matches at most one
// of them with errors.Is.
var (
	ErrInvalidArg     = umd.ErrInvalidArg
	ErrOutOfMemory    = umd.ErrOutOfMemory
	ErrNotImplemented = umd.ErrNotImplemented
	ErrStillDrawing   = umd.ErrStillDrawing
	ErrDeviceLost     = umd.ErrDeviceLost
)

// ErrNoEntry is returned by Table.Call for entry points the driver only
// stubs.
var ErrNoEntry = ddi.ErrNotImplemented

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// OpenAdapter loads the host runtime library named by cfg.HostLibrary.
//
// The caller must call Close when finished; it closes every device created
// on the adapter.
func OpenAdapter(cfg Config, log *slog.Logger) (*Adapter, error) {
	return umd.OpenAdapter(cfg, log)
}

// NewAdapter builds an adapter over a runtime the caller already opened.
func NewAdapter(cfg Config, rt Runtime, log *slog.Logger) (*Adapter, error) {
	return umd.NewAdapter(cfg, rt, log)
}

// Entries builds the named entry point table of d. Entry points the driver
// does not implement are present but fail with ErrNoEntry.
func Entries(d *Device, log *slog.Logger) *Table {
	return ddi.Build(umd.DeviceEntries(d), log)
}
