package umd

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/pvgpu/internal/broker"
	"github.com/tinyrange/pvgpu/internal/config"
	"github.com/tinyrange/pvgpu/internal/fence"
	"github.com/tinyrange/pvgpu/internal/handles"
	"github.com/tinyrange/pvgpu/internal/hostrt"
	"github.com/tinyrange/pvgpu/internal/shared"
	"github.com/tinyrange/pvgpu/internal/trace"
)

// Runtime is a host runtime a device can submit to. *hostrt.Library and
// *hostsim.Host implement it.
type Runtime interface {
	Runtime() any
	FenceSources() fence.Sources
	Close() error
}

// Adapter owns the per-process resources that every device on it shares:
// the host runtime, the session broker connection, the handle allocator,
// the share-token service and the trace recorder.
type Adapter struct {
	cfg config.Config
	log *slog.Logger

	rt      Runtime
	ownsRT  bool
	broker  *broker.Client
	handles *handles.Allocator
	tokens  shared.TokenService
	page    *fence.Page
	trace   *trace.Recorder

	mu      sync.Mutex
	devices []*Device
}

// OpenAdapter loads the host runtime named by cfg.HostLibrary and connects
// the optional process-shared services cfg points at. Only the runtime is
// required; a missing broker or fence page is logged and skipped.
func OpenAdapter(cfg config.Config, log *slog.Logger) (*Adapter, error) {
	if cfg.HostLibrary == "" {
		return nil, fmt.Errorf("umd: open adapter: %w: no host library configured", hostrt.ErrNoLibrary)
	}
	lib, err := hostrt.Open(cfg.HostLibrary)
	if err != nil {
		return nil, fmt.Errorf("umd: open adapter: %w", err)
	}
	a, err := NewAdapter(cfg, lib, log)
	if err != nil {
		lib.Close()
		return nil, err
	}
	a.ownsRT = true
	return a, nil
}

// NewAdapter wraps an already opened runtime. The caller keeps ownership
// of rt.
func NewAdapter(cfg config.Config, rt Runtime, log *slog.Logger) (*Adapter, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{cfg: cfg, log: log, rt: rt}

	if cfg.BrokerSocket != "" {
		c, err := broker.Dial(cfg.BrokerSocket)
		if err != nil {
			log.Warn("umd: session broker unavailable", "socket", cfg.BrokerSocket, "err", err)
		} else {
			a.broker = c
		}
	}

	opts := handles.Options{CounterPath: cfg.HandleCounterPath, Log: log}
	if a.broker != nil {
		opts.Broker = a.broker
		a.tokens = shared.NewBrokerTokens(a.broker)
	} else {
		a.tokens = shared.NewLocalTokens()
	}
	a.handles = handles.New(opts)

	if cfg.FencePagePath != "" {
		page, err := fence.OpenFencePage(cfg.FencePagePath)
		if err != nil {
			log.Warn("umd: fence page unavailable", "path", cfg.FencePagePath, "err", err)
		} else {
			a.page = page
		}
	}

	if cfg.TracePath != "" {
		a.trace = trace.NewRecorder()
		if err := a.trace.OpenFile(cfg.TracePath); err != nil {
			a.close()
			return nil, fmt.Errorf("umd: open adapter: %w", err)
		}
	}
	return a, nil
}

// Trace returns the recorder devices write to, or nil when tracing is off.
func (a *Adapter) Trace() *trace.Recorder { return a.trace }

// HandleSource reports which source the handle allocator settled on.
func (a *Adapter) HandleSource() string { return a.handles.Kind() }

// NewDevice creates a device on the adapter's runtime.
func (a *Adapter) NewDevice(name string) *Device {
	src := a.rt.FenceSources()
	if a.page != nil {
		src.Monitored = a.page
	}
	opts := Options{
		Runtime: a.rt.Runtime(),
		Fences:  src,
		Tokens:  a.tokens,
		Handles: a.handles,
		Config:  &a.cfg,
		Trace:   a.trace,
		Name:    name,
		Log:     a.log,
	}
	if layer, ok := a.rt.(AllocationLayer); ok {
		opts.Allocations = layer
	}
	d := New(opts)

	a.mu.Lock()
	a.devices = append(a.devices, d)
	a.mu.Unlock()
	return d
}

// Close closes every device created on the adapter and then the shared
// services.
func (a *Adapter) Close() error {
	a.mu.Lock()
	devices := a.devices
	a.devices = nil
	a.mu.Unlock()

	var errs []error
	for _, d := range devices {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", d.name, err))
		}
	}
	errs = append(errs, a.close())
	return errors.Join(errs...)
}

func (a *Adapter) close() error {
	var errs []error
	if a.trace != nil {
		errs = append(errs, a.trace.Close())
	}
	if a.page != nil {
		errs = append(errs, a.page.Close())
	}
	if a.handles != nil {
		errs = append(errs, a.handles.Close())
	}
	if a.broker != nil {
		errs = append(errs, a.broker.Close())
	}
	if a.ownsRT {
		errs = append(errs, a.rt.Close())
	}
	return errors.Join(errs...)
}
