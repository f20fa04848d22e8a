// Package helper runs pvgpu-broker, the per-session process that hands out
// resource handles and share tokens to every driver instance in the session.
package helper

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/pvgpu/internal/broker"
	"github.com/tinyrange/pvgpu/internal/ipc"
)

type Options struct {
	SocketPath string
	Log        *slog.Logger
}

// Service is a running broker.
type Service struct {
	server *ipc.Server
	broker *broker.Broker
	done   chan error
}

// Start listens on opts.SocketPath and serves broker requests until Close.
func Start(opts Options) (*Service, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	path := opts.SocketPath
	if path == "" {
		path = ipc.DefaultSocketPath()
	}

	b := broker.New(log)
	mux := ipc.NewMux()
	b.RegisterHandlers(mux)

	server, err := ipc.NewServer(path, mux.Handler(), log)
	if err != nil {
		return nil, fmt.Errorf("helper: %w", err)
	}
	s := &Service{server: server, broker: b, done: make(chan error, 1)}
	go func() { s.done <- server.Serve() }()
	log.Info("broker listening", "socket", path)
	return s, nil
}

func (s *Service) SocketPath() string { return s.server.SocketPath() }

// Shares reports how many share tokens are live.
func (s *Service) Shares() int { return s.broker.Shares() }

// Wait blocks until the server stops.
func (s *Service) Wait() error { return <-s.done }

func (s *Service) Close() error { return s.server.Close() }

// Main runs the pvgpu-broker process.
func Main() {
	socketPath := flag.String("socket", ipc.DefaultSocketPath(), "Unix socket path to listen on")
	verbose := flag.Bool("v", false, "log every request")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	svc, err := Start(Options{SocketPath: *socketPath, Log: log})
	if err != nil {
		fmt.Fprintf(os.Stderr, "pvgpu-broker: %v\n", err)
		os.Exit(1)
	}

	// Close on signal so the socket file is removed.
	sigCh := make(chan os.Signal, 1)
	signalNotify(sigCh)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", "signal", sig.String(), "shares", svc.Shares())
		svc.Close()
	}()

	if err := svc.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "pvgpu-broker: serve error: %v\n", err)
		os.Exit(1)
	}
}
