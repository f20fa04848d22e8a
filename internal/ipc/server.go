package ipc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// Handler handles a request and returns a response payload.
type Handler func(msgType uint16, payload []byte) ([]byte, error)

// Server accepts connections from driver processes.
type Server struct {
	listener   net.Listener
	socketPath string
	handler    Handler
	log        *slog.Logger
	closed     atomic.Bool
	wg         sync.WaitGroup
	conns      map[net.Conn]struct{}
	connsMu    sync.Mutex
}

// NewServer listens on the given Unix socket path, replacing a stale socket
// file.
func NewServer(socketPath string, handler Handler, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	removeSocket(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socketPath, err)
	}

	return &Server{
		listener:   listener,
		socketPath: socketPath,
		handler:    handler,
		log:        log,
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

func (s *Server) SocketPath() string {
	return s.socketPath
}

// Serve accepts connections and handles requests until Close is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.connsMu.Lock()
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
	}()

	for {
		if s.closed.Load() {
			return
		}

		header, err := ReadHeader(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || s.closed.Load() {
				return
			}
			s.sendError(conn, ErrCodeIO, fmt.Sprintf("read header: %v", err), "")
			return
		}

		payload := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(conn, payload); err != nil {
				s.sendError(conn, ErrCodeIO, fmt.Sprintf("read payload: %v", err), "")
				return
			}
		}

		resp, err := s.handler(header.Type, payload)
		if err != nil {
			s.log.Debug("ipc request failed", slog.String("type", fmt.Sprintf("0x%04x", header.Type)), "err", err)
			s.sendErrorFromGoError(conn, err)
			continue
		}

		if err := WriteHeader(conn, Header{Type: MsgResponse, Length: uint32(len(resp))}); err != nil {
			return
		}
		if len(resp) > 0 {
			if _, err := conn.Write(resp); err != nil {
				return
			}
		}
	}
}

func (s *Server) sendError(conn net.Conn, code uint8, message, op string) {
	enc := NewEncoder()
	EncodeError(enc, code, message, op)
	WriteHeader(conn, Header{Type: MsgError, Length: uint32(len(enc.Bytes()))})
	conn.Write(enc.Bytes())
}

func (s *Server) sendErrorFromGoError(conn net.Conn, err error) {
	var ipcErr *IPCError
	if errors.As(err, &ipcErr) {
		s.sendError(conn, ipcErr.Code, ipcErr.Message, ipcErr.Op)
		return
	}
	s.sendError(conn, ErrCodeUnknown, err.Error(), "")
}

// Close stops accepting, closes live connections, waits for their handlers
// and removes the socket file.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if s.listener != nil {
		s.listener.Close()
	}

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()

	if s.socketPath != "" {
		removeSocket(s.socketPath)
	}
	return nil
}

// Mux is a message type multiplexer for the server.
type Mux struct {
	handlers map[uint16]MuxHandler
	mu       sync.RWMutex
}

// MuxHandler handles a specific message type.
type MuxHandler func(dec *Decoder) ([]byte, error)

func NewMux() *Mux {
	return &Mux{
		handlers: make(map[uint16]MuxHandler),
	}
}

func (m *Mux) Handle(msgType uint16, handler MuxHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[msgType] = handler
}

// Handler returns a Handler function for use with Server.
func (m *Mux) Handler() Handler {
	return func(msgType uint16, payload []byte) ([]byte, error) {
		m.mu.RLock()
		handler, ok := m.handlers[msgType]
		m.mu.RUnlock()

		if !ok {
			return nil, &IPCError{
				Code:    ErrCodeInvalidArgument,
				Message: fmt.Sprintf("unknown message type: 0x%04x", msgType),
			}
		}

		return handler(NewDecoder(payload))
	}
}

// ResponseBuilder builds success response payloads.
type ResponseBuilder struct {
	enc *Encoder
}

// NewResponseBuilder starts a response with the success status.
func NewResponseBuilder() *ResponseBuilder {
	r := &ResponseBuilder{enc: NewEncoder()}
	r.enc.Uint8(ErrCodeOK)
	return r
}

func (r *ResponseBuilder) Uint32(v uint32) *ResponseBuilder {
	r.enc.Uint32(v)
	return r
}

func (r *ResponseBuilder) Uint64(v uint64) *ResponseBuilder {
	r.enc.Uint64(v)
	return r
}

func (r *ResponseBuilder) Bool(v bool) *ResponseBuilder {
	r.enc.Bool(v)
	return r
}

func (r *ResponseBuilder) String(s string) *ResponseBuilder {
	r.enc.String(s)
	return r
}

func (r *ResponseBuilder) Bytes(b []byte) *ResponseBuilder {
	r.enc.WriteBytes(b)
	return r
}

func (r *ResponseBuilder) Build() []byte {
	return r.enc.Bytes()
}
