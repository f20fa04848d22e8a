// Package broker is the per-session service that driver processes share. It
// allocates process-global resource handles and keeps the private metadata
// of exported surfaces so that other processes can open them by token.
package broker

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/tinyrange/pvgpu/internal/ipc"
)

// MaxHandleBlock caps a single handle allocation request.
const MaxHandleBlock = 1 << 16

type share struct {
	priv []byte
	refs int
}

// Broker holds the session state. It is safe for concurrent use.
type Broker struct {
	log *slog.Logger

	mu         sync.Mutex
	nextHandle uint32
	nextToken  uint64
	shares     map[uint64]*share
}

func New(log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		log:        log,
		nextHandle: 1,
		nextToken:  rand.Uint64()>>16 | 1,
		shares:     make(map[uint64]*share),
	}
}

// AllocHandles reserves count consecutive handles and returns the first.
// A block never contains a handle whose low 31 bits are zero.
func (b *Broker) AllocHandles(count uint32) (uint32, error) {
	if count == 0 || count > MaxHandleBlock {
		return 0, fmt.Errorf("broker: invalid handle block of %d", count)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	first := b.nextHandle
	if first&0x7fffffff == 0 {
		first++
	}
	last := uint64(first) + uint64(count) - 1
	if last>>31 != uint64(first>>31) {
		// Start the block in the next half instead; past 1<<32 this wraps
		// to handle 1.
		first = uint32(last>>31<<31) + 1
	}
	b.nextHandle = first + count
	return first, nil
}

// Register stores priv under a fresh token with one reference.
func (b *Broker) Register(priv []byte) (uint64, error) {
	if len(priv) == 0 {
		return 0, fmt.Errorf("broker: empty private data")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		token := b.nextToken
		b.nextToken++
		if token == 0 {
			continue
		}
		if _, ok := b.shares[token]; ok {
			continue
		}
		b.shares[token] = &share{priv: append([]byte(nil), priv...), refs: 1}
		b.log.Debug("share registered", slog.Uint64("token", token), slog.Int("bytes", len(priv)))
		return token, nil
	}
}

// Open returns the private data of token and takes a reference.
func (b *Broker) Open(token uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.shares[token]
	if !ok {
		return nil, &ipc.IPCError{Code: ipc.ErrCodeNotFound, Message: fmt.Sprintf("unknown share token 0x%x", token)}
	}
	s.refs++
	return append([]byte(nil), s.priv...), nil
}

// Release drops a reference and returns how many remain. The token is
// forgotten when none remain.
func (b *Broker) Release(token uint64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.shares[token]
	if !ok {
		return 0, &ipc.IPCError{Code: ipc.ErrCodeNotFound, Message: fmt.Sprintf("unknown share token 0x%x", token)}
	}
	s.refs--
	if s.refs <= 0 {
		delete(b.shares, token)
		b.log.Debug("share released", slog.Uint64("token", token))
		return 0, nil
	}
	return s.refs, nil
}

// Shares returns the number of live tokens.
func (b *Broker) Shares() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.shares)
}

// RegisterHandlers installs the broker's message handlers on mux.
func (b *Broker) RegisterHandlers(mux *ipc.Mux) {
	mux.Handle(ipc.MsgPing, b.handlePing)
	mux.Handle(ipc.MsgHandleAlloc, b.handleAlloc)
	mux.Handle(ipc.MsgShareRegister, b.handleRegister)
	mux.Handle(ipc.MsgShareOpen, b.handleOpen)
	mux.Handle(ipc.MsgShareRelease, b.handleRelease)
}

func badRequest(op string, err error) error {
	return &ipc.IPCError{Code: ipc.ErrCodeInvalidArgument, Message: err.Error(), Op: op}
}

func (b *Broker) handlePing(dec *ipc.Decoder) ([]byte, error) {
	return ipc.NewResponseBuilder().Uint32(uint32(b.Shares())).Build(), nil
}

func (b *Broker) handleAlloc(dec *ipc.Decoder) ([]byte, error) {
	count, err := dec.Uint32()
	if err != nil {
		return nil, badRequest("handle alloc", err)
	}
	first, err := b.AllocHandles(count)
	if err != nil {
		return nil, badRequest("handle alloc", err)
	}
	return ipc.NewResponseBuilder().Uint32(first).Build(), nil
}

func (b *Broker) handleRegister(dec *ipc.Decoder) ([]byte, error) {
	priv, err := dec.Bytes()
	if err != nil {
		return nil, badRequest("share register", err)
	}
	token, err := b.Register(priv)
	if err != nil {
		return nil, badRequest("share register", err)
	}
	return ipc.NewResponseBuilder().Uint64(token).Build(), nil
}

func (b *Broker) handleOpen(dec *ipc.Decoder) ([]byte, error) {
	token, err := dec.Uint64()
	if err != nil {
		return nil, badRequest("share open", err)
	}
	priv, err := b.Open(token)
	if err != nil {
		return nil, err
	}
	return ipc.NewResponseBuilder().Bytes(priv).Build(), nil
}

func (b *Broker) handleRelease(dec *ipc.Decoder) ([]byte, error) {
	token, err := dec.Uint64()
	if err != nil {
		return nil, badRequest("share release", err)
	}
	n, err := b.Release(token)
	if err != nil {
		return nil, err
	}
	return ipc.NewResponseBuilder().Uint32(uint32(n)).Build(), nil
}
