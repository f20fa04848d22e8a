// Package shared exports resources to other processes and opens resources
// exported by them. A share token names the surface on both sides; the
// token service keeps the allocation metadata that lets the opener rebuild
// the resource.
package shared

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/pvgpu/internal/broker"
	"github.com/tinyrange/pvgpu/internal/protocol"
	"github.com/tinyrange/pvgpu/internal/resource"
)

var (
	ErrUnknownToken = errors.New("shared: unknown token")
	ErrNotShareable = errors.New("shared: resource cannot be exported")
)

// TokenService is the host allocation layer's view of shared surfaces.
// Register takes the first reference, Open adds one and Release drops one,
// returning how many remain.
type TokenService interface {
	Register(priv []byte) (uint64, error)
	Open(token uint64) ([]byte, error)
	Release(token uint64) (remaining int, err error)
}

// Appender is where the bridge writes its packets.
type Appender interface {
	Append(p protocol.Packet) error
}

// LocalTokens is an in-process TokenService.
type LocalTokens struct {
	mu     sync.Mutex
	next   uint64
	shares map[uint64]*localShare
}

type localShare struct {
	priv []byte
	refs int
}

func NewLocalTokens() *LocalTokens {
	return &LocalTokens{next: 1, shares: make(map[uint64]*localShare)}
}

func (l *LocalTokens) Register(priv []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	token := l.next
	l.next++
	l.shares[token] = &localShare{priv: append([]byte(nil), priv...), refs: 1}
	return token, nil
}

func (l *LocalTokens) Open(token uint64) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.shares[token]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%x", ErrUnknownToken, token)
	}
	s.refs++
	return append([]byte(nil), s.priv...), nil
}

func (l *LocalTokens) Release(token uint64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.shares[token]
	if !ok {
		return 0, fmt.Errorf("%w: 0x%x", ErrUnknownToken, token)
	}
	s.refs--
	if s.refs <= 0 {
		delete(l.shares, token)
		return 0, nil
	}
	return s.refs, nil
}

// Live returns the number of tokens with references.
func (l *LocalTokens) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.shares)
}

// BrokerTokens keeps tokens in the session broker so other processes can
// open them.
type BrokerTokens struct {
	c *broker.Client
}

func NewBrokerTokens(c *broker.Client) *BrokerTokens { return &BrokerTokens{c: c} }

func (b *BrokerTokens) Register(priv []byte) (uint64, error) { return b.c.Register(priv) }
func (b *BrokerTokens) Open(token uint64) ([]byte, error)    { return b.c.Open(token) }
func (b *BrokerTokens) Release(token uint64) (int, error)    { return b.c.Release(token) }

// Export registers r's metadata, marks it shared and appends
// EXPORT_SHARED_SURFACE. The caller must flush before returning the
// resource to the application so the host knows the token before any
// other process can open it.
func Export(enc Appender, tokens TokenService, r *resource.Resource) (uint64, error) {
	if r.Alias || r.Staging {
		return 0, fmt.Errorf("%w: resource %d", ErrNotShareable, r.Handle)
	}
	priv := r.AllocPriv()
	priv.Flags |= protocol.AllocPrivFlagShared
	token, err := tokens.Register(protocol.EncodeAllocPriv(priv))
	if err != nil {
		return 0, fmt.Errorf("shared: register: %w", err)
	}
	if err := enc.Append(protocol.SharedSurface{
		Op:     protocol.OpExportSharedSurface,
		Handle: r.Handle,
		Token:  token,
	}); err != nil {
		tokens.Release(token)
		return 0, err
	}
	r.Shared = true
	r.ShareToken = token
	return token, nil
}

// Import opens the surface named by token as a new alias resource with the
// given handle and appends IMPORT_SHARED_SURFACE.
func Import(enc Appender, tokens TokenService, token uint64, handle uint32) (*resource.Resource, error) {
	if token == 0 {
		return nil, fmt.Errorf("%w: 0", ErrUnknownToken)
	}
	blob, err := tokens.Open(token)
	if err != nil {
		return nil, fmt.Errorf("shared: open: %w", err)
	}
	release := func() { tokens.Release(token) }

	priv, err := protocol.DecodeAllocPriv(blob)
	if err != nil {
		release()
		return nil, fmt.Errorf("shared: token 0x%x: %w", token, err)
	}
	priv.ShareToken = token
	r, err := resource.FromAllocPriv(handle, priv)
	if err != nil {
		release()
		return nil, fmt.Errorf("shared: token 0x%x: %w", token, err)
	}
	if err := enc.Append(protocol.SharedSurface{
		Op:     protocol.OpImportSharedSurface,
		Handle: handle,
		Token:  token,
	}); err != nil {
		release()
		return nil, err
	}
	return r, nil
}

// Release drops r's reference to its token. When it was the last reference
// RELEASE_SHARED_SURFACE is appended. Resources without a token are
// ignored.
func Release(enc Appender, tokens TokenService, r *resource.Resource) error {
	if r.ShareToken == 0 || !(r.Shared || r.Alias) {
		return nil
	}
	token := r.ShareToken
	r.ShareToken = 0
	remaining, err := tokens.Release(token)
	if err != nil {
		return fmt.Errorf("shared: release: %w", err)
	}
	if remaining > 0 {
		return nil
	}
	return enc.Append(protocol.ReleaseSharedSurface{Token: token})
}

// Forget drops r's token reference without appending anything. It is for
// a resource whose export was discarded before it reached the host.
func Forget(tokens TokenService, r *resource.Resource) error {
	if r.ShareToken == 0 {
		return nil
	}
	token := r.ShareToken
	r.ShareToken = 0
	if _, err := tokens.Release(token); err != nil {
		return fmt.Errorf("shared: release: %w", err)
	}
	return nil
}
