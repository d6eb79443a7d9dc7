// Package portalloc implements the two independent, bounded port pools the
// sandbox session executor leases host TCP ports from: one for each
// container's agent API port and one for its code-service/preview port.
package portalloc

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/workspace/sandbox-executor/internal/sandboxerrors"
)

// Pool is a single allocator over an inclusive port range. Selection is a
// sequential scan from the low end: no fairness guarantee is promised or
// needed, and a predictable scan order makes leased-port behavior easy to
// reason about in tests.
type Pool struct {
	name      string
	lo, hi    int
	probeAddr string
	probeWait time.Duration

	mu     sync.Mutex
	leased map[int]struct{}
}

// NewPool constructs a pool over [lo, hi] inclusive. probeAddr is the host
// address (typically "127.0.0.1") probed before a port is handed out, to
// guard against ports already bound by another process on the host.
func NewPool(name string, lo, hi int, probeAddr string) (*Pool, error) {
	if lo <= 0 || hi <= 0 || lo > hi {
		return nil, fmt.Errorf("%w: invalid port range [%d, %d] for pool %q", sandboxerrors.ErrConfigInvalid, lo, hi, name)
	}
	if probeAddr == "" {
		probeAddr = "127.0.0.1"
	}
	return &Pool{
		name:      name,
		lo:        lo,
		hi:        hi,
		probeAddr: probeAddr,
		probeWait: 50 * time.Millisecond,
		leased:    make(map[int]struct{}),
	}, nil
}

// Lease selects any unleased port in range, probing the host loopback before
// returning it. If no port in the range is both unleased and unbound, it
// fails with sandboxerrors.ErrPoolExhausted.
func (p *Pool) Lease() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.lo; port <= p.hi; port++ {
		if _, taken := p.leased[port]; taken {
			continue
		}
		if p.hostPortBound(port) {
			continue
		}
		p.leased[port] = struct{}{}
		return port, nil
	}
	return 0, fmt.Errorf("%w: pool %q [%d, %d]", sandboxerrors.ErrPoolExhausted, p.name, p.lo, p.hi)
}

// Release removes the port from the leased set. No host-level action is
// taken; releasing an unleased port is a tolerated no-op.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	delete(p.leased, port)
	p.mu.Unlock()
}

// IsLeased reports whether a port is currently leased, used by tests and by
// the §8 invariant checks ("after close both ports are released").
func (p *Pool) IsLeased(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.leased[port]
	return ok
}

// hostPortBound does a short connect probe against the host loopback; a
// successful connect means something is already listening there.
func (p *Pool) hostPortBound(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", p.probeAddr, port), p.probeWait)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Allocator bundles the two disjoint pools the spec names: the agent API
// port pool and the code-service/preview port pool.
type Allocator struct {
	API  *Pool
	Code *Pool
}

// New builds an Allocator from configured ranges.
func New(apiLo, apiHi, codeLo, codeHi int, probeAddr string) (*Allocator, error) {
	api, err := NewPool("api", apiLo, apiHi, probeAddr)
	if err != nil {
		return nil, err
	}
	code, err := NewPool("code", codeLo, codeHi, probeAddr)
	if err != nil {
		return nil, err
	}
	return &Allocator{API: api, Code: code}, nil
}

// LeasePair leases one port from each pool atomically from the caller's
// point of view: if the code-pool lease fails, the api-pool lease is
// released before returning so a partial pair never leaks.
func (a *Allocator) LeasePair() (apiPort, codePort int, err error) {
	apiPort, err = a.API.Lease()
	if err != nil {
		return 0, 0, err
	}
	codePort, err = a.Code.Lease()
	if err != nil {
		a.API.Release(apiPort)
		return 0, 0, err
	}
	return apiPort, codePort, nil
}

// ReleasePair releases both ports of a session's pair. Safe to call with
// zero values (a no-op) so teardown code does not need to special-case
// sessions that failed before a pair was leased.
func (a *Allocator) ReleasePair(apiPort, codePort int) {
	if apiPort != 0 {
		a.API.Release(apiPort)
	}
	if codePort != 0 {
		a.Code.Release(codePort)
	}
}
