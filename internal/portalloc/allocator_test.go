package portalloc

import (
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/workspace/sandbox-executor/internal/sandboxerrors"
)

func TestPool_LeaseReturnsDistinctPorts(t *testing.T) {
	p, err := NewPool("test", 20000, 20010, "127.0.0.1")
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	seen := map[int]bool{}
	for i := 0; i < 5; i++ {
		port, err := p.Lease()
		if err != nil {
			t.Fatalf("Lease: %v", err)
		}
		if seen[port] {
			t.Fatalf("Lease returned a port already leased: %d", port)
		}
		seen[port] = true
	}
}

func TestPool_LeaseExhaustion(t *testing.T) {
	p, err := NewPool("tiny", 20100, 20101, "127.0.0.1")
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	if _, err := p.Lease(); err != nil {
		t.Fatalf("first Lease: %v", err)
	}
	if _, err := p.Lease(); err != nil {
		t.Fatalf("second Lease: %v", err)
	}
	if _, err := p.Lease(); !errors.Is(err, sandboxerrors.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestPool_ReleaseAllowsReuse(t *testing.T) {
	p, err := NewPool("tiny", 20200, 20200, "127.0.0.1")
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	port, err := p.Lease()
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if !p.IsLeased(port) {
		t.Fatal("expected port to be leased")
	}

	p.Release(port)
	if p.IsLeased(port) {
		t.Fatal("expected port to be released")
	}

	// Releasing an already-released port is a tolerated no-op.
	p.Release(port)

	port2, err := p.Lease()
	if err != nil {
		t.Fatalf("Lease after release: %v", err)
	}
	if port2 != port {
		t.Fatalf("expected the single-port pool to re-lease %d, got %d", port, port2)
	}
}

func TestPool_SkipsHostBoundPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()
	boundPort := ln.Addr().(*net.TCPAddr).Port

	p, err := NewPool("straddle", boundPort, boundPort+1, "127.0.0.1")
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	leased, err := p.Lease()
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if leased == boundPort {
		t.Fatalf("expected the allocator to skip the host-bound port %d", boundPort)
	}
}

func TestPool_InvalidRange(t *testing.T) {
	if _, err := NewPool("bad", 100, 1, "127.0.0.1"); !errors.Is(err, sandboxerrors.ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid for an inverted range, got %v", err)
	}
}

func TestPool_ConcurrentLeasesAreDistinct(t *testing.T) {
	p, err := NewPool("concurrent", 21000, 21050, "127.0.0.1")
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	var mu sync.Mutex
	seen := map[int]int{}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := p.Lease()
			if err != nil {
				t.Errorf("Lease: %v", err)
				return
			}
			mu.Lock()
			seen[port]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for port, count := range seen {
		if count > 1 {
			t.Fatalf("port %d leased %d times concurrently", port, count)
		}
	}
}

func TestAllocator_LeasePairReleasesAPIPortOnCodePoolExhaustion(t *testing.T) {
	a, err := New(22000, 22010, 23000, 23000, "127.0.0.1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Exhaust the code pool first so LeasePair's second lease fails.
	if _, err := a.Code.Lease(); err != nil {
		t.Fatalf("pre-exhaust code pool: %v", err)
	}

	if _, _, err := a.LeasePair(); !errors.Is(err, sandboxerrors.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted from LeasePair, got %v", err)
	}

	// The API port leased during the failed LeasePair attempt must have been
	// released, not leaked.
	apiPort, err := a.API.Lease()
	if err != nil {
		t.Fatalf("expected a free API port after the failed pair lease, got err: %v", err)
	}
	_ = apiPort
}

func TestAllocator_ReleasePairToleratesZeroValues(t *testing.T) {
	a, err := New(24000, 24010, 25000, 25010, "127.0.0.1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.ReleasePair(0, 0) // must not panic
}
