// Package namepool interns filename components into a process-wide pool of
// shared, immutable handles so that a whole directory tree's worth of path
// nodes can share storage for repeated name components.
package namepool

import "sync"

// Name is the canonical, immutable handle for one interned byte-string name.
// Two calls to Pool.Intern with equal byte sequences return the same *Name,
// so callers may compare handles by pointer identity instead of content.
type Name struct {
	b []byte
}

// Bytes returns the interned byte sequence. The caller must not mutate it.
func (n *Name) Bytes() []byte {
	return n.b
}

// Len returns the length of the name in bytes.
func (n *Name) Len() int {
	return len(n.b)
}

func (n *Name) String() string {
	return string(n.b)
}

// Pool is a concurrent, deduplicating set of interned names. The zero value
// is not usable; construct with New. A Pool is meant to be held as an
// explicit dependency of a Gatherer/Inventory pair rather than a hidden
// singleton, so tests can run with isolated pools.
type Pool struct {
	mu   sync.RWMutex
	byKey map[string]*Name
}

// New creates an empty name pool.
func New() *Pool {
	return &Pool{byKey: make(map[string]*Name, 1024)}
}

// Intern returns the canonical handle for b. The returned handle shares
// storage with any previously interned equal byte sequence. Intern never
// removes entries; a pool only grows for the lifetime of a gathering run.
func (p *Pool) Intern(b []byte) *Name {
	key := string(b) // one copy; also doubles as the map key

	p.mu.RLock()
	if n, ok := p.byKey[key]; ok {
		p.mu.RUnlock()
		return n
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.byKey[key]; ok {
		// lost the race with another interning goroutine
		return n
	}
	n := &Name{b: []byte(key)}
	p.byKey[key] = n
	return n
}

// InternString is a convenience wrapper for Intern([]byte(s)).
func (p *Pool) InternString(s string) *Name {
	return p.Intern([]byte(s))
}

// Len reports the number of distinct names currently interned. Intended
// for tests and diagnostics, not the hot path.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byKey)
}
