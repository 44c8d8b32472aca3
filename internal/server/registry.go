package server

import (
	"net"
	"sync"
)

// registry tracks live connections by canonical device key. Diagnostics
// and forced shutdown only; the parsing path never consults it.
type registry struct {
	mu    sync.Mutex
	conns map[string]net.Conn
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]net.Conn)}
}

func (r *registry) add(key string, conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[key] = conn
}

func (r *registry) remove(key string, conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// A reconnect may have replaced the entry already.
	if cur, ok := r.conns[key]; ok && cur == conn {
		delete(r.conns, key)
	}
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, conn := range r.conns {
		_ = conn.Close()
		delete(r.conns, key)
	}
}
