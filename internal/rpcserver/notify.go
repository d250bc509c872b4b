package rpcserver

import (
	"context"
	"sync"

	"github.com/creachadair/jrpc2"

	"github.com/fluxdl/fluxdl/pkg/logger"
)

// notifier maintains the set of connected jrpc2 servers (one per WebSocket
// client) and fans a single broadcast out to all of them.
type notifier struct {
	mu      sync.RWMutex
	servers map[*jrpc2.Server]struct{}
	log     logger.Logger
}

func newNotifier(l logger.Logger) *notifier {
	return &notifier{servers: make(map[*jrpc2.Server]struct{}), log: l}
}

func (n *notifier) register(srv *jrpc2.Server) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.servers[srv] = struct{}{}
}

func (n *notifier) unregister(srv *jrpc2.Server) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.servers, srv)
}

// broadcast sends method/params as a notification to every connected
// client, dropping any that fail to receive it.
func (n *notifier) broadcast(method string, params any) {
	n.mu.RLock()
	servers := make([]*jrpc2.Server, 0, len(n.servers))
	for srv := range n.servers {
		servers = append(servers, srv)
	}
	n.mu.RUnlock()

	var failed []*jrpc2.Server
	for _, srv := range servers {
		if err := srv.Notify(context.Background(), method, params); err != nil {
			n.log.Warning("rpcserver: push to client failed: %v", err)
			failed = append(failed, srv)
		}
	}

	if len(failed) > 0 {
		n.mu.Lock()
		for _, srv := range failed {
			delete(n.servers, srv)
		}
		n.mu.Unlock()
	}
}

func (n *notifier) count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.servers)
}
