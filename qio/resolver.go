package qio

import (
	"context"
	"net"
	"net/netip"

	"github.com/aPSopt/q"
)

// ResolverResponse carries the addresses a lookup resolved to.
type ResolverResponse struct {
	Addresses []netip.Addr
}

// Resolver performs DNS lookups whose results surface as promises bound to
// a queue. The actual resolution is delegated to the system resolver.
type Resolver struct {
	queue *q.Queue
	r     *net.Resolver
}

// NewResolver returns a resolver whose lookup promises are bound to queue.
func NewResolver(queue *q.Queue) *Resolver {
	return &Resolver{queue: queue, r: net.DefaultResolver}
}

// Lookup resolves name to its addresses. The returned promise rejects
// with *DNSLookupError when the system resolver reports failure.
func (r *Resolver) Lookup(name string) *q.Promise {
	p, def := q.Make(r.queue)
	go func() {
		addrs, err := r.r.LookupNetIP(context.Background(), "ip", name)
		if err != nil {
			def.Reject(&DNSLookupError{Name: name, Cause: err})
			return
		}
		def.Resolve(ResolverResponse{Addresses: addrs})
	}()
	return p
}
