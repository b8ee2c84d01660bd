// File: filter/filter.go
// Package filter holds the pluggable byte-filter registry. The relay core
// presents data to filters in arrival order and does not interpret what
// they do with it.
// Author: momentics <momentics@gmail.com>

package filter

import (
	"net/netip"
	"sync"
)

// Filter transforms a chunk of relayed bytes in place. The slice aliases
// the transfer buffer, so implementations must not retain it or change its
// length.
type Filter interface {
	Transform(data []byte)
}

// Repository registers filters keyed by the client endpoint they apply to.
// Lookups happen once per TCP pair, at pair construction; datagram flows
// do not consult the repository.
type Repository struct {
	mu      sync.RWMutex
	filters map[netip.AddrPort][]Filter
}

// NewRepository creates an empty repository.
func NewRepository() *Repository {
	return &Repository{filters: make(map[netip.AddrPort][]Filter)}
}

// Register appends a filter for the given client endpoint.
func (r *Repository) Register(client netip.AddrPort, f Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters[client] = append(r.filters[client], f)
}

// Lookup returns the filters registered for the given client endpoint in
// registration order.
func (r *Repository) Lookup(client netip.AddrPort) []Filter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filters[client]
}

// Clear removes every registered filter.
func (r *Repository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters = make(map[netip.AddrPort][]Filter)
}
