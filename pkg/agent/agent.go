// SPDX-License-Identifier: GPL-3.0-or-later

// Package agent implements the local application abstraction the
// convergence engine delivers payloads to and sends bundles on behalf
// of: a Registry of service numbers, each either unregistered or backed
// by a live or dormant handle.
package agent

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Status is the registration state of a service number, mirroring the
// three states an application can be in from the engine's perspective.
type Status int

const (
	// Unregistered means no application currently claims this service
	// number; delivery fails immediately.
	Unregistered Status = iota

	// Passive means an application is registered but not currently
	// consuming; delivery is dropped rather than queued.
	Passive

	// Active means an application is registered and ready to receive.
	Active
)

func (s Status) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Passive:
		return "PASSIVE"
	default:
		return "UNREGISTERED"
	}
}

// Registration is what GetRegistration returns for a service number: its
// current status and, when an application is registered (Active or
// Passive), a Handle to deliver payloads through.
type Registration struct {
	Status Status
	Handle *ChannelAgent
}

// Registry maps service numbers to registered applications. It is the
// engine's only way to look up who owns a service number and to deliver
// to them.
type Registry struct {
	mutex   sync.Mutex
	agents  map[uint32]*ChannelAgent
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[uint32]*ChannelAgent)}
}

// Register attaches agent under serviceNum, replacing anything already
// registered there.
func (r *Registry) Register(serviceNum uint32, a *ChannelAgent) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.agents[serviceNum] = a
	log.WithField("service", serviceNum).Info("agent: registered application")
}

// Unregister detaches whatever is registered under serviceNum.
func (r *Registry) Unregister(serviceNum uint32) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.agents, serviceNum)
}

// GetRegistration reports the current status of serviceNum and, if an
// application is registered, its handle regardless of whether it is
// presently active or passive.
func (r *Registry) GetRegistration(serviceNum uint32) Registration {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	a, ok := r.agents[serviceNum]
	if !ok {
		return Registration{Status: Unregistered}
	}
	if a.IsActive() {
		return Registration{Status: Active, Handle: a}
	}
	return Registration{Status: Passive, Handle: a}
}

// Deliver looks up serviceNum and, if its application is active, hands
// it payload. It reports ok=false for an unregistered or passive
// service, mirroring spec's "a disabled or unregistered service drops
// the delivery" rule.
func (r *Registry) Deliver(serviceNum uint32, payload []byte) (ok bool) {
	reg := r.GetRegistration(serviceNum)
	if reg.Status != Active {
		return false
	}
	reg.Handle.deliver(payload)
	return true
}

// ChannelAgent is a registered application backed by a Go channel: a
// minimal in-process stand-in for a real client connection, used by the
// daemon's local delivery path and by tests.
type ChannelAgent struct {
	mutex  sync.Mutex
	active bool
	inbox  chan []byte
}

// NewChannelAgent creates a ChannelAgent with the given inbox buffer
// capacity, starting active.
func NewChannelAgent(capacity int) *ChannelAgent {
	return &ChannelAgent{active: true, inbox: make(chan []byte, capacity)}
}

// SetActive toggles whether this agent currently accepts deliveries.
func (c *ChannelAgent) SetActive(active bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.active = active
}

// IsActive reports whether this agent currently accepts deliveries.
func (c *ChannelAgent) IsActive() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.active
}

func (c *ChannelAgent) deliver(payload []byte) {
	select {
	case c.inbox <- payload:
	default:
		log.Warn("agent: inbox full, dropping delivery")
	}
}

// Inbox returns the channel delivered payloads arrive on.
func (c *ChannelAgent) Inbox() <-chan []byte {
	return c.inbox
}
