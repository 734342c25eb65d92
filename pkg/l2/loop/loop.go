// SPDX-License-Identifier: GPL-3.0-or-later

// Package loop implements an in-process l2.Link used by tests and by
// scenarios that exercise the convergence engine without a real network.
// A Hub stands in for the shared broadcast medium; every Link attached to
// the same Hub sees every other Link's broadcasts.
package loop

import (
	"context"
	"fmt"
	"sync"

	"github.com/meshbound/dtnmesh/pkg/l2"
)

// Hub fans out broadcasts between every Link attached to it, mimicking a
// shared wireless medium.
type Hub struct {
	mutex sync.Mutex
	links map[string]*Link
	drop  int
	count int
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{links: make(map[string]*Link)}
}

// NewHubDrop creates a Hub that silently drops every nth frame, for
// exercising the retransmit path deterministically.
func NewHubDrop(n int) *Hub {
	return &Hub{links: make(map[string]*Link), drop: n}
}

func (h *Hub) attach(l *Link) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.links[l.addr] = l
}

func (h *Hub) detach(l *Link) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	delete(h.links, l.addr)
}

func (h *Hub) deliver(from *Link, data []byte, to string) {
	h.mutex.Lock()
	h.count++
	if h.drop != 0 && h.count%h.drop == 0 {
		h.mutex.Unlock()
		return
	}
	targets := make([]*Link, 0, len(h.links))
	for addr, l := range h.links {
		if l == from {
			continue
		}
		if to != "" && addr != to {
			continue
		}
		targets = append(targets, l)
	}
	h.mutex.Unlock()

	frame := l2.Frame{Data: data, From: []byte(from.addr)}
	for _, t := range targets {
		select {
		case t.in <- frame:
		default:
		}
	}
}

// Link is a Hub-attached node address. Its Recv channel is buffered; a
// slow reader drops frames rather than blocking the Hub's delivery loop,
// mirroring a real link's finite receive queue.
type Link struct {
	addr string
	hub  *Hub
	in   chan l2.Frame
	done chan struct{}
}

// New attaches a new Link named addr to hub. Names must be unique within
// a Hub.
func New(hub *Hub, addr string) *Link {
	l := &Link{addr: addr, hub: hub, in: make(chan l2.Frame, 32), done: make(chan struct{})}
	hub.attach(l)
	return l
}

// SendBroadcast delivers data to every other Link on the Hub.
func (l *Link) SendBroadcast(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.hub.deliver(l, data, "")
	return nil
}

// SendUnicast delivers data to the single Link named addr on the Hub.
func (l *Link) SendUnicast(ctx context.Context, addr []byte, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.hub.deliver(l, data, string(addr))
	return nil
}

// Recv blocks until a frame arrives, ctx is done, or the Link is closed.
func (l *Link) Recv(ctx context.Context) (l2.Frame, error) {
	select {
	case f := <-l.in:
		return f, nil
	case <-ctx.Done():
		return l2.Frame{}, ctx.Err()
	case <-l.done:
		return l2.Frame{}, fmt.Errorf("loop: link %s closed", l.addr)
	}
}

// LocalAddr returns this Link's name on the Hub.
func (l *Link) LocalAddr() []byte {
	return []byte(l.addr)
}

// Close detaches this Link from its Hub and interrupts any blocked Recv.
func (l *Link) Close() error {
	l.hub.detach(l)
	close(l.done)
	return nil
}
