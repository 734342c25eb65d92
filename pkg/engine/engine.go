// SPDX-License-Identifier: GPL-3.0-or-later

// Package engine implements the convergence engine: a single-threaded
// cooperative event loop that classifies inbound frames, drives epidemic
// forwarding, sends ACKs, and runs the retransmit and new-neighbor
// catch-up logic. All shared state (the bundle store, neighbor table and
// delivery ledger) is mutated only from the loop goroutine; everything
// else posts messages into it.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/meshbound/dtnmesh/pkg/agent"
	"github.com/meshbound/dtnmesh/pkg/bpv7"
	"github.com/meshbound/dtnmesh/pkg/discovery"
	"github.com/meshbound/dtnmesh/pkg/l2"
	"github.com/meshbound/dtnmesh/pkg/neighbor"
	"github.com/meshbound/dtnmesh/pkg/routing"
	"github.com/meshbound/dtnmesh/pkg/stats"
	"github.com/meshbound/dtnmesh/pkg/store"
)

// DefaultLifetimeSeconds is the lifetime a locally originated bundle is
// given absent other configuration. The primary block's lifetime field is
// an unsigned byte, so this is the practical ceiling for how long a
// bundle may be carried before expiry.
const DefaultLifetimeSeconds = 255

// DefaultQueueCapacity bounds the engine's inbound message queue.
const DefaultQueueCapacity = 64

// sendTimeout bounds a single non-blocking L2 transmission.
const sendTimeout = 2 * time.Second

// Engine is the convergence engine. It owns the bundle store, the
// processed-bundle set, the neighbor table and the router, and is the
// only goroutine that touches any of them.
type Engine struct {
	self            bpv7.EndpointID
	hasClock        bool
	discoveryPeriod time.Duration

	store     *store.Store
	processed *store.Processed
	neighbors *neighbor.Table
	router    *routing.Router
	registry  *agent.Registry
	link      l2.Link
	stats     *stats.Registry

	queue chan Msg
}

// New creates an Engine for self, talking over link, with bundles
// delivered to and sent from registry, instrumented via statsReg.
// discoveryPeriod sizes the neighbor purge timeout (2x, per §4.3). A
// clockless node (hasClock false) stamps a zero CreationTimestamp.Seconds
// on every bundle it originates, the same as discovery.Build always does,
// and relies entirely on the Bundle Age block for lifetime accounting.
func New(
	self bpv7.EndpointID,
	hasClock bool,
	link l2.Link,
	registry *agent.Registry,
	statsReg *stats.Registry,
	discoveryPeriod time.Duration,
	storeCapacity int,
	processedCapacity int,
	queueCapacity int,
) *Engine {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}

	e := &Engine{
		self:            self,
		hasClock:        hasClock,
		discoveryPeriod: discoveryPeriod,
		store:           store.New(storeCapacity),
		processed:       store.NewProcessed(processedCapacity),
		router:          routing.NewRouter(),
		registry:        registry,
		link:            link,
		stats:           statsReg,
		queue:           make(chan Msg, queueCapacity),
	}
	e.neighbors = neighbor.New(2*discoveryPeriod, e.postNeighborExpired)
	return e
}

// Post enqueues msg for processing. It never blocks: if the queue is
// full, msg is dropped and counted as a QUEUE_FULL drop.
func (e *Engine) Post(msg Msg) {
	select {
	case e.queue <- msg:
	default:
		e.stats.Drop(stats.DropQueueFull)
		log.Warn("engine: message queue full, dropping message")
	}
}

func (e *Engine) postNeighborExpired(endpoint bpv7.EndpointID) {
	e.Post(NeighborExpired{Endpoint: endpoint})
}

// Send is the application-facing entry point for a locally originated
// bundle: it posts a SendMsg for the convergence loop to process.
func (e *Engine) Send(serviceNum uint32, dest bpv7.EndpointID, payload []byte) {
	e.Post(SendMsg{ServiceNum: serviceNum, Dest: dest, Payload: payload})
}

// Run drives the convergence loop until ctx is done. It is the only
// goroutine that mutates the store, neighbor table, processed set or
// router.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-e.queue:
			e.handle(msg)
		}
	}
}

// RunRecvLoop reads frames off link and posts RecvMsg until ctx is done.
// It is a separate goroutine by construction: the engine's loop must
// never block inside Recv.
func (e *Engine) RunRecvLoop(ctx context.Context) {
	for {
		frame, err := e.link.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("engine: link receive failed")
			continue
		}
		e.Post(RecvMsg{Frame: frame})
	}
}

// RunRetransmitTicker posts a RetransmitTick every period until ctx is
// done.
func (e *Engine) RunRetransmitTicker(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Post(RetransmitTick{})
		}
	}
}

func (e *Engine) handle(msg Msg) {
	switch m := msg.(type) {
	case SendMsg:
		e.handleSend(m)
	case RecvMsg:
		e.handleRecv(m.Frame)
	case DiscoveryTick:
		e.handleDiscoveryTick()
	case RetransmitTick:
		e.handleRetransmitTick()
	case NeighborExpired:
		// Bundles pending forwarding to this neighbor are unaffected;
		// they remain stored and are retried on any future contact.
		e.neighbors.Remove(m.Endpoint)
	default:
		log.WithField("message", fmt.Sprintf("%T", msg)).Warn("engine: unknown message type")
	}

	e.stats.NeighborCount.Set(float64(len(e.neighbors.List())))
	e.stats.StoreOccupancy.Set(float64(e.store.Len()))
}

// -- RECV -------------------------------------------------------------

func (e *Engine) handleRecv(frame l2.Frame) {
	if isAck(frame.Data) {
		e.handleAck(frame)
		return
	}
	e.handleBundleFrame(frame)
}

func (e *Engine) handleAck(frame l2.Frame) {
	sender, ok := e.neighbors.LookupByL2Addr(frame.From)
	if !ok {
		log.Debug("engine: ack from unknown neighbor, dropping")
		return
	}

	id, err := parseAck(frame.Data)
	if err != nil {
		e.stats.Drop(stats.DropCodecMalformed)
		return
	}

	e.router.RecordSent(id, sender.Endpoint)
}

func (e *Engine) handleBundleFrame(frame l2.Frame) {
	b, err := bpv7.ParseBundle(bytes.NewReader(frame.Data))
	if err != nil {
		if errors.Is(err, bpv7.ErrCRCMismatch) {
			e.stats.Drop(stats.DropCodecCRC)
		} else {
			e.stats.Drop(stats.DropCodecMalformed)
		}
		return
	}

	if b.IsLifetimeExceeded(e.nowSeconds()) {
		return
	}

	id := b.ID()
	isDiscovery := discovery.IsDiscovery(&b)

	_, inStore := e.store.Find(id)
	if e.processed.Contains(id) || inStore {
		if !isDiscovery {
			e.sendAck(id, frame.From)
		} else if n, ok := e.neighbors.LookupByL2Addr(frame.From); ok {
			e.neighbors.Observe(n.Endpoint, n.L2Addr)
		}
		return
	}

	if isDiscovery {
		e.handleDiscoveryBundle(b, frame)
		return
	}

	e.handleApplicationBundle(b, frame)
}

func (e *Engine) handleDiscoveryBundle(b bpv7.Bundle, frame l2.Frame) {
	payload, err := discovery.ParsePayload(&b)
	if err != nil {
		e.stats.Drop(stats.DropCodecMalformed)
		return
	}

	announcer := b.PrimaryBlock.Source
	if announcer.SameNode(e.self) {
		return
	}

	isNew := e.neighbors.Observe(announcer, payload)
	if isNew {
		e.sendBundlesToNewNeighbor(announcer)
	}
}

func (e *Engine) handleApplicationBundle(b bpv7.Bundle, frame l2.Frame) {
	id := b.ID()

	var previousHop bpv7.EndpointID
	if n, ok := e.neighbors.LookupByL2Addr(frame.From); ok {
		previousHop = n.Endpoint
	}

	e.sendAck(id, frame.From)

	if b.PrimaryBlock.Destination.SameNode(e.self) {
		e.localDeliver(b)
		return
	}

	e.forward(b, previousHop)
}

func (e *Engine) localDeliver(b bpv7.Bundle) {
	id := b.ID()

	if _, err := e.store.Insert(b, store.SendAckPending, bpv7.EndpointID{}); err != nil {
		e.stats.Drop(stats.DropStoreFull)
		return
	}

	payload, err := b.PayloadBlock()
	ok := false
	if err == nil {
		ok = e.registry.Deliver(b.PrimaryBlock.ServiceNum, payload.Value.(*bpv7.PayloadBlock).Data())
	}

	if !ok {
		e.stats.Drop(stats.DropApplicationInactive)
	} else {
		e.stats.BundlesDelivered.Inc()
	}

	e.processed.Mark(id)
	_ = e.store.SetRetention(id, store.None)
	e.store.Delete(id)
	e.router.OnBundleDeleted(id)
}

func (e *Engine) forward(b bpv7.Bundle, previousHop bpv7.EndpointID) {
	id := b.ID()

	if _, err := e.store.Insert(b, store.ForwardPending, previousHop); err != nil {
		e.stats.Drop(stats.DropStoreFull)
		return
	}

	e.transmitBurst(id, previousHop)

	_ = e.store.SetRetention(id, store.None)
}

// transmitBurst increments the stored bundle's age, encodes it once, and
// unicasts it to every candidate the router returns, skipping the
// previous hop and any neighbor that has already acknowledged it. The age
// increment is undone afterwards so a later send recomputes age from the
// unmodified stored value.
func (e *Engine) transmitBurst(id bpv7.BundleID, previousHop bpv7.EndpointID) {
	entry, ok := e.store.Find(id)
	if !ok {
		return
	}

	if entry.Bundle.IsLifetimeExceeded(e.nowSeconds()) {
		_ = e.store.SetRetention(id, store.None)
		e.store.Delete(id)
		e.router.OnBundleDeleted(id)
		return
	}

	var restore uint64
	_ = e.store.MutateBundle(id, func(b *bpv7.Bundle) {
		if bab, err := b.ExtensionBlock(bpv7.ExtBlockTypeBundleAgeBlock); err == nil {
			age := bab.Value.(*bpv7.BundleAgeBlock)
			restore = age.Age()
			age.Increment(uint64(e.discoveryPeriod.Milliseconds()))
		}
	})

	entry, _ = e.store.Find(id)
	encoded, err := encode(&entry.Bundle)
	if err != nil {
		log.WithError(err).Warn("engine: encoding bundle for transmission failed")
		e.restoreAge(id, restore)
		return
	}

	var previousHopL2Addr []byte
	if n, ok := e.neighbors.Lookup(previousHop); ok {
		previousHopL2Addr = n.L2Addr
	}
	candidates := e.router.RouteReceivers(id, entry.Bundle.PrimaryBlock.Destination, previousHop, previousHopL2Addr, e.neighbors.List())
	for _, n := range candidates {
		if n.Endpoint.SameNode(previousHop) || e.router.AlreadySent(id, n.Endpoint) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := e.link.SendUnicast(ctx, n.L2Addr, encoded)
		cancel()
		if err != nil {
			e.stats.Drop(stats.DropL2SendFailed)
			continue
		}
		e.stats.BundlesForwarded.Inc()
	}

	e.restoreAge(id, restore)
}

func (e *Engine) restoreAge(id bpv7.BundleID, age uint64) {
	_ = e.store.MutateBundle(id, func(b *bpv7.Bundle) {
		if bab, err := b.ExtensionBlock(bpv7.ExtBlockTypeBundleAgeBlock); err == nil {
			*bab.Value.(*bpv7.BundleAgeBlock) = bpv7.BundleAgeBlock(age)
		}
	})
}

// -- SEND ---------------------------------------------------------------

func (e *Engine) handleSend(m SendMsg) {
	reg := e.registry.GetRegistration(m.ServiceNum)
	if reg.Status != agent.Active {
		e.stats.Drop(stats.DropApplicationInactive)
		return
	}

	b, err := e.buildBundle(m.ServiceNum, m.Dest, m.Payload)
	if err != nil {
		log.WithError(err).Warn("engine: building outgoing bundle failed")
		return
	}

	e.forward(b, bpv7.EndpointID{})
}

func (e *Engine) buildBundle(serviceNum uint32, dest bpv7.EndpointID, payload []byte) (bpv7.Bundle, error) {
	var seconds uint32
	if e.hasClock {
		seconds = e.nowSeconds()
	}

	primary := bpv7.NewPrimaryBlock(
		bpv7.BundleControlFlags(0),
		dest,
		e.self,
		e.self,
		serviceNum,
		bpv7.CreationTimestamp{Seconds: seconds, Sequence: e.nextSequence()},
		DefaultLifetimeSeconds,
	)

	payloadBlock := bpv7.NewCanonicalBlock(1, 0, bpv7.NewPayloadBlock(payload))
	ageBlock := bpv7.NewCanonicalBlock(2, 0, bpv7.NewBundleAgeBlock(0))

	return bpv7.NewBundle(primary, []bpv7.CanonicalBlock{ageBlock, payloadBlock})
}

var sequenceCounter uint32

func (e *Engine) nextSequence() uint32 {
	sequenceCounter++
	return sequenceCounter
}

// -- DISCOVERY ------------------------------------------------------------

func (e *Engine) handleDiscoveryTick() {
	b, err := discovery.Build(e.self, e.link.LocalAddr(), uint8(min64(2*e.discoveryPeriod.Seconds(), 255)))
	if err != nil {
		log.WithError(err).Warn("engine: building discovery bundle failed")
		return
	}

	encoded, err := encode(&b)
	if err != nil {
		log.WithError(err).Warn("engine: encoding discovery bundle failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := e.link.SendBroadcast(ctx, encoded); err != nil {
		e.stats.Drop(stats.DropL2SendFailed)
	}
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// -- RETRANSMIT -----------------------------------------------------------

func (e *Engine) handleRetransmitTick() {
	for _, entry := range e.store.List() {
		if entry.Retention != store.None {
			continue
		}
		if entry.Bundle.PrimaryBlock.Destination.SameNode(e.self) {
			continue
		}
		if discovery.IsDiscovery(&entry.Bundle) {
			continue
		}

		if entry.Bundle.IsLifetimeExceeded(e.nowSeconds()) {
			e.store.Delete(entry.ID)
			e.router.OnBundleDeleted(entry.ID)
			continue
		}

		_ = e.store.SetRetention(entry.ID, store.ForwardPending)
		e.transmitBurst(entry.ID, entry.PreviousHop)
		_ = e.store.SetRetention(entry.ID, store.None)
	}
}

// -- CATCH-UP -------------------------------------------------------------

// sendBundlesToNewNeighbor replays every stored bundle not already
// destined for broadcast or recorded as delivered to n, to n alone.
func (e *Engine) sendBundlesToNewNeighbor(n bpv7.EndpointID) {
	for _, entry := range e.store.List() {
		if entry.Bundle.PrimaryBlock.Destination.SameNode(bpv7.BroadcastEndpoint()) {
			continue
		}
		if e.router.AlreadySent(entry.ID, n) {
			continue
		}

		neighborRec, ok := e.neighbors.Lookup(n)
		if !ok {
			continue
		}

		var restore uint64
		_ = e.store.MutateBundle(entry.ID, func(b *bpv7.Bundle) {
			if bab, err := b.ExtensionBlock(bpv7.ExtBlockTypeBundleAgeBlock); err == nil {
				age := bab.Value.(*bpv7.BundleAgeBlock)
				restore = age.Age()
				age.Increment(uint64(e.discoveryPeriod.Milliseconds()))
			}
		})

		current, _ := e.store.Find(entry.ID)
		encoded, err := encode(&current.Bundle)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			sendErr := e.link.SendUnicast(ctx, neighborRec.L2Addr, encoded)
			cancel()
			if sendErr != nil {
				e.stats.Drop(stats.DropL2SendFailed)
			} else {
				e.stats.BundlesForwarded.Inc()
			}
		}

		e.restoreAge(entry.ID, restore)
	}
}

// -- helpers ---------------------------------------------------------------

func (e *Engine) sendAck(id bpv7.BundleID, to []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := e.link.SendUnicast(ctx, to, buildAck(id)); err != nil {
		e.stats.Drop(stats.DropL2SendFailed)
	}
}

func (e *Engine) nowSeconds() uint32 {
	return uint32(time.Now().Unix())
}

func encode(b *bpv7.Bundle) ([]byte, error) {
	var buf bytes.Buffer
	if err := b.WriteBundle(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
