// Package aodvv2 implements a draft-era AODVv2 reactive mesh routing
// protocol: on-demand route discovery by RREQ flooding, unicast RREP
// return paths and RERR invalidation, with sequence-number based loop
// freedom.
//
// A single Router goroutine owns all protocol state. Inbound datagrams,
// forwarding-plane events and lookups are serialized through its inbox;
// route aging happens lazily whenever a table slot is touched.
package aodvv2

import (
	"net/netip"
	"time"

	"tagmesh.net/rfc5444"
)

// Protocol constants from the AODVv2 draft.
const (
	// Port is the MANET UDP port (RFC 5498).
	Port = 269

	MaxHopCount         = 250
	MaxRoutingEntries   = 255
	MaxClients          = 1
	RREQBuf             = 128
	MaxUnreachableNodes = 15

	ActiveInterval    = 5 * time.Second
	MaxIdleTime       = 250 * time.Second
	MaxSeqNumLifetime = 300 * time.Second

	// validityTime is the lifetime of a freshly installed or refreshed
	// route.
	validityTime = ActiveInterval + MaxIdleTime
)

// Sender transmits a serialized message to a destination address. The
// router invokes it synchronously from its own goroutine.
type Sender interface {
	SendTo(payload []byte, dst netip.Addr) error
}

// Neighbors answers whether a bidirectional lower-layer link to a
// neighbor is known to exist. Routes are only installed towards
// senders that pass this check.
type Neighbors interface {
	Known(addr netip.Addr) bool
}

// Config parameterizes a Router.
type Config struct {
	// LocalAddr is the node's own address. It is registered as the
	// router's client.
	LocalAddr netip.Prefix
	// Multicast is the address RREQs and RERRs are flooded to. It
	// defaults to the link-local all-nodes multicast address.
	Multicast netip.Addr
	// Sender transmits outbound messages.
	Sender Sender
	// Neighbors is the lower-layer neighbor cache.
	Neighbors Neighbors
	// Now overrides the wall clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Router runs the AODVv2 protocol for one node.
type Router struct {
	local      netip.Prefix
	mcast      netip.Addr
	sender     Sender
	neighbors  Neighbors
	now        func() time.Time
	metricType MetricType

	seq     seqNumStore
	clients clientTable
	rreqs   rreqTable
	routes  *routingTable

	datagrams    chan datagram
	unreachables chan unreachableEvent
	resolves     chan resolveEvent
	reconfigs    chan clientEvent
	stop         chan struct{}
	done         chan struct{}
}

type datagram struct {
	payload []byte
	sender  netip.Addr
}

type unreachableEvent struct {
	dest netip.Addr
	ack  chan struct{}
}

type resolveEvent struct {
	dest  netip.Addr
	reply chan resolveResult
}

type clientEvent struct {
	addr netip.Prefix
	add  bool
	done chan struct{}
}

type resolveResult struct {
	nextHop netip.Addr
	ok      bool
}

// New creates a Router. Call Run to start it.
func New(cfg Config) *Router {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	mcast := cfg.Multicast
	if !mcast.IsValid() {
		mcast = netip.MustParseAddr("ff02::1")
	}
	r := &Router{
		local:      cfg.LocalAddr,
		mcast:      mcast,
		sender:     cfg.Sender,
		neighbors:  cfg.Neighbors,
		now:        now,
		metricType: HopCount,
		seq:        newSeqNumStore(),
		routes:     newRoutingTable(now()),

		datagrams:    make(chan datagram, 32),
		unreachables: make(chan unreachableEvent),
		resolves:     make(chan resolveEvent),
		reconfigs:    make(chan clientEvent),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	// Every node is its own client.
	r.clients.add(cfg.LocalAddr)
	return r
}

// Run processes the router's inbox until Stop is called. Each event is
// handled to completion before the next one is dequeued.
func (r *Router) Run() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case d := <-r.datagrams:
			r.handleDatagram(d.payload, d.sender)
		case ev := <-r.unreachables:
			// Unblock the forwarding plane before doing any work.
			close(ev.ack)
			r.handleUnreachable(ev.dest)
		case ev := <-r.resolves:
			hop, ok := r.resolve(ev.dest)
			ev.reply <- resolveResult{nextHop: hop, ok: ok}
		case ev := <-r.reconfigs:
			if ev.add {
				r.clients.add(ev.addr)
			} else {
				r.clients.remove(ev.addr)
			}
			close(ev.done)
		}
	}
}

// Stop terminates Run and waits for it to return.
func (r *Router) Stop() {
	close(r.stop)
	<-r.done
}

// Deliver hands an inbound datagram to the router. It never blocks;
// datagrams beyond the inbox capacity are dropped, as the protocol
// tolerates loss.
func (r *Router) Deliver(payload []byte, sender netip.Addr) {
	select {
	case r.datagrams <- datagram{payload: payload, sender: sender}:
	default:
	}
}

// UnreachableDestination reports that the forwarding plane failed to
// deliver to dest. It returns as soon as the router has accepted the
// event; the resulting route discovery proceeds asynchronously.
func (r *Router) UnreachableDestination(dest netip.Addr) {
	ev := unreachableEvent{dest: dest, ack: make(chan struct{})}
	select {
	case r.unreachables <- ev:
		<-ev.ack
	case <-r.stop:
	}
}

// AddClient registers another local address this router answers route
// discoveries for. The client table is bounded; additions beyond its
// capacity are ignored.
func (r *Router) AddClient(addr netip.Prefix) {
	r.reconfigure(clientEvent{addr: addr, add: true, done: make(chan struct{})})
}

// RemoveClient deregisters a client address.
func (r *Router) RemoveClient(addr netip.Prefix) {
	r.reconfigure(clientEvent{addr: addr, done: make(chan struct{})})
}

func (r *Router) reconfigure(ev clientEvent) {
	select {
	case r.reconfigs <- ev:
		<-ev.done
	case <-r.stop:
	}
}

// Resolve returns the next hop towards dest, refreshing the route's
// use time. Without a usable route it returns false after emitting a
// RERR (broken route) or seeding a fresh discovery (no route).
func (r *Router) Resolve(dest netip.Addr) (netip.Addr, bool) {
	ev := resolveEvent{dest: dest, reply: make(chan resolveResult, 1)}
	select {
	case r.resolves <- ev:
		res := <-ev.reply
		return res.nextHop, res.ok
	case <-r.stop:
		return netip.Addr{}, false
	}
}

func (r *Router) prefixOf(addr netip.Addr) netip.Prefix {
	return netip.PrefixFrom(addr, r.local.Bits())
}

// handleUnreachable starts a route discovery for dest.
func (r *Router) handleUnreachable(dest netip.Addr) {
	seqNum := r.seq.get()
	r.seq.inc()

	p := &packetData{
		hopLimit:   MaxHopCount,
		metricType: r.metricType,
		origNode: nodeData{
			addr:   r.local,
			seqNum: seqNum,
			metric: 0,
		},
		targNode: nodeData{
			addr: r.prefixOf(dest),
		},
		timestamp: r.now(),
	}
	r.sendRREQ(p)
}

// resolve implements next-hop lookup for the forwarding plane.
func (r *Router) resolve(dest netip.Addr) (netip.Addr, bool) {
	destPrefix := r.prefixOf(dest)

	// The network stack sometimes asks for the next hop towards our
	// own address.
	if r.clients.isClient(destPrefix) {
		return dest, true
	}

	now := r.now()
	entry := r.routes.get(destPrefix, r.metricType, now)
	if entry != nil {
		if entry.state == RouteInvalid {
			// Undeliverable: flood a RERR for the dead route.
			r.sendRERR([]unreachableNode{{
				addr:      destPrefix,
				seqNum:    entry.seqNum,
				hasSeqNum: true,
			}}, r.mcast)
			return netip.Addr{}, false
		}
		entry.lastUsed = now
		if entry.state == RouteIdle {
			entry.state = RouteActive
		}
		return entry.nextHop, true
	}

	// No route: start a discovery.
	r.handleUnreachable(dest)
	return netip.Addr{}, false
}

// handleDatagram parses one received message and dispatches it. The
// node's own flooded packets are dropped here.
func (r *Router) handleDatagram(payload []byte, sender netip.Addr) {
	if r.prefixOf(sender) == r.local {
		return
	}
	m, err := rfc5444.Parse(payload)
	if err != nil {
		return
	}
	// The hop limit is mandatory and must not be exhausted.
	if m.HopLimit == 0 {
		return
	}
	m.HopLimit--

	switch m.Type {
	case rfc5444.MsgRREQ:
		if p, ok := parseRREQ(m, sender); ok {
			r.handleRREQ(p)
		}
	case rfc5444.MsgRREP:
		if p, ok := parseRREP(m, sender); ok {
			r.handleRREP(p)
		}
	case rfc5444.MsgRERR:
		r.handleRERR(parseRERR(m), sender)
	}
}

func (r *Router) handleRREQ(p *packetData) {
	cost := linkCost(p.metricType)

	// Drop when the metric limit is reached.
	if maxMetric(p.metricType)-cost <= p.origNode.metric {
		return
	}

	now := r.now()

	// An RREQ already recorded in the RREQ table for the same (orig,
	// targ, metric type) is redundant and not processed further, even
	// when it carries fresher data; the table keeps that data.
	if r.rreqs.isRedundant(p, now) {
		return
	}

	p.origNode.metric = updateMetric(p.metricType, p.origNode.metric)
	p.timestamp = now

	entry := r.routes.get(p.origNode.addr, p.metricType, now)
	if entry == nil {
		// Only install routes through senders we have a
		// bidirectional link to.
		if r.neighbors == nil || !r.neighbors.Known(p.sender) {
			return
		}
		r.routes.add(p.origNode.addr, p.origNode.seqNum, p.sender,
			p.metricType, p.origNode.metric, RouteActive, now)
	} else {
		if !offersImprovement(entry, p.origNode) {
			return
		}
		r.routes.update(entry, p.origNode.seqNum, p.sender,
			p.origNode.metric, RouteActive, now)
	}

	if r.clients.isClient(p.targNode.addr) {
		// We are the target: answer with a RREP over the reverse
		// path, starting from a clean metric.
		p.targNode.metric = 0
		r.sendRREP(p, p.sender, true)
	} else {
		// Not our discovery: keep flooding.
		r.sendRREQ(p)
	}
}

func (r *Router) handleRREP(p *packetData) {
	cost := linkCost(p.metricType)

	if maxMetric(p.metricType)-cost <= p.targNode.metric {
		return
	}

	now := r.now()
	p.targNode.metric = updateMetric(p.metricType, p.targNode.metric)
	p.timestamp = now

	entry := r.routes.get(p.targNode.addr, p.metricType, now)
	if entry == nil {
		if r.neighbors == nil || !r.neighbors.Known(p.sender) {
			return
		}
		r.routes.add(p.targNode.addr, p.targNode.seqNum, p.sender,
			p.metricType, p.targNode.metric, RouteActive, now)
	} else {
		if !offersImprovement(entry, p.targNode) {
			return
		}
		r.routes.update(entry, p.targNode.seqNum, p.sender,
			p.targNode.metric, RouteActive, now)
	}

	if r.clients.isClient(p.origNode.addr) {
		// This RREP answers our own RREQ; the discovery is complete.
		return
	}
	// Pass the RREP on towards OrigNode.
	next, ok := r.routes.nextHop(p.origNode.addr, p.metricType, now)
	if !ok {
		return
	}
	r.sendRREP(p, next, false)
}

func (r *Router) handleRERR(nodes []unreachableNode, sender netip.Addr) {
	now := r.now()
	var out []unreachableNode
	for _, n := range nodes {
		entry := r.routes.get(n.addr, r.metricType, now)
		if entry == nil {
			continue
		}
		// The route breaks only if it actually runs over the RERR's
		// sender, the sequence numbers agree and it is not already
		// known broken.
		if entry.nextHop != sender || entry.state == RouteInvalid {
			continue
		}
		if n.hasSeqNum && entry.seqNum.Cmp(n.seqNum) != 0 {
			continue
		}
		entry.state = RouteInvalid
		out = append(out, unreachableNode{
			addr:      n.addr,
			seqNum:    entry.seqNum,
			hasSeqNum: true,
		})
	}
	if len(out) == 0 {
		// No affected route of ours; nothing to propagate.
		return
	}
	r.sendRERR(out, r.mcast)
}

// sendRREQ floods a RREQ to the multicast address. An originated RREQ
// also seeds the RREQ table so the node's own flooded packet and its
// echoes are recognized as redundant.
func (r *Router) sendRREQ(p *packetData) {
	if p.origNode.addr == r.local {
		r.rreqs.isRedundant(p, r.now())
	}
	r.send(buildRREQ(p), r.mcast)
}

// sendRREP unicasts a RREP to next. When this node originates the
// reply (it is the discovery's target), the TargNode sequence number
// is drawn from the node's own store; a forwarded RREP keeps the
// target's original number.
func (r *Router) sendRREP(p *packetData, next netip.Addr, originate bool) {
	q := *p
	q.hopLimit = MaxHopCount
	if originate {
		q.targNode.seqNum = r.seq.get()
		r.seq.inc()
	}
	r.send(buildRREP(&q), next)
}

func (r *Router) sendRERR(nodes []unreachableNode, next netip.Addr) {
	r.send(buildRERR(nodes, MaxHopCount), next)
}

func (r *Router) send(m *rfc5444.Message, dst netip.Addr) {
	if r.sender == nil {
		return
	}
	buf, err := m.Append(nil)
	if err != nil {
		return
	}
	r.sender.SendTo(buf, dst)
}
