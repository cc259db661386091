package aodvv2

import (
	"net/netip"
	"time"
)

// RouteState is the lifecycle state of a routing table entry.
type RouteState uint8

const (
	// RouteActive routes carry traffic and are refreshed by use.
	RouteActive RouteState = iota
	// RouteIdle routes have not been used for ACTIVE_INTERVAL.
	RouteIdle
	// RouteInvalid routes must not carry traffic; they are retained
	// only for their sequence number information.
	RouteInvalid
	// RouteTimed routes expire at a fixed time regardless of use.
	RouteTimed
)

func (s RouteState) String() string {
	switch s {
	case RouteActive:
		return "active"
	case RouteIdle:
		return "idle"
	case RouteInvalid:
		return "invalid"
	case RouteTimed:
		return "timed"
	default:
		return "unknown"
	}
}

// routeEntry is one route. At most one entry exists per
// (addr, metricType) pair.
type routeEntry struct {
	addr       netip.Prefix
	seqNum     SeqNum
	nextHop    netip.Addr
	lastUsed   time.Time
	expiration time.Time
	metricType MetricType
	metric     uint8
	state      RouteState
}

// unreachableNode is carried in a RERR.
type unreachableNode struct {
	addr      netip.Prefix
	seqNum    SeqNum
	hasSeqNum bool
}

// routingTable is a bounded table of routes addressed by linear scan.
// Aging transitions happen at the moment a slot is next touched; no
// timer task is involved.
type routingTable struct {
	entries [MaxRoutingEntries]routeEntry
	// birth is the node's start time; entries are not aged during the
	// first ACTIVE_INTERVAL after boot.
	birth time.Time
}

func newRoutingTable(now time.Time) *routingTable {
	return &routingTable{birth: now}
}

// get returns the entry for (dest, metricType), aging every slot it
// inspects first.
func (t *routingTable) get(dest netip.Prefix, metricType MetricType, now time.Time) *routeEntry {
	for i := range t.entries {
		t.expireStale(i, now)
		e := &t.entries[i]
		if e.addr == dest && e.metricType == metricType {
			return e
		}
	}
	return nil
}

// add inserts a route for (dest, metricType) unless one already
// exists, in which case it is a no-op.
func (t *routingTable) add(dest netip.Prefix, seqNum SeqNum, nextHop netip.Addr, metricType MetricType, metric uint8, state RouteState, now time.Time) {
	if t.get(dest, metricType, now) != nil {
		return
	}
	for i := range t.entries {
		if t.entries[i].addr.IsValid() {
			continue
		}
		e := &t.entries[i]
		e.addr = dest
		e.metricType = metricType
		t.update(e, seqNum, nextHop, metric, state, now)
		return
	}
}

// update overwrites an entry with fresh routing information and
// recomputes its expiration time.
func (t *routingTable) update(e *routeEntry, seqNum SeqNum, nextHop netip.Addr, metric uint8, state RouteState, timestamp time.Time) {
	e.seqNum = seqNum
	e.nextHop = nextHop
	e.lastUsed = timestamp
	e.expiration = timestamp.Add(validityTime)
	e.metric = metric
	e.state = state
}

func (t *routingTable) delete(dest netip.Prefix, metricType MetricType, now time.Time) {
	for i := range t.entries {
		t.expireStale(i, now)
		e := &t.entries[i]
		if e.addr == dest && e.metricType == metricType {
			*e = routeEntry{}
			return
		}
	}
}

// nextHop returns the next hop of the route towards dest.
func (t *routingTable) nextHop(dest netip.Prefix, metricType MetricType, now time.Time) (netip.Addr, bool) {
	e := t.get(dest, metricType, now)
	if e == nil {
		return netip.Addr{}, false
	}
	return e.nextHop, true
}

// breakOver marks every route hopping over hop as Invalid and appends
// the (dest, seqnum) of the previously Active ones to unreachable, up
// to MaxUnreachableNodes.
func (t *routingTable) breakOver(hop netip.Addr, unreachable []unreachableNode, now time.Time) []unreachableNode {
	for i := range t.entries {
		t.expireStale(i, now)
		e := &t.entries[i]
		if !e.addr.IsValid() || e.nextHop != hop {
			continue
		}
		if e.state == RouteActive && len(unreachable) < MaxUnreachableNodes {
			unreachable = append(unreachable, unreachableNode{
				addr:      e.addr,
				seqNum:    e.seqNum,
				hasSeqNum: true,
			})
		}
		e.state = RouteInvalid
	}
	return unreachable
}

// offersImprovement reports whether the incoming routing information
// node should replace the existing entry: a strictly newer sequence
// number MUST be used, an equal sequence number with a strictly
// smaller metric SHOULD be used, and an equal sequence number with a
// non-increasing metric may repair an Invalid route without
// introducing a loop.
func offersImprovement(e *routeEntry, node nodeData) bool {
	loopFree := node.metric <= e.metric
	stale := node.seqNum.Cmp(e.seqNum)
	return stale == 1 ||
		(stale == 0 && node.metric < e.metric) ||
		(stale == 0 && node.metric >= e.metric && e.state == RouteInvalid && loopFree)
}

// expireStale ages the slot at index i: Active routes unused for
// ACTIVE_INTERVAL become Idle, Idle routes past their expiration
// become Invalid, and entries untouched for MAX_SEQNUM_LIFETIME are
// expunged entirely.
func (t *routingTable) expireStale(i int, now time.Time) {
	e := &t.entries[i]
	if e.expiration.IsZero() {
		return
	}
	// Give the node time to settle after boot.
	if now.Sub(t.birth) < ActiveInterval {
		return
	}

	state := e.state
	lastUsed := e.lastUsed

	// An Active route remains Active as long as it is used at least
	// once during every ACTIVE_INTERVAL.
	if state == RouteActive && now.Add(-ActiveInterval).After(lastUsed) {
		e.state = RouteIdle
		e.lastUsed = now // mark the time the entry went Idle
	}

	if now.Before(e.expiration) {
		return
	}

	// A route MUST be considered Invalid once Current_Time >
	// Route.ExpirationTime.
	if state == RouteIdle && now.After(e.expiration) {
		e.state = RouteInvalid
		e.lastUsed = now // mark the time the entry went Invalid
	}

	if now.Sub(lastUsed) > ActiveInterval+MaxIdleTime && state != RouteTimed {
		e.state = RouteInvalid
	}

	// After MAX_SEQNUM_LIFETIME the old sequence number information is
	// no longer valuable and the entry is expunged.
	if now.Sub(lastUsed) >= MaxSeqNumLifetime {
		*e = routeEntry{}
	}
}
