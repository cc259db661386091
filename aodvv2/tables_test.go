package aodvv2

import (
	"net/netip"
	"testing"
	"time"
)

var (
	testT0    = time.Date(2016, 2, 1, 12, 0, 0, 0, time.UTC)
	testAddr1 = netip.MustParsePrefix("fe80::1/128")
	testAddr2 = netip.MustParsePrefix("fe80::2/128")
	testAddr3 = netip.MustParsePrefix("fe80::3/128")
	testHop   = netip.MustParseAddr("fe80::aa")
	testHop2  = netip.MustParseAddr("fe80::bb")
)

func TestClientTable(t *testing.T) {
	var ct clientTable
	ct.add(testAddr1)
	if !ct.isClient(testAddr1) {
		t.Error("added client not found")
	}
	if ct.isClient(testAddr2) {
		t.Error("unknown address reported as client")
	}
	// Re-adding is a no-op.
	ct.add(testAddr1)
	if len(ct.clients) != 1 {
		t.Errorf("client table has %d entries, want 1", len(ct.clients))
	}
	// The table is bounded.
	ct.add(testAddr2)
	if ct.isClient(testAddr2) {
		t.Error("table accepted a client beyond its capacity")
	}
	ct.remove(testAddr1)
	if ct.isClient(testAddr1) {
		t.Error("removed client still found")
	}
}

func rreqPacket(orig, targ netip.Prefix, seq SeqNum, metric uint8) *packetData {
	return &packetData{
		hopLimit:   MaxHopCount,
		metricType: HopCount,
		origNode:   nodeData{addr: orig, seqNum: seq, metric: metric},
		targNode:   nodeData{addr: targ},
	}
}

func TestRREQTableIdempotence(t *testing.T) {
	var rt rreqTable
	p := rreqPacket(testAddr1, testAddr2, 3, 0)
	if rt.isRedundant(p, testT0) {
		t.Error("first observation reported redundant")
	}
	if !rt.isRedundant(p, testT0) {
		t.Error("second observation reported not redundant")
	}
}

func TestRREQTableFresherData(t *testing.T) {
	var rt rreqTable
	rt.isRedundant(rreqPacket(testAddr1, testAddr2, 3, 5), testT0)

	// A newer sequence number still counts as redundant, but the
	// stored entry is refreshed.
	if !rt.isRedundant(rreqPacket(testAddr1, testAddr2, 4, 5), testT0) {
		t.Error("newer seqnum reported not redundant")
	}
	e := rt.comparable(rreqPacket(testAddr1, testAddr2, 0, 0), testT0)
	if e == nil || e.seqNum != 4 {
		t.Fatalf("stored seqnum not updated: %+v", e)
	}

	// Same seqnum, better metric: redundant, but metric updated.
	if !rt.isRedundant(rreqPacket(testAddr1, testAddr2, 4, 2), testT0) {
		t.Error("better metric reported not redundant")
	}
	e = rt.comparable(rreqPacket(testAddr1, testAddr2, 0, 0), testT0)
	if e.metric != 2 {
		t.Errorf("stored metric = %d, want 2", e.metric)
	}

	// Older seqnum: redundant, entry untouched except the timestamp.
	if !rt.isRedundant(rreqPacket(testAddr1, testAddr2, 3, 1), testT0) {
		t.Error("older seqnum reported not redundant")
	}
	e = rt.comparable(rreqPacket(testAddr1, testAddr2, 0, 0), testT0)
	if e.seqNum != 4 || e.metric != 2 {
		t.Errorf("entry modified by stale data: %+v", e)
	}
}

func TestRREQTableAging(t *testing.T) {
	var rt rreqTable
	rt.isRedundant(rreqPacket(testAddr1, testAddr2, 3, 0), testT0)

	// Within MAX_IDLETIME the entry persists.
	later := testT0.Add(MaxIdleTime)
	if !rt.isRedundant(rreqPacket(testAddr1, testAddr2, 3, 0), later) {
		t.Error("entry expired before MAX_IDLETIME")
	}
	// Beyond it the entry is expunged and the RREQ is fresh again.
	expired := later.Add(MaxIdleTime + time.Second)
	if rt.isRedundant(rreqPacket(testAddr1, testAddr2, 3, 0), expired) {
		t.Error("stale entry not expunged")
	}
}

func TestRREQTableDistinctKeys(t *testing.T) {
	var rt rreqTable
	if rt.isRedundant(rreqPacket(testAddr1, testAddr2, 3, 0), testT0) {
		t.Error("first key reported redundant")
	}
	// Different target: a different discovery.
	if rt.isRedundant(rreqPacket(testAddr1, testAddr3, 3, 0), testT0) {
		t.Error("distinct target reported redundant")
	}
	// Different origin.
	if rt.isRedundant(rreqPacket(testAddr3, testAddr2, 3, 0), testT0) {
		t.Error("distinct origin reported redundant")
	}
}

func TestRoutingTableUniqueness(t *testing.T) {
	rt := newRoutingTable(testT0)
	rt.add(testAddr1, 1, testHop, HopCount, 2, RouteActive, testT0)
	rt.add(testAddr1, 9, testHop2, HopCount, 7, RouteIdle, testT0)

	count := 0
	for i := range rt.entries {
		if rt.entries[i].addr == testAddr1 {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("%d entries for the same (dest, metric type), want 1", count)
	}
	e := rt.get(testAddr1, HopCount, testT0)
	if e.seqNum != 1 || e.nextHop != testHop {
		t.Errorf("second add overwrote the entry: %+v", e)
	}
}

func TestRoutingTableUpdateAndDelete(t *testing.T) {
	rt := newRoutingTable(testT0)
	rt.add(testAddr1, 1, testHop, HopCount, 2, RouteIdle, testT0)

	e := rt.get(testAddr1, HopCount, testT0)
	rt.update(e, 2, testHop2, 4, RouteActive, testT0)
	if e.seqNum != 2 || e.nextHop != testHop2 || e.metric != 4 || e.state != RouteActive {
		t.Errorf("update did not apply: %+v", e)
	}
	if want := testT0.Add(validityTime); !e.expiration.Equal(want) {
		t.Errorf("expiration = %v, want %v", e.expiration, want)
	}

	next, ok := rt.nextHop(testAddr1, HopCount, testT0)
	if !ok || next != testHop2 {
		t.Errorf("nextHop = %v, %v, want %v", next, ok, testHop2)
	}

	rt.delete(testAddr1, HopCount, testT0)
	if rt.get(testAddr1, HopCount, testT0) != nil {
		t.Error("deleted entry still present")
	}
}

func TestRoutingTableAging(t *testing.T) {
	rt := newRoutingTable(testT0)
	rt.add(testAddr1, 7, testHop, HopCount, 2, RouteActive, testT0)

	// Unused for longer than ACTIVE_INTERVAL: Active -> Idle.
	now := testT0.Add(6 * time.Second)
	e := rt.get(testAddr1, HopCount, now)
	if e == nil || e.state != RouteIdle {
		t.Fatalf("state after 6s = %+v, want idle", e)
	}

	// Past the expiration time: Idle -> Invalid.
	now = testT0.Add(validityTime + time.Second)
	e = rt.get(testAddr1, HopCount, now)
	if e == nil || e.state != RouteInvalid {
		t.Fatalf("state after expiration = %+v, want invalid", e)
	}

	// Untouched for MAX_SEQNUM_LIFETIME: expunged.
	now = now.Add(MaxSeqNumLifetime)
	if e := rt.get(testAddr1, HopCount, now); e != nil {
		t.Fatalf("entry not expunged: %+v", e)
	}
}

func TestRoutingTableBootGrace(t *testing.T) {
	rt := newRoutingTable(testT0)
	rt.add(testAddr1, 7, testHop, HopCount, 2, RouteActive, testT0)

	// Within ACTIVE_INTERVAL of boot no aging happens.
	e := rt.get(testAddr1, HopCount, testT0.Add(4*time.Second))
	if e == nil || e.state != RouteActive {
		t.Fatalf("state during boot grace = %+v, want active", e)
	}
}

func TestRoutingTableBreakOver(t *testing.T) {
	rt := newRoutingTable(testT0)
	rt.add(testAddr1, 1, testHop, HopCount, 2, RouteActive, testT0)
	rt.add(testAddr2, 2, testHop, HopCount, 3, RouteIdle, testT0)
	rt.add(testAddr3, 3, testHop2, HopCount, 4, RouteActive, testT0)

	unreachable := rt.breakOver(testHop, nil, testT0)

	// Only the Active route over testHop is reported...
	if len(unreachable) != 1 || unreachable[0].addr != testAddr1 || unreachable[0].seqNum != 1 {
		t.Fatalf("unreachable = %+v, want [{%v 1}]", unreachable, testAddr1)
	}
	// ...but both routes over it are invalidated.
	if e := rt.get(testAddr1, HopCount, testT0); e.state != RouteInvalid {
		t.Errorf("active route over hop not invalidated: %+v", e)
	}
	if e := rt.get(testAddr2, HopCount, testT0); e.state != RouteInvalid {
		t.Errorf("idle route over hop not invalidated: %+v", e)
	}
	// Routes over other hops are untouched.
	if e := rt.get(testAddr3, HopCount, testT0); e.state != RouteActive {
		t.Errorf("unrelated route invalidated: %+v", e)
	}
}

func TestOffersImprovement(t *testing.T) {
	entry := &routeEntry{seqNum: 5, metric: 3, state: RouteActive}
	tests := []struct {
		name  string
		node  nodeData
		state RouteState
		want  bool
	}{
		{"newer seqnum", nodeData{seqNum: 6, metric: 9}, RouteActive, true},
		{"older seqnum", nodeData{seqNum: 4, metric: 1}, RouteActive, false},
		{"same seqnum, smaller metric", nodeData{seqNum: 5, metric: 2}, RouteActive, true},
		{"same seqnum, same metric", nodeData{seqNum: 5, metric: 3}, RouteActive, false},
		{"same seqnum, larger metric", nodeData{seqNum: 5, metric: 4}, RouteActive, false},
		{"repairs invalid route", nodeData{seqNum: 5, metric: 3}, RouteInvalid, true},
		{"repair would add loop", nodeData{seqNum: 5, metric: 4}, RouteInvalid, false},
	}
	for _, test := range tests {
		entry.state = test.state
		if got := offersImprovement(entry, test.node); got != test.want {
			t.Errorf("%s: offersImprovement = %v, want %v", test.name, got, test.want)
		}
	}
}
