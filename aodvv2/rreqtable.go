package aodvv2

import (
	"net/netip"
	"time"
)

// rreqEntry records a seen RREQ for redundancy suppression, keyed by
// (origNode, targNode, metricType).
type rreqEntry struct {
	origNode   netip.Prefix
	targNode   netip.Prefix
	metricType MetricType
	metric     uint8
	seqNum     SeqNum
	timestamp  time.Time
}

// rreqTable decides whether a flooded RREQ carries new information.
// Entries age out after MaxIdleTime.
type rreqTable struct {
	entries [RREQBuf]rreqEntry
}

// isRedundant reports whether p carries no new information compared to
// a previously seen RREQ for the same (orig, targ, metric type). A
// first sighting is recorded and reported as not redundant; any later
// sighting refreshes the stored entry with fresher data but is still
// reported redundant.
func (t *rreqTable) isRedundant(p *packetData, now time.Time) bool {
	entry := t.comparable(p, now)
	if entry == nil {
		t.add(p, now)
		return false
	}

	switch p.origNode.seqNum.Cmp(entry.seqNum) {
	case -1:
		// Older sequence number: the stored information wins.
	case 1:
		entry.seqNum = p.origNode.seqNum
	case 0:
		// Same sequence number: the smaller metric wins.
		if entry.metric > p.origNode.metric {
			entry.metric = p.origNode.metric
		}
	}
	entry.timestamp = now
	return true
}

// comparable returns the entry matching p's origin, target and metric
// type, expunging stale entries along the way.
func (t *rreqTable) comparable(p *packetData, now time.Time) *rreqEntry {
	for i := range t.entries {
		t.expireStale(i, now)
		e := &t.entries[i]
		if e.origNode == p.origNode.addr && e.targNode == p.targNode.addr &&
			e.metricType == p.metricType {
			return e
		}
	}
	return nil
}

func (t *rreqTable) add(p *packetData, now time.Time) {
	for i := range t.entries {
		if !t.entries[i].timestamp.IsZero() {
			continue
		}
		t.entries[i] = rreqEntry{
			origNode:   p.origNode.addr,
			targNode:   p.targNode.addr,
			metricType: p.metricType,
			metric:     p.origNode.metric,
			seqNum:     p.origNode.seqNum,
			timestamp:  now,
		}
		return
	}
}

func (t *rreqTable) expireStale(i int, now time.Time) {
	e := &t.entries[i]
	if e.timestamp.IsZero() {
		return
	}
	if now.Sub(e.timestamp) > MaxIdleTime {
		*e = rreqEntry{}
	}
}
