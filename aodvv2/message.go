package aodvv2

import (
	"net/netip"
	"time"

	"tagmesh.net/rfc5444"
)

// nodeData is the routing information a route message carries about
// one endpoint of a discovery.
type nodeData struct {
	addr   netip.Prefix
	seqNum SeqNum
	metric uint8
}

// packetData is the parsed view of an incoming route message, plus the
// link-layer neighbor that forwarded it. The hop limit is stored
// post-decrement.
type packetData struct {
	hopLimit   uint8
	metricType MetricType
	origNode   nodeData
	targNode   nodeData
	sender     netip.Addr
	timestamp  time.Time
}

// parseRREQ extracts the routing data of a RREQ. It reports false when
// a mandatory element is missing: OrigNode address and sequence
// number, TargNode address, or the metric TLV on the OrigNode address.
func parseRREQ(m *rfc5444.Message, sender netip.Addr) (*packetData, bool) {
	p := &packetData{
		hopLimit: m.HopLimit,
		sender:   sender,
	}
	for i := range m.Addrs {
		ab := &m.Addrs[i]
		isOrig := false
		if tlv, ok := ab.TLV(rfc5444.TLVOrigSeqNum); ok {
			seq, ok := tlv.Uint16()
			if !ok {
				return nil, false
			}
			isOrig = true
			p.origNode.addr = ab.Addr
			p.origNode.seqNum = SeqNum(seq)
		}
		if tlv, ok := ab.TLV(rfc5444.TLVTargSeqNum); ok {
			seq, ok := tlv.Uint16()
			if !ok {
				return nil, false
			}
			p.targNode.addr = ab.Addr
			p.targNode.seqNum = SeqNum(seq)
		} else if !isOrig {
			// No sequence number TLV: assume the TargNode address.
			p.targNode.addr = ab.Addr
		}

		tlv, ok := ab.TLV(rfc5444.TLVMetric)
		if !ok && isOrig {
			return nil, false
		}
		if ok {
			if !isOrig {
				// The metric TLV belongs on the OrigNode address.
				return nil, false
			}
			metric, ok := tlv.Uint8()
			if !ok {
				return nil, false
			}
			p.metricType = MetricType(tlv.TypeExt)
			p.origNode.metric = metric
		}
	}
	if !p.origNode.addr.IsValid() || p.origNode.seqNum == 0 {
		return nil, false
	}
	if !p.targNode.addr.IsValid() {
		return nil, false
	}
	return p, true
}

// parseRREP extracts the routing data of a RREP. Both endpoints must
// carry sequence numbers and the TargNode address the metric TLV.
func parseRREP(m *rfc5444.Message, sender netip.Addr) (*packetData, bool) {
	p := &packetData{
		hopLimit: m.HopLimit,
		sender:   sender,
	}
	for i := range m.Addrs {
		ab := &m.Addrs[i]
		isOrig, isTarg := false, false
		if tlv, ok := ab.TLV(rfc5444.TLVTargSeqNum); ok {
			seq, ok := tlv.Uint16()
			if !ok {
				return nil, false
			}
			isTarg = true
			p.targNode.addr = ab.Addr
			p.targNode.seqNum = SeqNum(seq)
		}
		if tlv, ok := ab.TLV(rfc5444.TLVOrigSeqNum); ok {
			seq, ok := tlv.Uint16()
			if !ok {
				return nil, false
			}
			isOrig = true
			p.origNode.addr = ab.Addr
			p.origNode.seqNum = SeqNum(seq)
		}
		if !isOrig && !isTarg {
			return nil, false
		}

		tlv, ok := ab.TLV(rfc5444.TLVMetric)
		if !ok && isTarg {
			return nil, false
		}
		if ok {
			if !isTarg {
				return nil, false
			}
			metric, ok := tlv.Uint8()
			if !ok {
				return nil, false
			}
			p.metricType = MetricType(tlv.TypeExt)
			p.targNode.metric = metric
		}
	}
	if !p.origNode.addr.IsValid() || p.origNode.seqNum == 0 {
		return nil, false
	}
	if !p.targNode.addr.IsValid() || p.targNode.seqNum == 0 {
		return nil, false
	}
	return p, true
}

// parseRERR extracts the unreachable node list of a RERR. The sequence
// number TLV on each address is optional.
func parseRERR(m *rfc5444.Message) []unreachableNode {
	var nodes []unreachableNode
	for i := range m.Addrs {
		if len(nodes) == MaxUnreachableNodes {
			// Out of buffer space for more unreachable nodes.
			break
		}
		ab := &m.Addrs[i]
		n := unreachableNode{addr: ab.Addr}
		if tlv, ok := ab.TLV(rfc5444.TLVUnreachableNodeSeqNum); ok {
			seq, ok := tlv.Uint16()
			if !ok {
				continue
			}
			n.seqNum = SeqNum(seq)
			n.hasSeqNum = true
		}
		nodes = append(nodes, n)
	}
	return nodes
}

// buildRREQ assembles a RREQ message. The OrigNode address carries the
// sequence number and metric TLVs; the TargNode address is bare.
func buildRREQ(p *packetData) *rfc5444.Message {
	return &rfc5444.Message{
		Type:     rfc5444.MsgRREQ,
		HopLimit: p.hopLimit,
		Addrs: []rfc5444.AddrBlock{
			{
				Addr: p.origNode.addr,
				TLVs: []rfc5444.TLV{
					{Type: rfc5444.TLVOrigSeqNum, Value: rfc5444.Uint16Value(uint16(p.origNode.seqNum))},
					{Type: rfc5444.TLVMetric, TypeExt: uint8(p.metricType), Value: []byte{p.origNode.metric}},
				},
			},
			{Addr: p.targNode.addr},
		},
	}
}

// buildRREP assembles a RREP message: sequence number TLVs on both
// addresses and the metric TLV on the TargNode address.
func buildRREP(p *packetData) *rfc5444.Message {
	return &rfc5444.Message{
		Type:     rfc5444.MsgRREP,
		HopLimit: p.hopLimit,
		Addrs: []rfc5444.AddrBlock{
			{
				Addr: p.origNode.addr,
				TLVs: []rfc5444.TLV{
					{Type: rfc5444.TLVOrigSeqNum, Value: rfc5444.Uint16Value(uint16(p.origNode.seqNum))},
				},
			},
			{
				Addr: p.targNode.addr,
				TLVs: []rfc5444.TLV{
					{Type: rfc5444.TLVTargSeqNum, Value: rfc5444.Uint16Value(uint16(p.targNode.seqNum))},
					{Type: rfc5444.TLVMetric, TypeExt: uint8(p.metricType), Value: []byte{p.targNode.metric}},
				},
			},
		},
	}
}

// buildRERR assembles a RERR listing the given unreachable nodes.
func buildRERR(nodes []unreachableNode, hopLimit uint8) *rfc5444.Message {
	m := &rfc5444.Message{
		Type:     rfc5444.MsgRERR,
		HopLimit: hopLimit,
	}
	for _, n := range nodes {
		ab := rfc5444.AddrBlock{Addr: n.addr}
		if n.hasSeqNum {
			ab.TLVs = []rfc5444.TLV{
				{Type: rfc5444.TLVUnreachableNodeSeqNum, Value: rfc5444.Uint16Value(uint16(n.seqNum))},
			}
		}
		m.Addrs = append(m.Addrs, ab)
	}
	return m
}
