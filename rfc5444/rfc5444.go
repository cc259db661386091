// Package rfc5444 implements a compact RFC 5444-shaped message codec:
// a typed message header with a hop limit, followed by address blocks
// carrying address TLVs.
//
// The layout is a simplified rendition of the generalized MANET packet
// format; it does not implement RFC 5444 address compression.
//
//	byte 0      message type
//	byte 1      hop limit
//	byte 2      address count
//	per address:
//	  byte 0      address length (4 or 16)
//	  bytes 1..n  address
//	  byte n+1    prefix length in bits
//	  byte n+2    TLV count
//	  per TLV:
//	    byte 0      type
//	    byte 1      type extension
//	    byte 2      value length
//	    bytes 3..m  value
package rfc5444

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// MsgType identifies a message. The values are the ones the AODVv2
// draft registers with RFC 5444.
type MsgType uint8

const (
	MsgRREQ MsgType = 10
	MsgRREP MsgType = 11
	MsgRERR MsgType = 12
)

func (t MsgType) String() string {
	switch t {
	case MsgRREQ:
		return "RREQ"
	case MsgRREP:
		return "RREP"
	case MsgRERR:
		return "RERR"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(t))
	}
}

// TLVType identifies an address TLV.
type TLVType uint8

const (
	TLVOrigSeqNum TLVType = iota
	TLVTargSeqNum
	TLVUnreachableNodeSeqNum
	TLVMetric
)

// TLV is a typed value attached to an address. The type extension
// qualifies the type; the metric TLV carries the metric type there.
type TLV struct {
	Type    TLVType
	TypeExt uint8
	Value   []byte
}

// Uint16Value returns a TLV value holding v in network byte order.
func Uint16Value(v uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, v)
}

// Uint16 decodes a 2-byte TLV value.
func (t TLV) Uint16() (uint16, bool) {
	if len(t.Value) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(t.Value), true
}

// Uint8 decodes a 1-byte TLV value.
func (t TLV) Uint8() (uint8, bool) {
	if len(t.Value) != 1 {
		return 0, false
	}
	return t.Value[0], true
}

// AddrBlock is one address with its TLVs.
type AddrBlock struct {
	Addr netip.Prefix
	TLVs []TLV
}

// TLV returns the first TLV of the given type, if any.
func (a *AddrBlock) TLV(typ TLVType) (TLV, bool) {
	for _, t := range a.TLVs {
		if t.Type == typ {
			return t, true
		}
	}
	return TLV{}, false
}

// Message is a parsed or to-be-serialized message.
type Message struct {
	Type     MsgType
	HopLimit uint8
	Addrs    []AddrBlock
}

// MaxSize is an upper bound on the serialized size of the messages the
// protocol emits, suitable for sizing receive buffers.
const MaxSize = 512

var errTruncated = errors.New("rfc5444: truncated message")

// Append serializes m and appends it to b.
func (m *Message) Append(b []byte) ([]byte, error) {
	if len(m.Addrs) > 0xFF {
		return nil, errors.New("rfc5444: too many addresses")
	}
	b = append(b, uint8(m.Type), m.HopLimit, uint8(len(m.Addrs)))
	for _, ab := range m.Addrs {
		if !ab.Addr.IsValid() {
			return nil, errors.New("rfc5444: invalid address")
		}
		addr := ab.Addr.Addr().AsSlice()
		b = append(b, uint8(len(addr)))
		b = append(b, addr...)
		b = append(b, uint8(ab.Addr.Bits()))
		if len(ab.TLVs) > 0xFF {
			return nil, errors.New("rfc5444: too many TLVs")
		}
		b = append(b, uint8(len(ab.TLVs)))
		for _, tlv := range ab.TLVs {
			if len(tlv.Value) > 0xFF {
				return nil, errors.New("rfc5444: TLV value too large")
			}
			b = append(b, uint8(tlv.Type), tlv.TypeExt, uint8(len(tlv.Value)))
			b = append(b, tlv.Value...)
		}
	}
	return b, nil
}

// Parse decodes a message.
func Parse(b []byte) (*Message, error) {
	if len(b) < 3 {
		return nil, errTruncated
	}
	m := &Message{
		Type:     MsgType(b[0]),
		HopLimit: b[1],
	}
	switch m.Type {
	case MsgRREQ, MsgRREP, MsgRERR:
	default:
		return nil, fmt.Errorf("rfc5444: unknown message type %d", b[0])
	}
	naddrs := int(b[2])
	b = b[3:]
	for i := 0; i < naddrs; i++ {
		if len(b) < 1 {
			return nil, errTruncated
		}
		alen := int(b[0])
		if alen != 4 && alen != 16 {
			return nil, fmt.Errorf("rfc5444: bad address length %d", alen)
		}
		if len(b) < 1+alen+2 {
			return nil, errTruncated
		}
		addr, ok := netip.AddrFromSlice(b[1 : 1+alen])
		if !ok {
			return nil, errTruncated
		}
		bits := int(b[1+alen])
		if bits > addr.BitLen() {
			return nil, fmt.Errorf("rfc5444: bad prefix length %d", bits)
		}
		ntlvs := int(b[1+alen+1])
		b = b[1+alen+2:]
		ab := AddrBlock{Addr: netip.PrefixFrom(addr, bits)}
		for j := 0; j < ntlvs; j++ {
			if len(b) < 3 {
				return nil, errTruncated
			}
			vlen := int(b[2])
			if len(b) < 3+vlen {
				return nil, errTruncated
			}
			ab.TLVs = append(ab.TLVs, TLV{
				Type:    TLVType(b[0]),
				TypeExt: b[1],
				Value:   append([]byte(nil), b[3:3+vlen]...),
			})
			b = b[3+vlen:]
		}
		m.Addrs = append(m.Addrs, ab)
	}
	if len(b) != 0 {
		return nil, errors.New("rfc5444: trailing bytes")
	}
	return m, nil
}
