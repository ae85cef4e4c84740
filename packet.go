package rttvar

// packet.go defines the unit of traffic moved through the fabric.  Header
// fields the fabric looks at (addresses, ports, TOS/ECN bits) are carried in
// gopacket layer structs so they read the way a real IPv4/UDP header does.

import (
	"encoding/binary"
	"github.com/cespare/xxhash/v2"
	"github.com/google/gopacket/layers"
	"net/netip"
)

// bytes of IPv4 + UDP header added to the payload on the wire
const headerLen = 20 + 8

// ECN codepoints in the low two bits of TOS
const (
	ecnMask uint8 = 0x03
	ecnECT0 uint8 = 0x02
	ecnCE   uint8 = 0x03
)

// noPathTag means the packet is not source routed
const noPathTag = -1

// Packet is one application datagram in flight
type Packet struct {
	SourceID uint32  // tag identifying the sending application, survives to the sink
	Seq      uint32  // per-source sequence number, used by resequencing
	Size     int     // payload bytes
	SentAt   float64 // simulation time the source emitted it
	PathTag  int     // uplink choice stamped by a source-resident routing strategy
	Flowcell int     // flowcell (or flowlet) index the source put the packet in

	IP  layers.IPv4
	UDP layers.UDP

	src, dst netip.Addr
}

// createPacket is a constructor for a packet not yet addressed
func createPacket(sourceID uint32, seq uint32, size int, now float64) *Packet {
	pckt := new(Packet)
	pckt.SourceID = sourceID
	pckt.Seq = seq
	pckt.Size = size
	pckt.SentAt = now
	pckt.PathTag = noPathTag
	pckt.IP = layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP}
	pckt.IP.Length = uint16(min(size+headerLen, 0xffff))
	pckt.UDP.Length = uint16(min(size+8, 0xffff))
	return pckt
}

// address fills in the IP and UDP header addressing
func (p *Packet) address(src, dst netip.AddrPort) {
	p.src = src.Addr()
	p.dst = dst.Addr()
	p.IP.SrcIP = p.src.AsSlice()
	p.IP.DstIP = p.dst.AsSlice()
	p.UDP.SrcPort = layers.UDPPort(src.Port())
	p.UDP.DstPort = layers.UDPPort(dst.Port())
}

// Src is the source address
func (p *Packet) Src() netip.Addr { return p.src }

// Dst is the destination address
func (p *Packet) Dst() netip.Addr { return p.dst }

// WireSize is the number of bytes serialized onto a link
func (p *Packet) WireSize() int {
	return p.Size + headerLen
}

// DSCP is the differentiated services codepoint, used for delay classification
func (p *Packet) DSCP() uint8 {
	return p.IP.TOS >> 2
}

// setDSCP replaces the DSCP bits, leaving ECN alone
func (p *Packet) setDSCP(dscp uint8) {
	p.IP.TOS = (dscp << 2) | (p.IP.TOS & ecnMask)
}

// ECNCapable reports whether the sender set ECT
func (p *Packet) ECNCapable() bool {
	return p.IP.TOS&ecnMask != 0
}

// setECT marks the packet as ECN capable
func (p *Packet) setECT() {
	p.IP.TOS = (p.IP.TOS &^ ecnMask) | ecnECT0
}

// CE reports whether congestion was experienced
func (p *Packet) CE() bool {
	return p.IP.TOS&ecnMask == ecnCE
}

// markCE sets congestion experienced
func (p *Packet) markCE() {
	p.IP.TOS |= ecnCE
}

// FlowKey is the five-tuple identity of a flow
type FlowKey struct {
	Src, Dst         netip.Addr
	SrcPort, DstPort uint16
	Proto            uint8
}

// Flow returns the five-tuple of the packet
func (p *Packet) Flow() FlowKey {
	return FlowKey{Src: p.src, Dst: p.dst, SrcPort: uint16(p.UDP.SrcPort),
		DstPort: uint16(p.UDP.DstPort), Proto: uint8(p.IP.Protocol)}
}

// Hash hashes the five-tuple together with a salt; a switch uses its own id as salt
// so that neighbouring tiers do not make correlated choices
func (fk FlowKey) Hash(salt uint64) uint64 {
	var buf [16 + 16 + 2 + 2 + 1 + 8]byte
	src := fk.Src.As16()
	dst := fk.Dst.As16()
	copy(buf[0:16], src[:])
	copy(buf[16:32], dst[:])
	binary.BigEndian.PutUint16(buf[32:34], fk.SrcPort)
	binary.BigEndian.PutUint16(buf[34:36], fk.DstPort)
	buf[36] = fk.Proto
	binary.BigEndian.PutUint64(buf[37:45], salt)
	return xxhash.Sum64(buf[:])
}
