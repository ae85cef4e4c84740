package rttvar

// transport.go is the host side of the fabric: each server has a hostStack
// that hands out endpoints, demultiplexes arriving packets by destination
// port, and injects outgoing packets into the server's router.

import (
	"fmt"
	log "github.com/sirupsen/logrus"
	"net/netip"
)

// TransportKind is the base type for an enumerated type of transport protocols
type TransportKind int

const (
	TransportUdp TransportKind = iota
	TransportTcp
	TransportDcTcp
)

// String returns the name used on the command line
func (tk TransportKind) String() string {
	switch tk {
	case TransportUdp:
		return "Udp"
	case TransportTcp:
		return "Tcp"
	case TransportDcTcp:
		return "DcTcp"
	}
	return "Unknown"
}

// ParseTransport maps a command-line protocol name to its TransportKind
func ParseTransport(name string) (TransportKind, error) {
	switch name {
	case "Udp":
		return TransportUdp, nil
	case "Tcp":
		return TransportTcp, nil
	case "DcTcp":
		return TransportDcTcp, nil
	}
	return TransportUdp, fmt.Errorf("%w: %q (expected Tcp, DcTcp or Udp)", ErrUnknownTransport, name)
}

// ecnCapable reports whether packets carried by this transport set ECT
func (tk TransportKind) ecnCapable() bool {
	return tk == TransportTcp || tk == TransportDcTcp
}

// Endpoint is what a traffic source sends through
type Endpoint interface {
	Bind() error
	Connect(peer netip.AddrPort) error
	Send(pckt *Packet) error
	Close() error
}

// Receiver takes delivery of packets addressed to a listening port
type Receiver interface {
	Receive(sched Scheduler, pckt *Packet)
}

// HostStack is the transport layer of a server as applications see it
type HostStack interface {
	Addr() netip.Addr
	Listen(portNum uint16, rcv Receiver) error
	CreateEndpoint() Endpoint
	CloseAll()
}

// first port handed out to an endpoint bound without an explicit port
const firstEphemeralPort uint16 = 49153

// hostStack is the transport layer of one server
type hostStack struct {
	node      *Node
	kind      TransportKind
	listeners map[uint16]Receiver
	inUse     map[uint16]bool
	nxtPort   uint16
	endpts    []*datagramEndpoint
}

func createHostStack(node *Node, kind TransportKind) *hostStack {
	hs := &hostStack{node: node, kind: kind, nxtPort: firstEphemeralPort}
	hs.listeners = make(map[uint16]Receiver)
	hs.inUse = make(map[uint16]bool)
	return hs
}

// Addr is the server's address, that of its only link
func (hs *hostStack) Addr() netip.Addr {
	if len(hs.node.ports) == 0 {
		return netip.Addr{}
	}
	return hs.node.ports[0].addr
}

// Listen attaches a receiver to a port
func (hs *hostStack) Listen(portNum uint16, rcv Receiver) error {
	if hs.inUse[portNum] {
		return fmt.Errorf("port %d already in use at %s", portNum, hs.node.name)
	}
	hs.inUse[portNum] = true
	hs.listeners[portNum] = rcv
	return nil
}

// CreateEndpoint returns an unbound endpoint on this stack
func (hs *hostStack) CreateEndpoint() Endpoint {
	ep := &datagramEndpoint{stack: hs}
	hs.endpts = append(hs.endpts, ep)
	return ep
}

// CloseAll closes every endpoint created on the stack that is still open
func (hs *hostStack) CloseAll() {
	for _, ep := range hs.endpts {
		if !ep.closed {
			ep.Close()
		}
	}
}

func (hs *hostStack) allocPort() (uint16, error) {
	for tries := 0; tries < 1<<14; tries++ {
		portNum := hs.nxtPort
		hs.nxtPort += 1
		if hs.nxtPort == 0 {
			hs.nxtPort = firstEphemeralPort
		}
		if !hs.inUse[portNum] {
			hs.inUse[portNum] = true
			return portNum, nil
		}
	}
	return 0, fmt.Errorf("no ephemeral port left at %s", hs.node.name)
}

// deliver hands an arriving packet to whoever listens on its destination port
func (hs *hostStack) deliver(sched Scheduler, pckt *Packet) {
	rcv, present := hs.listeners[uint16(pckt.UDP.DstPort)]
	if !present {
		log.WithFields(log.Fields{"node": hs.node.name, "port": pckt.UDP.DstPort}).Debug("no listener, packet dropped")
		hs.node.fabric.observer.PacketDropped(sched.Now(), pckt, hs.node.name)
		return
	}
	hs.node.fabric.observer.PacketReceived(sched.Now(), pckt)
	rcv.Receive(sched, pckt)
}

// inject starts an outgoing packet on its way
func (hs *hostStack) inject(pckt *Packet) {
	fab := hs.node.fabric
	if hs.kind.ecnCapable() {
		pckt.setECT()
	}
	fab.observer.PacketSent(fab.sched.Now(), pckt)
	hs.node.forward(fab.sched, pckt)
}

// datagramEndpoint is a connected datagram socket on a hostStack
type datagramEndpoint struct {
	stack     *hostStack
	local     netip.AddrPort
	peer      netip.AddrPort
	bound     bool
	connected bool
	closed    bool
}

// Bind takes an ephemeral port
func (ep *datagramEndpoint) Bind() error {
	if ep.closed {
		return fmt.Errorf("bind on closed endpoint")
	}
	if ep.bound {
		return nil
	}
	portNum, err := ep.stack.allocPort()
	if err != nil {
		return err
	}
	ep.local = netip.AddrPortFrom(ep.stack.Addr(), portNum)
	ep.bound = true
	return nil
}

// Connect fixes the destination of every later Send
func (ep *datagramEndpoint) Connect(peer netip.AddrPort) error {
	if ep.closed {
		return fmt.Errorf("connect on closed endpoint")
	}
	if !ep.bound {
		if err := ep.Bind(); err != nil {
			return err
		}
	}
	ep.peer = peer
	ep.connected = true
	return nil
}

// Send addresses the packet and injects it into the fabric
func (ep *datagramEndpoint) Send(pckt *Packet) error {
	if ep.closed || !ep.connected {
		return fmt.Errorf("send on endpoint that is not connected")
	}
	pckt.address(ep.local, ep.peer)
	ep.stack.inject(pckt)
	return nil
}

// Close releases the local port.  Closing twice is harmless
func (ep *datagramEndpoint) Close() error {
	if ep.closed {
		return nil
	}
	ep.closed = true
	if ep.bound {
		delete(ep.stack.inUse, ep.local.Port())
	}
	return nil
}
