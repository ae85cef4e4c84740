package rttvar

// net.go contains the run-time representation of the fabric (nodes, links and
// the directed link endpoints called ports) and the event handlers that move
// a packet from one node to the next.
//
// A packet leaving a node is offered to the egress port's QueuePolicy. If
// admitted (possibly after a hold) it waits for the port to be free (FCFS),
// takes size/capacity seconds to serialize, then latency seconds to reach
// the peer port, where the receiving node decides what to do with it.

import (
	log "github.com/sirupsen/logrus"
	"math"
	"net/netip"
)

// Role is the base type for an enumerated type of fabric nodes
type Role int

const (
	RoleServer Role = iota
	RoleLeaf
	RoleSpine
)

// String returns a name for the role
func (r Role) String() string {
	switch r {
	case RoleServer:
		return "Server"
	case RoleLeaf:
		return "Leaf"
	case RoleSpine:
		return "Spine"
	}
	return "Unknown"
}

// forwarder picks the egress port for a packet at a node
type forwarder interface {
	nextPort(pckt *Packet, now float64) *port
}

// Node is a server, a leaf switch or a spine switch
type Node struct {
	id     int
	name   string
	role   Role
	index  int // position among nodes of the same role
	ports  []*port
	fabric *Fabric
	router forwarder
	stack  *hostStack // servers only
}

// ID is unique among all nodes of a fabric
func (node *Node) ID() int { return node.id }

// Name is a readable name, e.g. "leaf-1"
func (node *Node) Name() string { return node.name }

// Role is the tier of the node
func (node *Node) Role() Role { return node.role }

// Index is the position of the node among those with the same role
func (node *Node) Index() int { return node.index }

// Addrs lists one address per attached link, in attachment order
func (node *Node) Addrs() []netip.Addr {
	addrs := make([]netip.Addr, 0, len(node.ports))
	for _, pt := range node.ports {
		addrs = append(addrs, pt.addr)
	}
	return addrs
}

// Stack is the transport layer of a server, nil for switches
func (node *Node) Stack() HostStack {
	if node.stack == nil {
		return nil
	}
	return node.stack
}

// owns reports whether the address belongs to one of the node's ports
func (node *Node) owns(addr netip.Addr) bool {
	for _, pt := range node.ports {
		if pt.addr == addr {
			return true
		}
	}
	return false
}

// receive handles a packet that has fully arrived at the node
func (node *Node) receive(sched Scheduler, pckt *Packet) {
	if node.stack != nil && node.owns(pckt.Dst()) {
		node.stack.deliver(sched, pckt)
		return
	}
	node.forward(sched, pckt)
}

// forward asks the node's router for an egress port and sends the packet there
func (node *Node) forward(sched Scheduler, pckt *Packet) {
	if node.router == nil {
		panic("packet forwarded at " + node.name + " before routing was installed")
	}
	out := node.router.nextPort(pckt, sched.Now())
	if out == nil {
		log.WithFields(log.Fields{"node": node.name, "dst": pckt.Dst()}).Debug("no route, packet dropped")
		node.fabric.observer.PacketDropped(sched.Now(), pckt, node.name)
		return
	}
	out.send(sched, pckt)
}

// Link joins two nodes.  Each direction has its own port and its own QueuePolicy
type Link struct {
	id       int
	subnet   netip.Prefix
	capacity float64 // bits per second
	latency  float64 // seconds
	ends     [2]*port
}

// ID is unique among the links of a fabric
func (lnk *Link) ID() int { return lnk.id }

// Subnet is the /24 the link's two addresses come from
func (lnk *Link) Subnet() netip.Prefix { return lnk.subnet }

// Capacity in bits per second
func (lnk *Link) Capacity() float64 { return lnk.capacity }

// Ends returns the nodes at the two ends, in the order the link was created
func (lnk *Link) Ends() (*Node, *Node) {
	return lnk.ends[0].node, lnk.ends[1].node
}

// Policies returns the queue policies of the two ends, in the order the link was created
func (lnk *Link) Policies() (QueuePolicy, QueuePolicy) {
	return lnk.ends[0].policy, lnk.ends[1].policy
}

// Addrs returns the addresses of the two ends, in the order the link was created
func (lnk *Link) Addrs() (netip.Addr, netip.Addr) {
	return lnk.ends[0].addr, lnk.ends[1].addr
}

// portStats counts what happened at an egress port
type portStats struct {
	packets int
	bytes   int64
	drops   int
	marks   int
	markAvg float64 // moving average of the fraction of packets marked
}

// port is one end of a link, the egress point of its node onto that link
type port struct {
	number   int
	node     *Node
	peer     *port
	link     *Link
	addr     netip.Addr
	capacity float64
	latency  float64
	policy   QueuePolicy
	empties  float64   // time when the port can start serializing another packet
	departs  []float64 // completion times of accepted packets not yet serialized
	stats    portStats
}

// backlog is the number of packets accepted and not yet fully serialized
func (pt *port) backlog(now float64) int {
	idx := 0
	for idx < len(pt.departs) && pt.departs[idx] <= now {
		idx++
	}
	if idx > 0 {
		pt.departs = pt.departs[idx:]
	}
	return len(pt.departs)
}

// sojourn is how long a packet arriving now waits before serialization starts
func (pt *port) sojourn(now float64) float64 {
	return math.Max(0.0, pt.empties-now)
}

// send offers a packet to the port
func (pt *port) send(sched Scheduler, pckt *Packet) {
	enterEgressPort(sched, pt, pckt)
}

// update the moving average of marked packets, used by mark-sensitive routing
func (pt *port) noteMark(marked bool) {
	sample := 0.0
	if marked {
		sample = 1.0
	}
	pt.stats.markAvg = 0.9*pt.stats.markAvg + 0.1*sample
}

// enterEgressPort implements the event handler for a packet reaching an egress port.
// The queue policy is consulted with the port's state as it is now
func enterEgressPort(sched Scheduler, context any, data any) any {
	pt := context.(*port)
	pckt := data.(*Packet)
	now := sched.Now()

	qs := QueueState{Backlog: pt.backlog(now), Sojourn: pt.sojourn(now)}
	verdict := pt.policy.Admit(now, pckt, qs)

	// a mark on a packet that cannot carry it is a drop
	if verdict.Mark && !pckt.ECNCapable() {
		verdict.Drop = true
	}
	if verdict.Drop {
		pt.stats.drops += 1
		pt.node.fabric.observer.PacketDropped(now, pckt, pt.node.name)
		return nil
	}
	if verdict.Mark {
		pckt.markCE()
		pt.stats.marks += 1
	}
	pt.noteMark(verdict.Mark)

	if verdict.Hold > 0.0 {
		sched.Schedule(pt, pckt, transmitPckt, verdict.Hold)
		return nil
	}
	transmitPckt(sched, pt, pckt)
	return nil
}

// transmitPckt puts an admitted packet in the FCFS line of the port and schedules
// its arrival at the far end of the link
func transmitPckt(sched Scheduler, context any, data any) any {
	pt := context.(*port)
	pckt := data.(*Packet)
	now := sched.Now()

	enterTime := math.Max(now, pt.empties)
	txTime := float64(pckt.WireSize()*8) / pt.capacity
	pt.empties = enterTime + txTime
	pt.departs = append(pt.departs, pt.empties)

	pt.stats.packets += 1
	pt.stats.bytes += int64(pckt.WireSize())

	sched.Schedule(pt.peer, pckt, arriveIngressPort, pt.empties-now+pt.latency)
	return nil
}

// arriveIngressPort implements the event handler for the last bit of a packet
// arriving at the port on the far end of a link
func arriveIngressPort(sched Scheduler, context any, data any) any {
	pt := context.(*port)
	pckt := data.(*Packet)
	pt.node.receive(sched, pckt)
	return nil
}
