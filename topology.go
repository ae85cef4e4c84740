package rttvar

// topology.go builds the spine-leaf fabric: H servers under each of L leaves,
// every leaf joined to each of S spines by C parallel links.  For every link,
// in this order, the link is created, both ends get an address from a fresh
// /24, and both ends get a queue policy: the server end of a server link
// gets the host delay-class policy, every switch end gets the configured AQM.

import (
	"fmt"
	log "github.com/sirupsen/logrus"
	"net/netip"
)

// first subnet handed out
var baseSubnet = netip.MustParsePrefix("10.1.0.0/24")

// Fabric is the product of BuildFabric.  It owns every node, link and queue policy
type Fabric struct {
	cfg      *Config
	sched    Scheduler
	observer FlowObserver
	aqm      QueueKind
	trnsprt  TransportKind

	Servers []*Node
	Leaves  []*Node
	Spines  []*Node
	Links   []*Link

	nodes     []*Node // indexed by node id
	alloc     *AddressAllocator
	addrOwner map[netip.Addr]*port
	addressed bool
}

// BuildFabric checks the configuration and then builds the fabric it describes.
// Nothing is created when the configuration has a problem
func BuildFabric(cfg *Config, sched Scheduler, observer FlowObserver) (*Fabric, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	aqm, _ := ParseAQM(cfg.AQM)
	trnsprt, _ := ParseTransport(cfg.TransportProt)

	if observer == nil {
		observer = noopObserver{}
	}

	fab := &Fabric{cfg: cfg, sched: sched, observer: observer, aqm: aqm, trnsprt: trnsprt}
	fab.nodes = make([]*Node, 0)
	fab.Links = make([]*Link, 0)
	fab.alloc = CreateAddressAllocator(baseSubnet)
	fab.addrOwner = make(map[netip.Addr]*port)

	for idx := 0; idx < cfg.SpineCount; idx++ {
		fab.Spines = append(fab.Spines, fab.createNode(RoleSpine, idx))
	}
	for idx := 0; idx < cfg.LeafCount; idx++ {
		fab.Leaves = append(fab.Leaves, fab.createNode(RoleLeaf, idx))
	}
	for idx := 0; idx < cfg.LeafCount*cfg.ServerCount; idx++ {
		fab.Servers = append(fab.Servers, fab.createNode(RoleServer, idx))
	}

	latency := float64(cfg.LinkLatency) * 1e-6
	serverCap := float64(cfg.LeafServerCapacity) * LinkCapacityBase

	hostQC := hostQueueConfig(cfg)
	switchQC := switchQueueConfig(cfg, aqm)

	log.Info("configuring servers")
	for i, leaf := range fab.Leaves {
		for j := 0; j < cfg.ServerCount; j++ {
			server := fab.Servers[i*cfg.ServerCount+j]
			fab.connect(server, leaf, serverCap, latency, hostQC, switchQC)
		}
	}

	log.Info("configuring switches")
	for i, leaf := range fab.Leaves {
		for j, spine := range fab.Spines {
			capacity := fab.spineLeafCapacity(i, j)
			for l := 0; l < cfg.LinkCount; l++ {
				fab.connect(leaf, spine, capacity, latency, switchQC, switchQC)
			}
		}
	}
	fab.addressed = true

	log.WithFields(log.Fields{"servers": len(fab.Servers), "leaves": len(fab.Leaves),
		"spines": len(fab.Spines), "links": len(fab.Links)}).Info("fabric built")
	return fab, nil
}

// spineLeafCapacity is the capacity of links between leaf i and spine j, bits per second
func (fab *Fabric) spineLeafCapacity(i, j int) float64 {
	capacity := float64(fab.cfg.SpineLeafCapacity) * LinkCapacityBase
	if fab.cfg.AsymCapacity && i == 0 && j == 0 {
		capacity *= fab.cfg.AsymCapacityRatio
	}
	return capacity
}

// createNode makes a node and registers it under the next id
func (fab *Fabric) createNode(role Role, index int) *Node {
	node := &Node{id: len(fab.nodes), role: role, index: index, fabric: fab}
	switch role {
	case RoleServer:
		node.name = fmt.Sprintf("server-%d", index)
		node.stack = createHostStack(node, fab.trnsprt)
	case RoleLeaf:
		node.name = fmt.Sprintf("leaf-%d", index)
	case RoleSpine:
		node.name = fmt.Sprintf("spine-%d", index)
	}
	node.ports = make([]*port, 0)
	fab.nodes = append(fab.nodes, node)
	return node
}

// connect creates a link between a and b, addresses it, then installs a
// policy built from qcA at a's end and one built from qcB at b's end
func (fab *Fabric) connect(a, b *Node, capacity, latency float64, qcA, qcB QueuePolicyConfig) *Link {
	lnk := &Link{id: len(fab.Links), capacity: capacity, latency: latency}
	ptA := &port{number: len(a.ports), node: a, link: lnk, capacity: capacity, latency: latency}
	ptB := &port{number: len(b.ports), node: b, link: lnk, capacity: capacity, latency: latency}
	ptA.peer, ptB.peer = ptB, ptA
	lnk.ends = [2]*port{ptA, ptB}
	a.ports = append(a.ports, ptA)
	b.ports = append(b.ports, ptB)
	fab.Links = append(fab.Links, lnk)

	lnk.subnet = fab.alloc.NewNetwork()
	for _, pt := range lnk.ends {
		pt.addr = fab.alloc.Assign()
		fab.addrOwner[pt.addr] = pt
	}

	ptA.policy = CreateQueuePolicy(qcA)
	ptB.policy = CreateQueuePolicy(qcB)
	return lnk
}

// Node returns the node with the given id
func (fab *Fabric) Node(id int) *Node {
	if id < 0 || id >= len(fab.nodes) {
		return nil
	}
	return fab.nodes[id]
}

// Nodes lists every node in id order
func (fab *Fabric) Nodes() []*Node {
	return fab.nodes
}

// Addressed reports whether address assignment has completed
func (fab *Fabric) Addressed() bool {
	return fab.addressed
}

// ServerAddr is the address of the server with the given index
func (fab *Fabric) ServerAddr(idx int) netip.Addr {
	return fab.Servers[idx].ports[0].addr
}

// LeafOf returns the index of the leaf a server hangs off
func (fab *Fabric) LeafOf(server *Node) int {
	return server.index / fab.cfg.ServerCount
}

// ownerOf returns the port an address was assigned to
func (fab *Fabric) ownerOf(addr netip.Addr) (*port, bool) {
	pt, present := fab.addrOwner[addr]
	return pt, present
}

// Stats returns total packets transmitted, dropped, and marked over every port
func (fab *Fabric) Stats() (packets, drops, marks int) {
	for _, lnk := range fab.Links {
		for _, pt := range lnk.ends {
			packets += pt.stats.packets
			drops += pt.stats.drops
			marks += pt.stats.marks
		}
	}
	return packets, drops, marks
}
