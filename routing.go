package rttvar

// routing.go holds the routing modes and the RoutingPolicySelector that
// installs one of them on a built fabric.
//
// Every mode is one row of the variants table: whether servers stamp path
// tags (and with which source strategy), which strategy the switches run,
// and what the topology must look like for the mode to make sense.  The
// per-packet code never looks at the mode again once the routers are built.

import (
	"fmt"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"math"
	"net/netip"
)

// RunMode is the base type for the enumerated type of routing modes
type RunMode int

const (
	TLB RunMode = iota
	CONGA
	CONGAFlow
	CONGAECMP
	Presto
	WeightedPresto
	DRB
	FlowBender
	ECMP
	Clove
	DRILL
	LetFlow
)

var runModeNames = []string{"TLB", "CONGA", "CONGA_FLOW", "CONGA_ECMP", "PRESTO",
	"WEIGHTED_PRESTO", "DRB", "FlowBender", "ECMP", "Clove", "DRILL", "LetFlow"}

// String returns the name used on the command line
func (rm RunMode) String() string {
	if rm < 0 || int(rm) >= len(runModeNames) {
		return "Unknown"
	}
	return runModeNames[rm]
}

// ParseRunMode maps a command-line name to its RunMode
func ParseRunMode(name string) (RunMode, error) {
	idx := slices.Index(runModeNames, name)
	if idx < 0 {
		return ECMP, fmt.Errorf("%w: %q", ErrUnknownRunMode, name)
	}
	return RunMode(idx), nil
}

// RunModes lists every routing mode
func RunModes() []RunMode {
	modes := make([]RunMode, len(runModeNames))
	for idx := range modes {
		modes[idx] = RunMode(idx)
	}
	return modes
}

// variantDef is one row of the variants table
type variantDef struct {
	sourceRouted bool
	newSource    func(sc *strategyContext) sourceStrategy
	newSwitch    func(sc *strategyContext) multipathStrategy
	singleLink   bool // needs exactly one link per leaf/spine pair
	asymmetric   bool // needs an asymmetric topology
}

func newECMP(sc *strategyContext) multipathStrategy {
	return &ecmpStrategy{salt: sc.salt}
}

func newFlowlet(pick flowletPick) func(sc *strategyContext) multipathStrategy {
	return func(sc *strategyContext) multipathStrategy {
		return &flowletStrategy{timeout: float64(sc.cfg.FlowletTimeout) * 1e-6, pick: pick,
			salt: sc.salt, rng: sc.rng, table: make(map[FlowKey]*flowletEntry)}
	}
}

func newLeafMap(sc *strategyContext) leafMap {
	return leafMap{myLeaf: sc.node.fabric.LeafOf(sc.node), leafOf: make(map[netip.Addr]int)}
}

var variants = map[RunMode]variantDef{
	ECMP:      {newSwitch: newECMP},
	CONGA:     {newSwitch: newFlowlet(pickLeastLoaded)},
	CONGAECMP: {newSwitch: newFlowlet(pickHash)},
	LetFlow:   {newSwitch: newFlowlet(pickRandom)},
	CONGAFlow: {newSwitch: func(sc *strategyContext) multipathStrategy {
		return &flowPinStrategy{table: make(map[FlowKey]*port)}
	}},
	DRILL: {newSwitch: func(sc *strategyContext) multipathStrategy {
		return &drillStrategy{rng: sc.rng, memory: make(map[*port]*port)}
	}},
	TLB: {newSwitch: func(sc *strategyContext) multipathStrategy {
		return &tlbStrategy{threshold: tlbRerouteBacklog, table: make(map[FlowKey]*port)}
	}},
	FlowBender: {newSwitch: func(sc *strategyContext) multipathStrategy {
		return &flowBenderStrategy{salt: sc.salt, threshold: flowBenderMarkFraction, bumps: make(map[FlowKey]uint64)}
	}},
	Presto: {sourceRouted: true, singleLink: true, newSwitch: newECMP,
		newSource: func(sc *strategyContext) sourceStrategy {
			return &prestoSource{leafMap: newLeafMap(sc), cellSize: sc.cfg.FlowcellSize, paths: sc.paths,
				salt: sc.salt, flows: make(map[FlowKey]*cellState)}
		}},
	DRB: {sourceRouted: true, singleLink: true, newSwitch: newECMP,
		newSource: func(sc *strategyContext) sourceStrategy {
			return &drbSource{leafMap: newLeafMap(sc), paths: sc.paths, next: make(map[FlowKey]int)}
		}},
	WeightedPresto: {sourceRouted: true, asymmetric: true,
		newSwitch: func(sc *strategyContext) multipathStrategy {
			return &weightedStrategy{salt: sc.salt, weights: make(map[netip.Addr][]float64),
				credit: make(map[netip.Addr][]float64)}
		},
		newSource: func(sc *strategyContext) sourceStrategy {
			return &weightedPrestoSource{leafMap: newLeafMap(sc), cellSize: sc.cfg.FlowcellSize,
				weights: make(map[int][]float64), credit: make(map[int][]float64),
				flows: make(map[FlowKey]*cellState)}
		}},
	Clove: {sourceRouted: true, newSwitch: newECMP,
		newSource: func(sc *strategyContext) sourceStrategy {
			return &cloveSource{leafMap: newLeafMap(sc), timeout: float64(sc.cfg.FlowletTimeout) * 1e-6,
				paths: sc.paths, rng: sc.rng, flows: make(map[FlowKey]*cloveFlow)}
		}},
}

// CheckPreconditions returns an ErrPrecondition error when the topology the
// configuration describes does not suit the mode
func (rm RunMode) CheckPreconditions(cfg *Config) error {
	vs, present := variants[rm]
	if !present {
		return fmt.Errorf("%w: %d", ErrUnknownRunMode, rm)
	}
	if vs.singleLink && cfg.LinkCount != 1 {
		return fmt.Errorf("%w: %s needs linkCount 1, have %d", ErrPrecondition, rm, cfg.LinkCount)
	}
	if vs.asymmetric && (!cfg.AsymCapacity || cfg.AsymCapacityRatio == 1.0) {
		return fmt.Errorf("%w: %s needs an asymmetric topology", ErrPrecondition, rm)
	}
	return nil
}

// routeEntry is the candidate set for one destination
type routeEntry struct {
	ports  []*port
	uplink bool // candidates lead from a leaf up to the spines
}

// switchRouter forwards at a leaf or spine
type switchRouter struct {
	node       *Node
	routes     map[netip.Addr]*routeEntry
	strategy   multipathStrategy
	honourTags bool
}

func (sr *switchRouter) nextPort(pckt *Packet, now float64) *port {
	entry, present := sr.routes[pckt.Dst()]
	if !present || len(entry.ports) == 0 {
		return nil
	}
	if len(entry.ports) == 1 {
		return entry.ports[0]
	}
	if sr.honourTags && entry.uplink && pckt.PathTag != noPathTag {
		return entry.ports[pckt.PathTag%len(entry.ports)]
	}
	return sr.strategy.selectPort(pckt, entry.ports, now)
}

// serverRouter sends everything out the server's only port, after the
// source strategy (if any) has stamped the packet
type serverRouter struct {
	node   *Node
	def    *port
	source sourceStrategy
}

func (sr *serverRouter) nextPort(pckt *Packet, now float64) *port {
	if sr.source != nil && sr.node.owns(pckt.Src()) {
		sr.source.stamp(pckt, now)
	}
	return sr.def
}

// RoutingPolicySelector installs a routing mode's routers on a fabric
type RoutingPolicySelector struct {
	mode   RunMode
	def    variantDef
	cfg    *Config
	fabric *Fabric
	graph  *routeGraph
}

// CreateRoutingPolicySelector is a constructor.  It fails when the mode is
// unknown or its preconditions do not hold, before anything is built
func CreateRoutingPolicySelector(cfg *Config) (*RoutingPolicySelector, error) {
	mode, err := ParseRunMode(cfg.RunMode)
	if err != nil {
		return nil, err
	}
	if err := mode.CheckPreconditions(cfg); err != nil {
		return nil, err
	}
	return &RoutingPolicySelector{mode: mode, def: variants[mode], cfg: cfg}, nil
}

// Mode is the routing mode being installed
func (sel *RoutingPolicySelector) Mode() RunMode {
	return sel.mode
}

// Install builds a router for every node of the fabric
func (sel *RoutingPolicySelector) Install(fab *Fabric) error {
	if fab == nil || !fab.addressed {
		return ErrNotAddressed
	}
	sel.fabric = fab
	sel.graph = buildRouteGraph(fab)
	if err := sel.graph.checkConnections(); err != nil {
		return err
	}
	paths := sel.cfg.SpineCount * sel.cfg.LinkCount

	switches := append(append([]*Node{}, fab.Leaves...), fab.Spines...)
	for _, node := range switches {
		sc := sel.strategyContext(node, paths)
		router := &switchRouter{node: node, routes: make(map[netip.Addr]*routeEntry),
			strategy: sel.def.newSwitch(sc), honourTags: sel.def.sourceRouted}
		node.router = router

		for _, server := range fab.Servers {
			cands := sel.graph.equalCostPorts(node, server)
			uplink := node.role == RoleLeaf && len(cands) > 0 && cands[0].peer.node.role == RoleSpine
			if err := sel.AddRoute(node, fab.ServerAddr(server.index), cands, uplink); err != nil {
				return err
			}
		}
		if wt, ok := router.strategy.(weightedTable); ok {
			for _, server := range fab.Servers {
				dst := fab.ServerAddr(server.index)
				wt.setWeights(dst, sel.weightsFor(router.routes[dst].ports, server))
			}
		}
	}

	for _, server := range fab.Servers {
		router := &serverRouter{node: server, def: server.ports[0]}
		server.router = router
		if !sel.def.sourceRouted {
			continue
		}
		router.source = sel.def.newSource(sel.strategyContext(server, paths))
		for _, other := range fab.Servers {
			if other == server {
				continue
			}
			if err := sel.AddAddressMapping(server, fab.ServerAddr(other.index), fab.LeafOf(other)); err != nil {
				return err
			}
		}
		if wps, ok := router.source.(*weightedPrestoSource); ok {
			sel.installLeafWeights(server, wps)
		}
	}

	if log.IsLevelEnabled(log.DebugLevel) {
		first, last := fab.Servers[0], fab.Servers[len(fab.Servers)-1]
		log.WithFields(log.Fields{"path": sel.graph.showPath(first, last)}).Debug("sample shortest path")
	}
	log.WithFields(log.Fields{"mode": sel.mode.String(), "paths": paths}).Info("routing installed")
	return nil
}

func (sel *RoutingPolicySelector) strategyContext(node *Node, paths int) *strategyContext {
	return &strategyContext{cfg: sel.cfg, node: node, salt: uint64(node.id) + 1,
		rng: newUniformSource(node.name, sel.cfg.RandomSeed), paths: paths}
}

// AddRoute sets the candidate ports a switch uses toward a destination address
func (sel *RoutingPolicySelector) AddRoute(node *Node, dst netip.Addr, ports []*port, uplink bool) error {
	if sel.fabric == nil || !sel.fabric.addressed {
		return ErrNotAddressed
	}
	if _, present := sel.fabric.ownerOf(dst); !present {
		return fmt.Errorf("%w: route to %s at %s", ErrUnknownAddress, dst, node.name)
	}
	router, ok := node.router.(*switchRouter)
	if !ok {
		return fmt.Errorf("%s does not forward by route table", node.name)
	}
	for _, pt := range ports {
		if !slices.Contains(node.ports, pt) {
			return fmt.Errorf("route to %s at %s uses a port of another node", dst, node.name)
		}
	}
	router.routes[dst] = &routeEntry{ports: ports, uplink: uplink}
	return nil
}

// AddAddressMapping tells a server's source strategy which leaf an address is under
func (sel *RoutingPolicySelector) AddAddressMapping(server *Node, addr netip.Addr, leaf int) error {
	if sel.fabric == nil || !sel.fabric.addressed {
		return ErrNotAddressed
	}
	if _, present := sel.fabric.ownerOf(addr); !present {
		return fmt.Errorf("%w: mapping %s at %s", ErrUnknownAddress, addr, server.name)
	}
	if leaf < 0 || leaf >= len(sel.fabric.Leaves) {
		return fmt.Errorf("mapping %s at %s names leaf %d, fabric has %d", addr, server.name, leaf, len(sel.fabric.Leaves))
	}
	router, ok := server.router.(*serverRouter)
	if !ok || router.source == nil {
		return nil
	}
	router.source.mapAddress(addr, leaf)
	return nil
}

// pathWeight is the capacity available through pt toward the leaf of server dst:
// the smaller of pt's capacity and the total of the candidates beyond it
func (sel *RoutingPolicySelector) pathWeight(pt *port, dst *Node) float64 {
	dstLeaf := sel.fabric.Leaves[sel.fabric.LeafOf(dst)]
	next := pt.peer.node
	if next == dstLeaf || next == dst {
		return pt.capacity
	}
	beyond := 0.0
	for _, q := range sel.graph.equalCostPorts(next, dst) {
		beyond += sel.pathWeight(q, dst)
	}
	return math.Min(pt.capacity, beyond)
}

func (sel *RoutingPolicySelector) weightsFor(cands []*port, dst *Node) []float64 {
	weights := make([]float64, len(cands))
	for idx, pt := range cands {
		weights[idx] = sel.pathWeight(pt, dst)
	}
	return weights
}

// installLeafWeights gives a weighted source the uplink weights toward every other leaf
func (sel *RoutingPolicySelector) installLeafWeights(server *Node, wps *weightedPrestoSource) {
	fab := sel.fabric
	myLeaf := fab.Leaves[fab.LeafOf(server)]
	for leafIdx := range fab.Leaves {
		if leafIdx == wps.myLeaf {
			continue
		}
		target := fab.Servers[leafIdx*sel.cfg.ServerCount]
		uplinks := sel.graph.equalCostPorts(myLeaf, target)
		wps.setLeafWeights(leafIdx, sel.weightsFor(uplinks, target))
	}
}
