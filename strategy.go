package rttvar

// strategy.go holds the load-balancing strategies the routing modes are built from.
//
// A switch strategy picks one port out of the equal-cost candidates for a
// packet.  A source strategy runs on a server and stamps a path tag on each
// outgoing packet; the leaf above the server then takes the uplink the tag
// names instead of asking its own strategy.

import (
	"golang.org/x/exp/slices"
	"net/netip"
)

// multipathStrategy chooses among equal-cost egress ports at a switch
type multipathStrategy interface {
	selectPort(pckt *Packet, cands []*port, now float64) *port
}

// sourceStrategy stamps the uplink choice into packets leaving a server
type sourceStrategy interface {
	stamp(pckt *Packet, now float64)
	mapAddress(addr netip.Addr, leaf int)
}

// weightedTable is implemented by strategies whose choices follow per-destination weights
type weightedTable interface {
	setWeights(dst netip.Addr, weights []float64)
}

// strategyContext carries what a strategy constructor may need
type strategyContext struct {
	cfg   *Config
	node  *Node
	salt  uint64
	rng   uniformSource
	paths int // uplinks per leaf
}

// leastLoaded returns the candidate with the shortest wait, the first one on ties
func leastLoaded(cands []*port, now float64) *port {
	best := cands[0]
	bestWait := best.sojourn(now)
	for _, pt := range cands[1:] {
		if wait := pt.sojourn(now); wait < bestWait {
			best, bestWait = pt, wait
		}
	}
	return best
}

// hashPick maps a flow onto the candidates
func hashPick(pckt *Packet, cands []*port, salt uint64) *port {
	return cands[pckt.Flow().Hash(salt)%uint64(len(cands))]
}

// smoothPick is smooth weighted round robin: every entry earns its weight
// in credit, the richest is chosen and pays back the total
func smoothPick(weights, credit []float64) int {
	total := 0.0
	best := -1
	for idx, w := range weights {
		credit[idx] += w
		total += w
		if best < 0 || credit[idx] > credit[best] {
			best = idx
		}
	}
	credit[best] -= total
	return best
}

// ecmpStrategy hashes the five-tuple
type ecmpStrategy struct {
	salt uint64
}

func (es *ecmpStrategy) selectPort(pckt *Packet, cands []*port, now float64) *port {
	return hashPick(pckt, cands, es.salt)
}

// flowPinStrategy binds each flow to the least loaded candidate when its first packet is seen
type flowPinStrategy struct {
	table map[FlowKey]*port
}

func (fps *flowPinStrategy) selectPort(pckt *Packet, cands []*port, now float64) *port {
	key := pckt.Flow()
	if pt, present := fps.table[key]; present && slices.Contains(cands, pt) {
		return pt
	}
	pt := leastLoaded(cands, now)
	fps.table[key] = pt
	return pt
}

// flowletPick is how a new flowlet chooses its port
type flowletPick int

const (
	pickHash flowletPick = iota
	pickRandom
	pickLeastLoaded
)

type flowletEntry struct {
	pt    *port
	last  float64
	count uint64
}

// flowletStrategy keeps a flow on its port while packets keep coming closer than
// timeout apart; after a longer gap the next packet starts a new flowlet, which
// chooses afresh
type flowletStrategy struct {
	timeout float64
	pick    flowletPick
	salt    uint64
	rng     uniformSource
	table   map[FlowKey]*flowletEntry
}

func (fs *flowletStrategy) selectPort(pckt *Packet, cands []*port, now float64) *port {
	key := pckt.Flow()
	entry, present := fs.table[key]
	if present && now-entry.last < fs.timeout && slices.Contains(cands, entry.pt) {
		entry.last = now
		return entry.pt
	}
	if !present {
		entry = new(flowletEntry)
		fs.table[key] = entry
	} else {
		entry.count += 1
	}

	switch fs.pick {
	case pickHash:
		entry.pt = hashPick(pckt, cands, fs.salt+entry.count)
	case pickRandom:
		entry.pt = cands[randomIndex(fs.rng, len(cands))]
	case pickLeastLoaded:
		entry.pt = leastLoaded(cands, now)
	}
	entry.last = now
	return entry.pt
}

// drillStrategy decides per packet: two random samples plus the best port
// of the previous decision, shortest backlog wins
type drillStrategy struct {
	rng    uniformSource
	memory map[*port]*port // keyed by the first candidate of the set
}

func (ds *drillStrategy) selectPort(pckt *Packet, cands []*port, now float64) *port {
	if len(cands) == 1 {
		return cands[0]
	}
	best := cands[randomIndex(ds.rng, len(cands))]
	other := cands[randomIndex(ds.rng, len(cands))]
	if other.backlog(now) < best.backlog(now) {
		best = other
	}
	if remembered, present := ds.memory[cands[0]]; present && remembered.backlog(now) < best.backlog(now) {
		best = remembered
	}
	ds.memory[cands[0]] = best
	return best
}

// tlbStrategy pins a flow to the least loaded port and moves it when the
// pinned port's backlog grows past threshold
type tlbStrategy struct {
	threshold int
	table     map[FlowKey]*port
}

// backlog (packets) above which a flow is moved
const tlbRerouteBacklog = 16

func (ts *tlbStrategy) selectPort(pckt *Packet, cands []*port, now float64) *port {
	key := pckt.Flow()
	pt, present := ts.table[key]
	if present && slices.Contains(cands, pt) && pt.backlog(now) <= ts.threshold {
		return pt
	}
	pt = leastLoaded(cands, now)
	ts.table[key] = pt
	return pt
}

// flowBenderStrategy hashes like ECMP, but moves a flow to another hash
// when the port it lands on marks more than threshold of its packets
type flowBenderStrategy struct {
	salt      uint64
	threshold float64
	bumps     map[FlowKey]uint64
}

// fraction of marked packets above which FlowBender rehashes
const flowBenderMarkFraction = 0.05

func (fbs *flowBenderStrategy) selectPort(pckt *Packet, cands []*port, now float64) *port {
	key := pckt.Flow()
	pt := hashPick(pckt, cands, fbs.salt+fbs.bumps[key])
	if len(cands) > 1 && pt.stats.markAvg > fbs.threshold {
		fbs.bumps[key] += 1
		pt = hashPick(pckt, cands, fbs.salt+fbs.bumps[key])
	}
	return pt
}

// weightedStrategy spreads packets for a destination over the candidates in
// proportion to configured weights, falling back on hashing when none are set
type weightedStrategy struct {
	salt    uint64
	weights map[netip.Addr][]float64
	credit  map[netip.Addr][]float64
}

func (ws *weightedStrategy) setWeights(dst netip.Addr, weights []float64) {
	ws.weights[dst] = weights
	ws.credit[dst] = make([]float64, len(weights))
}

func (ws *weightedStrategy) selectPort(pckt *Packet, cands []*port, now float64) *port {
	weights, present := ws.weights[pckt.Dst()]
	if !present || len(weights) != len(cands) {
		return hashPick(pckt, cands, ws.salt)
	}
	return cands[smoothPick(weights, ws.credit[pckt.Dst()])]
}

// leafMap records which leaf each destination server hangs off
type leafMap struct {
	myLeaf int
	leafOf map[netip.Addr]int
}

func (lm *leafMap) mapAddress(addr netip.Addr, leaf int) {
	lm.leafOf[addr] = leaf
}

// remote reports whether the destination is under another leaf, and which
func (lm *leafMap) remote(dst netip.Addr) (int, bool) {
	leaf, present := lm.leafOf[dst]
	return leaf, present && leaf != lm.myLeaf
}

type cellState struct {
	bytes int
	cell  int
	path  int
}

// prestoSource cuts each flow into flowcells of cellSize bytes and sends
// consecutive flowcells over consecutive uplinks
type prestoSource struct {
	leafMap
	cellSize int
	paths    int
	salt     uint64
	flows    map[FlowKey]*cellState
}

// advance adds a packet to the flow's current cell, opening a new cell when
// it does not fit.  Returns true when a new cell was opened
func advance(st *cellState, size, cellSize int) bool {
	if st.bytes > 0 && st.bytes+size > cellSize {
		st.cell += 1
		st.bytes = size
		return true
	}
	st.bytes += size
	return false
}

func (ps *prestoSource) stamp(pckt *Packet, now float64) {
	if _, isRemote := ps.remote(pckt.Dst()); !isRemote {
		return
	}
	key := pckt.Flow()
	st, present := ps.flows[key]
	if !present {
		st = &cellState{path: int(key.Hash(ps.salt) % uint64(ps.paths))}
		ps.flows[key] = st
	}
	if advance(st, pckt.Size, ps.cellSize) {
		st.path = (st.path + 1) % ps.paths
	}
	pckt.Flowcell = st.cell
	pckt.PathTag = st.path
}

// drbSource sends consecutive packets of a flow over consecutive uplinks
type drbSource struct {
	leafMap
	paths int
	next  map[FlowKey]int
}

func (ds *drbSource) stamp(pckt *Packet, now float64) {
	if _, isRemote := ds.remote(pckt.Dst()); !isRemote {
		return
	}
	key := pckt.Flow()
	pckt.PathTag = ds.next[key] % ds.paths
	ds.next[key] += 1
}

// weightedPrestoSource is PRESTO with each new flowcell's uplink chosen by
// weighted round robin, using weights that depend on the destination leaf
type weightedPrestoSource struct {
	leafMap
	cellSize int
	weights  map[int][]float64
	credit   map[int][]float64
	flows    map[FlowKey]*cellState
}

func (wps *weightedPrestoSource) setLeafWeights(leaf int, weights []float64) {
	wps.weights[leaf] = weights
	wps.credit[leaf] = make([]float64, len(weights))
}

func (wps *weightedPrestoSource) stamp(pckt *Packet, now float64) {
	leaf, isRemote := wps.remote(pckt.Dst())
	if !isRemote {
		return
	}
	weights, present := wps.weights[leaf]
	if !present {
		return
	}
	key := pckt.Flow()
	st, present := wps.flows[key]
	if !present {
		st = &cellState{path: smoothPick(weights, wps.credit[leaf])}
		wps.flows[key] = st
	} else if advance(st, pckt.Size, wps.cellSize) {
		st.path = smoothPick(weights, wps.credit[leaf])
	}
	if !present {
		st.bytes = pckt.Size
	}
	pckt.Flowcell = st.cell
	pckt.PathTag = st.path
}

// cloveSource splits a flow into flowlets at idle gaps longer than timeout and
// sends each new flowlet over a randomly chosen different uplink
type cloveSource struct {
	leafMap
	timeout float64
	paths   int
	rng     uniformSource
	flows   map[FlowKey]*cloveFlow
}

type cloveFlow struct {
	path    int
	last    float64
	flowlet int
}

func (cs *cloveSource) stamp(pckt *Packet, now float64) {
	if _, isRemote := cs.remote(pckt.Dst()); !isRemote {
		return
	}
	key := pckt.Flow()
	cf, present := cs.flows[key]
	switch {
	case !present:
		cf = &cloveFlow{path: randomIndex(cs.rng, cs.paths)}
		cs.flows[key] = cf
	case now-cf.last >= cs.timeout:
		cf.flowlet += 1
		if cs.paths > 1 {
			cf.path = (cf.path + 1 + randomIndex(cs.rng, cs.paths-1)) % cs.paths
		}
	}
	cf.last = now
	pckt.Flowcell = cf.flowlet
	pckt.PathTag = cf.path
}
