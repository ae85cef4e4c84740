package rttvar

// routes.go computes the equal-cost next hops the routing strategies choose among.
//
// The fabric is converted into a gonum graph, one graph node per fabric node
// and one unit-weight edge per pair of adjacent nodes (parallel links collapse
// into one edge).  For a destination d, Dijkstra from d gives every node's hop
// distance to d.  The equal-cost candidates at node n are then all of n's
// ports whose peer is one hop closer to d than n is, which includes every
// parallel link to such a peer.

import (
	"fmt"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"math"
	"strings"
)

// routeGraph holds the graph form of a fabric and the shortest-path trees
// computed on it so far, keyed by the id of the tree's root
type routeGraph struct {
	fabric   *Fabric
	conn     *simple.WeightedUndirectedGraph
	cachedSP map[int]path.Shortest
}

// buildRouteGraph returns the graph representation of the fabric's nodes and links
func buildRouteGraph(fab *Fabric) *routeGraph {
	rg := new(routeGraph)
	rg.fabric = fab
	rg.conn = simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	rg.cachedSP = make(map[int]path.Shortest)

	for _, node := range fab.nodes {
		rg.conn.AddNode(simple.Node(node.id))
	}
	for _, lnk := range fab.Links {
		a, b := lnk.Ends()
		if rg.conn.HasEdgeBetween(int64(a.id), int64(b.id)) {
			continue
		}
		rg.conn.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(a.id), T: simple.Node(b.id), W: 1.0})
	}
	return rg
}

// getSPTree returns the shortest path tree rooted at the node with id root,
// computing and caching it on first use
func (rg *routeGraph) getSPTree(root int) path.Shortest {
	spTree, present := rg.cachedSP[root]
	if present {
		return spTree
	}
	spTree = path.DijkstraFrom(simple.Node(root), rg.conn)
	rg.cachedSP[root] = spTree
	return spTree
}

// hops is the hop distance from node to dst, +Inf when unreachable
func (rg *routeGraph) hops(node, dst *Node) float64 {
	return rg.getSPTree(dst.id).WeightTo(int64(node.id))
}

// equalCostPorts lists the ports of node that lie on some shortest path to dst, in port order
func (rg *routeGraph) equalCostPorts(node, dst *Node) []*port {
	spTree := rg.getSPTree(dst.id)
	here := spTree.WeightTo(int64(node.id))
	if math.IsInf(here, 1) || node == dst {
		return nil
	}
	cands := make([]*port, 0)
	for _, pt := range node.ports {
		if spTree.WeightTo(int64(pt.peer.node.id)) == here-1.0 {
			cands = append(cands, pt)
		}
	}
	return cands
}

// checkConnections returns an error naming every server that some other server cannot reach
func (rg *routeGraph) checkConnections() error {
	errs := []error{}
	if len(rg.fabric.Servers) == 0 {
		return nil
	}
	origin := rg.fabric.Servers[0]
	for _, server := range rg.fabric.Servers[1:] {
		if math.IsInf(rg.hops(server, origin), 1) {
			errs = append(errs, fmt.Errorf("server %s is not connected to %s", server.name, origin.name))
		}
	}
	return ReportErrs(errs)
}

// showPath returns a comma-separated list of the names of the nodes on one
// shortest path from src to dst
func (rg *routeGraph) showPath(src, dst *Node) string {
	nodes, _ := rg.getSPTree(src.id).To(int64(dst.id))
	names := make([]string, 0, len(nodes))
	for _, gn := range nodes {
		names = append(names, rg.nameOf(gn))
	}
	return strings.Join(names, ",")
}

func (rg *routeGraph) nameOf(gn graph.Node) string {
	id := int(gn.ID())
	if id < 0 || id >= len(rg.fabric.nodes) {
		return fmt.Sprintf("node-%d", id)
	}
	return rg.fabric.nodes[id].name
}
