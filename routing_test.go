package rttvar

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func routedFabric(t *testing.T, cfg *Config) (*Fabric, *RoutingPolicySelector) {
	t.Helper()
	fab := buildTestFabric(t, cfg)
	sel, err := CreateRoutingPolicySelector(cfg)
	require.NoError(t, err)
	require.NoError(t, sel.Install(fab))
	return fab, sel
}

func TestParseRunMode(t *testing.T) {
	for _, mode := range RunModes() {
		parsed, err := ParseRunMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, parsed)
	}
	assert.Len(t, RunModes(), 12)

	_, err := ParseRunMode("HULA")
	assert.True(t, errors.Is(err, ErrUnknownRunMode))
	assert.Equal(t, "Unknown", RunMode(99).String())
}

func TestCheckPreconditions(t *testing.T) {
	tests := []struct {
		mode      RunMode
		linkCount int
		asym      bool
		ok        bool
	}{
		{mode: Presto, linkCount: 1, ok: true},
		{mode: Presto, linkCount: 2},
		{mode: DRB, linkCount: 1, ok: true},
		{mode: DRB, linkCount: 3},
		{mode: WeightedPresto, linkCount: 2},
		{mode: WeightedPresto, linkCount: 2, asym: true, ok: true},
		{mode: ECMP, linkCount: 4, ok: true},
		{mode: Clove, linkCount: 2, ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.LinkCount = tt.linkCount
			cfg.AsymCapacity = tt.asym
			err := tt.mode.CheckPreconditions(cfg)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrPrecondition))
			}
		})
	}
}

func TestPrestoWithParallelLinksBuildsNothing(t *testing.T) {
	cfg := smallConfig(t.TempDir())
	cfg.RunMode = "PRESTO"
	cfg.LinkCount = 2

	sel, err := CreateRoutingPolicySelector(cfg)
	assert.True(t, errors.Is(err, ErrPrecondition))
	assert.Nil(t, sel)

	fab, err := BuildFabric(cfg, CreateEventScheduler(), nil)
	assert.True(t, errors.Is(err, ErrPrecondition))
	assert.Nil(t, fab)
}

func TestInstallCandidateSets(t *testing.T) {
	cfg := smallConfig(t.TempDir())
	cfg.ServerCount = 2
	cfg.SpineCount = 3
	cfg.LinkCount = 2
	fab, sel := routedFabric(t, cfg)
	assert.Equal(t, ECMP, sel.Mode())

	leaf0 := fab.Leaves[0].router.(*switchRouter)
	local := leaf0.routes[fab.ServerAddr(1)]
	require.NotNil(t, local)
	assert.Len(t, local.ports, 1)
	assert.False(t, local.uplink)
	assert.Same(t, fab.Servers[1], local.ports[0].peer.node)

	remote := leaf0.routes[fab.ServerAddr(3)]
	require.NotNil(t, remote)
	assert.Len(t, remote.ports, 3*2)
	assert.True(t, remote.uplink)
	for _, pt := range remote.ports {
		assert.Equal(t, RoleSpine, pt.peer.node.Role())
	}

	spine := fab.Spines[2].router.(*switchRouter)
	down := spine.routes[fab.ServerAddr(3)]
	require.NotNil(t, down)
	assert.Len(t, down.ports, 2)
	assert.False(t, down.uplink)
	for _, pt := range down.ports {
		assert.Same(t, fab.Leaves[1], pt.peer.node)
	}

	// every switch has a route to every server
	for _, node := range append(append([]*Node{}, fab.Leaves...), fab.Spines...) {
		assert.Len(t, node.router.(*switchRouter).routes, len(fab.Servers))
	}
	hops := strings.Split(sel.graph.showPath(fab.Servers[0], fab.Servers[2]), ",")
	require.Len(t, hops, 5)
	assert.Equal(t, []string{"server-0", "leaf-0"}, hops[:2])
	assert.True(t, strings.HasPrefix(hops[2], "spine-"))
	assert.Equal(t, []string{"leaf-1", "server-2"}, hops[3:])
	assert.Equal(t, 4.0, sel.graph.hops(fab.Servers[0], fab.Servers[2]))
}

func TestAddRouteChecks(t *testing.T) {
	cfg := smallConfig(t.TempDir())
	fab := buildTestFabric(t, cfg)
	sel, err := CreateRoutingPolicySelector(cfg)
	require.NoError(t, err)

	assert.True(t, errors.Is(sel.AddRoute(fab.Leaves[0], fab.ServerAddr(0), nil, false), ErrNotAddressed))
	assert.True(t, errors.Is(sel.Install(nil), ErrNotAddressed))
	require.NoError(t, sel.Install(fab))

	leaf := fab.Leaves[0]
	err = sel.AddRoute(leaf, netip.MustParseAddr("192.0.2.1"), leaf.ports[:1], false)
	assert.True(t, errors.Is(err, ErrUnknownAddress))

	assert.Error(t, sel.AddRoute(fab.Servers[0], fab.ServerAddr(3), fab.Servers[0].ports, false))
	assert.Error(t, sel.AddRoute(leaf, fab.ServerAddr(3), fab.Spines[0].ports[:1], true))
	assert.NoError(t, sel.AddRoute(leaf, fab.ServerAddr(3), leaf.ports[2:3], true))
	assert.Len(t, leaf.router.(*switchRouter).routes[fab.ServerAddr(3)].ports, 1)

	err = sel.AddAddressMapping(fab.Servers[0], netip.MustParseAddr("192.0.2.1"), 1)
	assert.True(t, errors.Is(err, ErrUnknownAddress))
	assert.Error(t, sel.AddAddressMapping(fab.Servers[0], fab.ServerAddr(3), 7))
	assert.NoError(t, sel.AddAddressMapping(fab.Servers[0], fab.ServerAddr(3), 1))
}

func TestSwitchRouterHonoursPathTags(t *testing.T) {
	cfg := smallConfig(t.TempDir())
	cfg.RunMode = "DRB"
	cfg.LinkCount = 1
	cfg.SpineCount = 3
	fab, _ := routedFabric(t, cfg)

	leaf0 := fab.Leaves[0].router.(*switchRouter)
	assert.True(t, leaf0.honourTags)
	uplinks := leaf0.routes[fab.ServerAddr(2)].ports
	require.Len(t, uplinks, 3)

	pckt := createPacket(0, 0, 100, 0)
	pckt.address(netip.AddrPortFrom(fab.ServerAddr(0), 49153), netip.AddrPortFrom(fab.ServerAddr(2), 8080))
	for tag := 0; tag < 3; tag++ {
		pckt.PathTag = tag
		assert.Same(t, uplinks[tag], leaf0.nextPort(pckt, 0))
	}

	// the server stamps consecutive uplinks, one per packet
	server0 := fab.Servers[0].router.(*serverRouter)
	tags := []int{}
	for seq := 0; seq < 4; seq++ {
		p := createPacket(0, uint32(seq), 100, 0)
		p.address(netip.AddrPortFrom(fab.ServerAddr(0), 49153), netip.AddrPortFrom(fab.ServerAddr(2), 8080))
		assert.Same(t, fab.Servers[0].ports[0], server0.nextPort(p, 0))
		tags = append(tags, p.PathTag)
	}
	assert.Equal(t, []int{0, 1, 2, 0}, tags)

	// traffic staying under the leaf is not tagged
	p := createPacket(0, 0, 100, 0)
	p.address(netip.AddrPortFrom(fab.ServerAddr(0), 49153), netip.AddrPortFrom(fab.ServerAddr(1), 8080))
	server0.nextPort(p, 0)
	assert.Equal(t, noPathTag, p.PathTag)
}

func TestWeightedPrestoWeights(t *testing.T) {
	cfg := smallConfig(t.TempDir())
	cfg.RunMode = "WEIGHTED_PRESTO"
	cfg.LinkCount = 1
	cfg.AsymCapacity = true
	cfg.AsymCapacityRatio = 0.5
	fab, _ := routedFabric(t, cfg)

	wps := fab.Servers[0].router.(*serverRouter).source.(*weightedPrestoSource)
	assert.Equal(t, []float64{5e9, 10e9}, wps.weights[1])
	_, present := wps.weights[0]
	assert.False(t, present)

	spine0 := fab.Spines[0].router.(*switchRouter).strategy.(*weightedStrategy)
	assert.Equal(t, []float64{5e9}, spine0.weights[fab.ServerAddr(0)])
	assert.Equal(t, []float64{10e9}, spine0.weights[fab.ServerAddr(2)])
}

func TestInstallLogsSamplePath(t *testing.T) {
	hook := test.NewGlobal()
	level := log.GetLevel()
	log.SetLevel(log.DebugLevel)
	defer func() {
		log.SetLevel(level)
		hook.Reset()
	}()

	cfg := smallConfig(t.TempDir())
	routedFabric(t, cfg)

	found := false
	for _, entry := range hook.AllEntries() {
		if entry.Message != "sample shortest path" {
			continue
		}
		found = true
		hops := strings.Split(entry.Data["path"].(string), ",")
		assert.Equal(t, "server-0", hops[0])
		assert.Equal(t, "server-3", hops[len(hops)-1])
	}
	assert.True(t, found)
}
