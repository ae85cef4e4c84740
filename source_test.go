package rttvar

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPeer = netip.MustParseAddrPort("10.1.3.2:9")

// startSource configures and starts a source on a step scheduler at time 0
func startSource(t *testing.T, rates, times string, packetSize int) (*stepScheduler, *fakeEndpoint, *fakeRecorder, *TrafficSource) {
	t.Helper()
	rs, err := ParseRateSchedule(rates, times)
	require.NoError(t, err)

	sched := &stepScheduler{}
	endpt := &fakeEndpoint{sched: sched}
	recorder := &fakeRecorder{}
	src := CreateTrafficSource(sched, recorder)
	require.NoError(t, src.Configure(rs, packetSize, endpt, testPeer, 7))
	require.NoError(t, src.Start())
	return sched, endpt, recorder, src
}

func TestSourceSchedulesChangesAndStop(t *testing.T) {
	sched, endpt, _, src := startSource(t, "10Mbps,0bps,40Mbps", "0.1,2,3,6", 1250)

	assert.Equal(t, 1, endpt.binds)
	assert.Equal(t, 1, endpt.connects)
	assert.Equal(t, testPeer, endpt.peer)
	assert.Equal(t, SourceSending, src.State())

	changes := sched.pending("srcChangeRate")
	require.Len(t, changes, 2)
	assert.InDelta(t, 1.9, changes[0].at, 1e-9)
	assert.Equal(t, 0, changes[0].data)
	assert.InDelta(t, 2.9, changes[1].at, 1e-9)
	assert.Equal(t, 1, changes[1].data)

	stops := sched.pending("srcStopSending")
	require.Len(t, stops, 1)
	assert.InDelta(t, 5.9, stops[0].at, 1e-9)

	// the first packet went out at start, the next is pending
	require.Len(t, endpt.sendTimes, 1)
	assert.Len(t, sched.pending("srcSendPacket"), 1)
	assert.True(t, src.SendPending())
}

func TestSourcePausesAtZeroRate(t *testing.T) {
	sched, endpt, recorder, src := startSource(t, "1Mbps,0bps,2Mbps", "0,2.005,3.005,4.0075", 1250)
	sched.runUntil(10.0)

	assert.Equal(t, SourceStopped, src.State())
	assert.False(t, src.SendPending())
	assert.Empty(t, sched.events)

	for _, at := range endpt.sendTimes {
		inPause := at >= 2.005 && at < 3.005
		assert.False(t, inPause, "packet sent at %g during the pause", at)
		assert.Less(t, at, 4.0075)
	}
	assert.Equal(t, len(endpt.sendTimes), recorder.count(RoleSent))

	// 201 at 10ms before the pause, 200 at 5ms after it (the first
	// one interval after the resume), plus the resume itself
	assert.Equal(t, 401, len(endpt.sendTimes))
	assert.Equal(t, uint32(402), src.PacketsSent())
}

func TestSourceIntervalFollowsRate(t *testing.T) {
	boundary := 1.0005
	sched, endpt, _, _ := startSource(t, "1Mbps,4Mbps", "0,1.0005,2", 500)
	sched.runUntil(5.0)

	slow := float64(500*8) / 1e6
	fast := float64(500*8) / 4e6
	require.Greater(t, len(endpt.sendTimes), 2)

	for idx := 1; idx < len(endpt.sendTimes); idx++ {
		prev, cur := endpt.sendTimes[idx-1], endpt.sendTimes[idx]
		switch {
		case cur < boundary:
			assert.InDelta(t, slow, cur-prev, 1e-9)
		case prev >= boundary:
			assert.InDelta(t, fast, cur-prev, 1e-9)
		}
	}
	// the first send after the change is one fast interval past it
	for _, at := range endpt.sendTimes {
		if at > boundary {
			assert.InDelta(t, boundary+fast, at, 1e-9)
			break
		}
	}
}

func TestSourceFirstRateZeroSendsNothingAtStart(t *testing.T) {
	sched, endpt, _, src := startSource(t, "0bps,8Mbps", "0,1,2", 1000)
	assert.Empty(t, endpt.sendTimes)
	assert.False(t, src.SendPending())

	sched.runUntil(3.0)
	require.NotEmpty(t, endpt.sendTimes)
	assert.InDelta(t, 1.001, endpt.sendTimes[0], 1e-9)
}

func TestSourceCancelTwice(t *testing.T) {
	sched, _, _, src := startSource(t, "1Mbps,2Mbps", "0,1,2", 1250)
	require.True(t, src.SendPending())

	require.NotPanics(t, func() {
		src.cancelSend()
		src.cancelSend()
	})
	assert.False(t, src.SendPending())
	assert.Empty(t, sched.pending("srcSendPacket"))

	src.changeRate(0)
	assert.Len(t, sched.pending("srcSendPacket"), 1)
	src.changeRate(0)
	assert.Len(t, sched.pending("srcSendPacket"), 1)
}

func TestSourceCloseIsIdempotent(t *testing.T) {
	sched, endpt, _, src := startSource(t, "1Mbps", "0,1", 1250)
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	assert.Equal(t, 1, endpt.closes)
	assert.Equal(t, SourceStopped, src.State())
	assert.Empty(t, sched.pending("srcSendPacket"))

	// rate changes after a stop are ignored
	src.changeRate(0)
	assert.Empty(t, sched.pending("srcSendPacket"))
}

func TestSourceConfigureAndStartErrors(t *testing.T) {
	sched := &stepScheduler{}
	endpt := &fakeEndpoint{sched: sched}

	src := CreateTrafficSource(sched, nil)
	assert.Error(t, src.Start())
	assert.Error(t, src.Configure(RateSchedule{}, 100, endpt, testPeer, 1))

	rs := RateSchedule{Rates: []float64{1e6}, Offsets: []float64{1}}
	assert.Error(t, src.Configure(rs, 0, endpt, testPeer, 1))
	require.NoError(t, src.Configure(rs, 100, endpt, testPeer, 1))
	require.NoError(t, src.Start())
	assert.Error(t, src.Start())
	assert.Error(t, src.Configure(rs, 100, endpt, testPeer, 1))
}

func TestSourceStampsPackets(t *testing.T) {
	_, endpt, recorder, src := startSource(t, "1Mbps", "0,1", 1250)
	src.SetDSCP(2)
	src.sendPacket()

	require.Len(t, endpt.packets, 2)
	assert.Equal(t, uint32(7), endpt.packets[0].SourceID)
	assert.Equal(t, uint32(0), endpt.packets[0].Seq)
	assert.Equal(t, uint32(1), endpt.packets[1].Seq)
	assert.Equal(t, uint8(2), endpt.packets[1].DSCP())
	assert.Equal(t, 1250, endpt.packets[1].Size)

	require.Len(t, recorder.entries, 2)
	assert.Equal(t, recordEntry{role: RoleSent, ms: 0, sourceID: 7, size: 1250}, recorder.entries[0])
}

func TestSourceIntervalsDoNotDrift(t *testing.T) {
	rs, err := ParseRateSchedule("3Mbps", "0,10.001")
	require.NoError(t, err)

	sched := CreateEventScheduler()
	endpt := &fakeEndpoint{sched: sched}
	src := CreateTrafficSource(sched, nil)
	require.NoError(t, src.Configure(rs, 1000, endpt, testPeer, 1))
	require.NoError(t, src.Start())
	sched.Run(11.0)

	// 8000 bits at 3Mbps is not a whole number of ticks
	interval := 8000.0 / 3e6
	require.Len(t, endpt.sendTimes, 3751)
	for idx := 1; idx < len(endpt.sendTimes); idx++ {
		assert.InDelta(t, interval, endpt.sendTimes[idx]-endpt.sendTimes[idx-1], 2e-9)
	}
	assert.InDelta(t, 3750*interval, endpt.sendTimes[3750], 1e-9)
	assert.Equal(t, SourceStopped, src.State())
}
