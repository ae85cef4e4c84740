package rttvar

// flow.go describes the application flows of an experiment: which server
// sends to which address, with what packet size and rate schedule, and
// starts each one's TrafficSource at the configured start time.

import (
	"fmt"
	log "github.com/sirupsen/logrus"
	"net/netip"
)

// Flow is one sender/receiver pair
type Flow struct {
	FlowID     int
	Name       string
	Src        *Node
	Dst        netip.AddrPort
	PacketSize int
	Schedule   RateSchedule
	SourceID   uint32
	DSCP       uint8

	source *TrafficSource
}

// CreateFlow is a constructor.  The source node must be a server
func CreateFlow(flowID int, src *Node, dst netip.AddrPort, packetSize int, schedule RateSchedule,
	sourceID uint32) (*Flow, error) {

	if src.stack == nil {
		return nil, fmt.Errorf("flow %d starts at %s, which is not a server", flowID, src.name)
	}
	flow := &Flow{FlowID: flowID, Src: src, Dst: dst, PacketSize: packetSize, Schedule: schedule,
		SourceID: sourceID}
	flow.Name = fmt.Sprintf("%s->%s", src.name, dst)
	return flow, nil
}

// Source is the flow's sender, nil before the flow is configured
func (flow *Flow) Source() *TrafficSource {
	return flow.source
}

// StartFlow creates and configures the flow's source and schedules its start
func (flow *Flow) StartFlow(sched Scheduler, recorder Recorder, startTime float64) error {
	flow.source = CreateTrafficSource(sched, recorder)
	endpt := flow.Src.stack.CreateEndpoint()
	if err := flow.source.Configure(flow.Schedule, flow.PacketSize, endpt, flow.Dst, flow.SourceID); err != nil {
		return err
	}
	flow.source.SetDSCP(flow.DSCP)
	sched.Schedule(flow, nil, startFlowEvt, startTime-sched.Now())
	return nil
}

// startFlowEvt is the event handler that starts a flow's source
func startFlowEvt(sched Scheduler, context any, data any) any {
	flow := context.(*Flow)
	if err := flow.source.Start(); err != nil {
		log.WithFields(log.Fields{"flow": flow.Name}).Error(err)
	}
	return nil
}

// StopFlow closes the flow's source
func (flow *Flow) StopFlow() error {
	if flow.source == nil {
		return nil
	}
	return flow.source.Close()
}
