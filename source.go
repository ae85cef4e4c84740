package rttvar

// source.go holds the TrafficSource, a constant-bit-rate sender whose rate
// follows a RateSchedule.
//
// Lifecycle:
//
//	SourceIdle --Start--> SourceSending --rate change--> SourceRateChanging --> SourceSending
//	                            |                                                    |
//	                            +------------------stop---------> SourceStopped <----+
//
// While sending at rate r, packets of packetSize bytes go out every
// packetSize*8/r seconds.  A rate of zero is a pause; the source stays in
// SourceSending and resumes at the next nonzero rate.  At most one next-send
// event is pending at any time.

import (
	"fmt"
	log "github.com/sirupsen/logrus"
	"net/netip"
)

// SourceState is the base type for the states of a TrafficSource
type SourceState int

const (
	SourceIdle SourceState = iota
	SourceSending
	SourceRateChanging
	SourceStopped
)

// String returns the state's name
func (ss SourceState) String() string {
	switch ss {
	case SourceIdle:
		return "Idle"
	case SourceSending:
		return "Sending"
	case SourceRateChanging:
		return "RateChanging"
	case SourceStopped:
		return "Stopped"
	}
	return "Unknown"
}

// TrafficSource sends fixed-size packets through an Endpoint at a scheduled rate
type TrafficSource struct {
	sched    Scheduler
	recorder Recorder

	schedule   RateSchedule
	packetSize int
	endpt      Endpoint
	peer       netip.AddrPort
	sourceID   uint32
	dscp       uint8
	configured bool

	state       SourceState
	rate        float64 // bits per second in force now
	sendEvt     EventID // pending next send, zero when none
	anchor      float64 // when the rate in force took effect
	slot        int     // sends scheduled since anchor
	packetsSent uint32
	seq         uint32
	closed      bool
}

// CreateTrafficSource is a constructor.  The source is idle and unconfigured
func CreateTrafficSource(sched Scheduler, recorder Recorder) *TrafficSource {
	return &TrafficSource{sched: sched, recorder: recorder, state: SourceIdle}
}

// Configure stores everything the source needs to run.  Nothing is sent or opened
func (src *TrafficSource) Configure(schedule RateSchedule, packetSize int, endpt Endpoint,
	peer netip.AddrPort, sourceID uint32) error {

	if src.state != SourceIdle {
		return fmt.Errorf("source %d configured while %s", sourceID, src.state)
	}
	if err := schedule.Validate(); err != nil {
		return err
	}
	if packetSize <= 0 {
		return fmt.Errorf("source %d: packet size %d is not positive", sourceID, packetSize)
	}
	src.schedule = schedule
	src.packetSize = packetSize
	src.endpt = endpt
	src.peer = peer
	src.sourceID = sourceID
	src.rate = schedule.Rates[0]
	src.configured = true
	return nil
}

// SetDSCP selects the delay class stamped on every packet sent
func (src *TrafficSource) SetDSCP(dscp uint8) {
	src.dscp = dscp
}

// Start opens the endpoint, sends the first packet (unless the first rate is a
// pause), and schedules every rate change and the stop relative to now
func (src *TrafficSource) Start() error {
	if !src.configured {
		return fmt.Errorf("source started before it was configured")
	}
	if src.state != SourceIdle {
		return fmt.Errorf("source %d started while %s", src.sourceID, src.state)
	}
	src.state = SourceSending
	src.anchor = src.sched.Now()

	if err := src.endpt.Bind(); err != nil {
		return err
	}
	if err := src.endpt.Connect(src.peer); err != nil {
		return err
	}

	if src.rate > 0.0 {
		src.sendPacket()
	}

	last := src.schedule.Len() - 1
	for idx := 0; idx < last; idx++ {
		src.sched.Schedule(src, idx, srcChangeRate, src.schedule.Offsets[idx])
	}
	src.sched.Schedule(src, nil, srcStopSending, src.schedule.StopOffset())
	return nil
}

// srcChangeRate is the event handler for the idx-th rate boundary
func srcChangeRate(sched Scheduler, context any, data any) any {
	src := context.(*TrafficSource)
	src.changeRate(data.(int))
	return nil
}

// srcStopSending is the event handler for the end of the schedule
func srcStopSending(sched Scheduler, context any, data any) any {
	src := context.(*TrafficSource)
	src.stopSending()
	return nil
}

// srcSendPacket is the event handler for the next send
func srcSendPacket(sched Scheduler, context any, data any) any {
	src := context.(*TrafficSource)
	src.sendEvt = 0
	src.sendPacket()
	return nil
}

// changeRate drops any pending send and switches to the rate that follows
// boundary idx.  A nonzero new rate counts as one more packet and resumes
// sending one interval later
func (src *TrafficSource) changeRate(idx int) {
	if src.state == SourceStopped {
		return
	}
	src.state = SourceRateChanging
	src.cancelSend()

	src.rate = src.schedule.Rates[idx+1]
	src.anchor = src.sched.Now()
	src.slot = 0
	if src.rate != 0.0 {
		src.packetsSent += 1
		src.scheduleTx()
	}
	src.state = SourceSending
	log.WithFields(log.Fields{"source": src.sourceID, "rate": src.rate}).Debug("rate changed")
}

// stopSending ends the schedule.  The endpoint stays open until Close
func (src *TrafficSource) stopSending() {
	src.state = SourceStopped
	src.cancelSend()
}

// sendPacket emits one tagged packet, logs it, and schedules the next
func (src *TrafficSource) sendPacket() {
	now := src.sched.Now()
	pckt := createPacket(src.sourceID, src.seq, src.packetSize, now)
	pckt.setDSCP(src.dscp)
	src.seq += 1

	if err := src.endpt.Send(pckt); err != nil {
		log.WithFields(log.Fields{"source": src.sourceID}).Warn(err)
	}
	if src.recorder != nil {
		if err := src.recorder.Record(RoleSent, milliseconds(now), src.sourceID, src.packetSize); err != nil {
			log.WithFields(log.Fields{"source": src.sourceID}).Warn(err)
		}
	}
	src.packetsSent += 1

	if src.state == SourceSending && src.rate > 0.0 {
		src.scheduleTx()
	}
}

// scheduleTx puts the next send one packet interval after the previous one.
// Send times are counted from the anchor so tick rounding never accumulates
func (src *TrafficSource) scheduleTx() {
	interval := float64(src.packetSize*8) / src.rate
	src.slot += 1
	at := src.anchor + float64(src.slot)*interval
	src.sendEvt = src.sched.Schedule(src, nil, srcSendPacket, at-src.sched.Now())
}

func (src *TrafficSource) cancelSend() {
	src.sched.Cancel(src.sendEvt)
	src.sendEvt = 0
}

// Close stops the source if it is still running and closes its endpoint
func (src *TrafficSource) Close() error {
	if src.closed {
		return nil
	}
	src.closed = true
	src.cancelSend()
	src.state = SourceStopped
	if src.endpt == nil {
		return nil
	}
	return src.endpt.Close()
}

// State is where the source is in its lifecycle
func (src *TrafficSource) State() SourceState {
	return src.state
}

// Rate is the sending rate in force, bits per second
func (src *TrafficSource) Rate() float64 {
	return src.rate
}

// PacketsSent counts packets sent plus resumptions at a nonzero rate
func (src *TrafficSource) PacketsSent() uint32 {
	return src.packetsSent
}

// SendPending reports whether a next send is scheduled
func (src *TrafficSource) SendPending() bool {
	return src.sendEvt != 0
}

// SourceID is the tag carried by every packet of the source
func (src *TrafficSource) SourceID() uint32 {
	return src.sourceID
}
