package rttvar

// sink.go holds the receiving side of a flow: the TrafficSink logs every
// packet delivered to it, optionally after a per-source resequencing buffer
// has put the packets back in sending order.

import (
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// TrafficSink records arrivals on a listening port
type TrafficSink struct {
	recorder Recorder
	reseq    *reseqParams
	buffers  map[uint32]*reorderBuffer
	received map[uint32]int
	delays   []float64
}

type reseqParams struct {
	size       int
	inOrder    float64
	outOfOrder float64
}

// CreateTrafficSink is a constructor.  With cfg.Resequence set, arrivals pass
// through a resequencing buffer per source before being recorded
func CreateTrafficSink(cfg *Config, recorder Recorder) *TrafficSink {
	sink := &TrafficSink{recorder: recorder}
	sink.buffers = make(map[uint32]*reorderBuffer)
	sink.received = make(map[uint32]int)
	if cfg != nil && cfg.Resequence {
		sink.reseq = &reseqParams{size: cfg.ResequenceBufferSize,
			inOrder:    float64(cfg.ResequenceInOrderTimeout) * 1e-6,
			outOfOrder: float64(cfg.ResequenceOutOfOrderTimeout) * 1e-6}
	}
	return sink
}

// Receive implements Receiver
func (sink *TrafficSink) Receive(sched Scheduler, pckt *Packet) {
	if sink.reseq == nil {
		sink.accept(sched, pckt)
		return
	}
	rb, present := sink.buffers[pckt.SourceID]
	if !present {
		rb = createReorderBuffer(sink, sink.reseq)
		sink.buffers[pckt.SourceID] = rb
	}
	rb.offer(sched, pckt)
}

// accept records a packet handed up to the application
func (sink *TrafficSink) accept(sched Scheduler, pckt *Packet) {
	now := sched.Now()
	sink.received[pckt.SourceID] += 1
	sink.delays = append(sink.delays, now-pckt.SentAt)
	if sink.recorder == nil {
		return
	}
	if err := sink.recorder.Record(RoleReceived, milliseconds(now), pckt.SourceID, pckt.Size); err != nil {
		log.WithFields(log.Fields{"source": pckt.SourceID}).Warn(err)
	}
}

// Received is the number of packets of the source recorded so far
func (sink *TrafficSink) Received(sourceID uint32) int {
	return sink.received[sourceID]
}

// Delays lists one-way delays of the packets recorded, in recording order
func (sink *TrafficSink) Delays() []float64 {
	return sink.delays
}

// reorderBuffer releases one source's packets in sequence order.  A packet
// that arrives ahead of a gap is held until the gap fills, the buffer
// overflows, or a timer runs out.  The timer is the in-order timeout when
// exactly one packet is missing, and the out-of-order timeout otherwise
type reorderBuffer struct {
	sink     *TrafficSink
	params   *reseqParams
	expected uint32
	held     map[uint32]*Packet
	timer    EventID
	inOrder  bool // kind of timeout timer is running for
}

func createReorderBuffer(sink *TrafficSink, params *reseqParams) *reorderBuffer {
	return &reorderBuffer{sink: sink, params: params, held: make(map[uint32]*Packet)}
}

func (rb *reorderBuffer) offer(sched Scheduler, pckt *Packet) {
	switch {
	case pckt.Seq == rb.expected:
		rb.sink.accept(sched, pckt)
		rb.expected += 1
		rb.drain(sched)
	case pckt.Seq < rb.expected:
		// arrived after its gap was given up on
		rb.sink.accept(sched, pckt)
	default:
		rb.held[pckt.Seq] = pckt
		if len(rb.held) > rb.params.size {
			rb.skipGap(sched)
		}
	}
	rb.arm(sched)
}

// drain releases held packets for as long as they are consecutive
func (rb *reorderBuffer) drain(sched Scheduler) {
	for {
		pckt, present := rb.held[rb.expected]
		if !present {
			return
		}
		delete(rb.held, rb.expected)
		rb.sink.accept(sched, pckt)
		rb.expected += 1
	}
}

// skipGap gives up on the missing packets before the lowest one held
func (rb *reorderBuffer) skipGap(sched Scheduler) {
	if len(rb.held) == 0 {
		return
	}
	seqs := make([]uint32, 0, len(rb.held))
	for seq := range rb.held {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	rb.expected = seqs[0]
	rb.drain(sched)
}

// arm keeps a timer running exactly while packets are held.  A running timer
// of the wrong kind for what is now missing is replaced, measured from now
func (rb *reorderBuffer) arm(sched Scheduler) {
	if len(rb.held) == 0 {
		sched.Cancel(rb.timer)
		rb.timer = 0
		return
	}
	_, inOrder := rb.held[rb.expected+1]
	if rb.timer != 0 {
		if rb.inOrder == inOrder {
			return
		}
		sched.Cancel(rb.timer)
	}
	timeout := rb.params.outOfOrder
	if inOrder {
		timeout = rb.params.inOrder
	}
	rb.inOrder = inOrder
	rb.timer = sched.Schedule(rb, nil, reorderTimeout, timeout)
}

// reorderTimeout is the event handler for a resequencing timer running out
func reorderTimeout(sched Scheduler, context any, data any) any {
	rb := context.(*reorderBuffer)
	rb.timer = 0
	rb.skipGap(sched)
	rb.arm(sched)
	return nil
}
