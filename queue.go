package rttvar

// queue.go holds the queue policies installed on link endpoints.  A policy
// is consulted once per packet arriving at an egress port and answers with
// a Verdict; the port itself does the FCFS bookkeeping.

import (
	"fmt"
	"golang.org/x/exp/slices"
)

// QueueKind is the base type for an enumerated type of queue policies
type QueueKind int

const (
	DelayClassQueue QueueKind = iota
	TCNQueue
	ECNSharpQueue
)

// String returns the name used on the command line and in file names
func (qk QueueKind) String() string {
	switch qk {
	case DelayClassQueue:
		return "DelayClass"
	case TCNQueue:
		return "TCN"
	case ECNSharpQueue:
		return "ECNSharp"
	}
	return "Unknown"
}

// ParseAQM maps the name of a switch-side AQM to its QueueKind.  Only the
// marking AQMs are accepted, the delay-class policy is for hosts only
func ParseAQM(name string) (QueueKind, error) {
	switch name {
	case "TCN":
		return TCNQueue, nil
	case "ECNSharp":
		return ECNSharpQueue, nil
	}
	return DelayClassQueue, fmt.Errorf("%w: %q (expected TCN or ECNSharp)", ErrUnknownAQM, name)
}

// QueueState is what an egress port knows about itself when a packet arrives
type QueueState struct {
	Backlog int     // packets accepted but not yet fully transmitted
	Sojourn float64 // seconds the arriving packet will wait before transmission starts
}

// Verdict is a policy's decision about one arriving packet
type Verdict struct {
	Drop bool    // discard the packet
	Mark bool    // set CE (the port drops instead when the packet is not ECN capable)
	Hold float64 // seconds to hold the packet before it joins the FCFS queue
}

// QueuePolicy is the behaviour attached to one directed link endpoint
type QueuePolicy interface {
	Kind() QueueKind
	Admit(now float64, pckt *Packet, qs QueueState) Verdict
}

// QueuePolicyConfig carries the parameters for every kind; each kind reads its own.
// Times are in seconds
type QueuePolicyConfig struct {
	Kind            QueueKind
	MaxPackets      int
	TCNThreshold    float64
	SharpThreshold  float64
	SharpTarget     float64
	SharpInterval   float64
	DelayBindings   []DelayBinding
	ClassifyPackets PacketFilter
}

// switchQueueConfig derives the switch-side policy configuration from the experiment configuration
func switchQueueConfig(cfg *Config, kind QueueKind) QueuePolicyConfig {
	return QueuePolicyConfig{Kind: kind, MaxPackets: cfg.BufferSize,
		TCNThreshold:   float64(cfg.TCNThreshold) * 1e-6,
		SharpThreshold: float64(cfg.ECNSharpMarkingThreshold) * 1e-6,
		SharpTarget:    float64(cfg.ECNSharpTarget) * 1e-6,
		SharpInterval:  float64(cfg.ECNSharpInterval) * 1e-6}
}

// hostQueueConfig derives the host-side delay-class configuration
func hostQueueConfig(cfg *Config) QueuePolicyConfig {
	return QueuePolicyConfig{Kind: DelayClassQueue, DelayBindings: cfg.DelayClasses,
		ClassifyPackets: DSCPFilter{}}
}

// queueFactory binds every QueueKind to its constructor.  Each call returns a
// fresh instance; instances are never shared between endpoints
var queueFactory = map[QueueKind]func(QueuePolicyConfig) QueuePolicy{
	DelayClassQueue: func(qc QueuePolicyConfig) QueuePolicy { return createDelayClassPolicy(qc) },
	TCNQueue:        func(qc QueuePolicyConfig) QueuePolicy { return createTCNPolicy(qc) },
	ECNSharpQueue:   func(qc QueuePolicyConfig) QueuePolicy { return createECNSharpPolicy(qc) },
}

// CreateQueuePolicy returns a new policy instance of the configured kind
func CreateQueuePolicy(qc QueuePolicyConfig) QueuePolicy {
	constructor, present := queueFactory[qc.Kind]
	if !present {
		panic(fmt.Errorf("no constructor for queue kind %d", qc.Kind))
	}
	return constructor(qc)
}

// PacketFilter assigns a class to a packet.  ok is false when no class applies
type PacketFilter interface {
	Classify(pckt *Packet) (class int, ok bool)
}

// DSCPFilter classifies by the DSCP bits of the IPv4 header
type DSCPFilter struct{}

func (DSCPFilter) Classify(pckt *Packet) (int, bool) {
	return int(pckt.DSCP()), true
}

// DelayClassPolicy emulates per-class delays at a host's egress.  Packets of an
// unknown class get the delay of the first binding
type DelayClassPolicy struct {
	filter  PacketFilter
	classes []int
	delays  map[int]float64
}

func createDelayClassPolicy(qc QueuePolicyConfig) *DelayClassPolicy {
	dcp := new(DelayClassPolicy)
	dcp.filter = qc.ClassifyPackets
	if dcp.filter == nil {
		dcp.filter = DSCPFilter{}
	}
	dcp.delays = make(map[int]float64)
	for _, binding := range qc.DelayBindings {
		dcp.AddDelayClass(binding.Class, float64(binding.Delay)*1e-6)
	}
	return dcp
}

// AddDelayClass binds a class to a delay (seconds), keeping classes in the order added
func (dcp *DelayClassPolicy) AddDelayClass(class int, delay float64) {
	if !slices.Contains(dcp.classes, class) {
		dcp.classes = append(dcp.classes, class)
	}
	dcp.delays[class] = delay
}

// Classes lists the classes in the order they were bound
func (dcp *DelayClassPolicy) Classes() []int {
	return dcp.classes
}

func (dcp *DelayClassPolicy) Kind() QueueKind { return DelayClassQueue }

func (dcp *DelayClassPolicy) Admit(now float64, pckt *Packet, qs QueueState) Verdict {
	if len(dcp.classes) == 0 {
		return Verdict{}
	}
	class, ok := dcp.filter.Classify(pckt)
	delay, present := dcp.delays[class]
	if !ok || !present {
		delay = dcp.delays[dcp.classes[0]]
	}
	return Verdict{Hold: delay}
}

// TCNPolicy marks on instantaneous sojourn time above a threshold
type TCNPolicy struct {
	maxPackets int
	threshold  float64
}

func createTCNPolicy(qc QueuePolicyConfig) *TCNPolicy {
	return &TCNPolicy{maxPackets: qc.MaxPackets, threshold: qc.TCNThreshold}
}

func (tcn *TCNPolicy) Kind() QueueKind { return TCNQueue }

func (tcn *TCNPolicy) Admit(now float64, pckt *Packet, qs QueueState) Verdict {
	if qs.Backlog >= tcn.maxPackets {
		return Verdict{Drop: true}
	}
	return Verdict{Mark: qs.Sojourn > tcn.threshold}
}

// ECNSharpPolicy marks on instantaneous sojourn above a threshold, or when the
// sojourn has stayed above target for at least interval
type ECNSharpPolicy struct {
	maxPackets int
	threshold  float64
	target     float64
	interval   float64

	aboveSince float64 // when sojourn first went above target, -1 when below
}

func createECNSharpPolicy(qc QueuePolicyConfig) *ECNSharpPolicy {
	return &ECNSharpPolicy{maxPackets: qc.MaxPackets, threshold: qc.SharpThreshold,
		target: qc.SharpTarget, interval: qc.SharpInterval, aboveSince: -1.0}
}

func (esp *ECNSharpPolicy) Kind() QueueKind { return ECNSharpQueue }

func (esp *ECNSharpPolicy) Admit(now float64, pckt *Packet, qs QueueState) Verdict {
	if qs.Backlog >= esp.maxPackets {
		return Verdict{Drop: true}
	}
	if qs.Sojourn > esp.threshold {
		return Verdict{Mark: true}
	}
	if qs.Sojourn <= esp.target {
		esp.aboveSince = -1.0
		return Verdict{}
	}
	if esp.aboveSince < 0.0 {
		esp.aboveSince = now
	}
	return Verdict{Mark: now-esp.aboveSince >= esp.interval}
}
