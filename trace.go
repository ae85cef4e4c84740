package rttvar

// trace.go gathers per-flow statistics while the simulation runs and writes
// them at the end, to the file named <leaves>X<spines>_<aqm>_<transport>.xml
// by default.  A flow is one five-tuple; delays are one-way, from the
// moment the source emitted the packet to its delivery at the server.

import (
	"encoding/json"
	"encoding/xml"
	"github.com/oklog/ulid/v2"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"
	"os"
	"path"
	"sort"
)

// FlowObserver is told about every packet entering, leaving, or being lost in the fabric
type FlowObserver interface {
	PacketSent(now float64, pckt *Packet)
	PacketReceived(now float64, pckt *Packet)
	PacketDropped(now float64, pckt *Packet, where string)
}

type noopObserver struct{}

func (noopObserver) PacketSent(now float64, pckt *Packet)                  {}
func (noopObserver) PacketReceived(now float64, pckt *Packet)              {}
func (noopObserver) PacketDropped(now float64, pckt *Packet, where string) {}

// FlowStats is the record kept for one flow
type FlowStats struct {
	FlowID    int    `json:"flowid" yaml:"flowid" xml:"flowId,attr"`
	SourceID  uint32 `json:"sourceid" yaml:"sourceid" xml:"sourceId,attr"`
	Src       string `json:"src" yaml:"src" xml:"sourceAddress,attr"`
	Dst       string `json:"dst" yaml:"dst" xml:"destinationAddress,attr"`
	SrcPort   uint16 `json:"srcport" yaml:"srcport" xml:"sourcePort,attr"`
	DstPort   uint16 `json:"dstport" yaml:"dstport" xml:"destinationPort,attr"`
	TxPackets int    `json:"txpackets" yaml:"txpackets" xml:"txPackets,attr"`
	RxPackets int    `json:"rxpackets" yaml:"rxpackets" xml:"rxPackets,attr"`
	Lost      int    `json:"lost" yaml:"lost" xml:"lostPackets,attr"`
	Marked    int    `json:"marked" yaml:"marked" xml:"markedPackets,attr"`
	TxBytes   int64  `json:"txbytes" yaml:"txbytes" xml:"txBytes,attr"`
	RxBytes   int64  `json:"rxbytes" yaml:"rxbytes" xml:"rxBytes,attr"`

	FirstTx float64 `json:"firsttx" yaml:"firsttx" xml:"timeFirstTx,attr"`
	LastTx  float64 `json:"lasttx" yaml:"lasttx" xml:"timeLastTx,attr"`
	FirstRx float64 `json:"firstrx" yaml:"firstrx" xml:"timeFirstRx,attr"`
	LastRx  float64 `json:"lastrx" yaml:"lastrx" xml:"timeLastRx,attr"`

	DelayMean   float64 `json:"delaymean" yaml:"delaymean" xml:"delayMean,attr"`
	DelayStdDev float64 `json:"delaystddev" yaml:"delaystddev" xml:"delayStdDev,attr"`
	JitterSum   float64 `json:"jittersum" yaml:"jittersum" xml:"jitterSum,attr"`

	delays    []float64
	lastDelay float64
}

// DropCount is the number of packets lost at one node
type DropCount struct {
	Node  string `json:"node" yaml:"node" xml:"node,attr"`
	Count int    `json:"count" yaml:"count" xml:"count,attr"`
}

// FlowMonitor implements FlowObserver and writes what it saw to file
type FlowMonitor struct {
	XMLName xml.Name `json:"-" yaml:"-" xml:"FlowMonitor"`

	// experiment uses the monitor
	InUse bool `json:"inuse" yaml:"inuse" xml:"inUse,attr"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname" xml:"expName,attr"`

	// identifies this run among runs of the same experiment
	RunID string `json:"runid" yaml:"runid" xml:"runId,attr"`

	Flows []*FlowStats `json:"flows" yaml:"flows" xml:"FlowStats>Flow"`
	Drops []DropCount  `json:"drops" yaml:"drops" xml:"Drops>Node"`

	byKey  map[FlowKey]*FlowStats
	byNode map[string]int
}

// CreateFlowMonitor is a constructor.  An inactive monitor ignores everything it is told
func CreateFlowMonitor(expName string, active bool) *FlowMonitor {
	fm := new(FlowMonitor)
	fm.InUse = active
	fm.ExpName = expName
	fm.RunID = ulid.Make().String()
	fm.Flows = make([]*FlowStats, 0)
	fm.byKey = make(map[FlowKey]*FlowStats)
	fm.byNode = make(map[string]int)
	return fm
}

// Active tells the caller whether the monitor is gathering statistics
func (fm *FlowMonitor) Active() bool {
	return fm.InUse
}

func (fm *FlowMonitor) flowOf(pckt *Packet) *FlowStats {
	key := pckt.Flow()
	fs, present := fm.byKey[key]
	if !present {
		fs = &FlowStats{FlowID: len(fm.Flows) + 1, SourceID: pckt.SourceID,
			Src: key.Src.String(), Dst: key.Dst.String(), SrcPort: key.SrcPort, DstPort: key.DstPort}
		fm.byKey[key] = fs
		fm.Flows = append(fm.Flows, fs)
	}
	return fs
}

// PacketSent counts a packet entering the fabric
func (fm *FlowMonitor) PacketSent(now float64, pckt *Packet) {
	if !fm.InUse {
		return
	}
	fs := fm.flowOf(pckt)
	if fs.TxPackets == 0 {
		fs.FirstTx = now
	}
	fs.LastTx = now
	fs.TxPackets += 1
	fs.TxBytes += int64(pckt.WireSize())
}

// PacketReceived counts a packet delivered to its destination server
func (fm *FlowMonitor) PacketReceived(now float64, pckt *Packet) {
	if !fm.InUse {
		return
	}
	fs := fm.flowOf(pckt)
	delay := now - pckt.SentAt
	if fs.RxPackets == 0 {
		fs.FirstRx = now
	} else {
		jitter := delay - fs.lastDelay
		if jitter < 0 {
			jitter = -jitter
		}
		fs.JitterSum += jitter
	}
	fs.lastDelay = delay
	fs.LastRx = now
	fs.RxPackets += 1
	fs.RxBytes += int64(pckt.WireSize())
	if pckt.CE() {
		fs.Marked += 1
	}
	fs.delays = append(fs.delays, delay)
}

// PacketDropped counts a packet lost at the named node
func (fm *FlowMonitor) PacketDropped(now float64, pckt *Packet, where string) {
	if !fm.InUse {
		return
	}
	fm.flowOf(pckt).Lost += 1
	fm.byNode[where] += 1
}

// Summarize computes the delay statistics and the per-node drop list
func (fm *FlowMonitor) Summarize() {
	for _, fs := range fm.Flows {
		switch len(fs.delays) {
		case 0:
		case 1:
			fs.DelayMean, fs.DelayStdDev = fs.delays[0], 0.0
		default:
			fs.DelayMean, fs.DelayStdDev = stat.MeanStdDev(fs.delays, nil)
		}
	}
	fm.Drops = make([]DropCount, 0, len(fm.byNode))
	for node, count := range fm.byNode {
		fm.Drops = append(fm.Drops, DropCount{Node: node, Count: count})
	}
	sort.Slice(fm.Drops, func(i, j int) bool { return fm.Drops[i].Node < fm.Drops[j].Node })
}

// WriteToFile stores the monitor's statistics in the file whose name is given.
// Serialization to yaml, json or xml is selected based on the extension of this name
func (fm *FlowMonitor) WriteToFile(filename string) error {
	if !fm.InUse {
		return nil
	}
	fm.Summarize()

	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	switch pathExt {
	case ".yaml", ".YAML", ".yml":
		bytes, merr = yaml.Marshal(*fm)
	case ".json", ".JSON":
		bytes, merr = json.MarshalIndent(*fm, "", "\t")
	default:
		bytes, merr = xml.MarshalIndent(*fm, "", "  ")
		bytes = append([]byte(xml.Header), bytes...)
	}
	if merr != nil {
		return merr
	}
	return os.WriteFile(filename, bytes, 0o644)
}
