package rttvar

// experiment.go assembles and runs one experiment: the configuration is
// checked as a whole, the result directory prepared, the fabric built and
// routed, sinks and flows attached, and then the timeline is run to the end
// time, after which every endpoint is closed and the statistics written.

import (
	"fmt"
	log "github.com/sirupsen/logrus"
	"net/netip"
	"os"
)

// Experiment holds everything built for one run
type Experiment struct {
	Name string

	cfg      *Config
	sched    *EventScheduler
	fabric   *Fabric
	selector *RoutingPolicySelector
	recorder *FlowRecorder
	monitor  *FlowMonitor
	flows    []*Flow
	sinks    map[int]*TrafficSink // keyed by server index
}

// NewExperiment builds the experiment the configuration describes.  Every
// name, range, routing precondition and output path is checked before
// anything is built
func NewExperiment(cfg *Config) (*Experiment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	selector, err := CreateRoutingPolicySelector(cfg)
	if err != nil {
		return nil, err
	}
	schedule, err := cfg.AppSchedule()
	if err != nil {
		return nil, err
	}
	if err := CheckDirectories([]string{cfg.OutputDir}); err != nil {
		return nil, err
	}
	if err := CheckOutputFiles([]string{cfg.TopologyOut}); err != nil {
		return nil, err
	}

	exp := &Experiment{cfg: cfg, selector: selector}
	exp.Name = fmt.Sprintf("%dX%d_%s_%s_%s", cfg.LeafCount, cfg.SpineCount, cfg.AQM, cfg.TransportProt, cfg.RunMode)
	exp.sinks = make(map[int]*TrafficSink)

	resultPath := cfg.ResultPath()
	if err := os.MkdirAll(resultPath, 0o755); err != nil {
		log.WithFields(log.Fields{"dir": resultPath}).Warn("result directory could not be created: ", err)
	}
	exp.recorder = CreateFlowRecorder(resultPath)
	if err := exp.recorder.RemoveLogs(); err != nil {
		log.Warn(err)
	}

	exp.sched = CreateEventScheduler()
	exp.monitor = CreateFlowMonitor(exp.Name, true)

	exp.fabric, err = BuildFabric(cfg, exp.sched, exp.monitor)
	if err != nil {
		return nil, err
	}
	if err := selector.Install(exp.fabric); err != nil {
		return nil, err
	}

	// server i sends to server i + (number of servers)/2
	half := len(exp.fabric.Servers) / 2
	for idx := 0; idx < half; idx++ {
		dstIdx := idx + half
		dstServer := exp.fabric.Servers[dstIdx]
		sink := CreateTrafficSink(cfg, exp.recorder)
		if err := dstServer.stack.Listen(cfg.SinkPort, sink); err != nil {
			return nil, err
		}
		exp.sinks[dstIdx] = sink

		dst := netip.AddrPortFrom(exp.fabric.ServerAddr(dstIdx), cfg.SinkPort)
		flow, err := CreateFlow(idx, exp.fabric.Servers[idx], dst, cfg.AppPacketSize, schedule, uint32(idx))
		if err != nil {
			return nil, err
		}
		flow.DSCP = uint8(cfg.AppDSCP)
		exp.flows = append(exp.flows, flow)
	}

	log.WithFields(log.Fields{"ratio": cfg.OversubscriptionRatio()}).Info("over-subscription ratio")
	log.WithFields(log.Fields{"flows": len(exp.flows), "mode": selector.Mode().String()}).Info("experiment assembled")
	return exp, nil
}

// Run executes the experiment to its end time, then tears it down and writes results
func (exp *Experiment) Run() error {
	for _, flow := range exp.flows {
		if err := flow.StartFlow(exp.sched, exp.recorder, exp.cfg.StartTime); err != nil {
			return err
		}
	}
	if exp.cfg.ProgressInterval > 0 {
		exp.sched.Schedule(exp, nil, reportProgress, exp.progressInterval())
	}

	log.WithFields(log.Fields{"endtime": exp.cfg.EndTime}).Info("start simulation")
	exp.sched.Run(exp.cfg.EndTime)
	log.WithFields(log.Fields{"events": exp.sched.Fired()}).Info("stop simulation")

	return exp.teardown()
}

func (exp *Experiment) progressInterval() float64 {
	return float64(exp.cfg.ProgressInterval) * 1e-3
}

// reportProgress is the event handler that logs the simulation time periodically
func reportProgress(sched Scheduler, context any, data any) any {
	exp := context.(*Experiment)
	now := sched.Now()
	log.WithFields(log.Fields{"time": fmt.Sprintf("%.3f", now)}).Info("progress")
	if now+exp.progressInterval() <= exp.cfg.EndTime {
		sched.Schedule(exp, nil, reportProgress, exp.progressInterval())
	}
	return nil
}

// teardown closes every endpoint and log, then writes the statistics files
func (exp *Experiment) teardown() error {
	errs := []error{}
	for _, flow := range exp.flows {
		errs = append(errs, flow.StopFlow())
	}
	for _, server := range exp.fabric.Servers {
		server.stack.CloseAll()
	}
	errs = append(errs, exp.recorder.Close())

	monitorFile := exp.cfg.FlowMonitorFileName()
	if err := CheckOutputFiles([]string{monitorFile}); err != nil {
		errs = append(errs, err)
	} else {
		errs = append(errs, exp.monitor.WriteToFile(monitorFile))
	}

	if len(exp.cfg.TopologyOut) > 0 {
		errs = append(errs, exp.fabric.Describe(exp.Name).WriteToFile(exp.cfg.TopologyOut))
	}

	packets, drops, marks := exp.fabric.Stats()
	log.WithFields(log.Fields{"transmissions": packets, "drops": drops, "marks": marks}).Info("fabric totals")
	return ReportErrs(errs)
}

// Fabric is the fabric the experiment built
func (exp *Experiment) Fabric() *Fabric {
	return exp.fabric
}

// Flows lists the experiment's flows
func (exp *Experiment) Flows() []*Flow {
	return exp.flows
}

// Sink returns the sink listening at the server with the given index, if any
func (exp *Experiment) Sink(serverIdx int) (*TrafficSink, bool) {
	sink, present := exp.sinks[serverIdx]
	return sink, present
}

// Monitor is the experiment's flow monitor
func (exp *Experiment) Monitor() *FlowMonitor {
	return exp.monitor
}

// Recorder is the experiment's event log writer
func (exp *Experiment) Recorder() *FlowRecorder {
	return exp.recorder
}

// Scheduler is the experiment's event scheduler
func (exp *Experiment) Scheduler() *EventScheduler {
	return exp.sched
}
