package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/docopt/docopt-go"
	log "github.com/sirupsen/logrus"

	"github.com/iti/rttvar"
)

const Version = "0.1.0"

const usage = `Spine-leaf fabric RTT variation experiment.

Settings are taken from the defaults, then from the --config file when one is
named, then from the options given here.

Usage:
    large-scale [options]
    large-scale -h | --help
    large-scale --version

Options:
    -h --help                                Show this screen.
    --version                                Show version.
    --config=<file>                          yaml or json configuration file.
    --logLevel=<level>                       panic, fatal, error, warn, info, debug or trace [default: info].
    --StartTime=<s>                          Start time of the flows (seconds).
    --EndTime=<s>                            End time of the simulation (seconds).
    --randomSeed=<n>                         Random seed, 0 for the default streams.
    --transportProt=<name>                   Tcp, DcTcp or Udp.
    --linkLatency=<us>                       Link latency (microseconds).
    --serverCount=<n>                        Servers per leaf.
    --spineCount=<n>                         Number of spines.
    --leafCount=<n>                          Number of leaves.
    --linkCount=<n>                          Links between each leaf and spine.
    --spineLeafCapacity=<gbps>               Spine to leaf capacity (Gbps).
    --leafServerCapacity=<gbps>              Leaf to server capacity (Gbps).
    --asymCapacity                           Slow the leaf 0 to spine 0 links down.
    --asymCapacityRatio=<r>                  Ratio applied to the asymmetric links.
    --AQM=<name>                             TCN or ECNSharp.
    --bufferSize=<n>                         Switch queue bound (packets).
    --TCNThreshold=<us>                      TCN marking threshold (microseconds).
    --ECNSharpInterval=<us>                  ECN# persistent interval (microseconds).
    --ECNSharpTarget=<us>                    ECN# persistent target (microseconds).
    --ECNSharpMarkingThreshold=<us>          ECN# instantaneous threshold (microseconds).
    --resequenceBuffer                       Resequence arrivals at the receivers.
    --resequenceInOrderTimeout=<us>          In-order timeout (microseconds).
    --resequenceOutOfOrderTimeout=<us>       Out-of-order timeout (microseconds).
    --resequenceBufferSize=<n>               Packets held per source.
    --appPacketSize=<bytes>                  Application packet size.
    --appBandwidth=<rates>                   Comma-separated rates, e.g. 10Mbps,0bps,40Mbps.
    --appSecondsChange=<times>               Comma-separated change times, e.g. 0,2,3,6.
    --appDscp=<n>                            Delay class (DSCP) of the application packets.
    --runMode=<mode>                         TLB, CONGA, CONGA_FLOW, CONGA_ECMP, PRESTO, WEIGHTED_PRESTO,
                                             DRB, FlowBender, ECMP, Clove, DRILL or LetFlow.
    --flowletTimeout=<us>                    Flowlet gap (microseconds).
    --flowcellSize=<bytes>                   Flowcell size.
    --resultDir=<dir>                        Directory for the per-event logs.
    --flag=<name>                            Prefix of the result sub-directory.
    --outputDir=<dir>                        Directory for the flow monitor file.
    --topologyOut=<file>                     Write the built fabric to this yaml or json file.`

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.StampMicro,
	})
	log.SetOutput(os.Stdout)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	levelName, _ := opts.String("--logLevel")
	level, err := log.ParseLevel(levelName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log.SetLevel(level)

	cfg, err := buildConfig(opts)
	if err != nil {
		log.Error(err)
		os.Exit(2)
	}

	exp, err := rttvar.NewExperiment(cfg)
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
	if err := exp.Run(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

// buildConfig layers the options over the configuration file over the defaults
func buildConfig(opts docopt.Opts) (*rttvar.Config, error) {
	cfg := rttvar.DefaultConfig()
	if filename, err := opts.String("--config"); err == nil && len(filename) > 0 {
		cfg, err = rttvar.ReadConfigFile(filename)
		if err != nil {
			return nil, err
		}
	}

	ov := &overrides{opts: opts}
	ov.floatOpt("--StartTime", &cfg.StartTime)
	ov.floatOpt("--EndTime", &cfg.EndTime)
	ov.uint64Opt("--randomSeed", &cfg.RandomSeed)
	ov.strOpt("--transportProt", &cfg.TransportProt)
	ov.uint32Opt("--linkLatency", &cfg.LinkLatency)

	ov.intOpt("--serverCount", &cfg.ServerCount)
	ov.intOpt("--spineCount", &cfg.SpineCount)
	ov.intOpt("--leafCount", &cfg.LeafCount)
	ov.intOpt("--linkCount", &cfg.LinkCount)
	ov.uint64Opt("--spineLeafCapacity", &cfg.SpineLeafCapacity)
	ov.uint64Opt("--leafServerCapacity", &cfg.LeafServerCapacity)
	ov.flagOpt("--asymCapacity", &cfg.AsymCapacity)
	ov.floatOpt("--asymCapacityRatio", &cfg.AsymCapacityRatio)

	ov.strOpt("--AQM", &cfg.AQM)
	ov.intOpt("--bufferSize", &cfg.BufferSize)
	ov.uint32Opt("--TCNThreshold", &cfg.TCNThreshold)
	ov.uint32Opt("--ECNSharpInterval", &cfg.ECNSharpInterval)
	ov.uint32Opt("--ECNSharpTarget", &cfg.ECNSharpTarget)
	ov.uint32Opt("--ECNSharpMarkingThreshold", &cfg.ECNSharpMarkingThreshold)

	ov.flagOpt("--resequenceBuffer", &cfg.Resequence)
	ov.uint32Opt("--resequenceInOrderTimeout", &cfg.ResequenceInOrderTimeout)
	ov.uint32Opt("--resequenceOutOfOrderTimeout", &cfg.ResequenceOutOfOrderTimeout)
	ov.intOpt("--resequenceBufferSize", &cfg.ResequenceBufferSize)

	ov.intOpt("--appPacketSize", &cfg.AppPacketSize)
	ov.strOpt("--appBandwidth", &cfg.AppBandwidth)
	ov.strOpt("--appSecondsChange", &cfg.AppSecondsChange)
	ov.uint32Opt("--appDscp", &cfg.AppDSCP)

	ov.strOpt("--runMode", &cfg.RunMode)
	ov.uint32Opt("--flowletTimeout", &cfg.FlowletTimeout)
	ov.intOpt("--flowcellSize", &cfg.FlowcellSize)

	ov.strOpt("--resultDir", &cfg.ResultDir)
	ov.strOpt("--flag", &cfg.Flag)
	ov.strOpt("--outputDir", &cfg.OutputDir)
	ov.strOpt("--topologyOut", &cfg.TopologyOut)

	return cfg, rttvar.ReportErrs(ov.errs)
}

// overrides copies the options that were given into configuration fields
type overrides struct {
	opts docopt.Opts
	errs []error
}

// value returns the option's text and whether it was given
func (ov *overrides) value(key string) (string, bool) {
	raw, present := ov.opts[key]
	if !present || raw == nil {
		return "", false
	}
	text, ok := raw.(string)
	return text, ok
}

func (ov *overrides) strOpt(key string, dst *string) {
	if text, given := ov.value(key); given {
		*dst = text
	}
}

func (ov *overrides) floatOpt(key string, dst *float64) {
	if text, given := ov.value(key); given {
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			ov.errs = append(ov.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = v
	}
}

func (ov *overrides) intOpt(key string, dst *int) {
	if text, given := ov.value(key); given {
		v, err := strconv.Atoi(text)
		if err != nil {
			ov.errs = append(ov.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = v
	}
}

func (ov *overrides) uint32Opt(key string, dst *uint32) {
	if text, given := ov.value(key); given {
		v, err := strconv.ParseUint(text, 10, 32)
		if err != nil {
			ov.errs = append(ov.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = uint32(v)
	}
}

func (ov *overrides) uint64Opt(key string, dst *uint64) {
	if text, given := ov.value(key); given {
		v, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			ov.errs = append(ov.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = v
	}
}

func (ov *overrides) flagOpt(key string, dst *bool) {
	if set, err := ov.opts.Bool(key); err == nil && set {
		*dst = true
	}
}
