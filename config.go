package rttvar

// config.go holds the experiment configuration: every knob the command line
// exposes, collected in one struct that is handed to the builders rather
// than spread across package globals.

import (
	"encoding/json"
	"errors"
	"fmt"
	"gopkg.in/yaml.v3"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// LinkCapacityBase is the unit of the capacity flags, 1Gbps
const LinkCapacityBase = 1e9

var (
	ErrUnknownAQM        = errors.New("unknown AQM")
	ErrUnknownRunMode    = errors.New("unknown routing mode")
	ErrUnknownTransport  = errors.New("unknown transport protocol")
	ErrPrecondition      = errors.New("routing mode precondition violated")
	ErrMalformedSchedule = errors.New("malformed rate schedule")
	ErrNotAddressed      = errors.New("fabric has no addresses yet")
	ErrUnknownAddress    = errors.New("address not assigned by the topology builder")
)

// DelayBinding associates a packet class with the delay a host-facing
// delay-class queue applies to it, in microseconds
type DelayBinding struct {
	Class int    `json:"class" yaml:"class"`
	Delay uint32 `json:"delay" yaml:"delay"`
}

// Config describes one experiment.  Times are in seconds unless the name says otherwise
type Config struct {
	StartTime     float64 `json:"starttime" yaml:"starttime"`
	EndTime       float64 `json:"endtime" yaml:"endtime"`
	RandomSeed    uint64  `json:"randomseed" yaml:"randomseed"`
	TransportProt string  `json:"transportprot" yaml:"transportprot"`

	// propagation latency of every link, microseconds
	LinkLatency uint32 `json:"linklatency" yaml:"linklatency"`

	// servers per leaf, leaves, spines, parallel links per leaf/spine pair
	ServerCount int `json:"servercount" yaml:"servercount"`
	SpineCount  int `json:"spinecount" yaml:"spinecount"`
	LeafCount   int `json:"leafcount" yaml:"leafcount"`
	LinkCount   int `json:"linkcount" yaml:"linkcount"`

	// capacities in Gbps
	SpineLeafCapacity  uint64 `json:"spineleafcapacity" yaml:"spineleafcapacity"`
	LeafServerCapacity uint64 `json:"leafservercapacity" yaml:"leafservercapacity"`

	// asymmetric topology: leaf 0 <-> spine 0 links run at AsymCapacityRatio of SpineLeafCapacity
	AsymCapacity      bool    `json:"asymcapacity" yaml:"asymcapacity"`
	AsymCapacityRatio float64 `json:"asymcapacityratio" yaml:"asymcapacityratio"`

	// switch-side queueing.  Thresholds, targets and intervals in microseconds
	AQM                      string `json:"aqm" yaml:"aqm"`
	BufferSize               int    `json:"buffersize" yaml:"buffersize"`
	TCNThreshold             uint32 `json:"tcnthreshold" yaml:"tcnthreshold"`
	ECNSharpInterval         uint32 `json:"ecnsharpinterval" yaml:"ecnsharpinterval"`
	ECNSharpTarget           uint32 `json:"ecnsharptarget" yaml:"ecnsharptarget"`
	ECNSharpMarkingThreshold uint32 `json:"ecnsharpmarkingthreshold" yaml:"ecnsharpmarkingthreshold"`

	// host-side delay classes
	DelayClasses []DelayBinding `json:"delayclasses" yaml:"delayclasses"`

	// receiver resequencing, timeouts in microseconds
	Resequence                  bool   `json:"resequence" yaml:"resequence"`
	ResequenceInOrderTimeout    uint32 `json:"resequenceinordertimeout" yaml:"resequenceinordertimeout"`
	ResequenceOutOfOrderTimeout uint32 `json:"resequenceoutofordertimeout" yaml:"resequenceoutofordertimeout"`
	ResequenceBufferSize        int    `json:"resequencebuffersize" yaml:"resequencebuffersize"`

	// application traffic
	AppPacketSize    int    `json:"apppacketsize" yaml:"apppacketsize"`
	AppBandwidth     string `json:"appbandwidth" yaml:"appbandwidth"`
	AppSecondsChange string `json:"appsecondschange" yaml:"appsecondschange"`
	AppDSCP          uint32 `json:"appdscp" yaml:"appdscp"` // delay class stamped on every packet
	SinkPort         uint16 `json:"sinkport" yaml:"sinkport"`

	// routing
	RunMode        string `json:"runmode" yaml:"runmode"`
	FlowletTimeout uint32 `json:"flowlettimeout" yaml:"flowlettimeout"` // microseconds
	FlowcellSize   int    `json:"flowcellsize" yaml:"flowcellsize"`     // bytes

	// output
	ResultDir        string `json:"resultdir" yaml:"resultdir"`
	Flag             string `json:"flag" yaml:"flag"`
	OutputDir        string `json:"outputdir" yaml:"outputdir"`
	TopologyOut      string `json:"topologyout" yaml:"topologyout"`
	ProgressInterval uint32 `json:"progressinterval" yaml:"progressinterval"` // milliseconds
}

// DefaultConfig returns the configuration of the reference experiment
func DefaultConfig() *Config {
	cfg := new(Config)
	cfg.StartTime = 0.0
	cfg.EndTime = 0.5
	cfg.RandomSeed = 0
	cfg.TransportProt = "DcTcp"
	cfg.LinkLatency = 10

	cfg.ServerCount = 6
	cfg.SpineCount = 2
	cfg.LeafCount = 2
	cfg.LinkCount = 2

	cfg.SpineLeafCapacity = 10
	cfg.LeafServerCapacity = 10
	cfg.AsymCapacity = false
	cfg.AsymCapacityRatio = 0.2

	cfg.AQM = "ECNSharp"
	cfg.BufferSize = 250
	cfg.TCNThreshold = 80
	cfg.ECNSharpInterval = 150
	cfg.ECNSharpTarget = 10
	cfg.ECNSharpMarkingThreshold = 80

	cfg.DelayClasses = []DelayBinding{{0, 1}, {1, 20}, {2, 50}, {3, 80}, {4, 160}}

	cfg.Resequence = false
	cfg.ResequenceInOrderTimeout = 5
	cfg.ResequenceOutOfOrderTimeout = 500
	cfg.ResequenceBufferSize = 100

	cfg.AppPacketSize = 1440
	cfg.AppBandwidth = "10Mbps"
	cfg.AppSecondsChange = "0,10"
	cfg.SinkPort = 8080

	cfg.RunMode = "ECMP"
	cfg.FlowletTimeout = 500
	cfg.FlowcellSize = 64 * 1024

	cfg.ResultDir = "tmp_index"
	cfg.Flag = "initial"
	cfg.OutputDir = "."
	cfg.ProgressInterval = 100
	return cfg
}

// ReadConfig deserializes a Config.  If the input argument dict is empty the
// file whose name is given is read to acquire the bytes.  Fields absent from
// the input keep their DefaultConfig values
func ReadConfig(filename string, useYAML bool, dict []byte) (*Config, error) {
	var err error

	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	cfg := DefaultConfig()
	if useYAML {
		err = yaml.Unmarshal(dict, cfg)
	} else {
		err = json.Unmarshal(dict, cfg)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadConfigFile reads a Config, choosing yaml or json from the file extension
func ReadConfigFile(filename string) (*Config, error) {
	ext := path.Ext(filename)
	useYAML := (ext == ".yaml") || (ext == ".yml") || (ext == ".YAML")
	return ReadConfig(filename, useYAML, nil)
}

// WriteToFile stores the Config in the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (cfg *Config) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*cfg)
	} else {
		bytes, merr = json.MarshalIndent(*cfg, "", "\t")
	}
	if merr != nil {
		return merr
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// Validate checks every name and numeric range in the configuration, and every
// routing-mode precondition.  All problems found are reported together
func (cfg *Config) Validate() error {
	errs := []error{}

	if _, err := ParseAQM(cfg.AQM); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseTransport(cfg.TransportProt); err != nil {
		errs = append(errs, err)
	}
	mode, err := ParseRunMode(cfg.RunMode)
	if err != nil {
		errs = append(errs, err)
	} else {
		errs = append(errs, mode.CheckPreconditions(cfg))
	}

	if cfg.ServerCount < 1 || cfg.LeafCount < 1 || cfg.SpineCount < 1 || cfg.LinkCount < 1 {
		errs = append(errs, fmt.Errorf("server, leaf, spine and link counts must all be positive"))
	}
	if cfg.SpineLeafCapacity == 0 || cfg.LeafServerCapacity == 0 {
		errs = append(errs, fmt.Errorf("link capacities must be positive"))
	}
	if cfg.AsymCapacity && !(cfg.AsymCapacityRatio > 0.0) {
		errs = append(errs, fmt.Errorf("asymmetric capacity ratio must be positive"))
	}
	if !(cfg.EndTime > cfg.StartTime) {
		errs = append(errs, fmt.Errorf("end time %g is not after start time %g", cfg.EndTime, cfg.StartTime))
	}
	if cfg.AppPacketSize <= 0 {
		errs = append(errs, fmt.Errorf("application packet size must be positive"))
	}
	if cfg.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("buffer size must be positive"))
	}
	if cfg.Resequence && cfg.ResequenceBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("resequence buffer size must be positive"))
	}
	if _, err := cfg.AppSchedule(); err != nil {
		errs = append(errs, err)
	}
	if !cfg.delayClassBound(int(cfg.AppDSCP)) {
		errs = append(errs, fmt.Errorf("application DSCP %d has no delay class", cfg.AppDSCP))
	}

	return ReportErrs(errs)
}

// delayClassBound reports whether a DSCP value is one of the bound delay classes
func (cfg *Config) delayClassBound(dscp int) bool {
	if dscp > 63 {
		return false
	}
	for _, binding := range cfg.DelayClasses {
		if binding.Class == dscp {
			return true
		}
	}
	return false
}

// AppSchedule parses the application bandwidth and change-time strings
func (cfg *Config) AppSchedule() (RateSchedule, error) {
	return ParseRateSchedule(cfg.AppBandwidth, cfg.AppSecondsChange)
}

// ResultPath is the directory the per-event logs go to, <resultDir>/<flag>_<aqm>
func (cfg *Config) ResultPath() string {
	return filepath.Join(cfg.ResultDir, cfg.Flag+"_"+cfg.AQM)
}

// FlowMonitorFileName is the aggregate statistics file, <leaves>X<spines>_<aqm>_<transport>.xml
func (cfg *Config) FlowMonitorFileName() string {
	name := fmt.Sprintf("%dX%d_%s_%s.xml", cfg.LeafCount, cfg.SpineCount, cfg.AQM, cfg.TransportProt)
	return filepath.Join(cfg.OutputDir, name)
}

// OversubscriptionRatio is server capacity under one leaf over that leaf's uplink capacity
func (cfg *Config) OversubscriptionRatio() float64 {
	down := float64(cfg.ServerCount) * float64(cfg.LeafServerCapacity)
	up := float64(cfg.SpineLeafCapacity) * float64(cfg.SpineCount*cfg.LinkCount)
	return down / up
}

// ReportErrs transforms a list of errors and transforms the non-nil ones into a single error
// with comma-separated report of all the constituent errors, and returns it.
func ReportErrs(errs []error) error {
	wrapped := make([]any, 0)
	for _, err := range errs {
		if err != nil {
			wrapped = append(wrapped, err)
		}
	}
	if len(wrapped) == 0 {
		return nil
	}
	if len(wrapped) == 1 {
		return wrapped[0].(error)
	}
	// one %w per error keeps every constituent visible to errors.Is
	format := strings.TrimSuffix(strings.Repeat("%w,", len(wrapped)), ",")
	return fmt.Errorf(format, wrapped...)
}
