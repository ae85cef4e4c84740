package rttvar

// desc-topo.go holds serializable descriptions of a built fabric: every node,
// every link with its subnet, end addresses, capacity and queue policies.
// A FabricDesc is written after construction when an output file is named,
// and can be read back for inspection or comparison between runs.

import (
	"encoding/json"
	"fmt"
	"gopkg.in/yaml.v3"
	"os"
	"path"
	"path/filepath"
)

// NodeDesc defines a serializable description of a server or switch
type NodeDesc struct {
	// unique among all nodes of the fabric
	ID int `json:"id" yaml:"id"`

	// e.g. "server-3", "leaf-0"
	Name string `json:"name" yaml:"name"`

	// "Server", "Leaf" or "Spine"
	Role string `json:"role" yaml:"role"`

	// one address per attached link, in attachment order
	Addrs []string `json:"addrs" yaml:"addrs"`
}

// EndDesc describes one end of a link
type EndDesc struct {
	Node   string `json:"node" yaml:"node"`
	Addr   string `json:"addr" yaml:"addr"`
	Policy string `json:"policy" yaml:"policy"`
}

// LinkDesc defines a serializable description of a link
type LinkDesc struct {
	ID       int       `json:"id" yaml:"id"`
	Subnet   string    `json:"subnet" yaml:"subnet"`
	Capacity float64   `json:"capacity" yaml:"capacity"` // bits per second
	Latency  float64   `json:"latency" yaml:"latency"`   // seconds
	Ends     []EndDesc `json:"ends" yaml:"ends"`
}

// FabricDesc is the serializable description of a whole fabric
type FabricDesc struct {
	// name of the experiment the fabric was built for
	Name string `json:"name" yaml:"name"`

	// routing mode installed
	RunMode string `json:"runmode" yaml:"runmode"`

	Nodes []NodeDesc `json:"nodes" yaml:"nodes"`
	Links []LinkDesc `json:"links" yaml:"links"`
}

// Describe returns the serializable description of the fabric
func (fab *Fabric) Describe(name string) *FabricDesc {
	fd := &FabricDesc{Name: name, RunMode: fab.cfg.RunMode}
	fd.Nodes = make([]NodeDesc, 0, len(fab.nodes))
	fd.Links = make([]LinkDesc, 0, len(fab.Links))

	for _, node := range fab.nodes {
		nd := NodeDesc{ID: node.id, Name: node.name, Role: node.role.String()}
		for _, addr := range node.Addrs() {
			nd.Addrs = append(nd.Addrs, addr.String())
		}
		fd.Nodes = append(fd.Nodes, nd)
	}

	for _, lnk := range fab.Links {
		ld := LinkDesc{ID: lnk.id, Subnet: lnk.subnet.String(), Capacity: lnk.capacity, Latency: lnk.latency}
		for _, pt := range lnk.ends {
			ld.Ends = append(ld.Ends, EndDesc{Node: pt.node.name, Addr: pt.addr.String(),
				Policy: pt.policy.Kind().String()})
		}
		fd.Links = append(fd.Links, ld)
	}
	return fd
}

// CountRole returns the number of nodes described with the given role
func (fd *FabricDesc) CountRole(role Role) int {
	count := 0
	for _, nd := range fd.Nodes {
		if nd.Role == role.String() {
			count += 1
		}
	}
	return count
}

// WriteToFile stores the FabricDesc struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (fd *FabricDesc) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*fd)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*fd, "", "\t")
	} else {
		return fmt.Errorf("fabric description %s needs a .yaml or .json extension", filename)
	}
	if merr != nil {
		return merr
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// ReadFabricDesc deserializes a slice of bytes into a FabricDesc.  If the input arg of bytes
// is empty, the file whose name is given as an argument is read.
func ReadFabricDesc(filename string, useYAML bool, dict []byte) (*FabricDesc, error) {
	var err error

	if len(dict) == 0 {
		fileInfo, err := os.Stat(filename)
		if os.IsNotExist(err) || (err == nil && fileInfo.IsDir()) {
			return nil, fmt.Errorf("fabric description %s does not exist or cannot be read", filename)
		}
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := FabricDesc{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, err
	}
	return &example, nil
}

// CheckDirectories makes sure every non-empty name given is an existing directory
func CheckDirectories(dirs []string) error {
	errs := []error{}
	for _, dir := range dirs {
		if len(dir) == 0 {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s not reachable", dir))
			continue
		}
		if !info.IsDir() {
			errs = append(errs, fmt.Errorf("%s not a directory", dir))
		}
	}
	return ReportErrs(errs)
}

// CheckOutputFiles makes sure the directory of every named output file exists
func CheckOutputFiles(names []string) error {
	errs := []error{}
	for _, name := range names {
		if len(name) == 0 {
			continue
		}
		directory, _ := filepath.Split(name)
		if len(directory) == 0 {
			continue
		}
		if _, err := os.Stat(directory); err != nil {
			errs = append(errs, err)
		}
	}
	return ReportErrs(errs)
}
