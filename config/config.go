// Package config loads a simulation description from JSON and builds the
// corresponding engine pipeline. The description declares the variables of
// the run, the ordered tools of the per-step pipeline and the report files
// written after each step.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/wavecell/wavecell"
	"github.com/wavecell/wavecell/device"
	"github.com/wavecell/wavecell/engine"
	"github.com/wavecell/wavecell/transport"
)

// Config is the root of a simulation description.
type Config struct {
	// Backend names the device backend; empty selects the registered one.
	Backend string `json:"backend,omitempty"`
	// DeviceIndex selects the device within the backend.
	DeviceIndex int `json:"device_index,omitempty"`

	Variables []VariableConfig `json:"variables"`
	Tools     []ToolConfig     `json:"tools"`
	Reports   []ReportConfig   `json:"reports,omitempty"`
}

// VariableConfig declares one variable. A variable with a length
// expression is an array; one with a value expression (or neither) is a
// scalar.
type VariableConfig struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Length string `json:"length,omitempty"`
	Value  string `json:"value,omitempty"`
}

// ToolConfig declares one pipeline tool. Kind selects the tool type; the
// remaining fields apply per kind.
type ToolConfig struct {
	Kind string `json:"kind"`
	Name string `json:"name"`

	// reduction, linklist, mask: the array read by the tool.
	Input string `json:"input,omitempty"`
	// reduction, mask, set_scalar: the variable written by the tool.
	Output string `json:"output,omitempty"`
	// reduction: operator and identity source text.
	Operation string `json:"operation,omitempty"`
	Identity  string `json:"identity,omitempty"`
	// radixsort: key and permutation arrays.
	Keys    string `json:"keys,omitempty"`
	Perm    string `json:"perm,omitempty"`
	Inverse string `json:"inverse,omitempty"`
	// radixsort, sort, kernel: live-count scalar or work size expression.
	Count string `json:"count,omitempty"`
	Size  string `json:"size,omitempty"`
	// sort: the array reordered by the permutation.
	Field string `json:"field,omitempty"`
	// mask: split planes along the first axis.
	Splits []float32 `json:"splits,omitempty"`
	// mpisync: the ownership mask and the migrated fields.
	Mask   string   `json:"mask,omitempty"`
	Fields []string `json:"fields,omitempty"`
	// set_scalar: the assigned expression.
	Value string `json:"value,omitempty"`
	// kernel: program source, entry point and argument bindings.
	Source  string   `json:"source,omitempty"`
	Entry   string   `json:"entry,omitempty"`
	Args    []string `json:"args,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
}

// ReportConfig declares one tab-separated report file.
type ReportConfig struct {
	Name   string   `json:"name"`
	Path   string   `json:"path"`
	Fields []string `json:"fields"`
	// Once writes a single line after the first step instead of one per step.
	Once bool `json:"once,omitempty"`
}

// Load reads a Config from a JSON file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", wavecell.ErrInvalidConfiguration, path, err)
	}
	return &cfg, nil
}

// Build creates a server from the description: registers the variables in
// declaration order, instantiates the tools and reports, and runs the
// setup pass. tr may be nil when no tool needs a transport.
func Build(cfg *Config, opts engine.Options, tr transport.Transport) (*engine.Server, error) {
	if cfg.Backend != "" {
		backend, err := selectBackend(cfg.Backend)
		if err != nil {
			return nil, err
		}
		opts.Backend = backend
	}
	opts.DeviceIndex = cfg.DeviceIndex

	srv, err := engine.NewServer(opts)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			srv.Close()
		}
	}()

	reg := srv.Variables()
	for _, vc := range cfg.Variables {
		if vc.Length != "" {
			_, err = reg.RegisterArray(vc.Name, vc.Type, vc.Length)
		} else {
			_, err = reg.RegisterScalar(vc.Name, vc.Type, vc.Value)
		}
		if err != nil {
			return nil, err
		}
	}

	for _, tc := range cfg.Tools {
		tool, err := buildTool(tc, tr)
		if err != nil {
			return nil, err
		}
		srv.Add(tool)
	}
	for _, rc := range cfg.Reports {
		if rc.Once {
			srv.AddReport(engine.NewOnceReport(rc.Name, rc.Path, rc.Fields))
		} else {
			srv.AddReport(engine.NewReport(rc.Name, rc.Path, rc.Fields))
		}
	}

	if err := srv.Setup(); err != nil {
		return nil, err
	}
	ok = true
	return srv, nil
}

func selectBackend(name string) (device.Backend, error) {
	// OpenCL and CUDA builds register themselves; they are reached with an
	// empty backend name.
	switch name {
	case "cpu":
		return device.NewCPUBackend(), nil
	}
	return nil, fmt.Errorf("%w: unknown backend %q", wavecell.ErrInvalidConfiguration, name)
}

func buildTool(tc ToolConfig, tr transport.Transport) (engine.Tool, error) {
	switch tc.Kind {
	case "reduction":
		return engine.NewReduction(tc.Name, tc.Input, tc.Output, tc.Operation, tc.Identity), nil
	case "linklist":
		return engine.NewLinkList(tc.Name, tc.Input), nil
	case "radixsort":
		return engine.NewRadixSort(tc.Name, tc.Keys, tc.Perm, tc.Inverse, tc.Count), nil
	case "sort":
		return engine.NewSort(tc.Name, tc.Field, tc.Perm, tc.Count), nil
	case "mask":
		return engine.NewDomainMask(tc.Name, tc.Input, tc.Output, tc.Splits), nil
	case "mpisync":
		if tr == nil {
			return nil, fmt.Errorf("%w: tool %q needs a transport",
				wavecell.ErrInvalidConfiguration, tc.Name)
		}
		return engine.NewMPISync(tc.Name, tc.Mask, tc.Fields, tr), nil
	case "set_scalar":
		return engine.NewSetScalar(tc.Name, tc.Output, tc.Value), nil
	case "kernel":
		prog := device.Program{Source: tc.Source, Entries: []string{tc.Entry}}
		return engine.NewKernel(tc.Name, prog, tc.Args, tc.Outputs, tc.Size), nil
	}
	return nil, fmt.Errorf("%w: unknown tool kind %q", wavecell.ErrInvalidConfiguration, tc.Kind)
}
