// Package udo implements a registry of user-defined CPU operators.
//
// A Registry is a named, versioned package of operator descriptions. Each
// OpInfo declares the operator type, the core it runs on, the data types
// and layouts of its tensors, a validation function and a factory. Callers
// describe a concrete operator instance with an OpDefinition, validate it
// against the registry, create an Operation and Execute it. Every operation
// records how long its last execution took.
//
// SeluPackage returns the registry used to run saved models without the
// training framework: the Selu activation plus the Conv2D, MaxPooling2D,
// Flatten, Dense and Dropout layers.
package udo

import (
	"fmt"
	"sort"
	"strings"

	"github.com/born-ml/selu-mnist/internal/tensor"
)

// CoreType identifies the hardware an operator runs on.
type CoreType int

// Supported cores.
const (
	CoreCPU CoreType = iota + 1
)

func (c CoreType) String() string {
	if c == CoreCPU {
		return "CPU"
	}
	return fmt.Sprintf("CoreType(%d)", int(c))
}

// Layout is the memory layout of an image tensor.
type Layout string

// LayoutNHWC is channels-last.
const LayoutNHWC Layout = "NHWC"

// Version is a semantic library version.
type Version struct {
	Major, Minor, Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// TensorInfo describes one input or output of an operator.
type TensorInfo struct {
	Name     string
	DataType tensor.DataType
	Layout   Layout
}

// ValidateFunc checks an operator definition.
type ValidateFunc func(def *OpDefinition) error

// Factory builds an executable operation from a validated definition.
type Factory func(def *OpDefinition, backend tensor.Backend) (Operation, error)

// ShapeFunc computes the output shape of an operator for an input shape.
type ShapeFunc func(input tensor.Shape, def *OpDefinition) (tensor.Shape, error)

// OpInfo registers one operator type.
type OpInfo struct {
	Type      string
	Core      CoreType
	DataTypes []tensor.DataType
	Inputs    []TensorInfo
	Outputs   []TensorInfo

	Validate    ValidateFunc
	New         Factory
	OutputShape ShapeFunc
}

// Registry is a named, versioned collection of operators for one core.
type Registry struct {
	name    string
	version Version
	core    CoreType
	ops     map[string]*OpInfo
}

// NewRegistry creates an empty registry.
func NewRegistry(name string, version Version, core CoreType) *Registry {
	return &Registry{
		name:    name,
		version: version,
		core:    core,
		ops:     make(map[string]*OpInfo),
	}
}

// Name returns the package name.
func (r *Registry) Name() string { return r.name }

// Version returns the package version.
func (r *Registry) Version() Version { return r.version }

// Core returns the core the package targets.
func (r *Registry) Core() CoreType { return r.core }

// Register adds an operator. The type must be new, run on the registry's
// core, and come with a validation function and a factory.
func (r *Registry) Register(info OpInfo) error {
	switch {
	case info.Type == "":
		return fmt.Errorf("%w: empty operator type", ErrInvalidArgument)
	case info.Validate == nil || info.New == nil || info.OutputShape == nil:
		return fmt.Errorf("%w: operator %s needs validate, factory and shape functions", ErrInvalidArgument, info.Type)
	case info.Core != r.core:
		return fmt.Errorf("%w: operator %s targets %s, registry targets %s", ErrUnsupportedFeature, info.Type, info.Core, r.core)
	}
	if _, dup := r.ops[info.Type]; dup {
		return fmt.Errorf("%w: operator %s already registered", ErrInvalidArgument, info.Type)
	}
	r.ops[info.Type] = &info
	return nil
}

// Lookup returns the operator registered under typ.
func (r *Registry) Lookup(typ string) (*OpInfo, bool) {
	info, ok := r.ops[typ]
	return info, ok
}

// Types returns the registered operator types in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.ops))
	for t := range r.ops {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate checks def against the registry and the operator's own
// validation function.
func (r *Registry) Validate(def *OpDefinition) error {
	if def == nil {
		return fmt.Errorf("%w: nil operator definition", ErrInvalidArgument)
	}
	info, ok := r.ops[def.Type]
	if !ok {
		return fmt.Errorf("%w: %s is not in package %s", ErrWrongOperation, def.Type, r.name)
	}
	if def.Core != 0 && def.Core != info.Core {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedFeature, def.Type, def.Core)
	}
	for _, in := range def.Inputs {
		if in != nil && !info.supports(in.DType()) {
			return fmt.Errorf("%w: %s input dtype %s", ErrUnsupportedFeature, def.Type, in.DType())
		}
	}
	return info.Validate(def)
}

// CreateOp validates def and builds the operation on backend.
func (r *Registry) CreateOp(def *OpDefinition, backend tensor.Backend) (Operation, error) {
	if err := r.Validate(def); err != nil {
		return nil, err
	}
	return r.ops[def.Type].New(def, backend)
}

// OutputShape validates def and returns the shape its output will have for
// the given input shape.
func (r *Registry) OutputShape(def *OpDefinition, input tensor.Shape) (tensor.Shape, error) {
	if err := r.Validate(def); err != nil {
		return nil, err
	}
	return r.ops[def.Type].OutputShape(input, def)
}

// String describes the package, e.g. "SeluUdoPackage 1.0.0 (CPU): Conv2D, Dense, ...".
func (r *Registry) String() string {
	return fmt.Sprintf("%s %s (%s): %s", r.name, r.version, r.core, strings.Join(r.Types(), ", "))
}

func (info *OpInfo) supports(dt tensor.DataType) bool {
	for _, d := range info.DataTypes {
		if d == dt {
			return true
		}
	}
	return false
}
