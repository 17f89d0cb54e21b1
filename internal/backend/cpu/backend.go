// Package cpu implements the CPU backend: channels-last convolution and
// pooling kernels, broadcasting element-wise math, and gonum BLAS matmul.
package cpu

import (
	"fmt"
	"strings"

	"github.com/born-ml/selu-mnist/internal/parallel"
	"github.com/born-ml/selu-mnist/internal/tensor"
	"github.com/klauspost/cpuid/v2"
)

// CPUBackend implements tensor operations on CPU.
type CPUBackend struct {
	device tensor.Device
	par    parallel.Config
}

// New creates a new CPU backend with the default worker count.
func New() *CPUBackend {
	return &CPUBackend{
		device: tensor.CPU,
		par:    parallel.DefaultConfig(),
	}
}

// NewWithWorkers creates a CPU backend limited to n worker goroutines.
// n <= 0 uses the default.
func NewWithWorkers(n int) *CPUBackend {
	b := New()
	b.par = b.par.WithWorkers(n)
	return b
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Device returns the compute device.
func (cpu *CPUBackend) Device() tensor.Device {
	return cpu.device
}

// Workers returns the number of worker goroutines kernels may use.
func (cpu *CPUBackend) Workers() int {
	if !cpu.par.Enabled {
		return 1
	}
	return cpu.par.NumWorkers
}

// Info describes the host CPU and the kernel worker count, e.g.
// "Intel(R) Xeon(R) CPU @ 2.20GHz (8 cores, 4 workers, AVX2 FMA3)".
func (cpu *CPUBackend) Info() string {
	var feats []string
	for _, f := range []cpuid.FeatureID{cpuid.AVX512F, cpuid.AVX2, cpuid.FMA3, cpuid.ASIMD} {
		if cpuid.CPU.Supports(f) {
			feats = append(feats, f.String())
		}
	}
	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = "unknown CPU"
	}
	cores := cpuid.CPU.PhysicalCores
	if cores <= 0 {
		cores = cpuid.CPU.LogicalCores
	}
	desc := fmt.Sprintf("%s (%d cores, %d workers", brand, cores, cpu.Workers())
	if len(feats) > 0 {
		desc += ", " + strings.Join(feats, " ")
	}
	return desc + ")"
}

func mustFloat32(op string, ts ...*tensor.RawTensor) {
	for _, t := range ts {
		if t.DType() != tensor.Float32 {
			panic(fmt.Sprintf("%s: unsupported dtype %s (only float32 supported)", op, t.DType()))
		}
	}
}
