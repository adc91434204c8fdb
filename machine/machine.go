// Package machine describes the target CPU for the convolution planner.
//
// The planner and emitters take a Descriptor as an explicit parameter; there
// is no process-global machine state. Build one with Detect for the host,
// or fill the struct by hand when planning for another target.
package machine

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/cpu"
)

// Default cache sizes used when the platform offers no portable query.
const (
	DefaultL1DCacheSize = 32 << 10
	DefaultL2CacheSize  = 2 << 20
)

// Descriptor is an immutable description of the target machine.
type Descriptor struct {
	NumThreads int // Worker threads available to one plan.

	VectorBits int  // SIMD register width in bits.
	HasAVX512  bool // 512-bit vector path available.
	HasAMX     bool // Tile matrix extensions (int8 tiles) available.

	L1DCacheSize int // Per-core L1 data cache, bytes.
	L2CacheSize  int // Per-core L2 cache, bytes.
}

// Detect builds a Descriptor for the host CPU.
// Cache sizes fall back to defaults; callers may override them.
func Detect() Descriptor {
	d := Descriptor{
		NumThreads:   runtime.NumCPU(),
		VectorBits:   128,
		L1DCacheSize: DefaultL1DCacheSize,
		L2CacheSize:  DefaultL2CacheSize,
	}

	if cpu.X86.HasAVX2 {
		d.VectorBits = 256
	}
	if cpu.X86.HasAVX512F {
		d.VectorBits = 512
		d.HasAVX512 = true
	}
	if cpu.X86.HasAMXTile && cpu.X86.HasAMXInt8 {
		d.HasAMX = true
	}
	if cpu.ARM64.HasASIMD {
		d.VectorBits = 128
	}

	return d
}

// Validate checks the descriptor for values the planner cannot work with.
func (d *Descriptor) Validate() error {
	if d.NumThreads < 1 {
		return fmt.Errorf("machine: thread count must be >= 1, got %d", d.NumThreads)
	}
	if d.L2CacheSize <= 0 {
		return fmt.Errorf("machine: L2 cache size must be > 0, got %d", d.L2CacheSize)
	}
	return nil
}

// String returns a one-line summary, for CLI output.
func (d *Descriptor) String() string {
	return fmt.Sprintf("threads=%d vector=%db avx512=%v amx=%v l2=%dKiB",
		d.NumThreads, d.VectorBits, d.HasAVX512, d.HasAMX, d.L2CacheSize>>10)
}
