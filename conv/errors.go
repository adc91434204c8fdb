// Package conv plans blocked, multi-threaded convolution execution: it
// normalizes a convolution problem, derives a blocking and thread
// configuration for a target machine, and emits the loop nest that drives
// a batch-reduce matrix-multiply kernel over that plan.
package conv

import "errors"

var (
	// ErrShape reports malformed rank or dimension relationships between
	// the input, weight and output shapes.
	ErrShape = errors.New("conv: invalid shape")

	// ErrUnsupported reports a valid problem that falls outside the
	// supported strategy set, such as padding or 3D convolution.
	ErrUnsupported = errors.New("conv: unsupported feature")

	// ErrConfigInvariant reports a configuration that violates a
	// divisibility or coverage invariant. It is raised before any kernel
	// call runs.
	ErrConfigInvariant = errors.New("conv: invalid config")
)
