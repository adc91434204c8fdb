// Package brgemm defines the batch-reduce matrix-multiply micro-kernel
// contract the convolution loop nests are emitted against, along with a
// portable reference kernel. A single invocation multiplies a batch of
// A and B sub-blocks addressed by per-entry element offsets into shared
// backing buffers and reduces the products into one C block.
package brgemm

import (
	"errors"

	"github.com/born-ml/convplan/tensor"
)

// ErrUnsupportedData is returned by a kernel that cannot handle the data
// type combination of a call.
var ErrUnsupportedData = errors.New("brgemm: unsupported data type combination")

// Attrs carries kernel tuning hints and the optional row mask. All hints
// are advisory; a kernel is free to ignore them, and the reference kernel
// does. Sizes are in bytes.
type Attrs struct {
	// MaxBatch is the largest batch length any call built against these
	// attrs will use. Kernels that specialize on batch length key on it.
	MaxBatch int

	// Expected per-call footprints of the A, B and C operands.
	HintASize int
	HintBSize int
	HintCSize int

	// UseInterleaveStores requests interleaved C stores on hardware where
	// that hides store latency.
	UseInterleaveStores bool

	// UsePersistentKernel requests a persistent (address-stable) kernel
	// body instead of per-call recompilation.
	UsePersistentKernel bool

	// PosMask marks which rows of the logical M dimension carry real
	// output elements; entries are 1 for valid rows. Nil means all rows
	// are valid. MaskLevel is nonzero when a mask is in effect.
	PosMask   []uint8
	MaskLevel int
}

// Call describes one batch-reduce multiply: for each batch entry i,
// C += A[AOffsets[i]..] * B[BOffsets[i]..], with C initialized to zero
// first unless Accumulate is set. Offsets are in elements of the
// respective buffer's data type.
//
// A blocks are row-major M x K with leading dimension LDA. B blocks are
// stored K-packed: element (k, n) lives at (k/KPack)*LDB*KPack + n*KPack
// + k%KPack, which for KPack == 1 is plain row-major K x N with leading
// dimension LDB. C is row-major M x N with leading dimension LDC,
// written starting at element COffset.
//
// When Attrs carries a row mask, rows of A whose mask entry (starting at
// MaskOffset) is zero are skipped, and the surviving rows are written to
// C compacted, with no gaps.
type Call struct {
	A, B *tensor.RawTensor
	C    *tensor.RawTensor

	AOffsets []int
	BOffsets []int
	COffset  int

	M, N, K       int
	LDA, LDB, LDC int
	KPack         int

	Accumulate bool
	MaskOffset int

	Attrs *Attrs
}

// Kernel executes brgemm calls. Implementations must tolerate concurrent
// Invoke calls with disjoint C regions.
type Kernel interface {
	Invoke(c *Call) error
}
