package conv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/born-ml/convplan/tensor"
)

func f32Problem(t *testing.T, input, weight, output tensor.Shape, stride, pad []int) *Problem {
	t.Helper()
	p, err := BuildProblem(input, weight, output, stride, pad,
		tensor.Float32, tensor.Float32, tensor.Float32)
	require.NoError(t, err)
	return p
}

func TestBuildProblem_2D(t *testing.T) {
	p := f32Problem(t,
		tensor.Shape{1, 64, 28, 28}, tensor.Shape{64, 64, 3, 3}, tensor.Shape{1, 64, 26, 26},
		[]int{1}, []int{0})

	require.Equal(t, 1, p.MB)
	require.Equal(t, 64, p.IC)
	require.Equal(t, 64, p.OC)
	require.Equal(t, 26, p.OH)
	require.False(t, p.Is1x1)
	require.False(t, p.Is3D)
	require.False(t, p.TryOSBlocking, "f32 problems never use os blocking")
	require.Equal(t, 1, p.KPack())
}

func TestBuildProblem_OSGeometry(t *testing.T) {
	p, err := BuildProblem(
		tensor.Shape{1, 64, 12, 12}, tensor.Shape{64, 64, 3, 3}, tensor.Shape{1, 64, 10, 10},
		[]int{1}, []int{0},
		tensor.Uint8, tensor.Int8, tensor.Int32)
	require.NoError(t, err)

	require.True(t, p.TryOSBlocking)
	require.Equal(t, 4, p.KPack())
	require.Equal(t, 100, p.ActualOS)
	// ((kw-1)/sw)*sh + (sh-1)*ow = 2 skip elements per row boundary.
	require.Equal(t, 2, p.SkipPerRow)
	require.Equal(t, 118, p.AdjOS)
}

func TestBuildProblem_Strided1x1(t *testing.T) {
	p := f32Problem(t,
		tensor.Shape{2, 64, 28, 28}, tensor.Shape{128, 64, 1, 1}, tensor.Shape{2, 128, 14, 14},
		[]int{2, 2}, []int{0, 0})
	require.True(t, p.Is1x1)
	require.Equal(t, 2, p.SH)
	require.Equal(t, 2, p.SW)
}

func TestBuildProblem_Rejections(t *testing.T) {
	in := tensor.Shape{1, 64, 28, 28}
	wgt := tensor.Shape{64, 64, 3, 3}
	out := tensor.Shape{1, 64, 26, 26}
	f32 := tensor.Float32

	tests := []struct {
		name    string
		in, w, o tensor.Shape
		stride  []int
		pad     []int
		wantErr error
	}{
		{"rank mismatch", in, tensor.Shape{64, 64, 3}, out, []int{1}, []int{0}, ErrShape},
		{"bad rank", tensor.Shape{64, 28}, tensor.Shape{64, 3}, tensor.Shape{64, 26}, []int{1}, []int{0}, ErrShape},
		{"channel mismatch", in, tensor.Shape{64, 32, 3, 3}, out, []int{1}, []int{0}, ErrShape},
		{"wrong output extent", in, wgt, tensor.Shape{1, 64, 25, 26}, []int{1}, []int{0}, ErrShape},
		{"stride rank", in, wgt, out, []int{1, 1, 1}, []int{0}, ErrShape},
		{"padding", in, wgt, tensor.Shape{1, 64, 28, 28}, []int{1}, []int{1}, ErrUnsupported},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildProblem(tc.in, tc.w, tc.o, tc.stride, tc.pad, f32, f32, f32)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestProblem_GFlop(t *testing.T) {
	p := f32Problem(t,
		tensor.Shape{1, 64, 28, 28}, tensor.Shape{64, 64, 3, 3}, tensor.Shape{1, 64, 26, 26},
		[]int{1}, []int{0})
	want := float64(1*64*2*64*9*26*26) / 1e9
	require.InDelta(t, want, p.GFlop(), 1e-12)
}
