package tensor

import (
	"testing"
)

func TestShape_NumElements(t *testing.T) {
	tests := []struct {
		shape Shape
		want  int
	}{
		{Shape{}, 1},
		{Shape{4}, 4},
		{Shape{2, 3}, 6},
		{Shape{1, 64, 28, 28}, 50176},
	}

	for _, tt := range tests {
		if got := tt.shape.NumElements(); got != tt.want {
			t.Errorf("NumElements(%v): expected %d, got %d", tt.shape, tt.want, got)
		}
	}
}

func TestShape_Validate(t *testing.T) {
	if err := (Shape{2, 3, 4}).Validate(); err != nil {
		t.Errorf("Valid shape rejected: %v", err)
	}
	if err := (Shape{2, 0, 4}).Validate(); err == nil {
		t.Error("Expected error for zero dimension")
	}
	if err := (Shape{-1}).Validate(); err == nil {
		t.Error("Expected error for negative dimension")
	}
}

func TestShape_ComputeStrides(t *testing.T) {
	strides := Shape{2, 3, 4}.ComputeStrides()
	want := []int{12, 4, 1}
	for i := range want {
		if strides[i] != want[i] {
			t.Errorf("Strides: expected %v, got %v", want, strides)
			break
		}
	}
}

func TestNewRaw(t *testing.T) {
	r, err := NewRaw(Shape{2, 3}, Float32)
	if err != nil {
		t.Fatalf("NewRaw failed: %v", err)
	}
	if r.NumElements() != 6 {
		t.Errorf("Expected 6 elements, got %d", r.NumElements())
	}
	if r.ByteSize() != 24 {
		t.Errorf("Expected 24 bytes, got %d", r.ByteSize())
	}

	data := r.AsFloat32()
	for i, v := range data {
		if v != 0 {
			t.Errorf("Expected zero init at %d, got %f", i, v)
		}
	}

	if _, err := NewRaw(Shape{0}, Float32); err == nil {
		t.Error("Expected error for invalid shape")
	}
}

func TestRawTensor_TypedAccessors(t *testing.T) {
	r, err := NewRaw(Shape{4}, Int8)
	if err != nil {
		t.Fatalf("NewRaw failed: %v", err)
	}
	r.AsInt8()[2] = -5
	if r.Data()[2] != 0xfb {
		t.Errorf("Int8 write not visible in raw bytes: %v", r.Data())
	}

	defer func() {
		if recover() == nil {
			t.Error("Expected panic for dtype mismatch")
		}
	}()
	r.AsFloat32()
}

func TestDataType_Size(t *testing.T) {
	tests := []struct {
		dtype DataType
		want  int
	}{
		{Float32, 4},
		{BFloat16, 2},
		{Int8, 1},
		{Uint8, 1},
		{Int32, 4},
	}

	for _, tt := range tests {
		if got := tt.dtype.Size(); got != tt.want {
			t.Errorf("%s.Size(): expected %d, got %d", tt.dtype, tt.want, got)
		}
	}
}

func TestDataType_IsInt8(t *testing.T) {
	if !Int8.IsInt8() || !Uint8.IsInt8() {
		t.Error("Int8/Uint8 should report IsInt8")
	}
	if Float32.IsInt8() || Int32.IsInt8() {
		t.Error("Float32/Int32 should not report IsInt8")
	}
}
