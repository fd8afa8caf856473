package dist

import (
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/comm"
)

func TestResizeAmortized(t *testing.T) {
	m := NewMatrix(comm.NewLocal(), DataParallel, Host)
	m.Resize(4, 8)
	first := m.Local().Data

	// Shrink, then grow back within capacity: the backing array is reused.
	m.Resize(4, 3)
	if &m.Local().Data[0] != &first[0] {
		t.Error("shrink reallocated the backing array")
	}
	m.Resize(4, 8)
	if &m.Local().Data[0] != &first[0] {
		t.Error("grow within capacity reallocated the backing array")
	}

	// Growing beyond capacity allocates.
	m.Resize(8, 8)
	if r, c := m.LocalDims(); r != 8 || c != 8 {
		t.Fatalf("local dims %dx%d after grow, want 8x8", r, c)
	}
	if len(m.Local().Data) != 64 {
		t.Errorf("local storage length %d, want 64", len(m.Local().Data))
	}
}

func TestResizeFreshStorageZeroed(t *testing.T) {
	m := NewMatrix(comm.NewLocal(), DataParallel, Host)
	m.Resize(2, 2)
	for _, v := range m.Local().Data {
		if v != 0 {
			t.Fatal("fresh storage not zeroed")
		}
	}
}

func TestLockedView(t *testing.T) {
	src := NewMatrix(comm.NewLocal(), DataParallel, Host)
	src.Resize(3, 2)
	src.Set(1, 1, 42)

	v := NewMatrix(comm.NewLocal(), DataParallel, Host)
	v.LockedView(src)
	if !v.Locked() {
		t.Fatal("view not marked locked")
	}
	if h, w := v.Dims(); h != 3 || w != 2 {
		t.Errorf("view dims %dx%d, want 3x2", h, w)
	}
	if v.At(1, 1) != 42 {
		t.Errorf("view At(1,1) = %v, want 42", v.At(1, 1))
	}
	if &v.LockedLocal().Data[0] != &src.LockedLocal().Data[0] {
		t.Error("view is not zero-copy")
	}

	t.Run("MutableAccessPanics", func(t *testing.T) {
		defer func() {
			if r := recover(); r != ErrLockedView {
				t.Errorf("recovered %v, want ErrLockedView", r)
			}
		}()
		v.Local()
	})

	t.Run("ResizeDetaches", func(t *testing.T) {
		v.Resize(3, 2)
		if v.Locked() {
			t.Fatal("resize did not detach the view")
		}
		if &v.Local().Data[0] == &src.LockedLocal().Data[0] {
			t.Error("detached view still aliases its source")
		}
	})
}

func TestLockedViewDetachReusesOwnedStorage(t *testing.T) {
	src := NewMatrix(comm.NewLocal(), DataParallel, Host)
	src.Resize(4, 4)

	m := NewMatrix(comm.NewLocal(), DataParallel, Host)
	m.Resize(4, 4)
	owned := m.Local().Data

	// Flip owner -> view -> owner: no fresh allocation.
	m.LockedView(src)
	m.Resize(4, 4)
	if &m.Local().Data[0] != &owned[0] {
		t.Error("detach did not restore the owned backing array")
	}
}

func TestDataParallelPartition(t *testing.T) {
	c, err := comm.New(1, 2)
	if err != nil {
		t.Fatal(err)
	}
	m := NewMatrix(c, DataParallel, Host)
	m.Resize(3, 5)
	if r, cols := m.LocalDims(); r != 3 || cols != 2 {
		t.Errorf("rank 1 local dims %dx%d, want 3x2", r, cols)
	}
	if m.ColOffset() != 3 {
		t.Errorf("rank 1 column offset %d, want 3", m.ColOffset())
	}
	if m.RowOffset() != 0 {
		t.Errorf("data-parallel row offset %d, want 0", m.RowOffset())
	}
}

func TestModelParallelPartition(t *testing.T) {
	c, err := comm.New(0, 2)
	if err != nil {
		t.Fatal(err)
	}
	m := NewMatrix(c, ModelParallel, Host)
	m.Resize(5, 3)
	if r, cols := m.LocalDims(); r != 3 || cols != 3 {
		t.Errorf("rank 0 local dims %dx%d, want 3x3", r, cols)
	}
	if m.RowOffset() != 0 {
		t.Errorf("rank 0 row offset %d, want 0", m.RowOffset())
	}
	if m.ColOffset() != 0 {
		t.Errorf("model-parallel column offset %d, want 0", m.ColOffset())
	}
}

func TestAxpyAndHadamard(t *testing.T) {
	newFilled := func(vals []float32) *Matrix {
		m := NewMatrix(comm.NewLocal(), DataParallel, Host)
		m.Resize(2, 2)
		copy(m.Local().Data, vals)
		return m
	}
	a := newFilled([]float32{1, 2, 3, 4})
	b := newFilled([]float32{10, 20, 30, 40})

	Axpy(2, a, b)
	want := []float32{12, 24, 36, 48}
	for i, v := range want {
		if b.Local().Data[i] != v {
			t.Errorf("Axpy result[%d] = %v, want %v", i, b.Local().Data[i], v)
		}
	}

	dst := newFilled([]float32{0, 0, 0, 0})
	Hadamard(a, b, dst)
	want = []float32{12, 48, 108, 192}
	for i, v := range want {
		if dst.Local().Data[i] != v {
			t.Errorf("Hadamard result[%d] = %v, want %v", i, dst.Local().Data[i], v)
		}
	}
}

func TestCloneIndependence(t *testing.T) {
	m := NewMatrix(comm.NewLocal(), DataParallel, Host)
	m.Resize(2, 3)
	m.Set(0, 0, 7)

	c := m.Clone()
	if c.At(0, 0) != 7 {
		t.Fatalf("clone At(0,0) = %v, want 7", c.At(0, 0))
	}
	m.Set(0, 0, 9)
	if c.At(0, 0) != 7 {
		t.Error("clone shares storage with its source")
	}
	if h, w := c.Dims(); h != 2 || w != 3 {
		t.Errorf("clone dims %dx%d, want 2x3", h, w)
	}
}
