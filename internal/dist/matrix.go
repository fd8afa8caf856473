package dist

import (
	"errors"
	"log"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-bodkin/internal/comm"
)

// Distribution says which axis of the 2-D buffer is partitioned across
// processes. It is fixed for the lifetime of a Matrix.
type Distribution int

const (
	// DataParallel replicates the feature axis (height) and partitions the
	// mini-batch axis (width) across processes.
	DataParallel Distribution = iota
	// ModelParallel partitions the feature axis (height) and replicates the
	// mini-batch axis (width).
	ModelParallel
)

func (d Distribution) String() string {
	switch d {
	case DataParallel:
		return "data_parallel"
	case ModelParallel:
		return "model_parallel"
	default:
		return "unknown"
	}
}

// Placement says where a layer runs its compute for this buffer.
type Placement int

const (
	Host Placement = iota
	Accel
)

func (p Placement) String() string {
	if p == Accel {
		return "accelerator"
	}
	return "host"
}

// ErrLockedView is raised when a locked (read-only) view is accessed as
// mutable storage.
var ErrLockedView = errors.New("dist: mutable access to locked view")

// Matrix is a 2-D distributed buffer: height is the flattened feature size,
// width the mini-batch size. Each process owns the local slice determined by
// the distribution kind; local storage is row-major float32.
//
// Storage grows amortized: Resize reallocates only when the requested local
// size exceeds the current capacity. Shrinking is a reslice and keeps the
// backing array unless ShrinkToFit is called.
type Matrix struct {
	comm   *comm.Comm
	dist   Distribution
	dev    Placement
	height int
	width  int

	localRows int
	localCols int
	data      []float32

	// owned is the backing array this matrix allocated for itself. data
	// aliases it except while locked. Kept across locked-view phases so
	// flipping between owner and view (dropout in training vs evaluation)
	// never reallocates.
	owned []float32

	// locked marks this matrix as an alias of another matrix's storage.
	// Locked views are read-only and must not outlive their source.
	locked bool
}

// NewMatrix creates an empty distributed buffer. Distribution kind and
// device placement are fixed at creation.
func NewMatrix(c *comm.Comm, d Distribution, p Placement) *Matrix {
	return &Matrix{comm: c, dist: d, dev: p}
}

func (m *Matrix) Dims() (height, width int)   { return m.height, m.width }
func (m *Matrix) LocalDims() (rows, cols int) { return m.localRows, m.localCols }
func (m *Matrix) Distribution() Distribution  { return m.dist }
func (m *Matrix) Placement() Placement        { return m.dev }
func (m *Matrix) Comm() *comm.Comm            { return m.comm }

// Locked reports whether this matrix is a read-only alias of another
// matrix's storage.
func (m *Matrix) Locked() bool { return m.locked }

// localSpan derives the local extent of the partitioned axis.
func (m *Matrix) localSpan(height, width int) (rows, cols int) {
	switch m.dist {
	case ModelParallel:
		_, rows = m.comm.LocalSpan(height)
		cols = width
	default: // DataParallel
		rows = height
		_, cols = m.comm.LocalSpan(width)
	}
	return rows, cols
}

// ColOffset returns the global column index of this process's first local
// column. Zero when the width is replicated.
func (m *Matrix) ColOffset() int {
	if m.dist == DataParallel {
		off, _ := m.comm.LocalSpan(m.width)
		return off
	}
	return 0
}

// RowOffset returns the global row index of this process's first local row.
// Zero when the height is replicated.
func (m *Matrix) RowOffset() int {
	if m.dist == ModelParallel {
		off, _ := m.comm.LocalSpan(m.height)
		return off
	}
	return 0
}

// Resize sets the global dimensions. The local backing array is reused when
// its capacity suffices; new storage is zeroed only when freshly allocated,
// matching the buffer-pool reuse semantics used across the longbow family.
// Resizing a locked view detaches it from its source and restores owned
// storage.
func (m *Matrix) Resize(height, width int) {
	if height < 0 || width < 0 {
		log.Panicf("dist: Resize with negative dimensions %dx%d", height, width)
	}
	rows, cols := m.localSpan(height, width)
	need := rows * cols

	if m.locked {
		m.data = m.owned
		m.locked = false
	}
	if cap(m.owned) < need {
		m.owned = make([]float32, need)
	} else {
		m.owned = m.owned[:need]
	}
	m.data = m.owned

	m.height, m.width = height, width
	m.localRows, m.localCols = rows, cols
}

// ShrinkToFit releases excess capacity. Resize never shrinks on its own.
func (m *Matrix) ShrinkToFit() {
	if m.locked || cap(m.owned) == len(m.owned) {
		return
	}
	data := make([]float32, len(m.owned))
	copy(data, m.owned)
	m.owned = data
	m.data = data
}

// LockedView turns this matrix into a zero-copy read-only alias of src's
// local storage. The view is valid only while src outlives it; pass-through
// layers use this to avoid copying. The view adopts src's dimensions.
func (m *Matrix) LockedView(src *Matrix) {
	if m.dist != src.dist {
		log.Panicf("dist: LockedView across distributions %v and %v", m.dist, src.dist)
	}
	m.height, m.width = src.height, src.width
	m.localRows, m.localCols = src.localRows, src.localCols
	m.data = src.data
	m.locked = true
}

// Local returns the mutable per-process slice as a blas32.General. Panics
// with ErrLockedView for locked views; use LockedLocal for read access.
func (m *Matrix) Local() blas32.General {
	if m.locked {
		panic(ErrLockedView)
	}
	return m.general()
}

// LockedLocal returns the per-process slice for read-only use. Callers must
// not write through the returned value.
func (m *Matrix) LockedLocal() blas32.General {
	return m.general()
}

func (m *Matrix) general() blas32.General {
	return blas32.General{
		Rows:   m.localRows,
		Cols:   m.localCols,
		Stride: max(m.localCols, 1),
		Data:   m.data,
	}
}

// At reads the local element (i, j).
func (m *Matrix) At(i, j int) float32 {
	return m.data[i*m.localCols+j]
}

// Set writes the local element (i, j). Errors on locked views.
func (m *Matrix) Set(i, j int, v float32) {
	if m.locked {
		panic(ErrLockedView)
	}
	m.data[i*m.localCols+j] = v
}

// Zero clears the local storage.
func (m *Matrix) Zero() {
	if m.locked {
		panic(ErrLockedView)
	}
	for i := range m.data {
		m.data[i] = 0
	}
}

// CloneFrom makes this matrix an independent deep copy of src.
func (m *Matrix) CloneFrom(src *Matrix) {
	m.comm = src.comm
	m.dist = src.dist
	m.dev = src.dev
	m.height, m.width = src.height, src.width
	m.localRows, m.localCols = src.localRows, src.localCols
	m.locked = false
	m.owned = make([]float32, len(src.data))
	copy(m.owned, src.data)
	m.data = m.owned
}

// Clone returns an independent deep copy.
func (m *Matrix) Clone() *Matrix {
	out := &Matrix{}
	out.CloneFrom(m)
	return out
}

// Axpy accumulates dst += alpha * src over local storage. The two matrices
// must have identical local dimensions.
func Axpy(alpha float32, src, dst *Matrix) {
	if src.localRows != dst.localRows || src.localCols != dst.localCols {
		log.Panicf("dist: Axpy dimension mismatch %dx%d vs %dx%d",
			src.localRows, src.localCols, dst.localRows, dst.localCols)
	}
	if dst.locked {
		panic(ErrLockedView)
	}
	n := len(dst.data)
	if n == 0 {
		return
	}
	blas32.Axpy(alpha,
		blas32.Vector{N: n, Data: src.data, Inc: 1},
		blas32.Vector{N: n, Data: dst.data, Inc: 1})
}

// Hadamard computes dst = a .* b elementwise over local storage.
func Hadamard(a, b, dst *Matrix) {
	if len(a.data) != len(b.data) || len(a.data) != len(dst.data) {
		log.Panicf("dist: Hadamard size mismatch %d, %d, %d",
			len(a.data), len(b.data), len(dst.data))
	}
	if dst.locked {
		panic(ErrLockedView)
	}
	for i := range dst.data {
		dst.data[i] = a.data[i] * b.data[i]
	}
}
