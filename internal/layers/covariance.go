package layers

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/dist"
)

// Covariance computes, per sample, the covariance of its two parents'
// activations. It is the canonical multi-parent layer: SetupDims enforces
// the pairwise shape contract before anything is allocated, and SetupData
// shows the cross-sample reduction workspace pattern — auxiliary buffers
// distributed like the inputs but collapsed along the feature axis.
type Covariance struct {
	base
	biased bool

	// Per-sample statistics, sized (2 x batch) and (1 x batch): height is
	// replicated, width partitioned like the inputs.
	means     *dist.Matrix
	workspace *dist.Matrix
}

// NewCovariance computes biased (1/n) or unbiased (1/(n-1)) per-sample
// covariance over the flattened feature axis.
func NewCovariance(name string, cfg Config, biased bool) *Covariance {
	return &Covariance{base: newBase(name, cfg), biased: biased}
}

func (l *Covariance) Type() string { return "covariance" }

func (l *Covariance) Description() string {
	return fmt.Sprintf("covariance biased: %v layout: %s device: %s",
		l.biased, l.cfg.Distribution, l.cfg.Placement)
}

// SetupDims fails fast on any parent shape mismatch, naming each parent
// and its dimensions, before any buffer exists.
func (l *Covariance) SetupDims() error {
	if err := l.setupDims(2); err != nil {
		return err
	}
	s0, s1 := l.parents[0].OutputShape(), l.parents[1].OutputShape()
	if !s0.Equal(s1) {
		return fmt.Errorf("covariance layer %q has input tensors with different dimensions (layer %q outputs %s, layer %q outputs %s)",
			l.name, l.parents[0].Name(), s0, l.parents[1].Name(), s1)
	}
	if l.cfg.Distribution != dist.DataParallel {
		// The per-sample reduction spans the full feature axis; a
		// partitioned height would need an allreduce owned by the
		// external communicator.
		return fmt.Errorf("layers: covariance layer %q requires a data-parallel layout", l.name)
	}
	if !l.biased && s0.Flat() < 2 {
		return fmt.Errorf("layers: covariance layer %q needs at least 2 features for an unbiased estimate, parents output %s",
			l.name, s0)
	}
	return l.finishSetupDims(dist.Shape{1})
}

// SetupData adds the statistic buffers to the usual allocation.
func (l *Covariance) SetupData() error {
	if err := l.setupData(); err != nil {
		return err
	}
	l.means = dist.NewMatrix(l.cfg.Comm, l.cfg.Distribution, l.cfg.Placement)
	l.means.Resize(2, l.cfg.MaxBatch)
	l.workspace = dist.NewMatrix(l.cfg.Comm, l.cfg.Distribution, l.cfg.Placement)
	l.workspace.Resize(1, l.cfg.MaxBatch)
	return nil
}

func (l *Covariance) norm() float32 {
	n := float32(l.shape0().Flat())
	if l.biased {
		return n
	}
	return n - 1
}

func (l *Covariance) shape0() dist.Shape { return l.parents[0].OutputShape() }

// Forward runs on the host for either placement: the statistics are cheap
// reductions, and buffers are host-resident mirrors in both cases.
func (l *Covariance) Forward(batch int) error {
	defer observeForward(l.Type(), time.Now())
	if err := l.beginForward(batch); err != nil {
		return err
	}
	l.means.Resize(2, batch)
	l.workspace.Resize(1, batch)

	x0 := l.parentActs(0).LockedLocal()
	x1 := l.parentActs(1).LockedLocal()
	out := l.acts.Local()
	mu := l.means.Local()

	h := float32(l.shape0().Flat())
	for j := 0; j < x0.Cols; j++ {
		var s0, s1 float32
		for i := 0; i < x0.Rows; i++ {
			s0 += x0.Data[i*x0.Stride+j]
			s1 += x1.Data[i*x1.Stride+j]
		}
		mu0, mu1 := s0/h, s1/h
		mu.Data[0*mu.Stride+j] = mu0
		mu.Data[1*mu.Stride+j] = mu1

		var cov float32
		for i := 0; i < x0.Rows; i++ {
			cov += (x0.Data[i*x0.Stride+j] - mu0) * (x1.Data[i*x1.Stride+j] - mu1)
		}
		out.Data[j] = cov / l.norm()
	}
	return nil
}

func (l *Covariance) Backward(batch int) error {
	defer observeBackward(l.Type(), time.Now())
	if err := l.beginBackward(batch); err != nil {
		return err
	}

	x0 := l.parentActs(0).LockedLocal()
	x1 := l.parentActs(1).LockedLocal()
	dy := l.gradOut.LockedLocal()
	mu := l.means.LockedLocal()
	ws := l.workspace.Local()
	dx0 := l.errSigs[0].Local()
	dx1 := l.errSigs[1].Local()

	for j := 0; j < x0.Cols; j++ {
		// Per-sample gradient scale, kept for diagnostics.
		g := dy.Data[j] / l.norm()
		ws.Data[j] = g
		mu0 := mu.Data[0*mu.Stride+j]
		mu1 := mu.Data[1*mu.Stride+j]
		for i := 0; i < x0.Rows; i++ {
			dx0.Data[i*dx0.Stride+j] += g * (x1.Data[i*x1.Stride+j] - mu1)
			dx1.Data[i*dx1.Stride+j] += g * (x0.Data[i*x0.Stride+j] - mu0)
		}
	}
	l.finishBackward()
	return nil
}

func (l *Covariance) Clone() Layer {
	out := &Covariance{base: l.cloneBase(), biased: l.biased}
	if l.means != nil {
		out.means = l.means.Clone()
	}
	if l.workspace != nil {
		out.workspace = l.workspace.Clone()
	}
	return out
}

func (l *Covariance) Close() error {
	err := l.closeBase()
	l.means = nil
	l.workspace = nil
	return err
}
