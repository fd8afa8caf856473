package layers

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/dist"
)

// Input is a source layer: its activations are filled by the external data
// pipeline after each Forward call, which only sizes the buffers for the
// step. It exists so graphs have a well-formed root; the data-reader side
// lives outside this module.
type Input struct {
	base
	declared dist.Shape
}

func NewInput(name string, shape dist.Shape, cfg Config) *Input {
	return &Input{base: newBase(name, cfg), declared: shape.Clone()}
}

func (l *Input) Type() string { return "input" }

func (l *Input) Description() string {
	return fmt.Sprintf("input shape: %s layout: %s device: %s",
		l.declared, l.cfg.Distribution, l.cfg.Placement)
}

func (l *Input) SetupDims() error {
	if err := l.setupDims(0); err != nil {
		return err
	}
	return l.finishSetupDims(l.declared)
}

func (l *Input) SetupData() error { return l.setupData() }

func (l *Input) Forward(batch int) error {
	return l.beginForward(batch)
}

func (l *Input) Backward(batch int) error {
	if err := l.beginBackward(batch); err != nil {
		return err
	}
	// No parents; the gradient stops here.
	return nil
}

func (l *Input) Clone() Layer {
	return &Input{base: l.cloneBase(), declared: l.declared.Clone()}
}

func (l *Input) Close() error { return l.closeBase() }
