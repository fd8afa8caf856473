package layers

import "sync"

// Mode is the process-wide execution mode. Stochastic layers change
// behavior on it: dropout masks only during Training.
type Mode int

const (
	Training Mode = iota
	Evaluation
)

func (m Mode) String() string {
	if m == Evaluation {
		return "evaluation"
	}
	return "training"
}

// ModeSource is the narrow view of the owning model a layer reads its
// execution mode from, once per pass. Layers never set the mode.
type ModeSource interface {
	ExecutionMode() Mode
}

// FixedMode is a ModeSource pinned to a single mode, for tests and simple
// drivers.
type FixedMode Mode

func (m FixedMode) ExecutionMode() Mode { return Mode(m) }

// ModeState is a mutable ModeSource toggled by the external training driver
// between the training and evaluation phases of a run.
type ModeState struct {
	mu   sync.RWMutex
	mode Mode
}

func (s *ModeState) Set(m Mode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

func (s *ModeState) ExecutionMode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}
