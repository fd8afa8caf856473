package layers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bodkin/internal/comm"
	"github.com/23skdu/longbow-bodkin/internal/dist"
	"github.com/23skdu/longbow-bodkin/internal/rng"
)

func newDropoutGraph(t *testing.T, cfg Config, keepProb float32, seqConsistent bool,
	fast *rng.Fast, stream *rng.Stream) (*Input, *Dropout) {
	t.Helper()
	in := NewInput("data", dist.Shape{3}, cfg)
	drop := NewDropout("drop0", cfg, keepProb, seqConsistent, fast, stream)
	Connect(in, drop)
	setupAll(t, in, drop)
	return in, drop
}

func TestDropoutValidation(t *testing.T) {
	cfg := hostConfig(FixedMode(Training))
	in := NewInput("data", dist.Shape{3}, cfg)

	cases := []struct {
		name string
		d    *Dropout
		want string
	}{
		{"KeepProbZero", NewDropout("d", cfg, 0, false, rng.NewFast(1), nil), "outside (0, 1]"},
		{"KeepProbAboveOne", NewDropout("d", cfg, 1.5, false, rng.NewFast(1), nil), "outside (0, 1]"},
		{"MissingFast", NewDropout("d", cfg, 0.5, false, nil, nil), "no fast random source"},
		{"SeqWithoutStream", NewDropout("d", cfg, 0.5, true, rng.NewFast(1), nil), "without a stream source"},
	}
	require.NoError(t, in.SetupDims())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			Connect(in, tc.d)
			err := tc.d.SetupDims()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDropoutDisabledSentinel(t *testing.T) {
	cfg := hostConfig(FixedMode(Training))
	in, drop := newDropoutGraph(t, cfg, DisabledKeepProb, false, nil, nil)

	// A disabled layer never allocates a mask.
	require.Nil(t, drop.mask)

	vals := []float32{1, 2, 3, 4, 5, 6}
	feed(t, in, 2, vals)
	require.NoError(t, drop.Forward(2))

	// Pass-through is a zero-copy alias, not a copy.
	assert.True(t, drop.Activations().Locked())
	assert.Equal(t, vals, drop.Activations().LockedLocal().Data)

	ones(drop)
	require.NoError(t, drop.Backward(2))
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1}, in.GradWrtOutput().LockedLocal().Data)
}

func TestDropoutKeepAllIsExactIdentity(t *testing.T) {
	cfg := hostConfig(FixedMode(Training))
	in, drop := newDropoutGraph(t, cfg, 1, false, rng.NewFast(3), nil)

	vals := []float32{0.1, -2, 3, 4, -5, 6}
	feed(t, in, 2, vals)
	require.NoError(t, drop.Forward(2))
	// keep_prob 1 keeps every unit at scale 1/1: bit-for-bit identity.
	assert.Equal(t, vals, drop.Activations().LockedLocal().Data)

	ones(drop)
	require.NoError(t, drop.Backward(2))
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1}, drop.ErrorSignals(0).LockedLocal().Data)
}

func TestDropoutEvaluationPassThrough(t *testing.T) {
	mode := &ModeState{}
	mode.Set(Evaluation)
	cfg := hostConfig(mode)
	in, drop := newDropoutGraph(t, cfg, 0.5, false, rng.NewFast(3), nil)

	vals := []float32{1, 2, 3, 4, 5, 6}
	feed(t, in, 2, vals)
	require.NoError(t, drop.Forward(2))
	assert.True(t, drop.Activations().Locked())
	assert.Equal(t, vals, drop.Activations().LockedLocal().Data)

	// Back to training: the buffer detaches from the view and masks again.
	mode.Set(Training)
	feed(t, in, 2, vals)
	require.NoError(t, drop.Forward(2))
	assert.False(t, drop.Activations().Locked())
}

func TestDropoutBackwardReusesForwardMask(t *testing.T) {
	cfg := hostConfig(FixedMode(Training))
	in, drop := newDropoutGraph(t, cfg, 0.5, false, rng.NewFast(11), nil)

	// Unit inputs make the activations equal the mask itself.
	feed(t, in, 2, []float32{1, 1, 1, 1, 1, 1})
	require.NoError(t, drop.Forward(2))
	acts := append([]float32(nil), drop.Activations().LockedLocal().Data...)
	for _, v := range acts {
		assert.Contains(t, []float32{0, 2}, v, "mask entries are 0 or 1/keep_prob")
	}

	ones(drop)
	require.NoError(t, drop.Backward(2))
	// Backward replays the exact mask drawn by forward; no redraw.
	assert.Equal(t, acts, drop.ErrorSignals(0).LockedLocal().Data)
}

func TestDropoutSequentialConsistencyAcrossPartitions(t *testing.T) {
	const features, width = 3, 4
	global := make([]float32, features*width)
	for i := range global {
		global[i] = 1
	}

	run := func(size int) []float32 {
		out := make([]float32, features*width)
		for rank := 0; rank < size; rank++ {
			c, err := comm.New(rank, size)
			require.NoError(t, err)
			cfg := hostConfig(FixedMode(Training))
			cfg.Comm = c
			// Distinct per-process fast seeds: only the stream may matter.
			in, drop := newDropoutGraph(t, cfg, 0.5, true,
				rng.NewFast(uint64(rank)+1), rng.NewStream(99))

			require.NoError(t, in.Forward(width))
			loc := in.Activations().Local()
			colOff := in.Activations().ColOffset()
			for i := 0; i < loc.Rows; i++ {
				for j := 0; j < loc.Cols; j++ {
					loc.Data[i*loc.Stride+j] = global[i*width+colOff+j]
				}
			}

			require.NoError(t, drop.Forward(width))
			acts := drop.Activations().LockedLocal()
			for i := 0; i < acts.Rows; i++ {
				for j := 0; j < acts.Cols; j++ {
					out[i*width+colOff+j] = acts.Data[i*acts.Stride+j]
				}
			}
		}
		return out
	}

	single := run(1)
	assert.Equal(t, single, run(2), "2-way partition diverged from single process")
	assert.Equal(t, single, run(4), "4-way partition diverged from single process")

	var kept, dropped int
	for _, v := range single {
		if v == 0 {
			dropped++
		} else {
			kept++
		}
	}
	assert.Positive(t, kept)
	assert.Positive(t, dropped)
}

func TestDropoutOnEmulator(t *testing.T) {
	cfg := emulatorConfig(FixedMode(Training))
	in, drop := newDropoutGraph(t, cfg, 0.5, false, rng.NewFast(5), nil)

	for _, batch := range []int{4, 3} {
		require.NoError(t, in.Forward(batch))
		data := in.Activations().Local().Data
		for i := range data {
			data[i] = 1
		}
		require.NoError(t, drop.Forward(batch), "batch %d", batch)

		acts := append([]float32(nil), drop.Activations().LockedLocal().Data...)
		ones(drop)
		require.NoError(t, drop.Backward(batch), "batch %d", batch)
		// The backward contribution is accumulated and matches the
		// forward mask recorded in reserve space.
		assert.Equal(t, acts, drop.ErrorSignals(0).LockedLocal().Data, "batch %d", batch)
	}
}

func TestDropoutCloneResetsAcceleratorState(t *testing.T) {
	cfg := emulatorConfig(FixedMode(Training))
	in, drop := newDropoutGraph(t, cfg, 0.5, false, rng.NewFast(5), nil)

	feed(t, in, 2, []float32{1, 1, 1, 1, 1, 1})
	require.NoError(t, drop.Forward(2))
	require.NotNil(t, drop.dropDesc)

	dup, ok := drop.Clone().(*Dropout)
	require.True(t, ok)
	assert.Nil(t, dup.dropDesc, "clone must not share the dropout descriptor")
	assert.Nil(t, dup.states, "clone must not share accelerator RNG state")

	require.NoError(t, dup.Forward(2))
	require.NotNil(t, dup.dropDesc)
}
