package layers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bodkin/internal/dist"
)

func TestReLUHost(t *testing.T) {
	cfg := hostConfig(FixedMode(Training))
	in := NewInput("data", dist.Shape{3}, cfg)
	relu := NewReLU("relu0", cfg)
	Connect(in, relu)
	setupAll(t, in, relu)

	// 3 features x 2 samples, row-major.
	feed(t, in, 2, []float32{
		-1, 0,
		2, -3,
		0.5, 4,
	})
	require.NoError(t, relu.Forward(2))
	assert.Equal(t, []float32{
		0, 0,
		2, 0,
		0.5, 4,
	}, relu.Activations().LockedLocal().Data)

	ones(relu)
	require.NoError(t, relu.Backward(2))
	// The derivative at exactly zero is zero.
	assert.Equal(t, []float32{
		0, 0,
		1, 0,
		1, 1,
	}, relu.ErrorSignals(0).LockedLocal().Data)
	assert.Equal(t, relu.ErrorSignals(0).LockedLocal().Data,
		in.GradWrtOutput().LockedLocal().Data)
}

func TestIdentityHost(t *testing.T) {
	cfg := hostConfig(FixedMode(Training))
	in := NewInput("data", dist.Shape{2}, cfg)
	ident := NewIdentity("ident0", cfg)
	Connect(in, ident)
	setupAll(t, in, ident)

	vals := []float32{-7, 0, 3.5, 2}
	feed(t, in, 2, vals)
	require.NoError(t, ident.Forward(2))
	assert.Equal(t, vals, ident.Activations().LockedLocal().Data)

	ones(ident)
	require.NoError(t, ident.Backward(2))
	assert.Equal(t, []float32{1, 1, 1, 1}, ident.ErrorSignals(0).LockedLocal().Data)
}

func TestReLUShapes(t *testing.T) {
	relu := func(z float32) float32 {
		if z > 0 {
			return z
		}
		return 0
	}

	cases := []struct {
		name     string
		features int
		batch    int
	}{
		{"OneByOne", 1, 1},
		{"TallSkinny", 64, 2},
		{"WideShort", 2, 8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, cfg := range []Config{
				hostConfig(FixedMode(Training)),
				emulatorConfig(FixedMode(Training)),
			} {
				in := NewInput("data", dist.Shape{tc.features}, cfg)
				l := NewReLU("relu0", cfg)
				Connect(in, l)
				setupAll(t, in, l)

				require.NoError(t, in.Forward(tc.batch))
				x := in.Activations().Local().Data
				for i := range x {
					x[i] = float32(i%7) - 3
				}
				require.NoError(t, l.Forward(tc.batch))

				y := append([]float32(nil), l.Activations().LockedLocal().Data...)
				for i := range x {
					assert.Equal(t, relu(x[i]), y[i], "element %d on %s", i, cfg.Placement)
					assert.GreaterOrEqual(t, y[i], float32(0))
				}

				// Idempotent on already non-negative inputs.
				copy(x, y)
				require.NoError(t, l.Forward(tc.batch))
				assert.Equal(t, y, l.Activations().LockedLocal().Data)
			}
		})
	}
}

func TestEntrywiseHostEmulatorParity(t *testing.T) {
	vals := []float32{-2, -0.5, 0, 0.25, 1, 3}

	run := func(t *testing.T, cfg Config) (acts, errSig []float32) {
		in := NewInput("data", dist.Shape{3}, cfg)
		relu := NewReLU("relu0", cfg)
		Connect(in, relu)
		setupAll(t, in, relu)
		feed(t, in, 2, vals)
		require.NoError(t, relu.Forward(2))
		ones(relu)
		require.NoError(t, relu.Backward(2))
		return relu.Activations().LockedLocal().Data,
			relu.ErrorSignals(0).LockedLocal().Data
	}

	hostActs, hostGrad := run(t, hostConfig(FixedMode(Training)))
	emuActs, emuGrad := run(t, emulatorConfig(FixedMode(Training)))
	assert.Equal(t, hostActs, emuActs)
	assert.Equal(t, hostGrad, emuGrad)
}

func TestEntrywiseDescriptorRebuildAcrossBatches(t *testing.T) {
	// The emulator rejects any kernel whose descriptor shape disagrees with
	// its buffer, so a stale cached descriptor would fail the second step.
	cfg := emulatorConfig(FixedMode(Training))
	in := NewInput("data", dist.Shape{2}, cfg)
	relu := NewReLU("relu0", cfg)
	Connect(in, relu)
	setupAll(t, in, relu)

	for _, batch := range []int{4, 3, 4} {
		require.NoError(t, in.Forward(batch))
		require.NoError(t, relu.Forward(batch), "batch %d", batch)
		ones(relu)
		require.NoError(t, relu.Backward(batch), "batch %d", batch)
	}
}

func TestEntrywiseCloneRebuildsDescriptor(t *testing.T) {
	cfg := emulatorConfig(FixedMode(Training))
	in := NewInput("data", dist.Shape{2}, cfg)
	relu := NewReLU("relu0", cfg)
	Connect(in, relu)
	setupAll(t, in, relu)

	feed(t, in, 1, []float32{1, -1})
	require.NoError(t, relu.Forward(1))

	dup, ok := relu.Clone().(*Entrywise)
	require.True(t, ok)
	assert.Nil(t, dup.actDesc, "clone must not share the activation descriptor")

	// The clone rebuilds its own resources on first compute.
	require.NoError(t, dup.Forward(1))
	assert.Equal(t, []float32{1, 0}, dup.Activations().LockedLocal().Data)
}
