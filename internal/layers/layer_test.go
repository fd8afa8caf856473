package layers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bodkin/internal/comm"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/dist"
)

func hostConfig(mode ModeSource) Config {
	return Config{
		Comm:         comm.NewLocal(),
		Mode:         mode,
		MaxBatch:     8,
		Distribution: dist.DataParallel,
		Placement:    dist.Host,
	}
}

func emulatorConfig(mode ModeSource) Config {
	cfg := hostConfig(mode)
	cfg.Placement = dist.Accel
	cfg.Accel = device.NewEmulator()
	return cfg
}

// setupAll runs the two-phase setup over a graph in topological order.
func setupAll(t *testing.T, graph ...Layer) {
	t.Helper()
	for _, l := range graph {
		require.NoError(t, l.SetupDims(), "SetupDims %s", l.Name())
	}
	for _, l := range graph {
		require.NoError(t, l.SetupData(), "SetupData %s", l.Name())
	}
}

// feed runs the input's forward and fills its activations.
func feed(t *testing.T, in *Input, batch int, vals []float32) {
	t.Helper()
	require.NoError(t, in.Forward(batch))
	copy(in.Activations().Local().Data, vals)
}

// ones writes a unit gradient into a layer's staging buffer.
func ones(l Layer) {
	g := l.GradWrtOutput().Local().Data
	for i := range g {
		g[i] = 1
	}
}

func TestLifecycleOrdering(t *testing.T) {
	cfg := hostConfig(FixedMode(Training))
	in := NewInput("data", dist.Shape{3}, cfg)
	relu := NewReLU("relu0", cfg)
	Connect(in, relu)

	t.Run("SetupDataBeforeDims", func(t *testing.T) {
		err := relu.SetupData()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SetupData")
		assert.Contains(t, err.Error(), "unconfigured")
	})

	t.Run("ForwardBeforeSetup", func(t *testing.T) {
		assert.Error(t, relu.Forward(2))
	})

	setupAll(t, in, relu)

	t.Run("BackwardBeforeForward", func(t *testing.T) {
		err := relu.Backward(2)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Backward")
	})

	t.Run("BatchBounds", func(t *testing.T) {
		require.NoError(t, in.Forward(2))
		assert.Error(t, relu.Forward(0))
		assert.Error(t, relu.Forward(cfg.MaxBatch+1))
		require.NoError(t, relu.Forward(2))
	})

	t.Run("BackwardBatchMismatch", func(t *testing.T) {
		err := relu.Backward(3)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not match forward batch")
	})
}

func TestConfigValidation(t *testing.T) {
	base := hostConfig(FixedMode(Training))

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"MissingComm", func(c *Config) { c.Comm = nil }},
		{"MissingMode", func(c *Config) { c.Mode = nil }},
		{"ZeroMaxBatch", func(c *Config) { c.MaxBatch = 0 }},
		{"AccelWithoutBackend", func(c *Config) { c.Placement = dist.Accel; c.Accel = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			in := NewInput("data", dist.Shape{2}, cfg)
			assert.Error(t, in.SetupDims())
		})
	}
}

func TestParentCountEnforced(t *testing.T) {
	cfg := hostConfig(FixedMode(Training))
	relu := NewReLU("relu0", cfg)
	err := relu.SetupDims()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expects 1 parent(s), has 0")
}

func TestParentWidthChecked(t *testing.T) {
	cfg := hostConfig(FixedMode(Training))
	in := NewInput("data", dist.Shape{3}, cfg)
	relu := NewReLU("relu0", cfg)
	Connect(in, relu)
	setupAll(t, in, relu)

	require.NoError(t, in.Forward(4))
	err := relu.Forward(2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch 4, want 2")
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := hostConfig(FixedMode(Training))
	in := NewInput("data", dist.Shape{2}, cfg)
	relu := NewReLU("relu0", cfg)
	Connect(in, relu)
	setupAll(t, in, relu)

	feed(t, in, 2, []float32{1, -2, 3, -4})
	require.NoError(t, relu.Forward(2))

	dup := relu.Clone()
	require.Equal(t, relu.Name(), dup.Name())
	require.Equal(t, relu.OutputShape(), dup.OutputShape())

	orig := relu.Activations().Local().Data
	copied := dup.Activations().LockedLocal().Data
	assert.Equal(t, orig, copied)

	orig[0] = 99
	assert.NotEqual(t, orig[0], dup.Activations().LockedLocal().Data[0],
		"clone shares activation storage")
}

func TestAccumulateGradWrtOutputAdds(t *testing.T) {
	cfg := hostConfig(FixedMode(Training))
	in := NewInput("data", dist.Shape{2}, cfg)
	r1 := NewReLU("relu1", cfg)
	r2 := NewReLU("relu2", cfg)
	Connect(in, r1)
	Connect(in, r2)
	setupAll(t, in, r1, r2)

	feed(t, in, 1, []float32{1, 2})
	require.NoError(t, r1.Forward(1))
	require.NoError(t, r2.Forward(1))

	// Two children each contribute a unit gradient: the shared parent sees
	// their sum.
	ones(r1)
	ones(r2)
	require.NoError(t, r1.Backward(1))
	require.NoError(t, r2.Backward(1))

	got := in.GradWrtOutput().LockedLocal().Data
	assert.Equal(t, []float32{2, 2}, got)
}

func TestDescribe(t *testing.T) {
	cfg := hostConfig(FixedMode(Training))
	in := NewInput("data", dist.Shape{3}, cfg)
	relu := NewReLU("relu0", cfg)
	Connect(in, relu)
	setupAll(t, in, relu)

	infos := DescribeAll([]Layer{in, relu})
	require.Len(t, infos, 2)
	assert.Equal(t, "data", infos[0].Name)
	assert.Equal(t, "input", infos[0].Type)
	assert.Empty(t, infos[0].Parents)

	assert.Equal(t, "relu0", infos[1].Name)
	assert.Equal(t, "relu", infos[1].Type)
	assert.Equal(t, []int{3}, infos[1].OutputShape)
	assert.Equal(t, []string{"data"}, infos[1].Parents)
}

func TestCloseReleasesDescriptors(t *testing.T) {
	cfg := emulatorConfig(FixedMode(Training))
	in := NewInput("data", dist.Shape{2}, cfg)
	relu := NewReLU("relu0", cfg)
	Connect(in, relu)
	setupAll(t, in, relu)

	feed(t, in, 2, []float32{1, 2, 3, 4})
	require.NoError(t, relu.Forward(2))
	require.NoError(t, relu.Close())
	assert.Nil(t, relu.Activations())
}
