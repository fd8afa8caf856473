package device

import "fmt"

// Role names the tensor a cached descriptor describes.
type Role int

const (
	RoleInput Role = iota
	RoleOutput
	RoleGradWrtOutput
	RoleGradWrtInput
)

func (r Role) String() string {
	switch r {
	case RoleInput:
		return "input"
	case RoleOutput:
		return "output"
	case RoleGradWrtOutput:
		return "grad_wrt_output"
	case RoleGradWrtInput:
		return "grad_wrt_input"
	default:
		return "unknown"
	}
}

type cacheEntry struct {
	desc TensorDescriptor
	rows int
	cols int
}

// DescriptorCache owns one tensor descriptor per role for a single layer.
// Ensure hands back a descriptor that matches the requested shape,
// destroying and rebuilding the cached one only when the shape changed —
// no churn while the mini-batch size is stable, correct when it varies
// (e.g. the final partial batch).
//
// The cache is owned exclusively by the layer that created it and must be
// Closed on layer teardown, before host buffers are released.
type DescriptorCache struct {
	accel   Accelerator
	entries map[Role]*cacheEntry
}

func NewDescriptorCache(a Accelerator) *DescriptorCache {
	return &DescriptorCache{
		accel:   a,
		entries: make(map[Role]*cacheEntry),
	}
}

// Ensure returns a valid descriptor for the role matching rows x cols.
func (c *DescriptorCache) Ensure(role Role, rows, cols int) (TensorDescriptor, error) {
	if e, ok := c.entries[role]; ok {
		if e.rows == rows && e.cols == cols {
			return e.desc, nil
		}
		if err := e.desc.Destroy(); err != nil {
			return nil, fmt.Errorf("device: destroying stale %s descriptor: %w", role, err)
		}
		delete(c.entries, role)
		descriptorRebuilds.Inc()
	}

	desc, err := c.accel.NewTensorDescriptor(rows, cols)
	if err != nil {
		return nil, fmt.Errorf("device: NewTensorDescriptor(%s, %dx%d): %w", role, rows, cols, err)
	}
	c.entries[role] = &cacheEntry{desc: desc, rows: rows, cols: cols}
	return desc, nil
}

// Close destroys every cached descriptor. The first failure is returned but
// all entries are attempted.
func (c *DescriptorCache) Close() error {
	var first error
	for role, e := range c.entries {
		if err := e.desc.Destroy(); err != nil && first == nil {
			first = fmt.Errorf("device: destroying %s descriptor: %w", role, err)
		}
		delete(c.entries, role)
	}
	return first
}

// Len returns the number of live cached descriptors.
func (c *DescriptorCache) Len() int { return len(c.entries) }
