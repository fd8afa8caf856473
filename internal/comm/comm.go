package comm

import "fmt"

// Comm identifies this process within the fixed set of cooperating trainer
// processes. Process-group bring-up happens outside this module; layers hold
// a shared, non-owning reference.
type Comm struct {
	rank int
	size int
}

// New creates a communicator handle for the given rank within a group of
// the given size.
func New(rank, size int) (*Comm, error) {
	if size < 1 {
		return nil, fmt.Errorf("comm: invalid group size %d", size)
	}
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("comm: rank %d out of range for group size %d", rank, size)
	}
	return &Comm{rank: rank, size: size}, nil
}

// NewLocal returns a single-process communicator (rank 0 of 1).
func NewLocal() *Comm {
	return &Comm{rank: 0, size: 1}
}

func (c *Comm) Rank() int { return c.rank }
func (c *Comm) Size() int { return c.size }

// IsMaster reports whether this process is the trainer master (rank 0).
// Warnings that should print once per trainer are gated on this.
func (c *Comm) IsMaster() bool { return c.rank == 0 }

// LocalSpan block-partitions n elements across the group and returns this
// rank's offset and count. Low ranks absorb the remainder, so every rank's
// count differs by at most one.
func (c *Comm) LocalSpan(n int) (offset, count int) {
	if n < 0 {
		return 0, 0
	}
	base := n / c.size
	rem := n % c.size
	if c.rank < rem {
		count = base + 1
		offset = c.rank * count
	} else {
		count = base
		offset = rem*(base+1) + (c.rank-rem)*base
	}
	return offset, count
}
