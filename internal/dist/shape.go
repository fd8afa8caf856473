package dist

import (
	"fmt"
	"strconv"
	"strings"
)

// Shape is the logical, non-distributed dimensions of one sample's tensor.
// The distributed buffer flattens it into a single feature axis.
type Shape []int

// Flat returns the flattened size, the product of all dimensions.
func (s Shape) Flat() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Validate rejects empty shapes and non-positive dimensions.
func (s Shape) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("dist: empty tensor shape")
	}
	for i, d := range s {
		if d <= 0 {
			return fmt.Errorf("dist: tensor shape has non-positive dimension %d at index %d", d, i)
		}
	}
	return nil
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) Clone() Shape {
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// String formats the shape as "4 x 5", matching diagnostic messages.
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, " x ")
}
