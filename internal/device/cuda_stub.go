//go:build !cuda

package device

import "fmt"

// NewCUDA reports the missing capability in the default build. The cuDNN
// implementation is selected with -tags cuda on Linux.
func NewCUDA() (Accelerator, error) {
	return nil, fmt.Errorf("%w: rebuild with -tags cuda on Linux for cuDNN support", ErrNotBuilt)
}
