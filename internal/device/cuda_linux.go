//go:build linux && cuda

package device

/*
#cgo LDFLAGS: -lcudnn -lcudart
#include <cudnn.h>
#include <cuda_runtime.h>
*/
import "C"
import (
	"fmt"
	"unsafe"
)

// Check interface compliance
var _ Accelerator = (*CUDA)(nil)

// CUDA drives cuDNN. Kernel arguments arrive as host slices; each launch
// stages them through device memory and copies results back, so callers see
// the same synchronous contract as the emulator.
type CUDA struct {
	handle C.cudnnHandle_t
}

func NewCUDA() (Accelerator, error) {
	var h C.cudnnHandle_t
	if err := cudnnErr("cudnnCreate", C.cudnnCreate(&h)); err != nil {
		return nil, err
	}
	return &CUDA{handle: h}, nil
}

func (c *CUDA) Name() string { return "cudnn" }

func cudnnErr(call string, status C.cudnnStatus_t) error {
	if status == C.CUDNN_STATUS_SUCCESS {
		return nil
	}
	return fmt.Errorf("device: %s: %s", call, C.GoString(C.cudnnGetErrorString(status)))
}

func cudaErr(call string, status C.cudaError_t) error {
	if status == C.cudaSuccess {
		return nil
	}
	return fmt.Errorf("device: %s: %s", call, C.GoString(C.cudaGetErrorString(status)))
}

// devBuf copies a host slice to freshly allocated device memory.
func devBuf(host []float32) (unsafe.Pointer, error) {
	bytes := C.size_t(len(host) * 4)
	var ptr unsafe.Pointer
	if err := cudaErr("cudaMalloc", C.cudaMalloc(&ptr, bytes)); err != nil {
		return nil, err
	}
	if len(host) > 0 {
		if err := cudaErr("cudaMemcpy(h2d)",
			C.cudaMemcpy(ptr, unsafe.Pointer(&host[0]), bytes, C.cudaMemcpyHostToDevice)); err != nil {
			C.cudaFree(ptr)
			return nil, err
		}
	}
	return ptr, nil
}

func readBack(host []float32, dev unsafe.Pointer) error {
	if len(host) == 0 {
		return nil
	}
	return cudaErr("cudaMemcpy(d2h)",
		C.cudaMemcpy(unsafe.Pointer(&host[0]), dev, C.size_t(len(host)*4), C.cudaMemcpyDeviceToHost))
}

func (c *CUDA) NewTensorDescriptor(rows, cols int) (TensorDescriptor, error) {
	var d C.cudnnTensorDescriptor_t
	if err := cudnnErr("cudnnCreateTensorDescriptor", C.cudnnCreateTensorDescriptor(&d)); err != nil {
		return nil, err
	}
	if err := cudnnErr("cudnnSetTensor4dDescriptor",
		C.cudnnSetTensor4dDescriptor(d, C.CUDNN_TENSOR_NCHW, C.CUDNN_DATA_FLOAT,
			1, 1, C.int(rows), C.int(cols))); err != nil {
		C.cudnnDestroyTensorDescriptor(d)
		return nil, err
	}
	descriptorsBuilt.WithLabelValues(c.Name()).Inc()
	return &cudaTensorDesc{d: d, rows: rows, cols: cols}, nil
}

func (c *CUDA) NewActivationDescriptor(kind ActivationKind) (ActivationDescriptor, error) {
	// Identity has no cuDNN activation mode; its kernels degenerate to
	// device copies, so no library descriptor is configured.
	if kind == ActivationIdentity {
		descriptorsBuilt.WithLabelValues(c.Name()).Inc()
		return &cudaActDesc{kind: kind}, nil
	}
	var d C.cudnnActivationDescriptor_t
	if err := cudnnErr("cudnnCreateActivationDescriptor", C.cudnnCreateActivationDescriptor(&d)); err != nil {
		return nil, err
	}
	if err := cudnnErr("cudnnSetActivationDescriptor",
		C.cudnnSetActivationDescriptor(d, C.CUDNN_ACTIVATION_RELU, C.CUDNN_PROPAGATE_NAN, 0)); err != nil {
		C.cudnnDestroyActivationDescriptor(d)
		return nil, err
	}
	descriptorsBuilt.WithLabelValues(c.Name()).Inc()
	return &cudaActDesc{d: d, kind: kind, configured: true}, nil
}

func (c *CUDA) DropoutStatesSize() (int, error) {
	var bytes C.size_t
	if err := cudnnErr("cudnnDropoutGetStatesSize", C.cudnnDropoutGetStatesSize(c.handle, &bytes)); err != nil {
		return 0, err
	}
	return (int(bytes) + 3) / 4, nil
}

func (c *CUDA) DropoutReserveSize(in TensorDescriptor) (int, error) {
	d, ok := in.(*cudaTensorDesc)
	if !ok {
		return 0, fmt.Errorf("device: foreign tensor descriptor %T", in)
	}
	var bytes C.size_t
	if err := cudnnErr("cudnnDropoutGetReserveSpaceSize",
		C.cudnnDropoutGetReserveSpaceSize(d.d, &bytes)); err != nil {
		return 0, err
	}
	return (int(bytes) + 3) / 4, nil
}

func (c *CUDA) NewDropoutDescriptor(dropProb float32, states []float32, seed uint64) (DropoutDescriptor, error) {
	stateBytes := C.size_t(len(states) * 4)
	var stateDev unsafe.Pointer
	if err := cudaErr("cudaMalloc(states)", C.cudaMalloc(&stateDev, stateBytes)); err != nil {
		return nil, err
	}
	var d C.cudnnDropoutDescriptor_t
	if err := cudnnErr("cudnnCreateDropoutDescriptor", C.cudnnCreateDropoutDescriptor(&d)); err != nil {
		C.cudaFree(stateDev)
		return nil, err
	}
	if err := cudnnErr("cudnnSetDropoutDescriptor",
		C.cudnnSetDropoutDescriptor(d, c.handle, C.float(dropProb), stateDev, stateBytes,
			C.ulonglong(seed))); err != nil {
		C.cudnnDestroyDropoutDescriptor(d)
		C.cudaFree(stateDev)
		return nil, err
	}
	descriptorsBuilt.WithLabelValues(c.Name()).Inc()
	return &cudaDropDesc{d: d, states: stateDev}, nil
}

func (c *CUDA) ActivationForward(act ActivationDescriptor, xDesc TensorDescriptor, x []float32,
	yDesc TensorDescriptor, y []float32) error {
	a := act.(*cudaActDesc)
	xd := xDesc.(*cudaTensorDesc)
	yd := yDesc.(*cudaTensorDesc)

	xDev, err := devBuf(x)
	if err != nil {
		return err
	}
	defer C.cudaFree(xDev)
	yDev, err := devBuf(y)
	if err != nil {
		return err
	}
	defer C.cudaFree(yDev)

	kernelLaunches.WithLabelValues(c.Name(), "activation_forward").Inc()
	if a.kind == ActivationIdentity {
		if err := cudaErr("cudaMemcpy(d2d)",
			C.cudaMemcpy(yDev, xDev, C.size_t(len(x)*4), C.cudaMemcpyDeviceToDevice)); err != nil {
			return err
		}
	} else {
		var alpha, beta C.float = 1, 0
		if err := cudnnErr("cudnnActivationForward",
			C.cudnnActivationForward(c.handle, a.d, unsafe.Pointer(&alpha), xd.d, xDev,
				unsafe.Pointer(&beta), yd.d, yDev)); err != nil {
			return err
		}
	}
	return readBack(y, yDev)
}

func (c *CUDA) ActivationBackward(act ActivationDescriptor, xDesc TensorDescriptor, x []float32,
	dyDesc TensorDescriptor, dy []float32, dxDesc TensorDescriptor, dx []float32) error {
	a := act.(*cudaActDesc)
	xd := xDesc.(*cudaTensorDesc)
	dyd := dyDesc.(*cudaTensorDesc)
	dxd := dxDesc.(*cudaTensorDesc)

	dyDev, err := devBuf(dy)
	if err != nil {
		return err
	}
	defer C.cudaFree(dyDev)
	dxDev, err := devBuf(dx)
	if err != nil {
		return err
	}
	defer C.cudaFree(dxDev)

	kernelLaunches.WithLabelValues(c.Name(), "activation_backward").Inc()
	if a.kind == ActivationIdentity {
		var alpha C.float = 1
		if err := cudnnErr("cudnnAddTensor",
			C.cudnnAddTensor(c.handle, unsafe.Pointer(&alpha), dyd.d, dyDev,
				unsafe.Pointer(&alpha), dxd.d, dxDev)); err != nil {
			return err
		}
		return readBack(dx, dxDev)
	}

	xDev, err := devBuf(x)
	if err != nil {
		return err
	}
	defer C.cudaFree(xDev)

	// cuDNN wants the forward output as well; recompute it from the input.
	yDev, err := devBuf(x)
	if err != nil {
		return err
	}
	defer C.cudaFree(yDev)
	var alpha, beta C.float = 1, 0
	if err := cudnnErr("cudnnActivationForward",
		C.cudnnActivationForward(c.handle, a.d, unsafe.Pointer(&alpha), xd.d, xDev,
			unsafe.Pointer(&beta), xd.d, yDev)); err != nil {
		return err
	}

	// beta = 1 accumulates into dx.
	var one C.float = 1
	if err := cudnnErr("cudnnActivationBackward",
		C.cudnnActivationBackward(c.handle, a.d, unsafe.Pointer(&alpha), xd.d, yDev,
			dyd.d, dyDev, xd.d, xDev, unsafe.Pointer(&one), dxd.d, dxDev)); err != nil {
		return err
	}
	return readBack(dx, dxDev)
}

func (c *CUDA) DropoutForward(drop DropoutDescriptor, xDesc TensorDescriptor, x []float32,
	yDesc TensorDescriptor, y []float32, reserve []float32) error {
	d := drop.(*cudaDropDesc)
	xd := xDesc.(*cudaTensorDesc)
	yd := yDesc.(*cudaTensorDesc)

	xDev, err := devBuf(x)
	if err != nil {
		return err
	}
	defer C.cudaFree(xDev)
	yDev, err := devBuf(y)
	if err != nil {
		return err
	}
	defer C.cudaFree(yDev)
	resDev, err := devBuf(reserve)
	if err != nil {
		return err
	}
	defer C.cudaFree(resDev)

	kernelLaunches.WithLabelValues(c.Name(), "dropout_forward").Inc()
	if err := cudnnErr("cudnnDropoutForward",
		C.cudnnDropoutForward(c.handle, d.d, xd.d, xDev, yd.d, yDev,
			resDev, C.size_t(len(reserve)*4))); err != nil {
		return err
	}
	if err := readBack(y, yDev); err != nil {
		return err
	}
	return readBack(reserve, resDev)
}

func (c *CUDA) DropoutBackward(drop DropoutDescriptor, dyDesc TensorDescriptor, dy []float32,
	dxDesc TensorDescriptor, dx []float32, reserve []float32) error {
	d := drop.(*cudaDropDesc)
	dyd := dyDesc.(*cudaTensorDesc)
	dxd := dxDesc.(*cudaTensorDesc)

	dyDev, err := devBuf(dy)
	if err != nil {
		return err
	}
	defer C.cudaFree(dyDev)
	dxDev, err := devBuf(dx)
	if err != nil {
		return err
	}
	defer C.cudaFree(dxDev)
	resDev, err := devBuf(reserve)
	if err != nil {
		return err
	}
	defer C.cudaFree(resDev)

	kernelLaunches.WithLabelValues(c.Name(), "dropout_backward").Inc()
	if err := cudnnErr("cudnnDropoutBackward",
		C.cudnnDropoutBackward(c.handle, d.d, dyd.d, dyDev, dxd.d, dxDev,
			resDev, C.size_t(len(reserve)*4))); err != nil {
		return err
	}
	return readBack(dx, dxDev)
}

func (c *CUDA) Synchronize() error {
	return cudaErr("cudaDeviceSynchronize", C.cudaDeviceSynchronize())
}

type cudaTensorDesc struct {
	d          C.cudnnTensorDescriptor_t
	rows, cols int
	destroyed  bool
}

func (d *cudaTensorDesc) Dims() (int, int) { return d.rows, d.cols }

func (d *cudaTensorDesc) Destroy() error {
	if d.destroyed {
		return ErrDestroyed
	}
	d.destroyed = true
	descriptorsDestroyed.WithLabelValues("cudnn").Inc()
	return cudnnErr("cudnnDestroyTensorDescriptor", C.cudnnDestroyTensorDescriptor(d.d))
}

type cudaActDesc struct {
	d          C.cudnnActivationDescriptor_t
	kind       ActivationKind
	configured bool
	destroyed  bool
}

func (d *cudaActDesc) Kind() ActivationKind { return d.kind }

func (d *cudaActDesc) Destroy() error {
	if d.destroyed {
		return ErrDestroyed
	}
	d.destroyed = true
	descriptorsDestroyed.WithLabelValues("cudnn").Inc()
	if !d.configured {
		return nil
	}
	return cudnnErr("cudnnDestroyActivationDescriptor", C.cudnnDestroyActivationDescriptor(d.d))
}

type cudaDropDesc struct {
	d         C.cudnnDropoutDescriptor_t
	states    unsafe.Pointer
	destroyed bool
}

func (d *cudaDropDesc) Destroy() error {
	if d.destroyed {
		return ErrDestroyed
	}
	d.destroyed = true
	descriptorsDestroyed.WithLabelValues("cudnn").Inc()
	err := cudnnErr("cudnnDestroyDropoutDescriptor", C.cudnnDestroyDropoutDescriptor(d.d))
	C.cudaFree(d.states)
	return err
}
