package tensor

// Backend defines the interface that compute backends implement.
//
// Image tensors are channels-last: activations are [N, H, W, C] and
// convolution kernels are [K_h, K_w, C_in, C_out]. Kernels panic on
// malformed shapes; shape validation for user input happens above this layer.
type Backend interface {
	// Element-wise binary operations with NumPy broadcasting.
	Add(a, b *RawTensor) *RawTensor
	Sub(a, b *RawTensor) *RawTensor
	Mul(a, b *RawTensor) *RawTensor

	// MulScalar multiplies every element by s.
	MulScalar(x *RawTensor, s float32) *RawTensor

	// MatMul multiplies 2D matrices: [M, K] @ [K, N] -> [M, N].
	MatMul(a, b *RawTensor) *RawTensor

	// Shape operations.
	Reshape(t *RawTensor, newShape Shape) *RawTensor
	Transpose(t *RawTensor, axes ...int) *RawTensor

	// Convolution and pooling, channels-last.
	Conv2D(input, kernel *RawTensor, stride, padding int) *RawTensor
	Conv2DInputBackward(input, kernel, grad *RawTensor, stride, padding int) *RawTensor
	Conv2DKernelBackward(input, kernel, grad *RawTensor, stride, padding int) *RawTensor
	MaxPool2D(input *RawTensor, kernelSize, stride int) *RawTensor
	MaxPool2DBackward(input, grad *RawTensor, maxIndices []int, kernelSize, stride int) *RawTensor

	// SELU applies the scaled exponential linear unit element-wise.
	// SELUBackward returns grad * SELU'(x).
	SELU(x *RawTensor) *RawTensor
	SELUBackward(x, grad *RawTensor) *RawTensor

	// Argmax returns int32 indices of the maximum along the last dimension.
	Argmax(x *RawTensor) *RawTensor

	// Metadata.
	Name() string
	Device() Device
}
