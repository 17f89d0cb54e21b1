package udo

// Identity of the operator package shipped with saved models.
const (
	PackageName = "SeluUdoPackage"
)

// PackageVersion is the version of SeluPackage.
var PackageVersion = Version{Major: 1, Minor: 0, Patch: 0}

// SeluPackage returns a registry holding the Selu activation and the layer
// operators needed to run the MNIST network on CPU.
func SeluPackage() *Registry {
	r := NewRegistry(PackageName, PackageVersion, CoreCPU)
	for _, info := range []OpInfo{
		seluInfo(),
		layerInfo(Conv2DType, validateConv2D, conv2DShape, conv2DKernel),
		layerInfo(MaxPool2DType, validateMaxPool2D, maxPool2DShape, maxPool2DKernel),
		layerInfo(FlattenType, validateFlatten, flattenShape, copyKernel),
		layerInfo(DenseType, validateDense, denseShape, denseKernel),
		layerInfo(DropoutType, validateDropout, sameShape, copyKernel),
	} {
		if err := r.Register(info); err != nil {
			panic(err) // static table
		}
	}
	return r
}
