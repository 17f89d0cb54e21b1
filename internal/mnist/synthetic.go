package mnist

import "math/rand"

// Synthetic generates a deterministic stand-in for MNIST with n training
// and m test samples. Digit d is a bright band starting at row 2d, shifted
// by up to one pixel and sprinkled with noise, so that samples differ but
// stay separable. It is NOT realistic data; it exists to exercise the
// pipeline without network access.
func Synthetic(n, m int, seed int64) *Dataset {
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // test data
	return &Dataset{
		Train: syntheticSplit(rng, n),
		Test:  syntheticSplit(rng, m),
	}
}

func syntheticSplit(rng *rand.Rand, n int) *Split {
	const size = ImageSize * ImageSize
	images := make([]uint8, n*size)
	labels := make([]uint8, n)

	for i := 0; i < n; i++ {
		digit := i % NumClasses
		labels[i] = uint8(digit)
		img := images[i*size : (i+1)*size]

		dr, dc := rng.Intn(3)-1, rng.Intn(3)-1
		startRow := digit*2 + dr
		for row := startRow; row < startRow+8; row++ {
			if row < 0 || row >= ImageSize {
				continue
			}
			for col := 5 + dc; col < 23+dc; col++ {
				img[row*ImageSize+col] = uint8(180 + rng.Intn(76))
			}
		}
		for k := 0; k < 20; k++ {
			img[rng.Intn(size)] = uint8(rng.Intn(64))
		}
	}
	return &Split{Images: images, Labels: labels, Rows: ImageSize, Cols: ImageSize}
}
