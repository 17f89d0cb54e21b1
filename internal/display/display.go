// Package display renders grayscale images for humans: as text on a
// terminal, or as a PNG file.
package display

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
)

// Ramp maps intensity to characters, darkest first.
const Ramp = " .:-=+*#%@"

func checkSize(pixels []uint8, rows, cols int) error {
	if rows <= 0 || cols <= 0 || len(pixels) != rows*cols {
		return fmt.Errorf("display: %d pixels for a %dx%d image", len(pixels), rows, cols)
	}
	return nil
}

// ASCII writes the image as rows of Ramp characters. Every pixel is printed
// twice so that the aspect ratio survives typical terminal fonts.
func ASCII(w io.Writer, pixels []uint8, rows, cols int) error {
	if err := checkSize(pixels, rows, cols); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	line := make([]byte, 0, 2*cols+1)
	for r := 0; r < rows; r++ {
		line = line[:0]
		for _, p := range pixels[r*cols : (r+1)*cols] {
			c := Ramp[int(p)*(len(Ramp)-1)/255]
			line = append(line, c, c)
		}
		line = append(line, '\n')
		if _, err := bw.Write(line); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Gray converts the pixels to an image scaled up by an integer factor with
// nearest-neighbour sampling.
func Gray(pixels []uint8, rows, cols, scale int) (*image.Gray, error) {
	if err := checkSize(pixels, rows, cols); err != nil {
		return nil, err
	}
	if scale < 1 {
		scale = 1
	}
	img := image.NewGray(image.Rect(0, 0, cols*scale, rows*scale))
	for y := 0; y < rows*scale; y++ {
		for x := 0; x < cols*scale; x++ {
			img.SetGray(x, y, color.Gray{Y: pixels[(y/scale)*cols+x/scale]})
		}
	}
	return img, nil
}

// WritePNG saves the image to path, scaled by scale.
func WritePNG(path string, pixels []uint8, rows, cols, scale int) error {
	img, err := Gray(pixels, rows, cols, scale)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// Scores writes one line per class with its score and a bar, marking the
// highest score.
func Scores(w io.Writer, scores []float32) error {
	if len(scores) == 0 {
		return nil
	}
	best := 0
	lo, hi := scores[0], scores[0]
	for i, s := range scores {
		if s > scores[best] {
			best = i
		}
		lo, hi = min(lo, s), max(hi, s)
	}
	const width = 30
	for i, s := range scores {
		n := 0
		if hi > lo {
			n = int(float32(width) * (s - lo) / (hi - lo))
		}
		mark := ' '
		if i == best {
			mark = '<'
		}
		bar := make([]byte, n)
		for j := range bar {
			bar[j] = '#'
		}
		if _, err := fmt.Fprintf(w, "%d %9.4f |%-*s %c\n", i, s, width, bar, mark); err != nil {
			return err
		}
	}
	return nil
}
