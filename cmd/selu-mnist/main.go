// Command selu-mnist trains a SELU convolutional network on MNIST,
// evaluates and saves it, and classifies one test image.
package main

import (
	"fmt"
	"os"

	"github.com/born-ml/selu-mnist/cmd/selu-mnist/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
