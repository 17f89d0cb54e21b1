package display

import (
	"bytes"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestASCII(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ASCII(&buf, []uint8{0, 255, 128, 30}, 2, 2))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "  @@", lines[0])
	assert.Equal(t, "==..", lines[1])

	assert.Error(t, ASCII(&buf, []uint8{1, 2, 3}, 2, 2))
}

func TestWritePNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.png")
	require.NoError(t, WritePNG(path, []uint8{0, 50, 100, 255}, 2, 2, 3))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 6, img.Bounds().Dx())
	assert.Equal(t, 6, img.Bounds().Dy())

	r, _, _, _ := img.At(5, 5).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	r, _, _, _ = img.At(4, 0).RGBA()
	assert.Equal(t, uint32(50*0x101), r)
}

func TestScores(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Scores(&buf, []float32{0.1, 0.9, -0.5}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasSuffix(lines[1], "<"))
	assert.False(t, strings.HasSuffix(lines[0], "<"))
	assert.True(t, strings.HasPrefix(lines[2], "2 "))
}
