package mnist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// The archive published for tf.keras.datasets.mnist.
const (
	DefaultURL      = "https://storage.googleapis.com/tensorflow/tf-keras-datasets/mnist.npz"
	DefaultSHA256   = "731c5ac602752760c8e48fbffcf8c3b850d9dc2a2aedcf2cc48468fc17b673d1"
	DefaultFileName = "mnist.npz"
)

// FileSHA256 returns the hex SHA-256 digest of the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Fetch makes sure dest holds the file served at url with the given
// SHA-256 digest. A cached copy with the right digest is reused; otherwise
// the file is downloaded to a temporary file next to dest, verified, and
// renamed into place. An empty digest disables verification.
func Fetch(ctx context.Context, client *http.Client, url, dest, digest string, logger *slog.Logger) error {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	digest = strings.ToLower(digest)

	got, err := FileSHA256(dest)
	switch {
	case err == nil && (digest == "" || got == digest):
		logger.Debug("using cached dataset", "path", dest)
		return nil
	case err == nil:
		logger.Warn("cached dataset has wrong digest, downloading again", "path", dest, "sha256", got)
	case !errors.Is(err, fs.ErrNotExist):
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	logger.Info("downloading dataset", "url", url, "dest", dest)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("download %s: %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}

	if sum := hex.EncodeToString(h.Sum(nil)); digest != "" && sum != digest {
		return fmt.Errorf("%w: %s has sha256 %s, want %s", ErrChecksumMismatch, url, sum, digest)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return err
	}
	logger.Info("dataset downloaded", "path", dest, "bytes", n)
	return nil
}
