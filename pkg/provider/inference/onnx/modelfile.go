package onnx

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

var (
	// ErrModelNotFound is returned when the model file does not exist.
	ErrModelNotFound = errors.New("onnx: model file not found")

	// ErrModelTooSmall is returned when the model file, together with its
	// external data file, is smaller than the configured minimum. This is
	// almost always an interrupted download or a Git LFS pointer.
	ErrModelTooSmall = errors.New("onnx: model file too small")
)

// externalDataSuffix is appended to the model path to find weights stored
// outside the protobuf (ONNX files over 2 GB, or exports using
// save_as_external_data).
const externalDataSuffix = ".data"

// ModelSize returns the size of the model at path plus the size of its
// external data file, if one exists.
func ModelSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrModelNotFound, path)
		}
		return 0, fmt.Errorf("onnx: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%w: %s is a directory", ErrModelNotFound, path)
	}
	size := info.Size()

	if data, err := os.Stat(path + externalDataSuffix); err == nil && !data.IsDir() {
		size += data.Size()
	}
	return size, nil
}

// ValidateModelFile checks that path exists and that the model weights are
// at least minBytes large. A minBytes of zero disables the size check.
func ValidateModelFile(path string, minBytes int64) error {
	size, err := ModelSize(path)
	if err != nil {
		return err
	}
	if minBytes > 0 && size < minBytes {
		return fmt.Errorf("%w: %s is %d bytes (including %s sidecar), want at least %d",
			ErrModelTooSmall, path, size, externalDataSuffix, minBytes)
	}
	return nil
}
