package fs

import (
	"errors"
	"os"
)

// Real implements [FS] on the host filesystem. Pools opened through it are
// mapped and locked with real descriptors.
type Real struct{}

// NewReal returns a new [Real] filesystem.
func NewReal() *Real {
	return &Real{}
}

// Open is [os.Open].
func (*Real) Open(path string) (File, error) {
	return os.Open(path)
}

// OpenFile is [os.OpenFile].
func (*Real) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm)
}

func (*Real) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (*Real) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (*Real) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

// Exists reports whether path exists. Errors other than not-exist are
// returned as is.
func (*Real) Exists(path string) (bool, error) {
	_, err := os.Stat(path)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (*Real) Remove(path string) error {
	return os.Remove(path)
}

// Rename is [os.Rename]; it replaces newpath atomically.
func (*Real) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// Compile-time interface check.
var _ FS = (*Real)(nil)
