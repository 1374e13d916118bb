package mock

import (
	"os"

	"github.com/superfly/litedelta"
	"github.com/superfly/litedelta/internal"
)

var _ litedelta.OS = (*OS)(nil)

type OS struct {
	Underlying litedelta.OS

	MkdirAllFunc func(op, path string, perm os.FileMode) error
	OpenFunc     func(op, name string) (*os.File, error)
	OpenFileFunc func(op, name string, flag int, perm os.FileMode) (*os.File, error)
	RemoveFunc   func(op, name string) error
	StatFunc     func(op, name string) (os.FileInfo, error)
}

// NewOS returns a mock OS that defaults to using an underlying system OS.
func NewOS() *OS {
	return &OS{
		Underlying: &internal.SystemOS{},
	}
}

func (m *OS) MkdirAll(op, path string, perm os.FileMode) error {
	if m.MkdirAllFunc == nil {
		return m.Underlying.MkdirAll(op, path, perm)
	}
	return m.MkdirAllFunc(op, path, perm)
}

func (m *OS) Open(op, name string) (*os.File, error) {
	if m.OpenFunc == nil {
		return m.Underlying.Open(op, name)
	}
	return m.OpenFunc(op, name)
}

func (m *OS) OpenFile(op, name string, flag int, perm os.FileMode) (*os.File, error) {
	if m.OpenFileFunc == nil {
		return m.Underlying.OpenFile(op, name, flag, perm)
	}
	return m.OpenFileFunc(op, name, flag, perm)
}

func (m *OS) Remove(op, name string) error {
	if m.RemoveFunc == nil {
		return m.Underlying.Remove(op, name)
	}
	return m.RemoveFunc(op, name)
}

func (m *OS) Stat(op, name string) (os.FileInfo, error) {
	if m.StatFunc == nil {
		return m.Underlying.Stat(op, name)
	}
	return m.StatFunc(op, name)
}

// FileInfo is a mock implementation of os.FileInfo.
type FileInfo struct {
	os.FileInfo
	ModeValue os.FileMode
}

func (fi *FileInfo) Mode() os.FileMode { return fi.ModeValue }
