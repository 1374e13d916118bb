package internal

import "os"

// SystemOS represents an implementation of OS that simply calls the os package
// functions. The op argument identifies the calling operation for mocks and is
// ignored here.
type SystemOS struct{}

func (*SystemOS) MkdirAll(op, path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (*SystemOS) Open(op, name string) (*os.File, error) {
	return os.Open(name)
}

func (*SystemOS) OpenFile(op, name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}

func (*SystemOS) Remove(op, name string) error {
	return os.Remove(name)
}

func (*SystemOS) Stat(op, name string) (os.FileInfo, error) {
	return os.Stat(name)
}
