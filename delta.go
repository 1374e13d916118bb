package litedelta

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/superfly/litedelta/internal"
)

// DeltaFile is a process-local handle to a difference file. Pages at multiples
// of Stride() are pointer pages holding the allocation index; every other page
// holds a transformed copy of a redirected primary page.
type DeltaFile struct {
	path      string
	f         *os.File
	pageSize  uint32
	transform Transform
}

// CreateDeltaFile creates or truncates the difference file at path and writes
// an empty first pointer page.
func CreateDeltaFile(fsys OS, path string, pageSize uint32, transform Transform) (_ *DeltaFile, err error) {
	defer func() {
		TraceLog.Printf("[CreateDeltaFile(%s)]: %s", path, errorKeyValue(err))
	}()

	if err := fsys.MkdirAll("CREATEDELTA", filepath.Dir(path), 0o777); err != nil {
		return nil, err
	}

	f, err := fsys.OpenFile("CREATEDELTA", path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, err
	}

	d := newDeltaFile(path, f, pageSize, transform)
	if err := d.WritePointerPage(0, nil); err != nil {
		_ = f.Close()
		return nil, err
	} else if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, err
	} else if err := internal.Sync(filepath.Dir(path)); err != nil {
		_ = f.Close()
		return nil, err
	}
	return d, nil
}

// OpenDeltaFile opens an existing difference file.
func OpenDeltaFile(fsys OS, path string, pageSize uint32, transform Transform) (*DeltaFile, error) {
	f, err := fsys.OpenFile("OPENDELTA", path, os.O_RDWR, 0o666)
	if err != nil {
		return nil, err
	}
	return newDeltaFile(path, f, pageSize, transform), nil
}

func newDeltaFile(path string, f *os.File, pageSize uint32, transform Transform) *DeltaFile {
	if transform == nil {
		transform = NopTransform{}
	}
	return &DeltaFile{path: path, f: f, pageSize: pageSize, transform: transform}
}

// Path returns the path of the difference file.
func (d *DeltaFile) Path() string { return d.path }

// Stride returns the distance between pointer pages.
func (d *DeltaFile) Stride() uint32 { return d.pageSize / 4 }

// IsPointerPage returns true if n is a pointer page number.
func (d *DeltaFile) IsPointerPage(n uint32) bool { return n%d.Stride() == 0 }

// PageN returns the number of whole pages in the file.
func (d *DeltaFile) PageN() (uint32, error) {
	fi, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return uint32(fi.Size() / int64(d.pageSize)), nil
}

// Extend grows the file to hold at least n pages. New pages read as zeros.
func (d *DeltaFile) Extend(n uint32) error {
	pageN, err := d.PageN()
	if err != nil {
		return err
	} else if pageN >= n {
		return nil
	}
	return d.f.Truncate(int64(n) * int64(d.pageSize))
}

// ReadPointerPage returns the primary page numbers recorded on pointer page n.
// Entry i maps to difference page n+1+i.
func (d *DeltaFile) ReadPointerPage(n uint32) ([]uint32, error) {
	assert(d.IsPointerPage(n), "read of non-pointer page as pointer page")

	buf := make([]byte, d.pageSize)
	if _, err := internal.ReadFullAt(d.f, buf, int64(n)*int64(d.pageSize)); err == io.EOF {
		return nil, nil // unwritten pointer page
	} else if err != nil {
		return nil, fmt.Errorf("read pointer page %d: %w", n, err)
	}

	count := binary.BigEndian.Uint32(buf[0:4])
	if count > d.Stride()-1 {
		return nil, fmt.Errorf("pointer page %d: invalid entry count %d", n, count)
	}

	entries := make([]uint32, count)
	for i := range entries {
		entries[i] = binary.BigEndian.Uint32(buf[4+i*4:])
	}
	return entries, nil
}

// WritePointerPage writes entries to pointer page n, zero padding the page.
func (d *DeltaFile) WritePointerPage(n uint32, entries []uint32) error {
	assert(d.IsPointerPage(n), "write of non-pointer page as pointer page")
	assert(uint32(len(entries)) <= d.Stride()-1, "pointer page overflow")

	buf := make([]byte, d.pageSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(entries)))
	for i, pgno := range entries {
		binary.BigEndian.PutUint32(buf[4+i*4:], pgno)
	}
	if _, err := d.f.WriteAt(buf, int64(n)*int64(d.pageSize)); err != nil {
		return fmt.Errorf("write pointer page %d: %w", n, err)
	}
	return nil
}

// ReadPage reads and decodes difference page n into buf.
func (d *DeltaFile) ReadPage(n uint32, buf []byte) error {
	assert(!d.IsPointerPage(n), "read of pointer page as data page")

	raw := make([]byte, d.pageSize)
	if _, err := internal.ReadFullAt(d.f, raw, int64(n)*int64(d.pageSize)); err != nil {
		return fmt.Errorf("read difference page %d: %w", n, err)
	}
	return d.transform.DecodePage(n|DeltaPageFlag, buf, raw)
}

// WritePage encodes data and writes it to difference page n.
func (d *DeltaFile) WritePage(n uint32, data []byte) error {
	assert(!d.IsPointerPage(n), "write of pointer page as data page")

	raw := make([]byte, d.pageSize)
	if err := d.transform.EncodePage(n|DeltaPageFlag, raw, data); err != nil {
		return err
	} else if _, err := d.f.WriteAt(raw, int64(n)*int64(d.pageSize)); err != nil {
		return fmt.Errorf("write difference page %d: %w", n, err)
	}
	return nil
}

// Sync flushes the file to disk.
func (d *DeltaFile) Sync() error { return d.f.Sync() }

// Close closes the file handle.
func (d *DeltaFile) Close() error { return d.f.Close() }
