package litedelta

import (
	"fmt"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
)

// ErrDuplicateAllocation is returned when a primary page is found twice in
// the pointer pages of a difference file.
type ErrDuplicateAllocation struct {
	Pgno      uint32
	DeltaPgno uint32
	PrevPgno  uint32
}

func (e *ErrDuplicateAllocation) Error() string {
	return fmt.Sprintf("duplicate allocation for page %d: difference pages %d and %d", e.Pgno, e.PrevPgno, e.DeltaPgno)
}

// AllocTable maps primary page numbers to difference page numbers. It is a
// cache of the pointer pages in a difference file and can always be rebuilt
// from them.
type AllocTable struct {
	m    *skipmap.FuncMap[uint32, uint32]
	last atomic.Uint32 // highest difference page handed out
}

// NewAllocTable returns an empty table.
func NewAllocTable() *AllocTable {
	return &AllocTable{
		m: skipmap.NewFunc[uint32, uint32](func(a, b uint32) bool { return a < b }),
	}
}

// Find returns the difference page for pgno or zero if it is not redirected.
func (t *AllocTable) Find(pgno uint32) uint32 {
	if v, ok := t.m.Load(pgno); ok {
		return v
	}
	return 0
}

// Len returns the number of redirected pages.
func (t *AllocTable) Len() int { return t.m.Len() }

// LastAllocated returns the highest difference page handed out.
func (t *AllocTable) LastAllocated() uint32 { return t.last.Load() }

// Pages returns the redirected primary page numbers in ascending order.
func (t *AllocTable) Pages() []uint32 {
	a := make([]uint32, 0, t.m.Len())
	t.m.Range(func(pgno, _ uint32) bool {
		a = append(a, pgno)
		return true
	})
	return a
}

// MaxPgno returns the highest redirected primary page number.
func (t *AllocTable) MaxPgno() (max uint32) {
	t.m.Range(func(pgno, _ uint32) bool {
		max = pgno
		return true
	})
	return max
}

func (t *AllocTable) store(pgno, deltaPgno uint32) error {
	if prev, loaded := t.m.LoadOrStore(pgno, deltaPgno); loaded {
		return &ErrDuplicateAllocation{Pgno: pgno, DeltaPgno: deltaPgno, PrevPgno: prev}
	}
	return nil
}

// Load reads pointer pages from d starting at the one holding the last
// allocated page and adds any entries not yet in the table. If complete is
// false, the scan stops before a pointer page that is not full because another
// session may still be appending to it.
func (t *AllocTable) Load(d *DeltaFile, complete bool) error {
	stride := d.Stride()
	pageN, err := d.PageN()
	if err != nil {
		return err
	}

	last := t.last.Load()
	for ptr := (last / stride) * stride; ptr < pageN; ptr += stride {
		entries, err := d.ReadPointerPage(ptr)
		if err != nil {
			return err
		}

		full := uint32(len(entries)) == stride-1
		if !complete && !full {
			break
		}

		var consumed uint32
		if last > ptr {
			consumed = last - ptr
		}
		if consumed > uint32(len(entries)) {
			return fmt.Errorf("pointer page %d: entry count %d below last allocated page %d", ptr, len(entries), last)
		}

		for i := consumed; i < uint32(len(entries)); i++ {
			if err := t.store(entries[i], ptr+1+i); err != nil {
				return err
			}
		}
		if n := ptr + uint32(len(entries)); n > last {
			last = n
			t.last.Store(last)
		}

		if !full {
			break
		}
	}
	return nil
}

// Allocate assigns the next difference page to pgno. The file is extended
// before the pointer page is updated so a crash can only lose the new entry.
// If data is not nil, it is written to the difference page before the entry
// is recorded.
func (t *AllocTable) Allocate(d *DeltaFile, pgno uint32, data []byte) (uint32, error) {
	stride := d.Stride()
	if prev := t.Find(pgno); prev != 0 {
		return 0, &ErrDuplicateAllocation{Pgno: pgno, PrevPgno: prev}
	}

	last := t.last.Load()
	deltaPgno := last + 1
	if d.IsPointerPage(deltaPgno) {
		deltaPgno++
	}
	ptr := (deltaPgno / stride) * stride

	entries, err := d.ReadPointerPage(ptr)
	if err != nil {
		return 0, err
	} else if got, want := uint32(len(entries)), deltaPgno-ptr-1; got != want {
		return 0, fmt.Errorf("pointer page %d: entry count %d, expected %d", ptr, got, want)
	}

	if err := d.Extend(deltaPgno + 1); err != nil {
		return 0, fmt.Errorf("extend difference file: %w", err)
	}
	if data != nil {
		if err := d.WritePage(deltaPgno, data); err != nil {
			return 0, err
		}
	}

	if err := d.WritePointerPage(ptr, append(entries, pgno)); err != nil {
		return 0, err
	}

	if err := t.store(pgno, deltaPgno); err != nil {
		return 0, err
	}
	t.last.Store(deltaPgno)
	return deltaPgno, nil
}
