// Package pagewalk translates x86-64 virtual addresses to physical
// addresses by walking 4-level page tables read through a physical memory
// reader.
package pagewalk

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/physmem/pmem/pkg/logflags"
)

const (
	entrySize = 8
	indexMask = 0x1ff

	// tableMask selects bits 51:12 of an entry, the base of the next
	// table or of a 4KiB page.
	tableMask = uint64(0x000ffffffffff000)
	// largeMask selects bits 51:21 of a PD entry mapping a 2MiB page.
	largeMask = uint64(0x000fffffffe00000)
	// hugeMask selects bits 51:30 of a PDPT entry mapping a 1GiB page.
	hugeMask = uint64(0x000fffffc0000000)

	// pageSizeBit (PS) marks an entry that maps a page instead of
	// referencing a table. Only meaningful in PDPT and PD entries.
	pageSizeBit = uint64(1 << 7)
)

// Page sizes a walk can terminate at.
const (
	PageSize4K = uint64(1 << 12)
	PageSize2M = uint64(1 << 21)
	PageSize1G = uint64(1 << 30)
)

// Level identifies a paging structure.
type Level int

const (
	PML4 Level = iota
	PDPT
	PD
	PT
)

var levelShifts = [...]uint{PML4: 39, PDPT: 30, PD: 21, PT: 12}

func (l Level) String() string {
	switch l {
	case PML4:
		return "PML4"
	case PDPT:
		return "PDPT"
	case PD:
		return "PD"
	case PT:
		return "PT"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// Index returns the table index selected by va at level l.
func Index(va uint64, l Level) uint64 {
	return (va >> levelShifts[l]) & indexMask
}

// PhysReader reads physical memory.
type PhysReader interface {
	ReadPhysical(addr uint64, buf []byte) error
}

// ErrTranslationMiss is matched by every *MissError.
var ErrTranslationMiss = errors.New("virtual address not mapped")

// MissError is returned when the walk reaches a zero entry.
type MissError struct {
	Virtual uint64
	Level   Level
}

func (e *MissError) Error() string {
	return fmt.Sprintf("virtual address %#x not mapped: zero %s entry", e.Virtual, e.Level)
}

func (e *MissError) Is(target error) bool { return target == ErrTranslationMiss }

// Translation is the result of a page-table walk.
type Translation struct {
	Virtual  uint64
	Physical uint64
	// PageSize is the size of the page the walk terminated at.
	PageSize uint64
	// Entries holds the entries read, indexed by Level. Only the first
	// Depth are valid.
	Entries [4]uint64
	Depth   int
}

// Last returns the level the walk terminated at.
func (t *Translation) Last() Level {
	return Level(t.Depth - 1)
}

// Translate returns the physical address backing va in the address space
// whose top-level table is at directoryTableBase.
func Translate(r PhysReader, directoryTableBase, va uint64) (uint64, error) {
	t, err := Walk(r, directoryTableBase, va)
	if err != nil {
		return 0, err
	}
	return t.Physical, nil
}

// Walk performs a page-table walk for va and reports every entry read.
// The walk stops at the first zero entry, returning a *MissError, and at
// the first PDPT or PD entry with the PS bit set. Errors from r are
// returned wrapped and never reported as misses.
func Walk(r PhysReader, directoryTableBase, va uint64) (Translation, error) {
	t := Translation{Virtual: va}
	table := directoryTableBase
	for l := PML4; l <= PT; l++ {
		entry, err := readEntry(r, table, Index(va, l), l)
		if err != nil {
			return t, err
		}
		t.Entries[l] = entry
		t.Depth++
		if entry == 0 {
			return t, &MissError{Virtual: va, Level: l}
		}
		switch {
		case l == PDPT && entry&pageSizeBit != 0:
			t.PageSize = PageSize1G
			t.Physical = (entry & hugeMask) + (va & (PageSize1G - 1))
			return t, nil
		case l == PD && entry&pageSizeBit != 0:
			t.PageSize = PageSize2M
			t.Physical = (entry & largeMask) + (va & (PageSize2M - 1))
			return t, nil
		case l == PT:
			t.PageSize = PageSize4K
			t.Physical = (entry & tableMask) + (va & (PageSize4K - 1))
			return t, nil
		}
		table = entry & tableMask
	}
	panic("unreachable")
}

func readEntry(r PhysReader, table, index uint64, l Level) (uint64, error) {
	addr := table + index*entrySize
	buf := make([]byte, entrySize)
	if err := r.ReadPhysical(addr, buf); err != nil {
		return 0, fmt.Errorf("reading %s entry %d at %#x: %w", l, index, addr, err)
	}
	entry := binary.LittleEndian.Uint64(buf)
	if logflags.Walk() {
		logflags.WalkLogger().Debugf("%s[%d] @ %#x = %#x", l, index, addr, entry)
	}
	return entry, nil
}
