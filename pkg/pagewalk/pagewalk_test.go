package pagewalk

import (
	"encoding/binary"
	"errors"
	"testing"
)

// tables is a sparse physical memory holding 8-byte page-table entries.
type tables struct {
	entries map[uint64]uint64
	reads   []uint64
	failAt  uint64
}

var errRead = errors.New("read failed")

func newTables() *tables {
	return &tables{entries: map[uint64]uint64{}}
}

func (m *tables) ReadPhysical(addr uint64, buf []byte) error {
	m.reads = append(m.reads, addr)
	if len(buf) != entrySize {
		return errors.New("unexpected entry read size")
	}
	if m.failAt != 0 && addr == m.failAt {
		return errRead
	}
	binary.LittleEndian.PutUint64(buf, m.entries[addr])
	return nil
}

func (m *tables) set(table uint64, index uint64, entry uint64) uint64 {
	addr := table + index*entrySize
	m.entries[addr] = entry
	return addr
}

const (
	dtb       = uint64(0x1ad000)
	pdptBase  = uint64(0x2000)
	pdBase    = uint64(0x3000)
	ptBase    = uint64(0x4000)
	testVA    = uint64(0xfffff80312345000)
	presentRW = uint64(0x3)
	// high flag bits (NX, software bits) must be masked off
	highFlags = uint64(0x8000000000000000)
)

func build4K(m *tables, va, pte uint64) {
	m.set(dtb, Index(va, PML4), pdptBase|presentRW|highFlags)
	m.set(pdptBase, Index(va, PDPT), pdBase|presentRW)
	m.set(pdBase, Index(va, PD), ptBase|presentRW)
	m.set(ptBase, Index(va, PT), pte)
}

func TestIndex(t *testing.T) {
	va := uint64(0x0000_7f12_3456_7abc)
	for _, tc := range []struct {
		l    Level
		want uint64
	}{
		{PML4, (va >> 39) & 0x1ff},
		{PDPT, (va >> 30) & 0x1ff},
		{PD, (va >> 21) & 0x1ff},
		{PT, (va >> 12) & 0x1ff},
	} {
		if got := Index(va, tc.l); got != tc.want {
			t.Errorf("%v: got %d, want %d", tc.l, got, tc.want)
		}
	}
}

func TestTranslate4K(t *testing.T) {
	m := newTables()
	pte := uint64(0x00000001_2345_6000) | presentRW | highFlags | pageSizeBit
	build4K(m, testVA, pte)

	for _, off := range []uint64{0, 1, 0x7ff, 0xabc, 0xfff} {
		va := testVA | off
		m.reads = nil
		pa, err := Translate(m, dtb, va)
		if err != nil {
			t.Fatalf("%#x: %v", va, err)
		}
		if want := (pte & 0x000ffffffffff000) + off; pa != want {
			t.Errorf("%#x: got %#x, want %#x", va, pa, want)
		}
		if len(m.reads) != 4 {
			t.Errorf("%#x: %d entry reads, want 4", va, len(m.reads))
		}
	}
}

func TestTranslate1G(t *testing.T) {
	m := newTables()
	va := uint64(0x0000_0040_1234_5678)
	pdpte := uint64(0x0000_0003_c000_0000) | pageSizeBit | presentRW | highFlags | 0x1000
	m.set(dtb, Index(va, PML4), pdptBase|presentRW)
	m.set(pdptBase, Index(va, PDPT), pdpte)
	// garbage the walk must never look at
	m.set(pdpte&tableMask, Index(va, PD), 0xdead000)

	tr, err := Walk(m, dtb, va)
	if err != nil {
		t.Fatal(err)
	}
	if want := (pdpte & 0x000fffffc0000000) + (va & 0x3fffffff); tr.Physical != want {
		t.Fatalf("got %#x, want %#x", tr.Physical, want)
	}
	if tr.PageSize != PageSize1G || tr.Last() != PDPT || tr.Depth != 2 {
		t.Fatalf("unexpected walk %+v", tr)
	}
	if len(m.reads) != 2 {
		t.Fatalf("walk read %d entries after a 1GiB page, want 2", len(m.reads))
	}
}

func TestTranslate2M(t *testing.T) {
	m := newTables()
	va := uint64(0xffff_8000_0a3f_1234)
	pde := uint64(0x0000_0000_7fe0_0000) | pageSizeBit | presentRW | 0x1000
	m.set(dtb, Index(va, PML4), pdptBase|presentRW)
	m.set(pdptBase, Index(va, PDPT), pdBase|presentRW)
	m.set(pdBase, Index(va, PD), pde)

	tr, err := Walk(m, dtb, va)
	if err != nil {
		t.Fatal(err)
	}
	if want := (pde & 0x000fffffffe00000) + (va & 0x1fffff); tr.Physical != want {
		t.Fatalf("got %#x, want %#x", tr.Physical, want)
	}
	if tr.PageSize != PageSize2M || tr.Last() != PD {
		t.Fatalf("unexpected walk %+v", tr)
	}
	if len(m.reads) != 3 {
		t.Fatalf("walk read %d entries after a 2MiB page, want 3", len(m.reads))
	}
}

func TestPageSizeBitIgnoredInPML4(t *testing.T) {
	m := newTables()
	build4K(m, testVA, 0x9000|presentRW)
	m.set(dtb, Index(testVA, PML4), pdptBase|presentRW|pageSizeBit)
	pa, err := Translate(m, dtb, testVA|0x10)
	if err != nil {
		t.Fatal(err)
	}
	if pa != 0x9010 {
		t.Fatalf("got %#x", pa)
	}
}

func TestTranslateMiss(t *testing.T) {
	for _, lvl := range []Level{PML4, PDPT, PD, PT} {
		m := newTables()
		build4K(m, testVA, 0x9000|presentRW)
		tableOf := map[Level]uint64{PML4: dtb, PDPT: pdptBase, PD: pdBase, PT: ptBase}
		m.set(tableOf[lvl], Index(testVA, lvl), 0)

		pa, err := Translate(m, dtb, testVA)
		if pa != 0 {
			t.Errorf("%v: got address %#x on miss", lvl, pa)
		}
		if !errors.Is(err, ErrTranslationMiss) {
			t.Fatalf("%v: expected ErrTranslationMiss, got %v", lvl, err)
		}
		var miss *MissError
		if !errors.As(err, &miss) || miss.Level != lvl || miss.Virtual != testVA {
			t.Errorf("%v: unexpected miss %+v", lvl, miss)
		}
		if want := int(lvl) + 1; len(m.reads) != want {
			t.Errorf("%v: %d reads, want %d", lvl, len(m.reads), want)
		}
	}
}

func TestTranslateReadFailureIsNotMiss(t *testing.T) {
	m := newTables()
	build4K(m, testVA, 0x9000|presentRW)
	m.failAt = pdBase + Index(testVA, PD)*entrySize

	_, err := Translate(m, dtb, testVA)
	if !errors.Is(err, errRead) {
		t.Fatalf("expected the read error, got %v", err)
	}
	if errors.Is(err, ErrTranslationMiss) {
		t.Fatal("read failure reported as translation miss")
	}
	if len(m.reads) != 3 {
		t.Fatalf("walk continued after failure: %d reads", len(m.reads))
	}
}

func TestLevelString(t *testing.T) {
	if PD.String() != "PD" || Level(7).String() != "Level(7)" {
		t.Fatal("bad level names")
	}
}
