package mmu

import (
	"testing"

	"mlk-kernel/internal/addr"
	"mlk-kernel/internal/arch"
)

// fakeFrames is a host-side FrameAllocator + PageTableView backed by a Go
// map instead of real physical memory, so tests exercise the walk/
// map/unmap/destroy logic without touching hardware.
type fakeFrames struct {
	next   addr.PhysAddr
	tables map[addr.PhysAddr]*PageTable
	freed  map[addr.PhysAddr]bool
}

func newFakeFrames() *fakeFrames {
	return &fakeFrames{
		next:   0x1000,
		tables: make(map[addr.PhysAddr]*PageTable),
		freed:  make(map[addr.PhysAddr]bool),
	}
}

func (f *fakeFrames) AllocFrame() addr.PhysAddr {
	pa := f.next
	f.next += addr.PageSize
	f.tables[pa] = &PageTable{}
	delete(f.freed, pa)
	return pa
}

func (f *fakeFrames) FreeFrame(pa addr.PhysAddr) {
	f.freed[pa] = true
}

func (f *fakeFrames) AllocContiguous(count uint32) addr.PhysAddr {
	pa := f.next
	for i := uint32(0); i < count; i++ {
		f.tables[f.next] = &PageTable{}
		delete(f.freed, f.next)
		f.next += addr.PageSize
	}
	return pa
}

func (f *fakeFrames) FreePages(pa addr.PhysAddr, count uint32) {
	for i := uint32(0); i < count; i++ {
		f.freed[pa+addr.PhysAddr(i)*addr.PageSize] = true
	}
}

func (f *fakeFrames) Table(pa addr.PhysAddr) *PageTable {
	t, ok := f.tables[pa]
	if !ok {
		panic("Table: unknown physical address")
	}
	return t
}

func TestMapUnmapRoundTrip(t *testing.T) {
	f := newFakeFrames()
	hw := arch.NewFake()
	as := New(f, f, hw, 1)
	if as == nil {
		t.Fatal("New returned nil")
	}

	va := addr.VirtAddr(0x400000)
	pa := addr.PhysAddr(0x90000000)
	if !as.Map(va, pa, UserRW) {
		t.Fatal("Map failed")
	}
	got, ok := as.Translate(va)
	if !ok || got != pa {
		t.Fatalf("Translate after Map = (%x, %v), want (%x, true)", got, ok, pa)
	}

	as.Unmap(va)
	if _, ok := as.Translate(va); ok {
		t.Error("Translate after Unmap should fail")
	}
	if len(hw.InvalidatedVAs) != 1 || hw.InvalidatedVAs[0] != va {
		t.Errorf("Unmap should invalidate the TLB for %x, got %v", va, hw.InvalidatedVAs)
	}
}

func TestMapAllocatesIntermediateTablesOnDemand(t *testing.T) {
	f := newFakeFrames()
	as := New(f, f, arch.NewFake(), 1)
	before := len(f.tables)

	as.Map(addr.VirtAddr(0x1000_0000_0000), addr.PhysAddr(0x80000000), UserRO)

	// Root already existed; mapping one far-away VA should allocate L1,
	// L2, L3 tables in addition (3 new tables).
	after := len(f.tables)
	if after-before != 3 {
		t.Errorf("expected 3 new intermediate tables allocated, got %d", after-before)
	}
}

func TestDestroySplitsPageTablesFromDataFrames(t *testing.T) {
	f := newFakeFrames()
	as := New(f, f, arch.NewFake(), 1)

	dataFrame := addr.PhysAddr(0x90000000)
	as.Map(addr.VirtAddr(0x400000), dataFrame, UserRW)

	tablesBeforeDestroy := len(f.tables)
	if tablesBeforeDestroy < 4 {
		t.Fatalf("expected at least 4 page-table pages (root+L1+L2+L3), got %d", tablesBeforeDestroy)
	}

	as.Destroy()

	// Every page-table page must be freed...
	for pa := range f.tables {
		if !f.freed[pa] {
			t.Errorf("page-table page %x was not freed by Destroy", pa)
		}
	}
	// ...but the data frame itself, which was never allocated through
	// this FrameAllocator (it came from Process.MemoryRegions in the
	// real system), must never appear in the freed set.
	if f.freed[dataFrame] {
		t.Error("Destroy must not free the mapped data frame; that is Process.MemoryRegions' job")
	}
}

func TestTTBRValueEncodesRootAndASID(t *testing.T) {
	f := newFakeFrames()
	as := New(f, f, arch.NewFake(), 7)
	want := uint64(as.Root) | (uint64(7) << 48)
	if as.TTBRValue() != want {
		t.Errorf("TTBRValue() = %x, want %x", as.TTBRValue(), want)
	}
}

func TestASIDPoolAllocFreeAndReservedZero(t *testing.T) {
	p := NewASIDPool()
	if a := p.Alloc(); a != 1 {
		t.Errorf("first allocated ASID = %d, want 1", a)
	}
	a2 := p.Alloc()
	if a2 != 2 {
		t.Errorf("second allocated ASID = %d, want 2", a2)
	}
	p.Free(a2)
	if a3 := p.Alloc(); a3 != a2 {
		t.Errorf("freed ASID %d not reused, got %d", a2, a3)
	}
}
