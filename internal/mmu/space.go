package mmu

import (
	"unsafe"

	"mlk-kernel/internal/addr"
	"mlk-kernel/internal/arch"
)

// FrameAllocator is the seam AddressSpace and process lifecycle use to
// obtain and release physical frames: single pages for page-table levels
// and kernel stacks, contiguous runs for code images and DMA buffers
// (spec.md §4.1 "alloc_frame" / "alloc_contiguous"). internal/frame.Bitmap
// satisfies this interface; tests use a fake to observe allocation
// without real memory.
type FrameAllocator interface {
	AllocFrame() addr.PhysAddr
	FreeFrame(addr.PhysAddr)
	AllocContiguous(count uint32) addr.PhysAddr
	FreePages(pa addr.PhysAddr, count uint32)
}

// PageTableView lets the walker read/write a PageTable located at a
// physical address as if physical memory were directly addressable. On
// real hardware the kernel's identity map makes PA == VA for page-table
// pages, so this is a plain pointer cast; tests substitute a backing
// map so no real memory is touched.
type PageTableView interface {
	Table(pa addr.PhysAddr) *PageTable
}

// IdentityView implements PageTableView by treating physical addresses
// as directly dereferenceable pointers, valid only while the kernel's
// low identity map covers the page-table region (spec.md §4.2).
type IdentityView struct{}

func (IdentityView) Table(pa addr.PhysAddr) *PageTable {
	return (*PageTable)(unsafe.Pointer(uintptr(pa)))
}

// MemoryView gives byte-level access to a physical frame, used to
// populate freshly allocated data frames (program code) before they are
// ever mapped into a user address space. IdentityView implements this
// the same way it implements PageTableView; tests substitute a
// map-backed fake so no real memory is touched.
type MemoryView interface {
	Bytes(pa addr.PhysAddr, length int) []byte
}

func (IdentityView) Bytes(pa addr.PhysAddr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(pa))), length)
}

// AddressSpace is the tuple { root level-0 table, asid } of spec.md §3.
type AddressSpace struct {
	Root addr.PhysAddr
	ASID uint16

	frames FrameAllocator
	view   PageTableView
	hw     arch.Hardware
}

// TTBRValue is the physical address loaded into the translation-table-base
// register while this address space runs: root | (asid << 48) (spec.md §3
// invariant).
func (s *AddressSpace) TTBRValue() uint64 {
	return uint64(s.Root) | (uint64(s.ASID) << 48)
}

// New allocates a fresh level-0 table and assigns it the given ASID. hw
// is used only by Unmap, to invalidate the TLB entry for the address
// being unmapped (spec.md §4.2). Returns nil if the frame allocator is
// exhausted.
func New(frames FrameAllocator, view PageTableView, hw arch.Hardware, asid uint16) *AddressSpace {
	root := frames.AllocFrame()
	if root == 0 {
		return nil
	}
	t := view.Table(root)
	*t = PageTable{}
	return &AddressSpace{Root: root, ASID: asid, frames: frames, view: view, hw: hw}
}

// walk descends the 4-level tree for va, allocating intermediate tables
// on demand when alloc is true. Returns the leaf PTE pointer, or nil if
// alloc is false and an intermediate table is missing.
func (s *AddressSpace) walk(va addr.VirtAddr, alloc bool) *uint64 {
	table := s.view.Table(s.Root)
	for _, shift := range []uint{l0Shift, l1Shift, l2Shift} {
		idx := indexAt(va, shift)
		entry := &table.Entries[idx]
		if descriptorValid(*entry) {
			table = s.view.Table(descriptorPhysAddr(*entry))
			continue
		}
		if !alloc {
			return nil
		}
		next := s.frames.AllocFrame()
		if next == 0 {
			return nil
		}
		*s.view.Table(next) = PageTable{}
		*entry = tableDescriptor(next)
		table = s.view.Table(next)
	}
	idx := indexAt(va, l3Shift)
	return &table.Entries[idx]
}

// Map installs phys at virt with the given flags, allocating any
// intermediate tables needed (spec.md §4.2). Returns false on allocator
// exhaustion.
func (s *AddressSpace) Map(virt addr.VirtAddr, phys addr.PhysAddr, flags Flags) bool {
	pte := s.walk(virt, true)
	if pte == nil {
		return false
	}
	*pte = leafDescriptor(phys, flags)
	return true
}

// Unmap clears the leaf descriptor for virt, if present, and invalidates
// the TLB entry for it. Intermediate tables are left in place; they are
// reclaimed only by Destroy (spec.md §4.2).
func (s *AddressSpace) Unmap(virt addr.VirtAddr) {
	pte := s.walk(virt, false)
	if pte == nil {
		return
	}
	*pte = 0
	s.hw.InvalidateTLBVA(virt)
}

// Translate returns the physical address currently mapped at virt and
// whether a valid leaf mapping exists.
func (s *AddressSpace) Translate(virt addr.VirtAddr) (addr.PhysAddr, bool) {
	pte := s.walk(virt, false)
	if pte == nil || !descriptorValid(*pte) {
		return 0, false
	}
	return descriptorPhysAddr(*pte) + addr.PhysAddr(virt.Offset()), true
}

// Destroy recursively frees every page-table page in the tree (not the
// mapped data frames — those belong to Process.MemoryRegions, see
// spec.md §4.2 and §9 "Two-page ownership kinds") and returns the ASID
// for reuse via pool.Free, which the caller performs.
func (s *AddressSpace) Destroy() {
	s.destroyLevel(s.Root, 0)
	s.frames.FreeFrame(s.Root)
}

func (s *AddressSpace) destroyLevel(tablePA addr.PhysAddr, level int) {
	if level == 3 {
		return // leaves: data frames are not owned here
	}
	table := s.view.Table(tablePA)
	for i := range table.Entries {
		d := table.Entries[i]
		if !descriptorValid(d) {
			continue
		}
		if descriptorIsTable(d, level) {
			s.destroyLevel(descriptorPhysAddr(d), level+1)
			s.frames.FreeFrame(descriptorPhysAddr(d))
		}
		// A valid leaf at level < 3 would be a block mapping; this
		// design only emits block mappings at level 3 (pages), so no
		// data frame is ever reachable from this recursion.
	}
}
