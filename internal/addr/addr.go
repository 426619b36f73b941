// Package addr defines the opaque physical and virtual address types
// shared across the kernel (spec.md §3): "only the allocator produces
// PhysAddr, only the MMU maps VirtAddr -> PhysAddr". Making them distinct
// Go types (not a shared uintptr alias) means the compiler rejects code
// that passes one where the other is expected without an explicit
// conversion — the static analogue of the source's opaque-integer note.
package addr

// PhysAddr is a physical memory address. Produced only by the frame
// allocator.
type PhysAddr uint64

// VirtAddr is a virtual memory address, meaningful only relative to a
// particular AddressSpace.
type VirtAddr uint64

// PageSize is the MMU granule (4 KB) used to align both address kinds.
const PageSize = 4096

// AlignDown rounds a physical address down to a page boundary.
func (p PhysAddr) AlignDown() PhysAddr { return p &^ (PageSize - 1) }

// AlignDown rounds a virtual address down to a page boundary.
func (v VirtAddr) AlignDown() VirtAddr { return v &^ (PageSize - 1) }

// Offset returns the byte offset of v within its containing page.
func (v VirtAddr) Offset() uint64 { return uint64(v) & (PageSize - 1) }
