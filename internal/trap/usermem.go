package trap

import (
	"mlk-kernel/internal/addr"
	"mlk-kernel/internal/config"
	"mlk-kernel/internal/mmu"
)

// readUser copies length bytes starting at va out of space, walking
// translate() page by page so a copy spanning a page boundary still
// resolves each page's (possibly non-contiguous) physical backing
// correctly. Returns false on any unmapped page in the range.
func readUser(mem mmu.MemoryView, space *mmu.AddressSpace, va addr.VirtAddr, length int) ([]byte, bool) {
	out := make([]byte, 0, length)
	cur := va
	remaining := length
	for remaining > 0 {
		pa, ok := space.Translate(cur)
		if !ok {
			return nil, false
		}
		chunk := config.PageSize - int(cur.Offset())
		if chunk > remaining {
			chunk = remaining
		}
		out = append(out, mem.Bytes(pa, chunk)...)
		cur = addr.VirtAddr(uint64(cur) + uint64(chunk))
		remaining -= chunk
	}
	return out, true
}

// writeUser copies data into space starting at va, the mirror of
// readUser, backing READ(41)'s buffer hand-back to user code.
func writeUser(mem mmu.MemoryView, space *mmu.AddressSpace, va addr.VirtAddr, data []byte) bool {
	cur := va
	remaining := len(data)
	off := 0
	for remaining > 0 {
		pa, ok := space.Translate(cur)
		if !ok {
			return false
		}
		chunk := config.PageSize - int(cur.Offset())
		if chunk > remaining {
			chunk = remaining
		}
		copy(mem.Bytes(pa, chunk), data[off:off+chunk])
		cur = addr.VirtAddr(uint64(cur) + uint64(chunk))
		off += chunk
		remaining -= chunk
	}
	return true
}
