// Package vm holds the constants and address-alignment helpers shared
// by the virtual memory subsystem's sub-packages (spt, swap, frame,
// fault), which are kept separate with one dependency direction: swap
// is a leaf, spt depends only on swap, frame depends on neither (it
// evicts through an injected Evictor interface instead), and fault
// glues all three together.
package vm

// PageSize is the virtual memory page granularity, in bytes.
const PageSize = 4096

// Page is a page-aligned user virtual address.
type Page uint64

// PageOf truncates addr down to its containing page boundary.
func PageOf(addr uint64) Page {
	return Page(addr &^ (PageSize - 1))
}

// Offset returns addr's byte offset within its page.
func Offset(addr uint64) uint64 {
	return addr & (PageSize - 1)
}
