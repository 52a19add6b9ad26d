package esiop

import (
	"sync"

	"github.com/auriga-os/nucleus/corba"
)

// SharedPtr is a block address within a peer's address space
type SharedPtr uint64

// AllocationUnit is the shared-memory allocation granularity. Buffers
// larger than half a unit transfer by pointer rather than copy.
const AllocationUnit = 64 * 1024

// VirtualCopyThreshold is the size above which a properly aligned buffer
// is transferred as a segment instead of being copied into stream blocks.
const VirtualCopyThreshold = AllocationUnit / 2

// AddressSpace models one protection domain's shareable memory. The
// platform port would map real segments; the core only needs allocate,
// write, read and release with stable block addresses.
type AddressSpace struct {
	mu     sync.Mutex
	next   SharedPtr
	blocks map[SharedPtr][]byte
	allocs uint64
}

// NewAddressSpace creates an empty address space
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{next: 1, blocks: make(map[SharedPtr][]byte)}
}

// Allocate reserves a block and returns its address
func (a *AddressSpace) Allocate(size uint64) (SharedPtr, error) {
	if size == 0 || size > 1<<30 {
		return 0, corba.NO_MEMORY(0, corba.CompletionStatusNo)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ptr := a.next
	a.next += SharedPtr(size) + AllocationUnit // keep addresses disjoint
	a.blocks[ptr] = make([]byte, size)
	a.allocs++
	return ptr, nil
}

// AllocCount returns the total number of allocations ever made, for
// fast-path tests.
func (a *AddressSpace) AllocCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocs
}

// Write copies data into an allocated block at the given offset
func (a *AddressSpace) Write(ptr SharedPtr, off uint64, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	block, ok := a.blocks[ptr]
	if !ok || off+uint64(len(data)) > uint64(len(block)) {
		return corba.BAD_PARAM(0, corba.CompletionStatusNo)
	}
	copy(block[off:], data)
	return nil
}

// Read returns the content of a block
func (a *AddressSpace) Read(ptr SharedPtr) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	block, ok := a.blocks[ptr]
	if !ok {
		return nil, corba.BAD_PARAM(0, corba.CompletionStatusNo)
	}
	return block, nil
}

// Release frees a block
func (a *AddressSpace) Release(ptr SharedPtr) {
	a.mu.Lock()
	delete(a.blocks, ptr)
	a.mu.Unlock()
}

// BlockCount returns the number of live blocks, for working-set tests
func (a *AddressSpace) BlockCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.blocks)
}

// OtherDomain is the per-peer helper that knows how to allocate, release
// and fill memory in the peer's address space and translate pointers and
// sizes across pointer widths. Same-width local is the only
// implementation exercised here; a different-width local or a remote
// translator slot in behind the same interface.
type OtherDomain interface {
	Allocate(size uint64) (SharedPtr, error)
	Release(ptr SharedPtr)
	Copy(ptr SharedPtr, off uint64, data []byte) error
	TranslatePointer(ptr SharedPtr) SharedPtr
	TranslateSize(size uint64) uint64
}

// SameWidthLocal reaches a same-host peer with identical pointer widths
type SameWidthLocal struct {
	peer *AddressSpace
}

// NewSameWidthLocal creates the helper for a peer address space
func NewSameWidthLocal(peer *AddressSpace) *SameWidthLocal {
	return &SameWidthLocal{peer: peer}
}

// Allocate reserves a block in the peer's space
func (h *SameWidthLocal) Allocate(size uint64) (SharedPtr, error) {
	return h.peer.Allocate(size)
}

// Release frees a peer block
func (h *SameWidthLocal) Release(ptr SharedPtr) {
	h.peer.Release(ptr)
}

// Copy fills a peer block
func (h *SameWidthLocal) Copy(ptr SharedPtr, off uint64, data []byte) error {
	return h.peer.Write(ptr, off, data)
}

// TranslatePointer is the identity under equal widths
func (h *SameWidthLocal) TranslatePointer(ptr SharedPtr) SharedPtr { return ptr }

// TranslateSize is the identity under equal widths
func (h *SameWidthLocal) TranslateSize(size uint64) uint64 { return size }
