// Package pool implements the 32-bit short-pointer memory arena: a
// contiguous, growable byte region addressed by "short pointers"
// (offset+1, so 0 stays the null value), typed block headers,
// size-classed free lists, and a trailing-edge table for backward
// coalescing on free.
//
// The free-list-of-free-lists is indexed by size class using
// github.com/emirpasic/gods's red-black tree; growth happens by
// re-slicing a Go []byte arena a page at a time rather than through
// golang.org/x/exp/mmap, which is read-only-file oriented and is
// instead used by the checkpoint package for zero-copy reads of a
// written checkpoint file.
package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"

	"github.com/vesta-scm/repository/errs"
	"github.com/vesta-scm/repository/internal/trace"
)

// ShortPtr is a 32-bit address into a Pool's arena, encoded as
// offset+1 so that 0 is always the null short pointer.
type ShortPtr uint32

// Null is the null short pointer.
const Null ShortPtr = 0

// IsNull reports whether sp is the null short pointer.
func (sp ShortPtr) IsNull() bool { return sp == Null }

// BlockType occupies the high 4 bits of a block's 1-byte header; the
// low 4 bits are available to the client.
type BlockType uint8

const (
	TypeFreeByte BlockType = iota
	TypeFreeBlock
	TypeDirChangeable
	TypeForward
	TypeDirEvaluator
	TypeDirImmutable
	TypeAttrib
	TypeDirAppendable
)

const (
	align              = 8
	minFreeBlockSize   = 13
	pageSize           = 1 << 16
	headerSize         = 1
	defaultSoftLimit   = 1 << 28 // 256 MiB
	defaultHardLimit   = 1 << 32 - 1
)

func encodeHeader(t BlockType, client uint8) byte {
	return byte(t)<<4 | (client & 0x0f)
}

func decodeHeader(b byte) (BlockType, uint8) {
	return BlockType(b >> 4), b & 0x0f
}

func alignUp(n uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

// MarkFn is invoked during GC with a visit callback the registrant
// calls for every short pointer reachable from its roots.
type MarkFn func(visit func(ShortPtr))

// SweepFn is invoked once per live block of its registered type, in
// address order, during GC; it reports whether the block is still
// reachable (independent of the mark pass, e.g. because the type
// has no root of its own) and the block's total size in bytes.
type SweepFn func(addr ShortPtr) (reachable bool, size uint32)

// RebuildFn is invoked after a checkpoint read or GC sweep so a type
// can recompute any derived index (fingerprint index, refcounts).
type RebuildFn func()

type callbacks struct {
	mark    MarkFn
	sweep   SweepFn
	rebuild RebuildFn
}

// Stats holds cumulative pool bookkeeping exposed for diagnostics.
type Stats struct {
	CurrentSize      uint32
	FreeBlockCount   int
	FreeByteCount    uint32
	AlignmentWaste   uint64
	AllocCount       uint64
	FreeCount        uint64
	GrowCount        uint64
	AllocTime        time.Duration
	FreeTime         time.Duration
	GrowTime         time.Duration
}

type freeNode struct {
	addr ShortPtr
	next *freeNode
	prev *freeNode
}

// Pool is a single 32-bit-addressed arena. The zero value is not
// usable; construct with New.
type Pool struct {
	mu sync.Mutex

	arena      []byte
	nextSP     ShortPtr // one past the last allocated byte, as a short pointer
	softLimit  uint32
	hardLimit  uint32

	freeLists    map[int]*freeNode // size class -> circular doubly linked free list head
	sizeIndex    *redblacktree.Tree
	trailingEdge map[ShortPtr]ShortPtr // "one past a free region" -> "start of that region"

	callbacks map[BlockType]callbacks

	stats Stats
}

// New allocates an empty Pool with the given soft/hard short-pointer
// limits (0 selects the package defaults).
func New(softLimit, hardLimit uint32) *Pool {
	if softLimit == 0 {
		softLimit = defaultSoftLimit
	}
	if hardLimit == 0 {
		hardLimit = defaultHardLimit
	}
	return &Pool{
		arena:        make([]byte, 0, pageSize),
		nextSP:       1, // offset 0 is short pointer 1; ShortPtr(0) stays null
		softLimit:    softLimit,
		hardLimit:    hardLimit,
		freeLists:    make(map[int]*freeNode),
		sizeIndex:    redblacktree.NewWith(utils.IntComparator),
		trailingEdge: make(map[ShortPtr]ShortPtr),
		callbacks:    make(map[BlockType]callbacks),
	}
}

// RegisterCallbacks installs the mark/sweep/rebuild hooks for t.
func (p *Pool) RegisterCallbacks(t BlockType, mark MarkFn, sweep SweepFn, rebuild RebuildFn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks[t] = callbacks{mark: mark, sweep: sweep, rebuild: rebuild}
}

// Stats returns a snapshot of the pool's cumulative counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// ShortenPointer converts a zero-based arena offset into a ShortPtr.
func (p *Pool) ShortenPointer(offset uint32) ShortPtr {
	return ShortPtr(offset + 1)
}

// LengthenPointer converts a ShortPtr back to a zero-based arena
// offset. ok is false for the null short pointer.
func (p *Pool) LengthenPointer(sp ShortPtr) (offset uint32, ok bool) {
	if sp == Null {
		return 0, false
	}
	return uint32(sp) - 1, true
}

func sizeClassFor(size uint32) int {
	class := 0
	for n := uint32(minFreeBlockSize); n < size; n <<= 1 {
		class++
	}
	return class
}

// Allocate reserves a block of at least size bytes (plus its header)
// tagged with BlockType t and returns a short pointer to the byte
// just past the header (the client's usable region).
func (p *Pool) Allocate(t BlockType, size uint32) (ShortPtr, error) {
	start := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() {
		p.stats.AllocCount++
		p.stats.AllocTime += time.Since(start)
	}()

	need := alignUp(size + headerSize)

	if sp, ok := p.takeFromFreeList(need); ok {
		p.writeHeader(sp, t, need)
		return ShortPtr(uint32(sp) + headerSize), nil
	}

	sp, err := p.carveFromTail(need)
	if err != nil {
		return Null, err
	}
	p.writeHeader(sp, t, need)
	return ShortPtr(uint32(sp) + headerSize), nil
}

// writeHeader stamps the block-type header at the start of a
// total-size-`need` block beginning at raw short pointer sp.
func (p *Pool) writeHeader(sp ShortPtr, t BlockType, need uint32) {
	off, _ := p.LengthenPointer(sp)
	p.arena[off] = encodeHeader(t, 0)
}

// takeFromFreeList pops the best-fit free block of at least `need`
// bytes total (header included), splitting off and re-listing any
// residue ≥ the minimum free-block size; residue below that is left
// as alignment waste.
func (p *Pool) takeFromFreeList(need uint32) (ShortPtr, bool) {
	class := sizeClassFor(need)
	node, foundClass, ok := p.ceilingClass(class)
	if !ok {
		return Null, false
	}

	best := node
	blockSize := p.freeBlockSize(best.addr)
	for cursor := node.next; cursor != node; cursor = cursor.next {
		sz := p.freeBlockSize(cursor.addr)
		if sz >= need && sz < blockSize {
			best, blockSize = cursor, sz
		}
	}

	p.unlinkFree(foundClass, best)

	residue := blockSize - need
	if residue >= minFreeBlockSize {
		tail := ShortPtr(uint32(best.addr) + need)
		p.setFreeBlockSize(tail, residue)
		p.insertFree(tail, residue)
	} else {
		p.stats.AlignmentWaste += uint64(residue)
	}
	return best.addr, true
}

func (p *Pool) ceilingClass(class int) (*freeNode, int, bool) {
	n, found := p.sizeIndex.Ceiling(class)
	if !found {
		return nil, 0, false
	}
	cls := n.Key.(int)
	head := p.freeLists[cls]
	if head == nil {
		return nil, 0, false
	}
	return head, cls, true
}

// carveFromTail extends the arena's used region by `need` bytes,
// growing the backing slice a page at a time if necessary.
func (p *Pool) carveFromTail(need uint32) (ShortPtr, error) {
	sp := p.nextSP
	newNext := uint32(sp) + need
	if newNext > p.hardLimit {
		return Null, errs.NewFatal(fmt.Errorf("pool: allocation of %d bytes would exceed hard short-pointer limit %d", need, p.hardLimit))
	}
	if newNext > p.softLimit {
		// Soft limit is advisory: log and keep serving the allocation,
		// mirroring "abort with guidance" as a warning rather than a
		// hard failure the caller cannot work around.
		trace.Pool.Printf("pool: short-pointer high-water mark %d exceeds soft limit %d", newNext, p.softLimit)
	}
	if err := p.ensureCapacity(newNext); err != nil {
		return Null, err
	}
	p.arena = p.arena[:newNext-1] // short pointer newNext is offset newNext-1
	p.nextSP = ShortPtr(newNext)
	return sp, nil
}

func (p *Pool) ensureCapacity(upTo uint32) error {
	if uint32(cap(p.arena)) >= upTo {
		return nil
	}
	start := time.Now()
	defer func() {
		p.stats.GrowCount++
		p.stats.GrowTime += time.Since(start)
	}()
	newCap := uint32(cap(p.arena))
	if newCap == 0 {
		newCap = pageSize
	}
	for newCap < upTo {
		newCap += pageSize
	}
	if newCap > p.hardLimit {
		newCap = p.hardLimit
	}
	grown := make([]byte, len(p.arena), newCap)
	copy(grown, p.arena)
	p.arena = grown
	return nil
}

// Free releases a previously allocated block of total size `size`
// (the same aligned size Allocate reserved, headerSize included) at
// raw short pointer addr - headerSize. If wantType is non-nil, the
// stored header type must match or Free reports errs.InvalidArgs.
func (p *Pool) Free(addr ShortPtr, size uint32, wantType *BlockType) error {
	start := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() {
		p.stats.FreeCount++
		p.stats.FreeTime += time.Since(start)
	}()

	raw := ShortPtr(uint32(addr) - headerSize)
	off, ok := p.LengthenPointer(raw)
	if !ok || off >= uint32(len(p.arena)) {
		return errs.InvalidArgs
	}
	if wantType != nil {
		got, _ := decodeHeader(p.arena[off])
		if got != *wantType {
			return errs.InvalidArgs
		}
	}

	region, regionSize := p.coalesceForward(raw, size)
	region, regionSize = p.coalesceBackward(region, regionSize)

	if regionSize >= minFreeBlockSize {
		p.setFreeBlockSize(region, regionSize)
		p.insertFree(region, regionSize)
	} else {
		p.fillFreeBytes(region, regionSize)
		p.trailingEdge[ShortPtr(uint32(region)+regionSize)] = region
	}
	return nil
}

// coalesceForward merges region with any immediately following
// freeByte/freeBlock run.
func (p *Pool) coalesceForward(addr ShortPtr, size uint32) (ShortPtr, uint32) {
	next := ShortPtr(uint32(addr) + size)
	off, ok := p.LengthenPointer(next)
	if !ok || off >= uint32(len(p.arena)) {
		return addr, size
	}
	t, _ := decodeHeader(p.arena[off])
	switch t {
	case TypeFreeBlock:
		nsz := p.freeBlockSize(next)
		p.removeFreeIfListed(next, nsz)
		return addr, size + nsz
	case TypeFreeByte:
		// Absorb a run of freeByte markers one at a time until a
		// non-freeByte header or the arena's live edge is reached.
		n := next
		total := size
		for {
			o, ok := p.LengthenPointer(n)
			if !ok || o >= uint32(len(p.arena)) {
				break
			}
			tt, _ := decodeHeader(p.arena[o])
			if tt != TypeFreeByte {
				break
			}
			n = ShortPtr(uint32(n) + 1)
			total++
		}
		delete(p.trailingEdge, n)
		return addr, total
	default:
		return addr, size
	}
}

// coalesceBackward merges region with any immediately preceding free
// region recorded in the trailing-edge table.
func (p *Pool) coalesceBackward(addr ShortPtr, size uint32) (ShortPtr, uint32) {
	start, ok := p.trailingEdge[addr]
	if !ok {
		return addr, size
	}
	delete(p.trailingEdge, addr)
	prevSize := p.freeBlockSize(start)
	if prevSize == 0 {
		prevSize = uint32(addr) - uint32(start)
	} else {
		p.removeFreeIfListed(start, prevSize)
	}
	return start, uint32(addr) - uint32(start) + size
}

func (p *Pool) removeFreeIfListed(addr ShortPtr, size uint32) {
	class := sizeClassFor(size)
	head := p.freeLists[class]
	if head == nil {
		return
	}
	cursor := head
	for {
		if cursor.addr == addr {
			p.unlinkFree(class, cursor)
			return
		}
		cursor = cursor.next
		if cursor == head {
			return
		}
	}
}

func (p *Pool) insertFree(addr ShortPtr, size uint32) {
	class := sizeClassFor(size)
	node := &freeNode{addr: addr}
	head := p.freeLists[class]
	if head == nil {
		node.next, node.prev = node, node
		p.freeLists[class] = node
		p.sizeIndex.Put(class, struct{}{})
	} else {
		tail := head.prev
		tail.next, node.prev = node, tail
		node.next, head.prev = head, node
	}
	p.stats.FreeBlockCount++
}

func (p *Pool) unlinkFree(class int, node *freeNode) {
	if node.next == node {
		delete(p.freeLists, class)
		p.sizeIndex.Remove(class)
	} else {
		node.prev.next = node.next
		node.next.prev = node.prev
		if p.freeLists[class] == node {
			p.freeLists[class] = node.next
		}
	}
	p.stats.FreeBlockCount--
}

// freeBlockSize/setFreeBlockSize store a free block's total size in
// the 4 bytes immediately following its header, so a later coalesce
// or sweep can recover it without consulting the free list.
func (p *Pool) freeBlockSize(addr ShortPtr) uint32 {
	off, ok := p.LengthenPointer(addr)
	if !ok || off+5 > uint32(len(p.arena)) {
		return 0
	}
	b := p.arena[off+1 : off+5]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (p *Pool) setFreeBlockSize(addr ShortPtr, size uint32) {
	off, ok := p.LengthenPointer(addr)
	if !ok {
		return
	}
	p.arena[off] = encodeHeader(TypeFreeBlock, 0)
	p.arena[off+1] = byte(size)
	p.arena[off+2] = byte(size >> 8)
	p.arena[off+3] = byte(size >> 16)
	p.arena[off+4] = byte(size >> 24)
}

func (p *Pool) fillFreeBytes(addr ShortPtr, size uint32) {
	off, ok := p.LengthenPointer(addr)
	if !ok {
		return
	}
	for i := uint32(0); i < size; i++ {
		if off+i >= uint32(len(p.arena)) {
			break
		}
		p.arena[off+i] = encodeHeader(TypeFreeByte, 0)
	}
	p.stats.FreeByteCount += size
}

// GC marks every block reachable from registered type roots plus
// keepDerivedIds, sweeps the arena in address order to rebuild the
// free lists and trailing-edge table, then invokes every registered
// rebuild callback.
func (p *Pool) GC(keepDerivedIds []ShortPtr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	reachable := make(map[ShortPtr]bool, len(keepDerivedIds))
	visit := func(sp ShortPtr) { reachable[sp] = true }
	for _, id := range keepDerivedIds {
		visit(id)
	}
	for _, cb := range p.callbacks {
		if cb.mark != nil {
			cb.mark(visit)
		}
	}

	p.freeLists = make(map[int]*freeNode)
	p.sizeIndex = redblacktree.NewWith(utils.IntComparator)
	p.trailingEdge = make(map[ShortPtr]ShortPtr)
	p.stats.FreeBlockCount = 0
	p.stats.FreeByteCount = 0

	addr := ShortPtr(1)
	for uint32(addr) < uint32(p.nextSP) {
		off, _ := p.LengthenPointer(addr)
		t, _ := decodeHeader(p.arena[off])

		// Callbacks and the mark set speak in client addresses (one
		// past the block header), the same addresses Allocate hands
		// out; addr here is the raw block start.
		client := ShortPtr(uint32(addr) + headerSize)
		var size uint32
		var live bool
		if cb, ok := p.callbacks[t]; ok && cb.sweep != nil {
			live, size = cb.sweep(client)
		} else if t == TypeFreeBlock {
			size = p.freeBlockSize(addr)
			live = false
		} else {
			size = 1
			live = false
		}
		if size == 0 {
			size = 1
		}
		if !live && !reachable[client] {
			if size >= minFreeBlockSize {
				p.setFreeBlockSize(addr, size)
				p.insertFree(addr, size)
			} else {
				p.fillFreeBytes(addr, size)
			}
		}
		addr = ShortPtr(uint32(addr) + size)
	}

	for _, cb := range p.callbacks {
		if cb.rebuild != nil {
			cb.rebuild()
		}
	}
}

// Bytes returns the live arena contents up to the high-water mark,
// for the checkpoint package to serialize.
func (p *Pool) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.arena))
	copy(out, p.arena)
	return out
}

// NextSP returns the current high-water-mark short pointer.
func (p *Pool) NextSP() ShortPtr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextSP
}

// LoadCheckpoint replaces the arena contents wholesale with data read
// back from a checkpoint, positioning nextSP at len(data)+1; callers
// must re-run GC or rely on rebuild callbacks to restore derived
// indices afterward.
func (p *Pool) LoadCheckpoint(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if uint32(len(data)) > p.hardLimit {
		return errs.NewFatal(fmt.Errorf("pool: checkpoint of %d bytes exceeds hard limit %d", len(data), p.hardLimit))
	}
	p.arena = make([]byte, len(data))
	copy(p.arena, data)
	p.nextSP = ShortPtr(len(data) + 1)
	p.freeLists = make(map[int]*freeNode)
	p.sizeIndex = redblacktree.NewWith(utils.IntComparator)
	p.trailingEdge = make(map[ShortPtr]ShortPtr)
	return nil
}

// ReadByte/WriteByte, ReadAt/WriteAt give dirnode/attrs/txlog raw
// access to a block's payload once Allocate has handed out its
// address.
func (p *Pool) ReadAt(addr ShortPtr, buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	off, ok := p.LengthenPointer(addr)
	if !ok || uint64(off)+uint64(len(buf)) > uint64(len(p.arena)) {
		return 0, errs.InvalidArgs
	}
	return copy(buf, p.arena[off:off+uint32(len(buf))]), nil
}

func (p *Pool) WriteAt(addr ShortPtr, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	off, ok := p.LengthenPointer(addr)
	if !ok || uint64(off)+uint64(len(data)) > uint64(len(p.arena)) {
		return 0, errs.InvalidArgs
	}
	return copy(p.arena[off:off+uint32(len(data))], data), nil
}

// BlockType reports the type tag stored at a block's header, one
// byte before addr.
func (p *Pool) BlockType(addr ShortPtr) (BlockType, uint8, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw := ShortPtr(uint32(addr) - headerSize)
	off, ok := p.LengthenPointer(raw)
	if !ok || off >= uint32(len(p.arena)) {
		return 0, 0, errs.InvalidArgs
	}
	t, c := decodeHeader(p.arena[off])
	return t, c, nil
}
