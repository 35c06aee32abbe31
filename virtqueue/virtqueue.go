// Package virtqueue implements the split virtqueue layout used by virtio
// devices: safe traversal of guest-submitted descriptor chains (including
// indirect tables), and publication of completed buffers to the used ring.
package virtqueue

import (
	"encoding/binary"
	"fmt"

	"github.com/vhost-blk/vblkd/memmap"
)

// MaxSize is the largest queue size a virtqueue can be started with.
const MaxSize = 32768

// Descriptor flags, virtio 1.0 §2.6.5.
const (
	descFNext     = 1
	descFWrite    = 2
	descFIndirect = 4
)

const descSize = 16 // sizeof(struct virtq_desc)

// Buffer is one guest buffer resolved to host memory.
type Buffer struct {
	Ptr []byte
	RO  bool
}

// desc mirrors the on-the-wire virtq_desc layout.
type desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func readDesc(table []byte, idx int) desc {
	off := idx * descSize
	d := desc{
		Addr:  binary.LittleEndian.Uint64(table[off:]),
		Len:   binary.LittleEndian.Uint32(table[off+8:]),
		Flags: binary.LittleEndian.Uint16(table[off+12:]),
		Next:  binary.LittleEndian.Uint16(table[off+14:]),
	}
	return d
}

// Virtqueue is a single split virtqueue bound to a guest memory map.
type Virtqueue struct {
	mem *memmap.Map

	desc  []byte // raw descriptor table, qsize*16 bytes
	avail []byte // raw avail ring
	used  []byte // raw used ring

	qsize         uint16
	lastSeenAvail uint16
	isBroken      bool
}

// New returns a virtqueue with no backing rings; Start must be called
// before it can be used.
func New() *Virtqueue {
	return &Virtqueue{}
}

func isPowerOfTwo(n uint16) bool {
	return n != 0 && n&(n-1) == 0
}

// Start validates qsize and resolves the desc/avail/used ring addresses
// through the memory map, sized and aligned per the virtio 1.0 split
// virtqueue layout. On any failure the virtqueue is left unstarted.
func (vq *Virtqueue) Start(qsize uint16, descGPA, availGPA, usedGPA uint64, availBase uint16, mem *memmap.Map) error {
	if !isPowerOfTwo(qsize) || qsize > MaxSize {
		return fmt.Errorf("virtqueue: invalid queue size %d", qsize)
	}

	descLen := uint64(descSize) * uint64(qsize)
	availLen := 6 + 2*uint64(qsize)
	usedLen := 6 + 8*uint64(qsize)

	if descGPA%16 != 0 {
		return fmt.Errorf("virtqueue: desc table %#x is not 16-byte aligned", descGPA)
	}
	if availGPA%2 != 0 {
		return fmt.Errorf("virtqueue: avail ring %#x is not 2-byte aligned", availGPA)
	}
	if usedGPA%4 != 0 {
		return fmt.Errorf("virtqueue: used ring %#x is not 4-byte aligned", usedGPA)
	}

	descTbl, err := mem.Translate(descGPA, descLen, true)
	if err != nil {
		return fmt.Errorf("virtqueue: desc table: %w", err)
	}
	availRing, err := mem.Translate(availGPA, availLen, true)
	if err != nil {
		return fmt.Errorf("virtqueue: avail ring: %w", err)
	}
	usedRing, err := mem.Translate(usedGPA, usedLen, false)
	if err != nil {
		return fmt.Errorf("virtqueue: used ring: %w", err)
	}

	vq.mem = mem
	vq.desc = descTbl
	vq.avail = availRing
	vq.used = usedRing
	vq.qsize = qsize
	vq.lastSeenAvail = availBase
	vq.isBroken = false
	return nil
}

// IsBroken reports whether the virtqueue has hit an unrecoverable guest
// protocol violation. Only Start can clear it.
func (vq *Virtqueue) IsBroken() bool {
	return vq.isBroken
}

// LastSeenAvail returns the queue's current position in the avail ring, the
// value GET_VRING_BASE reports back to the master when a vring is stopped.
func (vq *Virtqueue) LastSeenAvail() uint16 {
	return vq.lastSeenAvail
}

func (vq *Virtqueue) markBroken() {
	vq.isBroken = true
}

func (vq *Virtqueue) availIdx() uint16 {
	return binary.LittleEndian.Uint16(vq.avail[2:4])
}

func (vq *Virtqueue) availRingEntry(pos uint16) uint16 {
	off := 4 + int(pos)*2
	return binary.LittleEndian.Uint16(vq.avail[off : off+2])
}

func (vq *Virtqueue) usedIdx() uint16 {
	return binary.LittleEndian.Uint16(vq.used[2:4])
}

func (vq *Virtqueue) setUsedIdx(idx uint16) {
	binary.LittleEndian.PutUint16(vq.used[2:4], idx)
}

func (vq *Virtqueue) setUsedElem(pos uint16, id, length uint32) {
	off := 4 + int(pos)*8
	binary.LittleEndian.PutUint32(vq.used[off:], id)
	binary.LittleEndian.PutUint32(vq.used[off+4:], length)
}

const invalidDescID = 0xFFFFFFFF

// Chain iterates the buffers of a single dequeued descriptor chain.
type Chain struct {
	vq   *Virtqueue
	head uint16

	table      []byte
	tableSize  int
	cur        uint32
	isIndirect bool
	nseen      int
}

// Dequeue returns the next available descriptor chain, or ok=false if the
// avail ring has nothing new or the virtqueue is broken.
func (vq *Virtqueue) Dequeue() (chain *Chain, ok bool) {
	if vq.isBroken {
		return nil, false
	}
	if vq.lastSeenAvail == vq.availIdx() {
		return nil, false
	}

	head := vq.availRingEntry(vq.lastSeenAvail % vq.qsize)
	vq.lastSeenAvail++

	return &Chain{
		vq:        vq,
		head:      head,
		table:     vq.desc,
		tableSize: int(vq.qsize),
		cur:       uint32(head),
	}, true
}

// HasNext reports whether a further call to Next would yield a buffer.
func (c *Chain) HasNext() bool {
	return c.cur != invalidDescID
}

// Next returns the next buffer in the chain, translating its address
// through the memory map and enforcing read/write permissions. It marks
// the virtqueue broken and returns ok=false on any protocol violation.
func (c *Chain) Next() (buf Buffer, ok bool) {
	if c.vq.isBroken || c.cur == invalidDescID {
		return Buffer{}, false
	}

	d := readDesc(c.table, int(c.cur))

	for d.Flags&descFIndirect != 0 {
		if c.isIndirect || d.Flags&descFNext != 0 {
			return c.abort()
		}
		if d.Len == 0 || d.Len%descSize != 0 {
			return c.abort()
		}

		tbl, err := c.vq.mem.Translate(d.Addr, uint64(d.Len), true)
		if err != nil {
			return c.abort()
		}

		c.isIndirect = true
		c.table = tbl
		c.tableSize = int(d.Len) / descSize
		c.cur = 0
		c.nseen++

		d = readDesc(c.table, 0)
	}

	c.nseen++
	if c.nseen > int(c.vq.qsize) {
		return c.abort()
	}
	if d.Len == 0 {
		return c.abort()
	}

	writable := d.Flags&descFWrite != 0
	ptr, err := c.vq.mem.Translate(d.Addr, uint64(d.Len), !writable)
	if err != nil {
		return c.abort()
	}

	buf = Buffer{Ptr: ptr, RO: !writable}

	if d.Flags&descFNext != 0 {
		if int(d.Next) >= c.tableSize {
			return c.abort()
		}
		c.cur = uint32(d.Next)
	} else {
		c.cur = invalidDescID
	}

	return buf, true
}

func (c *Chain) abort() (Buffer, bool) {
	c.vq.markBroken()
	c.cur = invalidDescID
	return Buffer{}, false
}

// Release publishes the chain's completion to the used ring. The element
// is written before the index is bumped, so a driver polling the index
// never observes a used entry with stale contents.
func (vq *Virtqueue) Release(c *Chain, nwritten uint32) {
	idx := vq.usedIdx()
	vq.setUsedElem(idx%vq.qsize, uint32(c.head), nwritten)
	vq.setUsedIdx(idx + 1)
}

// Head returns the chain's head descriptor index, for callers that need to
// correlate in-flight completions back to their originating chain.
func (c *Chain) Head() uint16 {
	return c.head
}
