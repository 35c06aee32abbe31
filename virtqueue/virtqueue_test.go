package virtqueue

import (
	"encoding/binary"
	"testing"

	"github.com/vhost-blk/vblkd/memmap"
)

const testQSize = 4

// layout lays out a single-region guest memory map holding one virtqueue's
// desc/avail/used rings back to back, matching the virtio 1.0 §2.4 layout.
type layout struct {
	mem        *memmap.Map
	data       []byte
	descGPA    uint64
	availGPA   uint64
	usedGPA    uint64
	descLen    uint64
	availLen   uint64
}

func newLayout(t *testing.T, qsize uint16) *layout {
	t.Helper()

	descLen := uint64(descSize) * uint64(qsize)
	availLen := uint64(6 + 2*qsize)
	usedLen := uint64(6 + 8*qsize)

	gpa := uint64(0x1000) // 16-byte aligned, so descGPA is too
	availGPA := gpa + descLen
	usedGPA := availGPA + availLen
	if pad := usedGPA % 4; pad != 0 {
		usedGPA += 4 - pad
	}

	total := usedGPA - gpa + usedLen
	data := make([]byte, total+16) // slack for indirect tables in some tests

	mem := memmap.New()
	if err := mem.Insert(gpa, uint64(len(data)), data, false); err != nil {
		t.Fatal(err)
	}

	return &layout{
		mem:      mem,
		data:     data,
		descGPA:  gpa,
		availGPA: availGPA,
		usedGPA:  usedGPA,
		descLen:  descLen,
		availLen: availLen,
	}
}

func (l *layout) writeDesc(idx int, addr uint64, length uint32, flags, next uint16) {
	off := uint64(idx*descSize) + (l.descGPA - 0x1000)
	binary.LittleEndian.PutUint64(l.data[off:], addr)
	binary.LittleEndian.PutUint32(l.data[off+8:], length)
	binary.LittleEndian.PutUint16(l.data[off+12:], flags)
	binary.LittleEndian.PutUint16(l.data[off+14:], next)
}

func (l *layout) setAvail(idx uint16, entries ...uint16) {
	base := l.availGPA - 0x1000
	for i, e := range entries {
		binary.LittleEndian.PutUint16(l.data[base+4+uint64(i)*2:], e)
	}
	binary.LittleEndian.PutUint16(l.data[base+2:], idx)
}

func (l *layout) usedIdx() uint16 {
	base := l.usedGPA - 0x1000
	return binary.LittleEndian.Uint16(l.data[base+2:])
}

func (l *layout) usedElem(pos uint16) (id, length uint32) {
	base := l.usedGPA - 0x1000 + 4 + uint64(pos)*8
	return binary.LittleEndian.Uint32(l.data[base:]), binary.LittleEndian.Uint32(l.data[base+4:])
}

func startVQ(t *testing.T, l *layout, qsize uint16) *Virtqueue {
	t.Helper()
	vq := New()
	if err := vq.Start(qsize, l.descGPA, l.availGPA, l.usedGPA, 0, l.mem); err != nil {
		t.Fatal(err)
	}
	return vq
}

func TestStartRejectsBadQueueSize(t *testing.T) {
	l := newLayout(t, testQSize)
	vq := New()
	if err := vq.Start(3, l.descGPA, l.availGPA, l.usedGPA, 0, l.mem); err == nil {
		t.Fatal("expected rejection of non-power-of-two queue size")
	}
	if err := vq.Start(MaxSize+1, l.descGPA, l.availGPA, l.usedGPA, 0, l.mem); err == nil {
		t.Fatal("expected rejection of oversize queue")
	}
}

func TestDequeueEmpty(t *testing.T) {
	l := newLayout(t, testQSize)
	vq := startVQ(t, l, testQSize)

	if _, ok := vq.Dequeue(); ok {
		t.Fatal("expected no chain on an empty avail ring")
	}
}

func TestSingleDescriptorChain(t *testing.T) {
	l := newLayout(t, testQSize)
	vq := startVQ(t, l, testQSize)

	// A single read-only descriptor pointing back into the layout's own
	// backing store, just to have a valid guest address to translate.
	l.writeDesc(0, l.descGPA, 64, 0, 0)
	l.setAvail(1, 0)

	chain, ok := vq.Dequeue()
	if !ok {
		t.Fatal("expected a chain")
	}

	buf, ok := chain.Next()
	if !ok {
		t.Fatal("expected a buffer")
	}
	if len(buf.Ptr) != 64 || !buf.RO {
		t.Fatalf("unexpected buffer %+v", buf)
	}
	if chain.HasNext() {
		t.Fatal("expected chain to end after one descriptor")
	}

	vq.Release(chain, 64)
	if l.usedIdx() != 1 {
		t.Fatalf("used idx = %d, want 1", l.usedIdx())
	}
	id, n := l.usedElem(0)
	if id != 0 || n != 64 {
		t.Fatalf("used elem = (%d, %d), want (0, 64)", id, n)
	}
}

func TestChainedDescriptors(t *testing.T) {
	l := newLayout(t, testQSize)
	vq := startVQ(t, l, testQSize)

	l.writeDesc(0, l.descGPA, 16, descFNext, 1)
	l.writeDesc(1, l.descGPA+16, 32, descFWrite, 0)
	l.setAvail(1, 0)

	chain, ok := vq.Dequeue()
	if !ok {
		t.Fatal("expected a chain")
	}

	first, ok := chain.Next()
	if !ok || first.RO != true || len(first.Ptr) != 16 {
		t.Fatalf("unexpected first buffer %+v ok=%v", first, ok)
	}
	if !chain.HasNext() {
		t.Fatal("expected a second buffer")
	}

	second, ok := chain.Next()
	if !ok || second.RO != false || len(second.Ptr) != 32 {
		t.Fatalf("unexpected second buffer %+v ok=%v", second, ok)
	}
	if chain.HasNext() {
		t.Fatal("expected chain to terminate")
	}
}

func TestZeroLengthDescriptorBreaksQueue(t *testing.T) {
	l := newLayout(t, testQSize)
	vq := startVQ(t, l, testQSize)

	l.writeDesc(0, l.descGPA, 0, 0, 0)
	l.setAvail(1, 0)

	chain, ok := vq.Dequeue()
	if !ok {
		t.Fatal("expected a chain")
	}
	if _, ok := chain.Next(); ok {
		t.Fatal("expected failure on zero-length descriptor")
	}
	if !vq.IsBroken() {
		t.Fatal("expected virtqueue to be marked broken")
	}

	// A broken virtqueue must refuse to dequeue anything further.
	l.setAvail(2, 0, 0)
	if _, ok := vq.Dequeue(); ok {
		t.Fatal("expected dequeue to fail once broken")
	}
}

func TestLoopDetection(t *testing.T) {
	l := newLayout(t, testQSize)
	vq := startVQ(t, l, testQSize)

	// Two descriptors pointing at each other forever.
	l.writeDesc(0, l.descGPA, 16, descFNext, 1)
	l.writeDesc(1, l.descGPA, 16, descFNext, 0)
	l.setAvail(1, 0)

	chain, ok := vq.Dequeue()
	if !ok {
		t.Fatal("expected a chain")
	}

	for i := 0; i < testQSize+1; i++ {
		if _, ok := chain.Next(); !ok {
			if !vq.IsBroken() {
				t.Fatal("expected loop detection to break the virtqueue")
			}
			return
		}
	}
	t.Fatal("expected loop detection to trigger within qsize+1 steps")
}

func TestIndirectDescriptorTable(t *testing.T) {
	l := newLayout(t, testQSize)
	vq := startVQ(t, l, testQSize)

	// Indirect table lives past the rings, inside the same region.
	indirectGPA := l.usedGPA + uint64(6+8*testQSize)
	indirectOff := indirectGPA - 0x1000
	// grow backing store to hold it
	needed := int(indirectOff) + 2*descSize
	for len(l.data) < needed {
		l.data = append(l.data, 0)
	}

	// rewrite region with grown backing (memmap kept a reference, so just
	// mutate in place is fine since append may have reallocated)
	l.mem = memmap.New()
	if err := l.mem.Insert(0x1000, uint64(len(l.data)), l.data, false); err != nil {
		t.Fatal(err)
	}
	vq = startVQ(t, l, testQSize)

	writeIndirect := func(idx int, addr uint64, length uint32, flags, next uint16) {
		off := indirectOff + uint64(idx*descSize)
		binary.LittleEndian.PutUint64(l.data[off:], addr)
		binary.LittleEndian.PutUint32(l.data[off+8:], length)
		binary.LittleEndian.PutUint16(l.data[off+12:], flags)
		binary.LittleEndian.PutUint16(l.data[off+14:], next)
	}
	writeIndirect(0, indirectGPA, 8, 0, 0)

	l.writeDesc(0, indirectGPA, uint32(2*descSize), descFIndirect, 0)
	l.setAvail(1, 0)

	chain, ok := vq.Dequeue()
	if !ok {
		t.Fatal("expected a chain")
	}
	buf, ok := chain.Next()
	if !ok {
		t.Fatal("expected a buffer from inside the indirect table")
	}
	if len(buf.Ptr) != 8 {
		t.Fatalf("buffer len = %d, want 8", len(buf.Ptr))
	}
	if chain.HasNext() {
		t.Fatal("expected the indirect chain to terminate")
	}
}

func TestNestedIndirectIsRejected(t *testing.T) {
	l := newLayout(t, testQSize)
	vq := startVQ(t, l, testQSize)

	indirectGPA := l.usedGPA + uint64(6+8*testQSize)
	needed := int(indirectGPA-0x1000) + 2*descSize
	for len(l.data) < needed {
		l.data = append(l.data, 0)
	}
	l.mem = memmap.New()
	if err := l.mem.Insert(0x1000, uint64(len(l.data)), l.data, false); err != nil {
		t.Fatal(err)
	}
	vq = startVQ(t, l, testQSize)

	off := indirectGPA - 0x1000
	binary.LittleEndian.PutUint64(l.data[off:], indirectGPA)
	binary.LittleEndian.PutUint32(l.data[off+8:], descSize)
	binary.LittleEndian.PutUint16(l.data[off+12:], descFIndirect)

	l.writeDesc(0, indirectGPA, uint32(2*descSize), descFIndirect, 0)
	l.setAvail(1, 0)

	chain, ok := vq.Dequeue()
	if !ok {
		t.Fatal("expected a chain")
	}
	if _, ok := chain.Next(); ok {
		t.Fatal("expected rejection of nested indirect tables")
	}
	if !vq.IsBroken() {
		t.Fatal("expected virtqueue to be marked broken")
	}
}
