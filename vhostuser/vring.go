package vhostuser

import (
	"fmt"

	"github.com/vhost-blk/vblkd/memmap"
	"github.com/vhost-blk/vblkd/virtqueue"
	"golang.org/x/sys/unix"
)

// Vring is the per-queue state a vhost-user device keeps between
// SET_VRING_* calls: its fds, its configured geometry, and the virtqueue
// it drives once started.
type Vring struct {
	index int

	kickFD int
	callFD int
	errFD  int

	size      uint32
	availBase uint32
	descGPA   uint64
	availGPA  uint64
	usedGPA   uint64

	// isEnabled defaults to true; once protocol features are negotiated
	// the master controls it explicitly via SET_VRING_ENABLE.
	isEnabled bool
	isStarted bool

	vq *virtqueue.Virtqueue
}

func newVring(index int) *Vring {
	return &Vring{
		index:     index,
		kickFD:    -1,
		callFD:    -1,
		errFD:     -1,
		isEnabled: true,
		vq:        virtqueue.New(),
	}
}

func (v *Vring) setNum(num uint32) error {
	if num == 0 || num > virtqueue.MaxSize {
		return fmt.Errorf("vhost-user: vring %d: invalid num %d", v.index, num)
	}
	v.size = num
	return nil
}

func (v *Vring) setAddr(descGPA, availGPA, usedGPA uint64) {
	v.descGPA = descGPA
	v.availGPA = availGPA
	v.usedGPA = usedGPA
}

func (v *Vring) setBase(avail uint32) {
	v.availBase = avail
}

// start resolves the vring's configured addresses through mem and arms its
// virtqueue. Called on the first kick after SET_VRING_KICK.
func (v *Vring) start(mem *memmap.Map) error {
	if err := v.vq.Start(uint16(v.size), v.descGPA, v.availGPA, v.usedGPA, uint16(v.availBase), mem); err != nil {
		return err
	}
	v.isStarted = true
	return nil
}

// stop records the current avail position for a future GET_VRING_BASE and
// marks the vring unstarted; the next kick will re-run start.
func (v *Vring) stop() uint32 {
	v.isStarted = false
	return v.availBase
}

// notify signals the guest via callFD, a no-op when none is installed.
func (v *Vring) notify() error {
	if v.callFD < 0 {
		return nil
	}
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(v.callFD, buf[:])
	return err
}

// reset closes all three fds (deregistering kickFD from loop first is the
// caller's responsibility, since only the caller holds the loop) and
// returns the vring to its construction-time state.
func (v *Vring) reset(enableDefault bool) {
	for _, fd := range []*int{&v.kickFD, &v.callFD, &v.errFD} {
		if *fd >= 0 {
			unix.Close(*fd)
			*fd = -1
		}
	}
	v.isEnabled = enableDefault
	v.isStarted = false
	v.size = 0
	v.availBase = 0
	v.descGPA, v.availGPA, v.usedGPA = 0, 0, 0
	v.vq = virtqueue.New()
}
