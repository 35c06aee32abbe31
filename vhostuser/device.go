package vhostuser

import (
	"encoding/binary"
	"fmt"

	"github.com/vhost-blk/vblkd/evloop"
	"github.com/vhost-blk/vblkd/memmap"
	"github.com/vhost-blk/vblkd/virtqueue"
	"golang.org/x/sys/unix"
)

// BlockConfig is the virtio-blk config space this device exposes through
// GET_CONFIG: just enough for a driver to size the device and pick a
// transfer granularity.
type BlockConfig struct {
	Capacity  uint64 // sectors
	BlockSize uint32
}

const blockConfigSize = 12

func (c BlockConfig) encode() []byte {
	b := make([]byte, blockConfigSize)
	binary.LittleEndian.PutUint64(b[0:8], c.Capacity)
	binary.LittleEndian.PutUint32(b[8:12], c.BlockSize)
	return b
}

// KickHandler is invoked whenever a vring's kickFD fires and the vring is
// already started; it should drain and process whatever the guest made
// available, then notify if the virtqueue's signaling rules call for it.
type KickHandler func(vringIndex int) error

// Device holds one vhost-user session's negotiated state: the connection,
// the mapped guest memory, and the per-vring configuration the master
// builds up across SET_VRING_* calls. A Device outlives any single
// connection: a dropped connection returns it to its unconnected state so a
// new master can attach, while RESET_DEVICE clears the session but keeps the
// current master attached.
type Device struct {
	loop   *evloop.Loop
	onKick KickHandler
	config BlockConfig

	connFD int
	mem    *memmap.Map

	rawRegions []rawRegion
	vrings     []*Vring

	ownerSet            bool
	hasProtocolFeatures bool

	negotiatedFeatures         uint64
	negotiatedProtocolFeatures uint64
}

// supportedFeatures is the virtio feature mask this device will negotiate.
const supportedFeatures = FRingIndirectDesc | FRingEventIdx | FProtocolFeatures | FVersion1

// NewDevice builds an unattached device with numQueues vrings. onKick is
// called from the event loop whenever a started vring's kickFD fires.
func NewDevice(numQueues int, config BlockConfig, loop *evloop.Loop, onKick KickHandler) *Device {
	d := &Device{
		loop:   loop,
		onKick: onKick,
		config: config,
		connFD: -1,
		mem:    memmap.New(),
		vrings: make([]*Vring, numQueues),
	}
	for i := range d.vrings {
		d.vrings[i] = newVring(i)
	}
	return d
}

// Connected reports whether a master is currently attached.
func (d *Device) Connected() bool {
	return d.connFD >= 0
}

// Attach binds connFD to the device. A device only ever serves one master
// at a time; a second connection attempt is refused by the caller before
// Attach is reached (see server.go), but Attach still guards the invariant.
func (d *Device) Attach(connFD int) error {
	if d.Connected() {
		return errConnectionBusy
	}
	d.connFD = connFD
	return nil
}

func (d *Device) vring(index uint32) (*Vring, error) {
	if int(index) >= len(d.vrings) {
		return nil, errBadVringIndex
	}
	return d.vrings[index], nil
}

// Virtqueue returns the virtqueue backing vring index, for a KickHandler to
// dequeue from. Only valid to call from within onKick, after the vring has
// been started.
func (d *Device) Virtqueue(index int) *virtqueue.Virtqueue {
	return d.vrings[index].vq
}

// Notify signals the guest on vring index's callFD, a no-op if none is
// installed.
func (d *Device) Notify(index int) error {
	return d.vrings[index].notify()
}

// Dispatch decodes and executes one vhost-user request, returning the reply
// payload (without its header) when the request expects one. A non-nil
// error that is not a *HandlerError is protocol-fatal: the caller must
// Reset the device and close the connection.
func (d *Device) Dispatch(h Header, payload []byte, fds []int) ([]byte, error) {
	switch h.Request {
	case ReqGetFeatures:
		out := make([]byte, 8)
		encodeU64(supportedFeatures, out)
		return out, nil

	case ReqSetFeatures:
		if len(payload) < 8 {
			return nil, errShortPayload
		}
		d.negotiatedFeatures = decodeU64(payload)
		d.hasProtocolFeatures = d.negotiatedFeatures&FProtocolFeatures != 0
		return nil, nil

	case ReqGetProtocolFeatures:
		out := make([]byte, 8)
		encodeU64(supportedProtocolFeatures, out)
		return out, nil

	case ReqSetProtocolFeatures:
		if len(payload) < 8 {
			return nil, errShortPayload
		}
		f := decodeU64(payload)
		if f&^uint64(supportedProtocolFeatures) != 0 {
			return nil, errUnknownProtoBit
		}
		d.negotiatedProtocolFeatures = f
		return nil, nil

	case ReqSetOwner:
		if d.ownerSet {
			return nil, errSecondOwner
		}
		d.ownerSet = true
		return nil, nil

	case ReqResetOwner:
		// Deprecated by the spec but harmless to accept.
		return nil, nil

	case ReqGetQueueNum:
		out := make([]byte, 8)
		encodeU64(uint64(len(d.vrings)), out)
		return out, nil

	case ReqSetMemTable:
		return nil, d.handleSetMemTable(payload, fds)

	case ReqGetConfig:
		return d.handleGetConfig(payload)

	case ReqSetConfig:
		return nil, notSupported()

	case ReqSetVringNum:
		return nil, d.handleSetVringNum(payload)

	case ReqSetVringAddr:
		return nil, d.handleSetVringAddr(payload)

	case ReqSetVringBase:
		return nil, d.handleSetVringBase(payload)

	case ReqGetVringBase:
		return d.handleGetVringBase(payload)

	case ReqSetVringKick:
		return nil, d.handleSetVringFD(payload, fds, vringFDKick)

	case ReqSetVringCall:
		return nil, d.handleSetVringFD(payload, fds, vringFDCall)

	case ReqSetVringErr:
		return nil, d.handleSetVringFD(payload, fds, vringFDErr)

	case ReqSetVringEnable:
		return nil, d.handleSetVringEnable(payload)

	case ReqResetDevice:
		d.resetSession()
		return nil, nil

	default:
		return nil, notSupported()
	}
}

func (d *Device) handleSetMemTable(payload []byte, fds []int) error {
	regions, err := decodeMemTable(payload)
	if err != nil {
		return err
	}
	if len(regions) > len(fds) {
		return errShortPayload
	}

	munmapAll(d.rawRegions)
	d.mem.Reset()
	d.rawRegions = d.rawRegions[:0]

	for i, mr := range regions {
		rr, err := mmapRegion(fds[i], mr)
		if err != nil {
			munmapAll(d.rawRegions)
			d.rawRegions = nil
			d.mem.Reset()
			return fmt.Errorf("vhost-user: SET_MEM_TABLE: %w", err)
		}
		d.rawRegions = append(d.rawRegions, rr)
		if err := d.mem.Insert(mr.GuestPhysAddr, mr.MemorySize, rr.Data, false); err != nil {
			munmapAll(d.rawRegions)
			d.rawRegions = nil
			d.mem.Reset()
			return fmt.Errorf("vhost-user: SET_MEM_TABLE: %w", err)
		}
	}

	// The mappings stay valid without their fds.
	for _, fd := range fds {
		unix.Close(fd)
	}
	return nil
}

func (d *Device) handleGetConfig(payload []byte) ([]byte, error) {
	cs, _ := decodeConfigSpace(payload)
	full := d.config.encode()
	if cs.Offset > uint32(len(full)) || cs.Offset+cs.Size > uint32(len(full)) {
		return nil, invalid()
	}

	out := make([]byte, 12+cs.Size)
	encodeConfigSpace(cs, full[cs.Offset:cs.Offset+cs.Size], out)
	return out, nil
}

func (d *Device) handleSetVringNum(payload []byte) error {
	if len(payload) < 8 {
		return errShortPayload
	}
	s := decodeVringState(payload)
	v, err := d.vring(s.Index)
	if err != nil {
		return err
	}
	if err := v.setNum(s.Num); err != nil {
		return invalid()
	}
	return nil
}

func (d *Device) handleSetVringAddr(payload []byte) error {
	if len(payload) < 40 {
		return errShortPayload
	}
	a := decodeVringAddr(payload)
	v, err := d.vring(a.Index)
	if err != nil {
		return err
	}
	if a.Flags&vringAddrLogFlag != 0 {
		return errVringAddrLog
	}

	descGPA, ok := translateUVA(d.rawRegions, a.DescUserAddr)
	if !ok {
		return errVringAddrUVA
	}
	availGPA, ok := translateUVA(d.rawRegions, a.AvailUserAddr)
	if !ok {
		return errVringAddrUVA
	}
	usedGPA, ok := translateUVA(d.rawRegions, a.UsedUserAddr)
	if !ok {
		return errVringAddrUVA
	}

	v.setAddr(descGPA, availGPA, usedGPA)
	return nil
}

func (d *Device) handleSetVringBase(payload []byte) error {
	if len(payload) < 8 {
		return errShortPayload
	}
	s := decodeVringState(payload)
	v, err := d.vring(s.Index)
	if err != nil {
		return err
	}
	v.setBase(s.Num)
	return nil
}

func (d *Device) handleGetVringBase(payload []byte) ([]byte, error) {
	if len(payload) < 8 {
		return nil, errShortPayload
	}
	s := decodeVringState(payload)
	v, err := d.vring(s.Index)
	if err != nil {
		return nil, err
	}

	if v.isStarted {
		v.availBase = uint32(v.vq.LastSeenAvail())
	}
	base := v.stop()
	d.unregisterKick(v)
	v.reset(true)

	out := make([]byte, 8)
	encodeVringState(VringState{Index: s.Index, Num: base}, out)
	return out, nil
}

type vringFDKind int

const (
	vringFDKick vringFDKind = iota
	vringFDCall
	vringFDErr
)

func (d *Device) handleSetVringFD(payload []byte, fds []int, kind vringFDKind) error {
	if len(payload) < 8 {
		return errShortPayload
	}
	index := decodeU64(payload) & 0xff
	noFD := decodeU64(payload)&(1<<8) != 0
	v, err := d.vring(uint32(index))
	if err != nil {
		return err
	}

	var fd int = -1
	if !noFD {
		if len(fds) == 0 {
			return errShortPayload
		}
		fd = fds[0]
	}

	switch kind {
	case vringFDKick:
		if v.kickFD >= 0 {
			d.unregisterKick(v)
			unix.Close(v.kickFD)
		}
		v.kickFD = fd
		if fd >= 0 {
			vi := v.index
			if err := d.loop.AddFd(fd, evloop.In|evloop.Hup, func(gotFD int, events uint32) {
				if events&evloop.Hup != 0 {
					d.handleKickHup(vi)
					return
				}
				d.handleKick(vi)
			}); err != nil {
				return fmt.Errorf("vhost-user: register kickfd for vring %d: %w", vi, err)
			}
		}
	case vringFDCall:
		if v.callFD >= 0 {
			unix.Close(v.callFD)
		}
		v.callFD = fd
	case vringFDErr:
		if v.errFD >= 0 {
			unix.Close(v.errFD)
		}
		v.errFD = fd
	}
	return nil
}

func (d *Device) handleSetVringEnable(payload []byte) error {
	if len(payload) < 8 {
		return errShortPayload
	}
	s := decodeVringState(payload)
	v, err := d.vring(s.Index)
	if err != nil {
		return err
	}
	// Before protocol features are negotiated, is_enabled stays at its
	// construction-time default (true) and the master has no authority
	// over it: the request is accepted but has no gating effect.
	if d.hasProtocolFeatures {
		v.isEnabled = s.Num != 0
	}
	return nil
}

// handleKick is the evloop callback bound to a vring's kickFD. The first
// kick after SET_VRING_KICK starts the virtqueue against the current
// memory map; that kick and every one after it then drain whatever the
// guest made available through onKick. A failed start or a non-nil return from
// onKick is protocol-fatal and resets the device.
func (d *Device) handleKick(index int) {
	v := d.vrings[index]

	var buf [8]byte
	unix.Read(v.kickFD, buf[:])

	if !v.isEnabled {
		return
	}
	if !v.isStarted {
		if err := v.start(d.mem); err != nil {
			d.Reset()
			return
		}
	}
	if d.onKick != nil {
		if err := d.onKick(index); err != nil {
			d.Reset()
		}
	}
}

func (d *Device) unregisterKick(v *Vring) {
	if v.kickFD >= 0 {
		d.loop.DelFd(v.kickFD)
	}
}

// handleKickHup fires when a vring's kickFD reports EPOLLHUP (the master
// closed its write end, typically via a fresh SET_VRING_KICK replacing it).
// It closes and deregisters the kickfd; the rest of the vring's state
// (geometry, started virtqueue) is preserved until the master reconfigures
// it.
func (d *Device) handleKickHup(index int) {
	v := d.vrings[index]
	d.unregisterKick(v)
	if v.kickFD >= 0 {
		unix.Close(v.kickFD)
		v.kickFD = -1
	}
}

// resetSession tears down every vring, unmaps guest memory, and clears
// negotiated feature/owner state, but leaves the master connection itself
// open. This is RESET_DEVICE's effect: the vhost-user spec has the master
// stay attached and free to reconfigure from scratch (a fresh SET_MEM_TABLE,
// fresh SET_VRING_* calls) afterward.
func (d *Device) resetSession() {
	for _, v := range d.vrings {
		d.unregisterKick(v)
		v.reset(true)
	}

	munmapAll(d.rawRegions)
	d.rawRegions = nil
	d.mem.Reset()

	d.ownerSet = false
	d.hasProtocolFeatures = false
	d.negotiatedFeatures = 0
	d.negotiatedProtocolFeatures = 0
}

// Reset tears the current session down and also drops the master
// connection: called for a dropped or protocol-fatal connection, never for
// RESET_DEVICE itself (see resetSession).
func (d *Device) Reset() {
	d.resetSession()

	if d.connFD >= 0 {
		d.loop.DelFd(d.connFD) // no-op if the caller (server.teardown) already did this
		unix.Close(d.connFD)
		d.connFD = -1
	}
}
