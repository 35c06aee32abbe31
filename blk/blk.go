// Package blk decodes virtio-blk requests out of descriptor chains produced
// by the virtqueue engine, and completes them by writing a status byte back
// into guest memory.
package blk

import (
	"encoding/binary"

	"github.com/vhost-blk/vblkd/virtqueue"
)

// Request types, virtio 1.0 §5.2.6.
const (
	TypeIn    uint32 = 0
	TypeOut   uint32 = 1
	TypeFlush uint32 = 4
	TypeGetID uint32 = 8
)

// Completion status values written into the guest status byte.
const (
	StatusOK    uint8 = 0
	StatusIOErr uint8 = 1
)

const sectorSize = 512
const headerSize = 16 // type(4) + reserved(4) + sector(8)

// Device describes the geometry a Decoder validates requests against.
type Device struct {
	// TotalSectors is the device capacity in 512-byte sectors.
	TotalSectors uint64

	// ID is returned verbatim (truncated/zero-padded to the buffer size)
	// for VIRTIO_BLK_T_GET_ID requests.
	ID string
}

// Vec is one scatter-gather entry of a decoded request, already translated
// to a host-addressable slice by the virtqueue engine.
type Vec struct {
	Ptr []byte
}

// Request is a decoded virtio-blk request ready for the backend to execute.
type Request struct {
	Type         uint32
	Sector       uint64
	TotalSectors uint32
	Vecs         []Vec

	vq     *virtqueue.Virtqueue
	chain  *virtqueue.Chain
	status []byte
}

// Decoder walks descriptor chains off a single virtqueue and turns them
// into Requests, silently dropping chains that don't match the expected
// virtio-blk shape.
type Decoder struct {
	dev *Device
}

// NewDecoder returns a Decoder validating requests against dev's geometry.
func NewDecoder(dev *Device) *Decoder {
	return &Decoder{dev: dev}
}

// header mirrors the wire layout of struct virtio_blk_req.
type header struct {
	typ    uint32
	sector uint64
}

func decodeHeader(buf []byte) header {
	return header{
		typ:    binary.LittleEndian.Uint32(buf[0:4]),
		sector: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// Next dequeues the next chain from vq and decodes it. ok is false when the
// virtqueue has nothing available. req is nil when a chain was dequeued but
// dropped as malformed or unsupported; the chain is still released to the
// used ring in that case, with nwritten=0, to preserve forward progress. The
// one exception is a read/write chain whose descriptors break the virtqueue
// partway through: that chain is left unreleased.
func (d *Decoder) Next(vq *virtqueue.Virtqueue) (req *Request, ok bool) {
	chain, ok := vq.Dequeue()
	if !ok {
		return nil, false
	}

	req = d.decode(vq, chain)
	return req, true
}

func (d *Decoder) decode(vq *virtqueue.Virtqueue, chain *virtqueue.Chain) *Request {
	hdrBuf, ok := chain.Next()
	if !ok || len(hdrBuf.Ptr) != headerSize || !hdrBuf.RO {
		vq.Release(chain, 0)
		return nil
	}

	// Copy the header out before acting on it: the guest retains write
	// access to this memory and could mutate it between validation and use.
	var raw [headerSize]byte
	copy(raw[:], hdrBuf.Ptr)
	hdr := decodeHeader(raw[:])

	switch hdr.typ {
	case TypeIn, TypeOut:
		return d.decodeRW(vq, chain, hdr)
	case TypeFlush:
		return d.decodeFlush(vq, chain, hdr)
	case TypeGetID:
		return d.decodeGetID(vq, chain, hdr)
	default:
		vq.Release(chain, 0)
		return nil
	}
}

func (d *Decoder) decodeFlush(vq *virtqueue.Virtqueue, chain *virtqueue.Chain, hdr header) *Request {
	status, ok := readStatus(chain)
	if !ok {
		vq.Release(chain, 0)
		return nil
	}
	return &Request{
		Type:   TypeFlush,
		vq:     vq,
		chain:  chain,
		status: status,
	}
}

func (d *Decoder) decodeGetID(vq *virtqueue.Virtqueue, chain *virtqueue.Chain, hdr header) *Request {
	if !chain.HasNext() {
		vq.Release(chain, 0)
		return nil
	}
	idBuf, ok := chain.Next()
	if !ok || !chain.HasNext() {
		// The id buffer must be followed by a status buffer.
		vq.Release(chain, 0)
		return nil
	}
	status, ok := readStatus(chain)
	if !ok {
		vq.Release(chain, 0)
		return nil
	}
	if len(idBuf.Ptr) == 0 || idBuf.RO {
		vq.Release(chain, 0)
		return nil
	}

	n := copy(idBuf.Ptr, d.dev.ID)
	for ; n < len(idBuf.Ptr); n++ {
		idBuf.Ptr[n] = 0
	}

	return &Request{
		Type:   TypeGetID,
		vq:     vq,
		chain:  chain,
		status: status,
	}
}

func (d *Decoder) decodeRW(vq *virtqueue.Virtqueue, chain *virtqueue.Chain, hdr header) *Request {
	isRead := hdr.typ == TypeIn

	if hdr.sector >= d.dev.TotalSectors {
		vq.Release(chain, 0)
		return nil
	}

	var vecs []Vec
	var totalSectors uint32
	var status []byte

	for chain.HasNext() {
		buf, ok := chain.Next()
		if !ok {
			return nil // queue already marked broken by the virtqueue engine
		}

		if !chain.HasNext() {
			// Last buffer in the chain is always the status byte.
			if len(buf.Ptr) != 1 || buf.RO {
				vq.Release(chain, 0)
				return nil
			}
			status = buf.Ptr
			break
		}

		if len(buf.Ptr) == 0 || len(buf.Ptr)%sectorSize != 0 {
			vq.Release(chain, 0)
			return nil
		}
		if isRead == buf.RO {
			vq.Release(chain, 0)
			return nil
		}

		totalSectors += uint32(len(buf.Ptr) / sectorSize)
		if hdr.sector+uint64(totalSectors) > d.dev.TotalSectors {
			vq.Release(chain, 0)
			return nil
		}

		vecs = append(vecs, Vec{Ptr: buf.Ptr})
	}

	if totalSectors == 0 || status == nil {
		vq.Release(chain, 0)
		return nil
	}

	typ := TypeOut
	if isRead {
		typ = TypeIn
	}

	return &Request{
		Type:         typ,
		Sector:       hdr.sector,
		TotalSectors: totalSectors,
		Vecs:         vecs,
		vq:           vq,
		chain:        chain,
		status:       status,
	}
}

func readStatus(chain *virtqueue.Chain) ([]byte, bool) {
	buf, ok := chain.Next()
	if !ok || len(buf.Ptr) != 1 || buf.RO {
		return nil, false
	}
	return buf.Ptr, true
}

// Complete writes status into the request's status byte and releases its
// descriptor chain to the used ring. nwritten is always reported as 0: the
// guest infers completion from the status byte alone.
func (r *Request) Complete(status uint8) {
	r.status[0] = status
	r.vq.Release(r.chain, 0)
}
