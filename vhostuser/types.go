package vhostuser

import "encoding/binary"

// Request codes, vhost-user.h VhostUserRequest.
const (
	ReqNone                = 0
	ReqGetFeatures         = 1
	ReqSetFeatures         = 2
	ReqSetOwner            = 3
	ReqResetOwner          = 4
	ReqSetMemTable         = 5
	ReqSetLogBase          = 6
	ReqSetLogFD            = 7
	ReqSetVringNum         = 8
	ReqSetVringAddr        = 9
	ReqSetVringBase        = 10
	ReqGetVringBase        = 11
	ReqSetVringKick        = 12
	ReqSetVringCall        = 13
	ReqSetVringErr         = 14
	ReqGetProtocolFeatures = 15
	ReqSetProtocolFeatures = 16
	ReqGetQueueNum         = 17
	ReqSetVringEnable      = 18
	ReqGetConfig           = 24
	ReqSetConfig           = 25
	ReqGetInflightFD       = 31
	ReqSetInflightFD       = 32
	ReqResetDevice         = 34
)

var reqNames = map[uint32]string{
	ReqNone:                "NONE",
	ReqGetFeatures:         "GET_FEATURES",
	ReqSetFeatures:         "SET_FEATURES",
	ReqSetOwner:            "SET_OWNER",
	ReqResetOwner:          "RESET_OWNER",
	ReqSetMemTable:         "SET_MEM_TABLE",
	ReqSetLogBase:          "SET_LOG_BASE",
	ReqSetLogFD:            "SET_LOG_FD",
	ReqSetVringNum:         "SET_VRING_NUM",
	ReqSetVringAddr:        "SET_VRING_ADDR",
	ReqSetVringBase:        "SET_VRING_BASE",
	ReqGetVringBase:        "GET_VRING_BASE",
	ReqSetVringKick:        "SET_VRING_KICK",
	ReqSetVringCall:        "SET_VRING_CALL",
	ReqSetVringErr:         "SET_VRING_ERR",
	ReqGetProtocolFeatures: "GET_PROTOCOL_FEATURES",
	ReqSetProtocolFeatures: "SET_PROTOCOL_FEATURES",
	ReqGetQueueNum:         "GET_QUEUE_NUM",
	ReqSetVringEnable:      "SET_VRING_ENABLE",
	ReqGetConfig:           "GET_CONFIG",
	ReqSetConfig:           "SET_CONFIG",
	ReqGetInflightFD:       "GET_INFLIGHT_FD",
	ReqSetInflightFD:       "SET_INFLIGHT_FD",
	ReqResetDevice:         "RESET_DEVICE",
}

func requestName(req uint32) string {
	if n, ok := reqNames[req]; ok {
		return n
	}
	return "UNKNOWN"
}

// Header flag bits, vhost-user.h.
const (
	flagVersionMask = 0x3
	flagReply       = 1 << 2
	flagNeedReply   = 1 << 3
)

// Protocol feature bits this device recognizes in SET_PROTOCOL_FEATURES.
const (
	ProtocolFMQ          = 1 << 0
	ProtocolFReplyAck    = 1 << 3
	ProtocolFConfig      = 1 << 9
	ProtocolFResetDevice = 1 << 13
)

// supportedProtocolFeatures is the mask this device will accept in
// SET_PROTOCOL_FEATURES and reports from GET_PROTOCOL_FEATURES.
const supportedProtocolFeatures = ProtocolFMQ | ProtocolFReplyAck | ProtocolFConfig | ProtocolFResetDevice

// Virtio feature bits this device negotiates, virtio_ring.h/virtio_config.h.
const (
	FRingIndirectDesc = 1 << 28
	FRingEventIdx     = 1 << 29
	FProtocolFeatures = 1 << 30
	FVersion1         = 1 << 32
)

const maxMemRegions = 8
const maxFDs = 8
const maxConfigSize = 256

// headerSize is the wire size of Header: three little-endian uint32s.
const headerSize = 12

// Header is the 12-byte frame prefix on every vhost-user message.
type Header struct {
	Request uint32
	Flags   uint32
	Size    uint32
}

func decodeHeader(b []byte) Header {
	return Header{
		Request: binary.LittleEndian.Uint32(b[0:4]),
		Flags:   binary.LittleEndian.Uint32(b[4:8]),
		Size:    binary.LittleEndian.Uint32(b[8:12]),
	}
}

func encodeHeader(h Header, b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], h.Request)
	binary.LittleEndian.PutUint32(b[4:8], h.Flags)
	binary.LittleEndian.PutUint32(b[8:12], h.Size)
}

// VringState is the {index, num} payload shared by several SET_VRING_*
// and GET_VRING_BASE messages.
type VringState struct {
	Index uint32
	Num   uint32
}

func decodeVringState(b []byte) VringState {
	return VringState{
		Index: binary.LittleEndian.Uint32(b[0:4]),
		Num:   binary.LittleEndian.Uint32(b[4:8]),
	}
}

func encodeVringState(s VringState, b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], s.Index)
	binary.LittleEndian.PutUint32(b[4:8], s.Num)
}

// VringAddr is the SET_VRING_ADDR payload, addresses given in the master's
// user-virtual address space.
type VringAddr struct {
	Index         uint32
	Flags         uint32
	DescUserAddr  uint64
	UsedUserAddr  uint64
	AvailUserAddr uint64
	LogGuestAddr  uint64
}

const vringAddrLogFlag = 1 // VHOST_VRING_F_LOG

func decodeVringAddr(b []byte) VringAddr {
	return VringAddr{
		Index:         binary.LittleEndian.Uint32(b[0:4]),
		Flags:         binary.LittleEndian.Uint32(b[4:8]),
		DescUserAddr:  binary.LittleEndian.Uint64(b[8:16]),
		UsedUserAddr:  binary.LittleEndian.Uint64(b[16:24]),
		AvailUserAddr: binary.LittleEndian.Uint64(b[24:32]),
		LogGuestAddr:  binary.LittleEndian.Uint64(b[32:40]),
	}
}

// MemoryRegion is one entry of the SET_MEM_TABLE payload, as supplied by
// the master.
type MemoryRegion struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	UserAddr      uint64
	MmapOffset    uint64
}

const memRegionSize = 32

func decodeMemRegion(b []byte) MemoryRegion {
	return MemoryRegion{
		GuestPhysAddr: binary.LittleEndian.Uint64(b[0:8]),
		MemorySize:    binary.LittleEndian.Uint64(b[8:16]),
		UserAddr:      binary.LittleEndian.Uint64(b[16:24]),
		MmapOffset:    binary.LittleEndian.Uint64(b[24:32]),
	}
}

// decodeMemTable parses the {num, pad, regions[8]} SET_MEM_TABLE body.
func decodeMemTable(b []byte) (regions []MemoryRegion, err error) {
	if len(b) < 8 {
		return nil, errShortPayload
	}
	num := binary.LittleEndian.Uint32(b[0:4])
	if num > maxMemRegions {
		return nil, errTooManyRegions
	}
	need := 8 + int(num)*memRegionSize
	if len(b) < need {
		return nil, errShortPayload
	}
	for i := uint32(0); i < num; i++ {
		off := 8 + int(i)*memRegionSize
		regions = append(regions, decodeMemRegion(b[off:off+memRegionSize]))
	}
	return regions, nil
}

// ConfigSpace is the GET_CONFIG/SET_CONFIG payload prefix; the remaining
// bytes (up to maxConfigSize) hold the device config space window.
type ConfigSpace struct {
	Offset uint32
	Size   uint32
	Flags  uint32
}

func decodeConfigSpace(b []byte) (ConfigSpace, []byte) {
	cs := ConfigSpace{
		Offset: binary.LittleEndian.Uint32(b[0:4]),
		Size:   binary.LittleEndian.Uint32(b[4:8]),
		Flags:  binary.LittleEndian.Uint32(b[8:12]),
	}
	return cs, b[12:]
}

func encodeConfigSpace(cs ConfigSpace, payload []byte, out []byte) int {
	binary.LittleEndian.PutUint32(out[0:4], cs.Offset)
	binary.LittleEndian.PutUint32(out[4:8], cs.Size)
	binary.LittleEndian.PutUint32(out[8:12], cs.Flags)
	n := copy(out[12:], payload)
	return 12 + n
}

func encodeU64(v uint64, out []byte) {
	binary.LittleEndian.PutUint64(out[0:8], v)
}

func decodeU64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b[0:8])
}
