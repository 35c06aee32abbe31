package vhostuser

import (
	"fmt"
	"log"
	"os"

	"github.com/vhost-blk/vblkd/evloop"
	"golang.org/x/sys/unix"
)

// alwaysReply lists requests that reply unconditionally, regardless of
// whether the master negotiated REPLY_ACK or set NEED_REPLY.
var alwaysReply = map[uint32]bool{
	ReqGetFeatures:         true,
	ReqGetProtocolFeatures: true,
	ReqGetQueueNum:         true,
	ReqGetVringBase:        true,
	ReqGetConfig:           true,
	ReqGetInflightFD:       true,
	ReqSetLogBase:          true,
}

const maxOOBSpace = 256 // room for maxFDs worth of SCM_RIGHTS ancillary data

// Server owns the listening socket and drives a Device's control-plane
// messages from within the shared event loop: accept, one connection at a
// time, and every readable byte on that connection is one vhost-user
// frame.
type Server struct {
	loop     *evloop.Loop
	device   *Device
	path     string
	listenFD int
}

// Listen creates (replacing any stale socket file at path) a unix stream
// listener bound into loop, serving device. Only one master may be
// connected at a time; a second connection attempt is refused.
func Listen(path string, device *Device, loop *evloop.Loop) (*Server, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("vhost-user: removing stale socket %s: %w", path, err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("vhost-user: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vhost-user: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vhost-user: listen %s: %w", path, err)
	}

	s := &Server{loop: loop, device: device, path: path, listenFD: fd}
	if err := loop.AddFd(fd, evloop.In, s.accept); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return s, nil
}

// Close stops accepting new connections and removes the socket file.
func (s *Server) Close() error {
	s.loop.DelFd(s.listenFD)
	unix.Close(s.listenFD)
	return os.Remove(s.path)
}

func (s *Server) accept(fd int, events uint32) {
	// The connection fd is left blocking: spec.md permits exactly one
	// blocking call from a handler, recv(MSG_WAITALL) for message bodies,
	// and recvFull relies on that here.
	connFD, _, err := unix.Accept4(s.listenFD, unix.SOCK_CLOEXEC)
	if err != nil {
		if err != unix.EAGAIN {
			log.Printf("vhost-user: accept: %v", err)
		}
		return
	}

	if s.device.Connected() {
		unix.Close(connFD)
		return
	}
	if err := s.device.Attach(connFD); err != nil {
		unix.Close(connFD)
		return
	}
	if err := s.loop.AddFd(connFD, evloop.In|evloop.Hup, s.readable); err != nil {
		log.Printf("vhost-user: register connection fd: %v", err)
		s.teardown(connFD)
	}
}

func (s *Server) readable(fd int, events uint32) {
	if events&evloop.Hup != 0 {
		s.teardown(fd)
		return
	}

	hdrBuf := make([]byte, headerSize)
	fds, err := recvFull(fd, hdrBuf)
	if err != nil {
		s.teardown(fd)
		return
	}
	h := decodeHeader(hdrBuf)

	var payload []byte
	if h.Size > 0 {
		payload = make([]byte, h.Size)
		more, err := recvFull(fd, payload)
		if err != nil {
			s.teardown(fd)
			return
		}
		fds = append(fds, more...)
	}

	replyPayload, err := s.device.Dispatch(h, payload, fds)
	if isFatal(err) {
		log.Printf("vhost-user: %s: %v", requestName(h.Request), err)
		s.teardown(fd)
		return
	}

	if err := s.reply(fd, h, replyPayload, err); err != nil {
		log.Printf("vhost-user: writing reply to %s: %v", requestName(h.Request), err)
		s.teardown(fd)
	}
}

// reply implements the reply discipline: handler-produced payloads go out
// verbatim; otherwise a rc-only u64 reply is sent exactly when the request
// always replies or REPLY_ACK applies, and no reply is sent at all
// otherwise.
func (s *Server) reply(fd int, h Header, payload []byte, handlerErr error) error {
	var rc int32
	if he, ok := handlerErr.(*HandlerError); ok {
		rc = he.RC
	}

	needAck := s.device.negotiatedProtocolFeatures&ProtocolFReplyAck != 0 && h.Flags&flagNeedReply != 0

	switch {
	case payload != nil:
		// already the reply
	case alwaysReply[h.Request] || needAck:
		payload = make([]byte, 8)
		encodeU64(uint64(int64(-rc)), payload)
	default:
		return nil
	}

	out := make([]byte, headerSize+len(payload))
	encodeHeader(Header{Request: h.Request, Flags: (1 & flagVersionMask) | flagReply, Size: uint32(len(payload))}, out)
	copy(out[headerSize:], payload)

	_, err := unix.Write(fd, out)
	return err
}

func (s *Server) teardown(fd int) {
	s.loop.DelFd(fd)
	s.device.Reset()
}

// recvFull reads exactly len(buf) bytes from a blocking stream socket via
// MSG_WAITALL, collecting any SCM_RIGHTS file descriptors carried in the
// ancillary data along the way. MSG_WAITALL blocks until the kernel can
// satisfy the full request, so a message split across packets (routine for
// a multi-fd SET_MEM_TABLE) is waited out rather than treated as an error;
// the loop below re-issues the call when it still returns short (as it can
// when a signal arrives after part of the data). An EINTR before any data
// is returned as an error like any other. The only terminal conditions are
// a full buffer, a closed connection, or an error.
func recvFull(fd int, buf []byte) ([]int, error) {
	var fds []int
	oob := make([]byte, maxOOBSpace)

	for received := 0; received < len(buf); {
		n, oobn, _, _, err := unix.Recvmsg(fd, buf[received:], oob, unix.MSG_WAITALL)
		if err != nil {
			return fds, err
		}
		if n == 0 {
			return fds, fmt.Errorf("vhost-user: connection closed mid-message")
		}
		received += n

		if oobn > 0 {
			scms, err := unix.ParseSocketControlMessage(oob[:oobn])
			if err != nil {
				return fds, err
			}
			for _, scm := range scms {
				rights, err := unix.ParseUnixRights(&scm)
				if err != nil {
					return fds, err
				}
				fds = append(fds, rights...)
			}
		}
	}
	return fds, nil
}
