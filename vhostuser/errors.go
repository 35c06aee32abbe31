package vhostuser

import "errors"

// HandlerError is a non-fatal protocol error: the connection stays up and,
// when REPLY_ACK is negotiated, the value surfaces to the master as −RC in
// the reply.
type HandlerError struct {
	RC int32
}

func (e *HandlerError) Error() string {
	return "vhost-user: request failed"
}

func notSupported() error {
	return &HandlerError{RC: 95} // ENOTSUP
}

func invalid() error {
	return &HandlerError{RC: 22} // EINVAL
}

// isFatal reports whether err should tear the connection down, per the
// handler return convention: anything that isn't a HandlerError is treated
// as protocol-fatal.
func isFatal(err error) bool {
	if err == nil {
		return false
	}
	var he *HandlerError
	return !errors.As(err, &he)
}

var (
	errShortPayload    = errors.New("vhost-user: short payload")
	errTooManyRegions  = errors.New("vhost-user: too many memory regions")
	errBadVringIndex   = errors.New("vhost-user: bad vring index")
	errUnknownProtoBit = errors.New("vhost-user: unknown protocol feature bit")
	errSecondOwner     = errors.New("vhost-user: SET_OWNER called twice")
	errConnectionBusy  = errors.New("vhost-user: connection already active")
	errVringAddrLog    = errors.New("vhost-user: SET_VRING_ADDR log flag not supported")
	errVringAddrUVA    = errors.New("vhost-user: SET_VRING_ADDR address not mapped")
)
