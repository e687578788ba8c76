package pgm

import "github.com/pkg/errors"

// Error taxonomy. Each is a sentinel compared with errors.Is; call sites
// wrap with errors.Wrapf to attach context before logging.
var (
	ErrInvalidArgument = errors.New("pgm: invalid argument")
	ErrNotBound        = errors.New("pgm: transport not bound")
	ErrAlreadyBound    = errors.New("pgm: transport already bound")
	ErrNotInWindow     = errors.New("pgm: sqn not in window")
	ErrMalformed       = errors.New("pgm: malformed packet")
	ErrChecksum        = errors.New("pgm: checksum error")
	ErrDuplicate       = errors.New("pgm: duplicate sqn")
	ErrRateLimited     = errors.New("pgm: rate limited")
	ErrWouldBlock      = errors.New("pgm: would block")
	ErrIO              = errors.New("pgm: i/o error")
	ErrPeerUnknownNla  = errors.New("pgm: peer nla unknown, nak suppressed")
	ErrApduLost        = errors.New("pgm: apdu lost a fragment")
	ErrFatal           = errors.New("pgm: fatal, transport destroyed")
)

// stackTracer matches the interface github.com/pkg/errors attaches to
// wrapped errors, used at the top of loop goroutines to log a trace
// alongside the error message.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// logStack splits err into a message and, if it carries one, the stack
// trace attached by errors.Wrap/Wrapf, for glog's "%s%+v" idiom.
func logStack(err error) (msg string, trace errors.StackTrace) {
	if e, ok := err.(stackTracer); ok {
		trace = e.StackTrace()
	}
	return err.Error(), trace
}
