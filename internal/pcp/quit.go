package pcp

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/pcpgo/pcpcast/internal/atom"
)

// Quit codes ride a quit child atom as a little-endian u32. The generic
// range starts at 0x01000000; specific reasons are small offsets. Codes
// outside the known set are forwarded verbatim.
const quitBase uint32 = 0x01000000

const (
	QuitGeneral     = quitBase
	QuitSkip        = quitBase + 1
	QuitUnavailable = quitBase + 3
	QuitBadAgent    = quitBase + 7
	QuitOffAir      = quitBase + 8
	QuitShutdown    = quitBase + 9
	QuitNoHost      = quitBase + 10
	QuitBcstTimeout = quitBase + 16
	QuitSendTimeout = quitBase + 17
)

// QuitAtom builds a quit child carrying code.
func QuitAtom(code uint32) atom.Atom {
	return atom.ChildU32(IDQuit, code)
}

// ParseQuit reads a quit child, returning its code.
func ParseQuit(a atom.Atom) (uint32, error) {
	if a.ID() != IDQuit || a.IsParent() {
		return 0, errors.Wrapf(atom.ErrID, "quit: got %s", a)
	}
	if len(a.Payload()) != 4 {
		return 0, errors.Wrap(atom.ErrValue, "quit: want 4 bytes")
	}
	return atom.DecodeU32(a)
}

// QuitReason names the known codes for logs; unknown codes format as hex.
func QuitReason(code uint32) string {
	switch code {
	case QuitGeneral:
		return "quit"
	case QuitSkip:
		return "skip"
	case QuitUnavailable:
		return "unavailable"
	case QuitBadAgent:
		return "bad agent"
	case QuitOffAir:
		return "off air"
	case QuitShutdown:
		return "shutdown"
	case QuitNoHost:
		return "no host"
	case QuitBcstTimeout:
		return "bcst timeout"
	case QuitSendTimeout:
		return "send timeout"
	default:
		return fmt.Sprintf("code 0x%08x", code)
	}
}
