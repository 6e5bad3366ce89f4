// Package programmer selects and constructs a stk500.Programmer for a
// given dialect name, and defines the protocol-level error taxonomy
// that sits above both codecs.
package programmer

import (
	"fmt"

	"github.com/jjsch-dev/avrflash/stk500"
	v1 "github.com/jjsch-dev/avrflash/stk500/v1"
	v2 "github.com/jjsch-dev/avrflash/stk500/v2"
	"github.com/jjsch-dev/avrflash/transport"
)

// Select builds a Programmer for the named dialect, bound to port.
// Any name other than "Stk500v1" or "Stk500v2" yields an
// *UnsupportedProtocolError.
func Select(name string, port transport.Port) (stk500.Programmer, error) {
	switch name {
	case "Stk500v1":
		return v1.New(port), nil
	case "Stk500v2":
		return v2.New(port), nil
	default:
		return nil, &UnsupportedProtocolError{Name: name}
	}
}

// UnsupportedProtocolError reports a programmer name Select doesn't know.
type UnsupportedProtocolError struct {
	Name string
}

func (e *UnsupportedProtocolError) Error() string {
	return fmt.Sprintf("unsupported programmer protocol %q", e.Name)
}

// UnsupportedCPUError reports a signature the registry has no page
// geometry for — flashing cannot proceed without it. Signature is the
// hex string stk500.Lookup already produces for an unknown part.
type UnsupportedCPUError struct {
	Signature string
}

func (e *UnsupportedCPUError) Error() string {
	return fmt.Sprintf("unsupported CPU signature %s", e.Signature)
}

// StatusNotOKError wraps a non-OK status byte a codec already
// classified as stk500.FrameStatusNotOK, carrying the raw status so
// callers above the codec layer can report it.
type StatusNotOKError struct {
	Status byte
}

func (e *StatusNotOKError) Error() string {
	return fmt.Sprintf("device returned status 0x%02X", e.Status)
}
