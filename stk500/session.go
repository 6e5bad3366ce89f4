package stk500

import (
	"fmt"
	"time"
)

// Session is the shared state a v1 or v2 codec mutates through an
// explicit reference, rather than reaching into a parent object's
// private fields the way the source's nested classes did. Each codec
// (the Programmer value) embeds one and exposes it through Session(),
// which lets tests construct a codec without a live serial port.
type Session struct {
	HWVersion      uint8
	SWMajor        uint8
	SWMinor        uint8
	ProgrammerName string
	CPU            CPU
	Timeout        time.Duration

	// SequenceNumber is v2-only: incremented mod 256 before every
	// outbound frame, so the first frame sent carries seq=1.
	SequenceNumber uint8
}

// SWVersion formats the bootloader software version as "major.minor".
func (s *Session) SWVersion() string {
	return fmt.Sprintf("%d.%d", s.SWMajor, s.SWMinor)
}
