// Package v1 implements the STK500v1 dialect: an ad-hoc, length-agnostic
// framing where outbound commands are terminated by CRC_EOP and inbound
// replies are bounded by RESP_STK_IN_SYNC ... RESP_STK_OK. This is the
// dialect ATmegaBOOT and Optiboot speak.
package v1

import (
	"time"

	"github.com/jjsch-dev/avrflash/stk500"
	"github.com/jjsch-dev/avrflash/transport"
)

const (
	crcEOP       = 0x20
	respInSync   = 0x14
	respOK       = 0x10
	syncTimeout  = 500 * time.Millisecond
	steadyTimeout = time.Second

	paramHWVersion = 0x80
	paramSWMajor   = 0x81
	paramSWMinor   = 0x82
)

// Codec drives a target through the STK500v1 command set over a
// transport.Port, mutating the shared stk500.Session as it learns
// versions, programmer name and CPU identity.
type Codec struct {
	port    transport.Port
	session stk500.Session
}

// New constructs a v1 codec bound to an open port. The session starts
// with the steady-state 1s timeout; Sync's own attempts use 500ms.
func New(port transport.Port) *Codec {
	c := &Codec{port: port}
	c.session.Timeout = steadyTimeout
	return c
}

func (c *Codec) Session() *stk500.Session { return &c.session }

// request sends msg followed by CRC_EOP and reads exactly answerLen
// bytes back, checking that the reply opens with RESP_STK_IN_SYNC and
// ends with RESP_STK_OK. A read that returns nothing is a Timeout and
// a partial read is a ShortReply. GetSignOn, which cannot predict
// Optiboot's reply length, does its own read instead of using request.
func (c *Codec) request(msg []byte, answerLen int, timeout time.Duration) ([]byte, error) {
	out := append(append([]byte{}, msg...), crcEOP)
	if _, err := c.port.Write(out); err != nil {
		return nil, stk500.NewFrameError(stk500.FrameTimeout, "write", err)
	}
	reply := make([]byte, answerLen)
	n, err := c.port.ReadExact(reply, timeout)
	if err != nil {
		if n == 0 {
			return nil, stk500.NewFrameError(stk500.FrameTimeout, "read", err)
		}
		return reply[:n], stk500.NewFrameError(stk500.FrameShortReply, "read", err)
	}
	if reply[0] != respInSync {
		return reply, stk500.NewFrameError(stk500.FrameBadSync, "", nil)
	}
	if reply[len(reply)-1] != respOK {
		return reply, stk500.NewFrameError(stk500.FrameBadTerminator, "", nil)
	}
	return reply, nil
}

// Sync sends the sync command up to 5 times with a 500ms timeout; the
// first reply matching 0x14 0x10 ends the retries. Bytes from a prior
// attempt that don't match are simply discarded as reset-banner
// remainder. After a matching reply it restores the steady-state
// timeout and reads the programmer name with GetSignOn, returning
// GetSignOn's error.
func (c *Codec) Sync() error {
	var lastErr error
	for i := 0; i < 5; i++ {
		_, err := c.request([]byte{'0'}, 2, syncTimeout)
		if err == nil {
			c.session.Timeout = steadyTimeout
			_, err := c.GetSignOn()
			return err
		}
		lastErr = err
	}
	return lastErr
}

// getParameter issues the 'A' GET_PARAMETER command and returns its
// single value byte.
func (c *Codec) getParameter(id byte) (byte, error) {
	reply, err := c.request([]byte{'A', id}, 3, c.session.Timeout)
	if err != nil {
		return 0, err
	}
	return reply[1], nil
}

// BoardRequest fills hw_version / sw_major / sw_minor.
//
// The second GET_PARAMETER reply is the software major version and is
// stored into SWMajor, not HWVersion — conflating the two would
// overwrite the real hardware version with the software major.
func (c *Codec) BoardRequest() error {
	hw, err := c.getParameter(paramHWVersion)
	if err != nil {
		return err
	}
	c.session.HWVersion = hw

	major, err := c.getParameter(paramSWMajor)
	if err != nil {
		return err
	}
	c.session.SWMajor = major

	minor, err := c.getParameter(paramSWMinor)
	if err != nil {
		return err
	}
	c.session.SWMinor = minor
	return nil
}

// GetSignOn reads the programmer's sign-on name. Optiboot does not
// implement this command and answers with just 0x14 0x10 — so unlike
// every other v1 operation this one cannot request a fixed reply
// length; it reads up to an upper bound and requires only that the
// reply start with RESP_STK_IN_SYNC and end with RESP_STK_OK.
func (c *Codec) GetSignOn() (string, error) {
	out := append([]byte{'1'}, crcEOP)
	if _, err := c.port.Write(out); err != nil {
		return "", stk500.NewFrameError(stk500.FrameTimeout, "write", err)
	}
	const maxLen = 64
	buf := make([]byte, maxLen)
	n, err := c.port.ReadExact(buf, c.session.Timeout)
	if err != nil && n == 0 {
		return "", stk500.NewFrameError(stk500.FrameTimeout, "read", err)
	}
	reply := buf[:n]
	if len(reply) < 2 || reply[0] != respInSync {
		return "", stk500.NewFrameError(stk500.FrameBadSync, "", nil)
	}
	if reply[len(reply)-1] != respOK {
		return "", stk500.NewFrameError(stk500.FrameBadTerminator, "", nil)
	}
	name := string(reply[1 : len(reply)-1])
	c.session.ProgrammerName = name
	return name, nil
}

// CPUSignature reads the three signature bytes via the 'u' command and
// looks the result up in the shared registry.
func (c *Codec) CPUSignature() (stk500.CPU, error) {
	reply, err := c.request([]byte{'u'}, 5, c.session.Timeout)
	if err != nil {
		return stk500.CPU{}, err
	}
	sig := stk500.Signature(reply[1], reply[2], reply[3])
	cpu := stk500.Lookup(sig)
	c.session.CPU = cpu
	return cpu, nil
}

// LoadAddress sets the address pointer for the next read/write.
// Flash addresses are word-addressed on the wire: the byte address is
// divided by 2. EEPROM addresses pass through unchanged. The 16-bit
// wire address is little-endian.
func (c *Codec) LoadAddress(byteAddr uint32, flash bool) error {
	addr := byteAddr
	if flash {
		addr /= 2
	}
	cmd := []byte{'U', byte(addr & 0xFF), byte((addr >> 8) & 0xFF)}
	_, err := c.request(cmd, 2, c.session.Timeout)
	return err
}

// WriteMemory loads the address and programs buffer into flash or
// EEPROM starting there.
func (c *Codec) WriteMemory(buffer []byte, byteAddr uint32, flash bool) error {
	if err := c.LoadAddress(byteAddr, flash); err != nil {
		return err
	}
	memChar := byte('E')
	if flash {
		memChar = 'F'
	}
	cmd := make([]byte, 0, 4+len(buffer))
	cmd = append(cmd, 'd', byte(len(buffer)>>8), byte(len(buffer)&0xFF), memChar)
	cmd = append(cmd, buffer...)
	_, err := c.request(cmd, 2, c.session.Timeout)
	return err
}

// ReadMemory loads the address and reads count bytes back from flash
// or EEPROM.
func (c *Codec) ReadMemory(byteAddr uint32, count int, flash bool) ([]byte, error) {
	if err := c.LoadAddress(byteAddr, flash); err != nil {
		return nil, err
	}
	memChar := byte('E')
	if flash {
		memChar = 'F'
	}
	cmd := []byte{'t', byte(count >> 8), byte(count & 0xFF), memChar}
	reply, err := c.request(cmd, count+2, c.session.Timeout)
	if err != nil {
		return nil, err
	}
	return reply[1 : len(reply)-1], nil
}

// LeaveBootloader tells the target to leave programming mode and start
// running the stored firmware.
func (c *Codec) LeaveBootloader() error {
	_, err := c.request([]byte{'Q'}, 2, c.session.Timeout)
	return err
}
