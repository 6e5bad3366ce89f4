// Package v2 implements the STK500v2 dialect: a framed, checksummed
// protocol used by bootloaders covering more than 128KB of flash
// (Mega2560 and similar).
package v2

import (
	"time"

	"github.com/jjsch-dev/avrflash/stk500"
	"github.com/jjsch-dev/avrflash/transport"
)

const (
	messageStart = 0x1B
	token        = 0x0E
	statusOK     = 0x00

	cmdSignOn           = 0x01
	cmdGetParameter     = 0x03
	cmdLoadAddress      = 0x06
	cmdLeaveProgModeISP = 0x11
	cmdProgramFlashISP  = 0x13
	cmdReadFlashISP     = 0x14
	cmdSPIMulti         = 0x1D

	paramHWVersion = 0x90
	paramSWMajor   = 0x91
	paramSWMinor   = 0x92

	headerScanAttempts = 10
	steadyTimeout      = time.Second
)

// Codec drives a target through the STK500v2 command set.
type Codec struct {
	port    transport.Port
	session stk500.Session
}

// New constructs a v2 codec bound to an open port.
func New(port transport.Port) *Codec {
	c := &Codec{port: port}
	c.session.Timeout = steadyTimeout
	return c
}

func (c *Codec) Session() *stk500.Session { return &c.session }

// send builds and writes one frame: MESSAGE_START, seq, len16, TOKEN,
// cmd, body, XOR checksum. The sequence number is incremented mod 256
// before every outbound frame, so the first frame sent carries seq=1 —
// matching Avrdude's behavior for compatibility with stock bootloaders.
func (c *Codec) send(cmd byte, body []byte) error {
	c.session.SequenceNumber++
	dataLen := 1 + len(body)

	frame := make([]byte, 0, 6+len(body)+1)
	frame = append(frame, messageStart, c.session.SequenceNumber, byte(dataLen>>8), byte(dataLen&0xFF), token, cmd)
	frame = append(frame, body...)

	checksum := byte(0)
	for _, b := range frame {
		checksum ^= b
	}
	frame = append(frame, checksum)

	_, err := c.port.Write(frame)
	if err != nil {
		return stk500.NewFrameError(stk500.FrameTimeout, "write", err)
	}
	return nil
}

// recv reads one reply frame, resyncing on MESSAGE_START up to
// headerScanAttempts times per attempt. A reply whose sequence number
// doesn't match the last frame sent is a stray reply from a previous
// exchange: it is dropped (not surfaced as BadSequence) and recv keeps
// reading until the overall timeout.
func (c *Codec) recv(cmd byte) ([]byte, error) {
	deadline := time.Now().Add(c.session.Timeout)
	for {
		if time.Now().After(deadline) {
			return nil, stk500.NewFrameError(stk500.FrameTimeout, "no reply before deadline", nil)
		}
		body, seqOK, err := c.recvOne(deadline)
		if err != nil {
			return nil, err
		}
		if !seqOK {
			continue
		}
		if len(body) < 2 || body[0] != cmd {
			return nil, stk500.NewFrameError(stk500.FrameBadHeader, "unexpected command id", nil)
		}
		if body[1] != statusOK {
			return nil, stk500.NewFrameError(stk500.FrameStatusNotOK, "", nil)
		}
		return body[2:], nil
	}
}

// recvOne reads a single candidate frame. seqOK reports whether its
// sequence number matched what was expected; when it doesn't, the
// frame is still fully consumed off the wire (so the next read starts
// at the following frame) but the caller should keep waiting.
func (c *Codec) recvOne(deadline time.Time) (body []byte, seqOK bool, err error) {
	header := make([]byte, 5)
	for attempts := 0; ; attempts++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false, stk500.NewFrameError(stk500.FrameTimeout, "header byte", nil)
		}
		n, rerr := c.port.ReadExact(header[:1], remaining)
		if rerr != nil || n == 0 {
			return nil, false, stk500.NewFrameError(stk500.FrameTimeout, "header byte", rerr)
		}
		if header[0] == messageStart {
			break
		}
		if attempts >= headerScanAttempts {
			return nil, false, stk500.NewFrameError(stk500.FrameBadHeader, "no MESSAGE_START after retries", nil)
		}
	}
	if _, rerr := c.port.ReadExact(header[1:], time.Until(deadline)); rerr != nil {
		return nil, false, stk500.NewFrameError(stk500.FrameTimeout, "header", rerr)
	}
	if header[4] != token {
		return nil, false, stk500.NewFrameError(stk500.FrameBadHeader, "missing token", nil)
	}

	dataLen := int(header[2])<<8 | int(header[3])
	payload := make([]byte, dataLen+1) // +1: checksum byte not counted in len
	if _, rerr := c.port.ReadExact(payload, time.Until(deadline)); rerr != nil {
		return nil, false, stk500.NewFrameError(stk500.FrameTimeout, "payload", rerr)
	}

	checksum := byte(0)
	for _, b := range header {
		checksum ^= b
	}
	for _, b := range payload[:len(payload)-1] {
		checksum ^= b
	}
	if checksum != payload[len(payload)-1] {
		return nil, false, stk500.NewFrameError(stk500.FrameBadChecksum, "", nil)
	}

	if header[1] != c.session.SequenceNumber {
		return nil, false, nil
	}
	return payload[:len(payload)-1], true, nil
}

func (c *Codec) transact(cmd byte, body []byte) ([]byte, error) {
	if err := c.send(cmd, body); err != nil {
		return nil, err
	}
	return c.recv(cmd)
}

// Sync performs SIGN_ON, recording the programmer's self-reported name.
func (c *Codec) Sync() error {
	reply, err := c.transact(cmdSignOn, nil)
	if err != nil {
		return err
	}
	if len(reply) < 1 {
		return stk500.NewFrameError(stk500.FrameShortReply, "sign-on", nil)
	}
	nameLen := int(reply[0])
	if len(reply) < 1+nameLen {
		return stk500.NewFrameError(stk500.FrameShortReply, "sign-on name", nil)
	}
	c.session.ProgrammerName = string(reply[1 : 1+nameLen])
	return nil
}

func (c *Codec) getParameter(id byte) (byte, error) {
	reply, err := c.transact(cmdGetParameter, []byte{id})
	if err != nil {
		return 0, err
	}
	if len(reply) < 1 {
		return 0, stk500.NewFrameError(stk500.FrameShortReply, "get parameter", nil)
	}
	return reply[0], nil
}

// BoardRequest fills hw_version / sw_major / sw_minor.
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

// spiMulti reads one signature byte through the SPI_MULTI wrapper; idx
// selects SIG1 (0), SIG2 (1) or SIG3 (2).
func (c *Codec) spiMulti(idx byte) (byte, error) {
	body := []byte{4, 4, 0, '0', 0, 0, idx}
	reply, err := c.transact(cmdSPIMulti, body)
	if err != nil {
		return 0, err
	}
	if len(reply) < 4 {
		return 0, stk500.NewFrameError(stk500.FrameShortReply, "spi multi", nil)
	}
	return reply[3], nil
}

// CPUSignature recovers SIG1..SIG3 via three SPI_MULTI calls and looks
// the composed signature up in the shared registry.
func (c *Codec) CPUSignature() (stk500.CPU, error) {
	sig1, err := c.spiMulti(0)
	if err != nil {
		return stk500.CPU{}, err
	}
	sig2, err := c.spiMulti(1)
	if err != nil {
		return stk500.CPU{}, err
	}
	sig3, err := c.spiMulti(2)
	if err != nil {
		return stk500.CPU{}, err
	}
	cpu := stk500.Lookup(stk500.Signature(sig1, sig2, sig3))
	c.session.CPU = cpu
	return cpu, nil
}

// LoadAddress sends a 32-bit big-endian address. For flash the byte
// address is divided by 2 and the MSB's top bit is set to mark word
// addressing; EEPROM addresses are sent as-is.
func (c *Codec) LoadAddress(byteAddr uint32, flash bool) error {
	addr := byteAddr
	if flash {
		addr = (addr / 2) | 0x80000000
	}
	body := []byte{byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr)}
	_, err := c.transact(cmdLoadAddress, body)
	return err
}

// WriteMemory loads the address and programs buffer via
// PROGRAM_FLASH_ISP. The body is seven zero bytes (mode, delay, the
// three ISP command bytes, and two poll bytes, none of them used for a
// bulk page write) followed by data; stock bootloaders ignore those
// fields and only care about the length prefix and the data itself.
func (c *Codec) WriteMemory(buffer []byte, byteAddr uint32, flash bool) error {
	if err := c.LoadAddress(byteAddr, flash); err != nil {
		return err
	}
	body := make([]byte, 0, 9+len(buffer))
	body = append(body, byte(len(buffer)>>8), byte(len(buffer)&0xFF))
	body = append(body, 0, 0, 0, 0, 0, 0, 0) // mode, delay, cmd1-3, poll1-2
	body = append(body, buffer...)
	_, err := c.transact(cmdProgramFlashISP, body)
	return err
}

// ReadMemory loads the address and reads count bytes via
// READ_FLASH_ISP.
func (c *Codec) ReadMemory(byteAddr uint32, count int, flash bool) ([]byte, error) {
	if err := c.LoadAddress(byteAddr, flash); err != nil {
		return nil, err
	}
	body := []byte{byte(count >> 8), byte(count & 0xFF), 0x20}
	reply, err := c.transact(cmdReadFlashISP, body)
	if err != nil {
		return nil, err
	}
	if len(reply) < count+1 {
		return nil, stk500.NewFrameError(stk500.FrameShortReply, "read flash", nil)
	}
	return reply[:count], nil
}

// LeaveBootloader sends LEAVE_PROGMODE_ISP with zero pre/post delay.
func (c *Codec) LeaveBootloader() error {
	_, err := c.transact(cmdLeaveProgModeISP, []byte{0, 0})
	return err
}
