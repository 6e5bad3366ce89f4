// Package rawserial drives an AVR bootloader directly over a raw Linux
// tty device, bypassing a general-purpose serial library: open in raw
// mode at a bootloader baud rate, pulse DTR/RTS through the line's
// modem-control bits to reset the target, flush the reset banner out of
// the input queue, and read back exactly the bytes a codec asks for
// within a deadline. It exists alongside the go.bug.st/serial-backed
// transport package as a second, lower-level backend — useful where a
// full enumerating serial library is unavailable but a bare tty device
// node is.
package rawserial

import (
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Port is a raw Linux tty device opened for AVR bootloader traffic.
type Port struct {
	fd     int
	closed int32
}

// bootloaderBauds maps the two speeds stock AVR bootloaders answer at
// (57600 for ATmegaBOOT, 115200 for Optiboot/Wiring) onto the termios
// speed constants.
var bootloaderBauds = map[int]uint32{
	57600:  unix.B57600,
	115200: unix.B115200,
}

// resetPulse is the DTR/RTS hold time that drives an AVR target into
// its bootloader: the board's RC network turns an asserted DB-9 line
// into a low pulse on the MCU's reset pin.
const resetPulse = 50 * time.Millisecond

// OpenBootloaderPort opens name in raw mode at baud, 8 data bits, no
// parity, one stop bit — the framing every STK500 dialect assumes —
// ready for Reset and the STK500 sync handshake.
func OpenBootloaderPort(name string, baud int) (*Port, error) {
	speed, ok := bootloaderBauds[baud]
	if !ok {
		return nil, ErrUnsupportedBaud
	}
	p, err := openRaw(name)
	if err != nil {
		return nil, err
	}
	attrs, err := unix.IoctlGetTermios(p.fd, unix.TCGETS)
	if err != nil {
		p.Close()
		return nil, wrapErr("get attr", err)
	}
	makeRaw(attrs)
	attrs.Ispeed = speed
	attrs.Ospeed = speed
	attrs.Cflag |= unix.CREAD | unix.CLOCAL
	if err := unix.IoctlSetTermios(p.fd, unix.TCSETS, attrs); err != nil {
		p.Close()
		return nil, wrapErr("set attr", err)
	}
	return p, nil
}

// openRaw opens name non-blocking (so Open doesn't stall on carrier
// detect) and hands back a Port whose reads are then governed entirely
// by ReadExact's own deadline.
func openRaw(name string) (*Port, error) {
	fd, err := unix.Open(name, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, wrapErr("open "+name, err)
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err == nil {
		unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags&^unix.O_NONBLOCK)
	}
	return &Port{fd: fd}, nil
}

// makeRaw puts attrs into the same mode cfmakeraw sets: no echo, no
// signal generation, no line-discipline processing, and byte-at-a-time
// reads with no inter-byte timeout (ReadExact supplies its own).
func makeRaw(attrs *unix.Termios) {
	attrs.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	attrs.Oflag &^= unix.OPOST
	attrs.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	attrs.Cflag &^= unix.CSIZE | unix.PARENB
	attrs.Cflag |= unix.CS8
	attrs.Cc[unix.VMIN] = 1
	attrs.Cc[unix.VTIME] = 0
}

// Close releases the underlying file descriptor. Safe to call more than once.
func (p *Port) Close() error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}
	return wrapErr("close", unix.Close(p.fd))
}

// Write sends data to the target.
func (p *Port) Write(data []byte) (int, error) {
	n, err := unix.Write(p.fd, data)
	if err != nil {
		return n, wrapErr("write", err)
	}
	return n, nil
}

// ReadExact blocks for up to timeout trying to fill buf completely,
// polling the descriptor between reads so a silent or slow bootloader
// can't hang the caller past its deadline.
func (p *Port) ReadExact(buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	total := 0
	for total < len(buf) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return total, wrapErr("", ErrTimeout)
		}
		fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(remaining.Milliseconds()))
		if err != nil {
			return total, wrapErr("poll", err)
		}
		if n == 0 {
			return total, wrapErr("", ErrTimeout)
		}
		m, err := unix.Read(p.fd, buf[total:])
		if err != nil {
			return total, wrapErr("read", err)
		}
		if m == 0 {
			return total, wrapErr("", ErrTimeout)
		}
		total += m
	}
	return total, nil
}

// FlushInput discards bytes already received but not yet read, so reset
// banner noise from the bootloader doesn't get fed into the next sync
// attempt.
func (p *Port) FlushInput() error {
	return wrapErr("flush input", unix.IoctlSetInt(p.fd, unix.TCFLSH, unix.TCIFLUSH))
}

// Reset pulses DTR and RTS low for resetPulse, releases them, and waits
// again before the caller flushes the reset banner out of the input
// queue — the sequence STK500 bootloaders rely on to start listening.
func (p *Port) Reset() error {
	if err := p.setModemBits(unix.TIOCMBIS, unix.TIOCM_DTR|unix.TIOCM_RTS); err != nil {
		return wrapErr("assert dtr/rts", err)
	}
	time.Sleep(resetPulse)
	if err := p.setModemBits(unix.TIOCMBIC, unix.TIOCM_DTR|unix.TIOCM_RTS); err != nil {
		return wrapErr("release dtr/rts", err)
	}
	time.Sleep(resetPulse)
	return nil
}

// SetDTR drives the DTR modem line independently of Reset, for callers
// that manage reset timing themselves.
func (p *Port) SetDTR(on bool) error {
	return p.setModemLine(unix.TIOCM_DTR, on, "dtr")
}

// SetRTS drives the RTS modem line independently of Reset.
func (p *Port) SetRTS(on bool) error {
	return p.setModemLine(unix.TIOCM_RTS, on, "rts")
}

func (p *Port) setModemLine(bit int, on bool, name string) error {
	op := unix.TIOCMBIC
	verb := "clear "
	if on {
		op = unix.TIOCMBIS
		verb = "set "
	}
	return wrapErr(verb+name, p.setModemBits(op, bit))
}

func (p *Port) setModemBits(op uint, bits int) error {
	return unix.IoctlSetPointerInt(p.fd, op, bits)
}

// modemLines reads the current state of the modem-control lines
// (TIOCM_DTR, TIOCM_RTS, …), used by tests to confirm Reset released
// what it asserted.
func (p *Port) modemLines() (int, error) {
	return unix.IoctlGetInt(p.fd, unix.TIOCMGET)
}

// ptsName resolves the /dev/pts/N path for a pseudoterminal opened
// against /dev/ptmx, given the master's assigned unit number.
func ptsName(n int) string {
	return "/dev/pts/" + strconv.Itoa(n)
}
