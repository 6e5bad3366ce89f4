package transport

import (
	"time"

	"go.bug.st/serial"
)

const (
	// defaultTimeout is the 1000ms steady-state read timeout from §5.
	defaultTimeout = time.Second
	resetPulse     = 50 * time.Millisecond
)

// serialPort adapts go.bug.st/serial to the Port interface. Its
// enumerator sub-package surfaces USB VID/PID per port, which
// auto-detect needs to pick out a bootloader adapter without an
// explicit device path.
type serialPort struct {
	port    serial.Port
	name    string
	timeout time.Duration
}

// Open opens name at baud with 8 data bits, no parity, one stop bit — the
// framing every stock AVR bootloader assumes.
func Open(name string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, wrapErr(KindOpenFailed, "open "+name, err)
	}
	if err := p.SetReadTimeout(defaultTimeout); err != nil {
		p.Close()
		return nil, wrapErr(KindOpenFailed, "set read timeout", err)
	}
	return &serialPort{port: p, name: name, timeout: defaultTimeout}, nil
}

func (s *serialPort) Write(data []byte) (int, error) {
	n, err := s.port.Write(data)
	if err != nil {
		return n, wrapErr(KindIoError, "write", err)
	}
	return n, nil
}

func (s *serialPort) SetTimeout(timeout time.Duration) {
	s.timeout = timeout
	s.port.SetReadTimeout(timeout)
}

func (s *serialPort) ReadExact(buf []byte, timeout time.Duration) (int, error) {
	if timeout != s.timeout {
		s.port.SetReadTimeout(timeout)
		defer s.port.SetReadTimeout(s.timeout)
	}
	deadline := time.Now().Add(timeout)
	total := 0
	for total < len(buf) {
		if time.Now().After(deadline) {
			return total, ErrTimeout
		}
		n, err := s.port.Read(buf[total:])
		if err != nil {
			return total, wrapErr(KindIoError, "read", err)
		}
		if n == 0 {
			return total, ErrTimeout
		}
		total += n
	}
	return total, nil
}

func (s *serialPort) FlushInput() error {
	return wrapErr(KindIoError, "flush input", s.port.ResetInputBuffer())
}

func (s *serialPort) SetDTR(on bool) error {
	return wrapErr(KindIoError, "set dtr", s.port.SetDTR(on))
}

func (s *serialPort) SetRTS(on bool) error {
	return wrapErr(KindIoError, "set rts", s.port.SetRTS(on))
}

func (s *serialPort) Close() error {
	return wrapErr(KindIoError, "close", s.port.Close())
}

// Reset drives the target through the DTR/RTS reset sequence §4.A
// specifies: assert both lines, hold for resetPulse, release, wait
// again, then flush whatever reset-banner noise landed in the input
// queue. Failing to flush leaves bootloader chatter in the buffer and
// breaks the first sync attempt.
func Reset(p Port) error {
	if err := p.SetDTR(true); err != nil {
		return err
	}
	if err := p.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(resetPulse)
	if err := p.SetDTR(false); err != nil {
		return err
	}
	if err := p.SetRTS(false); err != nil {
		return err
	}
	time.Sleep(resetPulse)
	return p.FlushInput()
}
