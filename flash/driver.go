// Package flash implements the open→sync→identify→program→verify→leave
// pipeline that drives a target through a full firmware update, reporting
// progress on a bounded event channel.
package flash

import (
	"sync/atomic"
	"time"

	"github.com/jjsch-dev/avrflash/programmer"
	"github.com/jjsch-dev/avrflash/stk500"
	"github.com/jjsch-dev/avrflash/transport"
	"github.com/sirupsen/logrus"
)

// Image is the sparse byte-image surface the driver reads pages from;
// hexfile.Image satisfies it.
type Image interface {
	MinAddress() uint32
	MaxAddress() uint32
	Slice(start uint32, size int) []byte
}

// eventBufferDepth bounds the mailbox per §5; oldest-dropped semantics
// are approximated with a non-blocking send for progress events and a
// blocking send (generous timeout) for terminal ones.
const eventBufferDepth = 100

const (
	sendTimeout = 2 * time.Second
)

// Session drives one flash operation end to end.
type Session struct {
	port     transport.Port
	prog     stk500.Programmer
	events   chan Event
	canceled int32
}

// Open opens the named port (or auto-detects one when name is empty),
// pulses reset, and constructs a Session bound to the chosen programmer
// dialect. Program and Dump close the port when they finish, and every
// failing step of Identify, Program and Dump closes it too; Close is for
// a caller that stops before reaching one of those.
func Open(name string, baud int, protocol string) (*Session, error) {
	if name == "" {
		detected, err := transport.AutoDetect()
		if err != nil {
			return nil, stageErr("open", err)
		}
		name = detected
	}
	port, err := transport.Open(name, baud)
	if err != nil {
		return nil, stageErr("open", err)
	}
	if err := transport.Reset(port); err != nil {
		port.Close()
		return nil, stageErr("open", err)
	}
	prog, err := programmer.Select(protocol, port)
	if err != nil {
		port.Close()
		return nil, stageErr("open", err)
	}
	return &Session{
		port:   port,
		prog:   prog,
		events: make(chan Event, eventBufferDepth),
	}, nil
}

// Events returns the channel progress and terminal events are delivered on.
func (s *Session) Events() <-chan Event { return s.events }

// Cancel requests the running pipeline stop at the next page boundary.
func (s *Session) Cancel() { atomic.StoreInt32(&s.canceled, 1) }

func (s *Session) canceledFlag() bool { return atomic.LoadInt32(&s.canceled) != 0 }

func (s *Session) sendProgress(ev Event) {
	select {
	case s.events <- ev:
	default:
		logrus.WithField("fraction", ev.Fraction).Debug("progress event dropped, channel full")
	}
}

func (s *Session) sendTerminal(ev Event) {
	select {
	case s.events <- ev:
	case <-time.After(sendTimeout):
	}
}

// Close releases the underlying port.
func (s *Session) Close() error {
	return s.port.Close()
}

// leaveAndClose is the best-effort cleanup every failure path runs
// before returning: attempt leave_bootloader (ignoring its own error)
// then close.
func (s *Session) leaveAndClose() {
	s.prog.LeaveBootloader()
	s.port.Close()
}

// Identify runs sync, board_request and cpu_signature, emitting
// BoardInfo and CpuInfo. It fails with UnsupportedCPUError when the
// signature has no known page geometry.
func (s *Session) Identify() (stk500.CPU, error) {
	if err := s.prog.Sync(); err != nil {
		s.leaveAndClose()
		return stk500.CPU{}, stageErr("sync", err)
	}
	if err := s.prog.BoardRequest(); err != nil {
		s.leaveAndClose()
		return stk500.CPU{}, stageErr("board_request", err)
	}
	sess := s.prog.Session()
	s.sendTerminal(Event{
		Kind:           EventBoardInfo,
		HWVersion:      sess.HWVersion,
		SWVersion:      sess.SWVersion(),
		ProgrammerName: sess.ProgrammerName,
	})

	cpu, err := s.prog.CPUSignature()
	if err != nil {
		s.leaveAndClose()
		return stk500.CPU{}, stageErr("cpu_signature", err)
	}
	if cpu.PageSizeBytes == 0 {
		s.leaveAndClose()
		return cpu, stageErr("cpu_signature", &programmer.UnsupportedCPUError{Signature: cpu.Name})
	}
	s.sendTerminal(Event{Kind: EventCPUInfo, CPUName: cpu.Name, PageSizeBytes: cpu.PageSizeBytes})
	return cpu, nil
}

// Program runs the full write+verify pipeline against image, using the
// page geometry from cpu. Every failure attempts leave_bootloader then
// close before returning.
func (s *Session) Program(image Image, cpu stk500.CPU) error {
	maxAddr := image.MaxAddress()
	pageSize := int(cpu.PageSizeBytes)

	for addr := uint32(0); addr < maxAddr; addr += uint32(pageSize) {
		if s.canceledFlag() {
			s.leaveAndClose()
			return stageErr("write", errCanceled)
		}
		buf := image.Slice(addr, pageSize)
		if err := s.prog.WriteMemory(buf, addr, true); err != nil {
			s.leaveAndClose()
			return stageErr("write", err)
		}
		s.sendProgress(Event{Kind: EventWriteProgress, Fraction: fraction(addr, maxAddr)})
	}

	for addr := uint32(0); addr < maxAddr; addr += uint32(pageSize) {
		if s.canceledFlag() {
			s.leaveAndClose()
			return stageErr("verify", errCanceled)
		}
		want := image.Slice(addr, pageSize)
		got, err := s.prog.ReadMemory(addr, pageSize, true)
		if err != nil {
			s.leaveAndClose()
			return stageErr("verify", err)
		}
		for i := range want {
			if want[i] != got[i] {
				s.leaveAndClose()
				return stageErr("verify", &VerifyFailedError{Addr: addr, Expected: want[i], Got: got[i]})
			}
		}
		s.sendProgress(Event{Kind: EventVerifyProgress, Fraction: fraction(addr, maxAddr)})
	}

	if err := s.prog.LeaveBootloader(); err != nil {
		s.port.Close()
		return stageErr("leave", err)
	}
	if err := s.port.Close(); err != nil {
		return stageErr("close", err)
	}
	s.sendTerminal(Event{Kind: EventDone, OK: true})
	return nil
}

// Dump reads the target's flash into a sparse address→byte map bounded
// by page_size × page_count, skipping the write and verify steps —
// the read-only mode the CLI's --read flag uses.
func (s *Session) Dump(cpu stk500.CPU) (map[uint32]byte, error) {
	pageSize := int(cpu.PageSizeBytes)
	total := int(cpu.PageSizeBytes) * int(cpu.FlashPageCount)

	out := make(map[uint32]byte, total)
	for addr := uint32(0); addr < uint32(total); addr += uint32(pageSize) {
		if s.canceledFlag() {
			s.leaveAndClose()
			return nil, stageErr("read", errCanceled)
		}
		data, err := s.prog.ReadMemory(addr, pageSize, true)
		if err != nil {
			s.leaveAndClose()
			return nil, stageErr("read", err)
		}
		for i, b := range data {
			out[addr+uint32(i)] = b
		}
		s.sendProgress(Event{Kind: EventVerifyProgress, Fraction: fraction(addr, uint32(total))})
	}

	if err := s.prog.LeaveBootloader(); err != nil {
		s.port.Close()
		return out, stageErr("leave", err)
	}
	if err := s.port.Close(); err != nil {
		return out, stageErr("close", err)
	}
	s.sendTerminal(Event{Kind: EventDone, OK: true})
	return out, nil
}

func fraction(addr, max uint32) float32 {
	if max == 0 {
		return 1
	}
	return float32(addr) / float32(max)
}

type cancelError string

func (e cancelError) Error() string { return string(e) }

const errCanceled = cancelError("canceled at page boundary")
