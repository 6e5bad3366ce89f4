package stk500

// Programmer is the unified surface both STK500 dialects implement; the
// flash driver is written against this interface, never against a
// dialect directly.
type Programmer interface {
	Sync() error
	BoardRequest() error
	CPUSignature() (CPU, error)
	LoadAddress(byteAddr uint32, flash bool) error
	WriteMemory(buffer []byte, byteAddr uint32, flash bool) error
	ReadMemory(byteAddr uint32, count int, flash bool) ([]byte, error)
	LeaveBootloader() error

	// Session exposes the shared state populated by the calls above
	// (versions, programmer name, CPU descriptor).
	Session() *Session
}

// FrameKind tags the framing error taxonomy a codec can fail with.
type FrameKind int

const (
	FrameBadSync FrameKind = iota
	FrameBadTerminator
	FrameBadHeader
	FrameBadChecksum
	FrameBadSequence
	FrameShortReply
	FrameTimeout
	FrameStatusNotOK
)

func (k FrameKind) String() string {
	switch k {
	case FrameBadSync:
		return "bad sync"
	case FrameBadTerminator:
		return "bad terminator"
	case FrameBadHeader:
		return "bad header"
	case FrameBadChecksum:
		return "bad checksum"
	case FrameBadSequence:
		return "bad sequence"
	case FrameShortReply:
		return "short reply"
	case FrameTimeout:
		return "timeout"
	case FrameStatusNotOK:
		return "status not ok"
	default:
		return "unknown"
	}
}

// FrameError is what both codecs return for malformed or out-of-sync
// replies.
type FrameError struct {
	Kind FrameKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
	}
	if e.Msg != "" {
		return e.Kind.String() + ": " + e.Msg
	}
	return e.Kind.String()
}

func (e *FrameError) Unwrap() error { return e.Err }

func newFrameErr(kind FrameKind, msg string, err error) error {
	return &FrameError{Kind: kind, Msg: msg, Err: err}
}

// NewFrameError is exported for the v1/v2 subpackages, which live
// outside this package to keep each dialect's framing private.
func NewFrameError(kind FrameKind, msg string, err error) error {
	return newFrameErr(kind, msg, err)
}
