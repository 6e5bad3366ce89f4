package flash

import "fmt"

// FlashError is the single error type the driver returns, tagging the
// pipeline stage a lower-layer failure surfaced at (open, sync,
// board_request, cpu_signature, write, verify, read, leave, close).
type FlashError struct {
	Stage string
	Err   error
}

func (e *FlashError) Error() string {
	return fmt.Sprintf("error, %s: %v", e.Stage, e.Err)
}

func (e *FlashError) Unwrap() error { return e.Err }

func stageErr(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &FlashError{Stage: stage, Err: err}
}

// VerifyFailedError reports a byte-for-byte mismatch found during the
// verify loop.
type VerifyFailedError struct {
	Addr          uint32
	Expected, Got byte
}

func (e *VerifyFailedError) Error() string {
	return fmt.Sprintf("verify failed at 0x%06X: expected 0x%02X, got 0x%02X", e.Addr, e.Expected, e.Got)
}
