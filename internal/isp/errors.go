package isp

import (
	"fmt"

	"github.com/bigbag/gateway-ota/internal/protocol"
)

// StatusError indicates the programmer answered with a non-OK status.
type StatusError struct {
	Command byte
	Status  byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("command 0x%02X failed: status 0x%02X (%s)",
		e.Command, e.Status, protocol.StatusName(e.Status))
}

// VerifyError indicates a page read back differently from what was written.
type VerifyError struct {
	Page   int
	Offset int
	Want   byte
	Got    byte
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("page %d read-back mismatch at byte %d: wrote 0x%02X, read 0x%02X",
		e.Page, e.Offset, e.Want, e.Got)
}

// StateError indicates a command was issued in the wrong programmer state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}
