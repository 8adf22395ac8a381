package protocol

import "time"

// ATmega2560 flash geometry
const (
	PageSize      = 256
	WordsPerPage  = PageSize / 2
	FlashSize     = 256 * 1024
	ExtendedAddr  = 1 << 31
	DefaultBaud   = 115200
	SignatureByte = 0x1E
)

// Command timeouts
const (
	SignOnTimeout  = 200 * time.Millisecond
	FlashTimeout   = 5 * time.Second
	DefaultTimeout = 1 * time.Second
)

// Timeouts maps a command id to how long to wait for its answer.
type Timeouts struct {
	SignOn  time.Duration
	Flash   time.Duration
	Default time.Duration
}

// DefaultTimeouts returns the programmer's documented timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		SignOn:  SignOnTimeout,
		Flash:   FlashTimeout,
		Default: DefaultTimeout,
	}
}

// For returns the timeout for cmd.
func (t Timeouts) For(cmd byte) time.Duration {
	switch cmd {
	case CmdSignOn:
		return t.SignOn
	case CmdProgramFlashISP, CmdReadFlashISP:
		return t.Flash
	default:
		return t.Default
	}
}
