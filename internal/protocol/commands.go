package protocol

// STK500v2 general commands
const (
	CmdSignOn       = 0x01
	CmdGetParameter = 0x03
	CmdLoadAddress  = 0x06
)

// STK500v2 ISP commands
const (
	CmdEnterProgModeISP = 0x10
	CmdLeaveProgModeISP = 0x11
	CmdProgramFlashISP  = 0x13
	CmdReadFlashISP     = 0x14
	CmdReadSignatureISP = 0x1B
)

// Frame bytes
const (
	MessageStart = 0x1B
	Token        = 0x0E
)

// Frame layout
const (
	HeaderSize  = 5
	MaxBodySize = 275
)

// Status codes
const (
	StatusCmdOK           = 0x00
	StatusCmdTimeout      = 0x80
	StatusRdyBsyTimeout   = 0x81
	StatusSetParamMissing = 0x82
	StatusCmdFailed       = 0xC0
	StatusChecksumError   = 0xC1
	StatusCmdUnknown      = 0xC9
	AnswerChecksumError   = 0xB0
)

// Parameters readable with CmdGetParameter
const (
	ParamHWVersion = 0x90
	ParamSWMajor   = 0x91
	ParamSWMinor   = 0x92
)

// SignOnSignature is returned by a programmer in answer to CmdSignOn.
const SignOnSignature = "AVRISP_2"

// StatusName returns the name of a status code.
func StatusName(code byte) string {
	switch code {
	case StatusCmdOK:
		return "command ok"
	case StatusCmdTimeout:
		return "command timeout"
	case StatusRdyBsyTimeout:
		return "ready/busy timeout"
	case StatusSetParamMissing:
		return "set parameter missing"
	case StatusCmdFailed:
		return "command failed"
	case StatusChecksumError:
		return "checksum error"
	case StatusCmdUnknown:
		return "unknown command"
	case AnswerChecksumError:
		return "answer checksum error"
	default:
		return "unknown status"
	}
}

// IsWarning reports whether code is in the warning range.
func IsWarning(code byte) bool {
	return code >= 0x80 && code < 0xC0
}
