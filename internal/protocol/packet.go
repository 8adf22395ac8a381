package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame errors
var (
	ErrBadStart    = errors.New("message start byte not found")
	ErrBadToken    = errors.New("token byte not found")
	ErrBadLength   = errors.New("invalid body length")
	ErrBadChecksum = errors.New("checksum mismatch")
)

// Message is one STK500v2 frame: header, body and checksum.
// The same layout is used in both directions.
type Message struct {
	buf []byte
}

// NewMessage creates a message with the given sequence id and body.
func NewMessage(seq byte, body []byte) (*Message, error) {
	if len(body) == 0 || len(body) > MaxBodySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadLength, len(body))
	}

	buf := make([]byte, HeaderSize+len(body))
	buf[0] = MessageStart
	buf[1] = seq
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(body)))
	buf[4] = Token
	copy(buf[HeaderSize:], body)

	return &Message{buf: buf}, nil
}

// Seq returns the sequence id.
func (m *Message) Seq() byte {
	return m.buf[1]
}

// BodyLen returns the declared body length.
func (m *Message) BodyLen() int {
	return int(binary.BigEndian.Uint16(m.buf[2:4]))
}

// Body returns the message body.
func (m *Message) Body() []byte {
	return m.buf[HeaderSize:]
}

// Command returns the command id, or the answer id of a response.
func (m *Message) Command() byte {
	return m.buf[HeaderSize]
}

// Status returns the status byte of a response.
// Responses without a status byte report StatusCmdFailed.
func (m *Message) Status() byte {
	if len(m.buf) < HeaderSize+2 {
		return StatusCmdFailed
	}
	return m.buf[HeaderSize+1]
}

// IsSuccess returns true if the response carries StatusCmdOK.
func (m *Message) IsSuccess() bool {
	return m.Status() == StatusCmdOK
}

// Checksum computes the XOR of every header and body byte.
func (m *Message) Checksum() byte {
	return checksum(m.buf)
}

// Encode serializes the message with its checksum.
func (m *Message) Encode() []byte {
	out := make([]byte, len(m.buf)+1)
	copy(out, m.buf)
	out[len(m.buf)] = m.Checksum()
	return out
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}

// DecodeMessage parses a complete frame including the checksum byte.
func DecodeMessage(frame []byte) (*Message, error) {
	if len(frame) < HeaderSize+2 {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrBadLength, len(frame))
	}
	if frame[0] != MessageStart {
		return nil, fmt.Errorf("%w: got 0x%02X", ErrBadStart, frame[0])
	}
	if frame[4] != Token {
		return nil, fmt.Errorf("%w: got 0x%02X", ErrBadToken, frame[4])
	}

	size := int(binary.BigEndian.Uint16(frame[2:4]))
	if size == 0 || size > MaxBodySize || len(frame) != HeaderSize+size+1 {
		return nil, fmt.Errorf("%w: declared %d, frame %d bytes", ErrBadLength, size, len(frame))
	}

	last := len(frame) - 1
	if got, want := frame[last], checksum(frame[:last]); got != want {
		return nil, fmt.Errorf("%w: got 0x%02X, want 0x%02X", ErrBadChecksum, got, want)
	}

	buf := make([]byte, last)
	copy(buf, frame[:last])
	return &Message{buf: buf}, nil
}

// ReadFrame extracts the first complete frame from a byte stream.
// It returns a nil frame and the untouched data while the frame is incomplete.
// Data that cannot start a frame is an error.
func ReadFrame(data []byte) (frame []byte, remaining []byte, err error) {
	if len(data) == 0 {
		return nil, data, nil
	}
	if data[0] != MessageStart {
		return nil, data, fmt.Errorf("%w: got 0x%02X", ErrBadStart, data[0])
	}
	if len(data) < HeaderSize {
		return nil, data, nil
	}
	if data[4] != Token {
		return nil, data, fmt.Errorf("%w: got 0x%02X", ErrBadToken, data[4])
	}

	size := int(binary.BigEndian.Uint16(data[2:4]))
	if size == 0 || size > MaxBodySize {
		return nil, data, fmt.Errorf("%w: declared %d", ErrBadLength, size)
	}

	total := HeaderSize + size + 1
	if len(data) < total {
		return nil, data, nil
	}
	return data[:total], data[total:], nil
}

// SignOnBody returns the body of CmdSignOn.
func SignOnBody() []byte {
	return []byte{CmdSignOn}
}

// ParseSignOn extracts the programmer signature from a sign-on answer.
func ParseSignOn(body []byte) (string, error) {
	if len(body) < 3 {
		return "", fmt.Errorf("%w: sign-on answer of %d bytes", ErrBadLength, len(body))
	}
	n := int(body[2])
	if len(body) != 3+n {
		return "", fmt.Errorf("%w: signature length %d, body %d bytes", ErrBadLength, n, len(body))
	}
	return string(body[3:]), nil
}

// LoadAddressBody returns the body of CmdLoadAddress for a word address.
// The top bit selects extended addressing so flash above 128 KiB is reachable.
func LoadAddressBody(wordAddr uint32) []byte {
	body := make([]byte, 5)
	body[0] = CmdLoadAddress
	binary.BigEndian.PutUint32(body[1:], wordAddr|ExtendedAddr)
	return body
}

// EnterProgModeBody returns the body of CmdEnterProgModeISP.
func EnterProgModeBody() []byte {
	return []byte{
		CmdEnterProgModeISP,
		200,  // timeout
		100,  // stabDelay
		25,   // cmdexeDelay
		32,   // synchLoops
		0,    // byteDelay
		0x53, // pollValue
		3,    // pollIndex
		0xAC, 0x53, 0x00, 0x00,
	}
}

// LeaveProgModeBody returns the body of CmdLeaveProgModeISP.
func LeaveProgModeBody() []byte {
	return []byte{CmdLeaveProgModeISP, 1, 1}
}

// ProgramFlashBody returns the body of CmdProgramFlashISP for one page.
func ProgramFlashBody(data []byte) []byte {
	body := make([]byte, 10+len(data))
	body[0] = CmdProgramFlashISP
	binary.BigEndian.PutUint16(body[1:3], uint16(len(data)))
	body[3] = 0xC1 // page mode, write page, wait by delay
	body[4] = 10   // delay in ms
	body[5] = 0x40 // load program memory page
	body[6] = 0x4C // write program memory page
	body[7] = 0x20 // read program memory
	body[8] = 0x00
	body[9] = 0x00
	copy(body[10:], data)
	return body
}

// ReadFlashBody returns the body of CmdReadFlashISP.
func ReadFlashBody(n uint16) []byte {
	body := make([]byte, 4)
	body[0] = CmdReadFlashISP
	binary.BigEndian.PutUint16(body[1:3], n)
	body[3] = 0x20
	return body
}

// ReadFlashAnswerSize is the body length of a read answer carrying n bytes.
func ReadFlashAnswerSize(n int) int {
	return n + 3
}

// ReadSignatureBody returns the body of CmdReadSignatureISP for one byte.
func ReadSignatureBody(index byte) []byte {
	return []byte{CmdReadSignatureISP, 4, 0x30, 0x00, index, 0x00}
}

// GetParameterBody returns the body of CmdGetParameter.
func GetParameterBody(param byte) []byte {
	return []byte{CmdGetParameter, param}
}
