// Package isptest provides an in-memory STK500v2 boot programmer for tests.
package isptest

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"github.com/bigbag/gateway-ota/internal/protocol"
)

// Parameter values answered to CmdGetParameter.
var parameters = map[byte]byte{
	protocol.ParamHWVersion: 0x02,
	protocol.ParamSWMajor:   0x02,
	protocol.ParamSWMinor:   0x0A,
}

// Device simulates the secondary controller behind its boot programmer.
// It answers complete frames written to it and keeps a flash image.
type Device struct {
	mu sync.Mutex

	flash    []byte
	addr     uint32 // word address
	in       []byte
	out      []byte
	progMode bool
	commands []byte
	programs int
	resets   int

	signature string
	corrupt   map[int]int
	failNext  map[byte]byte
	drop      int
	badSeq    int
	maxWait   time.Duration
}

// NewDevice creates a device with erased flash.
func NewDevice() *Device {
	flash := bytes.Repeat([]byte{0xFF}, protocol.FlashSize)
	return &Device{
		flash:     flash,
		signature: protocol.SignOnSignature,
		corrupt:   make(map[int]int),
		failNext:  make(map[byte]byte),
		maxWait:   5 * time.Millisecond,
	}
}

// SetSignature changes the sign-on signature.
func (d *Device) SetSignature(sig string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signature = sig
}

// CorruptReadBack flips a byte of page index whenever that page is read.
func (d *Device) CorruptReadBack(page, offset int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.corrupt[page] = offset
}

// FailNext answers the next cmd with status instead of executing it.
func (d *Device) FailNext(cmd, status byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext[cmd] = status
}

// DropNext ignores the next n commands without answering.
func (d *Device) DropNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drop = n
}

// WrongSeqNext answers the next n commands with a wrong sequence id.
func (d *Device) WrongSeqNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.badSeq = n
}

// Page returns a copy of flash page index.
func (d *Device) Page(index int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := index * protocol.PageSize
	return append([]byte(nil), d.flash[start:start+protocol.PageSize]...)
}

// Commands returns the command ids received so far, in order.
func (d *Device) Commands() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.commands...)
}

// ProgramCount returns the number of pages programmed.
func (d *Device) ProgramCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.programs
}

// Resets returns the number of target resets.
func (d *Device) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// ResetTarget restarts the simulated bootloader.
func (d *Device) ResetTarget() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	d.addr = 0
	d.progMode = false
	d.in = nil
	d.out = nil
	return nil
}

// Flush discards pending answer bytes.
func (d *Device) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.out = nil
	return nil
}

// Write accepts request bytes and queues the answers.
func (d *Device) Write(data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.in = append(d.in, data...)
	for {
		frame, rest, err := protocol.ReadFrame(d.in)
		if err != nil {
			d.in = nil
			break
		}
		if frame == nil {
			break
		}
		d.in = rest

		msg, err := protocol.DecodeMessage(frame)
		if err != nil {
			d.reply(frame[1], []byte{protocol.AnswerChecksumError, protocol.StatusChecksumError})
			continue
		}
		d.handle(msg)
	}
	return len(data), nil
}

// ReadWithTimeout returns queued answer bytes. With nothing queued it waits
// briefly and returns 0 bytes, like a serial read that timed out.
func (d *Device) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	d.mu.Lock()
	if len(d.out) > 0 {
		n := copy(buf, d.out)
		d.out = d.out[n:]
		d.mu.Unlock()
		return n, nil
	}
	wait := min(timeout, d.maxWait)
	d.mu.Unlock()

	time.Sleep(wait)
	return 0, nil
}

func (d *Device) handle(msg *protocol.Message) {
	cmd := msg.Command()
	body := msg.Body()
	d.commands = append(d.commands, cmd)

	if d.drop > 0 {
		d.drop--
		return
	}
	seq := msg.Seq()
	if d.badSeq > 0 {
		d.badSeq--
		seq++
	}
	if status, ok := d.failNext[cmd]; ok {
		delete(d.failNext, cmd)
		d.reply(seq, []byte{cmd, status})
		return
	}

	switch cmd {
	case protocol.CmdSignOn:
		answer := []byte{cmd, protocol.StatusCmdOK, byte(len(d.signature))}
		d.reply(seq, append(answer, d.signature...))

	case protocol.CmdEnterProgModeISP:
		d.progMode = true
		d.reply(seq, []byte{cmd, protocol.StatusCmdOK})

	case protocol.CmdLeaveProgModeISP:
		d.progMode = false
		d.reply(seq, []byte{cmd, protocol.StatusCmdOK})

	case protocol.CmdLoadAddress:
		d.addr = binary.BigEndian.Uint32(body[1:5]) &^ protocol.ExtendedAddr
		d.reply(seq, []byte{cmd, protocol.StatusCmdOK})

	case protocol.CmdProgramFlashISP:
		if !d.progMode {
			d.reply(seq, []byte{cmd, protocol.StatusCmdFailed})
			return
		}
		n := int(binary.BigEndian.Uint16(body[1:3]))
		start := int(d.addr) * 2
		copy(d.flash[start:start+n], body[10:10+n])
		d.addr += uint32(n / 2)
		d.programs++
		d.reply(seq, []byte{cmd, protocol.StatusCmdOK})

	case protocol.CmdReadFlashISP:
		if !d.progMode {
			d.reply(seq, []byte{cmd, protocol.StatusCmdFailed})
			return
		}
		n := int(binary.BigEndian.Uint16(body[1:3]))
		start := int(d.addr) * 2
		data := append([]byte(nil), d.flash[start:start+n]...)
		if offset, ok := d.corrupt[start/protocol.PageSize]; ok && offset < n {
			data[offset] ^= 0xFF
		}
		d.addr += uint32(n / 2)
		answer := append([]byte{cmd, protocol.StatusCmdOK}, data...)
		d.reply(seq, append(answer, protocol.StatusCmdOK))

	case protocol.CmdReadSignatureISP:
		sig := []byte{protocol.SignatureByte, 0x98, 0x01}
		d.reply(seq, []byte{cmd, protocol.StatusCmdOK, sig[body[4]%3], protocol.StatusCmdOK})

	case protocol.CmdGetParameter:
		value, ok := parameters[body[1]]
		if !ok {
			d.reply(seq, []byte{cmd, protocol.StatusCmdFailed})
			return
		}
		d.reply(seq, []byte{cmd, protocol.StatusCmdOK, value})

	default:
		d.reply(seq, []byte{cmd, protocol.StatusCmdUnknown})
	}
}

func (d *Device) reply(seq byte, body []byte) {
	msg, err := protocol.NewMessage(seq, body)
	if err != nil {
		return
	}
	d.out = append(d.out, msg.Encode()...)
}
