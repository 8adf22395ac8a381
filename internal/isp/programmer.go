// Package isp drives an STK500v2 boot programmer to rewrite the secondary
// controller's flash one page at a time.
//
// Commands are strictly sequential. A command that times out or receives a
// bad answer fails without retrying; the caller owns retry policy.
package isp

import (
	"bytes"
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bigbag/gateway-ota/internal/fault"
	"github.com/bigbag/gateway-ota/internal/hexrec"
	"github.com/bigbag/gateway-ota/internal/protocol"
)

// Port is the serial link to the programmer.
type Port interface {
	Write(data []byte) (int, error)
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	Flush() error
}

// Resetter is implemented by ports that can restart the target into its bootloader.
type Resetter interface {
	ResetTarget() error
}

// State is the programmer session state.
type State int

const (
	StateIdle State = iota
	StateSignedOn
	StateProgramming
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSignedOn:
		return "signed on"
	case StateProgramming:
		return "programming"
	case StateLeft:
		return "left programming mode"
	default:
		return "unknown"
	}
}

// Programmer handles one session with the secondary controller's boot programmer.
type Programmer struct {
	port  Port
	cfg   Config
	seq   byte
	state State
	rx    []byte
}

// New creates a new Programmer for the given port.
func New(port Port, opts ...Option) *Programmer {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Programmer{port: port, cfg: cfg}
}

// SetProgressCallback sets the progress callback function.
func (p *Programmer) SetProgressCallback(cb ProgressCallback) {
	p.cfg.Progress = cb
}

func (p *Programmer) reportProgress(current, total int) {
	if p.cfg.Progress != nil {
		p.cfg.Progress(current, total)
	}
}

// State returns the current session state.
func (p *Programmer) State() State {
	return p.state
}

// Seq returns the sequence id the next command will carry.
func (p *Programmer) Seq() byte {
	return p.seq
}

// Connect resets the target if the port supports it, signs on and enters
// programming mode.
func (p *Programmer) Connect(ctx context.Context) error {
	if r, ok := p.port.(Resetter); ok {
		if err := r.ResetTarget(); err != nil {
			return fault.Wrap(fault.Transport, "reset target", err)
		}
		p.state = StateIdle
		p.rx = nil
	}

	if _, err := p.SignOn(ctx); err != nil {
		return fmt.Errorf("failed to sign on: %w", err)
	}
	if err := p.EnterProgrammingMode(ctx); err != nil {
		return fmt.Errorf("failed to enter programming mode: %w", err)
	}
	return nil
}

// SignOn identifies the programmer and returns its signature.
func (p *Programmer) SignOn(ctx context.Context) (string, error) {
	if p.state == StateProgramming {
		return "", &StateError{Op: "sign on", State: p.state}
	}

	resp, err := p.transact(ctx, "sign on", protocol.SignOnBody())
	if err != nil {
		return "", err
	}

	sig, err := protocol.ParseSignOn(resp.Body())
	if err != nil {
		return "", fault.Wrap(fault.Framing, "sign on", err)
	}
	if sig != protocol.SignOnSignature {
		return "", fault.New(fault.Device, "sign on", "unexpected programmer signature %q", sig)
	}

	p.state = StateSignedOn
	return sig, nil
}

// EnterProgrammingMode puts the target into ISP programming mode.
func (p *Programmer) EnterProgrammingMode(ctx context.Context) error {
	if p.state != StateSignedOn && p.state != StateLeft {
		return &StateError{Op: "enter programming mode", State: p.state}
	}
	if _, err := p.transact(ctx, "enter programming mode", protocol.EnterProgModeBody()); err != nil {
		return err
	}
	p.state = StateProgramming
	return nil
}

// LeaveProgrammingMode releases the target so it can run the new firmware.
func (p *Programmer) LeaveProgrammingMode(ctx context.Context) error {
	if p.state != StateProgramming {
		return &StateError{Op: "leave programming mode", State: p.state}
	}
	if _, err := p.transact(ctx, "leave programming mode", protocol.LeaveProgModeBody()); err != nil {
		return err
	}
	p.state = StateLeft
	return nil
}

// LoadAddress sets the programmer's word address for the next flash access.
func (p *Programmer) LoadAddress(ctx context.Context, wordAddr uint32) error {
	if p.state != StateProgramming {
		return &StateError{Op: "load address", State: p.state}
	}
	_, err := p.transact(ctx, "load address", protocol.LoadAddressBody(wordAddr))
	return err
}

// ProgramFlashISP writes one sealed page at the loaded address.
func (p *Programmer) ProgramFlashISP(ctx context.Context, page *hexrec.Page) error {
	if p.state != StateProgramming {
		return &StateError{Op: "program flash", State: p.state}
	}
	if page.Size != hexrec.PageSize {
		return fault.New(fault.Format, "program flash", "page holds %d bytes, want %d", page.Size, hexrec.PageSize)
	}
	_, err := p.transact(ctx, "program flash", protocol.ProgramFlashBody(page.Data[:]))
	return err
}

// ReadFlashISP reads length bytes at the loaded address into page.
func (p *Programmer) ReadFlashISP(ctx context.Context, length int, page *hexrec.Page) error {
	if p.state != StateProgramming {
		return &StateError{Op: "read flash", State: p.state}
	}
	if length <= 0 || length > hexrec.PageSize {
		return fault.New(fault.Format, "read flash", "invalid length %d", length)
	}

	resp, err := p.transact(ctx, "read flash", protocol.ReadFlashBody(uint16(length)))
	if err != nil {
		return err
	}

	body := resp.Body()
	if want := protocol.ReadFlashAnswerSize(length); len(body) != want {
		return fault.New(fault.Framing, "read flash", "answer body of %d bytes, want %d", len(body), want)
	}
	if status := body[len(body)-1]; status != protocol.StatusCmdOK {
		return fault.Wrap(fault.Device, "read flash", &StatusError{Command: protocol.CmdReadFlashISP, Status: status})
	}

	page.Size = copy(page.Data[:], body[2:2+length])
	return nil
}

// ReadSignature reads the three device signature bytes.
func (p *Programmer) ReadSignature(ctx context.Context) ([3]byte, error) {
	var sig [3]byte
	if p.state != StateProgramming {
		return sig, &StateError{Op: "read signature", State: p.state}
	}
	for i := range sig {
		resp, err := p.transact(ctx, "read signature", protocol.ReadSignatureBody(byte(i)))
		if err != nil {
			return sig, err
		}
		if len(resp.Body()) != 4 {
			return sig, fault.New(fault.Framing, "read signature", "answer body of %d bytes, want 4", len(resp.Body()))
		}
		sig[i] = resp.Body()[2]
	}
	return sig, nil
}

// GetParameter reads one programmer parameter, such as its firmware version.
func (p *Programmer) GetParameter(ctx context.Context, param byte) (byte, error) {
	if p.state == StateIdle {
		return 0, &StateError{Op: "get parameter", State: p.state}
	}
	resp, err := p.transact(ctx, "get parameter", protocol.GetParameterBody(param))
	if err != nil {
		return 0, err
	}
	if len(resp.Body()) != 3 {
		return 0, fault.New(fault.Framing, "get parameter", "answer body of %d bytes, want 3", len(resp.Body()))
	}
	return resp.Body()[2], nil
}

// WritePage programs page at the given page index and verifies it by reading
// it back. A read-back difference is an integrity error.
func (p *Programmer) WritePage(ctx context.Context, index int, page *hexrec.Page) error {
	addr := uint32(index) * protocol.WordsPerPage
	if err := p.LoadAddress(ctx, addr); err != nil {
		return err
	}
	if err := p.ProgramFlashISP(ctx, page); err != nil {
		return err
	}

	// The programmer advances its address after a write; reload before reading.
	if err := p.LoadAddress(ctx, addr); err != nil {
		return err
	}
	var readBack hexrec.Page
	if err := p.ReadFlashISP(ctx, hexrec.PageSize, &readBack); err != nil {
		return err
	}

	if !bytes.Equal(readBack.Data[:], page.Data[:]) {
		for i := range page.Data {
			if readBack.Data[i] != page.Data[i] {
				return fault.Wrap(fault.Integrity, "verify page", &VerifyError{
					Page: index, Offset: i, Want: page.Data[i], Got: readBack.Data[i],
				})
			}
		}
	}

	p.cfg.Logger.WithFields(log.Fields{
		"page": index,
		"addr": fmt.Sprintf("0x%05X", addr),
	}).Debug("page written and verified")
	return nil
}

// FlashPages writes and verifies pages starting at page index 0.
func (p *Programmer) FlashPages(ctx context.Context, pages []hexrec.Page) error {
	for i := range pages {
		if err := p.WritePage(ctx, i, &pages[i]); err != nil {
			return fmt.Errorf("page %d: %w", i, err)
		}
		p.reportProgress(i+1, len(pages))
	}
	return nil
}

// transact sends one command and validates its answer.
func (p *Programmer) transact(ctx context.Context, op string, body []byte) (*protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req, err := protocol.NewMessage(p.seq, body)
	if err != nil {
		return nil, fault.Wrap(fault.Format, op, err)
	}

	// Stale bytes belong to an earlier command that already failed.
	p.rx = nil
	if err := p.port.Flush(); err != nil {
		return nil, fault.Wrap(fault.Transport, op, err)
	}
	if _, err := p.port.Write(req.Encode()); err != nil {
		return nil, fault.Wrap(fault.Transport, op, err)
	}

	cmd := req.Command()
	resp, err := p.readResponse(op, p.cfg.Timeouts.For(cmd))
	if err != nil {
		return nil, err
	}

	if resp.Seq() != req.Seq() {
		return nil, fault.New(fault.Framing, op, "sequence id 0x%02X, want 0x%02X", resp.Seq(), req.Seq())
	}
	if resp.Command() != cmd {
		return nil, fault.New(fault.Framing, op, "answer id 0x%02X, want 0x%02X", resp.Command(), cmd)
	}
	if status := resp.Status(); status != protocol.StatusCmdOK {
		kind := fault.Device
		if status == protocol.StatusCmdTimeout || status == protocol.StatusRdyBsyTimeout {
			kind = fault.Timeout
		}
		return nil, fault.Wrap(kind, op, &StatusError{Command: cmd, Status: status})
	}

	p.cfg.Logger.WithFields(log.Fields{"cmd": fmt.Sprintf("0x%02X", cmd), "seq": req.Seq()}).Trace("command acknowledged")
	p.seq++
	return resp, nil
}

// readResponse reads and decodes one answer frame.
func (p *Programmer) readResponse(op string, timeout time.Duration) (*protocol.Message, error) {
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 512)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fault.New(fault.Timeout, op, "no answer within %v", timeout)
		}

		n, err := p.port.ReadWithTimeout(chunk, min(p.cfg.PollInterval, remaining))
		if n > 0 {
			p.rx = append(p.rx, chunk[:n]...)
		}
		if err != nil && n == 0 {
			return nil, fault.Wrap(fault.Transport, op, err)
		}

		frame, rest, err := protocol.ReadFrame(p.rx)
		if err != nil {
			p.rx = nil
			return nil, fault.Wrap(fault.Framing, op, err)
		}
		if frame == nil {
			continue
		}

		p.rx = rest
		msg, err := protocol.DecodeMessage(frame)
		if err != nil {
			return nil, fault.Wrap(fault.Framing, op, err)
		}
		return msg, nil
	}
}
