// Package hexrec turns an Intel HEX text stream into 256-byte flash pages.
//
// Text may arrive in arbitrary fragments; a record split across two Parse
// calls is completed by the second call. Every record is validated before
// use: a bad character, length or record checksum fails the parse.
package hexrec

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/bigbag/gateway-ota/internal/fault"
)

// PageSize is the size of one flash page.
const PageSize = 256

// MaxImageSize bounds the address space a stream may cover.
const MaxImageSize = 256 * 1024

// Fill is written into page bytes the image does not cover.
const Fill = 0xFF

// EndRecord is the end of file record.
const EndRecord = ":00000001FF"

// Record types
const (
	recData            = 0x00
	recEOF             = 0x01
	recExtSegmentAddr  = 0x02
	recStartSegment    = 0x03
	recExtLinearAddr   = 0x04
	recStartLinearAddr = 0x05
)

// Status reports whether the parser holds unconsumed input.
type Status int

const (
	// StatusGood means every byte received so far is in a sealed page.
	StatusGood Status = iota

	// StatusMoreData means a partial record or partial page is pending.
	StatusMoreData
)

func (s Status) String() string {
	if s == StatusGood {
		return "good"
	}
	return "more data"
}

// Page is one flash page. Size is PageSize once the page is sealed.
type Page struct {
	Data [PageSize]byte
	Size int
}

// Snapshot is the parser state between two Parse calls.
type Snapshot struct {
	Pending string `json:"pending"`
	Partial []byte `json:"partial"`
	Base    uint32 `json:"base"`
	Offset  uint32 `json:"offset"`
	Line    int    `json:"line"`
	Done    bool   `json:"done"`
}

// Parser reassembles records into pages.
type Parser struct {
	pending []byte
	page    Page
	pages   []Page
	base    uint32
	offset  uint32
	line    int
	done    bool
	err     error
}

// New creates an empty parser.
func New() *Parser {
	return &Parser{}
}

// Parse consumes the next fragment of text.
// After an error the parser stays failed and returns the same error.
func (p *Parser) Parse(text string) (Status, error) {
	if p.err != nil {
		return StatusMoreData, p.err
	}

	p.pending = append(p.pending, text...)
	for {
		i := bytes.IndexAny(p.pending, "\r\n")
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(p.pending[:i])
		p.pending = p.pending[i+1:]
		if len(line) == 0 {
			continue
		}
		p.line++
		if err := p.record(line); err != nil {
			p.err = err
			return StatusMoreData, err
		}
	}

	// The end record is commonly the last bytes of the stream without a newline.
	if tail := bytes.TrimSpace(p.pending); !p.done && string(tail) == EndRecord {
		p.line++
		p.finish()
		p.pending = p.pending[:0]
	}
	if p.done && len(bytes.TrimSpace(p.pending)) > 0 {
		p.err = p.errorf("data after end of file record")
		return StatusMoreData, p.err
	}
	if p.done {
		p.pending = p.pending[:0]
	}

	if len(p.pending) > 0 || p.page.Size > 0 {
		return StatusMoreData, nil
	}
	return StatusGood, nil
}

// Finished reports whether the end of file record has been seen.
func (p *Parser) Finished() bool {
	return p.done
}

// Offset returns the number of address space bytes consumed so far.
func (p *Parser) Offset() uint32 {
	return p.offset
}

// PageCount returns the number of sealed pages waiting to be taken.
func (p *Parser) PageCount() int {
	return len(p.pages)
}

// Page returns the i-th sealed page.
func (p *Parser) Page(i int) *Page {
	if i < 0 || i >= len(p.pages) {
		return nil
	}
	return &p.pages[i]
}

// RemovePage drops the oldest sealed page.
func (p *Parser) RemovePage() {
	if len(p.pages) == 0 {
		return
	}
	p.pages[0] = Page{}
	p.pages = p.pages[1:]
}

// Drain returns and removes every sealed page.
func (p *Parser) Drain() []Page {
	pages := p.pages
	p.pages = nil
	return pages
}

// Snapshot captures the parser state. Sealed pages are not included.
func (p *Parser) Snapshot() Snapshot {
	return Snapshot{
		Pending: string(p.pending),
		Partial: append([]byte(nil), p.page.Data[:p.page.Size]...),
		Base:    p.base,
		Offset:  p.offset,
		Line:    p.line,
		Done:    p.done,
	}
}

// Restore replaces the parser state with s.
func (p *Parser) Restore(s Snapshot) error {
	if len(s.Partial) >= PageSize {
		return fault.New(fault.Format, "restore parser", "partial page of %d bytes", len(s.Partial))
	}
	*p = Parser{
		pending: []byte(s.Pending),
		base:    s.Base,
		offset:  s.Offset,
		line:    s.Line,
		done:    s.Done,
	}
	p.page.Size = copy(p.page.Data[:], s.Partial)
	return nil
}

func (p *Parser) record(line []byte) error {
	if p.done {
		return p.errorf("data after end of file record")
	}
	if line[0] != ':' {
		return p.errorf("record does not start with ':'")
	}

	raw, err := hex.DecodeString(string(line[1:]))
	if err != nil {
		return p.errorf("%v", err)
	}
	if len(raw) < 5 {
		return p.errorf("record too short")
	}
	n := int(raw[0])
	if len(raw) != n+5 {
		return p.errorf("byte count %d does not match record length", n)
	}

	var sum byte
	for _, b := range raw {
		sum += b
	}
	if sum != 0 {
		return p.errorf("record checksum mismatch")
	}

	data := raw[4 : 4+n]
	switch raw[3] {
	case recData:
		addr := p.base + uint32(binary.BigEndian.Uint16(raw[1:3]))
		return p.write(addr, data)
	case recEOF:
		p.finish()
	case recExtSegmentAddr:
		if n != 2 {
			return p.errorf("extended segment address record with %d bytes", n)
		}
		p.base = uint32(binary.BigEndian.Uint16(data)) << 4
	case recExtLinearAddr:
		if n != 2 {
			return p.errorf("extended linear address record with %d bytes", n)
		}
		p.base = uint32(binary.BigEndian.Uint16(data)) << 16
	case recStartSegment, recStartLinearAddr:
	default:
		return p.errorf("unknown record type 0x%02X", raw[3])
	}
	return nil
}

func (p *Parser) write(addr uint32, data []byte) error {
	if addr < p.offset {
		return p.errorf("address 0x%X overlaps previous data at 0x%X", addr, p.offset)
	}
	end := uint64(addr) + uint64(len(data))
	if end > MaxImageSize {
		return fault.New(fault.Capacity, "parse hex", "line %d: image exceeds %d bytes", p.line, MaxImageSize)
	}

	for p.offset < addr {
		p.put(Fill)
	}
	for _, b := range data {
		p.put(b)
	}
	return nil
}

func (p *Parser) put(b byte) {
	p.page.Data[p.page.Size] = b
	p.page.Size++
	p.offset++
	if p.page.Size == PageSize {
		p.pages = append(p.pages, p.page)
		p.page = Page{}
	}
}

func (p *Parser) finish() {
	p.done = true
	if p.page.Size == 0 {
		return
	}
	for i := p.page.Size; i < PageSize; i++ {
		p.page.Data[i] = Fill
	}
	p.page.Size = PageSize
	p.pages = append(p.pages, p.page)
	p.page = Page{}
}

func (p *Parser) errorf(format string, args ...any) error {
	return fault.New(fault.Format, "parse hex", "line %d: %s", p.line, fmt.Sprintf(format, args...))
}
