// Package chunkindex persists the chunk layout of an update as a flat
// line-oriented file and looks records up by chunk number with a binary
// search over byte offsets.
//
// Each line has the form
//
//	index,path,checksum,size
//
// Paths and checksums must not contain commas or line breaks.
package chunkindex

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bigbag/gateway-ota/internal/fault"
)

// MaxLineLength bounds a single record line, newline included.
const MaxLineLength = 256

// ErrNotFound is returned when no record carries the requested index.
var ErrNotFound = errors.New("chunk index: record not found")

// Record describes one chunk of an image.
type Record struct {
	Index    int
	Path     string
	Checksum string
	Size     int
}

// DecodeError reports a malformed record line.
type DecodeError struct {
	Offset int64
	Line   string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("chunk index: malformed line at offset %d (%s): %q", e.Offset, e.Reason, e.Line)
}

func (r Record) encode() string {
	return strconv.Itoa(r.Index) + "," + r.Path + "," + r.Checksum + "," + strconv.Itoa(r.Size) + "\n"
}

func (r Record) validate() error {
	if r.Index < 0 {
		return fmt.Errorf("negative index %d", r.Index)
	}
	if r.Size < 0 {
		return fmt.Errorf("negative size %d", r.Size)
	}
	if r.Path == "" || strings.ContainsAny(r.Path, ",\r\n") {
		return fmt.Errorf("invalid path %q", r.Path)
	}
	if r.Checksum == "" || strings.ContainsAny(r.Checksum, ",\r\n") {
		return fmt.Errorf("invalid checksum %q", r.Checksum)
	}
	return nil
}

// Write replaces the index file at path with records.
// Records must be in strictly ascending index order.
func Write(path string, records []Record) error {
	var sb strings.Builder
	for i, r := range records {
		if err := r.validate(); err != nil {
			return fault.Wrap(fault.Format, "write chunk index", fmt.Errorf("record %d: %w", i, err))
		}
		if i > 0 && r.Index <= records[i-1].Index {
			return fault.New(fault.Format, "write chunk index", "index %d follows %d", r.Index, records[i-1].Index)
		}
		line := r.encode()
		if len(line) > MaxLineLength {
			return fault.New(fault.Format, "write chunk index", "record %d is %d bytes long", r.Index, len(line))
		}
		sb.WriteString(line)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fault.Wrap(fault.Device, "write chunk index", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		return fault.Wrap(fault.Device, "write chunk index", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fault.Wrap(fault.Device, "write chunk index", err)
	}
	return nil
}

// Find returns the record with the given index.
func Find(path string, index int) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, fault.Wrap(fault.Device, "find chunk", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Record{}, fault.Wrap(fault.Device, "find chunk", err)
	}
	return find(f, info.Size(), index)
}

func find(r io.ReaderAt, size int64, index int) (Record, error) {
	lo, hi := int64(0), size
	for lo < hi {
		mid := lo + (hi-lo)/2
		start, err := lineStart(r, mid)
		if err != nil {
			return Record{}, err
		}
		if start < lo {
			start = lo
		}

		rec, next, err := readLine(r, start, size)
		if err != nil {
			return Record{}, err
		}

		switch {
		case rec.Index == index:
			return rec, nil
		case rec.Index < index:
			lo = next
		default:
			hi = start
		}
	}
	return Record{}, ErrNotFound
}

// lineStart returns the offset of the line containing off.
func lineStart(r io.ReaderAt, off int64) (int64, error) {
	from := max(off-MaxLineLength, 0)
	buf := make([]byte, off-from)
	if len(buf) == 0 {
		return off, nil
	}
	if _, err := r.ReadAt(buf, from); err != nil && err != io.EOF {
		return 0, fault.Wrap(fault.Device, "find chunk", err)
	}
	for i := len(buf) - 1; i >= 0; i-- {
		if buf[i] == '\n' {
			return from + int64(i) + 1, nil
		}
	}
	if from == 0 {
		return 0, nil
	}
	return 0, fault.Wrap(fault.Format, "find chunk", &DecodeError{Offset: from, Reason: "line too long"})
}

// readLine decodes the line starting at off and returns the offset after it.
func readLine(r io.ReaderAt, off, size int64) (Record, int64, error) {
	buf := make([]byte, min(MaxLineLength, size-off))
	n, err := r.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return Record{}, 0, fault.Wrap(fault.Device, "find chunk", err)
	}
	buf = buf[:n]

	end := strings.IndexByte(string(buf), '\n')
	if end < 0 {
		return Record{}, 0, fault.Wrap(fault.Format, "find chunk", &DecodeError{Offset: off, Line: string(buf), Reason: "unterminated line"})
	}
	rec, err := decode(string(buf[:end]), off)
	if err != nil {
		return Record{}, 0, err
	}
	return rec, off + int64(end) + 1, nil
}

func decode(line string, off int64) (Record, error) {
	fail := func(reason string) (Record, error) {
		return Record{}, fault.Wrap(fault.Format, "decode chunk record", &DecodeError{Offset: off, Line: line, Reason: reason})
	}

	fields := strings.Split(line, ",")
	if len(fields) != 4 {
		return fail(fmt.Sprintf("%d fields", len(fields)))
	}
	index, err := strconv.Atoi(fields[0])
	if err != nil || index < 0 {
		return fail("bad index")
	}
	size, err := strconv.Atoi(fields[3])
	if err != nil || size < 0 {
		return fail("bad size")
	}
	if fields[1] == "" || fields[2] == "" {
		return fail("empty field")
	}
	return Record{Index: index, Path: fields[1], Checksum: fields[2], Size: size}, nil
}

// ReadIndexFromFirstLine returns the chunk number of the first record.
func ReadIndexFromFirstLine(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fault.Wrap(fault.Device, "read first chunk", err)
	}
	defer f.Close()

	line, err := bufio.NewReaderSize(f, MaxLineLength).ReadString('\n')
	if err != nil {
		if err == io.EOF && line == "" {
			return 0, ErrNotFound
		}
		return 0, fault.Wrap(fault.Format, "read first chunk", &DecodeError{Line: line, Reason: "unterminated line"})
	}
	rec, err := decode(strings.TrimSuffix(line, "\n"), 0)
	if err != nil {
		return 0, err
	}
	return rec.Index, nil
}

// ReadAll decodes every record in the file.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.Wrap(fault.Device, "read chunk index", err)
	}
	defer f.Close()

	var records []Record
	var off int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, MaxLineLength), MaxLineLength)
	for sc.Scan() {
		rec, err := decode(sc.Text(), off)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
		off += int64(len(sc.Bytes())) + 1
	}
	if err := sc.Err(); err != nil {
		return nil, fault.Wrap(fault.Format, "read chunk index", err)
	}
	return records, nil
}
