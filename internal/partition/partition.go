// Package partition implements the in-place update primitive of the host
// controller: an image is streamed into the inactive slot of an A/B pair and
// the slot is activated once the image has been validated.
package partition

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Code identifies an update failure.
type Code int

const (
	OK Code = iota
	ErrWrite
	ErrErase
	ErrRead
	ErrSpace
	ErrSize
	ErrStream
	ErrMD5
	ErrMagicByte
	ErrActivate
	ErrNoPartition
	ErrBadArgument
	ErrAborted
)

func (c Code) String() string {
	switch c {
	case OK:
		return "no error"
	case ErrWrite:
		return "flash write failed"
	case ErrErase:
		return "flash erase failed"
	case ErrRead:
		return "flash read failed"
	case ErrSpace:
		return "not enough space"
	case ErrSize:
		return "bad size given"
	case ErrStream:
		return "stream read timeout"
	case ErrMD5:
		return "md5 check failed"
	case ErrMagicByte:
		return "wrong magic byte"
	case ErrActivate:
		return "could not activate the firmware"
	case ErrNoPartition:
		return "partition could not be found"
	case ErrBadArgument:
		return "bad argument"
	case ErrAborted:
		return "aborted"
	default:
		return "unknown error"
	}
}

// Error is an update failure with its code.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "partition: " + e.Code.String()
	}
	return fmt.Sprintf("partition: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func codeError(code Code, err error) error {
	return &Error{Code: code, Err: err}
}

// Slot names
const (
	SlotA = "a"
	SlotB = "b"
)

const activeFile = "active"

// FileUpdater writes images into slot files under a directory.
type FileUpdater struct {
	dir      string
	capacity int64
	magic    byte

	f         *os.File
	slot      string
	expected  int64
	written   int64
	sum       hash.Hash
	expectMD5 string
	lastErr   Code
}

// NewFileUpdater creates an updater for slots of the given capacity.
// Every image must start with magic.
func NewFileUpdater(dir string, capacity int64, magic byte) *FileUpdater {
	return &FileUpdater{dir: dir, capacity: capacity, magic: magic}
}

// Active returns the slot the host boots from.
func (u *FileUpdater) Active() (string, error) {
	data, err := os.ReadFile(filepath.Join(u.dir, activeFile))
	if os.IsNotExist(err) {
		return SlotA, nil
	}
	if err != nil {
		return "", codeError(ErrRead, err)
	}
	slot := strings.TrimSpace(string(data))
	if slot != SlotA && slot != SlotB {
		return "", codeError(ErrNoPartition, fmt.Errorf("invalid active slot %q", slot))
	}
	return slot, nil
}

// SlotPath returns the file backing slot.
func (u *FileUpdater) SlotPath(slot string) string {
	return filepath.Join(u.dir, "slot_"+slot+".bin")
}

// Begin starts writing an image of size bytes into the inactive slot.
func (u *FileUpdater) Begin(size int64) error {
	if u.f != nil {
		return u.fail(ErrBadArgument, fmt.Errorf("update already running"))
	}
	if size <= 0 {
		return u.fail(ErrSize, fmt.Errorf("image size %d", size))
	}
	if size > u.capacity {
		return u.fail(ErrSpace, fmt.Errorf("image of %d bytes, slot holds %d", size, u.capacity))
	}

	if err := os.MkdirAll(u.dir, 0o755); err != nil {
		return u.fail(ErrNoPartition, err)
	}
	active, err := u.Active()
	if err != nil {
		return err
	}
	slot := SlotB
	if active == SlotB {
		slot = SlotA
	}

	f, err := os.OpenFile(u.SlotPath(slot), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return u.fail(ErrErase, err)
	}

	u.f = f
	u.slot = slot
	u.expected = size
	u.written = 0
	u.sum = md5.New()
	u.expectMD5 = ""
	u.lastErr = OK
	return nil
}

// SetMD5 sets the expected MD5 of the whole image.
func (u *FileUpdater) SetMD5(sum string) error {
	if _, err := hex.DecodeString(sum); err != nil || len(sum) != 32 {
		return u.fail(ErrBadArgument, fmt.Errorf("invalid md5 %q", sum))
	}
	u.expectMD5 = strings.ToLower(sum)
	return nil
}

// Write appends image bytes to the slot.
func (u *FileUpdater) Write(p []byte) (int, error) {
	if u.f == nil {
		return 0, u.fail(ErrBadArgument, fmt.Errorf("no update running"))
	}
	if int64(len(p)) > u.Remaining() {
		u.Abort()
		return 0, u.fail(ErrSize, fmt.Errorf("%d bytes past the declared size", int64(len(p))-u.Remaining()))
	}
	if u.written == 0 && len(p) > 0 && p[0] != u.magic {
		u.Abort()
		return 0, u.fail(ErrMagicByte, fmt.Errorf("got 0x%02X, want 0x%02X", p[0], u.magic))
	}

	n, err := u.f.Write(p)
	u.written += int64(n)
	u.sum.Write(p[:n])
	if err != nil {
		return n, u.fail(ErrWrite, err)
	}
	if n < len(p) {
		return n, u.fail(ErrStream, io.ErrShortWrite)
	}
	return n, nil
}

// Remaining returns how many bytes the image still needs.
func (u *FileUpdater) Remaining() int64 {
	return u.expected - u.written
}

// IsFinished reports whether every declared byte has been written.
func (u *FileUpdater) IsFinished() bool {
	return u.f != nil && u.written == u.expected
}

// Running reports whether an update is in progress.
func (u *FileUpdater) Running() bool {
	return u.f != nil
}

// End validates the written image and activates its slot.
func (u *FileUpdater) End() error {
	if u.f == nil {
		return u.fail(ErrBadArgument, fmt.Errorf("no update running"))
	}
	if u.written != u.expected {
		written := u.written
		u.Abort()
		return u.fail(ErrSize, fmt.Errorf("wrote %d of %d bytes", written, u.expected))
	}

	if err := u.f.Sync(); err != nil {
		u.Abort()
		return u.fail(ErrWrite, err)
	}
	if err := u.f.Close(); err != nil {
		u.f = nil
		return u.fail(ErrWrite, err)
	}
	u.f = nil

	written := u.sum.Sum(nil)
	if u.expectMD5 != "" && hex.EncodeToString(written) != u.expectMD5 {
		os.Remove(u.SlotPath(u.slot))
		return u.fail(ErrMD5, fmt.Errorf("got %x, want %s", written, u.expectMD5))
	}

	data, err := os.ReadFile(u.SlotPath(u.slot))
	if err != nil {
		return u.fail(ErrRead, err)
	}
	if readBack := md5.Sum(data); !bytes.Equal(readBack[:], written) {
		return u.fail(ErrRead, fmt.Errorf("slot %s does not hold the written image", u.slot))
	}

	tmp := filepath.Join(u.dir, activeFile+".tmp")
	if err := os.WriteFile(tmp, []byte(u.slot+"\n"), 0o644); err != nil {
		return u.fail(ErrActivate, err)
	}
	if err := os.Rename(tmp, filepath.Join(u.dir, activeFile)); err != nil {
		return u.fail(ErrActivate, err)
	}
	return nil
}

// Abort drops the running update and its partial image.
func (u *FileUpdater) Abort() error {
	if u.f == nil {
		return nil
	}
	u.f.Close()
	u.f = nil
	u.lastErr = ErrAborted
	if err := os.Remove(u.SlotPath(u.slot)); err != nil && !os.IsNotExist(err) {
		return codeError(ErrErase, err)
	}
	return nil
}

// LastError returns the code of the most recent failure.
func (u *FileUpdater) LastError() Code {
	return u.lastErr
}

func (u *FileUpdater) fail(code Code, err error) error {
	u.lastErr = code
	return codeError(code, err)
}
