package partition

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"testing"
)

const magic = 0xE9

func testImage(n int) []byte {
	img := make([]byte, n)
	img[0] = magic
	for i := 1; i < n; i++ {
		img[i] = byte(i)
	}
	return img
}

func codeOf(err error) Code {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	return OK
}

func TestUpdate_ActivatesInactiveSlot(t *testing.T) {
	dir := t.TempDir()
	u := NewFileUpdater(dir, 4096, magic)
	img := testImage(1000)

	if err := u.Begin(int64(len(img))); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	sum := md5.Sum(img)
	if err := u.SetMD5(hex.EncodeToString(sum[:])); err != nil {
		t.Fatalf("SetMD5() error = %v", err)
	}
	for off := 0; off < len(img); off += 300 {
		if _, err := u.Write(img[off:min(off+300, len(img))]); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if !u.IsFinished() {
		t.Error("IsFinished() = false, want true")
	}
	if err := u.End(); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	active, err := u.Active()
	if err != nil || active != SlotB {
		t.Errorf("Active() = %q, %v, want %q", active, err, SlotB)
	}
	data, _ := os.ReadFile(u.SlotPath(SlotB))
	if !bytes.Equal(data, img) {
		t.Error("slot b does not hold the image")
	}

	// The next update goes to the other slot.
	if err := u.Begin(10); err != nil {
		t.Fatal(err)
	}
	u.Write(testImage(10))
	if err := u.End(); err != nil {
		t.Fatal(err)
	}
	if active, _ := u.Active(); active != SlotA {
		t.Errorf("Active() after second update = %q, want %q", active, SlotA)
	}
}

func TestBegin_Errors(t *testing.T) {
	u := NewFileUpdater(t.TempDir(), 100, magic)

	if err := u.Begin(0); codeOf(err) != ErrSize {
		t.Errorf("Begin(0) code = %v, want %v", codeOf(err), ErrSize)
	}
	if err := u.Begin(101); codeOf(err) != ErrSpace {
		t.Errorf("Begin(101) code = %v, want %v", codeOf(err), ErrSpace)
	}
	if err := u.Begin(100); err != nil {
		t.Fatal(err)
	}
	if err := u.Begin(100); codeOf(err) != ErrBadArgument {
		t.Errorf("Begin() while running code = %v, want %v", codeOf(err), ErrBadArgument)
	}
}

func TestWrite_Errors(t *testing.T) {
	u := NewFileUpdater(t.TempDir(), 100, magic)
	if _, err := u.Write([]byte{magic}); codeOf(err) != ErrBadArgument {
		t.Errorf("Write() before Begin code = %v, want %v", codeOf(err), ErrBadArgument)
	}

	u.Begin(10)
	if _, err := u.Write([]byte{0x00, 0x01}); codeOf(err) != ErrMagicByte {
		t.Errorf("Write() bad magic code = %v, want %v", codeOf(err), ErrMagicByte)
	}
	if u.Running() || u.LastError() != ErrMagicByte {
		t.Errorf("Running() = %v LastError() = %v after bad magic", u.Running(), u.LastError())
	}

	u.Begin(10)
	if _, err := u.Write(testImage(11)); codeOf(err) != ErrSize {
		t.Errorf("Write() past size code = %v, want %v", codeOf(err), ErrSize)
	}
}

func TestEnd_Errors(t *testing.T) {
	dir := t.TempDir()
	u := NewFileUpdater(dir, 100, magic)

	u.Begin(10)
	u.Write(testImage(5))
	if err := u.End(); codeOf(err) != ErrSize {
		t.Errorf("End() short image code = %v, want %v", codeOf(err), ErrSize)
	}

	u.Begin(10)
	u.SetMD5("00000000000000000000000000000000")
	u.Write(testImage(10))
	if err := u.End(); codeOf(err) != ErrMD5 {
		t.Errorf("End() md5 mismatch code = %v, want %v", codeOf(err), ErrMD5)
	}
	if active, _ := u.Active(); active != SlotA {
		t.Errorf("Active() after failed update = %q, want %q", active, SlotA)
	}
}

func TestAbort(t *testing.T) {
	u := NewFileUpdater(t.TempDir(), 100, magic)
	u.Begin(10)
	u.Write(testImage(4))

	if err := u.Abort(); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if _, err := os.Stat(u.SlotPath(SlotB)); !os.IsNotExist(err) {
		t.Error("partial image left after Abort()")
	}
	if u.LastError() != ErrAborted {
		t.Errorf("LastError() = %v, want %v", u.LastError(), ErrAborted)
	}
}

func TestSetMD5_Invalid(t *testing.T) {
	u := NewFileUpdater(t.TempDir(), 100, magic)
	if err := u.SetMD5("xyz"); codeOf(err) != ErrBadArgument {
		t.Errorf("SetMD5() code = %v, want %v", codeOf(err), ErrBadArgument)
	}
}

func TestCode_String(t *testing.T) {
	if ErrAborted.String() != "aborted" || Code(99).String() != "unknown error" {
		t.Error("Code.String() mismatch")
	}
}
