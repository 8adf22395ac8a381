package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestNewMessage_Checksum(t *testing.T) {
	msg, err := NewMessage(0x01, SignOnBody())
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}

	// 0x1B ^ 0x01 ^ 0x00 ^ 0x01 ^ 0x0E ^ 0x01
	var want byte = 0x1B ^ 0x01 ^ 0x00 ^ 0x01 ^ 0x0E ^ 0x01
	if msg.Checksum() != want {
		t.Errorf("Checksum() = 0x%02X, want 0x%02X", msg.Checksum(), want)
	}
}

func TestNewMessage_Length(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"empty", 0, true},
		{"one", 1, false},
		{"page", 10 + PageSize, false},
		{"max", MaxBodySize, false},
		{"over", MaxBodySize + 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMessage(0, make([]byte, tt.size))
			if (err != nil) != tt.wantErr {
				t.Errorf("NewMessage(%d bytes) error = %v, wantErr %v", tt.size, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrBadLength) {
				t.Errorf("NewMessage() error = %v, want ErrBadLength", err)
			}
		})
	}
}

func TestMessage_Encode_Format(t *testing.T) {
	body := []byte{CmdReadFlashISP, 0x01, 0x00, 0x20}
	msg, _ := NewMessage(0x2A, body)
	encoded := msg.Encode()

	if len(encoded) != HeaderSize+len(body)+1 {
		t.Fatalf("Encode() length = %d, want %d", len(encoded), HeaderSize+len(body)+1)
	}
	if encoded[0] != MessageStart {
		t.Errorf("Encode()[0] = 0x%02X, want 0x%02X", encoded[0], MessageStart)
	}
	if encoded[1] != 0x2A {
		t.Errorf("Encode()[1] sequence = 0x%02X, want 0x2A", encoded[1])
	}
	if size := binary.BigEndian.Uint16(encoded[2:4]); size != uint16(len(body)) {
		t.Errorf("Encode() body length = %d, want %d", size, len(body))
	}
	if encoded[4] != Token {
		t.Errorf("Encode()[4] = 0x%02X, want 0x%02X", encoded[4], Token)
	}
	if !bytes.Equal(encoded[HeaderSize:len(encoded)-1], body) {
		t.Errorf("Encode() body = % X, want % X", encoded[HeaderSize:len(encoded)-1], body)
	}
	if encoded[len(encoded)-1] != msg.Checksum() {
		t.Errorf("Encode() checksum = 0x%02X, want 0x%02X", encoded[len(encoded)-1], msg.Checksum())
	}
}

func TestDecodeMessage_RoundTrip(t *testing.T) {
	page := make([]byte, PageSize)
	for i := range page {
		page[i] = byte(i)
	}
	bodies := [][]byte{
		SignOnBody(),
		LoadAddressBody(0x1F80),
		EnterProgModeBody(),
		ProgramFlashBody(page),
	}

	for _, body := range bodies {
		msg, err := NewMessage(0x7F, body)
		if err != nil {
			t.Fatalf("NewMessage() error = %v", err)
		}
		decoded, err := DecodeMessage(msg.Encode())
		if err != nil {
			t.Fatalf("DecodeMessage() error = %v", err)
		}
		if decoded.Seq() != 0x7F || decoded.Command() != body[0] || decoded.BodyLen() != len(body) {
			t.Errorf("DecodeMessage() header = seq 0x%02X cmd 0x%02X len %d", decoded.Seq(), decoded.Command(), decoded.BodyLen())
		}
		if !bytes.Equal(decoded.Body(), body) {
			t.Errorf("DecodeMessage() body mismatch for command 0x%02X", body[0])
		}
	}
}

func TestDecodeMessage_BitFlip(t *testing.T) {
	msg, _ := NewMessage(3, ProgramFlashBody(make([]byte, PageSize)))
	frame := msg.Encode()

	for _, pos := range []int{HeaderSize, HeaderSize + 10, len(frame) - 2} {
		for bit := 0; bit < 8; bit++ {
			corrupt := append([]byte(nil), frame...)
			corrupt[pos] ^= 1 << bit
			if _, err := DecodeMessage(corrupt); !errors.Is(err, ErrBadChecksum) {
				t.Errorf("flip byte %d bit %d: error = %v, want ErrBadChecksum", pos, bit, err)
			}
		}
	}
}

func TestDecodeMessage_Invalid(t *testing.T) {
	valid, _ := NewMessage(1, []byte{CmdSignOn, StatusCmdOK})
	frame := valid.Encode()

	badStart := append([]byte(nil), frame...)
	badStart[0] = 0x1C
	badToken := append([]byte(nil), frame...)
	badToken[4] = 0x0F
	badLen := append([]byte(nil), frame...)
	badLen[3] = 5

	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"short", frame[:5], ErrBadLength},
		{"start", badStart, ErrBadStart},
		{"token", badToken, ErrBadToken},
		{"length", badLen, ErrBadLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeMessage(tt.frame); !errors.Is(err, tt.want) {
				t.Errorf("DecodeMessage() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReadFrame(t *testing.T) {
	a, _ := NewMessage(1, []byte{CmdSignOn, StatusCmdOK})
	b, _ := NewMessage(2, []byte{CmdLoadAddress, StatusCmdOK})
	stream := append(a.Encode(), b.Encode()...)

	frame, rest, err := ReadFrame(stream)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if !bytes.Equal(frame, a.Encode()) {
		t.Errorf("ReadFrame() frame = % X, want % X", frame, a.Encode())
	}
	if !bytes.Equal(rest, b.Encode()) {
		t.Errorf("ReadFrame() remaining = % X, want % X", rest, b.Encode())
	}
}

func TestReadFrame_Incomplete(t *testing.T) {
	msg, _ := NewMessage(1, []byte{CmdSignOn, StatusCmdOK})
	encoded := msg.Encode()

	for n := 0; n < len(encoded); n++ {
		frame, rest, err := ReadFrame(encoded[:n])
		if err != nil || frame != nil || len(rest) != n {
			t.Errorf("ReadFrame(%d bytes) = %v, %d bytes, %v, want nil, %d bytes, nil", n, frame, len(rest), err, n)
		}
	}
}

func TestReadFrame_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"noise", []byte{0x00, MessageStart}, ErrBadStart},
		{"token", []byte{MessageStart, 1, 0, 2, 0x00}, ErrBadToken},
		{"zero length", []byte{MessageStart, 1, 0, 0, Token}, ErrBadLength},
		{"oversize", []byte{MessageStart, 1, 0x01, 0x14, Token}, ErrBadLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ReadFrame(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("ReadFrame() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadAddressBody(t *testing.T) {
	body := LoadAddressBody(0x0001F000)
	want := []byte{CmdLoadAddress, 0x80, 0x01, 0xF0, 0x00}
	if !bytes.Equal(body, want) {
		t.Errorf("LoadAddressBody() = % X, want % X", body, want)
	}
}

func TestProgramFlashBody(t *testing.T) {
	data := bytes.Repeat([]byte{0xA5}, PageSize)
	body := ProgramFlashBody(data)

	want := []byte{CmdProgramFlashISP, 0x01, 0x00, 0xC1, 10, 0x40, 0x4C, 0x20, 0x00, 0x00}
	if !bytes.Equal(body[:10], want) {
		t.Errorf("ProgramFlashBody() header = % X, want % X", body[:10], want)
	}
	if !bytes.Equal(body[10:], data) {
		t.Error("ProgramFlashBody() data mismatch")
	}
}

func TestReadFlashBody(t *testing.T) {
	want := []byte{CmdReadFlashISP, 0x01, 0x00, 0x20}
	if got := ReadFlashBody(PageSize); !bytes.Equal(got, want) {
		t.Errorf("ReadFlashBody() = % X, want % X", got, want)
	}
	if got := ReadFlashAnswerSize(PageSize); got != 259 {
		t.Errorf("ReadFlashAnswerSize() = %d, want 259", got)
	}
}

func TestGetParameterBody(t *testing.T) {
	got := GetParameterBody(ParamSWMinor)
	want := []byte{CmdGetParameter, ParamSWMinor}
	if !bytes.Equal(got, want) {
		t.Errorf("GetParameterBody() = % X, want % X", got, want)
	}
}

func TestParseSignOn(t *testing.T) {
	body := append([]byte{CmdSignOn, StatusCmdOK, 8}, SignOnSignature...)
	sig, err := ParseSignOn(body)
	if err != nil || sig != SignOnSignature {
		t.Errorf("ParseSignOn() = %q, %v, want %q, nil", sig, err, SignOnSignature)
	}

	if _, err := ParseSignOn(body[:6]); err == nil {
		t.Error("ParseSignOn() with truncated signature: expected error")
	}
}

func TestMessage_Status(t *testing.T) {
	ok, _ := NewMessage(0, []byte{CmdLoadAddress, StatusCmdOK})
	if !ok.IsSuccess() {
		t.Error("IsSuccess() = false, want true")
	}
	short, _ := NewMessage(0, []byte{CmdLoadAddress})
	if short.IsSuccess() || short.Status() != StatusCmdFailed {
		t.Errorf("Status() without status byte = 0x%02X, want 0x%02X", short.Status(), StatusCmdFailed)
	}
}
