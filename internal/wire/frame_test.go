package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("ping")
	buf := Encode(DATA, 7, 42, payload)

	f, err := ReadFrame(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.MsgType != DATA || f.Priority != 7 || f.StreamID != 42 {
		t.Fatalf("unexpected header: %+v", f)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("payload mismatch: %q", f.Payload)
	}
}

func TestEncodeZeroLengthPayload(t *testing.T) {
	buf := Encode(CLOSE, 0, 1, nil)
	f, err := ReadFrame(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(f.Payload) != 0 {
		t.Fatalf("expected empty payload, got %q", f.Payload)
	}
}

func TestReadFrameRejectsUnknownMsgType(t *testing.T) {
	buf := Encode(DATA, 0, 1, nil)
	buf[0] = 99
	if _, err := ReadFrame(bytes.NewReader(buf)); err == nil {
		t.Fatal("expected protocol violation error")
	}
}

func TestReadFrameTruncatedHeaderIsPeerGone(t *testing.T) {
	buf := Encode(DATA, 0, 1, []byte("x"))
	_, err := ReadFrame(bytes.NewReader(buf[:3]))
	if !errors.Is(err, ErrPeerGone) {
		t.Fatalf("truncated header: err = %v, want ErrPeerGone", err)
	}
}

func TestReadFrameTruncatedPayloadIsPeerGone(t *testing.T) {
	buf := Encode(DATA, 0, 1, []byte("hello"))
	_, err := ReadFrame(bytes.NewReader(buf[:len(buf)-2]))
	if !errors.Is(err, ErrPeerGone) {
		t.Fatalf("truncated payload: err = %v, want ErrPeerGone", err)
	}
}

func TestReadFrameEOFBeforeAnyBytes(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	if err == nil {
		t.Fatal("expected error on empty reader")
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestReadFrameUnderlyingReadError(t *testing.T) {
	if _, err := ReadFrame(errReader{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestClampPriority(t *testing.T) {
	cases := []struct {
		in   int
		want uint8
	}{
		{-5, 0},
		{0, 0},
		{3, 3},
		{7, 7},
		{42, 7},
	}
	for _, c := range cases {
		if got := ClampPriority(c.in); got != c.want {
			t.Errorf("ClampPriority(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}
