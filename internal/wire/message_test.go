package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		{ID: 1, Op: Request, Param: 4},
		{ID: -7, Op: Share, Param: -1},
		{ID: 0, Op: Invalid, Param: 0},
	}

	for _, want := range cases {
		var buf bytes.Buffer
		if err := Encode(&buf, want); err != nil {
			t.Fatalf("Encode(%v): %v", want, err)
		}
		if buf.Len() != Size {
			t.Fatalf("encoded length = %d, want %d", buf.Len(), Size)
		}
		got, err := Decode(&buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

type shortReader struct {
	chunks [][]byte
}

func (s *shortReader) Read(p []byte) (int, error) {
	if len(s.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.chunks[0])
	s.chunks[0] = s.chunks[0][n:]
	if len(s.chunks[0]) == 0 {
		s.chunks = s.chunks[1:]
	}
	return n, nil
}

func TestDecodeShortReads(t *testing.T) {
	var buf bytes.Buffer
	want := Message{ID: 42, Op: Reserve, Param: 1000}
	if err := Encode(&buf, want); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()

	r := &shortReader{chunks: [][]byte{raw[0:1], raw[1:5], raw[5:11], raw[11:12]}}
	got, err := Decode(r)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeCleanClose(t *testing.T) {
	_, err := Decode(bytes.NewReader(nil))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Decode on empty reader = %v, want io.EOF", err)
	}
}

func TestDecodePartialCloseIsIO(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{1, 2, 3}))
	if !errors.Is(err, ErrIO) {
		t.Fatalf("Decode on partial frame = %v, want ErrIO", err)
	}
}

func TestDecodeResponseValidatesIDAndOp(t *testing.T) {
	var buf bytes.Buffer
	Encode(&buf, Message{ID: 5, Op: Share, Param: 3})
	if _, err := DecodeResponse(&buf, 6, Share); !errors.Is(err, ErrBadID) {
		t.Fatalf("id mismatch: got %v, want ErrBadID", err)
	}

	buf.Reset()
	Encode(&buf, Message{ID: 5, Op: Share, Param: 3})
	if _, err := DecodeResponse(&buf, 5, Query); !errors.Is(err, ErrBadCode) {
		t.Fatalf("op mismatch: got %v, want ErrBadCode", err)
	}

	buf.Reset()
	Encode(&buf, Message{ID: 5, Op: Share, Param: 3})
	param, err := DecodeResponse(&buf, 5, Share)
	if err != nil || param != 3 {
		t.Fatalf("DecodeResponse = (%d, %v), want (3, nil)", param, err)
	}
}

func TestRegisterParamRoundTrip(t *testing.T) {
	cases := []struct {
		bidi     bool
		donation int32
	}{
		{false, 0},
		{true, 0},
		{false, 10},
		{true, 1<<31 - 1},
	}
	for _, c := range cases {
		p := RegisterParam(c.bidi, c.donation)
		gotBidi, gotDonation := DecodeRegisterParam(p)
		if gotBidi != c.bidi || gotDonation != c.donation {
			t.Errorf("RegisterParam(%v, %d) round trip = (%v, %d)", c.bidi, c.donation, gotBidi, gotDonation)
		}
	}
}

func TestBadPagesRoundTrip(t *testing.T) {
	for _, e := range []*Error{ErrOutOfMemory, ErrBadClientType, ErrIO, ErrBadID, ErrBadCode, ErrBadParam} {
		encoded := BadPages(e)
		got, ok := IsBadPages(encoded)
		if !ok {
			t.Fatalf("IsBadPages(%d) ok=false, want true", encoded)
		}
		if got != e {
			t.Errorf("IsBadPages(%d) = %v, want %v", encoded, got, e)
		}
	}
	if _, ok := IsBadPages(5); ok {
		t.Errorf("IsBadPages(5) ok=true, want false for an ordinary page count")
	}
}

func TestOpcodeValidFrom(t *testing.T) {
	if !Register.ValidFrom(ClientToBroker) {
		t.Error("REGISTER should be valid client->broker")
	}
	if Register.ValidFrom(BrokerToClient) {
		t.Error("REGISTER should not be valid broker->client")
	}
	if Invalid.ValidFrom(ClientToBroker) || Invalid.ValidFrom(BrokerToClient) {
		t.Error("INVALID should never validate")
	}
}
