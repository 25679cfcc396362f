package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// Size is the fixed wire length of a Message: three big-endian int32 words.
const Size = 12

// Message is the decoded form of a 12-byte frame: (client id, opcode,
// parameter). Register packs a bidi flag and donation amount into
// Param; every other opcode treats Param as a plain page count.
type Message struct {
	ID    int32
	Op    Opcode
	Param int32
}

// RegisterParam packs a bidi flag and donation amount into the wire
// representation REGISTER uses for Param: top bit is the bidi flag,
// low 31 bits are the donation (clamped non-negative on encode).
func RegisterParam(bidi bool, donation int32) int32 {
	if donation < 0 {
		donation = 0
	}
	param := donation & 0x7fffffff
	if bidi {
		param |= int32(-1) << 31 // sets the sign bit without UB on the shift amount
	}
	return param
}

// DecodeRegisterParam unpacks RegisterParam's encoding.
func DecodeRegisterParam(param int32) (bidi bool, donation int32) {
	bidi = param&int32(-1<<31) != 0
	donation = param & 0x7fffffff
	return bidi, donation
}

// Encode writes m to w as a complete 12-byte frame, looping through
// short writes. Mirrors mb_encode_and_send's send loop; a write error
// is reported as ErrIO.
func Encode(w io.Writer, m Message) error {
	var buf [Size]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(m.ID))
	binary.BigEndian.PutUint32(buf[4:8], uint32(m.Op))
	binary.BigEndian.PutUint32(buf[8:12], uint32(m.Param))

	total := 0
	for total < Size {
		n, err := w.Write(buf[total:])
		if err != nil {
			return ErrIO
		}
		total += n
	}
	return nil
}

// Decode reads one complete 12-byte frame from r, looping through
// short reads. A clean peer close before any bytes are read returns
// io.EOF (distinct from a decode error, per spec.md §4.1); a close
// partway through a frame, or any other read error, returns ErrIO.
func Decode(r io.Reader) (Message, error) {
	var buf [Size]byte
	total := 0
	for total < Size {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) && total == 0 {
				return Message{}, io.EOF
			}
			return Message{}, ErrIO
		}
		if n == 0 {
			// No progress, no error: treat as a closed channel rather
			// than spinning forever.
			return Message{}, ErrIO
		}
	}

	return Message{
		ID:    int32(binary.BigEndian.Uint32(buf[0:4])),
		Op:    Opcode(binary.BigEndian.Uint32(buf[4:8])),
		Param: int32(binary.BigEndian.Uint32(buf[8:12])),
	}, nil
}

// DecodeResponse reads one message and validates it is the expected
// reply to a request of the given id and opcode, mirroring
// mb_receive_response_and_decode.
func DecodeResponse(r io.Reader, wantID int32, wantOp Opcode) (int32, error) {
	m, err := Decode(r)
	if err != nil {
		return 0, err
	}
	if m.ID != wantID {
		return 0, ErrBadID
	}
	if m.Op != wantOp {
		return 0, ErrBadCode
	}
	return m.Param, nil
}
