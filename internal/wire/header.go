// Package wire implements the netlev message codec: a fixed-layout
// binary header and the ASCII, colon-separated fetch request/ack
// payload grammars carried in it.
package wire

import (
	"encoding/binary"
	"fmt"
)

// MsgType discriminates the two wire message kinds.
type MsgType uint8

const (
	MsgNOOP MsgType = 0
	MsgRTS  MsgType = 1
)

func (t MsgType) String() string {
	switch t {
	case MsgNOOP:
		return "NOOP"
	case MsgRTS:
		return "RTS"
	default:
		return fmt.Sprintf("MsgType(%d)", t)
	}
}

// headerSize is the fixed prefix: credits(1) + type(1) + tot_len(2) + src_req(8).
const headerSize = 1 + 1 + 2 + 8

// compile-time layout assertion, mirroring the teacher's uapi structs.
var _ = [headerSize]byte{}

// Header is the fixed-layout prefix of every posted message.
type Header struct {
	Credits uint8
	Type    MsgType
	TotLen  uint16
	SrcReq  uint64
}

// Marshal encodes the header into the first headerSize bytes of dst,
// which must be at least headerSize long.
func (h Header) Marshal(dst []byte) error {
	if len(dst) < headerSize {
		return fmt.Errorf("wire: header buffer too small: %d < %d", len(dst), headerSize)
	}
	dst[0] = h.Credits
	dst[1] = byte(h.Type)
	binary.LittleEndian.PutUint16(dst[2:4], h.TotLen)
	binary.LittleEndian.PutUint64(dst[4:12], h.SrcReq)
	return nil
}

// UnmarshalHeader decodes a Header from the front of src.
func UnmarshalHeader(src []byte) (Header, error) {
	if len(src) < headerSize {
		return Header{}, fmt.Errorf("wire: short header: %d < %d", len(src), headerSize)
	}
	return Header{
		Credits: src[0],
		Type:    MsgType(src[1]),
		TotLen:  binary.LittleEndian.Uint16(src[2:4]),
		SrcReq:  binary.LittleEndian.Uint64(src[4:12]),
	}, nil
}

// HeaderSize returns the fixed header prefix size in bytes.
func HeaderSize() int { return headerSize }
