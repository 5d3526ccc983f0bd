// Package wire implements the 26-byte buffer header codec shared by every
// transport. The layout is fixed little-endian: purpose u32 at offset 0,
// flags u16 at 4, length u16 at 6, seq_num u64 at 8, ack_seq_num u64 at 16
// and message_stream u16 at 24.
package wire

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the fixed on-wire size of a Header, in bytes.
const HeaderSize = 26

// Purpose identifies what a buffer carries. The magic values double as a
// protocol-version heuristic: a frame whose first four bytes don't match one
// of these is rejected outright rather than partially parsed.
type Purpose uint32

const (
	PurposeNone          Purpose = 0
	PurposeManagement    Purpose = 0xDE47EA12
	PurposeMessageStart  Purpose = 0xDE47EA13
	PurposeMessageMiddle Purpose = 0xDE47EA14
	PurposeMessageEnd    Purpose = 0xDE47EA15
	PurposeMessage       Purpose = 0xDE47EA16
	PurposeAck           Purpose = 0xDE47EA17
)

func (p Purpose) String() string {
	switch p {
	case PurposeNone:
		return "None"
	case PurposeManagement:
		return "Management"
	case PurposeMessageStart:
		return "MessageStart"
	case PurposeMessageMiddle:
		return "MessageMiddle"
	case PurposeMessageEnd:
		return "MessageEnd"
	case PurposeMessage:
		return "Message"
	case PurposeAck:
		return "Ack"
	default:
		return "Unknown"
	}
}

// IsData reports whether the purpose carries reassembly-eligible payload
// bytes (as opposed to Ack/Management/None control frames).
func (p Purpose) IsData() bool {
	switch p {
	case PurposeMessageStart, PurposeMessageMiddle, PurposeMessageEnd, PurposeMessage:
		return true
	default:
		return false
	}
}

// Flags is a bitfield carried in every header.
type Flags uint16

const (
	FlagBufferIsBeingResent       Flags = 0x0001
	FlagBufferContainsE005NVS     Flags = 0x0002
	FlagMessageContainsStreamSetup Flags = 0x0100
	FlagMessageContainsJsonNVS    Flags = 0x0200
	FlagMessageContainsJsonString Flags = 0x0400
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Header is the in-memory representation of the 26-byte wire header
// described in spec section 3.
type Header struct {
	Purpose       Purpose
	Flags         Flags
	Length        uint16 // always HeaderSize once encoded
	SeqNum        uint64
	AckSeqNum     uint64
	MessageStream uint16
}

// ErrInvalidFrame is returned by Decode when the purpose magic is not one of
// the recognized values, or the slice is too short to hold a header.
var ErrInvalidFrame = errors.New("wire: invalid frame header")

// Encode serializes h into the first HeaderSize bytes of dst. dst must be at
// least HeaderSize bytes long.
func Encode(dst []byte, h Header) error {
	if len(dst) < HeaderSize {
		return errors.New("wire: destination shorter than header size")
	}
	binary.LittleEndian.PutUint32(dst[0:4], uint32(h.Purpose))
	binary.LittleEndian.PutUint16(dst[4:6], uint16(h.Flags))
	binary.LittleEndian.PutUint16(dst[6:8], HeaderSize)
	binary.LittleEndian.PutUint64(dst[8:16], h.SeqNum)
	binary.LittleEndian.PutUint64(dst[16:24], h.AckSeqNum)
	binary.LittleEndian.PutUint16(dst[24:26], h.MessageStream)
	return nil
}

// Decode parses the first HeaderSize bytes of src into a Header. It rejects
// the frame with ErrInvalidFrame when the purpose magic is unrecognized.
func Decode(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, ErrInvalidFrame
	}
	purpose := Purpose(binary.LittleEndian.Uint32(src[0:4]))
	if !isKnownPurpose(purpose) {
		return Header{}, ErrInvalidFrame
	}
	h := Header{
		Purpose:       purpose,
		Flags:         Flags(binary.LittleEndian.Uint16(src[4:6])),
		Length:        binary.LittleEndian.Uint16(src[6:8]),
		SeqNum:        binary.LittleEndian.Uint64(src[8:16]),
		AckSeqNum:     binary.LittleEndian.Uint64(src[16:24]),
		MessageStream: binary.LittleEndian.Uint16(src[24:26]),
	}
	return h, nil
}

func isKnownPurpose(p Purpose) bool {
	switch p {
	case PurposeNone, PurposeManagement, PurposeMessageStart, PurposeMessageMiddle,
		PurposeMessageEnd, PurposeMessage, PurposeAck:
		return true
	default:
		return false
	}
}
