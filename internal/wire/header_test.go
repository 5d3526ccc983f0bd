package wire

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	cases := []Header{
		{Purpose: PurposeMessage, Flags: 0, SeqNum: 1, AckSeqNum: 0, MessageStream: 0},
		{Purpose: PurposeMessageStart, Flags: FlagMessageContainsStreamSetup, SeqNum: 42, AckSeqNum: 7, MessageStream: 3},
		{Purpose: PurposeAck, Flags: 0, SeqNum: 0, AckSeqNum: 99, MessageStream: 0},
		{Purpose: PurposeManagement, Flags: 0, SeqNum: 0, AckSeqNum: 0, MessageStream: 0},
	}

	for _, want := range cases {
		buf := make([]byte, HeaderSize)
		if err := Encode(buf, want); err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		got.Length = 0
		want.Length = 0
		if got != want {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestDecodeRejectsUnknownMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0], buf[1], buf[2], buf[3] = 0xAA, 0xBB, 0xCC, 0xDD
	if _, err := Decode(buf); err != ErrInvalidFrame {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	if _, err := Decode(make([]byte, HeaderSize-1)); err != ErrInvalidFrame {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}
