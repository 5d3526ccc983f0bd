package session

import (
	"strconv"
	"strings"

	"github.com/odinlabs/sessrelay/internal/nvs"
	"github.com/odinlabs/sessrelay/internal/wire"
)

// ManagementType selects the operation a Management frame's NVS payload
// carries (spec section 4.4.1).
type ManagementType string

const (
	MgmtRequestOpenSession           ManagementType = "RequestOpenSession"
	MgmtRequestResumeSession         ManagementType = "RequestResumeSession"
	MgmtSessionRequestAccepted       ManagementType = "SessionRequestAcceptedResponse"
	MgmtRequestCloseSession          ManagementType = "RequestCloseSession"
	MgmtNoteSessionTerminated        ManagementType = "NoteSessionTerminated"
	MgmtStatus                       ManagementType = "Status"
	MgmtKeepAlive                    ManagementType = "KeepAlive"
)

// Keys used inside a Management NVS payload.
const (
	keyType              = "Type"
	keyName              = "Name"
	keySessionUUID       = "SessionUUID"
	keyBufferSize        = "BufferSize"
	keyReason            = "Reason"
	keyHeldBufferSeqNums = "HeldBufferSeqNums"
	keyHighestContiguous = "HighestContiguousSeqNum"
)

// buildOpen constructs a RequestOpenSession payload.
func buildOpen(name, sessionUUID string, bufferSize int) nvs.Set {
	s := nvs.New()
	s.Set(keyType, string(MgmtRequestOpenSession))
	s.Set(keyName, name)
	s.Set(keySessionUUID, sessionUUID)
	s.Set(keyBufferSize, strconv.Itoa(bufferSize))
	return s
}

// buildResume constructs a RequestResumeSession payload.
func buildResume(sessionUUID string, bufferSize int) nvs.Set {
	s := nvs.New()
	s.Set(keyType, string(MgmtRequestResumeSession))
	s.Set(keySessionUUID, sessionUUID)
	s.Set(keyBufferSize, strconv.Itoa(bufferSize))
	return s
}

// buildAccept constructs a SessionRequestAcceptedResponse payload.
func buildAccept(sessionUUID string, bufferSize int, highestContiguous uint64) nvs.Set {
	s := nvs.New()
	s.Set(keyType, string(MgmtSessionRequestAccepted))
	s.Set(keySessionUUID, sessionUUID)
	s.Set(keyBufferSize, strconv.Itoa(bufferSize))
	s.Set(keyHighestContiguous, strconv.FormatUint(highestContiguous, 10))
	return s
}

// buildClose constructs a RequestCloseSession payload.
func buildClose(reason string) nvs.Set {
	s := nvs.New()
	s.Set(keyType, string(MgmtRequestCloseSession))
	s.Set(keyReason, reason)
	return s
}

// buildTerminated constructs a NoteSessionTerminated payload.
func buildTerminated(reason string) nvs.Set {
	s := nvs.New()
	s.Set(keyType, string(MgmtNoteSessionTerminated))
	s.Set(keyReason, reason)
	return s
}

// buildKeepAlive constructs a KeepAlive payload.
func buildKeepAlive() nvs.Set {
	s := nvs.New()
	s.Set(keyType, string(MgmtKeepAlive))
	return s
}

// buildStatus constructs a Status payload carrying the held-buffer sequence
// numbers, comma-joined, for diagnostic use.
func buildStatus(heldSeqNums []uint64) nvs.Set {
	s := nvs.New()
	s.Set(keyType, string(MgmtStatus))
	parts := make([]string, len(heldSeqNums))
	for i, n := range heldSeqNums {
		parts[i] = strconv.FormatUint(n, 10)
	}
	s.Set(keyHeldBufferSeqNums, strings.Join(parts, ","))
	return s
}

// Request is a parsed RequestOpenSession or RequestResumeSession payload, as
// decoded by a SessionManager before a Session exists to own the transport.
type Request struct {
	Type        ManagementType
	Name        string
	SessionUUID string
	BufferSize  int
}

// ParseRequest extracts a Request from a Management frame's NVS payload. It
// returns false only if the payload has no Type key; the Type value is not
// checked against the known operations.
func ParseRequest(payload nvs.Set) (Request, bool) {
	typ, ok := mgmtType(payload)
	if !ok {
		return Request{}, false
	}
	req := Request{Type: typ}
	req.Name, _ = payload.Get(keyName)
	req.SessionUUID, _ = payload.Get(keySessionUUID)
	req.BufferSize, _ = mgmtBufferSize(payload)
	return req, true
}

// DecodeManagementFrame parses a raw inbound frame expected to carry a
// Management purpose, used by a SessionManager to inspect the very first
// frame on a newly accepted transport before any Session exists.
func DecodeManagementFrame(frame []byte) (wire.Header, nvs.Set, error) {
	h, err := wire.Decode(frame)
	if err != nil {
		return wire.Header{}, nil, err
	}
	if h.Purpose != wire.PurposeManagement {
		return h, nil, wire.ErrInvalidFrame
	}
	payload, err := nvs.Unmarshal(frame[wire.HeaderSize:])
	if err != nil {
		return h, nil, err
	}
	return h, payload, nil
}

func mgmtType(s nvs.Set) (ManagementType, bool) {
	v, ok := s.Get(keyType)
	return ManagementType(v), ok
}

func mgmtBufferSize(s nvs.Set) (int, bool) {
	v, ok := s.Get(keyBufferSize)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func mgmtHighestContiguous(s nvs.Set) (uint64, bool) {
	v, ok := s.Get(keyHighestContiguous)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	return n, err == nil
}
