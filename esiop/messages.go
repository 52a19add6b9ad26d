// Package esiop implements the environment-specific inter-ORB protocol:
// the shared-memory transport carrying GIOP messages between protection
// domains on one host. A post office receives fixed-size control
// messages; request and reply bodies travel through shared-memory streams
// except for short replies, which ride inline in the control message.
package esiop

import (
	"encoding/binary"

	"github.com/auriga-os/nucleus/corba"
)

// MsgType is the control-message kind
type MsgType byte

// Control message kinds
const (
	MsgRequest MsgType = iota + 1
	MsgReply
	MsgReplyImmediate
	MsgReplySystemException
	MsgCancelRequest
	MsgLocateRequest
	MsgLocateReply
	MsgDGCConfirm
	MsgDGCRelease
)

// MaxImmediateData bounds the REPLY_IMMEDIATE inline body. A reply whose
// GIOP message fits is sent without any shared-memory allocation; one
// byte more takes the general path.
const MaxImmediateData = 40

// controlMessageSize is the fixed wire size of a control message under
// the 64-bit platform sizes this build assumes (see PlatformSizes).
const controlMessageSize = 1 + 3 + 4 + 4 + 4 + 8 + 8 + 4 + 4 + 4 + 4 + MaxImmediateData

// ControlMessage is one fixed-size post-office message. For REQUEST and
// REPLY, Ptr addresses the stream header in the recipient's address
// space; the GIOP message-size field is unused on this transport and the
// logical length travels in Size.
type ControlMessage struct {
	Type         MsgType
	Sender       uint32 // sending protection domain
	ClientDomain uint32 // the request's client domain
	RequestID    uint32
	Ptr          SharedPtr
	Size         uint64

	// REPLY_SYSTEM_EXCEPTION payload: no shared memory involved. LOCATE_REPLY
	// carries its locate status in ExcCode.
	ExcCode   uint32
	ExcMinor  uint32
	Completed uint32

	// REPLY_IMMEDIATE inline payload
	DataLen uint32
	Data    [MaxImmediateData]byte
}

// System exception codes carried by REPLY_SYSTEM_EXCEPTION
var excNames = []string{
	"UNKNOWN", "BAD_PARAM", "NO_MEMORY", "IMP_LIMIT", "COMM_FAILURE",
	"INV_OBJREF", "NO_PERMISSION", "INTERNAL", "MARSHAL", "INITIALIZE",
	"NO_IMPLEMENT", "BAD_TYPECODE", "BAD_OPERATION", "NO_RESOURCES",
	"BAD_INV_ORDER", "TRANSIENT", "OBJ_ADAPTER", "OBJECT_NOT_EXIST",
	"INV_POLICY", "TIMEOUT",
}

// ExcCodeFor maps a system exception name to its wire code
func ExcCodeFor(name string) uint32 {
	for i, n := range excNames {
		if n == name {
			return uint32(i)
		}
	}
	return 0 // UNKNOWN
}

// ExcNameFor maps a wire code back to the exception name
func ExcNameFor(code uint32) string {
	if int(code) < len(excNames) {
		return excNames[code]
	}
	return "UNKNOWN"
}

// Encode produces the fixed-size wire form
func (m *ControlMessage) Encode() []byte {
	buf := make([]byte, controlMessageSize)
	buf[0] = byte(m.Type)
	binary.LittleEndian.PutUint32(buf[4:], m.Sender)
	binary.LittleEndian.PutUint32(buf[8:], m.ClientDomain)
	binary.LittleEndian.PutUint32(buf[12:], m.RequestID)
	binary.LittleEndian.PutUint64(buf[16:], uint64(m.Ptr))
	binary.LittleEndian.PutUint64(buf[24:], m.Size)
	binary.LittleEndian.PutUint32(buf[32:], m.ExcCode)
	binary.LittleEndian.PutUint32(buf[36:], m.ExcMinor)
	binary.LittleEndian.PutUint32(buf[40:], m.Completed)
	binary.LittleEndian.PutUint32(buf[44:], m.DataLen)
	copy(buf[48:], m.Data[:])
	return buf
}

// DecodeControlMessage parses the fixed-size wire form
func DecodeControlMessage(buf []byte) (*ControlMessage, error) {
	if len(buf) < controlMessageSize {
		return nil, corba.MARSHAL(corba.MinorFewerBytesThanNeeded, corba.CompletionStatusNo)
	}
	m := &ControlMessage{
		Type:         MsgType(buf[0]),
		Sender:       binary.LittleEndian.Uint32(buf[4:]),
		ClientDomain: binary.LittleEndian.Uint32(buf[8:]),
		RequestID:    binary.LittleEndian.Uint32(buf[12:]),
		Ptr:          SharedPtr(binary.LittleEndian.Uint64(buf[16:])),
		Size:         binary.LittleEndian.Uint64(buf[24:]),
		ExcCode:      binary.LittleEndian.Uint32(buf[32:]),
		ExcMinor:     binary.LittleEndian.Uint32(buf[36:]),
		Completed:    binary.LittleEndian.Uint32(buf[40:]),
		DataLen:      binary.LittleEndian.Uint32(buf[44:]),
	}
	if m.DataLen > MaxImmediateData {
		return nil, corba.MARSHAL(0, corba.CompletionStatusNo)
	}
	copy(m.Data[:], buf[48:])
	return m, nil
}
