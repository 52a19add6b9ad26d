package giop

import (
	"github.com/auriga-os/nucleus/corba"
)

// Valuetype wire tags
const (
	ValueTag     uint32 = 0x7fffff00
	ValueTagMask uint32 = 0xffffff00

	ValueFlagCodebase uint32 = 0x01
	ValueFlagSingleID uint32 = 0x02
	ValueFlagIDList   uint32 = 0x06
	ValueFlagChunked  uint32 = 0x08
)

// MaxChunkSize bounds a single value chunk. Bodies larger than this are
// split at chunk boundaries, which are invisible to users.
const MaxChunkSize = 4096

// ValueBase is implemented by marshalable valuetypes
type ValueBase interface {
	ValueID() string
	MarshalValue(m *CDRMarshaller) error
	UnmarshalValue(u *CDRUnmarshaller) error
}

// ObjectWriter is implemented by object references that can marshal
// themselves onto a CDR stream. The request layer owns the concrete
// reference types.
type ObjectWriter interface {
	WriteObjectRef(m *CDRMarshaller) error
}

func (m *CDRMarshaller) writeRepID(id string) {
	if pos, ok := m.indir.repPos[id]; ok {
		m.WriteULong(IndirectionTag)
		offsetField := m.Pos()
		m.WriteLong(int32(pos - offsetField))
		return
	}
	m.align(Align4)
	m.indir.repPos[id] = m.Pos()
	m.WriteString(id)
}

func (u *CDRUnmarshaller) readRepID() (string, error) {
	u.align(Align4)
	strPos := u.Pos()
	raw, err := u.ReadULong()
	if err != nil {
		return "", err
	}
	if raw == IndirectionTag {
		u.align(Align4)
		offsetField := u.Pos()
		off, err := u.ReadLong()
		if err != nil {
			return "", err
		}
		if off >= -4 {
			return "", badIndirection()
		}
		id, ok := u.indir.rep[offsetField+int(off)]
		if !ok {
			return "", badIndirection()
		}
		return id, nil
	}
	if raw == 0 {
		return "", nil
	}
	if err := u.need(int(raw)); err != nil {
		return "", err
	}
	id := string(u.data[u.pos : u.pos+int(raw)-1])
	u.pos += int(raw)
	u.indir.rep[strPos] = id
	return id, nil
}

// WriteValue marshals a valuetype with a single repository id, sharing and
// cycles preserved through the indirection map. A nil value is written as
// null.
func (m *CDRMarshaller) WriteValue(v ValueBase) error {
	return m.writeValue(v, false)
}

// WriteValueChunked marshals a valuetype with the chunked encoding, used
// for truncatable values. Chunk boundaries are enforced at MaxChunkSize.
func (m *CDRMarshaller) WriteValueChunked(v ValueBase) error {
	return m.writeValue(v, true)
}

func (m *CDRMarshaller) writeValue(v ValueBase, chunked bool) error {
	if v == nil {
		m.WriteULong(0)
		return nil
	}
	if pos, ok := m.indir.valPos[v]; ok {
		m.WriteULong(IndirectionTag)
		offsetField := m.Pos()
		m.WriteLong(int32(pos - offsetField))
		return nil
	}
	m.align(Align4)
	tagPos := m.Pos()
	m.indir.valPos[v] = tagPos

	tag := ValueTag | ValueFlagSingleID
	if chunked {
		tag |= ValueFlagChunked
	}
	m.WriteULong(tag)
	m.writeRepID(v.ValueID())

	if !chunked {
		return v.MarshalValue(m)
	}

	// Chunked bodies are marshaled into their own scope and emitted in
	// bounded chunks; the reader reassembles before parsing, so positions
	// inside the body stay consistent on both sides.
	sub := NewCDRMarshaller(m.byteOrder)
	sub.giopMinor = m.giopMinor
	sub.wchar = m.wchar
	if err := v.MarshalValue(sub); err != nil {
		return err
	}
	body := sub.Bytes()
	for off := 0; off < len(body) || off == 0; off += MaxChunkSize {
		end := off + MaxChunkSize
		if end > len(body) {
			end = len(body)
		}
		m.WriteLong(int32(end - off))
		m.WriteRaw(body[off:end])
		if end == len(body) {
			break
		}
	}
	m.WriteLong(-1) // end of value, nesting level 1
	return nil
}

// ReadValue unmarshals a valuetype. Instances are created through the
// stream's ValueFactory; indirections resolve against values already read
// in this message, including the in-progress one for cyclic graphs.
func (u *CDRUnmarshaller) ReadValue() (ValueBase, error) {
	u.align(Align4)
	tagPos := u.Pos()
	raw, err := u.ReadULong()
	if err != nil {
		return nil, err
	}
	if raw == 0 {
		return nil, nil
	}
	if raw == IndirectionTag {
		u.align(Align4)
		offsetField := u.Pos()
		off, err := u.ReadLong()
		if err != nil {
			return nil, err
		}
		if off >= -4 {
			return nil, badIndirection()
		}
		v, ok := u.indir.val[offsetField+int(off)]
		if !ok {
			return nil, badIndirection()
		}
		return v, nil
	}
	if raw&ValueTagMask != ValueTag {
		return nil, corba.MARSHAL(0, corba.CompletionStatusNo)
	}
	flags := raw & 0xff

	if flags&ValueFlagCodebase != 0 {
		if _, err := u.ReadString(); err != nil { // codebase URL, ignored
			return nil, err
		}
	}
	var repID string
	switch flags & ValueFlagIDList {
	case ValueFlagSingleID:
		if repID, err = u.readRepID(); err != nil {
			return nil, err
		}
	case ValueFlagIDList:
		count, err := u.ReadULong()
		if err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, corba.MARSHAL(0, corba.CompletionStatusNo)
		}
		for i := uint32(0); i < count; i++ {
			id, err := u.readRepID()
			if err != nil {
				return nil, err
			}
			if i == 0 {
				repID = id
			}
		}
	default:
		return nil, corba.MARSHAL(0, corba.CompletionStatusNo)
	}

	if u.ValueFactory == nil {
		return nil, corba.MARSHAL(0, corba.CompletionStatusNo)
	}
	v := u.ValueFactory(repID)
	if v == nil {
		return nil, corba.MARSHAL(0, corba.CompletionStatusNo)
	}
	u.indir.val[tagPos] = v

	if flags&ValueFlagChunked == 0 {
		if err := v.UnmarshalValue(u); err != nil {
			return nil, err
		}
		return v, nil
	}

	var body []byte
	for {
		size, err := u.ReadLong()
		if err != nil {
			return nil, err
		}
		if size < 0 {
			break // end-of-value tag
		}
		if uint32(size)&ValueTagMask == ValueTag {
			return nil, corba.MARSHAL(0, corba.CompletionStatusNo)
		}
		chunk, err := u.ReadRaw(int(size))
		if err != nil {
			return nil, err
		}
		body = append(body, chunk...)
	}
	sub := NewCDRUnmarshaller(body, u.byteOrder)
	sub.giopMinor = u.giopMinor
	sub.wchar = u.wchar
	sub.ObjectReader = u.ObjectReader
	sub.ValueFactory = u.ValueFactory
	if err := v.UnmarshalValue(sub); err != nil {
		return nil, err
	}
	return v, nil
}

// WriteAbstractInterface marshals an abstract interface: a discriminator
// (1 = object reference, 0 = value) followed by the payload. A nil
// abstract interface is written as a null value.
func (m *CDRMarshaller) WriteAbstractInterface(obj ObjectWriter, val ValueBase) error {
	if obj != nil {
		m.WriteBool(true)
		return obj.WriteObjectRef(m)
	}
	m.WriteBool(false)
	return m.WriteValue(val)
}

// ReadAbstractInterface unmarshals an abstract interface. Exactly one of
// the returns is set: an object reference (through the stream's
// ObjectReader) or a value.
func (u *CDRUnmarshaller) ReadAbstractInterface() (interface{}, ValueBase, error) {
	isObject, err := u.ReadBool()
	if err != nil {
		return nil, nil, err
	}
	if isObject {
		if u.ObjectReader == nil {
			return nil, nil, corba.MARSHAL(0, corba.CompletionStatusNo)
		}
		obj, err := u.ObjectReader(u)
		return obj, nil, err
	}
	v, err := u.ReadValue()
	return nil, v, err
}
