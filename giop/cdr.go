package giop

import (
	"encoding/binary"
	"math"

	"github.com/auriga-os/nucleus/corba"
)

// CDR alignment sizes
const (
	Align1 = 1 // 8-bit types: octet, boolean, char
	Align2 = 2 // 16-bit types: short, unsigned short
	Align4 = 4 // 32-bit types: long, unsigned long, float
	Align8 = 8 // 64-bit types: long long, unsigned long long, double
)

// IndirectionTag introduces an indirection for TypeCodes, values and
// repository ids: the tag is followed by a signed offset to the previously
// marshaled occurrence.
const IndirectionTag uint32 = 0xFFFFFFFF

func truncated() *corba.SystemException {
	return corba.MARSHAL(corba.MinorFewerBytesThanNeeded, corba.CompletionStatusNo)
}

// indirWriteState tracks writer positions for indirection, shared between
// a stream and its nested encapsulations. Positions are absolute within
// the outermost message body.
type indirWriteState struct {
	tcPos  map[*corba.TypeCode]int
	valPos map[ValueBase]int
	repPos map[string]int
}

func newIndirWriteState() *indirWriteState {
	return &indirWriteState{
		tcPos:  make(map[*corba.TypeCode]int),
		valPos: make(map[ValueBase]int),
		repPos: make(map[string]int),
	}
}

// indirReadState is the reader-side mirror of indirWriteState
type indirReadState struct {
	tc  map[int]*corba.TypeCode
	val map[int]ValueBase
	rep map[int]string
}

func newIndirReadState() *indirReadState {
	return &indirReadState{
		tc:  make(map[int]*corba.TypeCode),
		val: make(map[int]ValueBase),
		rep: make(map[int]string),
	}
}

// CDRMarshaller marshals data into CDR format. Primitive writes honor
// their natural alignment relative to the start of the stream.
type CDRMarshaller struct {
	buf       []byte
	byteOrder binary.ByteOrder
	base      int // absolute position of buf[0] within the message body
	giopMinor byte
	wchar     WCharConverter
	indir     *indirWriteState
}

// NewCDRMarshaller creates a new CDR marshaller with the specified byte order
func NewCDRMarshaller(byteOrder binary.ByteOrder) *CDRMarshaller {
	return &CDRMarshaller{
		byteOrder: byteOrder,
		giopMinor: 2,
		wchar:     UTF16Converter{},
		indir:     newIndirWriteState(),
	}
}

// SetGIOPMinor selects the GIOP minor version governing wide-string layout
func (m *CDRMarshaller) SetGIOPMinor(minor byte) { m.giopMinor = minor }

// SetWCharConverter installs the wide code-set converter bound to the peer
func (m *CDRMarshaller) SetWCharConverter(c WCharConverter) { m.wchar = c }

// ByteOrder returns the stream's byte order
func (m *CDRMarshaller) ByteOrder() binary.ByteOrder { return m.byteOrder }

// Bytes returns the marshalled bytes
func (m *CDRMarshaller) Bytes() []byte { return m.buf }

// Size returns the current size of the marshalled data
func (m *CDRMarshaller) Size() int { return len(m.buf) }

// Pos returns the absolute stream position used for indirection arithmetic
func (m *CDRMarshaller) Pos() int { return m.base + len(m.buf) }

// align pads the buffer to the specified boundary, relative to the stream
// start.
func (m *CDRMarshaller) align(alignment int) {
	if alignment <= 1 {
		return
	}
	padding := (alignment - (len(m.buf) % alignment)) % alignment
	for i := 0; i < padding; i++ {
		m.buf = append(m.buf, 0)
	}
}

// WriteBool writes a boolean value
func (m *CDRMarshaller) WriteBool(value bool) {
	var b byte
	if value {
		b = 1
	}
	m.buf = append(m.buf, b)
}

// WriteOctet writes a byte value
func (m *CDRMarshaller) WriteOctet(value byte) {
	m.buf = append(m.buf, value)
}

// WriteChar writes a character value
func (m *CDRMarshaller) WriteChar(value byte) {
	m.buf = append(m.buf, value)
}

// WriteWChar writes a wide character value
func (m *CDRMarshaller) WriteWChar(value rune) {
	m.align(Align2)
	var tmp [2]byte
	m.byteOrder.PutUint16(tmp[:], uint16(value))
	m.buf = append(m.buf, tmp[:]...)
}

// WriteShort writes a 16-bit integer value
func (m *CDRMarshaller) WriteShort(value int16) {
	m.WriteUShort(uint16(value))
}

// WriteUShort writes a 16-bit unsigned integer value
func (m *CDRMarshaller) WriteUShort(value uint16) {
	m.align(Align2)
	var tmp [2]byte
	m.byteOrder.PutUint16(tmp[:], value)
	m.buf = append(m.buf, tmp[:]...)
}

// WriteLong writes a 32-bit integer value
func (m *CDRMarshaller) WriteLong(value int32) {
	m.WriteULong(uint32(value))
}

// WriteULong writes a 32-bit unsigned integer value
func (m *CDRMarshaller) WriteULong(value uint32) {
	m.align(Align4)
	var tmp [4]byte
	m.byteOrder.PutUint32(tmp[:], value)
	m.buf = append(m.buf, tmp[:]...)
}

// WriteLongLong writes a 64-bit integer value
func (m *CDRMarshaller) WriteLongLong(value int64) {
	m.WriteULongLong(uint64(value))
}

// WriteULongLong writes a 64-bit unsigned integer value
func (m *CDRMarshaller) WriteULongLong(value uint64) {
	m.align(Align8)
	var tmp [8]byte
	m.byteOrder.PutUint64(tmp[:], value)
	m.buf = append(m.buf, tmp[:]...)
}

// WriteFloat writes a 32-bit floating point value
func (m *CDRMarshaller) WriteFloat(value float32) {
	m.WriteULong(math.Float32bits(value))
}

// WriteDouble writes a 64-bit floating point value
func (m *CDRMarshaller) WriteDouble(value float64) {
	m.WriteULongLong(math.Float64bits(value))
}

// WriteString writes a string value, length-prefixed and NUL-terminated
func (m *CDRMarshaller) WriteString(value string) {
	m.WriteULong(uint32(len(value) + 1))
	m.buf = append(m.buf, value...)
	m.buf = append(m.buf, 0)
}

// WriteWString writes a wide string through the wide code-set converter.
// GIOP 1.2 prefixes the encoded byte length and omits the terminator.
func (m *CDRMarshaller) WriteWString(value string) {
	enc := m.wchar.Encode(value, m.byteOrder)
	if m.giopMinor >= 2 {
		m.WriteULong(uint32(len(enc)))
		m.buf = append(m.buf, enc...)
		return
	}
	// Pre-1.2: number of code units including a wide NUL terminator.
	m.WriteULong(uint32(len(enc)/2 + 1))
	m.buf = append(m.buf, enc...)
	var tmp [2]byte
	m.byteOrder.PutUint16(tmp[:], 0)
	m.buf = append(m.buf, tmp[:]...)
}

// WriteOctetSequence writes a length-prefixed sequence of bytes
func (m *CDRMarshaller) WriteOctetSequence(value []byte) {
	m.WriteULong(uint32(len(value)))
	m.buf = append(m.buf, value...)
}

// WriteRaw appends bytes with no count and no alignment
func (m *CDRMarshaller) WriteRaw(value []byte) {
	m.buf = append(m.buf, value...)
}

// WriteServiceContext writes a service context
func (m *CDRMarshaller) WriteServiceContext(ctx ServiceContext) {
	m.WriteULong(ctx.ID)
	m.WriteOctetSequence(ctx.Data)
}

// WriteServiceContextList writes a list of service contexts
func (m *CDRMarshaller) WriteServiceContextList(contexts ServiceContextList) {
	m.WriteULong(uint32(len(contexts)))
	for _, ctx := range contexts {
		m.WriteServiceContext(ctx)
	}
}

// WriteMessageHeader writes a GIOP message header
func (m *CDRMarshaller) WriteMessageHeader(header MessageHeader) {
	m.buf = append(m.buf, header.Magic[:]...)
	m.buf = append(m.buf, header.Version[:]...)
	m.buf = append(m.buf, header.Flags, header.MsgType)
	var tmp [4]byte
	m.byteOrder.PutUint32(tmp[:], header.MsgSize)
	m.buf = append(m.buf, tmp[:]...)
}

// WriteRequestHeader writes a GIOP 1.2 request header
func (m *CDRMarshaller) WriteRequestHeader(header *RequestHeader) {
	m.WriteULong(header.RequestID)
	m.WriteOctet(header.ResponseFlags)
	m.WriteRaw([]byte{0, 0, 0}) // reserved
	m.WriteShort(0)             // KeyAddr addressing disposition
	m.WriteOctetSequence(header.ObjectKey)
	m.WriteString(header.Operation)
	m.WriteServiceContextList(header.ServiceContexts)
	// The body, if any, starts at the next 8-byte boundary in GIOP 1.2.
	m.align(Align8)
}

// WriteReplyHeader writes a GIOP 1.2 reply header
func (m *CDRMarshaller) WriteReplyHeader(header *ReplyHeader) {
	m.WriteULong(header.RequestID)
	m.WriteULong(header.ReplyStatus)
	m.WriteServiceContextList(header.ServiceContexts)
	m.align(Align8)
}

// Encapsulation runs fill on a nested stream and writes the result as a
// length-prefixed encapsulation with a leading endian flag. The nested
// stream shares the indirection state, with positions offset so that
// indirections remain consistent across the whole message.
func (m *CDRMarshaller) Encapsulation(fill func(sub *CDRMarshaller) error) error {
	m.align(Align4) // length field
	sub := &CDRMarshaller{
		byteOrder: m.byteOrder,
		base:      m.Pos() + 4,
		giopMinor: m.giopMinor,
		wchar:     m.wchar,
		indir:     m.indir,
	}
	if m.byteOrder == binary.LittleEndian {
		sub.WriteOctet(1)
	} else {
		sub.WriteOctet(0)
	}
	if err := fill(sub); err != nil {
		return err
	}
	m.WriteOctetSequence(sub.Bytes())
	return nil
}

// CDRUnmarshaller unmarshals data from CDR format. Reads past the end of
// the buffer raise MARSHAL with the fewer-bytes-than-expected minor.
type CDRUnmarshaller struct {
	data      []byte
	pos       int
	byteOrder binary.ByteOrder
	base      int
	giopMinor byte
	wchar     WCharConverter
	indir     *indirReadState

	// ObjectReader unmarshals an object reference; installed by the
	// request layer, which owns reference semantics.
	ObjectReader func(u *CDRUnmarshaller) (interface{}, error)
	// ValueFactory creates value instances for unmarshaling by repository id
	ValueFactory func(repID string) ValueBase
}

// NewCDRUnmarshaller creates a new CDR unmarshaller with the specified byte order
func NewCDRUnmarshaller(data []byte, byteOrder binary.ByteOrder) *CDRUnmarshaller {
	return &CDRUnmarshaller{
		data:      data,
		byteOrder: byteOrder,
		giopMinor: 2,
		wchar:     UTF16Converter{},
		indir:     newIndirReadState(),
	}
}

// SetGIOPMinor selects the GIOP minor version governing wide-string layout
func (u *CDRUnmarshaller) SetGIOPMinor(minor byte) { u.giopMinor = minor }

// SetWCharConverter installs the wide code-set converter bound to the peer
func (u *CDRUnmarshaller) SetWCharConverter(c WCharConverter) { u.wchar = c }

// SetByteOrder switches the byte order, typically after reading a header
// flag.
func (u *CDRUnmarshaller) SetByteOrder(o binary.ByteOrder) { u.byteOrder = o }

// ByteOrder returns the stream's byte order
func (u *CDRUnmarshaller) ByteOrder() binary.ByteOrder { return u.byteOrder }

// Pos returns the absolute stream position used for indirection arithmetic
func (u *CDRUnmarshaller) Pos() int { return u.base + u.pos }

// Remaining returns the number of unread bytes
func (u *CDRUnmarshaller) Remaining() int { return len(u.data) - u.pos }

// align advances the read position to the specified boundary
func (u *CDRUnmarshaller) align(alignment int) {
	if alignment <= 1 {
		return
	}
	padding := (alignment - (u.pos % alignment)) % alignment
	u.pos += padding
}

func (u *CDRUnmarshaller) need(n int) error {
	if u.pos+n > len(u.data) {
		return truncated()
	}
	return nil
}

// ReadBool reads a boolean value
func (u *CDRUnmarshaller) ReadBool() (bool, error) {
	b, err := u.ReadOctet()
	return b != 0, err
}

// ReadOctet reads a byte value
func (u *CDRUnmarshaller) ReadOctet() (byte, error) {
	if err := u.need(1); err != nil {
		return 0, err
	}
	b := u.data[u.pos]
	u.pos++
	return b, nil
}

// ReadChar reads a character value
func (u *CDRUnmarshaller) ReadChar() (byte, error) {
	return u.ReadOctet()
}

// ReadWChar reads a wide character value
func (u *CDRUnmarshaller) ReadWChar() (rune, error) {
	u.align(Align2)
	if err := u.need(2); err != nil {
		return 0, err
	}
	v := u.byteOrder.Uint16(u.data[u.pos:])
	u.pos += 2
	return rune(v), nil
}

// ReadShort reads a 16-bit integer value
func (u *CDRUnmarshaller) ReadShort() (int16, error) {
	v, err := u.ReadUShort()
	return int16(v), err
}

// ReadUShort reads a 16-bit unsigned integer value
func (u *CDRUnmarshaller) ReadUShort() (uint16, error) {
	u.align(Align2)
	if err := u.need(2); err != nil {
		return 0, err
	}
	v := u.byteOrder.Uint16(u.data[u.pos:])
	u.pos += 2
	return v, nil
}

// ReadLong reads a 32-bit integer value
func (u *CDRUnmarshaller) ReadLong() (int32, error) {
	v, err := u.ReadULong()
	return int32(v), err
}

// ReadULong reads a 32-bit unsigned integer value
func (u *CDRUnmarshaller) ReadULong() (uint32, error) {
	u.align(Align4)
	if err := u.need(4); err != nil {
		return 0, err
	}
	v := u.byteOrder.Uint32(u.data[u.pos:])
	u.pos += 4
	return v, nil
}

// ReadLongLong reads a 64-bit integer value
func (u *CDRUnmarshaller) ReadLongLong() (int64, error) {
	v, err := u.ReadULongLong()
	return int64(v), err
}

// ReadULongLong reads a 64-bit unsigned integer value
func (u *CDRUnmarshaller) ReadULongLong() (uint64, error) {
	u.align(Align8)
	if err := u.need(8); err != nil {
		return 0, err
	}
	v := u.byteOrder.Uint64(u.data[u.pos:])
	u.pos += 8
	return v, nil
}

// ReadFloat reads a 32-bit floating point value
func (u *CDRUnmarshaller) ReadFloat() (float32, error) {
	v, err := u.ReadULong()
	return math.Float32frombits(v), err
}

// ReadDouble reads a 64-bit floating point value
func (u *CDRUnmarshaller) ReadDouble() (float64, error) {
	v, err := u.ReadULongLong()
	return math.Float64frombits(v), err
}

// ReadString reads a length-prefixed, NUL-terminated string
func (u *CDRUnmarshaller) ReadString() (string, error) {
	length, err := u.ReadULong()
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	if err := u.need(int(length)); err != nil {
		return "", err
	}
	s := string(u.data[u.pos : u.pos+int(length)-1])
	u.pos += int(length)
	return s, nil
}

// ReadWString reads a wide string through the wide code-set converter
func (u *CDRUnmarshaller) ReadWString() (string, error) {
	length, err := u.ReadULong()
	if err != nil {
		return "", err
	}
	if u.giopMinor >= 2 {
		if err := u.need(int(length)); err != nil {
			return "", err
		}
		s, err := u.wchar.Decode(u.data[u.pos:u.pos+int(length)], u.byteOrder)
		if err != nil {
			return "", err
		}
		u.pos += int(length)
		return s, nil
	}
	if length == 0 {
		return "", nil
	}
	n := int(length) * 2
	if err := u.need(n); err != nil {
		return "", err
	}
	s, err := u.wchar.Decode(u.data[u.pos:u.pos+n-2], u.byteOrder)
	if err != nil {
		return "", err
	}
	u.pos += n
	return s, nil
}

// ReadOctetSequence reads a length-prefixed sequence of bytes
func (u *CDRUnmarshaller) ReadOctetSequence() ([]byte, error) {
	length, err := u.ReadULong()
	if err != nil {
		return nil, err
	}
	if err := u.need(int(length)); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	copy(buf, u.data[u.pos:])
	u.pos += int(length)
	return buf, nil
}

// ReadRaw reads n bytes with no alignment
func (u *CDRUnmarshaller) ReadRaw(n int) ([]byte, error) {
	if err := u.need(n); err != nil {
		return nil, err
	}
	b := u.data[u.pos : u.pos+n]
	u.pos += n
	return b, nil
}

// ReadServiceContext reads a service context
func (u *CDRUnmarshaller) ReadServiceContext() (ServiceContext, error) {
	var ctx ServiceContext
	var err error
	if ctx.ID, err = u.ReadULong(); err != nil {
		return ctx, err
	}
	if ctx.Data, err = u.ReadOctetSequence(); err != nil {
		return ctx, err
	}
	return ctx, nil
}

// ReadServiceContextList reads a list of service contexts
func (u *CDRUnmarshaller) ReadServiceContextList() (ServiceContextList, error) {
	count, err := u.ReadULong()
	if err != nil {
		return nil, err
	}
	if int(count) > u.Remaining() {
		return nil, truncated()
	}
	contexts := make(ServiceContextList, count)
	for i := uint32(0); i < count; i++ {
		if contexts[i], err = u.ReadServiceContext(); err != nil {
			return nil, err
		}
	}
	return contexts, nil
}

// ReadMessageHeader reads and validates a GIOP message header, switching
// the stream byte order per the header flag.
func (u *CDRUnmarshaller) ReadMessageHeader() (MessageHeader, error) {
	var header MessageHeader
	if err := u.need(HeaderSize); err != nil {
		return header, err
	}
	copy(header.Magic[:], u.data[u.pos:])
	copy(header.Version[:], u.data[u.pos+4:])
	header.Flags = u.data[u.pos+6]
	header.MsgType = u.data[u.pos+7]
	if header.IsLittleEndian() {
		u.byteOrder = binary.LittleEndian
	} else {
		u.byteOrder = binary.BigEndian
	}
	header.MsgSize = u.byteOrder.Uint32(u.data[u.pos+8:])
	u.pos += HeaderSize
	u.giopMinor = header.Version[1]
	if err := header.Validate(); err != nil {
		return header, corba.MARSHAL(0, corba.CompletionStatusNo)
	}
	return header, nil
}

// ReadRequestHeader reads a GIOP 1.2 request header
func (u *CDRUnmarshaller) ReadRequestHeader() (*RequestHeader, error) {
	header := &RequestHeader{}
	var err error
	if header.RequestID, err = u.ReadULong(); err != nil {
		return nil, err
	}
	if header.ResponseFlags, err = u.ReadOctet(); err != nil {
		return nil, err
	}
	if _, err = u.ReadRaw(3); err != nil { // reserved
		return nil, err
	}
	if _, err = u.ReadShort(); err != nil { // addressing disposition
		return nil, err
	}
	if header.ObjectKey, err = u.ReadOctetSequence(); err != nil {
		return nil, err
	}
	if header.Operation, err = u.ReadString(); err != nil {
		return nil, err
	}
	if header.ServiceContexts, err = u.ReadServiceContextList(); err != nil {
		return nil, err
	}
	if u.Remaining() > 0 {
		u.align(Align8)
	}
	return header, nil
}

// ReadReplyHeader reads a GIOP 1.2 reply header
func (u *CDRUnmarshaller) ReadReplyHeader() (*ReplyHeader, error) {
	header := &ReplyHeader{}
	var err error
	if header.RequestID, err = u.ReadULong(); err != nil {
		return nil, err
	}
	if header.ReplyStatus, err = u.ReadULong(); err != nil {
		return nil, err
	}
	if header.ServiceContexts, err = u.ReadServiceContextList(); err != nil {
		return nil, err
	}
	if u.Remaining() > 0 {
		u.align(Align8)
	}
	return header, nil
}

// Encapsulation reads a length-prefixed encapsulation and returns a nested
// stream over its content. The nested stream shares indirection state with
// the parent.
func (u *CDRUnmarshaller) Encapsulation() (*CDRUnmarshaller, error) {
	length, err := u.ReadULong()
	if err != nil {
		return nil, err
	}
	if err := u.need(int(length)); err != nil {
		return nil, err
	}
	sub := &CDRUnmarshaller{
		data:         u.data[u.pos : u.pos+int(length)],
		byteOrder:    u.byteOrder,
		base:         u.base + u.pos,
		giopMinor:    u.giopMinor,
		wchar:        u.wchar,
		indir:        u.indir,
		ObjectReader: u.ObjectReader,
		ValueFactory: u.ValueFactory,
	}
	u.pos += int(length)
	flag, err := sub.ReadOctet()
	if err != nil {
		return nil, err
	}
	if flag != 0 {
		sub.byteOrder = binary.LittleEndian
	} else {
		sub.byteOrder = binary.BigEndian
	}
	return sub, nil
}
