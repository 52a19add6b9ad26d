package giop

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// node is a linked valuetype used to exercise sharing and cycles
type node struct {
	Label string
	Next  *node
}

func (n *node) ValueID() string { return "IDL:test/Node:1.0" }

func (n *node) MarshalValue(m *CDRMarshaller) error {
	m.WriteString(n.Label)
	if n.Next == nil {
		return m.WriteValue(nil)
	}
	return m.WriteValue(n.Next)
}

func (n *node) UnmarshalValue(u *CDRUnmarshaller) error {
	var err error
	if n.Label, err = u.ReadString(); err != nil {
		return err
	}
	v, err := u.ReadValue()
	if err != nil {
		return err
	}
	if v != nil {
		n.Next = v.(*node)
	}
	return nil
}

func nodeFactory(repID string) ValueBase {
	if repID == "IDL:test/Node:1.0" {
		return &node{}
	}
	return nil
}

func TestValueRoundTrip(t *testing.T) {
	for _, order := range orders() {
		m := NewCDRMarshaller(order)
		v := &node{Label: "head", Next: &node{Label: "tail"}}
		require.NoError(t, m.WriteValue(v))

		u := NewCDRUnmarshaller(m.Bytes(), order)
		u.ValueFactory = nodeFactory
		got, err := u.ReadValue()
		require.NoError(t, err)
		n := got.(*node)
		assert.Equal(t, "head", n.Label)
		require.NotNil(t, n.Next)
		assert.Equal(t, "tail", n.Next.Label)
		assert.Nil(t, n.Next.Next)
	}
}

func TestValueNilIsNull(t *testing.T) {
	m := NewCDRMarshaller(binary.BigEndian)
	require.NoError(t, m.WriteValue(nil))
	assert.Equal(t, []byte{0, 0, 0, 0}, m.Bytes())

	u := NewCDRUnmarshaller(m.Bytes(), binary.BigEndian)
	got, err := u.ReadValue()
	require.NoError(t, err)
	assert.Nil(t, got)
}

// TestValueSharingPreserved writes the same instance twice; the second
// occurrence travels as an indirection and unmarshals to the same
// instance.
func TestValueSharingPreserved(t *testing.T) {
	shared := &node{Label: "shared"}
	m := NewCDRMarshaller(binary.LittleEndian)
	require.NoError(t, m.WriteValue(shared))
	require.NoError(t, m.WriteValue(shared))

	u := NewCDRUnmarshaller(m.Bytes(), binary.LittleEndian)
	u.ValueFactory = nodeFactory
	first, err := u.ReadValue()
	require.NoError(t, err)
	second, err := u.ReadValue()
	require.NoError(t, err)
	assert.Same(t, first, second)
}

// TestValueCycle closes a two-node cycle through the indirection map
func TestValueCycle(t *testing.T) {
	a := &node{Label: "a"}
	b := &node{Label: "b", Next: a}
	a.Next = b

	m := NewCDRMarshaller(binary.BigEndian)
	require.NoError(t, m.WriteValue(a))

	u := NewCDRUnmarshaller(m.Bytes(), binary.BigEndian)
	u.ValueFactory = nodeFactory
	got, err := u.ReadValue()
	require.NoError(t, err)
	ga := got.(*node)
	require.NotNil(t, ga.Next)
	assert.Equal(t, "b", ga.Next.Label)
	assert.Same(t, ga, ga.Next.Next)
}

func TestValueChunkedRoundTrip(t *testing.T) {
	big := make([]byte, MaxChunkSize*2+100)
	for i := range big {
		big[i] = byte(i)
	}
	v := &blob{Data: big}

	m := NewCDRMarshaller(binary.LittleEndian)
	require.NoError(t, m.WriteValueChunked(v))

	u := NewCDRUnmarshaller(m.Bytes(), binary.LittleEndian)
	u.ValueFactory = func(repID string) ValueBase { return &blob{} }
	got, err := u.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, big, got.(*blob).Data)
}

type blob struct {
	Data []byte
}

func (b *blob) ValueID() string { return "IDL:test/Blob:1.0" }

func (b *blob) MarshalValue(m *CDRMarshaller) error {
	m.WriteOctetSequence(b.Data)
	return nil
}

func (b *blob) UnmarshalValue(u *CDRUnmarshaller) error {
	var err error
	b.Data, err = u.ReadOctetSequence()
	return err
}

type fakeObjRef struct{ id uint32 }

func (f *fakeObjRef) WriteObjectRef(m *CDRMarshaller) error {
	m.WriteULong(f.id)
	return nil
}

func TestAbstractInterfaceObjectArm(t *testing.T) {
	m := NewCDRMarshaller(binary.BigEndian)
	require.NoError(t, m.WriteAbstractInterface(&fakeObjRef{id: 5}, nil))

	u := NewCDRUnmarshaller(m.Bytes(), binary.BigEndian)
	u.ObjectReader = func(u *CDRUnmarshaller) (interface{}, error) {
		id, err := u.ReadULong()
		return &fakeObjRef{id: id}, err
	}
	obj, val, err := u.ReadAbstractInterface()
	require.NoError(t, err)
	assert.Nil(t, val)
	assert.Equal(t, uint32(5), obj.(*fakeObjRef).id)
}

// TestAbstractInterfaceNil checks the mandated encoding of a nil abstract
// interface: discriminator 0 followed by a null value.
func TestAbstractInterfaceNil(t *testing.T) {
	m := NewCDRMarshaller(binary.BigEndian)
	require.NoError(t, m.WriteAbstractInterface(nil, nil))
	// bool 0, padding to 4, ulong 0
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0}, m.Bytes())

	u := NewCDRUnmarshaller(m.Bytes(), binary.BigEndian)
	obj, val, err := u.ReadAbstractInterface()
	require.NoError(t, err)
	assert.Nil(t, obj)
	assert.Nil(t, val)
}

func TestAbstractInterfaceValueArm(t *testing.T) {
	m := NewCDRMarshaller(binary.LittleEndian)
	require.NoError(t, m.WriteAbstractInterface(nil, &node{Label: "v"}))

	u := NewCDRUnmarshaller(m.Bytes(), binary.LittleEndian)
	u.ValueFactory = nodeFactory
	obj, val, err := u.ReadAbstractInterface()
	require.NoError(t, err)
	assert.Nil(t, obj)
	assert.Equal(t, "v", val.(*node).Label)
}
