package giop

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auriga-os/nucleus/corba"
)

func roundTripTC(t *testing.T, tc *corba.TypeCode, order binary.ByteOrder) *corba.TypeCode {
	t.Helper()
	m := NewCDRMarshaller(order)
	require.NoError(t, m.WriteTypeCode(tc))
	u := NewCDRUnmarshaller(m.Bytes(), order)
	got, err := u.ReadTypeCode()
	require.NoError(t, err)
	return got
}

func TestTypeCodeSimpleRoundTrip(t *testing.T) {
	for _, order := range orders() {
		for _, kind := range []corba.TCKind{
			corba.TkShort, corba.TkLong, corba.TkULongLong, corba.TkDouble,
			corba.TkBoolean, corba.TkOctet, corba.TkWChar,
		} {
			got := roundTripTC(t, corba.TC(kind), order)
			assert.Equal(t, kind, got.Kind)
		}
	}
}

func TestTypeCodeStructRoundTrip(t *testing.T) {
	tc := corba.TCStruct("IDL:test/Point:1.0", "Point",
		corba.TCMember{Name: "x", Type: corba.TC(corba.TkLong)},
		corba.TCMember{Name: "y", Type: corba.TC(corba.TkLong)},
	)
	for _, order := range orders() {
		got := roundTripTC(t, tc, order)
		assert.True(t, tc.Equal(got), cmp.Diff(tc, got))
		assert.True(t, tc.Equivalent(got))
	}
}

func TestTypeCodeUnionEnumAliasRoundTrip(t *testing.T) {
	enum := corba.TCEnum("IDL:test/Color:1.0", "Color", "RED", "GREEN", "BLUE")
	union := corba.TCUnion("IDL:test/Shade:1.0", "Shade", corba.TC(corba.TkLong), 1,
		corba.TCMember{Name: "light", Type: corba.TC(corba.TkShort), Label: 0},
		corba.TCMember{Name: "other", Type: corba.TCString(0), Label: 0}, // default arm
		corba.TCMember{Name: "dark", Type: enum, Label: 2},
	)
	alias := corba.TCAlias("IDL:test/ShadeAlias:1.0", "ShadeAlias", union)
	seqOfSeq := corba.TCSequence(corba.TCSequence(corba.TC(corba.TkDouble), 0), 8)

	for _, tc := range []*corba.TypeCode{enum, union, alias, seqOfSeq} {
		got := roundTripTC(t, tc, binary.LittleEndian)
		assert.True(t, tc.Equal(got))
	}

	// Equivalent unwinds the alias.
	got := roundTripTC(t, alias, binary.BigEndian)
	assert.True(t, got.Equivalent(union))
}

// TestTypeCodeRecursiveRoundTrip is the cycle law: a struct referencing
// itself through a sequence marshals via indirection and unmarshals to an
// equal TypeCode.
func TestTypeCodeRecursiveRoundTrip(t *testing.T) {
	s := &corba.TypeCode{Kind: corba.TkStruct, ID: "IDL:test/S:1.0", Name: "S"}
	s.Members = []corba.TCMember{
		{Name: "x", Type: corba.TC(corba.TkLong)},
		{Name: "next", Type: corba.TCSequence(s, 0)},
	}

	for _, order := range orders() {
		got := roundTripTC(t, s, order)
		assert.True(t, s.Equal(got))
		assert.True(t, s.Equivalent(got))
		// The decoded graph must close its own cycle.
		require.Len(t, got.Members, 2)
		assert.Same(t, got, got.Members[1].Type.Content)
	}
}

func TestTypeCodeRepeatedUsesIndirection(t *testing.T) {
	inner := corba.TCStruct("IDL:test/Inner:1.0", "Inner",
		corba.TCMember{Name: "v", Type: corba.TC(corba.TkLong)})
	outer := corba.TCStruct("IDL:test/Outer:1.0", "Outer",
		corba.TCMember{Name: "a", Type: inner},
		corba.TCMember{Name: "b", Type: inner},
	)
	m := NewCDRMarshaller(binary.BigEndian)
	require.NoError(t, m.WriteTypeCode(outer))

	u := NewCDRUnmarshaller(m.Bytes(), binary.BigEndian)
	got, err := u.ReadTypeCode()
	require.NoError(t, err)
	assert.True(t, outer.Equal(got))
	// Both members resolve to one shared TypeCode instance.
	assert.Same(t, got.Members[0].Type, got.Members[1].Type)
}

func TestTypeCodeBadIndirectionOffset(t *testing.T) {
	// An indirection offset >= -4 points into the offset field itself.
	m := NewCDRMarshaller(binary.BigEndian)
	m.WriteULong(IndirectionTag)
	m.WriteLong(-4)
	u := NewCDRUnmarshaller(m.Bytes(), binary.BigEndian)
	_, err := u.ReadTypeCode()
	require.Error(t, err)
	se, ok := corba.AsSystemException(err)
	require.True(t, ok)
	assert.Equal(t, "MARSHAL", se.Name())
}

func TestTypeCodeUnknownIndirectionTarget(t *testing.T) {
	m := NewCDRMarshaller(binary.BigEndian)
	m.WriteULong(0) // padding so a negative offset stays in range
	m.WriteULong(IndirectionTag)
	m.WriteLong(-8)
	u := NewCDRUnmarshaller(m.Bytes(), binary.BigEndian)
	_, err := u.ReadULong()
	require.NoError(t, err)
	_, err = u.ReadTypeCode()
	require.Error(t, err)
}

func TestTypeCodeIncompleteRejected(t *testing.T) {
	incomplete := &corba.TypeCode{Kind: corba.TkSequence} // no content
	m := NewCDRMarshaller(binary.BigEndian)
	err := m.WriteTypeCode(incomplete)
	require.Error(t, err)
	se, ok := corba.AsSystemException(err)
	require.True(t, ok)
	assert.Equal(t, "BAD_TYPECODE", se.Name())
}

func TestTypeCodeValueRoundTrip(t *testing.T) {
	val := corba.TCValue("IDL:test/Node:1.0", "Node", corba.ValueModifierNone, nil,
		corba.TCMember{Name: "label", Type: corba.TCString(0)},
	)
	got := roundTripTC(t, val, binary.LittleEndian)
	assert.True(t, val.Equal(got))
}
