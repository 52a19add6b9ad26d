package giop

import (
	"github.com/auriga-os/nucleus/corba"
)

func badTypeCode() *corba.SystemException {
	return corba.BAD_TYPECODE(0, corba.CompletionStatusNo)
}

func badIndirection() *corba.SystemException {
	return corba.MARSHAL(corba.MinorBadIndirection, corba.CompletionStatusNo)
}

func isSimpleKind(k corba.TCKind) bool {
	switch k {
	case corba.TkNull, corba.TkVoid, corba.TkShort, corba.TkLong,
		corba.TkUShort, corba.TkULong, corba.TkFloat, corba.TkDouble,
		corba.TkBoolean, corba.TkChar, corba.TkOctet, corba.TkAny,
		corba.TkTypeCode, corba.TkPrincipal, corba.TkLongLong,
		corba.TkULongLong, corba.TkLongDouble, corba.TkWChar:
		return true
	}
	return false
}

// WriteTypeCode marshals a TypeCode. Simple kinds are written inline;
// string kinds carry their bound inline; all other kinds are written as an
// encapsulation. A TypeCode already written in this message is emitted as
// an indirection, which also closes recursive types.
func (m *CDRMarshaller) WriteTypeCode(tc *corba.TypeCode) error {
	if tc == nil || !tc.Complete() {
		return badTypeCode()
	}
	if isSimpleKind(tc.Kind) {
		m.WriteULong(uint32(tc.Kind))
		return nil
	}
	if tc.Kind == corba.TkString || tc.Kind == corba.TkWString {
		m.WriteULong(uint32(tc.Kind))
		m.WriteULong(tc.Length)
		return nil
	}

	if pos, ok := m.indir.tcPos[tc]; ok {
		m.WriteULong(IndirectionTag)
		offsetField := m.Pos()
		m.WriteLong(int32(pos - offsetField))
		return nil
	}

	m.align(Align4)
	m.indir.tcPos[tc] = m.Pos()
	m.WriteULong(uint32(tc.Kind))

	switch tc.Kind {
	case corba.TkObjref, corba.TkAbstractInterface, corba.TkNative:
		return m.Encapsulation(func(sub *CDRMarshaller) error {
			sub.WriteString(tc.ID)
			sub.WriteString(tc.Name)
			return nil
		})
	case corba.TkStruct, corba.TkExcept:
		return m.Encapsulation(func(sub *CDRMarshaller) error {
			sub.WriteString(tc.ID)
			sub.WriteString(tc.Name)
			sub.WriteULong(uint32(len(tc.Members)))
			for _, mb := range tc.Members {
				sub.WriteString(mb.Name)
				if err := sub.WriteTypeCode(mb.Type); err != nil {
					return err
				}
			}
			return nil
		})
	case corba.TkUnion:
		return m.Encapsulation(func(sub *CDRMarshaller) error {
			sub.WriteString(tc.ID)
			sub.WriteString(tc.Name)
			if err := sub.WriteTypeCode(tc.Discriminator); err != nil {
				return err
			}
			sub.WriteLong(tc.DefaultIndex)
			sub.WriteULong(uint32(len(tc.Members)))
			for i, mb := range tc.Members {
				if err := writeUnionLabel(sub, tc, i, mb.Label); err != nil {
					return err
				}
				sub.WriteString(mb.Name)
				if err := sub.WriteTypeCode(mb.Type); err != nil {
					return err
				}
			}
			return nil
		})
	case corba.TkEnum:
		return m.Encapsulation(func(sub *CDRMarshaller) error {
			sub.WriteString(tc.ID)
			sub.WriteString(tc.Name)
			sub.WriteULong(uint32(len(tc.Members)))
			for _, mb := range tc.Members {
				sub.WriteString(mb.Name)
			}
			return nil
		})
	case corba.TkSequence, corba.TkArray:
		return m.Encapsulation(func(sub *CDRMarshaller) error {
			if err := sub.WriteTypeCode(tc.Content); err != nil {
				return err
			}
			sub.WriteULong(tc.Length)
			return nil
		})
	case corba.TkAlias, corba.TkValueBox:
		return m.Encapsulation(func(sub *CDRMarshaller) error {
			sub.WriteString(tc.ID)
			sub.WriteString(tc.Name)
			return sub.WriteTypeCode(tc.Content)
		})
	case corba.TkValue:
		return m.Encapsulation(func(sub *CDRMarshaller) error {
			sub.WriteString(tc.ID)
			sub.WriteString(tc.Name)
			sub.WriteShort(tc.ValueModifier)
			base := tc.Base
			if base == nil {
				base = corba.TC(corba.TkNull)
			}
			if err := sub.WriteTypeCode(base); err != nil {
				return err
			}
			sub.WriteULong(uint32(len(tc.Members)))
			for _, mb := range tc.Members {
				sub.WriteString(mb.Name)
				if err := sub.WriteTypeCode(mb.Type); err != nil {
					return err
				}
				sub.WriteShort(1) // PUBLIC_MEMBER
			}
			return nil
		})
	}
	return badTypeCode()
}

func writeUnionLabel(m *CDRMarshaller, union *corba.TypeCode, index int, label int64) error {
	if union.DefaultIndex >= 0 && int32(index) == union.DefaultIndex {
		m.WriteOctet(0)
		return nil
	}
	disc := union.Discriminator
	for disc.Kind == corba.TkAlias {
		disc = disc.Content
	}
	switch disc.Kind {
	case corba.TkShort:
		m.WriteShort(int16(label))
	case corba.TkUShort:
		m.WriteUShort(uint16(label))
	case corba.TkLong:
		m.WriteLong(int32(label))
	case corba.TkULong, corba.TkEnum:
		m.WriteULong(uint32(label))
	case corba.TkLongLong:
		m.WriteLongLong(label)
	case corba.TkULongLong:
		m.WriteULongLong(uint64(label))
	case corba.TkBoolean:
		m.WriteBool(label != 0)
	case corba.TkChar:
		m.WriteChar(byte(label))
	default:
		return badTypeCode()
	}
	return nil
}

// ReadTypeCode unmarshals a TypeCode, resolving indirections against the
// TypeCodes already read in this message. Recursive types resolve to the
// in-progress TypeCode, closing the cycle.
func (u *CDRUnmarshaller) ReadTypeCode() (*corba.TypeCode, error) {
	u.align(Align4)
	kindPos := u.Pos()
	raw, err := u.ReadULong()
	if err != nil {
		return nil, err
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
		tc, ok := u.indir.tc[offsetField+int(off)]
		if !ok {
			return nil, badIndirection()
		}
		return tc, nil
	}

	kind := corba.TCKind(raw)
	if isSimpleKind(kind) {
		return corba.TC(kind), nil
	}
	if kind == corba.TkString || kind == corba.TkWString {
		bound, err := u.ReadULong()
		if err != nil {
			return nil, err
		}
		return &corba.TypeCode{Kind: kind, Length: bound}, nil
	}

	tc := &corba.TypeCode{Kind: kind}
	u.indir.tc[kindPos] = tc
	sub, err := u.Encapsulation()
	if err != nil {
		return nil, err
	}

	switch kind {
	case corba.TkObjref, corba.TkAbstractInterface, corba.TkNative:
		if tc.ID, err = sub.ReadString(); err != nil {
			return nil, err
		}
		if tc.Name, err = sub.ReadString(); err != nil {
			return nil, err
		}
	case corba.TkStruct, corba.TkExcept:
		if tc.ID, err = sub.ReadString(); err != nil {
			return nil, err
		}
		if tc.Name, err = sub.ReadString(); err != nil {
			return nil, err
		}
		count, err := sub.ReadULong()
		if err != nil {
			return nil, err
		}
		if int(count) > sub.Remaining() {
			return nil, truncated()
		}
		tc.Members = make([]corba.TCMember, count)
		for i := range tc.Members {
			if tc.Members[i].Name, err = sub.ReadString(); err != nil {
				return nil, err
			}
			if tc.Members[i].Type, err = sub.ReadTypeCode(); err != nil {
				return nil, err
			}
		}
	case corba.TkUnion:
		if tc.ID, err = sub.ReadString(); err != nil {
			return nil, err
		}
		if tc.Name, err = sub.ReadString(); err != nil {
			return nil, err
		}
		if tc.Discriminator, err = sub.ReadTypeCode(); err != nil {
			return nil, err
		}
		if tc.DefaultIndex, err = sub.ReadLong(); err != nil {
			return nil, err
		}
		count, err := sub.ReadULong()
		if err != nil {
			return nil, err
		}
		if int(count) > sub.Remaining() {
			return nil, truncated()
		}
		tc.Members = make([]corba.TCMember, count)
		for i := range tc.Members {
			if tc.Members[i].Label, err = readUnionLabel(sub, tc, i); err != nil {
				return nil, err
			}
			if tc.Members[i].Name, err = sub.ReadString(); err != nil {
				return nil, err
			}
			if tc.Members[i].Type, err = sub.ReadTypeCode(); err != nil {
				return nil, err
			}
		}
	case corba.TkEnum:
		if tc.ID, err = sub.ReadString(); err != nil {
			return nil, err
		}
		if tc.Name, err = sub.ReadString(); err != nil {
			return nil, err
		}
		count, err := sub.ReadULong()
		if err != nil {
			return nil, err
		}
		if int(count) > sub.Remaining() {
			return nil, truncated()
		}
		tc.Members = make([]corba.TCMember, count)
		for i := range tc.Members {
			if tc.Members[i].Name, err = sub.ReadString(); err != nil {
				return nil, err
			}
		}
	case corba.TkSequence, corba.TkArray:
		if tc.Content, err = sub.ReadTypeCode(); err != nil {
			return nil, err
		}
		if tc.Length, err = sub.ReadULong(); err != nil {
			return nil, err
		}
	case corba.TkAlias, corba.TkValueBox:
		if tc.ID, err = sub.ReadString(); err != nil {
			return nil, err
		}
		if tc.Name, err = sub.ReadString(); err != nil {
			return nil, err
		}
		if tc.Content, err = sub.ReadTypeCode(); err != nil {
			return nil, err
		}
	case corba.TkValue:
		if tc.ID, err = sub.ReadString(); err != nil {
			return nil, err
		}
		if tc.Name, err = sub.ReadString(); err != nil {
			return nil, err
		}
		if tc.ValueModifier, err = sub.ReadShort(); err != nil {
			return nil, err
		}
		base, err := sub.ReadTypeCode()
		if err != nil {
			return nil, err
		}
		if base.Kind != corba.TkNull {
			tc.Base = base
		}
		count, err := sub.ReadULong()
		if err != nil {
			return nil, err
		}
		if int(count) > sub.Remaining() {
			return nil, truncated()
		}
		tc.Members = make([]corba.TCMember, count)
		for i := range tc.Members {
			if tc.Members[i].Name, err = sub.ReadString(); err != nil {
				return nil, err
			}
			if tc.Members[i].Type, err = sub.ReadTypeCode(); err != nil {
				return nil, err
			}
			if _, err = sub.ReadShort(); err != nil { // visibility
				return nil, err
			}
		}
	default:
		return nil, badTypeCode()
	}
	return tc, nil
}

func readUnionLabel(u *CDRUnmarshaller, union *corba.TypeCode, index int) (int64, error) {
	if union.DefaultIndex >= 0 && int32(index) == union.DefaultIndex {
		_, err := u.ReadOctet()
		return 0, err
	}
	disc := union.Discriminator
	for disc.Kind == corba.TkAlias {
		disc = disc.Content
	}
	switch disc.Kind {
	case corba.TkShort:
		v, err := u.ReadShort()
		return int64(v), err
	case corba.TkUShort:
		v, err := u.ReadUShort()
		return int64(v), err
	case corba.TkLong:
		v, err := u.ReadLong()
		return int64(v), err
	case corba.TkULong, corba.TkEnum:
		v, err := u.ReadULong()
		return int64(v), err
	case corba.TkLongLong:
		return u.ReadLongLong()
	case corba.TkULongLong:
		v, err := u.ReadULongLong()
		return int64(v), err
	case corba.TkBoolean:
		v, err := u.ReadBool()
		if v {
			return 1, err
		}
		return 0, err
	case corba.TkChar:
		v, err := u.ReadChar()
		return int64(v), err
	}
	return 0, badTypeCode()
}
