package corba

import "fmt"

// TCKind identifies the kind of a TypeCode, with the numeric values used on
// the wire.
type TCKind int32

const (
	TkNull TCKind = iota
	TkVoid
	TkShort
	TkLong
	TkUShort
	TkULong
	TkFloat
	TkDouble
	TkBoolean
	TkChar
	TkOctet
	TkAny
	TkTypeCode
	TkPrincipal
	TkObjref
	TkStruct
	TkUnion
	TkEnum
	TkString
	TkSequence
	TkArray
	TkAlias
	TkExcept
	TkLongLong
	TkULongLong
	TkLongDouble
	TkWChar
	TkWString
	TkFixed
	TkValue
	TkValueBox
	TkNative
	TkAbstractInterface
)

// String returns the IDL name of the kind
func (k TCKind) String() string {
	names := []string{
		"null", "void", "short", "long", "ushort", "ulong", "float", "double",
		"boolean", "char", "octet", "any", "TypeCode", "Principal", "objref",
		"struct", "union", "enum", "string", "sequence", "array", "alias",
		"except", "longlong", "ulonglong", "longdouble", "wchar", "wstring",
		"fixed", "value", "valuebox", "native", "abstract_interface",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return fmt.Sprintf("TCKind(%d)", int32(k))
}

// TCMember describes one member of a structured TypeCode. Label is only
// meaningful for union members.
type TCMember struct {
	Name  string
	Type  *TypeCode
	Label int64
}

// ValueModifier values for tk_value TypeCodes
const (
	ValueModifierNone        int16 = 0
	ValueModifierCustom      int16 = 1
	ValueModifierAbstract    int16 = 2
	ValueModifierTruncatable int16 = 3
)

// TypeCode describes a CORBA type. A single concrete struct covers every
// kind; the fields beyond Kind are meaningful only where the kind requires
// them.
type TypeCode struct {
	Kind          TCKind
	ID            string
	Name          string
	Members       []TCMember // struct, union, enum (names only), except, value
	Discriminator *TypeCode  // union
	DefaultIndex  int32      // union; -1 when no default label
	Length        uint32     // string/wstring bound, sequence bound, array length
	Content       *TypeCode  // sequence, array, alias, value_box
	ValueModifier int16      // value
	Base          *TypeCode  // value concrete base, may be nil
}

var basicTypeCodes = map[TCKind]*TypeCode{}

func init() {
	for _, k := range []TCKind{TkNull, TkVoid, TkShort, TkLong, TkUShort,
		TkULong, TkFloat, TkDouble, TkBoolean, TkChar, TkOctet, TkAny,
		TkTypeCode, TkPrincipal, TkLongLong, TkULongLong, TkLongDouble,
		TkWChar} {
		basicTypeCodes[k] = &TypeCode{Kind: k}
	}
}

// TC returns the shared TypeCode for a basic kind. It panics on kinds that
// carry parameters; use the specific constructors for those.
func TC(kind TCKind) *TypeCode {
	tc, ok := basicTypeCodes[kind]
	if !ok {
		panic(fmt.Sprintf("corba: kind %s is not a basic TypeCode", kind))
	}
	return tc
}

// TCString creates a string TypeCode with the given bound (0 = unbounded)
func TCString(bound uint32) *TypeCode {
	return &TypeCode{Kind: TkString, Length: bound}
}

// TCWString creates a wstring TypeCode with the given bound (0 = unbounded)
func TCWString(bound uint32) *TypeCode {
	return &TypeCode{Kind: TkWString, Length: bound}
}

// TCSequence creates a sequence TypeCode
func TCSequence(content *TypeCode, bound uint32) *TypeCode {
	return &TypeCode{Kind: TkSequence, Content: content, Length: bound}
}

// TCArray creates an array TypeCode
func TCArray(content *TypeCode, length uint32) *TypeCode {
	return &TypeCode{Kind: TkArray, Content: content, Length: length}
}

// TCStruct creates a struct TypeCode
func TCStruct(id, name string, members ...TCMember) *TypeCode {
	return &TypeCode{Kind: TkStruct, ID: id, Name: name, Members: members}
}

// TCExcept creates an exception TypeCode
func TCExcept(id, name string, members ...TCMember) *TypeCode {
	return &TypeCode{Kind: TkExcept, ID: id, Name: name, Members: members}
}

// TCUnion creates a union TypeCode. defaultIndex is -1 when the union has
// no default label.
func TCUnion(id, name string, disc *TypeCode, defaultIndex int32, members ...TCMember) *TypeCode {
	return &TypeCode{Kind: TkUnion, ID: id, Name: name, Discriminator: disc,
		DefaultIndex: defaultIndex, Members: members}
}

// TCEnum creates an enum TypeCode
func TCEnum(id, name string, memberNames ...string) *TypeCode {
	members := make([]TCMember, len(memberNames))
	for i, n := range memberNames {
		members[i] = TCMember{Name: n}
	}
	return &TypeCode{Kind: TkEnum, ID: id, Name: name, Members: members}
}

// TCAlias creates an alias (typedef) TypeCode
func TCAlias(id, name string, content *TypeCode) *TypeCode {
	return &TypeCode{Kind: TkAlias, ID: id, Name: name, Content: content}
}

// TCObjref creates an object reference TypeCode
func TCObjref(id, name string) *TypeCode {
	return &TypeCode{Kind: TkObjref, ID: id, Name: name}
}

// TCAbstractInterface creates an abstract interface TypeCode
func TCAbstractInterface(id, name string) *TypeCode {
	return &TypeCode{Kind: TkAbstractInterface, ID: id, Name: name}
}

// TCValue creates a valuetype TypeCode
func TCValue(id, name string, modifier int16, base *TypeCode, members ...TCMember) *TypeCode {
	return &TypeCode{Kind: TkValue, ID: id, Name: name, ValueModifier: modifier,
		Base: base, Members: members}
}

// TCValueBox creates a value box TypeCode
func TCValueBox(id, name string, content *TypeCode) *TypeCode {
	return &TypeCode{Kind: TkValueBox, ID: id, Name: name, Content: content}
}

// Complete reports whether the TypeCode carries all the metadata its kind
// requires. Marshaling an incomplete TypeCode raises BAD_TYPECODE.
func (tc *TypeCode) Complete() bool {
	if tc == nil {
		return false
	}
	switch tc.Kind {
	case TkSequence, TkArray, TkAlias, TkValueBox:
		return tc.Content != nil
	case TkStruct, TkExcept, TkValue:
		for _, m := range tc.Members {
			if m.Type == nil {
				return false
			}
		}
		return true
	case TkUnion:
		if tc.Discriminator == nil {
			return false
		}
		for _, m := range tc.Members {
			if m.Type == nil {
				return false
			}
		}
		return true
	}
	return true
}

type tcPair struct{ a, b *TypeCode }

// Equal reports structural equality including ids, names and member names.
// Recursive TypeCodes are handled with a visited set.
func (tc *TypeCode) Equal(other *TypeCode) bool {
	return tcEqual(tc, other, make(map[tcPair]bool), false)
}

// Equivalent unwinds aliases and ignores names, per the CORBA TypeCode
// equivalence relation. When both sides carry a repository id they compare
// by id alone; otherwise the structure is compared.
func (tc *TypeCode) Equivalent(other *TypeCode) bool {
	return tcEqual(tc, other, make(map[tcPair]bool), true)
}

func unalias(tc *TypeCode) *TypeCode {
	for tc != nil && tc.Kind == TkAlias {
		tc = tc.Content
	}
	return tc
}

func tcEqual(a, b *TypeCode, seen map[tcPair]bool, equivalent bool) bool {
	if equivalent {
		a, b = unalias(a), unalias(b)
	}
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	pair := tcPair{a, b}
	if seen[pair] {
		// Already comparing this pair higher up the recursion; assume equal
		// and let the outer comparison decide.
		return true
	}
	seen[pair] = true

	if a.Kind != b.Kind {
		return false
	}
	if !equivalent {
		if a.ID != b.ID || a.Name != b.Name {
			return false
		}
	} else if a.ID != "" && b.ID != "" {
		// Equivalent TypeCodes with repository ids compare by id alone.
		return a.ID == b.ID
	}

	switch a.Kind {
	case TkString, TkWString:
		return a.Length == b.Length
	case TkSequence, TkArray:
		return a.Length == b.Length && tcEqual(a.Content, b.Content, seen, equivalent)
	case TkAlias, TkValueBox:
		return tcEqual(a.Content, b.Content, seen, equivalent)
	case TkStruct, TkExcept, TkEnum, TkValue, TkUnion:
		if len(a.Members) != len(b.Members) {
			return false
		}
		if a.Kind == TkUnion {
			if a.DefaultIndex != b.DefaultIndex {
				return false
			}
			if !tcEqual(a.Discriminator, b.Discriminator, seen, equivalent) {
				return false
			}
		}
		if a.Kind == TkValue {
			if a.ValueModifier != b.ValueModifier {
				return false
			}
			if !tcEqual(a.Base, b.Base, seen, equivalent) {
				return false
			}
		}
		for i := range a.Members {
			if !equivalent && a.Members[i].Name != b.Members[i].Name {
				return false
			}
			if a.Kind == TkUnion && a.Members[i].Label != b.Members[i].Label {
				return false
			}
			if a.Kind != TkEnum && !tcEqual(a.Members[i].Type, b.Members[i].Type, seen, equivalent) {
				return false
			}
		}
		return true
	}
	return true
}
