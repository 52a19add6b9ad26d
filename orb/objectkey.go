// Package orb implements the object plane of the runtime: object keys,
// local and remote references, servant proxies, the POA tree and its
// managers, the binder, request objects and the initial services.
package orb

import (
	"bytes"
	"encoding/binary"

	"github.com/auriga-os/nucleus/corba"
	"github.com/auriga-os/nucleus/giop"
)

// ObjectID is an opaque object identifier within a POA
type ObjectID []byte

// ObjectKey addresses an object within a protection domain: the adapter
// path from the root POA plus the object id. The in-memory form is
// canonical; the short wire form exists only at the wire boundary.
type ObjectKey struct {
	AdapterPath []string
	ObjectID    ObjectID
}

// ShortKeyLimit is the object-id size up to which a root-adapter key uses
// the short wire encoding.
const ShortKeyLimit = 4

// Canonical returns the canonical byte form used for hashing and equality.
// Two wire encodings of the same logical key always canonicalize to the
// same bytes.
func (k ObjectKey) Canonical() string {
	var b bytes.Buffer
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(k.AdapterPath)))
	b.Write(tmp[:])
	for _, name := range k.AdapterPath {
		binary.BigEndian.PutUint32(tmp[:], uint32(len(name)))
		b.Write(tmp[:])
		b.WriteString(name)
	}
	b.Write(k.ObjectID)
	return b.String()
}

// Equal reports logical key equality
func (k ObjectKey) Equal(other ObjectKey) bool {
	return k.Canonical() == other.Canonical()
}

// Encode produces the wire form: the bare object id when the adapter path
// is empty and the id fits the short form, otherwise a self-delimited
// encapsulation listing the path components and the id.
func (k ObjectKey) Encode() []byte {
	if len(k.AdapterPath) == 0 && len(k.ObjectID) <= ShortKeyLimit {
		out := make([]byte, len(k.ObjectID))
		copy(out, k.ObjectID)
		return out
	}
	m := giop.NewCDRMarshaller(binary.BigEndian)
	m.WriteOctet(0) // big-endian encapsulation
	m.WriteULong(uint32(len(k.AdapterPath)))
	for _, name := range k.AdapterPath {
		m.WriteString(name)
	}
	m.WriteOctetSequence(k.ObjectID)
	return m.Bytes()
}

// DecodeObjectKey parses either wire form back into the canonical key
func DecodeObjectKey(data []byte) (ObjectKey, error) {
	if len(data) <= ShortKeyLimit {
		id := make(ObjectID, len(data))
		copy(id, data)
		return ObjectKey{ObjectID: id}, nil
	}
	order := binary.ByteOrder(binary.BigEndian)
	if data[0] != 0 {
		order = binary.LittleEndian
	}
	u := giop.NewCDRUnmarshaller(data, order)
	if _, err := u.ReadOctet(); err != nil { // endian flag
		return ObjectKey{}, corba.INV_OBJREF(0, corba.CompletionStatusNo)
	}
	count, err := u.ReadULong()
	if err != nil {
		return ObjectKey{}, corba.INV_OBJREF(0, corba.CompletionStatusNo)
	}
	if int(count) > u.Remaining() {
		return ObjectKey{}, corba.INV_OBJREF(0, corba.CompletionStatusNo)
	}
	key := ObjectKey{AdapterPath: make([]string, count)}
	for i := range key.AdapterPath {
		if key.AdapterPath[i], err = u.ReadString(); err != nil {
			return ObjectKey{}, corba.INV_OBJREF(0, corba.CompletionStatusNo)
		}
	}
	if key.ObjectID, err = u.ReadOctetSequence(); err != nil {
		return ObjectKey{}, corba.INV_OBJREF(0, corba.CompletionStatusNo)
	}
	return key, nil
}
