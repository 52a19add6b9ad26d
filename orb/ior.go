package orb

import (
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/auriga-os/nucleus/giop"
)

// Standard profile tags
const (
	TagInternetIOP        uint32 = 0
	TagMultipleComponents uint32 = 1
)

// Tagged component ids consumed by the runtime
const (
	// ComponentORBType identifies the peer as an ESIOP-capable instance
	ComponentORBType uint32 = 0
	// ComponentCodeSets carries the peer's code-set preferences
	ComponentCodeSets uint32 = 1
	// ComponentDomainAddress carries the peer's protection-domain id
	ComponentDomainAddress uint32 = 0x4E554400
	// ComponentFlags carries per-reference bits, notably the DGC bit
	ComponentFlags uint32 = 0x4E554401
	// ComponentObjectKey carries the key inside a multi-component profile
	ComponentObjectKey uint32 = 0x4E554402
)

// ORBTypeNucleus is this runtime's TAG_ORB_TYPE value ("NUCL")
const ORBTypeNucleus uint32 = 0x4E55434C

// Flag bits carried by ComponentFlags
const ComponentFlagDGC byte = 0x01

// TaggedComponent is one component inside a profile
type TaggedComponent struct {
	Tag  uint32
	Data []byte
}

// TaggedProfile is one profile of an IOR
type TaggedProfile struct {
	Tag  uint32
	Data []byte
}

// IOR is an interoperable object reference: a repository id plus tagged
// profiles. Canonical form sorts profiles by tag and components by id.
type IOR struct {
	TypeID   string
	Profiles []TaggedProfile
}

// NewIOR creates an IOR for the given repository id
func NewIOR(typeID string) *IOR {
	return &IOR{TypeID: typeID}
}

// Canonicalize sorts profiles by tag
func (ior *IOR) Canonicalize() {
	sort.SliceStable(ior.Profiles, func(i, j int) bool {
		return ior.Profiles[i].Tag < ior.Profiles[j].Tag
	})
}

// Write marshals the IOR onto a CDR stream
func (ior *IOR) Write(m *giop.CDRMarshaller) error {
	ior.Canonicalize()
	m.WriteString(ior.TypeID)
	m.WriteULong(uint32(len(ior.Profiles)))
	for _, p := range ior.Profiles {
		m.WriteULong(p.Tag)
		m.WriteOctetSequence(p.Data)
	}
	return nil
}

// ReadIOR unmarshals an IOR from a CDR stream
func ReadIOR(u *giop.CDRUnmarshaller) (*IOR, error) {
	typeID, err := u.ReadString()
	if err != nil {
		return nil, err
	}
	count, err := u.ReadULong()
	if err != nil {
		return nil, err
	}
	if int(count) > u.Remaining() {
		return nil, invObjref()
	}
	ior := &IOR{TypeID: typeID, Profiles: make([]TaggedProfile, count)}
	for i := range ior.Profiles {
		if ior.Profiles[i].Tag, err = u.ReadULong(); err != nil {
			return nil, err
		}
		if ior.Profiles[i].Data, err = u.ReadOctetSequence(); err != nil {
			return nil, err
		}
	}
	return ior, nil
}

// IsNil reports whether the IOR is the nil reference
func (ior *IOR) IsNil() bool {
	return len(ior.Profiles) == 0
}

// String produces the stringified "IOR:" form
func (ior *IOR) String() string {
	m := giop.NewCDRMarshaller(binary.BigEndian)
	m.WriteOctet(0) // big-endian encapsulation
	_ = ior.Write(m)
	return "IOR:" + hex.EncodeToString(m.Bytes())
}

// ParseIORString parses the stringified "IOR:" form
func ParseIORString(s string) (*IOR, error) {
	if !strings.HasPrefix(s, "IOR:") {
		return nil, invObjref()
	}
	data, err := hex.DecodeString(s[4:])
	if err != nil || len(data) == 0 {
		return nil, invObjref()
	}
	order := binary.ByteOrder(binary.BigEndian)
	if data[0] != 0 {
		order = binary.LittleEndian
	}
	u := giop.NewCDRUnmarshaller(data, order)
	if _, err := u.ReadOctet(); err != nil {
		return nil, invObjref()
	}
	return ReadIOR(u)
}

func sortComponents(components []TaggedComponent) {
	sort.SliceStable(components, func(i, j int) bool {
		return components[i].Tag < components[j].Tag
	})
}

func writeComponents(m *giop.CDRMarshaller, components []TaggedComponent) {
	sortComponents(components)
	m.WriteULong(uint32(len(components)))
	for _, c := range components {
		m.WriteULong(c.Tag)
		m.WriteOctetSequence(c.Data)
	}
}

func readComponents(u *giop.CDRUnmarshaller) ([]TaggedComponent, error) {
	count, err := u.ReadULong()
	if err != nil {
		return nil, err
	}
	if int(count) > u.Remaining() {
		return nil, invObjref()
	}
	components := make([]TaggedComponent, count)
	for i := range components {
		if components[i].Tag, err = u.ReadULong(); err != nil {
			return nil, err
		}
		if components[i].Data, err = u.ReadOctetSequence(); err != nil {
			return nil, err
		}
	}
	return components, nil
}

// IIOPProfileBody is the decoded TAG_INTERNET_IOP profile
type IIOPProfileBody struct {
	Version    [2]byte
	Host       string
	Port       uint16
	ObjectKey  []byte
	Components []TaggedComponent
}

// NewIIOPProfile encodes an IIOP 1.2 profile
func NewIIOPProfile(host string, port uint16, objectKey []byte, components []TaggedComponent) TaggedProfile {
	m := giop.NewCDRMarshaller(binary.BigEndian)
	m.WriteOctet(0) // encapsulation endian
	m.WriteOctet(1) // version major
	m.WriteOctet(2) // version minor
	m.WriteString(host)
	m.WriteUShort(port)
	m.WriteOctetSequence(objectKey)
	writeComponents(m, components)
	return TaggedProfile{Tag: TagInternetIOP, Data: m.Bytes()}
}

// ParseIIOPProfile decodes a TAG_INTERNET_IOP profile
func ParseIIOPProfile(data []byte) (*IIOPProfileBody, error) {
	if len(data) < 2 {
		return nil, invObjref()
	}
	order := binary.ByteOrder(binary.BigEndian)
	if data[0] != 0 {
		order = binary.LittleEndian
	}
	u := giop.NewCDRUnmarshaller(data, order)
	if _, err := u.ReadOctet(); err != nil {
		return nil, err
	}
	body := &IIOPProfileBody{}
	var err error
	if body.Version[0], err = u.ReadOctet(); err != nil {
		return nil, err
	}
	if body.Version[1], err = u.ReadOctet(); err != nil {
		return nil, err
	}
	if body.Host, err = u.ReadString(); err != nil {
		return nil, err
	}
	if body.Port, err = u.ReadUShort(); err != nil {
		return nil, err
	}
	if body.ObjectKey, err = u.ReadOctetSequence(); err != nil {
		return nil, err
	}
	if body.Version[1] >= 1 {
		if body.Components, err = readComponents(u); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// NewESIOPProfile encodes the host-local multi-component profile carrying
// the protection-domain address, the object key and the reference flags.
func NewESIOPProfile(domainID uint32, objectKey []byte, flags byte) TaggedProfile {
	var addr [4]byte
	binary.BigEndian.PutUint32(addr[:], domainID)
	var orbType [4]byte
	binary.BigEndian.PutUint32(orbType[:], ORBTypeNucleus)
	components := []TaggedComponent{
		{Tag: ComponentORBType, Data: orbType[:]},
		{Tag: ComponentDomainAddress, Data: addr[:]},
		{Tag: ComponentFlags, Data: []byte{flags}},
		{Tag: ComponentObjectKey, Data: objectKey},
	}
	m := giop.NewCDRMarshaller(binary.BigEndian)
	m.WriteOctet(0)
	writeComponents(m, components)
	return TaggedProfile{Tag: TagMultipleComponents, Data: m.Bytes()}
}

// ESIOPAddress is the decoded host-local address
type ESIOPAddress struct {
	DomainID  uint32
	ObjectKey []byte
	Flags     byte
	ORBType   uint32
}

// ParseESIOPProfile decodes a multi-component profile into the host-local
// address, or returns false when the profile does not carry one.
func ParseESIOPProfile(data []byte) (*ESIOPAddress, bool) {
	if len(data) < 1 {
		return nil, false
	}
	order := binary.ByteOrder(binary.BigEndian)
	if data[0] != 0 {
		order = binary.LittleEndian
	}
	u := giop.NewCDRUnmarshaller(data, order)
	if _, err := u.ReadOctet(); err != nil {
		return nil, false
	}
	components, err := readComponents(u)
	if err != nil {
		return nil, false
	}
	addr := &ESIOPAddress{}
	var haveDomain bool
	for _, c := range components {
		switch c.Tag {
		case ComponentORBType:
			if len(c.Data) == 4 {
				addr.ORBType = binary.BigEndian.Uint32(c.Data)
			}
		case ComponentDomainAddress:
			if len(c.Data) == 4 {
				addr.DomainID = binary.BigEndian.Uint32(c.Data)
				haveDomain = true
			}
		case ComponentFlags:
			if len(c.Data) >= 1 {
				addr.Flags = c.Data[0]
			}
		case ComponentObjectKey:
			addr.ObjectKey = c.Data
		}
	}
	if !haveDomain {
		return nil, false
	}
	return addr, true
}

// iorForLocal builds the full IOR for a local reference: the IIOP endpoint
// plus the host-local ESIOP profile.
func (o *ORB) iorForLocal(ref *ReferenceLocal) *IOR {
	keyBytes := ref.key.Encode()
	var flags byte
	if ref.flags&RefGarbageCollection != 0 {
		flags |= ComponentFlagDGC
	}
	var orbType [4]byte
	binary.BigEndian.PutUint32(orbType[:], ORBTypeNucleus)

	ior := NewIOR(ref.primary)
	ior.Profiles = append(ior.Profiles,
		NewIIOPProfile(o.cfg.Host, o.cfg.Port, keyBytes, []TaggedComponent{
			{Tag: ComponentORBType, Data: orbType[:]},
		}),
		NewESIOPProfile(o.cfg.DomainID, keyBytes, flags),
	)
	ior.Canonicalize()
	return ior
}
