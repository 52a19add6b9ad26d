package orb

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/auriga-os/nucleus/corba"
	"github.com/auriga-os/nucleus/giop"
)

// PolicyType identifies a policy on the wire
type PolicyType uint32

// POA policy type ids
const (
	LifespanPolicyType           PolicyType = 17
	IdUniquenessPolicyType       PolicyType = 18
	IdAssignmentPolicyType       PolicyType = 19
	ImplicitActivationPolicyType PolicyType = 20
	ServantRetentionPolicyType   PolicyType = 21
	RequestProcessingPolicyType  PolicyType = 22
)

// Lifespan policy values
type Lifespan int

const (
	Transient Lifespan = iota
	Persistent
)

// IdUniqueness policy values
type IdUniqueness int

const (
	UniqueID IdUniqueness = iota
	MultipleID
)

// IdAssignment policy values
type IdAssignment int

const (
	UserID IdAssignment = iota
	SystemID
)

// ImplicitActivation policy values
type ImplicitActivation int

const (
	NoImplicitActivation ImplicitActivation = iota
	ImplicitActivationEnabled
)

// ServantRetention policy values
type ServantRetention int

const (
	Retain ServantRetention = iota
	NonRetain
)

// RequestProcessing policy values
type RequestProcessing int

const (
	UseActiveObjectMapOnly RequestProcessing = iota
	UseDefaultServant
	UseServantManager
)

// PolicyTuple is the six-axis policy mix deciding a POA's dispatch
// behavior. The zero value is the root-POA default mix except for id
// assignment (USER_ID) and implicit activation.
type PolicyTuple struct {
	Lifespan           Lifespan
	IdUniqueness       IdUniqueness
	IdAssignment       IdAssignment
	ImplicitActivation ImplicitActivation
	ServantRetention   ServantRetention
	RequestProcessing  RequestProcessing
}

// RootPolicies returns the policy mix of the root POA
func RootPolicies() PolicyTuple {
	return PolicyTuple{
		Lifespan:           Transient,
		IdUniqueness:       UniqueID,
		IdAssignment:       SystemID,
		ImplicitActivation: ImplicitActivationEnabled,
		ServantRetention:   Retain,
		RequestProcessing:  UseActiveObjectMapOnly,
	}
}

// Validate rejects conflicting policy mixes with InvalidPolicy semantics
func (t PolicyTuple) Validate() error {
	invalid := func() error {
		return corba.INV_POLICY(0, corba.CompletionStatusNo)
	}
	if t.ServantRetention == NonRetain && t.RequestProcessing == UseActiveObjectMapOnly {
		return invalid()
	}
	if t.ImplicitActivation == ImplicitActivationEnabled {
		if t.IdAssignment != SystemID || t.ServantRetention != Retain {
			return invalid()
		}
	}
	if t.RequestProcessing == UseDefaultServant && t.IdUniqueness != MultipleID {
		// Default servants answer for many ids by construction.
		return invalid()
	}
	return nil
}

// PolicyMap attaches encapsulated policy values to a reference or POA,
// keyed by policy type.
type PolicyMap map[PolicyType][]byte

// Clone copies the map
func (pm PolicyMap) Clone() PolicyMap {
	if pm == nil {
		return nil
	}
	out := make(PolicyMap, len(pm))
	for k, v := range pm {
		out[k] = v
	}
	return out
}

// PolicyCodec is the (read, write, create) triple registered per policy
// type. Unknown policy types are rejected at map construction.
type PolicyCodec struct {
	Read   func(u *giop.CDRUnmarshaller) (interface{}, error)
	Write  func(m *giop.CDRMarshaller, v interface{}) error
	Create func(v interface{}) ([]byte, error)
}

// PolicyRegistry maps policy types to their codecs
type PolicyRegistry struct {
	mu     sync.RWMutex
	codecs map[PolicyType]PolicyCodec
}

// NewPolicyRegistry creates a registry pre-loaded with the POA policy
// codecs, each encoding its enum value as a ULong encapsulation.
func NewPolicyRegistry() *PolicyRegistry {
	r := &PolicyRegistry{codecs: make(map[PolicyType]PolicyCodec)}
	for _, pt := range []PolicyType{
		LifespanPolicyType, IdUniquenessPolicyType, IdAssignmentPolicyType,
		ImplicitActivationPolicyType, ServantRetentionPolicyType,
		RequestProcessingPolicyType,
	} {
		r.Register(pt, enumPolicyCodec())
	}
	return r
}

func enumPolicyCodec() PolicyCodec {
	return PolicyCodec{
		Read: func(u *giop.CDRUnmarshaller) (interface{}, error) {
			v, err := u.ReadULong()
			return v, err
		},
		Write: func(m *giop.CDRMarshaller, v interface{}) error {
			val, ok := v.(uint32)
			if !ok {
				return corba.BAD_PARAM(0, corba.CompletionStatusNo)
			}
			m.WriteULong(val)
			return nil
		},
		Create: func(v interface{}) ([]byte, error) {
			val, ok := v.(uint32)
			if !ok {
				return nil, corba.BAD_PARAM(0, corba.CompletionStatusNo)
			}
			var buf [4]byte
			binary.BigEndian.PutUint32(buf[:], val)
			return buf[:], nil
		},
	}
}

// Register installs a codec for a policy type
func (r *PolicyRegistry) Register(pt PolicyType, c PolicyCodec) {
	r.mu.Lock()
	r.codecs[pt] = c
	r.mu.Unlock()
}

// Lookup returns the codec for a policy type
func (r *PolicyRegistry) Lookup(pt PolicyType) (PolicyCodec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[pt]
	return c, ok
}

// CreateMap builds a policy map from raw (type, value) pairs, rejecting
// unknown policy types.
func (r *PolicyRegistry) CreateMap(values map[PolicyType]interface{}) (PolicyMap, error) {
	pm := make(PolicyMap, len(values))
	for pt, v := range values {
		codec, ok := r.Lookup(pt)
		if !ok {
			return nil, corba.INV_POLICY(0, corba.CompletionStatusNo)
		}
		data, err := codec.Create(v)
		if err != nil {
			return nil, err
		}
		pm[pt] = data
	}
	return pm, nil
}

// SortedTypes returns the map's policy types in ascending order, the
// canonical order for marshaling.
func (pm PolicyMap) SortedTypes() []PolicyType {
	types := make([]PolicyType, 0, len(pm))
	for pt := range pm {
		types = append(types, pt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
