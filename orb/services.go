package orb

import (
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/auriga-os/nucleus/corba"
	"github.com/auriga-os/nucleus/core"
)

// serviceSlot is one entry of the fixed initial-service table
type serviceSlot struct {
	name     string
	deadline core.Deadline // construction bound relative to first bind
	factory  func(o *ORB, ed *core.ExecDomain) (interface{}, error)
	wref     *core.WaitableRef[interface{}]
}

// Services is the fixed, lexicographically ordered table of initial
// services. Each slot resolves through the standard publish-once pattern;
// construction runs in the free context.
type Services struct {
	orb   *ORB
	slots []*serviceSlot
	down  atomic.Bool
}

func newServices(o *ORB) *Services {
	s := &Services{orb: o}
	ms := func(n int64) core.Deadline { return core.Deadline(n) * 1_000_000 }
	s.slots = []*serviceSlot{
		{name: "Console", deadline: ms(1), factory: consoleFactory},
		{name: "NameService", deadline: ms(1), factory: nameServiceFactory},
		{name: "POACurrent", deadline: ms(1), factory: poaCurrentFactory},
		{name: "ProtDomain", deadline: ms(1), factory: protDomainFactory},
		{name: "RootPOA", deadline: ms(1), factory: rootPOAFactory},
		{name: "SysDomain", deadline: ms(10), factory: sysDomainFactory},
		{name: "TypeCodeFactory", deadline: ms(1), factory: typeCodeFactoryFactory},
	}
	// The table is ordered at compile time; keep the invariant hard.
	if !sort.SliceIsSorted(s.slots, func(i, j int) bool { return s.slots[i].name < s.slots[j].name }) {
		panic("orb: service table not sorted")
	}
	for _, slot := range s.slots {
		slot.wref = core.NewWaitableRef[interface{}]()
	}
	return s
}

// Names returns the service ids in table order
func (s *Services) Names() []string {
	names := make([]string, len(s.slots))
	for i, slot := range s.slots {
		names[i] = slot.name
	}
	return names
}

func (s *Services) slot(name string) *serviceSlot {
	i := sort.Search(len(s.slots), func(i int) bool { return s.slots[i].name >= name })
	if i < len(s.slots) && s.slots[i].name == name {
		return s.slots[i]
	}
	return nil
}

// Bind resolves a service slot, constructing it at most once under
// concurrent demand. During shutdown further binds are refused.
func (s *Services) Bind(ed *core.ExecDomain, name string) (interface{}, error) {
	if s.down.Load() {
		return nil, corba.TRANSIENT(corba.MinorShutdown, corba.CompletionStatusNo)
	}
	slot := s.slot(name)
	if slot == nil {
		return nil, corba.INV_OBJREF(0, corba.CompletionStatusNo)
	}
	return slot.wref.GetOrInit(ed, core.Now()+slot.deadline, func() (interface{}, error) {
		return slot.factory(s.orb, ed)
	})
}

// Shutdown blocks further binds and tears the published services down in
// inverse table order.
func (s *Services) Shutdown() {
	if !s.down.CompareAndSwap(false, true) {
		return
	}
	for i := len(s.slots) - 1; i >= 0; i-- {
		slot := s.slots[i]
		if !slot.wref.Published() {
			continue
		}
		v, err := slot.wref.Get(nil)
		if err != nil {
			continue
		}
		if closer, ok := v.(interface{ shutdownService() }); ok {
			closer.shutdownService()
		}
	}
}

func rootPOAFactory(o *ORB, ed *core.ExecDomain) (interface{}, error) {
	root := newRootPOA(o)
	o.registerManager(root.manager)
	return root, nil
}

func poaCurrentFactory(o *ORB, ed *core.ExecDomain) (interface{}, error) {
	return &POACurrent{}, nil
}

func consoleFactory(o *ORB, ed *core.ExecDomain) (interface{}, error) {
	return &Console{log: o.log.Named("console")}, nil
}

func nameServiceFactory(o *ORB, ed *core.ExecDomain) (interface{}, error) {
	return NewNamingContext(), nil
}

func protDomainFactory(o *ORB, ed *core.ExecDomain) (interface{}, error) {
	return &ProtDomainInfo{orb: o, id: o.cfg.DomainID}, nil
}

func sysDomainFactory(o *ORB, ed *core.ExecDomain) (interface{}, error) {
	return &SysDomainInfo{orb: o}, nil
}

func typeCodeFactoryFactory(o *ORB, ed *core.ExecDomain) (interface{}, error) {
	return &TypeCodeFactory{}, nil
}

// Console is the service slot backing terminal output
type Console struct {
	log *zap.Logger
}

// PrimaryInterface identifies the console servant
func (c *Console) PrimaryInterface() string { return "IDL:nucleus/Console:1.0" }

// WriteLine emits one console line
func (c *Console) WriteLine(s string) {
	c.log.Info(s)
}

// NamingContext is the minimal in-process naming context backing the
// NameService slot. The file-system naming context is an external
// collaborator.
type NamingContext struct {
	sd       *core.SyncDomain
	bindings map[string]interface{}
}

// NewNamingContext creates an empty context
func NewNamingContext() *NamingContext {
	return &NamingContext{
		sd:       core.NewSyncDomain("naming"),
		bindings: make(map[string]interface{}),
	}
}

// PrimaryInterface identifies the naming context servant
func (n *NamingContext) PrimaryInterface() string {
	return "IDL:omg.org/CosNaming/NamingContext:1.0"
}

// BindName binds obj under name, rejecting duplicates
func (n *NamingContext) BindName(ed *core.ExecDomain, name string, obj interface{}) error {
	frame, err := ed.EnterContext(n.sd)
	if err != nil {
		return err
	}
	defer frame.Leave()
	if _, exists := n.bindings[name]; exists {
		return badParam(0)
	}
	n.bindings[name] = obj
	return nil
}

// RebindName binds obj under name, replacing any existing binding
func (n *NamingContext) RebindName(ed *core.ExecDomain, name string, obj interface{}) error {
	frame, err := ed.EnterContext(n.sd)
	if err != nil {
		return err
	}
	defer frame.Leave()
	n.bindings[name] = obj
	return nil
}

// ResolveName resolves a binding
func (n *NamingContext) ResolveName(ed *core.ExecDomain, name string) (interface{}, error) {
	frame, err := ed.EnterContext(n.sd)
	if err != nil {
		return nil, err
	}
	defer frame.Leave()
	obj, ok := n.bindings[name]
	if !ok {
		return nil, objectNotExist(0)
	}
	return obj, nil
}

// UnbindName removes a binding
func (n *NamingContext) UnbindName(ed *core.ExecDomain, name string) error {
	frame, err := ed.EnterContext(n.sd)
	if err != nil {
		return err
	}
	defer frame.Leave()
	if _, ok := n.bindings[name]; !ok {
		return objectNotExist(0)
	}
	delete(n.bindings, name)
	return nil
}

// ProtDomainInfo is the protection-domain service servant
type ProtDomainInfo struct {
	orb *ORB
	id  uint32
}

// PrimaryInterface identifies the protection-domain servant
func (p *ProtDomainInfo) PrimaryInterface() string { return "IDL:nucleus/ProtDomain:1.0" }

// ID returns the domain id within the system domain
func (p *ProtDomainInfo) ID() uint32 { return p.id }

// SysDomainInfo is the system-domain service servant
type SysDomainInfo struct {
	orb *ORB
}

// PrimaryInterface identifies the system-domain servant
func (s *SysDomainInfo) PrimaryInterface() string { return "IDL:nucleus/SysDomain:1.0" }

// IsSystem reports whether this process is the privileged system domain
func (s *SysDomainInfo) IsSystem() bool { return s.orb.cfg.SystemDomain }

// TypeCodeFactory is the internal dynamic-typecode service. The full
// factory lives outside the core; the constructors the runtime itself
// needs are covered here.
type TypeCodeFactory struct{}

// PrimaryInterface identifies the factory servant
func (f *TypeCodeFactory) PrimaryInterface() string { return "IDL:nucleus/TypeCodeFactory:1.0" }

// CreateStructTC builds a struct TypeCode
func (f *TypeCodeFactory) CreateStructTC(id, name string, members ...corba.TCMember) *corba.TypeCode {
	return corba.TCStruct(id, name, members...)
}

// CreateSequenceTC builds a sequence TypeCode
func (f *TypeCodeFactory) CreateSequenceTC(content *corba.TypeCode, bound uint32) *corba.TypeCode {
	return corba.TCSequence(content, bound)
}

// CreateEnumTC builds an enum TypeCode
func (f *TypeCodeFactory) CreateEnumTC(id, name string, members ...string) *corba.TypeCode {
	return corba.TCEnum(id, name, members...)
}
