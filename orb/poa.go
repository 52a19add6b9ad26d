package orb

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/auriga-os/nucleus/corba"
	"github.com/auriga-os/nucleus/core"
)

// POA user-level errors, raised from the adapter API (the request dispatch
// path maps misses to system exceptions instead).
var (
	ErrAdapterAlreadyExists = corba.NewUserException("AdapterAlreadyExists", "IDL:omg.org/PortableServer/POA/AdapterAlreadyExists:1.0")
	ErrAdapterNonExistent   = corba.NewUserException("AdapterNonExistent", "IDL:omg.org/PortableServer/POA/AdapterNonExistent:1.0")
	ErrNoServant            = corba.NewUserException("NoServant", "IDL:omg.org/PortableServer/POA/NoServant:1.0")
	ErrObjectNotActive      = corba.NewUserException("ObjectNotActive", "IDL:omg.org/PortableServer/POA/ObjectNotActive:1.0")
	ErrObjectAlreadyActive  = corba.NewUserException("ObjectAlreadyActive", "IDL:omg.org/PortableServer/POA/ObjectAlreadyActive:1.0")
	ErrServantAlreadyActive = corba.NewUserException("ServantAlreadyActive", "IDL:omg.org/PortableServer/POA/ServantAlreadyActive:1.0")
	ErrServantNotActive     = corba.NewUserException("ServantNotActive", "IDL:omg.org/PortableServer/POA/ServantNotActive:1.0")
	ErrWrongPolicy          = corba.NewUserException("WrongPolicy", "IDL:omg.org/PortableServer/POA/WrongPolicy:1.0")
	ErrWrongAdapter         = corba.NewUserException("WrongAdapter", "IDL:omg.org/PortableServer/POA/WrongAdapter:1.0")
)

// POA is a node of the hierarchical object adapter. One concrete struct
// covers the whole policy matrix; behavior branches on the policy tuple at
// decision points. Every POA in a tree is owned by the root POA's sync
// domain, so all adapter state is touched only inside it.
type POA struct {
	orb    *ORB
	name   string
	parent *POA
	root   *POA
	path   []string

	sd      *core.SyncDomain
	manager *POAManager

	policies  PolicyTuple
	policyMap PolicyMap

	children     map[string]*POA
	childPending map[string]*core.WaitableRef[*POA]
	activator    AdapterActivator

	servantManager ServantManager
	defaultServant Servant

	// aom is consulted only under RETAIN
	aom         map[string]*ReferenceLocal
	servantIDs  map[*ServantProxyObject][]string
	incarnating map[string]*core.WaitableRef[*ReferenceLocal]

	sysIDCounter uint64

	requestCnt  atomic.Int64
	destroyed   atomic.Bool
	destroyDone *core.Event

	// root-only process-wide state
	localRefs      map[string]*ReferenceLocal
	proxyByServant map[Servant]*ServantProxyObject
}

func newRootPOA(o *ORB) *POA {
	p := &POA{
		orb:            o,
		name:           "RootPOA",
		sd:             core.NewSyncDomain("poa"),
		manager:        NewPOAManager(),
		policies:       RootPolicies(),
		children:       make(map[string]*POA),
		childPending:   make(map[string]*core.WaitableRef[*POA]),
		aom:            make(map[string]*ReferenceLocal),
		servantIDs:     make(map[*ServantProxyObject][]string),
		incarnating:    make(map[string]*core.WaitableRef[*ReferenceLocal]),
		destroyDone:    core.NewEvent(),
		localRefs:      make(map[string]*ReferenceLocal),
		proxyByServant: make(map[Servant]*ServantProxyObject),
	}
	p.root = p
	_ = p.manager.Activate()
	return p
}

// Name returns the POA's name within its parent
func (p *POA) Name() string { return p.name }

// Parent returns the parent POA, nil for the root
func (p *POA) Parent() *POA { return p.parent }

// Manager returns the POA's manager
func (p *POA) Manager() *POAManager { return p.manager }

// Policies returns the POA's policy tuple
func (p *POA) Policies() PolicyTuple { return p.policies }

// AdapterPath returns the path of POA names from the root
func (p *POA) AdapterPath() []string { return p.path }

// PolicyValues returns the encapsulated policy map attached to the adapter
func (p *POA) PolicyValues() PolicyMap { return p.policyMap }

// AttachPolicies attaches encapsulated policy values to the adapter
func (p *POA) AttachPolicies(pm PolicyMap) { p.policyMap = pm.Clone() }

// PrimaryInterface identifies the adapter itself as a servant
func (p *POA) PrimaryInterface() string {
	return "IDL:omg.org/PortableServer/POA:2.3"
}

// enter acquires the adapter sync domain
func (p *POA) enter(ed *core.ExecDomain) (*core.SyncFrame, error) {
	return ed.EnterContext(p.root.sd)
}

// CreatePOA validates the policy mix, creates the child and inserts it
// under its name. A nil manager inherits a fresh manager in HOLDING.
func (p *POA) CreatePOA(ed *core.ExecDomain, name string, manager *POAManager, policies PolicyTuple) (*POA, error) {
	if name == "" {
		return nil, badParam(0)
	}
	if err := policies.Validate(); err != nil {
		return nil, err
	}
	frame, err := p.enter(ed)
	if err != nil {
		return nil, err
	}
	defer frame.Leave()

	if p.destroyed.Load() {
		return nil, objAdapter(corba.MinorAdapterInactive)
	}
	if _, exists := p.children[name]; exists {
		return nil, ErrAdapterAlreadyExists
	}
	if manager == nil {
		manager = NewPOAManager()
	}
	child := &POA{
		orb:          p.orb,
		name:         name,
		parent:       p,
		root:         p.root,
		path:         append(append([]string{}, p.path...), name),
		sd:           p.root.sd,
		manager:      manager,
		policies:     policies,
		children:     make(map[string]*POA),
		childPending: make(map[string]*core.WaitableRef[*POA]),
		aom:          make(map[string]*ReferenceLocal),
		servantIDs:   make(map[*ServantProxyObject][]string),
		incarnating:  make(map[string]*core.WaitableRef[*ReferenceLocal]),
		destroyDone:  core.NewEvent(),
	}
	p.children[name] = child
	p.orb.registerManager(manager)
	return child, nil
}

// SetAdapterActivator installs the unknown-adapter hook
func (p *POA) SetAdapterActivator(a AdapterActivator) {
	p.activator = a
}

// SetServantManager installs the servant manager; the variant must match
// the retention policy.
func (p *POA) SetServantManager(mgr ServantManager) error {
	if p.policies.RequestProcessing != UseServantManager {
		return ErrWrongPolicy
	}
	switch p.policies.ServantRetention {
	case Retain:
		if _, ok := mgr.(ServantActivator); !ok {
			return ErrWrongPolicy
		}
	case NonRetain:
		if _, ok := mgr.(ServantLocator); !ok {
			return ErrWrongPolicy
		}
	}
	p.servantManager = mgr
	return nil
}

// SetDefaultServant installs the default servant
func (p *POA) SetDefaultServant(s Servant) error {
	if p.policies.RequestProcessing != UseDefaultServant {
		return ErrWrongPolicy
	}
	p.defaultServant = s
	return nil
}

// FindPOA locates a child by name. With activate set, a missing child is
// created through the adapter activator; concurrent misses on the same
// name share a single unknown_adapter call through a waitable reference.
func (p *POA) FindPOA(ed *core.ExecDomain, name string, activate bool) (*POA, error) {
	frame, err := p.enter(ed)
	if err != nil {
		return nil, err
	}
	defer frame.Leave()
	return p.findChild(ed, name, activate)
}

func (p *POA) findChild(ed *core.ExecDomain, name string, activate bool) (*POA, error) {
	if child, ok := p.children[name]; ok {
		return child, nil
	}
	if !activate || p.activator == nil {
		return nil, ErrAdapterNonExistent
	}
	wref, ok := p.childPending[name]
	if !ok {
		wref = core.NewWaitableRef[*POA]()
		p.childPending[name] = wref
	}
	child, err := wref.GetOrInit(ed, core.DeadlineIn(core.ConstructionDeadline), func() (*POA, error) {
		created, err := p.activator.UnknownAdapter(p, name)
		if err != nil {
			return nil, err
		}
		if !created {
			return nil, ErrAdapterNonExistent
		}
		c, ok := p.children[name]
		if !ok {
			return nil, ErrAdapterNonExistent
		}
		return c, nil
	})
	delete(p.childPending, name)
	return child, err
}

// newSystemID generates an object id per the lifespan policy: a monotonic
// counter for TRANSIENT, a time prefix plus random bytes for PERSISTENT so
// two process lives cannot collide.
func (p *POA) newSystemID() ObjectID {
	if p.policies.Lifespan == Transient {
		id := make(ObjectID, 8)
		binary.BigEndian.PutUint64(id, p.sysIDCounter)
		p.sysIDCounter++
		return id
	}
	id := make(ObjectID, 16)
	binary.BigEndian.PutUint64(id[:8], uint64(time.Now().UnixMicro()))
	u := uuid.New()
	copy(id[8:], u[:8])
	return id
}

func (p *POA) refFlags() RefFlags {
	flags := RefGarbageCollection
	if p.policies.Lifespan == Persistent {
		flags = RefPersistent
	}
	return flags
}

// proxyFor returns the process-wide proxy wrapping servant, creating it
// with this POA as its implicit-activation default.
func (p *POA) proxyFor(servant Servant, sc core.SyncContext) *ServantProxyObject {
	root := p.root
	if proxy, ok := root.proxyByServant[servant]; ok {
		return proxy
	}
	proxy := NewServantProxy(p.orb, servant, sc, p)
	root.proxyByServant[servant] = proxy
	return proxy
}

// bind installs (id, proxy) into the AOM and the process-wide reference
// map, producing the ReferenceLocal entry.
func (p *POA) bind(id ObjectID, proxy *ServantProxyObject) (*ReferenceLocal, error) {
	key := ObjectKey{AdapterPath: p.path, ObjectID: id}
	canonical := key.Canonical()
	if _, dup := p.root.localRefs[canonical]; dup {
		return nil, ErrObjectAlreadyActive
	}
	ref := newReferenceLocal(p.orb, p, key, proxy, p.refFlags())
	p.aom[string(id)] = ref
	p.servantIDs[proxy] = append(p.servantIDs[proxy], string(id))
	p.root.localRefs[canonical] = ref
	return ref, nil
}

// forgetReference removes a dead reference from the process-wide map.
// Runs in the POA sync context.
func (p *POA) forgetReference(ref *ReferenceLocal) {
	delete(p.localRefs, ref.key.Canonical())
}

// ProxyFor returns the process-wide servant proxy wrapping servant,
// creating it with this POA as its implicit-activation default.
func (p *POA) ProxyFor(ed *core.ExecDomain, servant Servant) (*ServantProxyObject, error) {
	frame, err := p.enter(ed)
	if err != nil {
		return nil, err
	}
	defer frame.Leave()
	return p.proxyFor(servant, nil), nil
}

// ActivateObject activates servant under a system-generated id
func (p *POA) ActivateObject(ed *core.ExecDomain, servant Servant) (ObjectID, error) {
	if p.policies.IdAssignment != SystemID || p.policies.ServantRetention != Retain {
		return nil, ErrWrongPolicy
	}
	frame, err := p.enter(ed)
	if err != nil {
		return nil, err
	}
	defer frame.Leave()

	proxy := p.proxyFor(servant, nil)
	ref, err := p.activateProxyLocked(proxy)
	if err != nil {
		return nil, err
	}
	return ref.key.ObjectID, nil
}

// activateProxy is the implicit-activation entry: activate an existing
// proxy in this POA under a fresh system id.
func (p *POA) activateProxy(ed *core.ExecDomain, proxy *ServantProxyObject) (*ReferenceLocal, error) {
	frame, err := p.enter(ed)
	if err != nil {
		return nil, err
	}
	defer frame.Leave()
	return p.activateProxyLocked(proxy)
}

func (p *POA) activateProxyLocked(proxy *ServantProxyObject) (*ReferenceLocal, error) {
	if p.destroyed.Load() {
		return nil, objAdapter(corba.MinorAdapterInactive)
	}
	if p.policies.IdUniqueness == UniqueID && len(p.servantIDs[proxy]) > 0 {
		return nil, ErrServantAlreadyActive
	}
	return p.bind(p.newSystemID(), proxy)
}

// ActivateObjectWithID activates servant under a caller-chosen id
func (p *POA) ActivateObjectWithID(ed *core.ExecDomain, id ObjectID, servant Servant) error {
	if len(id) == 0 {
		return badParam(0)
	}
	if p.policies.ServantRetention != Retain {
		return ErrWrongPolicy
	}
	frame, err := p.enter(ed)
	if err != nil {
		return err
	}
	defer frame.Leave()

	if p.destroyed.Load() {
		return objAdapter(corba.MinorAdapterInactive)
	}
	if _, exists := p.aom[string(id)]; exists {
		return ErrObjectAlreadyActive
	}
	proxy := p.proxyFor(servant, nil)
	if p.policies.IdUniqueness == UniqueID && len(p.servantIDs[proxy]) > 0 {
		return ErrServantAlreadyActive
	}
	_, err = p.bind(id, proxy)
	return err
}

// DeactivateObject severs the id's servant binding. Under RETAIN with an
// activator the servant is etherealized.
func (p *POA) DeactivateObject(ed *core.ExecDomain, id ObjectID) error {
	if len(id) == 0 {
		return badParam(0)
	}
	frame, err := p.enter(ed)
	if err != nil {
		return err
	}
	defer frame.Leave()
	return p.deactivateLocked(id, true)
}

func (p *POA) deactivateLocked(id ObjectID, etherealize bool) error {
	ref, ok := p.aom[string(id)]
	if !ok {
		return ErrObjectNotActive
	}
	delete(p.aom, string(id))
	proxy := ref.deactivate()
	if proxy != nil {
		ids := p.servantIDs[proxy]
		for i, s := range ids {
			if s == string(id) {
				p.servantIDs[proxy] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(p.servantIDs[proxy]) == 0 {
			delete(p.servantIDs, proxy)
		}
		if etherealize {
			if activator, ok := p.servantManager.(ServantActivator); ok {
				_ = activator.Etherealize(id, p, proxy.Servant(), true)
			}
		}
	}
	if ref.refCnt.Load() <= 0 {
		p.root.forgetReference(ref)
	}
	return nil
}

// ServantToID returns the id servant is active under, activating it first
// when the implicit-activation policy permits. The id is stable across
// calls.
func (p *POA) ServantToID(ed *core.ExecDomain, servant Servant) (ObjectID, error) {
	frame, err := p.enter(ed)
	if err != nil {
		return nil, err
	}
	defer frame.Leave()

	proxy, ok := p.root.proxyByServant[servant]
	if ok {
		if ids := p.servantIDs[proxy]; len(ids) > 0 {
			return ObjectID(ids[0]), nil
		}
	}
	if p.policies.ImplicitActivation != ImplicitActivationEnabled {
		return nil, ErrServantNotActive
	}
	if !ok {
		proxy = p.proxyFor(servant, nil)
	}
	ref, err := p.activateProxyLocked(proxy)
	if err != nil {
		return nil, err
	}
	return ref.key.ObjectID, nil
}

// ServantToReference resolves the reference servant is active under,
// implicitly activating when permitted.
func (p *POA) ServantToReference(ed *core.ExecDomain, servant Servant) (*ReferenceLocal, error) {
	id, err := p.ServantToID(ed, servant)
	if err != nil {
		return nil, err
	}
	return p.IDToReference(ed, id)
}

// IDToReference returns the reference for an active id
func (p *POA) IDToReference(ed *core.ExecDomain, id ObjectID) (*ReferenceLocal, error) {
	frame, err := p.enter(ed)
	if err != nil {
		return nil, err
	}
	defer frame.Leave()
	if p.policies.ServantRetention == Retain {
		if ref, ok := p.aom[string(id)]; ok {
			return ref, nil
		}
	}
	return nil, ErrObjectNotActive
}

// IDToServant returns the servant active under id
func (p *POA) IDToServant(ed *core.ExecDomain, id ObjectID) (Servant, error) {
	ref, err := p.IDToReference(ed, id)
	if err != nil {
		if p.defaultServant != nil && p.policies.RequestProcessing == UseDefaultServant {
			return p.defaultServant, nil
		}
		return nil, err
	}
	if proxy := ref.Proxy(); proxy != nil {
		return proxy.Servant(), nil
	}
	return nil, ErrObjectNotActive
}

// ReferenceToServant maps a reference created by this POA to its servant
func (p *POA) ReferenceToServant(ed *core.ExecDomain, ref *ReferenceLocal) (Servant, error) {
	if ref == nil || ref.poa != p {
		return nil, ErrWrongAdapter
	}
	return p.IDToServant(ed, ref.key.ObjectID)
}

// Destroyed reports whether destroy has begun
func (p *POA) Destroyed() bool { return p.destroyed.Load() }

// Destroy tears the adapter down: children first (bottom-up), then the
// active objects. It is idempotent. With waitForCompletion the call blocks
// until outstanding requests drain; invoking that form from inside a
// dispatched request raises BAD_INV_ORDER(3).
func (p *POA) Destroy(ed *core.ExecDomain, etherealize, waitForCompletion bool) error {
	if waitForCompletion {
		if _, ok := ed.CurrentCall().(*CallContext); ok {
			return badInvOrder(corba.MinorDestroyInDispatch)
		}
	}
	frame, err := p.enter(ed)
	if err != nil {
		return err
	}
	first := p.destroyed.CompareAndSwap(false, true)
	if first {
		p.destroyLocked(ed, etherealize)
	}
	if p.requestCnt.Load() == 0 {
		p.destroyDone.Signal()
	}
	frame.Leave()

	if waitForCompletion {
		return p.destroyDone.Wait(ed, core.InfiniteDeadline)
	}
	return nil
}

func (p *POA) destroyLocked(ed *core.ExecDomain, etherealize bool) {
	for _, child := range p.children {
		child.destroyed.Store(true)
		child.destroyLocked(ed, etherealize)
		if child.requestCnt.Load() == 0 {
			child.destroyDone.Signal()
		}
	}
	p.children = make(map[string]*POA)

	for idStr := range p.aom {
		_ = p.deactivateLocked(ObjectID(idStr), etherealize)
	}
	if p.parent != nil {
		delete(p.parent.children, p.name)
	}
}

// WaitForCompletion blocks until the outstanding request counter reaches
// zero after destroy.
func (p *POA) WaitForCompletion(ed *core.ExecDomain) error {
	return p.destroyDone.Wait(ed, core.InfiniteDeadline)
}

// OutstandingRequests returns the in-flight request count
func (p *POA) OutstandingRequests() int64 { return p.requestCnt.Load() }

// resolveServant maps an object id to a proxy per the retention and
// request-processing policies. Runs inside the POA sync context. The
// returned locator/cookie pair is non-nil only for NON_RETAIN servant
// managers, whose Postinvoke must run unconditionally after dispatch.
func (p *POA) resolveServant(ed *core.ExecDomain, id ObjectID, operation string) (*ServantProxyObject, *ReferenceLocal, ServantLocator, interface{}, error) {
	if p.policies.ServantRetention == Retain {
		if ref, ok := p.aom[string(id)]; ok {
			if proxy := ref.Proxy(); proxy != nil {
				return proxy, ref, nil, nil, nil
			}
		}
		switch p.policies.RequestProcessing {
		case UseActiveObjectMapOnly:
			return nil, nil, nil, nil, objectNotExist(0)
		case UseDefaultServant:
			if p.defaultServant == nil {
				return nil, nil, nil, nil, objAdapter(corba.MinorNoDefaultServant)
			}
			return p.proxyFor(p.defaultServant, nil), nil, nil, nil, nil
		case UseServantManager:
			activator, ok := p.servantManager.(ServantActivator)
			if !ok {
				return nil, nil, nil, nil, objAdapter(0)
			}
			ref, err := p.incarnate(ed, activator, id)
			if err != nil {
				return nil, nil, nil, nil, objectNotExist(0)
			}
			return ref.Proxy(), ref, nil, nil, nil
		}
	}

	// NON_RETAIN: the AOM is never consulted or populated.
	switch p.policies.RequestProcessing {
	case UseDefaultServant:
		if p.defaultServant == nil {
			return nil, nil, nil, nil, objAdapter(corba.MinorNoDefaultServant)
		}
		return p.proxyFor(p.defaultServant, nil), nil, nil, nil, nil
	case UseServantManager:
		locator, ok := p.servantManager.(ServantLocator)
		if !ok {
			return nil, nil, nil, nil, objAdapter(0)
		}
		servant, cookie, err := locator.Preinvoke(id, p, operation)
		if err != nil {
			return nil, nil, nil, nil, objectNotExist(0)
		}
		return NewServantProxy(p.orb, servant, nil, p), nil, locator, cookie, nil
	}
	return nil, nil, nil, nil, objAdapter(0)
}

// incarnate runs the servant activator under an activation-pending
// waitable reference, so concurrent misses on one id share a single
// Incarnate call.
func (p *POA) incarnate(ed *core.ExecDomain, activator ServantActivator, id ObjectID) (*ReferenceLocal, error) {
	wref, ok := p.incarnating[string(id)]
	if !ok {
		wref = core.NewWaitableRef[*ReferenceLocal]()
		p.incarnating[string(id)] = wref
	}
	ref, err := wref.GetOrInit(ed, core.DeadlineIn(core.ConstructionDeadline), func() (*ReferenceLocal, error) {
		servant, err := activator.Incarnate(id, p)
		if err != nil {
			return nil, err
		}
		proxy := p.proxyFor(servant, nil)
		return p.bind(id, proxy)
	})
	delete(p.incarnating, string(id))
	return ref, err
}

// serveLocal routes an in-process request through the adapter machinery
func (p *POA) serveLocal(ed *core.ExecDomain, ref *ReferenceLocal, req Request) error {
	return p.serveKey(ed, ref.key.ObjectID, req)
}

// serveKey is the dispatch path: gate through the manager, resolve the
// servant, push the call context, enter the servant sync context, invoke.
func (p *POA) serveKey(ed *core.ExecDomain, id ObjectID, req Request) error {
	if err := p.manager.gate(ed); err != nil {
		return err
	}
	if p.destroyed.Load() {
		return objAdapter(corba.MinorAdapterInactive)
	}

	frame, err := p.enter(ed)
	if err != nil {
		return err
	}
	proxy, ref, locator, cookie, err := p.resolveServant(ed, id, req.Operation())
	if err != nil {
		frame.Leave()
		return err
	}
	// An in-flight dispatched operation holds a strong reference for the
	// duration of the call.
	if ref != nil {
		ref.AddRef(ed)
	}
	p.requestCnt.Add(1)
	frame.Leave()

	cc := &CallContext{Adapter: p, ObjectID: id, Reference: ref, Servant: proxy.Servant()}
	ed.PushCall(cc)

	invokeErr := proxy.invokeInContext(ed, req)

	ed.PopCall()
	if locator != nil {
		// Postinvoke runs unconditionally, including on exceptions.
		_ = locator.Postinvoke(id, p, req.Operation(), proxy.Servant(), cookie)
	}
	if n := p.requestCnt.Add(-1); n == 0 && p.destroyed.Load() {
		p.destroyDone.Signal()
	}
	if ref != nil {
		ref.Release(ed)
	}
	return invokeErr
}

// DispatchKey routes an incoming request by object key: the adapter path
// is walked from the root, invoking adapter activators for missing steps.
func (p *POA) DispatchKey(ed *core.ExecDomain, key ObjectKey, req Request) error {
	target := p
	if len(key.AdapterPath) > 0 {
		frame, err := p.enter(ed)
		if err != nil {
			return err
		}
		for _, name := range key.AdapterPath {
			next, err := target.findChild(ed, name, true)
			if err != nil {
				frame.Leave()
				return objectNotExist(0)
			}
			target = next
		}
		frame.Leave()
	}
	return target.serveKey(ed, key.ObjectID, req)
}
